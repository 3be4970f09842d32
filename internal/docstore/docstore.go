// Package docstore is the filesystem document storage collaborator. Each
// document's payload lives at <root>/<document_id>; replacements go through
// a temp file and rename so a crash never leaves a half-written document.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and replaces document payloads under a root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create documents root: %w", err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// path resolves a document ID inside the root, rejecting IDs that would
// escape it.
func (s *Store) path(documentID string) (string, error) {
	if documentID == "" || strings.ContainsAny(documentID, `/\`) || strings.Contains(documentID, "..") {
		return "", fmt.Errorf("invalid document id %q", documentID)
	}
	return filepath.Join(s.root, documentID), nil
}

// Load reads a document's payload.
func (s *Store) Load(ctx context.Context, documentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(documentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	return data, nil
}

// Replace atomically swaps a document's payload for the compressed form.
func (s *Store) Replace(ctx context.Context, documentID string, compressed []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(documentID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, documentID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write document %s: %w", documentID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync document %s: %w", documentID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace document %s: %w", documentID, err)
	}

	s.logger.Debug("Document replaced",
		slog.String("document_id", documentID),
		slog.Int("bytes", len(compressed)),
	)
	return nil
}

// Exists reports whether a document payload is present.
func (s *Store) Exists(documentID string) (bool, error) {
	p, err := s.path(documentID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
