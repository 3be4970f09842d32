// Package compress is the default compression capability. Every method maps
// onto deflate at a level tuned for the content class; "none" passes the
// payload through untouched. The scheduler treats methods as opaque, so a
// richer codec can replace this without touching scheduling.
package compress

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
)

// methodLevels maps compression method identifiers to deflate levels.
// Media-oriented methods use fast levels since their content is usually
// already entropy-coded; document-oriented methods compress harder.
var methodLevels = map[string]int{
	"lossless":        flate.BestCompression,
	"lossy":           flate.DefaultCompression,
	"pdf_optimize":    flate.BestCompression,
	"office_optimize": flate.BestCompression,
	"video_optimize":  flate.BestSpeed,
}

// Compressor implements the compression capability over deflate.
type Compressor struct{}

// New creates a Compressor.
func New() *Compressor {
	return &Compressor{}
}

// Compress applies the method to data. Cancellation is checked between the
// compress and verify stages; deflate blocks are small enough that this
// bounds the overrun to a single buffer flush.
func (c *Compressor) Compress(ctx context.Context, data []byte, method string) ([]byte, error) {
	if method == "none" {
		return data, nil
	}

	level, ok := methodLevels[method]
	if !ok {
		return nil, fmt.Errorf("unknown compression method %q", method)
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Round-trip verification before the result is committed anywhere.
	r := flate.NewReader(bytes.NewReader(buf.Bytes()))
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, fmt.Errorf("compressed output verification failed: %w", err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("compressed output verification failed: %w", err)
	}
	if n != int64(len(data)) {
		return nil, fmt.Errorf("compressed output verification failed: length mismatch %d != %d", n, len(data))
	}

	return buf.Bytes(), nil
}
