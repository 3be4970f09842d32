package job

import "errors"

var (
	// ErrNotFound is returned when a job or document cannot be found.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyQueued is returned when enqueueing a document that already
	// has a non-terminal job.
	ErrAlreadyQueued = errors.New("a non-terminal job already exists for this document")

	// ErrInUse is returned when an operation requires a document that is
	// currently open by another subsystem.
	ErrInUse = errors.New("document is in use")

	// ErrInvalidTransition is returned on a state machine violation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrExhausted is returned when a job has used all configured attempts.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrNotRetryable is returned when retry is requested for a job that is
	// not in the failed state.
	ErrNotRetryable = errors.New("job is not in a retryable state")

	// ErrUnsupportedMethod is returned when the requested compression method
	// is not in the configured supported set.
	ErrUnsupportedMethod = errors.New("unsupported compression method")
)

// Retryable error kinds. These map onto the taxonomy surfaced through
// last_error and statistics; neither is reported to the caller per attempt.
const (
	KindCompressionFailed = "compression_failed"
	KindStorageIO         = "storage_io"
)

// RetryableError wraps transient failures that should trigger a backoff and
// requeue rather than a terminal failure.
type RetryableError struct {
	Kind string
	Err  error
}

func (e *RetryableError) Error() string {
	return e.Kind + ": " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewCompressionFailed wraps a codec-reported failure.
func NewCompressionFailed(err error) error {
	return &RetryableError{Kind: KindCompressionFailed, Err: err}
}

// NewStorageIO wraps a document storage read/write failure.
func NewStorageIO(err error) error {
	return &RetryableError{Kind: KindStorageIO, Err: err}
}

// IsRetryable reports whether err is a transient failure eligible for
// automatic retry under the backoff policy.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
