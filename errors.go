package drivekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every backend. Adapters translate their native
// errors into these sentinels at the boundary; nothing backend-specific
// leaks past a driver.
var (
	ErrNotFound      = errors.New("file or directory not found")
	ErrExist         = errors.New("file or directory already exists")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrAccessDenied  = errors.New("access denied")
	ErrInvalidPath   = errors.New("invalid path")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrUnsupported   = errors.New("operation not supported by backend")
	ErrIncomplete    = errors.New("transfer incomplete, partial data may remain")
	ErrCancelled     = errors.New("operation cancelled")
	ErrUnavailable   = errors.New("backend temporarily unavailable")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrClosed        = errors.New("already closed")
	ErrInvalidSize   = errors.New("invalid size")
)

// PathError records an error together with the operation and virtual path
// that caused it.
type PathError struct {
	Op      string
	Backend string
	Path    string
	Err     error
}

// Error implements the error interface
func (e *PathError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s %s:%s: %v", e.Op, e.Backend, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with operation and path context.
func NewPathError(op, path string, err error) *PathError {
	return &PathError{Op: op, Path: path, Err: err}
}

// Failure is one failed sub-path inside a bulk operation.
type Failure struct {
	Path string
	Err  error
}

// BulkError reports a bulk operation that completed with mixed outcomes.
// It carries every failed sub-path and its cause; the operation is never
// aborted on the first failure, so Succeeded counts entries that were
// processed despite the failures.
type BulkError struct {
	Op        string
	Succeeded int
	Failures  []Failure
}

// Error implements the error interface
func (e *BulkError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("%s: 1 path failed (%s: %v), %d succeeded",
			e.Op, e.Failures[0].Path, e.Failures[0].Err, e.Succeeded)
	}
	paths := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		paths = append(paths, f.Path)
	}
	return fmt.Sprintf("%s: %d paths failed (%s), %d succeeded",
		e.Op, len(e.Failures), strings.Join(paths, ", "), e.Succeeded)
}

// Unwrap exposes the individual causes to errors.Is.
func (e *BulkError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsNotFound reports whether an error indicates that a file or directory
// does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsAccessDenied reports whether an error indicates that access is denied
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsUnavailable reports whether an error is transient and safe to retry
// on idempotent calls
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsCancelled reports whether an error indicates cancellation, either via
// the drivekit sentinel or a context error
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsUnsupported reports whether a backend declined an operation it cannot
// implement
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsInvalidPath reports whether an error indicates a malformed virtual path
func IsInvalidPath(err error) bool {
	return errors.Is(err, ErrInvalidPath)
}

// IsInvalidCursor reports whether an error indicates a cursor that cannot
// resume the requested listing
func IsInvalidCursor(err error) bool {
	return errors.Is(err, ErrInvalidCursor)
}

// normalizeCtxErr folds context errors into the taxonomy. A call that ran
// out of time is treated identically to cancellation.
func normalizeCtxErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}
