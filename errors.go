package specmem

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/specmem/specmem/embed"
	"github.com/specmem/specmem/extract"
	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// Sentinel errors for common engine error conditions. These re-export
// the subpackage sentinels so callers composing the engine through this
// package can match with errors.Is without importing every layer.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrVersionConflict indicates an optimistic update lost the race;
	// the caller may retry.
	ErrVersionConflict = store.ErrVersionConflict

	// ErrIndexUnavailable indicates the semantic index is not built or
	// mid-rebuild; affected operations degrade to lexical search.
	ErrIndexUnavailable = index.ErrIndexUnavailable

	// ErrEmbeddingFailed indicates the embedding collaborator failed;
	// the record is stored unindexed and reconciled later.
	ErrEmbeddingFailed = embed.ErrEmbeddingFailed

	// ErrExtractionFailed indicates the canonicalization collaborator
	// failed; the raw utterance is stored pending and retried later.
	ErrExtractionFailed = extract.ErrExtractionFailed

	// ErrInvalidSpec indicates a canonical spec failed validation.
	ErrInvalidSpec = schema.ErrInvalidSpec

	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("memory: manager closed")
)

// Error kinds categorize engine errors by their type.
const (
	// KindNotFound represents errors where a record was not found.
	KindNotFound = "not_found"

	// KindValidation represents errors related to spec validation.
	KindValidation = "validation"

	// KindConflict represents version or merge conflicts.
	KindConflict = "conflict"

	// KindDegraded represents operations that completed on a fallback path.
	KindDegraded = "degraded"

	// KindConfiguration represents errors related to configuration.
	KindConfiguration = "configuration"

	// KindTimeout represents errors related to collaborator timeouts.
	KindTimeout = "timeout"

	// KindInternal represents internal engine errors.
	KindInternal = "internal"
)

// EngineError is a structured error type that wraps underlying errors
// with the operation that failed and the category of failure.
//
// EngineError implements the error interface and supports error
// unwrapping, making it compatible with errors.Is() and errors.As().
//
// Example usage:
//
//	err := &EngineError{
//		Op:   "Manager.Remember",
//		Kind: KindValidation,
//		Err:  ErrInvalidSpec,
//	}
type EngineError struct {
	// Op is the operation that failed (e.g., "Manager.Remember").
	Op string

	// Kind categorizes the error (e.g., KindNotFound, KindConflict).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional detail about the error (optional),
	// such as record ids or threshold values.
	Context map[string]any
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("memory: %s: %s", e.Op, e.Kind)
	}
	if len(e.Context) > 0 {
		return fmt.Sprintf("memory: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}
	return fmt.Sprintf("memory: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error, allowing errors.Is() and
// errors.As() to work through the wrapper.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches either the underlying error or another EngineError with
// the same Kind (and Op, when the target specifies one).
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}
	if t, ok := target.(*EngineError); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}
	return errors.Is(e.Err, target)
}

// WithContext returns a copy of the error with the provided context
// merged in.
func (e *EngineError) WithContext(ctx map[string]any) *EngineError {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		out.Context[k] = v
	}
	for k, v := range ctx {
		out.Context[k] = v
	}
	return &out
}

// NewNotFoundError creates an EngineError with KindNotFound.
func NewNotFoundError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindNotFound, Err: err}
}

// NewValidationError creates an EngineError with KindValidation.
func NewValidationError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindValidation, Err: err}
}

// NewConflictError creates an EngineError with KindConflict.
func NewConflictError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindConflict, Err: err}
}

// NewConfigurationError creates an EngineError with KindConfiguration.
func NewConfigurationError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindConfiguration, Err: err}
}

// NewTimeoutError creates an EngineError with KindTimeout.
func NewTimeoutError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindTimeout, Err: err}
}

// NewInternalError creates an EngineError with KindInternal.
func NewInternalError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindInternal, Err: err}
}

// CloseWithLog attempts to close the provided resource and logs any
// error at warning level. Intended for defer statements so cleanup
// errors are not silently ignored.
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
