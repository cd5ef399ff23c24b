package specmem

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestSentinelErrors verifies that all sentinel errors are defined correctly.
func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "ErrNotFound",
			err:  ErrNotFound,
			want: "record not found",
		},
		{
			name: "ErrVersionConflict",
			err:  ErrVersionConflict,
			want: "version conflict",
		},
		{
			name: "ErrIndexUnavailable",
			err:  ErrIndexUnavailable,
			want: "unavailable",
		},
		{
			name: "ErrEmbeddingFailed",
			err:  ErrEmbeddingFailed,
			want: "embedding failed",
		},
		{
			name: "ErrExtractionFailed",
			err:  ErrExtractionFailed,
			want: "extraction failed",
		},
		{
			name: "ErrInvalidSpec",
			err:  ErrInvalidSpec,
			want: "invalid canonical spec",
		},
		{
			name: "ErrClosed",
			err:  ErrClosed,
			want: "manager closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Fatalf("sentinel error %s is nil", tt.name)
			}
			if got := tt.err.Error(); !strings.Contains(got, tt.want) {
				t.Errorf("error message = %q, want to contain %q", got, tt.want)
			}
		})
	}
}

// TestEngineErrorError verifies the Error() method formatting.
func TestEngineErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "basic error",
			err: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
				Err:  ErrNotFound,
			},
			want: "memory: Manager.Get (not_found): store: record not found",
		},
		{
			name: "error with context",
			err: &EngineError{
				Op:   "Manager.Remember",
				Kind: KindConflict,
				Err:  ErrVersionConflict,
				Context: map[string]any{
					"id": "mem_abc123def456",
				},
			},
			want: "memory: Manager.Remember (conflict): store: version conflict [context:",
		},
		{
			name: "error without underlying error",
			err: &EngineError{
				Op:   "Manager.Query",
				Kind: KindValidation,
			},
			want: "memory: Manager.Query: validation",
		},
		{
			name: "error with wrapped error",
			err: &EngineError{
				Op:   "Manager.New",
				Kind: KindConfiguration,
				Err:  fmt.Errorf("failed to load config: %w", ErrInvalidSpec),
			},
			want: "memory: Manager.New (configuration): failed to load config: schema: invalid canonical spec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if !strings.Contains(got, tt.want) {
				t.Errorf("Error() = %q, want to contain %q", got, tt.want)
			}
		})
	}
}

// TestEngineErrorUnwrap verifies the Unwrap() method.
func TestEngineErrorUnwrap(t *testing.T) {
	underlyingErr := errors.New("underlying error")
	err := &EngineError{
		Op:   "Test.Operation",
		Kind: KindInternal,
		Err:  underlyingErr,
	}

	if unwrapped := err.Unwrap(); unwrapped != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlyingErr)
	}

	errNil := &EngineError{
		Op:   "Test.Operation",
		Kind: KindInternal,
	}
	if unwrapped := errNil.Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() with nil Err = %v, want nil", unwrapped)
	}
}

// TestEngineErrorIs verifies the Is() method and errors.Is() compatibility.
func TestEngineErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name: "matches underlying sentinel error",
			err: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
				Err:  ErrNotFound,
			},
			target: ErrNotFound,
			want:   true,
		},
		{
			name: "matches wrapped error",
			err: &EngineError{
				Op:   "Manager.Remember",
				Kind: KindValidation,
				Err:  fmt.Errorf("wrapped: %w", ErrInvalidSpec),
			},
			target: ErrInvalidSpec,
			want:   true,
		},
		{
			name: "matches EngineError by kind",
			err: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
				Err:  ErrNotFound,
			},
			target: &EngineError{Kind: KindNotFound},
			want:   true,
		},
		{
			name: "matches EngineError by kind and op",
			err: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
				Err:  ErrNotFound,
			},
			target: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
			},
			want: true,
		},
		{
			name: "does not match different kind",
			err: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
				Err:  ErrNotFound,
			},
			target: &EngineError{Kind: KindConflict},
			want:   false,
		},
		{
			name: "does not match different underlying error",
			err: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
				Err:  ErrNotFound,
			},
			target: ErrVersionConflict,
			want:   false,
		},
		{
			name: "does not match nil",
			err: &EngineError{
				Op:   "Manager.Get",
				Kind: KindNotFound,
				Err:  ErrNotFound,
			},
			target: nil,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestEngineErrorAs verifies errors.As() compatibility.
func TestEngineErrorAs(t *testing.T) {
	originalErr := &EngineError{
		Op:   "Manager.Remember",
		Kind: KindConflict,
		Err:  ErrVersionConflict,
		Context: map[string]any{
			"id": "mem_abc123def456",
		},
	}

	wrappedErr := fmt.Errorf("outer error: %w", originalErr)

	var engineErr *EngineError
	if !errors.As(wrappedErr, &engineErr) {
		t.Fatal("errors.As() failed to extract EngineError")
	}

	if engineErr.Op != originalErr.Op {
		t.Errorf("Op = %q, want %q", engineErr.Op, originalErr.Op)
	}
	if engineErr.Kind != originalErr.Kind {
		t.Errorf("Kind = %q, want %q", engineErr.Kind, originalErr.Kind)
	}
	if engineErr.Context["id"] != "mem_abc123def456" {
		t.Errorf("Context[id] = %v, want mem_abc123def456", engineErr.Context["id"])
	}
}

// TestEngineErrorWithContext verifies the WithContext() method.
func TestEngineErrorWithContext(t *testing.T) {
	original := &EngineError{
		Op:   "Manager.Query",
		Kind: KindDegraded,
		Err:  ErrIndexUnavailable,
	}

	withCtx := original.WithContext(map[string]any{
		"terms":    "vehicle property",
		"fallback": true,
	})

	if withCtx.Context["terms"] != "vehicle property" {
		t.Errorf("Context[terms] = %v, want vehicle property", withCtx.Context["terms"])
	}
	if withCtx.Context["fallback"] != true {
		t.Errorf("Context[fallback] = %v, want true", withCtx.Context["fallback"])
	}

	if original.Context != nil {
		t.Error("original error Context was modified")
	}

	withMoreCtx := withCtx.WithContext(map[string]any{
		"candidates": 3,
	})

	if withMoreCtx.Context["terms"] != "vehicle property" {
		t.Error("terms context was lost")
	}
	if withMoreCtx.Context["candidates"] != 3 {
		t.Error("candidates context was not added")
	}
	if _, ok := withCtx.Context["candidates"]; ok {
		t.Error("intermediate error Context was modified")
	}
}

// TestNewErrorFunctions verifies all the New*Error() constructor functions.
func TestNewErrorFunctions(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(string, error) *EngineError
		wantKind string
	}{
		{
			name:     "NewNotFoundError",
			fn:       NewNotFoundError,
			wantKind: KindNotFound,
		},
		{
			name:     "NewValidationError",
			fn:       NewValidationError,
			wantKind: KindValidation,
		},
		{
			name:     "NewConflictError",
			fn:       NewConflictError,
			wantKind: KindConflict,
		},
		{
			name:     "NewConfigurationError",
			fn:       NewConfigurationError,
			wantKind: KindConfiguration,
		},
		{
			name:     "NewTimeoutError",
			fn:       NewTimeoutError,
			wantKind: KindTimeout,
		},
		{
			name:     "NewInternalError",
			fn:       NewInternalError,
			wantKind: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := "Test.Operation"
			underlyingErr := errors.New("test error")

			err := tt.fn(op, underlyingErr)

			if err.Op != op {
				t.Errorf("Op = %q, want %q", err.Op, op)
			}
			if err.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", err.Kind, tt.wantKind)
			}
			if !errors.Is(err, underlyingErr) {
				t.Error("underlying error not preserved")
			}
		})
	}
}

// TestErrorChaining verifies that error chains work correctly.
func TestErrorChaining(t *testing.T) {
	baseErr := errors.New("base error")
	wrappedErr := fmt.Errorf("wrapped: %w", baseErr)
	engineErr := &EngineError{
		Op:   "Manager.Sweep",
		Kind: KindInternal,
		Err:  wrappedErr,
	}
	outerErr := fmt.Errorf("outer: %w", engineErr)

	if !errors.Is(outerErr, baseErr) {
		t.Error("failed to find base error in chain")
	}

	var extracted *EngineError
	if !errors.As(outerErr, &extracted) {
		t.Error("failed to extract engine error from chain")
	}

	if extracted.Op != "Manager.Sweep" {
		t.Errorf("extracted engine error has wrong Op: %q", extracted.Op)
	}
}
