package out

import (
	"context"
	"errors"
	"fmt"
)

// StructuredCompleter sends a prompt and returns a JSON object constrained by schema.
// Implementations must honor ctx's deadline.
type StructuredCompleter interface {
	Complete(ctx context.Context, req *CompletionRequest) ([]byte, error)
}

// CompletionRequest is one schema-constrained completion call.
type CompletionRequest struct {
	System     string
	User       string
	SchemaName string
	Schema     map[string]any
}

// CompletionErrorKind separates deadline, transport and malformed-output failures.
type CompletionErrorKind string

const (
	CompletionTimeout  CompletionErrorKind = "timeout"
	CompletionProvider CompletionErrorKind = "provider"
	CompletionSchema   CompletionErrorKind = "schema"
)

type CompletionError struct {
	Kind CompletionErrorKind
	Err  error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

func NewCompletionError(kind CompletionErrorKind, err error) *CompletionError {
	return &CompletionError{Kind: kind, Err: err}
}

// CompletionKindOf extracts the kind of a completion failure, defaulting to provider.
func CompletionKindOf(err error) CompletionErrorKind {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CompletionTimeout
	}
	return CompletionProvider
}
