package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/cryscope/pkg/audio"
)

// Kind classifies why a run stopped.
type Kind int

const (
	// KindUnrecoverable is an unexpected internal fault or an I/O failure.
	// The run is reported as failed.
	KindUnrecoverable Kind = iota

	// KindInvalidInput is a malformed, empty or unsupported recording, or
	// out-of-range analysis parameters. The run is reported as failed.
	KindInvalidInput

	// KindCancelled is cooperative cancellation observed between episodes.
	// Nothing is persisted and the run is not reported as failed.
	KindCancelled
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindCancelled:
		return "cancelled"
	case KindUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Error is the error type returned by [Pipeline.Run] and
// [Orchestrator.Analyze].
type Error struct {
	Kind Kind

	// Op names the step that failed ("load", "detect", "analyze episode 3").
	Op string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// newError wraps err with op, classifying it. An err that already is an
// *Error keeps its kind.
func newError(op string, err error) *Error {
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf classifies err. Cancellation of a context is [KindCancelled]; a
// deadline that expired is a timeout and therefore [KindUnrecoverable].
// Errors wrapping [audio.ErrInvalidInput] are [KindInvalidInput].
// Everything else, including nil, is [KindUnrecoverable].
func KindOf(err error) Kind {
	var pe *Error
	switch {
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, audio.ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindUnrecoverable
	}
}

// IsCancelled reports whether err stopped a run through cancellation.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}
