package preview

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so callers can pick a fallback policy.
type Kind int

const (
	// KindInternal covers unexpected faults, timeouts and cancellation.
	KindInternal Kind = iota
	// KindInput means the upload is not a readable video.
	KindInput
	// KindResource means local storage or the encoder output could not be written.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindResource:
		return "resource"
	default:
		return "internal"
	}
}

// ErrUnreadable is wrapped by every KindInput error.
var ErrUnreadable = errors.New("unreadable video")

// Error is the failure variant of Process.
type Error struct {
	Kind Kind
	Op   string // materialize, decode, encode, ...
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("preview %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

func inputError(op string, err error) *Error {
	return &Error{Kind: KindInput, Op: op, Err: fmt.Errorf("%w: %w", ErrUnreadable, err)}
}

func resourceError(op string, err error) *Error {
	return &Error{Kind: KindResource, Op: op, Err: err}
}

func internalError(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}
