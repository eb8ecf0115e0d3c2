// Package apierr defines the repository-wide error taxonomy (spec §7).
// Every component returns errors wrapped in *Error so callers can match on
// Kind with errors.Is, regardless of which layer raised it.
package apierr

import "fmt"

// Kind classifies a failure into one of the categories callers need to
// distinguish and react to differently.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindWrongPassword
	KindCorrupt
	KindUnsupportedFeature
	KindLocked
	KindStaleLock
	KindBackendUnavailable
	KindIO
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindWrongPassword:
		return "wrong password"
	case KindCorrupt:
		return "corrupt"
	case KindUnsupportedFeature:
		return "unsupported feature"
	case KindLocked:
		return "locked"
	case KindStaleLock:
		return "stale lock"
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindIO:
		return "io"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every package in this
// module. Op names the failing operation (e.g. "txn.Commit"); Err, when
// present, is the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, apierr.ErrNotFound) works regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for op, wrapping err (which may be nil).
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Sentinels for errors.Is comparison. Kind is all that is compared.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrWrongPassword      = &Error{Kind: KindWrongPassword}
	ErrCorrupt            = &Error{Kind: KindCorrupt}
	ErrUnsupportedFeature = &Error{Kind: KindUnsupportedFeature}
	ErrLocked             = &Error{Kind: KindLocked}
	ErrStaleLock          = &Error{Kind: KindStaleLock}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrIO                 = &Error{Kind: KindIO}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
)
