package gate

import (
	"errors"
	"fmt"
)

// Sentinel errors for gate operations. Every error returned by a Gate matches
// exactly one of them with errors.Is.
var (
	// ErrAccessDenied means the filename resolved outside the root, the root
	// itself was invalid, or the target was the root directory. No I/O happened.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound means the filename is inside the root but does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrIO covers every other storage failure.
	ErrIO = errors.New("io error")
)

// IOError records a failed storage operation on a verified path.
type IOError struct {
	Op   string // "read", "write" or "list"
	Path string // path relative to the root
	Kind error  // ErrNotFound or ErrIO
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *IOError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Kind classifies an operation outcome.
type Kind int

const (
	KindOK Kind = iota
	KindAccessDenied
	KindNotFound
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindAccessDenied:
		return "access denied"
	case KindNotFound:
		return "not found"
	default:
		return "io error"
	}
}

// KindOf classifies err. A nil error is KindOK; an error that matches none of
// the sentinels is KindIO.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindIO
	}
}
