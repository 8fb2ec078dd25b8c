package store

import (
	"errors"
	"fmt"

	"storeweaver/internal/derivation"
)

var (
	// ErrInvalidPath marks a path that is not currently valid in a store.
	ErrInvalidPath = errors.New("invalid path")
	// ErrBuild marks permanent build failures: wrong output hashes, failing
	// builders and reference cycles.
	ErrBuild = errors.New("build error")
	// ErrSubstituterDisabled is returned by a substituter that refuses to serve.
	ErrSubstituterDisabled = errors.New("substituter disabled")
	// ErrSubstituteGone is returned when an advertised substitute disappeared
	// between query and fetch.
	ErrSubstituteGone = errors.New("substitute gone")
	// ErrSubst marks any other substitution failure.
	ErrSubst = errors.New("substitution error")
	// ErrReadOnly is returned by write operations on a read-only store.
	ErrReadOnly = errors.New("read-only store")
	// ErrUnsupported marks operations a backend does not implement.
	ErrUnsupported = derivation.ErrUnsupported
)

// Error carries a message and unwraps to its Kind, one of the sentinels above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// InvalidPathf builds an ErrInvalidPath error.
func InvalidPathf(format string, args ...any) error {
	return Errorf(ErrInvalidPath, format, args...)
}

// BuildErrorf builds an ErrBuild error.
func BuildErrorf(format string, args ...any) error {
	return Errorf(ErrBuild, format, args...)
}

// IsInvalidPath reports whether err is or wraps ErrInvalidPath.
func IsInvalidPath(err error) bool { return errors.Is(err, ErrInvalidPath) }
