// Package lsmerrors defines the error kinds surfaced at the engine boundary.
package lsmerrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error the way callers need to branch on it.
type Kind int

const (
	// Io wraps an underlying filesystem error.
	Io Kind = iota + 1
	// Corruption indicates a checksum or structural mismatch found on read or recover.
	Corruption
	// NotOpen indicates an operation was attempted after Close.
	NotOpen
	// InvalidArgument indicates a caller-supplied value violates a documented constraint.
	InvalidArgument
	// Errored indicates the engine entered a failed write-path state and rejects mutations.
	Errored
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "Io"
	case Corruption:
		return "Corruption"
	case NotOpen:
		return "NotOpen"
	case InvalidArgument:
		return "InvalidArgument"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Error is the boundary error type. It carries a Kind so callers can branch
// with errors.As without parsing message text, plus an optional path/offset
// pair for corruption diagnostics (spec: "aborts open with the diagnostic
// path and byte offset").
type Error struct {
	kind   Kind
	msg    string
	Path   string
	Offset int64
	cause  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("lsmdb: %s: %s (path=%s offset=%d)", e.kind, e.msg, e.Path, e.Offset)
	}
	return fmt.Sprintf("lsmdb: %s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the classification of the error.
func (e *Error) Kind() Kind { return e.kind }

// New creates a boundary error of the given kind.
func New(kind Kind, msg string) error {
	return errors.WithStack(&Error{kind: kind, msg: msg})
}

// Newf creates a boundary error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return errors.WithStack(&Error{kind: kind, msg: fmt.Sprintf(format, args...)})
}

// Wrap attaches a kind to an underlying error, preserving it for Unwrap.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&Error{kind: kind, msg: msg, cause: cause})
}

// Corrupt builds a Corruption error carrying the path and byte offset at
// which the corruption was detected.
func Corrupt(path string, offset int64, msg string) error {
	return errors.WithStack(&Error{kind: Corruption, msg: msg, Path: path, Offset: offset})
}

// KindOf extracts the Kind from err, if err (or something it wraps) is an
// *Error. Returns (0, false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
