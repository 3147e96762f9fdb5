// Package ioerr defines the typed error returned by every OS-facing operation
// of the transport.
//
// Errors are classified by Kind:
//
//   - Setup: construction failed; no partial driver is returned.
//   - Operation: a single call failed; the driver stays usable.
//   - Pump: the completion loop failed; the caller retries or closes.
package ioerr

import (
	"errors"
	"fmt"
	"syscall"
)

type Kind uint8

const (
	_ Kind = iota
	KindSetup
	KindOperation
	KindPump
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindOperation:
		return "operation"
	case KindPump:
		return "pump"
	}
	return "unknown"
}

// Error carries the name of the failing operation and its cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error renders "<op> failed - (<errno>) <message>" when the cause carries an
// errno and "<op> failed - <message>" otherwise.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	if code, ok := Code(e.Err); ok {
		return fmt.Sprintf("%s failed - (%d) %s", e.Op, int(code), e.Err.Error())
	}
	return e.Op + " failed - " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Setup(op string, err error) error     { return New(KindSetup, op, err) }
func Operation(op string, err error) error { return New(KindOperation, op, err) }
func Pump(op string, err error) error      { return New(KindPump, op, err) }

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Code extracts the OS error number from err, if any.
func Code(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
