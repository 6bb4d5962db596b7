// Package errors provides the structured error type shared by devmgr,
// iomem and sdstore: a single *Error carrying an operation name, a
// coarse Class and an optional kernel errno. Conditions that never
// touched an OS errno (device timeouts, device state mismatches observed
// inside an MMIO program) leave Errno at 0 and are told apart by Class.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// Class is one of the five error classes servers surface across RPC.
type Class string

const (
	ClassValidation    Class = "validation"     // bad request shape/params
	ClassResource      Class = "resource"       // allocation/exhaustion
	ClassIO            Class = "io"             // transport/data-path failure
	ClassNotFound      Class = "not_found"      // path/device/watch absent
	ClassDeviceTimeout Class = "device_timeout" // MMIO program timed out or wrong card state
)

// Error is the structured error type returned by every RPC handler.
type Error struct {
	Op    string        // handler/operation name, e.g. "ADD", "MMIO_PERFORM"
	Path  string        // device path, if applicable
	Class Class
	Errno syscall.Errno // 0 if this error never touched an OS errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s, path=%s)", e.Op, e.Msg, e.Class, e.Path)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Msg, e.Class)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == te.Class
}

func New(op string, class Class, msg string) *Error {
	return &Error{Op: op, Class: class, Msg: msg}
}

func NewPath(op, path string, class Class, msg string) *Error {
	return &Error{Op: op, Path: path, Class: class, Msg: msg}
}

func NewErrno(op string, class Class, errno syscall.Errno) *Error {
	return &Error{Op: op, Class: class, Errno: errno, Msg: errno.Error()}
}

// Wrap attaches op/class context to an arbitrary error, mapping syscall
// errnos to a Class the same way the inner error would have been
// classified had it originated here.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Path: e.Path, Class: e.Class, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Class: classifyErrno(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Class: ClassIO, Msg: inner.Error(), Inner: inner}
}

func classifyErrno(errno syscall.Errno) Class {
	switch errno {
	case syscall.ENOENT:
		return ClassNotFound
	case syscall.EINVAL, syscall.ENODATA:
		return ClassValidation
	case syscall.ENOMEM:
		return ClassResource
	case syscall.ETIMEDOUT:
		return ClassDeviceTimeout
	default:
		return ClassIO
	}
}

// ErrnoValue maps a Class to the signed errno value callers expect on the
// wire when no specific syscall.Errno was recorded.
func (e *Error) ErrnoValue() int32 {
	if e.Errno != 0 {
		return -int32(e.Errno)
	}
	switch e.Class {
	case ClassValidation:
		return -int32(syscall.EINVAL)
	case ClassResource:
		return -int32(syscall.ENOMEM)
	case ClassNotFound:
		return -int32(syscall.ENOENT)
	case ClassDeviceTimeout:
		return -int32(syscall.ETIMEDOUT)
	default:
		return -int32(syscall.EIO)
	}
}

// Is reports whether err is a structured *Error of the given class.
func Is(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
