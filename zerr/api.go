// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package zerr provides error-handling wrappers
//
// These wrappers allow callers to attach a channel/paging status code to
// regular Go errors while still conforming to the Go error interface.
// The status code is what travels on the block FIFO wire and what the
// paging primitives report to faulting readers, so it has to survive being
// carried through ordinary error returns.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   merry comes with built-in support for adding information to errors:
//    - stacktraces
//    - overriding the error message
//    - your own additional information
package zerr

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

// Status is the device/paging status code carried by errors in this
// namespace. OK is zero; failures are small negative integers so that a
// zero-valued wire record never reads as an error by accident.
type Status int32

const (
	// OK is the non-error Status (only ever seen on the wire; a nil error
	// is the in-process representation of success).
	OK Status = 0

	// ErrInternal covers failures that have no better classification.
	ErrInternal Status = -1

	// ErrNotSupported indicates the operation is not implemented by this
	// device or node.
	ErrNotSupported Status = -2

	// ErrNoMemory indicates a backing allocation failed.
	ErrNoMemory Status = -4

	// ErrInvalidArgs indicates caller misuse detectable without blocking.
	ErrInvalidArgs Status = -10

	// ErrBadHandle indicates an operation on an endpoint that the caller
	// already closed or never attached.
	ErrBadHandle Status = -11

	// ErrBadState indicates the object cannot service the request in its
	// current lifecycle state (e.g. paging during shutdown).
	ErrBadState Status = -20

	// ErrTimedOut indicates an externally imposed deadline expired.
	ErrTimedOut Status = -21

	// ErrShouldWait indicates a transient no-progress condition: the ring
	// is momentarily full (write) or empty (read). Never surfaced to
	// Transaction callers; engines retry internally.
	ErrShouldWait Status = -22

	// ErrCanceled indicates the waited-on object was closed out from under
	// the waiter by its own side.
	ErrCanceled Status = -23

	// ErrPeerClosed indicates the remote endpoint went away. Fatal to the
	// owning engine instance.
	ErrPeerClosed Status = -24

	// ErrNotFound indicates a lookup miss.
	ErrNotFound Status = -25

	// ErrAlreadyExists indicates a uniqueness violation on registration.
	ErrAlreadyExists Status = -26

	// ErrOutOfRange indicates an offset/length outside the object.
	ErrOutOfRange Status = -27

	// ErrNoSpace indicates the device is out of blocks.
	ErrNoSpace Status = -28

	// ErrIO is the catch-all transfer failure, and the default status of a
	// group completion that never received its responses.
	ErrIO Status = -40
)

// String returns the canonical spelling of a Status.
func (status Status) String() string {
	switch status {
	case OK:
		return "OK"
	case ErrInternal:
		return "ErrInternal"
	case ErrNotSupported:
		return "ErrNotSupported"
	case ErrNoMemory:
		return "ErrNoMemory"
	case ErrInvalidArgs:
		return "ErrInvalidArgs"
	case ErrBadHandle:
		return "ErrBadHandle"
	case ErrBadState:
		return "ErrBadState"
	case ErrTimedOut:
		return "ErrTimedOut"
	case ErrShouldWait:
		return "ErrShouldWait"
	case ErrCanceled:
		return "ErrCanceled"
	case ErrPeerClosed:
		return "ErrPeerClosed"
	case ErrNotFound:
		return "ErrNotFound"
	case ErrAlreadyExists:
		return "ErrAlreadyExists"
	case ErrOutOfRange:
		return "ErrOutOfRange"
	case ErrNoSpace:
		return "ErrNoSpace"
	case ErrIO:
		return "ErrIO"
	}
	return fmt.Sprintf("Status(%d)", int32(status))
}

// Errno returns the closest linux/POSIX errno for a Status, for callers
// that must speak errno (e.g. a FUSE or RPC edge).
//
// NOTE: unix.Errno values are errno constants that exist in Go-land; we
// cast to int to get the raw errno value.
func (status Status) Errno() int {
	switch status {
	case OK:
		return 0
	case ErrNotSupported:
		return int(unix.ENOTSUP)
	case ErrNoMemory:
		return int(unix.ENOMEM)
	case ErrInvalidArgs:
		return int(unix.EINVAL)
	case ErrBadHandle:
		return int(unix.EBADF)
	case ErrBadState:
		return int(unix.EBUSY)
	case ErrTimedOut:
		return int(unix.ETIMEDOUT)
	case ErrShouldWait:
		return int(unix.EAGAIN)
	case ErrCanceled:
		return int(unix.ECANCELED)
	case ErrPeerClosed:
		return int(unix.EPIPE)
	case ErrNotFound:
		return int(unix.ENOENT)
	case ErrAlreadyExists:
		return int(unix.EEXIST)
	case ErrOutOfRange:
		return int(unix.ERANGE)
	case ErrNoSpace:
		return int(unix.ENOSPC)
	}
	return int(unix.EIO)
}

const statusKey = "status"

// NewError creates a new merry/zerr.Status-annotated error using the given
// format string and arguments.
func NewError(status Status, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(statusKey, status)
}

// New creates a new Status-annotated error whose message is the Status
// spelling itself.
func New(status Status) error {
	return merry.WrapSkipping(fmt.Errorf("%v", status), 1).WithValue(statusKey, status)
}

// AddStatus is used to add a Status to a Go error.
//
// NOTE: By default merry will replace an old value with the new one, so
// re-annotating is legal but usually indicates a bookkeeping mistake.
func AddStatus(e error, status Status) error {
	if e == nil {
		// Error hasn't been allocated yet; the caller obviously intends
		// this to be a non-nil error, so create one.
		return merry.New("regular error").WithValue(statusKey, status)
	}

	return merry.WrapSkipping(e, 1).WithValue(statusKey, status)
}

// StatusOf extracts the Status from the error, if it was previously
// wrapped. A nil error is OK; an unannotated error is ErrInternal.
func StatusOf(e error) Status {
	if e == nil {
		return OK
	}

	// If the status key/value was not present, merry.Value returns nil.
	tmp := merry.Value(e, statusKey)
	if tmp != nil {
		return tmp.(Status)
	}

	return ErrInternal
}

// Is checks whether an error carries a particular Status.
func Is(e error, status Status) bool {
	return StatusOf(e) == status
}

// IsNot checks whether an error does NOT carry a particular Status.
func IsNot(e error, status Status) bool {
	return StatusOf(e) != status
}

// IsOK checks whether an error represents success.
func IsOK(e error) bool {
	return StatusOf(e) == OK
}

// ErrorString returns the error message with the Status appended, if set.
func ErrorString(e error) string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s. Status: %v", e.Error(), StatusOf(e))
}

// Location returns the file and line number of the code that generated the
// error. Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including
// stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns the error stacktrace
// (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
