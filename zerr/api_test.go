// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package zerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestStatusAnnotation(t *testing.T) {
	assert := assert.New(t)

	// nil and unannotated errors.
	assert.Equal(OK, StatusOf(nil))
	assert.True(IsOK(nil))
	assert.Equal(ErrInternal, StatusOf(fmt.Errorf("plain error")))

	err := NewError(ErrPeerClosed, "device %v went away", 7)
	assert.True(Is(err, ErrPeerClosed))
	assert.True(IsNot(err, ErrIO))
	assert.False(IsOK(err))
	assert.Contains(err.Error(), "device 7 went away")

	// New's message is the status spelling itself.
	err = New(ErrShouldWait)
	assert.Equal(ErrShouldWait, StatusOf(err))
	assert.Contains(err.Error(), "ErrShouldWait")

	// AddStatus annotates an existing error and mints one from nil.
	err = AddStatus(fmt.Errorf("read failed"), ErrIO)
	assert.Equal(ErrIO, StatusOf(err))
	assert.Equal(ErrBadState, StatusOf(AddStatus(nil, ErrBadState)))
}

func TestStatusRendering(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("ErrPeerClosed", ErrPeerClosed.String())
	assert.Equal("Status(-99)", Status(-99).String())

	assert.Equal(0, OK.Errno())
	assert.Equal(int(unix.EPIPE), ErrPeerClosed.Errno())
	assert.Equal(int(unix.EAGAIN), ErrShouldWait.Errno())

	// Anything without a closer mapping reads as an I/O error.
	assert.Equal(int(unix.EIO), ErrInternal.Errno())

	err := NewError(ErrTimedOut, "no response")
	assert.Equal("", ErrorString(nil))
	assert.Contains(ErrorString(err), "no response")
	assert.Contains(ErrorString(err), "ErrTimedOut")

	// Wrapped errors carry a stacktrace rooted at the construction site.
	file, line := Location(err)
	assert.Contains(file, "api_test.go")
	assert.True(line > 0)
	assert.Contains(Details(err), "no response")
	assert.NotEqual("", Stacktrace(err))
}
