// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fifo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swiftstack/blockvfs/zerr"
)

func TestFifo(t *testing.T) {
	testCreateValidation(t)
	testWriteReadRoundTrip(t)
	testPartialWrite(t)
	testPeerCloseDrain(t)
	testWaitSignals(t)
	testWaitCanceledByOwnClose(t)
}

func testCreateValidation(t *testing.T) {
	assert := assert.New(t)

	_, _, err := Create(0, 4)
	assert.NotNil(err)
	assert.True(zerr.Is(err, zerr.ErrInvalidArgs))

	_, _, err = Create(8, 0)
	assert.NotNil(err)
	assert.True(zerr.Is(err, zerr.ErrInvalidArgs))

	left, right, err := Create(8, 4)
	assert.Nil(err)
	assert.Equal(8, left.ElemSize())
	assert.Equal(4, right.Depth())

	left.Close()
	right.Close()
}

func testWriteReadRoundTrip(t *testing.T) {
	assert := assert.New(t)

	left, right, err := Create(4, 4)
	assert.Nil(err)

	// Empty ring reads ErrShouldWait.
	buf := make([]byte, 4)
	_, err = right.Read(buf)
	assert.True(zerr.Is(err, zerr.ErrShouldWait))

	countWritten, err := left.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Nil(err)
	assert.Equal(2, countWritten)

	countRead, err := right.Read(buf)
	assert.Nil(err)
	assert.Equal(1, countRead)
	assert.Equal([]byte{1, 2, 3, 4}, buf)

	countRead, err = right.Read(buf)
	assert.Nil(err)
	assert.Equal(1, countRead)
	assert.Equal([]byte{5, 6, 7, 8}, buf)

	// Misaligned writes are caller bugs.
	_, err = left.Write([]byte{1, 2, 3})
	assert.True(zerr.Is(err, zerr.ErrInvalidArgs))

	left.Close()
	right.Close()
}

func testPartialWrite(t *testing.T) {
	assert := assert.New(t)

	left, right, err := Create(1, 2)
	assert.Nil(err)

	// Three elements into a depth-2 ring: two land, the rest is the
	// caller's to retry.
	countWritten, err := left.Write([]byte{10, 20, 30})
	assert.Nil(err)
	assert.Equal(2, countWritten)

	// Full ring refuses outright.
	_, err = left.Write([]byte{30})
	assert.True(zerr.Is(err, zerr.ErrShouldWait))

	buf := make([]byte, 1)
	countRead, err := right.Read(buf)
	assert.Nil(err)
	assert.Equal(1, countRead)
	assert.Equal(byte(10), buf[0])

	countWritten, err = left.Write([]byte{30})
	assert.Nil(err)
	assert.Equal(1, countWritten)

	left.Close()
	right.Close()
}

func testPeerCloseDrain(t *testing.T) {
	assert := assert.New(t)

	left, right, err := Create(1, 4)
	assert.Nil(err)

	_, err = left.Write([]byte{42})
	assert.Nil(err)

	left.Close()

	// Data written before the close stays readable...
	buf := make([]byte, 1)
	countRead, err := right.Read(buf)
	assert.Nil(err)
	assert.Equal(1, countRead)
	assert.Equal(byte(42), buf[0])

	// ...and only then does the closure surface.
	_, err = right.Read(buf)
	assert.True(zerr.Is(err, zerr.ErrPeerClosed))

	_, err = right.Write([]byte{1})
	assert.True(zerr.Is(err, zerr.ErrPeerClosed))

	right.Close()
}

func testWaitSignals(t *testing.T) {
	assert := assert.New(t)

	left, right, err := Create(1, 1)
	assert.Nil(err)

	// Fresh fifo: writable only.
	observed, err := left.Wait(Writable)
	assert.Nil(err)
	assert.Equal(Signals(0), observed&Readable)
	assert.NotEqual(Signals(0), observed&Writable)

	_, err = left.Write([]byte{7})
	assert.Nil(err)

	// Depth-1 ring with one element: peer readable, we are unwritable
	// until it drains.
	observed, err = right.Wait(Readable)
	assert.Nil(err)
	assert.NotEqual(Signals(0), observed&Readable)

	var (
		waiterErr      error
		waiterObserved Signals
		waiterWG       sync.WaitGroup
	)
	waiterWG.Add(1)
	go func() {
		defer waiterWG.Done()
		waiterObserved, waiterErr = left.Wait(Writable | PeerClosed)
	}()

	buf := make([]byte, 1)
	_, err = right.Read(buf)
	assert.Nil(err)

	waiterWG.Wait()
	assert.Nil(waiterErr)
	assert.NotEqual(Signals(0), waiterObserved&Writable)

	right.Close()

	observed, err = left.Wait(Readable | PeerClosed)
	assert.Nil(err)
	assert.NotEqual(Signals(0), observed&PeerClosed)

	left.Close()
}

func testWaitCanceledByOwnClose(t *testing.T) {
	assert := assert.New(t)

	left, right, err := Create(1, 1)
	assert.Nil(err)

	var (
		waiterErr error
		waiterWG  sync.WaitGroup
	)
	waiterWG.Add(1)
	go func() {
		defer waiterWG.Done()
		_, waiterErr = left.Wait(Readable)
	}()

	// Give the waiter a chance to park, then pull the endpoint out from
	// under it.
	observed, err := right.Wait(Writable)
	assert.Nil(err)
	assert.NotEqual(Signals(0), observed&Writable)

	left.Close()
	waiterWG.Wait()
	assert.True(zerr.Is(waiterErr, zerr.ErrCanceled))

	right.Close()
}
