// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fifo provides a pair of connected fixed-capacity element rings.
//
// A fifo pair is the channel a block device client shares with the device
// driver: requests flow one direction, responses the other. Each endpoint
// writes elements toward its peer and reads elements its peer wrote.
// Capacity is bounded, writes of N elements may partially succeed, and
// closing either endpoint must wake every thread blocked on the other so
// that nobody hangs when the remote side disappears mid-transaction.
package fifo

import (
	"sync"

	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// Signals describes the conditions an endpoint can wait on. Wait returns
// the full set of currently asserted signals, not just the requested ones,
// so callers can (and should) notice PeerClosed even when waiting for room.
type Signals uint32

const (
	// Readable is asserted while elements from the peer are queued.
	Readable Signals = 1 << iota
	// Writable is asserted while there is room for at least one element.
	Writable
	// PeerClosed is asserted once the peer endpoint has been closed.
	PeerClosed
)

// Fifo is one endpoint of a connected pair created by Create.
type Fifo struct {
	shared *pairState
	side   int // index of this endpoint's incoming queue
}

// pairState is the state shared between the two endpoints. One mutex and
// one condition variable guard both directions; signal computation is
// cheap enough that finer locking buys nothing here.
type pairState struct {
	mutex    sync.Mutex
	cond     *sync.Cond
	elemSize int
	depth    int
	queues   [2][][]byte // queues[i] holds elements readable by endpoint i
	closed   [2]bool
}

// Create returns the two connected endpoints of a fifo holding up to depth
// elements of elemSize bytes in each direction.
func Create(elemSize int, depth int) (left *Fifo, right *Fifo, err error) {
	if elemSize <= 0 || depth <= 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "fifo.Create(%v, %v): both must be positive", elemSize, depth)
		return
	}

	shared := &pairState{elemSize: elemSize, depth: depth}
	shared.cond = sync.NewCond(&shared.mutex)

	left = &Fifo{shared: shared, side: 0}
	right = &Fifo{shared: shared, side: 1}
	return
}

// ElemSize returns the fixed element size of the fifo.
func (f *Fifo) ElemSize() int {
	return f.shared.elemSize
}

// Depth returns the per-direction element capacity of the fifo.
func (f *Fifo) Depth() int {
	return f.shared.depth
}

// Write enqueues as many whole elements from p as currently fit, toward
// the peer. p must be a non-empty multiple of the element size. When the
// ring is full, Write returns ErrShouldWait; the caller is expected to
// Wait(Writable|PeerClosed) and retry with its unsent remainder.
func (f *Fifo) Write(p []byte) (countWritten int, err error) {
	shared := f.shared

	count := len(p) / shared.elemSize
	if count == 0 || len(p)%shared.elemSize != 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "fifo.Write() of %v bytes (element size %v)", len(p), shared.elemSize)
		return
	}

	shared.mutex.Lock()
	defer shared.mutex.Unlock()

	if shared.closed[f.side] {
		err = zerr.NewError(zerr.ErrBadHandle, "fifo.Write() on closed endpoint")
		return
	}
	if shared.closed[1-f.side] {
		err = zerr.NewError(zerr.ErrPeerClosed, "fifo.Write(): peer endpoint closed")
		return
	}

	outgoing := &shared.queues[1-f.side]
	room := shared.depth - len(*outgoing)
	if room == 0 {
		err = zerr.NewError(zerr.ErrShouldWait, "fifo.Write(): ring full")
		return
	}

	if count > room {
		count = room
	}
	for i := 0; i < count; i++ {
		elem := make([]byte, shared.elemSize)
		copy(elem, p[i*shared.elemSize:(i+1)*shared.elemSize])
		*outgoing = append(*outgoing, elem)
	}

	shared.cond.Broadcast()

	countWritten = count
	return
}

// Read dequeues up to len(p)/ElemSize() elements written by the peer into
// p. An empty ring yields ErrShouldWait, or ErrPeerClosed once the peer
// has gone away and everything it wrote has been drained.
func (f *Fifo) Read(p []byte) (countRead int, err error) {
	shared := f.shared

	max := len(p) / shared.elemSize
	if max == 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "fifo.Read() into %v bytes (element size %v)", len(p), shared.elemSize)
		return
	}

	shared.mutex.Lock()
	defer shared.mutex.Unlock()

	if shared.closed[f.side] {
		err = zerr.NewError(zerr.ErrBadHandle, "fifo.Read() on closed endpoint")
		return
	}

	incoming := &shared.queues[f.side]
	if len(*incoming) == 0 {
		// Data written before the peer closed stays readable; only an
		// empty ring reports the closure.
		if shared.closed[1-f.side] {
			err = zerr.NewError(zerr.ErrPeerClosed, "fifo.Read(): peer endpoint closed")
		} else {
			err = zerr.NewError(zerr.ErrShouldWait, "fifo.Read(): ring empty")
		}
		return
	}

	count := len(*incoming)
	if count > max {
		count = max
	}
	for i := 0; i < count; i++ {
		copy(p[i*shared.elemSize:(i+1)*shared.elemSize], (*incoming)[i])
	}
	*incoming = (*incoming)[count:]

	shared.cond.Broadcast()

	countRead = count
	return
}

// signaled computes the currently asserted signals for this endpoint.
// Caller must hold shared.mutex.
func (f *Fifo) signaled() (active Signals) {
	shared := f.shared

	if len(shared.queues[f.side]) > 0 {
		active |= Readable
	}
	if !shared.closed[1-f.side] && len(shared.queues[1-f.side]) < shared.depth {
		active |= Writable
	}
	if shared.closed[1-f.side] {
		active |= PeerClosed
	}
	return
}

// Wait blocks the calling thread until at least one of the requested
// signals is asserted, then returns the full set of asserted signals.
// Closing this endpoint while a thread is parked here fails the wait with
// ErrCanceled rather than leaving it blocked forever.
func (f *Fifo) Wait(signals Signals) (observed Signals, err error) {
	if signals == 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "fifo.Wait() on empty signal set")
		return
	}

	shared := f.shared
	shared.mutex.Lock()
	defer shared.mutex.Unlock()

	for {
		if shared.closed[f.side] {
			err = zerr.NewError(zerr.ErrCanceled, "fifo.Wait(): endpoint closed while waiting")
			return
		}

		observed = f.signaled()
		if observed&signals != 0 {
			return
		}

		shared.cond.Wait()
	}
}

// Close detaches this endpoint. The peer observes PeerClosed, and any
// thread blocked in Wait on this endpoint observes ErrCanceled. Closing
// an endpoint twice is caller misuse and aborts.
func (f *Fifo) Close() {
	shared := f.shared
	shared.mutex.Lock()

	if shared.closed[f.side] {
		shared.mutex.Unlock()
		logger.PanicfWithError(zerr.New(zerr.ErrBadHandle), "fifo.Close() of already-closed endpoint")
		return
	}

	shared.closed[f.side] = true
	shared.cond.Broadcast()
	shared.mutex.Unlock()
}
