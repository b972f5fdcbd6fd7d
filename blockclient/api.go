// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blockclient provides a synchronous, threadsafe transaction engine
// for talking to a block device over a shared fifo.
//
// A device supports MaxTxnGroupCount transactions in flight at once and
// this package is threadsafe to support that many batches from different
// threads in parallel. Exceeding MaxTxnGroupCount parallel transactions
// blocks further callers until a transaction group becomes available.
//
// All concurrent callers share one response stream. There is no dedicated
// reader thread: whichever caller needs progress and finds the stream
// readable drains it and fans completions out to the groups they belong
// to, including groups owned by other threads. A channel failure noticed
// by any one thread poisons the whole engine so that every current and
// future waiter fails instead of hanging.
package blockclient

import (
	"sync"

	"github.com/swiftstack/blockvfs/blockwire"
	"github.com/swiftstack/blockvfs/fifo"
	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// responseBatchMax bounds how many responses one read cycle dequeues.
const responseBatchMax = 8

// groupCompletion is the per-slot completion state. A slot is owned by at
// most one in-flight transaction; expected/received accounting is strict
// and over-counting aborts.
type groupCompletion struct {
	inUse    bool
	expected uint32
	received uint32
	status   zerr.Status // first non-OK response status for this group
}

// Client multiplexes concurrent block transactions onto one fifo endpoint.
type Client struct {
	ringEndpoint *fifo.Fifo

	mutex sync.Mutex
	cond  *sync.Cond

	groups  [blockwire.MaxTxnGroupCount]groupCompletion // guarded by mutex
	reading bool                                        // guarded by mutex; at most one blocking reader

	poisoned     bool        // guarded by mutex; set once, never cleared
	poisonStatus zerr.Status // guarded by mutex; valid once poisoned

	closeOnce sync.Once
}

// NewClient wraps the client-side fifo endpoint of a block device.
//
// The endpoint must carry blockwire.RecordSize elements; anything else is
// a wiring bug, not a runtime condition, so it aborts.
func NewClient(ringEndpoint *fifo.Fifo) (client *Client) {
	if ringEndpoint.ElemSize() != blockwire.RecordSize {
		logger.PanicfWithError(zerr.New(zerr.ErrInvalidArgs),
			"blockclient.NewClient() given fifo with element size %v (want %v)",
			ringEndpoint.ElemSize(), blockwire.RecordSize)
	}

	client = &Client{ringEndpoint: ringEndpoint}
	client.cond = sync.NewCond(&client.mutex)
	return
}

// Transaction issues a group of block requests over the underlying fifo
// and blocks the calling thread until every request in the batch has been
// acknowledged by the device.
//
// The engine stamps each request with the acquired group id; callers must
// leave Group zero. The returned error is nil iff every response for the
// group carried zerr.OK; otherwise it carries the first non-OK status.
// Requests within one batch complete in no particular order.
func (client *Client) Transaction(requests []blockwire.Request) (err error) {
	count := len(requests)
	if count == 0 {
		return nil
	}
	if count > blockwire.BlockFifoMaxDepth {
		return zerr.NewError(zerr.ErrInvalidArgs,
			"Transaction() of %v requests exceeds fifo depth %v", count, blockwire.BlockFifoMaxDepth)
	}

	group, err := client.acquireGroup(uint32(count))
	if err != nil {
		return
	}

	// Stamp the batch. The group id plus the item/last flags are the
	// engine's business; everything else in the records is the caller's.
	for i := range requests {
		requests[i].Group = group
		requests[i].OpCode = (requests[i].OpCode & blockwire.OpMask) | blockwire.FlagGroupItem
	}
	requests[count-1].OpCode |= blockwire.FlagGroupLast

	if err = client.doWrite(requests); err != nil {
		client.poison(zerr.StatusOf(err))
		client.releaseGroup(group)
		return
	}

	return client.waitForGroup(group)
}

// CloseFifo is the dedicated teardown path: it tells the device no more
// requests are coming, detaches the ring endpoint, and fails every thread
// still parked in Transaction() with ErrCanceled. Safe to call once per
// client; later Transaction() calls fail immediately.
func (client *Client) CloseFifo() {
	client.closeOnce.Do(func() {
		// Best effort: the device gets a close record if there is room.
		// No response ever follows an OpCloseFifo.
		closeRecord := []blockwire.Request{{OpCode: blockwire.OpCloseFifo}}
		if buf, packErr := blockwire.PackRequests(closeRecord); packErr == nil {
			_, _ = client.ringEndpoint.Write(buf)
		}

		client.poison(zerr.ErrCanceled)
		client.ringEndpoint.Close()
	})
}

// acquireGroup blocks until a group slot is free and claims it for a batch
// of expected requests. Slot 0 is a valid and commonly reused index; no
// fairness is promised beyond eventual progress.
func (client *Client) acquireGroup(expected uint32) (group uint16, err error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	for {
		if client.poisoned {
			// A late-arriving caller after poisoning must observe the
			// failure immediately, not block on a slot.
			err = zerr.NewError(client.poisonStatus, "Transaction() on failed block client")
			return
		}

		for group = 0; group < blockwire.MaxTxnGroupCount; group++ {
			if !client.groups[group].inUse {
				client.groups[group] = groupCompletion{inUse: true, expected: expected, status: zerr.OK}
				return
			}
		}

		// No free groups so wait.
		client.cond.Wait()
	}
}

// releaseGroup frees a slot and wakes a thread that may be waiting for one.
func (client *Client) releaseGroup(group uint16) {
	client.mutex.Lock()
	client.groups[group].inUse = false
	client.mutex.Unlock()
	client.cond.Broadcast()
}

// waitForGroup parks the calling thread until its group's completion count
// reaches the submitted count, opportunistically acting as the response
// stream reader whenever no other thread holds that role.
func (client *Client) waitForGroup(group uint16) (err error) {
	client.mutex.Lock()

	completion := &client.groups[group]

	for {
		if client.poisoned {
			status := client.poisonStatus
			completion.inUse = false
			client.mutex.Unlock()
			client.cond.Broadcast()
			return zerr.NewError(status, "Transaction() failed: block fifo poisoned")
		}

		if completion.received == completion.expected {
			break
		}

		if !client.reading {
			// Nobody is draining the response stream; this thread takes
			// the reader role for one cycle. The read blocks without the
			// lock so other threads can queue work meanwhile.
			client.reading = true
			client.mutex.Unlock()

			responses, readErr := client.doRead()

			client.mutex.Lock()
			client.reading = false

			if readErr != nil {
				client.poisonLocked(zerr.StatusOf(readErr))
				client.cond.Broadcast()
				continue // loop observes the poison and unwinds
			}

			client.recordResponsesLocked(responses)

			// Wake every thread that might be waiting for one of these
			// completions (or for the reader role).
			client.cond.Broadcast()
		} else {
			client.cond.Wait()
		}
	}

	status := completion.status
	completion.inUse = false
	client.mutex.Unlock()

	// Wake a thread that might be waiting for a free group.
	client.cond.Broadcast()

	if status != zerr.OK {
		err = zerr.NewError(status, "Transaction() completed with device status %v", status)
	}
	return
}

// recordResponsesLocked attributes each response to the group that owns
// it. Completion counts are strict: a response for an unowned group or one
// that would overrun the expected count is a fatal protocol violation.
// Caller must hold client.mutex.
//
// Once the client is poisoned the strict accounting no longer applies:
// waiters unwind and free their slots without waiting for responses, so
// anything still sitting in the ring is a late arrival, not a protocol
// violation. Those responses are dropped.
func (client *Client) recordResponsesLocked(responses []blockwire.Response) {
	if client.poisoned {
		return
	}

	for i := range responses {
		group := responses[i].Group
		if group >= blockwire.MaxTxnGroupCount {
			logger.PanicfWithError(zerr.New(zerr.ErrIO),
				"block fifo response names group %v outside [0, %v)", group, blockwire.MaxTxnGroupCount)
		}

		completion := &client.groups[group]
		if !completion.inUse {
			logger.PanicfWithError(zerr.New(zerr.ErrIO),
				"block fifo response for group %v which has no transaction in flight", group)
		}
		if completion.received+responses[i].Count > completion.expected {
			logger.PanicfWithError(zerr.New(zerr.ErrIO),
				"block fifo response overruns group %v: %v+%v > %v",
				group, completion.received, responses[i].Count, completion.expected)
		}

		completion.received += responses[i].Count

		// First non-OK status wins.
		if responses[i].Status != int32(zerr.OK) && completion.status == zerr.OK {
			completion.status = zerr.Status(responses[i].Status)
		}
	}
}

// doRead dequeues up to responseBatchMax responses, blocking until at
// least one is available or the channel dies.
func (client *Client) doRead() (responses []blockwire.Response, err error) {
	buf := make([]byte, responseBatchMax*blockwire.RecordSize)

	for {
		countRead, readErr := client.ringEndpoint.Read(buf)
		if readErr == nil {
			return blockwire.UnpackResponses(buf[:countRead*blockwire.RecordSize])
		}
		if zerr.IsNot(readErr, zerr.ErrShouldWait) {
			err = readErr
			return
		}

		observed, waitErr := client.ringEndpoint.Wait(fifo.Readable | fifo.PeerClosed)
		if waitErr != nil {
			err = waitErr
			return
		}
		if observed&fifo.Readable == 0 {
			// Nothing left to drain and the peer is gone.
			err = zerr.NewError(zerr.ErrPeerClosed, "block fifo peer closed")
			return
		}
		// Try reading again...
	}
}

// doWrite enqueues the whole batch, retrying partial writes. While the
// outgoing ring is full the calling thread first drains any queued
// responses (one receive-and-dispatch cycle) so that the shared stream
// keeps moving even when every group slot is parked in doWrite.
func (client *Client) doWrite(requests []blockwire.Request) (err error) {
	buf, err := blockwire.PackRequests(requests)
	if err != nil {
		return
	}

	for len(buf) > 0 {
		countWritten, writeErr := client.ringEndpoint.Write(buf)
		if writeErr == nil {
			buf = buf[countWritten*blockwire.RecordSize:]
			continue
		}
		if zerr.IsNot(writeErr, zerr.ErrShouldWait) {
			err = writeErr
			return
		}

		if client.drainOnce() {
			// Dispatched some responses; the device may have freed ring
			// room meanwhile, so retry the write immediately.
			continue
		}

		observed, waitErr := client.ringEndpoint.Wait(fifo.Writable | fifo.Readable | fifo.PeerClosed)
		if waitErr != nil {
			err = waitErr
			return
		}
		if observed&(fifo.Writable|fifo.Readable) == 0 {
			err = zerr.NewError(zerr.ErrPeerClosed, "block fifo peer closed")
			return
		}
		// Try writing again...
	}
	return
}

// drainOnce performs one non-blocking receive-and-dispatch cycle on behalf
// of a writer that found the outgoing ring full. Returns whether any
// responses were dispatched.
func (client *Client) drainOnce() (dispatched bool) {
	buf := make([]byte, responseBatchMax*blockwire.RecordSize)

	countRead, readErr := client.ringEndpoint.Read(buf)
	if readErr != nil || countRead == 0 {
		return false
	}

	responses, unpackErr := blockwire.UnpackResponses(buf[:countRead*blockwire.RecordSize])
	if unpackErr != nil {
		client.poison(zerr.StatusOf(unpackErr))
		return false
	}

	client.mutex.Lock()
	if client.poisoned {
		// Everyone is already failing; let the writer fall through to
		// Wait() and observe the dead channel instead of spinning here.
		client.mutex.Unlock()
		return false
	}
	client.recordResponsesLocked(responses)
	client.mutex.Unlock()
	client.cond.Broadcast()

	return true
}

// poison latches the first failure status and wakes every waiter. The
// engine instance is permanently unusable afterward; there is no
// reconnection path.
func (client *Client) poison(status zerr.Status) {
	client.mutex.Lock()
	client.poisonLocked(status)
	client.mutex.Unlock()
	client.cond.Broadcast()
}

// poisonLocked is poison for callers already holding client.mutex.
func (client *Client) poisonLocked(status zerr.Status) {
	if !client.poisoned {
		client.poisoned = true
		client.poisonStatus = status
		logger.Tracef("block client poisoned with status %v", status)
	}
}
