// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagedvfs

import (
	"sync"

	"github.com/swiftstack/blockvfs/empager"
	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// pageRequestHandler is the dispatch target for page-request packets.
// PagedVfs is the production implementation; tests substitute their own.
type pageRequestHandler interface {
	PagerVmoRead(nodeID uint64, offset uint64, length uint64)
}

// PagerThreadPool runs a fixed set of goroutines parked on one
// notification port. Page-request packets are handed to the handler; one
// user packet makes exactly one thread exit, which is how Close drains
// the pool.
type PagerThreadPool struct {
	handler     pageRequestHandler
	threadCount int
	port        *empager.Port
	workersWG   sync.WaitGroup
}

// NewPagerThreadPool creates a pool of threadCount threads dispatching to
// handler. Call Init to start them.
func NewPagerThreadPool(handler pageRequestHandler, threadCount int) (pool *PagerThreadPool) {
	if threadCount <= 0 {
		threadCount = 2
	}
	return &PagerThreadPool{handler: handler, threadCount: threadCount}
}

// Init creates the port and starts the worker threads.
func (pool *PagerThreadPool) Init() (err error) {
	pool.port = empager.NewPort()

	for i := 0; i < pool.threadCount; i++ {
		pool.workersWG.Add(1)
		go pool.worker()
	}
	return nil
}

// Port returns the port pager vmos must be bound to.
func (pool *PagerThreadPool) Port() (port *empager.Port) {
	return pool.port
}

// Close stops the pool: one quit packet per thread, so every thread
// dequeues exactly one and exits, then the port itself is closed. Page
// requests already queued behind the quit packets are dropped, which is
// safe because teardown has already detached the vmos they belong to.
func (pool *PagerThreadPool) Close() {
	for i := 0; i < pool.threadCount; i++ {
		err := pool.port.Queue(empager.Packet{Type: empager.PacketUser})
		if err != nil {
			logger.PanicfWithError(err, "pager pool could not post quit packet %d of %d", i+1, pool.threadCount)
		}
	}
	pool.workersWG.Wait()
	pool.port.Close()
}

// worker is the body of each pool thread.
func (pool *PagerThreadPool) worker() {
	defer pool.workersWG.Done()

	for {
		packet, err := pool.port.Wait()
		if err != nil {
			// Port closed out from under us; only happens if Close is
			// bypassed.
			logger.WarnfWithError(err, "pager pool thread exiting on port wait failure")
			return
		}

		switch packet.Type {
		case empager.PacketUser:
			return

		case empager.PacketPageRequest:
			switch packet.Command {
			case empager.ReadCmd:
				pool.handler.PagerVmoRead(packet.Key, packet.Offset, packet.Length)
			case empager.CompleteCmd:
				// Detach acknowledgment for a vmo we already freed.
			default:
				logger.PanicfWithError(zerr.New(zerr.ErrNotSupported), "pager pool received unknown page request command %v", packet.Command)
			}

		default:
			logger.PanicfWithError(zerr.New(zerr.ErrNotSupported), "pager pool received unknown packet type %v", packet.Type)
		}
	}
}
