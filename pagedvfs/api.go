// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pagedvfs dispatches pager page requests to filesystem nodes.
//
// A PagedVfs owns one empager.Pager, one PagerThreadPool parked on the
// pager's notification port, and a registry mapping node ids to live
// PagedVnodes. Page requests arrive on pool threads carrying the node id
// the vmo was created under; PagerVmoRead routes each one to its node's
// VmoRead, which answers with SupplyPages or ReportPagerError.
package pagedvfs

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/sortedmap"

	"github.com/swiftstack/blockvfs/empager"
	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// Config supplies the tunables for a PagedVfs.
type Config struct {
	PagerThreads int // pool threads servicing page requests; defaults to 2
}

// PagedVnode is a filesystem node whose content is demand paged. VmoRead
// is called on a pager pool thread when [offset, offset+length) of the
// node's vmo faults; the implementation must resolve the range via
// PagedVfs.SupplyPages or PagedVfs.ReportPagerError (directly or on
// another goroutine) or readers of that range block forever.
type PagedVnode interface {
	VmoRead(offset uint64, length uint64)
}

// PagedVfs routes page requests from a pager thread pool to registered
// nodes.
type PagedVfs struct {
	config Config
	pager  *empager.Pager
	pool   *PagerThreadPool

	mutex      sync.Mutex
	nodes      sortedmap.LLRBTree // guarded by mutex; node id (uint64) -> PagedVnode
	lastNodeID uint64             // guarded by mutex; ids are never reused
	down       bool               // guarded by mutex
}

// New creates a PagedVfs. Call Init before use.
func New(config Config) (vfs *PagedVfs) {
	if config.PagerThreads <= 0 {
		config.PagerThreads = 2
	}
	return &PagedVfs{config: config}
}

// Init creates the pager, the node registry, and the thread pool, and
// starts the pool's threads.
func (vfs *PagedVfs) Init() (err error) {
	vfs.pager, err = empager.NewPager()
	if err != nil {
		return
	}

	vfs.nodes = sortedmap.NewLLRBTree(sortedmap.CompareUint64, vfs)

	vfs.pool = NewPagerThreadPool(vfs, vfs.config.PagerThreads)
	err = vfs.pool.Init()
	if err != nil {
		return
	}

	logger.Infof("pagedvfs up with %d pager threads", vfs.config.PagerThreads)
	return nil
}

// Close stops the pager thread pool, then drops the node registry. Nodes
// still registered at teardown indicate callers that never freed their
// paged vmos; they are logged and discarded.
func (vfs *PagedVfs) Close() {
	vfs.pool.Close()

	vfs.mutex.Lock()
	vfs.down = true
	leftover, err := vfs.nodes.Len()
	if err != nil {
		logger.PanicfWithError(err, "pagedvfs failed to size node registry at teardown")
	}
	if leftover > 0 {
		logger.Warnf("pagedvfs torn down with %d paged vmo(s) still registered", leftover)
	}
	vfs.nodes.Reset()
	vfs.mutex.Unlock()
}

// CreatePagedNodeVmo registers node under a fresh id and creates a paged
// vmo keyed by that id. The node is registered before the vmo exists so a
// fault can never observe an unknown id; creation failure rolls the
// registration back.
func (vfs *PagedVfs) CreatePagedNodeVmo(node PagedVnode, size uint64) (nodeID uint64, vmo *empager.Vmo, err error) {
	vfs.mutex.Lock()
	if vfs.down {
		vfs.mutex.Unlock()
		err = zerr.NewError(zerr.ErrBadState, "CreatePagedNodeVmo() after Close()")
		return
	}
	vfs.lastNodeID++
	nodeID = vfs.lastNodeID
	ok, putErr := vfs.nodes.Put(nodeID, node)
	if putErr != nil {
		vfs.mutex.Unlock()
		logger.PanicfWithError(putErr, "pagedvfs failed to register node %d", nodeID)
	}
	if !ok {
		vfs.mutex.Unlock()
		logger.PanicfWithError(zerr.New(zerr.ErrAlreadyExists), "pagedvfs node id %d already registered", nodeID)
	}
	vfs.mutex.Unlock()

	vmo, err = vfs.pager.CreateVmo(vfs.pool.Port(), nodeID, size)
	if err != nil {
		vfs.UnregisterPagedVmo(nodeID)
		nodeID = 0
		return
	}
	return
}

// FreePagedVmo detaches vmo from the pager and removes nodeID from the
// registry. Faults already dequeued by a pool thread may still call
// VmoRead; they fail harmlessly when they supply against the detached
// vmo.
func (vfs *PagedVfs) FreePagedVmo(nodeID uint64, vmo *empager.Vmo) {
	if vmo != nil {
		err := vfs.pager.DetachVmo(vmo)
		if err != nil {
			logger.WarnfWithError(err, "FreePagedVmo() could not detach vmo for node %d", nodeID)
		}
	}
	vfs.UnregisterPagedVmo(nodeID)
}

// UnregisterPagedVmo removes nodeID from the registry. An id that is not
// registered is tolerated as a completion race, but logged.
func (vfs *PagedVfs) UnregisterPagedVmo(nodeID uint64) {
	vfs.mutex.Lock()
	ok, err := vfs.nodes.DeleteByKey(nodeID)
	vfs.mutex.Unlock()
	if err != nil {
		logger.PanicfWithError(err, "pagedvfs failed to unregister node %d", nodeID)
	}
	if !ok {
		logger.Warnf("pagedvfs unregister of node %d found no registration", nodeID)
	}
}

// PagerVmoRead routes one page request to the node registered under
// nodeID. The registry is consulted under the vfs lock but VmoRead runs
// outside it, so a slow read never blocks registration traffic. A miss
// means the node freed its vmo after the fault was queued; the request is
// dropped, as the faulting reader has already been failed by the detach.
func (vfs *PagedVfs) PagerVmoRead(nodeID uint64, offset uint64, length uint64) {
	vfs.mutex.Lock()
	nodeAsValue, ok, err := vfs.nodes.GetByKey(nodeID)
	vfs.mutex.Unlock()
	if err != nil {
		logger.PanicfWithError(err, "pagedvfs failed to look up node %d", nodeID)
	}
	if !ok {
		logger.Tracef("pagedvfs dropping page request for departed node %d", nodeID)
		return
	}

	nodeAsValue.(PagedVnode).VmoRead(offset, length)
}

// SupplyPages resolves a page request with the bytes of aux.
func (vfs *PagedVfs) SupplyPages(vmo *empager.Vmo, offset uint64, length uint64, aux []byte) (err error) {
	return vfs.pager.SupplyPages(vmo, offset, length, aux)
}

// ReportPagerError fails a page request. Statuses the pager cannot
// deliver are reported as ErrBadState rather than dropped, so the blocked
// reader always observes some failure.
func (vfs *PagedVfs) ReportPagerError(vmo *empager.Vmo, offset uint64, length uint64, status zerr.Status) (err error) {
	switch status {
	case zerr.ErrIO, zerr.ErrNoSpace, zerr.ErrBadState, zerr.ErrNoMemory:
		// deliverable as-is
	default:
		logger.Warnf("ReportPagerError() demoting undeliverable status %v to %v", status, zerr.ErrBadState)
		status = zerr.ErrBadState
	}
	return vfs.pager.FailRange(vmo, offset, length, status)
}

// DumpKey implements sortedmap.LLRBTreeCallbacks.
func (vfs *PagedVfs) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsUint64, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("node registry's DumpKey(%v) called for non-uint64", key)
		return
	}
	keyAsString = fmt.Sprintf("%d", keyAsUint64)
	return
}

// DumpValue implements sortedmap.LLRBTreeCallbacks.
func (vfs *PagedVfs) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%T", value)
	return
}
