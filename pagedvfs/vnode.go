// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagedvfs

import (
	"sync"

	"github.com/swiftstack/blockvfs/empager"
	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// PagedVnodeBase carries the paged-vmo lifecycle a node needs: lazy vmo
// creation, clone hand-out, and automatic teardown once the last clone
// goes away. Embed it in a node type and implement VmoRead on the node.
//
// The zero-clones watch is a two-state machine. Handing out the first
// clone arms a one-shot watch; when it fires, the clone count is
// re-checked under the node lock: a clone that raced in re-arms the
// watch, otherwise the vmo is freed and unregistered. Ids are never
// reused, so a fault from the freed vmo can at worst miss in the
// registry.
type PagedVnodeBase struct {
	vfs *PagedVfs

	mutex    sync.Mutex
	nodeID   uint64       // guarded by mutex; 0 when no vmo exists
	vmo      *empager.Vmo // guarded by mutex
	watching bool         // guarded by mutex; zero-clones watch armed
}

// NewPagedVnodeBase returns a base bound to vfs, for embedding.
func NewPagedVnodeBase(vfs *PagedVfs) (node PagedVnodeBase) {
	return PagedVnodeBase{vfs: vfs}
}

// EnsureCreatePagedVmo creates the node's paged vmo if it does not exist,
// registering self to receive its VmoRead calls. self must be the
// embedding node.
func (node *PagedVnodeBase) EnsureCreatePagedVmo(self PagedVnode, size uint64) (err error) {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	if node.vmo != nil {
		return nil
	}

	nodeID, vmo, err := node.vfs.CreatePagedNodeVmo(self, size)
	if err != nil {
		return
	}

	node.nodeID = nodeID
	node.vmo = vmo
	return nil
}

// PagedVmo returns the node's root vmo, or nil if none exists. The root
// is what VmoRead implementations pass to SupplyPages and
// ReportPagerError.
func (node *PagedVnodeBase) PagedVmo() (vmo *empager.Vmo) {
	node.mutex.Lock()
	vmo = node.vmo
	node.mutex.Unlock()
	return
}

// NodeID returns the registry id of the node's vmo, or 0 if none exists.
func (node *PagedVnodeBase) NodeID() (nodeID uint64) {
	node.mutex.Lock()
	nodeID = node.nodeID
	node.mutex.Unlock()
	return
}

// GetVmoClone hands out a clone of the node's paged vmo, arming the
// zero-clones watch if this is the first one. Callers release the clone
// when done; the node notices the last release and frees the vmo.
func (node *PagedVnodeBase) GetVmoClone() (clone *empager.Vmo, err error) {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	if node.vmo == nil {
		err = zerr.NewError(zerr.ErrBadState, "GetVmoClone() before EnsureCreatePagedVmo()")
		return
	}

	clone = node.vmo.CreateChild()

	if !node.watching {
		node.watching = true
		watched := node.vmo
		err = watched.WatchZeroChildren(func() { node.onNoPagedVmoClones(watched) })
		if err != nil {
			logger.PanicfWithError(err, "paged vnode %d could not arm zero-clones watch", node.nodeID)
		}
	}
	return
}

// FreePagedVmo tears the vmo down immediately, clones or not. Readers of
// outstanding clones observe ErrBadState.
func (node *PagedVnodeBase) FreePagedVmo() {
	node.mutex.Lock()
	node.freePagedVmoLocked()
	node.mutex.Unlock()
}

// onNoPagedVmoClones runs off-thread when an armed watch fires.
func (node *PagedVnodeBase) onNoPagedVmoClones(watched *empager.Vmo) {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	if node.vmo != watched {
		// Freed (and possibly recreated) while the signal was in flight.
		return
	}

	if watched.ChildCount() > 0 {
		// A clone raced in between the count hitting zero and us getting
		// here. Re-arm and keep the vmo.
		err := watched.WatchZeroChildren(func() { node.onNoPagedVmoClones(watched) })
		if err != nil {
			logger.PanicfWithError(err, "paged vnode %d could not re-arm zero-clones watch", node.nodeID)
		}
		return
	}

	node.watching = false
	node.freePagedVmoLocked()
}

// freePagedVmoLocked detaches and unregisters. Caller must hold
// node.mutex.
func (node *PagedVnodeBase) freePagedVmoLocked() {
	if node.vmo == nil {
		return
	}
	node.vfs.FreePagedVmo(node.nodeID, node.vmo)
	node.vmo = nil
	node.nodeID = 0
	node.watching = false
}
