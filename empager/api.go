// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package empager emulates the kernel pager machinery in process: a
// notification Port that parks worker threads, a Pager that mints
// demand-paged Vmos bound to that port, and Vmos whose uncommitted pages
// fault by posting page-request packets and blocking until pages are
// supplied or the range is failed.
//
// It is the paging analog of an emulated backing service: pagedvfs runs
// against it both in production wiring and in tests.
package empager

import (
	"sync"

	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// PageSize is the granularity of commit tracking and page requests.
const PageSize = 4096

// PacketType discriminates packets delivered by a Port.
type PacketType int

const (
	// PacketUser is a caller-queued packet. The pager never generates
	// these; thread pools use them as shutdown sentinels.
	PacketUser PacketType = iota + 1

	// PacketPageRequest is generated by a Pager on behalf of one of its
	// Vmos.
	PacketPageRequest
)

// PageRequestCommand says what a page-request packet is asking for.
type PageRequestCommand int

const (
	// ReadCmd asks the owner to supply the named page range.
	ReadCmd PageRequestCommand = iota + 1

	// CompleteCmd reports that a detached Vmo will fault no further.
	CompleteCmd
)

// Packet is one unit of Port delivery.
type Packet struct {
	Type    PacketType
	Key     uint64 // owner-assigned Vmo key; caller-defined for PacketUser
	Command PageRequestCommand
	Offset  uint64
	Length  uint64
}

// Port queues packets for a pool of waiting threads. Each packet is
// delivered to exactly one waiter.
type Port struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	queue  []Packet
	closed bool
}

// NewPort creates an empty Port.
func NewPort() (port *Port) {
	port = &Port{}
	port.cond = sync.NewCond(&port.mutex)
	return
}

// Queue appends a packet for delivery to one waiter.
func (port *Port) Queue(packet Packet) (err error) {
	port.mutex.Lock()
	defer port.mutex.Unlock()

	if port.closed {
		return zerr.NewError(zerr.ErrBadHandle, "Queue() on closed port")
	}

	port.queue = append(port.queue, packet)
	port.cond.Signal()
	return nil
}

// Wait blocks until a packet is available and dequeues it. A closed Port
// fails all waiters with ErrCanceled.
func (port *Port) Wait() (packet Packet, err error) {
	port.mutex.Lock()
	defer port.mutex.Unlock()

	for {
		if port.closed {
			err = zerr.NewError(zerr.ErrCanceled, "Wait(): port closed")
			return
		}
		if len(port.queue) > 0 {
			packet = port.queue[0]
			port.queue = port.queue[1:]
			return
		}
		port.cond.Wait()
	}
}

// Close fails all current and future waiters. Packets still queued are
// dropped.
func (port *Port) Close() {
	port.mutex.Lock()
	port.closed = true
	port.cond.Broadcast()
	port.mutex.Unlock()
}

// Pager mints Vmos whose page faults are delivered as packets on a Port.
type Pager struct {
	mutex sync.Mutex
	vmos  map[uint64]*Vmo // guarded by mutex; key -> root vmo
}

// NewPager creates a Pager.
func NewPager() (pager *Pager, err error) {
	pager = &Pager{vmos: make(map[uint64]*Vmo)}
	return
}

// CreateVmo creates a demand-paged Vmo of the given size whose faults
// post ReadCmd packets carrying key to port. Keys must be unique among a
// pager's live Vmos.
func (pager *Pager) CreateVmo(port *Port, key uint64, size uint64) (vmo *Vmo, err error) {
	if size == 0 || size%PageSize != 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "CreateVmo() size %v is not a positive multiple of %v", size, PageSize)
		return
	}

	pager.mutex.Lock()
	defer pager.mutex.Unlock()

	if _, ok := pager.vmos[key]; ok {
		err = zerr.NewError(zerr.ErrAlreadyExists, "CreateVmo() key %v already live", key)
		return
	}

	vmo = &Vmo{
		pager:     pager,
		port:      port,
		key:       key,
		size:      size,
		pages:     make([]byte, size),
		committed: make([]bool, size/PageSize),
		requested: make(map[uint64]bool),
		failed:    make(map[uint64]zerr.Status),
	}
	vmo.cond = sync.NewCond(&vmo.mutex)
	pager.vmos[key] = vmo
	return
}

// SupplyPages resolves faults on [offset, offset+length) with the bytes
// of aux, committing the pages and waking blocked readers.
func (pager *Pager) SupplyPages(vmo *Vmo, offset uint64, length uint64, aux []byte) (err error) {
	vmo = vmo.root()
	firstPage, pageCount, err := pageRange(vmo, offset, length)
	if err != nil {
		return
	}
	if uint64(len(aux)) < length {
		return zerr.NewError(zerr.ErrInvalidArgs, "SupplyPages() aux holds %v bytes for a %v byte range", len(aux), length)
	}

	vmo.mutex.Lock()
	defer vmo.mutex.Unlock()

	if vmo.detached {
		return zerr.NewError(zerr.ErrBadState, "SupplyPages() on detached vmo %v", vmo.key)
	}

	copy(vmo.pages[offset:offset+length], aux[:length])
	for page := firstPage; page < firstPage+pageCount; page++ {
		vmo.committed[page] = true
		delete(vmo.requested, page)
		delete(vmo.failed, page)
	}
	vmo.cond.Broadcast()
	return nil
}

// FailRange fails faults pending on [offset, offset+length) with status.
// Only the statuses a pager source may legitimately report are accepted;
// anything else is the caller's bug. Later accesses to the range fault
// again.
func (pager *Pager) FailRange(vmo *Vmo, offset uint64, length uint64, status zerr.Status) (err error) {
	switch status {
	case zerr.ErrIO, zerr.ErrNoSpace, zerr.ErrBadState, zerr.ErrNoMemory:
		// deliverable
	default:
		return zerr.NewError(zerr.ErrInvalidArgs, "FailRange() status %v is not deliverable", status)
	}

	vmo = vmo.root()
	firstPage, pageCount, err := pageRange(vmo, offset, length)
	if err != nil {
		return
	}

	vmo.mutex.Lock()
	defer vmo.mutex.Unlock()

	for page := firstPage; page < firstPage+pageCount; page++ {
		if !vmo.committed[page] {
			vmo.failed[page] = status
			delete(vmo.requested, page)
		}
	}
	vmo.cond.Broadcast()
	return nil
}

// DetachVmo severs a Vmo from its pager: pending and future faults fail
// with ErrBadState and one CompleteCmd packet is posted to the Vmo's
// port.
func (pager *Pager) DetachVmo(vmo *Vmo) (err error) {
	pager.mutex.Lock()
	if pager.vmos[vmo.key] != vmo {
		pager.mutex.Unlock()
		return zerr.NewError(zerr.ErrNotFound, "DetachVmo() of vmo %v not minted by this pager", vmo.key)
	}
	delete(pager.vmos, vmo.key)
	pager.mutex.Unlock()

	vmo.mutex.Lock()
	vmo.detached = true
	vmo.cond.Broadcast()
	vmo.mutex.Unlock()

	queueErr := vmo.port.Queue(Packet{Type: PacketPageRequest, Key: vmo.key, Command: CompleteCmd})
	if queueErr != nil {
		logger.WarnfWithError(queueErr, "DetachVmo() could not post completion for vmo %v", vmo.key)
	}
	return nil
}

func pageRange(vmo *Vmo, offset uint64, length uint64) (firstPage uint64, pageCount uint64, err error) {
	if offset%PageSize != 0 || length == 0 || length%PageSize != 0 || offset+length > vmo.size {
		err = zerr.NewError(zerr.ErrInvalidArgs, "range [%v, %v) is not page aligned within a %v byte vmo", offset, offset+length, vmo.size)
		return
	}
	firstPage = offset / PageSize
	pageCount = length / PageSize
	return
}

// Vmo is a demand-paged memory object. Reads of uncommitted pages fault:
// a ReadCmd packet is posted to the owning port and the reader blocks
// until the page is supplied or failed.
type Vmo struct {
	pager  *Pager
	port   *Port
	key    uint64
	size   uint64
	parent *Vmo // nil on a root Vmo; clones read through parent

	mutex     sync.Mutex
	cond      *sync.Cond
	pages     []byte
	committed []bool                 // guarded by mutex; one flag per page
	requested map[uint64]bool        // guarded by mutex; pages with an outstanding ReadCmd
	failed    map[uint64]zerr.Status // guarded by mutex; pages failed since their last fault
	detached  bool                   // guarded by mutex

	children     int    // guarded by mutex; live CreateChild clones
	watchArmed   bool   // guarded by mutex
	zeroCallback func() // guarded by mutex; one-shot, fires off-thread
}

// Key returns the owner-assigned key.
func (vmo *Vmo) Key() (key uint64) {
	return vmo.key
}

// Size returns the Vmo size in bytes.
func (vmo *Vmo) Size() (size uint64) {
	return vmo.size
}

// ReadAt copies len(p) bytes starting at off into p, faulting in any
// pages not yet committed. It blocks until every covered page is
// resident, and fails with the pager source's status if the source fails
// the range instead.
func (vmoOrChild *Vmo) ReadAt(p []byte, off uint64) (err error) {
	vmo := vmoOrChild.root()

	if off+uint64(len(p)) > vmo.size {
		return zerr.NewError(zerr.ErrOutOfRange, "ReadAt() of [%v, %v) past vmo size %v", off, off+uint64(len(p)), vmo.size)
	}
	if len(p) == 0 {
		return nil
	}

	firstPage := off / PageSize
	lastPage := (off + uint64(len(p)) - 1) / PageSize

	vmo.mutex.Lock()
	defer vmo.mutex.Unlock()

	for page := firstPage; page <= lastPage; page++ {
		for !vmo.committed[page] {
			if vmo.detached {
				return zerr.NewError(zerr.ErrBadState, "ReadAt() on detached vmo %v", vmo.key)
			}
			if status, ok := vmo.failed[page]; ok {
				// One-shot: the next access faults the page again.
				delete(vmo.failed, page)
				return zerr.NewError(status, "ReadAt(): page %v of vmo %v failed by pager source", page, vmo.key)
			}
			if !vmo.requested[page] {
				vmo.requested[page] = true
				vmo.mutex.Unlock()
				queueErr := vmo.port.Queue(Packet{
					Type:    PacketPageRequest,
					Key:     vmo.key,
					Command: ReadCmd,
					Offset:  page * PageSize,
					Length:  PageSize,
				})
				vmo.mutex.Lock()
				if queueErr != nil {
					delete(vmo.requested, page)
					return zerr.NewError(zerr.ErrBadState, "ReadAt(): fault on vmo %v undeliverable", vmo.key)
				}
				continue
			}
			vmo.cond.Wait()
		}
	}

	copy(p, vmo.pages[off:off+uint64(len(p))])
	return nil
}

// CreateChild mints a clone whose reads go through this Vmo's pages and
// bumps the live child count. Only the root Vmo tracks children; clones
// of clones hang off the same root.
func (vmo *Vmo) CreateChild() (child *Vmo) {
	root := vmo.root()

	root.mutex.Lock()
	root.children++
	root.mutex.Unlock()

	return &Vmo{
		pager:  root.pager,
		port:   root.port,
		key:    root.key,
		size:   root.size,
		parent: root,
	}
}

// Release drops a clone. When the root's live child count reaches zero
// and a watch is armed, the watch fires. Releasing the root itself is
// caller misuse.
func (vmo *Vmo) Release() {
	if vmo.parent == nil {
		logger.PanicfWithError(zerr.New(zerr.ErrBadHandle), "Release() of a root vmo (key %v)", vmo.key)
	}
	root := vmo.parent

	root.mutex.Lock()
	root.children--
	if root.children < 0 {
		root.mutex.Unlock()
		logger.PanicfWithError(zerr.New(zerr.ErrBadState), "Release() underflowed child count of vmo %v", root.key)
	}
	var fire func()
	if root.children == 0 && root.watchArmed {
		fire = root.zeroCallback
		root.watchArmed = false
		root.zeroCallback = nil
	}
	root.mutex.Unlock()

	if fire != nil {
		// Off-thread, like an async wait completing on a port: the
		// callback is free to take its own locks and re-arm.
		go fire()
	}
}

// ChildCount returns the root's live child count.
func (vmo *Vmo) ChildCount() (count int) {
	root := vmo.root()
	root.mutex.Lock()
	count = root.children
	root.mutex.Unlock()
	return
}

// WatchZeroChildren arms a one-shot watch that fires, on its own
// goroutine, when the live child count next reaches zero. A count already
// at zero fires immediately. The watch does not survive firing; callers
// who discover a child raced in re-arm explicitly.
func (vmo *Vmo) WatchZeroChildren(callback func()) (err error) {
	root := vmo.root()

	root.mutex.Lock()
	if root.watchArmed {
		root.mutex.Unlock()
		return zerr.NewError(zerr.ErrBadState, "WatchZeroChildren(): watch already armed on vmo %v", root.key)
	}
	if root.children == 0 {
		root.mutex.Unlock()
		go callback()
		return nil
	}
	root.watchArmed = true
	root.zeroCallback = callback
	root.mutex.Unlock()
	return nil
}

func (vmo *Vmo) root() (root *Vmo) {
	if vmo.parent != nil {
		return vmo.parent
	}
	return vmo
}
