// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramdisk provides an in-memory block device that serves the block
// fifo protocol. It plays the role of the remote driver: one goroutine
// drains the request ring, executes transfers against a memory-backed
// block store, and writes one aggregated response per completed group.
//
// Filesystem layers use it as a fully functional backing device in tests
// and tooling, the way ramswift stands in for a Swift cluster.
package ramdisk

import (
	"sync"

	"github.com/google/btree"

	"github.com/swiftstack/blockvfs/blockclient"
	"github.com/swiftstack/blockvfs/blockwire"
	"github.com/swiftstack/blockvfs/fifo"
	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// Config sizes a RamDisk.
type Config struct {
	BlockSize  uint32 // bytes per block; defaults to 512
	BlockCount uint64 // defaults to 1024
}

// vmoAttachment is a registered transfer buffer, keyed by vmoid.
type vmoAttachment struct {
	vmoID uint16
	buf   []byte
}

func (attachment *vmoAttachment) Less(than btree.Item) bool {
	return attachment.vmoID < than.(*vmoAttachment).vmoID
}

// RamDisk is an in-memory block device. It implements
// blockclient.RemoteDevice.
type RamDisk struct {
	blockSize  uint32
	blockCount uint64
	store      []byte

	mutex          sync.Mutex
	vmoTable       *btree.BTree // guarded by mutex; *vmoAttachment keyed by vmoid
	lastVmoID      uint16       // guarded by mutex
	deviceEndpoint *fifo.Fifo   // guarded by mutex; non-nil while a fifo is attached

	serverWG sync.WaitGroup
}

// New creates a RamDisk with the given geometry.
func New(config Config) (ramDisk *RamDisk) {
	if config.BlockSize == 0 {
		config.BlockSize = 512
	}
	if config.BlockCount == 0 {
		config.BlockCount = 1024
	}

	return &RamDisk{
		blockSize:  config.BlockSize,
		blockCount: config.BlockCount,
		store:      make([]byte, uint64(config.BlockSize)*config.BlockCount),
		vmoTable:   btree.New(2),
	}
}

// Info returns the device geometry.
func (ramDisk *RamDisk) Info() (info blockclient.DeviceInfo, err error) {
	info = blockclient.DeviceInfo{BlockSize: ramDisk.blockSize, BlockCount: ramDisk.blockCount}
	return
}

// GetFifo attaches the transaction fifo and starts the server goroutine.
// A RamDisk hands out at most one fifo at a time.
func (ramDisk *RamDisk) GetFifo() (ringEndpoint *fifo.Fifo, err error) {
	ramDisk.mutex.Lock()
	defer ramDisk.mutex.Unlock()

	if ramDisk.deviceEndpoint != nil {
		err = zerr.NewError(zerr.ErrBadState, "ramdisk fifo already attached")
		return
	}

	clientEndpoint, deviceEndpoint, err := fifo.Create(blockwire.RecordSize, blockwire.BlockFifoMaxDepth)
	if err != nil {
		return
	}

	ramDisk.deviceEndpoint = deviceEndpoint
	ramDisk.serverWG.Add(1)
	go ramDisk.serve(deviceEndpoint)

	ringEndpoint = clientEndpoint
	return
}

// CloseFifo detaches the fifo; the client endpoint observes PeerClosed.
// Requests already drained but not yet responded to are dropped, the same
// way a dying driver drops them.
func (ramDisk *RamDisk) CloseFifo() (err error) {
	ramDisk.detach()
	ramDisk.serverWG.Wait()
	return nil
}

// Halt hard-stops the device: the fifo is torn down with requests still
// unanswered, the way a dying driver would go. Clients observe PeerClosed
// mid-transaction. Unlike CloseFifo it does not wait for the server
// goroutine, so a caller blocked on the device is never waited on.
func (ramDisk *RamDisk) Halt() {
	ramDisk.detach()
}

// FifoAttached reports whether a fifo is currently attached. Used by
// lifecycle tests.
func (ramDisk *RamDisk) FifoAttached() (attached bool) {
	ramDisk.mutex.Lock()
	attached = ramDisk.deviceEndpoint != nil
	ramDisk.mutex.Unlock()
	return
}

// AttachVmo registers a caller-owned buffer and returns its vmoid.
func (ramDisk *RamDisk) AttachVmo(buf []byte) (vmoID uint16, err error) {
	if len(buf) == 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "AttachVmo() of empty buffer")
		return
	}

	ramDisk.mutex.Lock()
	defer ramDisk.mutex.Unlock()

	ramDisk.lastVmoID++
	if ramDisk.lastVmoID == blockwire.VmoIDInvalid {
		// 64Ki live attachments would have to leak first.
		logger.Fatalf("ramdisk vmoid space exhausted")
	}

	vmoID = ramDisk.lastVmoID
	ramDisk.vmoTable.ReplaceOrInsert(&vmoAttachment{vmoID: vmoID, buf: buf})
	return
}

// detach closes the device-side endpoint exactly once.
func (ramDisk *RamDisk) detach() {
	ramDisk.mutex.Lock()
	deviceEndpoint := ramDisk.deviceEndpoint
	ramDisk.deviceEndpoint = nil
	ramDisk.mutex.Unlock()

	if deviceEndpoint != nil {
		deviceEndpoint.Close()
	}
}

// serve is the device-side request loop: drain requests, execute each
// group once its last record arrives, respond with the group's count and
// first failing status.
func (ramDisk *RamDisk) serve(deviceEndpoint *fifo.Fifo) {
	defer ramDisk.serverWG.Done()
	defer ramDisk.detach()

	type pendingGroup struct {
		count  uint32
		status zerr.Status
	}
	pending := make(map[uint16]*pendingGroup)

	buf := make([]byte, blockwire.BlockFifoMaxDepth*blockwire.RecordSize)

	for {
		countRead, err := deviceEndpoint.Read(buf)
		if err != nil {
			if zerr.IsNot(err, zerr.ErrShouldWait) {
				return // peer closed or endpoint detached under us
			}
			observed, waitErr := deviceEndpoint.Wait(fifo.Readable | fifo.PeerClosed)
			if waitErr != nil || observed&fifo.Readable == 0 {
				return
			}
			continue
		}

		requests, unpackErr := blockwire.UnpackRequests(buf[:countRead*blockwire.RecordSize])
		if unpackErr != nil {
			logger.ErrorfWithError(unpackErr, "ramdisk dropping undecodable fifo batch")
			return
		}

		for i := range requests {
			request := &requests[i]

			if request.Op() == blockwire.OpCloseFifo {
				// Dedicated teardown record; no response follows.
				return
			}

			status := ramDisk.execute(request)

			if request.OpCode&blockwire.FlagGroupItem == 0 {
				// Ungrouped request: complete it by itself.
				if !ramDisk.respond(deviceEndpoint, blockwire.Response{
					Status: int32(status),
					ReqID:  request.ReqID,
					Group:  request.Group,
					Count:  1,
				}) {
					return
				}
				continue
			}

			group, ok := pending[request.Group]
			if !ok {
				group = &pendingGroup{status: zerr.OK}
				pending[request.Group] = group
			}
			group.count++
			if status != zerr.OK && group.status == zerr.OK {
				group.status = status
			}

			if request.OpCode&blockwire.FlagGroupLast != 0 {
				delete(pending, request.Group)
				if !ramDisk.respond(deviceEndpoint, blockwire.Response{
					Status: int32(group.status),
					ReqID:  request.ReqID,
					Group:  request.Group,
					Count:  group.count,
				}) {
					return
				}
			}
		}
	}
}

// respond writes one response record, waiting out a momentarily full ring.
// Returns false once the peer is gone.
func (ramDisk *RamDisk) respond(deviceEndpoint *fifo.Fifo, response blockwire.Response) (ok bool) {
	packed, err := blockwire.PackResponses([]blockwire.Response{response})
	if err != nil {
		logger.PanicfWithError(err, "ramdisk failed to pack response %+v", response)
	}

	for {
		_, writeErr := deviceEndpoint.Write(packed)
		if writeErr == nil {
			return true
		}
		if zerr.IsNot(writeErr, zerr.ErrShouldWait) {
			return false
		}
		observed, waitErr := deviceEndpoint.Wait(fifo.Writable | fifo.PeerClosed)
		if waitErr != nil || observed&fifo.Writable == 0 {
			return false
		}
	}
}

// execute performs one request against the block store and returns its
// status.
func (ramDisk *RamDisk) execute(request *blockwire.Request) (status zerr.Status) {
	switch request.Op() {
	case blockwire.OpRead, blockwire.OpWrite:
		return ramDisk.transfer(request)

	case blockwire.OpFlush:
		// Memory-backed store; nothing to commit.
		return zerr.OK

	case blockwire.OpTrim:
		devOffset, length, status := ramDisk.deviceRange(request)
		if status != zerr.OK {
			return status
		}
		for i := devOffset; i < devOffset+length; i++ {
			ramDisk.store[i] = 0
		}
		return zerr.OK

	case blockwire.OpCloseVmo:
		ramDisk.mutex.Lock()
		deleted := ramDisk.vmoTable.Delete(&vmoAttachment{vmoID: request.VmoID})
		ramDisk.mutex.Unlock()
		if deleted == nil {
			return zerr.ErrBadHandle
		}
		return zerr.OK
	}

	return zerr.ErrNotSupported
}

// transfer copies between an attached buffer and the block store.
func (ramDisk *RamDisk) transfer(request *blockwire.Request) (status zerr.Status) {
	devOffset, length, status := ramDisk.deviceRange(request)
	if status != zerr.OK {
		return
	}

	ramDisk.mutex.Lock()
	item := ramDisk.vmoTable.Get(&vmoAttachment{vmoID: request.VmoID})
	ramDisk.mutex.Unlock()
	if item == nil {
		return zerr.ErrBadHandle
	}
	attachment := item.(*vmoAttachment)

	vmoOffset := request.VmoOffset * uint64(ramDisk.blockSize)
	if vmoOffset+length > uint64(len(attachment.buf)) {
		return zerr.ErrOutOfRange
	}

	if request.Op() == blockwire.OpRead {
		copy(attachment.buf[vmoOffset:vmoOffset+length], ramDisk.store[devOffset:devOffset+length])
	} else {
		copy(ramDisk.store[devOffset:devOffset+length], attachment.buf[vmoOffset:vmoOffset+length])
	}
	return zerr.OK
}

// deviceRange validates and converts a request's device-relative block
// range into byte offsets.
func (ramDisk *RamDisk) deviceRange(request *blockwire.Request) (devOffset uint64, length uint64, status zerr.Status) {
	if request.DevOffset+uint64(request.Length) > ramDisk.blockCount {
		status = zerr.ErrOutOfRange
		return
	}

	devOffset = request.DevOffset * uint64(ramDisk.blockSize)
	length = uint64(request.Length) * uint64(ramDisk.blockSize)
	status = zerr.OK
	return
}
