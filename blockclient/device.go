// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockclient

import (
	"sync"
	"sync/atomic"

	"github.com/swiftstack/blockvfs/blockwire"
	"github.com/swiftstack/blockvfs/fifo"
	"github.com/swiftstack/blockvfs/zerr"
)

// DeviceInfo describes the geometry of a block device.
type DeviceInfo struct {
	BlockSize  uint32
	BlockCount uint64
}

// RemoteDevice is the control surface a block device exposes outside the
// fifo: fifo attach/detach, buffer attachment, and geometry. The fifo
// itself carries only the data path.
type RemoteDevice interface {
	// GetFifo attaches the device's transaction fifo and returns the
	// client-side endpoint. A device hands out at most one fifo at a time.
	GetFifo() (ringEndpoint *fifo.Fifo, err error)

	// CloseFifo detaches the transaction fifo. The device stops serving
	// and the client endpoint observes PeerClosed.
	CloseFifo() (err error)

	// AttachVmo registers a caller-owned buffer for use as a transfer
	// source/destination and returns the vmoid requests name it by.
	AttachVmo(buf []byte) (vmoID uint16, err error)

	// Info returns the device geometry.
	Info() (info DeviceInfo, err error)
}

// Device couples a RemoteDevice's control surface with a transaction
// Client over the device's fifo. Constructing a Device attaches the fifo
// exactly once; Close detaches it exactly once.
type Device struct {
	remote     RemoteDevice
	fifoClient *Client

	closeMutex sync.Mutex
	closed     bool // guarded by closeMutex
}

// NewDevice attaches the device's fifo and returns the ready-to-use
// Device.
func NewDevice(remote RemoteDevice) (device *Device, err error) {
	ringEndpoint, err := remote.GetFifo()
	if err != nil {
		return nil, err
	}

	device = &Device{
		remote:     remote,
		fifoClient: NewClient(ringEndpoint),
	}
	return
}

// FifoTransaction issues a group of block requests over the underlying
// fifo and waits for the response. See Client.Transaction.
func (device *Device) FifoTransaction(requests []blockwire.Request) (err error) {
	return device.fifoClient.Transaction(requests)
}

// AttachVmo registers a caller buffer with the device.
func (device *Device) AttachVmo(buf []byte) (vmoID uint16, err error) {
	return device.remote.AttachVmo(buf)
}

// DetachVmo sends the close-vmo request for a previously attached buffer.
// Requests naming the vmoid after this call are caller errors.
func (device *Device) DetachVmo(vmoID uint16) (err error) {
	return device.fifoClient.Transaction([]blockwire.Request{{
		OpCode: blockwire.OpCloseVmo,
		VmoID:  vmoID,
	}})
}

// Info returns the device geometry.
func (device *Device) Info() (info DeviceInfo, err error) {
	return device.remote.Info()
}

// Close tears the device down: the fifo client is poisoned so parked
// transactions fail, the endpoint is closed, and the device is told to
// detach. Only the first Close does anything.
func (device *Device) Close() {
	device.closeMutex.Lock()
	alreadyClosed := device.closed
	device.closed = true
	device.closeMutex.Unlock()

	if alreadyClosed {
		return
	}

	device.fifoClient.CloseFifo()
	_ = device.remote.CloseFifo()
}

// nextReqID hands out request ids for the byte helpers below. Request ids
// are echoed, never interpreted, so a process-wide counter is plenty.
var nextReqID uint32

// ReadBytes reads length bytes at byte offset devOffset from the device
// into p using a temporary buffer attachment. Offset and length must be
// multiples of the device block size.
func ReadBytes(device *Device, devOffset uint64, p []byte) (err error) {
	return transferBytes(device, blockwire.OpRead, devOffset, p)
}

// WriteBytes writes p to the device at byte offset devOffset using a
// temporary buffer attachment. Offset and length must be multiples of the
// device block size.
func WriteBytes(device *Device, devOffset uint64, p []byte) (err error) {
	return transferBytes(device, blockwire.OpWrite, devOffset, p)
}

func transferBytes(device *Device, op uint32, devOffset uint64, p []byte) (err error) {
	info, err := device.Info()
	if err != nil {
		return
	}

	blockSize := uint64(info.BlockSize)
	if uint64(len(p))%blockSize != 0 || devOffset%blockSize != 0 {
		return zerr.NewError(zerr.ErrInvalidArgs,
			"byte transfer of %v bytes at offset %v not block (%v) aligned", len(p), devOffset, blockSize)
	}
	if len(p) == 0 {
		return nil
	}

	vmoID, err := device.AttachVmo(p)
	if err != nil {
		return
	}
	defer func() {
		detachErr := device.DetachVmo(vmoID)
		if err == nil {
			err = detachErr
		}
	}()

	err = device.FifoTransaction([]blockwire.Request{{
		OpCode:    op,
		ReqID:     atomic.AddUint32(&nextReqID, 1),
		VmoID:     vmoID,
		Length:    uint32(uint64(len(p)) / blockSize),
		VmoOffset: 0,
		DevOffset: devOffset / blockSize,
	}})
	return
}
