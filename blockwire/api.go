// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blockwire defines the fixed-size records exchanged on the block
// device fifo and the constants bounding the protocol.
//
// Requests and responses are layout-compatible 32-byte records so a single
// fifo element size carries both directions. All fields are LittleEndian.
package blockwire

import (
	"github.com/NVIDIA/cstruct"

	"github.com/swiftstack/blockvfs/logger"
	"github.com/swiftstack/blockvfs/zerr"
)

// LittleEndian byte order for all records on the wire
var LittleEndian = cstruct.LittleEndian

const (
	// MaxTxnGroupCount is the number of transaction group slots a device
	// supports; group ids on the wire are in [0, MaxTxnGroupCount).
	MaxTxnGroupCount uint16 = 8

	// BlockFifoMaxDepth is the per-direction element capacity of the block
	// fifo and the largest batch one Transaction() may carry.
	BlockFifoMaxDepth int = 128

	// RecordSize is the packed size of both Request and Response.
	RecordSize int = 32

	// VmoIDInvalid is never handed out by a device; a zero-valued request
	// names no attached buffer.
	VmoIDInvalid uint16 = 0
)

// Operation codes (low byte of Request.OpCode).
const (
	OpRead      uint32 = 0x0001 // device -> vmo buffer
	OpWrite     uint32 = 0x0002 // vmo buffer -> device
	OpFlush     uint32 = 0x0003 // commit prior writes
	OpTrim      uint32 = 0x0004 // discard a device range
	OpCloseVmo  uint32 = 0x0005 // detach Request.VmoID
	OpCloseFifo uint32 = 0x0006 // peer is detaching; no response follows

	// OpMask extracts the operation from an OpCode stamped with flags.
	OpMask uint32 = 0x00FF

	// FlagGroupItem marks a request as part of a transaction group.
	FlagGroupItem uint32 = 0x0100

	// FlagGroupLast marks the final request of a group; the device owes
	// one or more responses totalling the group's request count once it
	// has seen this flag.
	FlagGroupLast uint32 = 0x0200
)

// Request is one block I/O request record.
//
// Length, VmoOffset and DevOffset are denominated in device blocks, not
// bytes. ReqID is caller-assigned and merely echoed; Group is stamped by
// the transaction engine, never by callers.
type Request struct {
	OpCode    uint32
	ReqID     uint32
	Group     uint16
	VmoID     uint16
	Length    uint32
	VmoOffset uint64
	DevOffset uint64
}

// Response is one block I/O completion record.
//
// Count is the number of group requests this record completes; a device
// may answer a group with one aggregated response or several partial
// ones, and the engine's accounting accepts both.
type Response struct {
	Status   int32 // a zerr.Status
	ReqID    uint32
	Group    uint16
	Reserved uint16
	Count    uint32
	Padding  [2]uint64 // pads Response to RecordSize
}

func init() {
	requestSize, _, err := cstruct.Examine(Request{})
	if err != nil {
		logger.Fatalf("cstruct.Examine(Request{}) unexpectedly returned error: %v", err)
	}
	responseSize, _, err := cstruct.Examine(Response{})
	if err != nil {
		logger.Fatalf("cstruct.Examine(Response{}) unexpectedly returned error: %v", err)
	}
	if requestSize != uint64(RecordSize) || responseSize != uint64(RecordSize) {
		logger.Fatalf("block fifo records must pack to %v bytes (Request %v, Response %v)",
			RecordSize, requestSize, responseSize)
	}
}

// Op returns the operation stripped of group flags.
func (request *Request) Op() uint32 {
	return request.OpCode & OpMask
}

// PackRequests serializes a batch of requests into contiguous fifo
// elements.
func PackRequests(requests []Request) (buf []byte, err error) {
	buf = make([]byte, 0, len(requests)*RecordSize)
	for i := range requests {
		var packed []byte
		packed, err = cstruct.Pack(&requests[i], LittleEndian)
		if err != nil {
			err = zerr.AddStatus(err, zerr.ErrInvalidArgs)
			return
		}
		buf = append(buf, packed...)
	}
	return
}

// UnpackRequests deserializes whole request records from buf.
func UnpackRequests(buf []byte) (requests []Request, err error) {
	if len(buf)%RecordSize != 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "blockwire.UnpackRequests() of %v bytes", len(buf))
		return
	}
	requests = make([]Request, len(buf)/RecordSize)
	for i := range requests {
		_, err = cstruct.Unpack(buf[i*RecordSize:(i+1)*RecordSize], &requests[i], LittleEndian)
		if err != nil {
			err = zerr.AddStatus(err, zerr.ErrInvalidArgs)
			return
		}
	}
	return
}

// PackResponses serializes a batch of responses into contiguous fifo
// elements.
func PackResponses(responses []Response) (buf []byte, err error) {
	buf = make([]byte, 0, len(responses)*RecordSize)
	for i := range responses {
		var packed []byte
		packed, err = cstruct.Pack(&responses[i], LittleEndian)
		if err != nil {
			err = zerr.AddStatus(err, zerr.ErrInvalidArgs)
			return
		}
		buf = append(buf, packed...)
	}
	return
}

// UnpackResponses deserializes whole response records from buf.
func UnpackResponses(buf []byte) (responses []Response, err error) {
	if len(buf)%RecordSize != 0 {
		err = zerr.NewError(zerr.ErrInvalidArgs, "blockwire.UnpackResponses() of %v bytes", len(buf))
		return
	}
	responses = make([]Response, len(buf)/RecordSize)
	for i := range responses {
		_, err = cstruct.Unpack(buf[i*RecordSize:(i+1)*RecordSize], &responses[i], LittleEndian)
		if err != nil {
			err = zerr.AddStatus(err, zerr.ErrInvalidArgs)
			return
		}
	}
	return
}
