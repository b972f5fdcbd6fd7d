// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package empager

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swiftstack/blockvfs/zerr"
)

func TestPort(t *testing.T) {
	assert := assert.New(t)

	port := NewPort()

	err := port.Queue(Packet{Type: PacketUser, Key: 42})
	assert.Nil(err)

	packet, err := port.Wait()
	assert.Nil(err)
	assert.Equal(PacketUser, packet.Type)
	assert.Equal(uint64(42), packet.Key)

	// Two packets, two waiters: each packet lands on exactly one.
	var (
		received  = make([]Packet, 2)
		waiterErr = make([]error, 2)
		waiterWG  sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		waiterWG.Add(1)
		go func(i int) {
			defer waiterWG.Done()
			received[i], waiterErr[i] = port.Wait()
		}(i)
	}
	assert.Nil(port.Queue(Packet{Type: PacketUser, Key: 1}))
	assert.Nil(port.Queue(Packet{Type: PacketUser, Key: 2}))
	waiterWG.Wait()

	assert.Nil(waiterErr[0])
	assert.Nil(waiterErr[1])
	assert.Equal(uint64(3), received[0].Key+received[1].Key)

	// A closed port fails queuers and waiters.
	port.Close()
	err = port.Queue(Packet{Type: PacketUser})
	assert.True(zerr.Is(err, zerr.ErrBadHandle))
	_, err = port.Wait()
	assert.True(zerr.Is(err, zerr.ErrCanceled))
}

// servicePort answers ReadCmd packets for vmo by supplying pattern bytes,
// until a user packet arrives.
func servicePort(pager *Pager, port *Port, vmo *Vmo, fill byte) {
	for {
		packet, err := port.Wait()
		if err != nil || packet.Type == PacketUser {
			return
		}
		if packet.Command != ReadCmd {
			continue
		}
		aux := bytes.Repeat([]byte{fill}, int(packet.Length))
		_ = pager.SupplyPages(vmo, packet.Offset, packet.Length, aux)
	}
}

func TestVmoFaultSupply(t *testing.T) {
	assert := assert.New(t)

	port := NewPort()
	pager, err := NewPager()
	assert.Nil(err)

	vmo, err := pager.CreateVmo(port, 1, 4*PageSize)
	assert.Nil(err)
	assert.Equal(uint64(1), vmo.Key())
	assert.Equal(uint64(4*PageSize), vmo.Size())

	// Sizes must be page multiples; keys must be unique.
	_, err = pager.CreateVmo(port, 2, PageSize-1)
	assert.True(zerr.Is(err, zerr.ErrInvalidArgs))
	_, err = pager.CreateVmo(port, 1, PageSize)
	assert.True(zerr.Is(err, zerr.ErrAlreadyExists))

	var serviceWG sync.WaitGroup
	serviceWG.Add(1)
	go func() {
		defer serviceWG.Done()
		servicePort(pager, port, vmo, 0x5A)
	}()

	// Spans two pages; both fault and both get supplied.
	p := make([]byte, PageSize)
	err = vmo.ReadAt(p, PageSize/2)
	assert.Nil(err)
	assert.True(bytes.Equal(bytes.Repeat([]byte{0x5A}, PageSize), p))

	// Committed pages do not fault again: readable even with the service
	// gone.
	assert.Nil(port.Queue(Packet{Type: PacketUser}))
	serviceWG.Wait()

	err = vmo.ReadAt(p, PageSize/2)
	assert.Nil(err)

	err = vmo.ReadAt(p, 4*PageSize-PageSize/2)
	assert.True(zerr.Is(err, zerr.ErrOutOfRange))

	port.Close()
}

func TestVmoFailRange(t *testing.T) {
	assert := assert.New(t)

	port := NewPort()
	pager, err := NewPager()
	assert.Nil(err)

	vmo, err := pager.CreateVmo(port, 1, 2*PageSize)
	assert.Nil(err)

	// Only statuses a pager source may report are deliverable.
	err = pager.FailRange(vmo, 0, PageSize, zerr.ErrTimedOut)
	assert.True(zerr.Is(err, zerr.ErrInvalidArgs))

	// Fail the fault a reader is parked on.
	var (
		readerErr error
		readerWG  sync.WaitGroup
	)
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		p := make([]byte, PageSize)
		readerErr = vmo.ReadAt(p, 0)
	}()

	packet, err := port.Wait()
	assert.Nil(err)
	assert.Equal(ReadCmd, packet.Command)

	err = pager.FailRange(vmo, packet.Offset, packet.Length, zerr.ErrIO)
	assert.Nil(err)

	readerWG.Wait()
	assert.True(zerr.Is(readerErr, zerr.ErrIO))

	// The failure was one-shot: the next access faults again and can be
	// supplied normally.
	var secondErr error
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		p := make([]byte, PageSize)
		secondErr = vmo.ReadAt(p, 0)
	}()

	packet, err = port.Wait()
	assert.Nil(err)
	assert.Equal(ReadCmd, packet.Command)
	err = pager.SupplyPages(vmo, packet.Offset, packet.Length, make([]byte, packet.Length))
	assert.Nil(err)

	readerWG.Wait()
	assert.Nil(secondErr)

	port.Close()
}

func TestVmoDetach(t *testing.T) {
	assert := assert.New(t)

	port := NewPort()
	pager, err := NewPager()
	assert.Nil(err)

	vmo, err := pager.CreateVmo(port, 9, PageSize)
	assert.Nil(err)

	err = pager.DetachVmo(vmo)
	assert.Nil(err)

	// Exactly one completion packet, carrying the vmo's key.
	packet, err := port.Wait()
	assert.Nil(err)
	assert.Equal(PacketPageRequest, packet.Type)
	assert.Equal(CompleteCmd, packet.Command)
	assert.Equal(uint64(9), packet.Key)

	// Detached vmos fault no more.
	p := make([]byte, PageSize)
	err = vmo.ReadAt(p, 0)
	assert.True(zerr.Is(err, zerr.ErrBadState))

	err = pager.SupplyPages(vmo, 0, PageSize, make([]byte, PageSize))
	assert.True(zerr.Is(err, zerr.ErrBadState))

	// The key is free for reuse, and double detach is refused.
	err = pager.DetachVmo(vmo)
	assert.True(zerr.Is(err, zerr.ErrNotFound))
	_, err = pager.CreateVmo(port, 9, PageSize)
	assert.Nil(err)

	port.Close()
}

func TestVmoZeroChildrenWatch(t *testing.T) {
	assert := assert.New(t)

	port := NewPort()
	pager, err := NewPager()
	assert.Nil(err)

	vmo, err := pager.CreateVmo(port, 1, PageSize)
	assert.Nil(err)

	fired := make(chan struct{}, 4)

	// No children yet: the watch fires immediately.
	err = vmo.WatchZeroChildren(func() { fired <- struct{}{} })
	assert.Nil(err)
	<-fired

	childA := vmo.CreateChild()
	childB := childA.CreateChild() // clones of clones count against the root
	assert.Equal(2, vmo.ChildCount())
	assert.Equal(2, childA.ChildCount())

	err = vmo.WatchZeroChildren(func() { fired <- struct{}{} })
	assert.Nil(err)

	// Only one watch at a time.
	err = vmo.WatchZeroChildren(func() {})
	assert.True(zerr.Is(err, zerr.ErrBadState))

	childA.Release()
	select {
	case <-fired:
		assert.Fail("watch fired with a child still live")
	default:
	}

	childB.Release()
	<-fired
	assert.Equal(0, vmo.ChildCount())

	// The watch does not survive firing: a new child and its release are
	// silent until re-armed.
	childC := vmo.CreateChild()
	childC.Release()
	select {
	case <-fired:
		assert.Fail("watch fired without being re-armed")
	default:
	}

	port.Close()
}