// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma defines the host DMA primitives the traffic manager write path
// consumes: buffer allocation and mapping, a transmit descriptor ring, and
// completion tags shared by every owner of the ring's completion queue.
package dma

import (
	"errors"
	"fmt"

	"github.com/platinasystems/tm/elib"
)

// Addr is a buffer address as seen by the device.
type Addr uint64

// Buffer is one DMA capable buffer.
type Buffer struct {
	Data []byte
	// Host virtual address of Data[0]; stable for the lifetime of the buffer
	// and aligned to BufferAlign.
	Virt uint64
}

const BufferAlign = 64

// Indirect addresses with this bit set select the register file rather
// than device memory.
const RegisterSpace = uint64(1) << 63

type Allocator interface {
	Alloc(size uint) (*Buffer, error)
	Free(b *Buffer) error
	Map(b *Buffer) (Addr, error)
	Unmap(b *Buffer, a Addr) error
}

// Batch is one transmit ring submission: Count entries of EntrySize bytes
// starting at Dma.  Address is the starting device address for fixed stride
// transfers; write lists carry an address in every entry and leave it zero.
type Batch struct {
	Address   uint64
	EntrySize uint
	Count     uint
	Dma       Addr
	Tag       Tag
}

func (b *Batch) String() string {
	return fmt.Sprintf("%d x %d bytes @ 0x%x tag %v", b.Count, b.EntrySize, uint64(b.Dma), b.Tag)
}

// Ring is a hardware transmit descriptor ring with its completion queue.
type Ring interface {
	// Submit queues a batch; returns ErrRingFull when no descriptor is free.
	Submit(b Batch) error
	// Start kicks the ring so hardware processes submitted batches.
	Start() error
	// Service pumps the completion queue invoking the completion handler for
	// up to max completions (all pending when max <= 0).  Returns number serviced.
	Service(max int) int
	// Occupancy is used for diagnostics only.
	Occupancy() (used, size int)
	SetCompletionHandler(h CompletionFunc)
}

// CompletionFunc is called from the completion execution context with the
// tag of a finished batch; status is nil on success.
type CompletionFunc func(tag Tag, status error)

// Tag correlates a completion with its submitter.  Low TagKindBits select the
// owner; remaining bits are the owner's key (buffer virtual address).
type Tag uint64

const (
	TagKindBits = 4
	TagKindMask = Tag(1)<<TagKindBits - 1

	TagKindPacket    Tag = 0x3
	TagKindWriteList Tag = 0x5
)

func MakeTag(key uint64, kind Tag) Tag { return Tag(key)&^TagKindMask | kind&TagKindMask }
func (t Tag) Kind() Tag                { return t & TagKindMask }
func (t Tag) Key() uint64              { return uint64(t &^ TagKindMask) }

var tagKindNames = [...]string{
	TagKindPacket:    "packet",
	TagKindWriteList: "write-list",
}

func (t Tag) String() string {
	return fmt.Sprintf("%s:0x%x", elib.StringerHex(tagKindNames[:], int(t.Kind())), t.Key())
}

var (
	ErrRingFull = errors.New("dma: transmit ring full")
	ErrNoMemory = errors.New("dma: pool out of memory")
)

// StatusError is a failed completion.
type StatusError uint32

func (s StatusError) Error() string { return fmt.Sprintf("dma: completion status 0x%x", uint32(s)) }
