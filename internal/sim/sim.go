// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim models a traffic manager on a non-ASIC target: a register
// file, indirect device memory, a host DMA pool and a transmit ring that
// applies write lists to device memory.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinasystems/tm/internal/dma"
)

type Config struct {
	// Bytes available to Alloc; zero for unlimited.
	PoolSize uint
	// Number of descriptors in the transmit ring.
	RingSize int
	// Power on value of registers never written; nil for zero.
	RegisterReset func(offset uint32) uint32
}

// Faults are consumed one per matching operation.
type Faults struct {
	AllocFailures      int
	RingFull           int
	SubmitError        error
	UnmapFailures      int
	FreeFailures       int
	CompletionFailures int
	// Register reads that return the given garbage instead of the register.
	UnreliableReads map[uint32]uint32
}

type Counters struct {
	Submits, Kicks, Completions, Entries int
	RegisterWrites, MemoryWrites         int
}

type word struct {
	hi, lo uint64
}

type Device struct {
	cfg Config

	mu  sync.Mutex
	reg map[uint32]uint32
	mem map[uint64]word

	nextVirt  uint64
	allocated uint
	buffers   map[uint64]*dma.Buffer
	mapped    map[dma.Addr]*dma.Buffer

	// Submitted but not yet kicked.
	submitted []dma.Batch
	// Kicked; waiting to be serviced.
	active  []dma.Batch
	handler dma.CompletionFunc

	faults   Faults
	counters Counters
}

var (
	ErrNotMapped = errors.New("sim: dma address not mapped")
	ErrUnknown   = errors.New("sim: unknown buffer")
)

const mapOffset = 1 << 48

func New(cfg Config) *Device {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 64
	}
	return &Device{
		cfg:      cfg,
		reg:      make(map[uint32]uint32),
		mem:      make(map[uint64]word),
		nextVirt: 0x1000_0000,
		buffers:  make(map[uint64]*dma.Buffer),
		mapped:   make(map[dma.Addr]*dma.Buffer),
	}
}

func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

func (d *Device) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// Live gives the number of allocated and mapped buffers.
func (d *Device) Live() (buffers, mapped int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers), len(d.mapped)
}

func sizeMask(size int) (hi, lo uint64) {
	switch {
	case size >= 16:
		return ^uint64(0), ^uint64(0)
	case size > 8:
		return 1<<(8*uint(size-8)) - 1, ^uint64(0)
	case size == 8:
		return 0, ^uint64(0)
	default:
		return 0, 1<<(8*uint(size)) - 1
	}
}

func (d *Device) WriteRegister(offset uint32, v uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reg[offset] = v
	d.counters.RegisterWrites++
	return nil
}

func (d *Device) ReadRegister(offset uint32) (v uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.faults.UnreliableReads[offset]; ok {
		return g, nil
	}
	v, ok := d.reg[offset]
	if !ok && d.cfg.RegisterReset != nil {
		v = d.cfg.RegisterReset(offset)
	}
	return
}

func (d *Device) WriteMemory(addr uint64, size int, hi, lo uint64) error {
	if size <= 0 || size > 16 {
		return fmt.Errorf("sim: memory write size %d out of range", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeMemory(addr, size, hi, lo)
	return nil
}

func (d *Device) writeMemory(addr uint64, size int, hi, lo uint64) {
	mh, ml := sizeMask(size)
	d.mem[addr] = word{hi: hi & mh, lo: lo & ml}
	d.counters.MemoryWrites++
}

func (d *Device) ReadMemory(addr uint64, size int) (hi, lo uint64, err error) {
	if size <= 0 || size > 16 {
		err = fmt.Errorf("sim: memory read size %d out of range", size)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.mem[addr]
	mh, ml := sizeMask(size)
	return w.hi & mh, w.lo & ml, nil
}

func (d *Device) Alloc(size uint) (b *dma.Buffer, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.AllocFailures > 0 {
		d.faults.AllocFailures--
		return nil, dma.ErrNoMemory
	}
	if d.cfg.PoolSize != 0 && d.allocated+size > d.cfg.PoolSize {
		return nil, dma.ErrNoMemory
	}
	b = &dma.Buffer{Data: make([]byte, size), Virt: d.nextVirt}
	d.nextVirt += (uint64(size) + dma.BufferAlign - 1) &^ (dma.BufferAlign - 1)
	d.buffers[b.Virt] = b
	d.allocated += size
	return
}

func (d *Device) Free(b *dma.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.FreeFailures > 0 {
		d.faults.FreeFailures--
		return fmt.Errorf("sim: free 0x%x failed", b.Virt)
	}
	if d.buffers[b.Virt] != b {
		return ErrUnknown
	}
	delete(d.buffers, b.Virt)
	d.allocated -= uint(len(b.Data))
	return nil
}

func (d *Device) Map(b *dma.Buffer) (a dma.Addr, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buffers[b.Virt] != b {
		return 0, ErrUnknown
	}
	a = dma.Addr(b.Virt + mapOffset)
	d.mapped[a] = b
	return
}

func (d *Device) Unmap(b *dma.Buffer, a dma.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.UnmapFailures > 0 {
		d.faults.UnmapFailures--
		return fmt.Errorf("sim: unmap 0x%x failed", uint64(a))
	}
	if d.mapped[a] != b {
		return ErrNotMapped
	}
	delete(d.mapped, a)
	return nil
}

func (d *Device) Submit(b dma.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.faults.SubmitError; err != nil {
		d.faults.SubmitError = nil
		return err
	}
	if d.faults.RingFull > 0 {
		d.faults.RingFull--
		return dma.ErrRingFull
	}
	if len(d.submitted)+len(d.active) >= d.cfg.RingSize {
		return dma.ErrRingFull
	}
	buf, ok := d.mapped[b.Dma]
	if !ok {
		return ErrNotMapped
	}
	if b.EntrySize*b.Count > uint(len(buf.Data)) {
		return fmt.Errorf("sim: batch %s overruns %d byte buffer", &b, len(buf.Data))
	}
	d.submitted = append(d.submitted, b)
	d.counters.Submits++
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = append(d.active, d.submitted...)
	d.submitted = d.submitted[:0]
	d.counters.Kicks++
	return nil
}

func (d *Device) Occupancy() (used, size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted) + len(d.active), d.cfg.RingSize
}

func (d *Device) SetCompletionHandler(h dma.CompletionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

type completion struct {
	tag    dma.Tag
	status error
}

// Service applies up to max kicked batches and delivers their completions.
// Completion handlers run without the device lock held.
func (d *Device) Service(max int) int {
	d.mu.Lock()
	n := len(d.active)
	if max > 0 && max < n {
		n = max
	}
	done := make([]completion, n)
	for i := 0; i < n; i++ {
		b := d.active[i]
		d.apply(&b)
		done[i].tag = b.Tag
		if d.faults.CompletionFailures > 0 {
			d.faults.CompletionFailures--
			done[i].status = dma.StatusError(0x10)
		}
		d.counters.Completions++
	}
	d.active = append(d.active[:0], d.active[n:]...)
	h := d.handler
	d.mu.Unlock()

	if h != nil {
		for i := range done {
			h(done[i].tag, done[i].status)
		}
	}
	return n
}

func (d *Device) apply(b *dma.Batch) {
	buf := d.mapped[b.Dma]
	if buf == nil || b.EntrySize <= 8 {
		return
	}
	unit := int(b.EntrySize) - 8
	for i := uint(0); i < b.Count; i++ {
		e := buf.Data[i*b.EntrySize : (i+1)*b.EntrySize]
		addr := binary.LittleEndian.Uint64(e)
		var hi, lo uint64
		for j := 0; j < unit; j++ {
			if j < 8 {
				lo |= uint64(e[8+j]) << (8 * uint(j))
			} else {
				hi |= uint64(e[8+j]) << (8 * uint(j-8))
			}
		}
		if addr&dma.RegisterSpace != 0 {
			d.reg[uint32(addr)] = uint32(lo)
			d.counters.RegisterWrites++
		} else {
			d.writeMemory(addr, unit, hi, lo)
		}
		d.counters.Entries++
	}
}

// RunCompletions services the completion queue from its own goroutine until
// stop is closed, the way an interrupt thread would.
func (d *Device) RunCompletions(stop <-chan struct{}, idle time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if d.Service(0) == 0 {
				time.Sleep(idle)
			}
		}
	}()
	return done
}
