// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wlist batches traffic manager configuration writes into DMA
// buffers of (address, data) entries and pushes them to the device through
// the transmit ring.
//
// Each buffer moves Filling -> Ready -> UnderDma and is released when its
// completion arrives, on purge after a hard push failure, or at Close.
// Configuration threads fill and flush; the completion handler runs from the
// ring's own execution context.  A single mutex per context guards all of it.
package wlist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/platinasystems/tm/elib"
	"github.com/platinasystems/tm/internal/dma"

	"github.com/platinasystems/log"
	"github.com/rcrowley/go-metrics"
)

const (
	// Every entry starts with a little endian 64 bit indirect address.
	AddressBytes = 8
	// Largest payload of a single entry.
	MaxUnit = 16
)

var (
	ErrExhausted   = errors.New("write list: buffer pool exhausted")
	ErrRingTimeout = errors.New("write list: transmit ring full")
	ErrClosed      = errors.New("write list: closed")
	ErrUnitSize    = errors.New("write list: unit size out of range")
	ErrStaleSlot   = errors.New("write list: stale slot")
)

type State int

const (
	Free State = iota
	Filling
	Ready
	UnderDma
	// Completed with error status; hardware may still own the buffer.
	Faulted
)

var stateNames = [...]string{
	Free:     "free",
	Filling:  "filling",
	Ready:    "ready",
	UnderDma: "under-dma",
	Faulted:  "faulted",
}

func (s State) String() string { return elib.Stringer(stateNames[:], int(s)) }

type descriptor struct {
	buf *dma.Buffer
	// Device address while mapped.
	dma    dma.Addr
	mapped bool
	tag    dma.Tag

	capacity uint
	used     uint
	// Payload bytes of every entry in this buffer.
	unit  uint
	state State

	// Entries charged by Acquire but not yet appended, by entry number.
	// The buffer is not pushed while any remain.
	unwritten  elib.Bitmap
	nUnwritten uint
}

func (d *descriptor) entrySize() uint { return d.unit + AddressBytes }

func (d *descriptor) charge() (offset uint) {
	offset = d.used
	d.used += d.entrySize()
	d.unwritten.Set(offset / d.entrySize())
	d.nUnwritten++
	return
}

// Slot is space for one entry charged by Acquire.
type Slot struct {
	index  uint32
	gen    uint32
	offset uint
}

type Context struct {
	// Used as log prefix.
	Name string

	cfg   Config
	alloc dma.Allocator
	ring  dma.Ring

	mu sync.Mutex

	// Arena of descriptors; nil entries are free pool indices.
	descs []*descriptor
	// Bumped each time an index is released so old Slots are detected.
	gens []uint32
	pool elib.Pool

	// Index of Filling descriptor or -1.
	filling int
	// Ready descriptors in creation order.
	ready    []uint32
	underDma map[uint32]struct{}
	faulted  map[uint32]struct{}
	byTag    map[dma.Tag]uint32
	inUse    uint
	closed   bool

	owners map[dma.Tag]dma.CompletionFunc

	registry metrics.Registry
	m        counters
}

type counters struct {
	allocated, pushed, kicks, ringFull, purged metrics.Counter
	completed, completionErrors                metrics.Counter
	unknownTags, anomalies                     metrics.Counter
	inUse                                      metrics.Gauge
}

// New creates a write list context and installs its completion handler on
// the ring.
func New(name string, cfg Config, alloc dma.Allocator, ring dma.Ring) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Context{
		Name:     name,
		cfg:      cfg,
		alloc:    alloc,
		ring:     ring,
		filling:  -1,
		underDma: make(map[uint32]struct{}),
		faulted:  make(map[uint32]struct{}),
		byTag:    make(map[dma.Tag]uint32),
		owners:   make(map[dma.Tag]dma.CompletionFunc),
		registry: metrics.NewRegistry(),
	}
	c.pool.SetMaxLen(cfg.MaxBuffers)
	r := c.registry
	c.m = counters{
		allocated:        metrics.GetOrRegisterCounter("wlist.allocated", r),
		pushed:           metrics.GetOrRegisterCounter("wlist.pushed", r),
		kicks:            metrics.GetOrRegisterCounter("wlist.kicks", r),
		ringFull:         metrics.GetOrRegisterCounter("wlist.ring_full", r),
		purged:           metrics.GetOrRegisterCounter("wlist.purged", r),
		completed:        metrics.GetOrRegisterCounter("wlist.completed", r),
		completionErrors: metrics.GetOrRegisterCounter("wlist.completion_errors", r),
		unknownTags:      metrics.GetOrRegisterCounter("wlist.unknown_tags", r),
		anomalies:        metrics.GetOrRegisterCounter("wlist.anomalies", r),
		inUse:            metrics.GetOrRegisterGauge("wlist.in_use", r),
	}
	ring.SetCompletionHandler(c.Complete)
	return c, nil
}

func (c *Context) Config() Config             { return c.cfg }
func (c *Context) Registry() metrics.Registry { return c.registry }

// RegisterOwner forwards completions of the given tag kind to fn.
func (c *Context) RegisterOwner(kind dma.Tag, fn dma.CompletionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[kind&dma.TagKindMask] = fn
}

// Acquire charges space for one entry of unit payload bytes, opening a new
// buffer when the filling one cannot take it.
func (c *Context) Acquire(unit uint) (s Slot, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquire(unit)
}

func (c *Context) acquire(unit uint) (s Slot, err error) {
	if c.closed {
		err = ErrClosed
		return
	}
	if unit == 0 || unit > MaxUnit {
		err = fmt.Errorf("%w: %d", ErrUnitSize, unit)
		return
	}
	entry := unit + AddressBytes
	if c.filling >= 0 {
		i := uint32(c.filling)
		d := c.descs[i]
		if d.unit == unit && d.used+entry <= d.capacity {
			s = Slot{index: i, gen: c.gens[i], offset: d.charge()}
			return
		}
		c.seal()
	}
	if c.inUse >= c.cfg.MaxBuffers {
		err = fmt.Errorf("%w: %d buffers in use", ErrExhausted, c.inUse)
		return
	}
	buf, aerr := c.alloc.Alloc(c.cfg.BufferSize)
	if aerr != nil {
		err = fmt.Errorf("%w: %v", ErrExhausted, aerr)
		return
	}
	i := uint32(c.pool.GetIndex(uint(len(c.descs))))
	if int(i) == len(c.descs) {
		c.descs = append(c.descs, nil)
		c.gens = append(c.gens, 0)
	}
	d := &descriptor{
		buf:      buf,
		tag:      dma.MakeTag(buf.Virt, dma.TagKindWriteList),
		capacity: c.cfg.BufferSize / entry * entry,
		unit:     unit,
		state:    Filling,
	}
	c.descs[i] = d
	c.byTag[d.tag] = i
	c.filling = int(i)
	c.inUse++
	c.m.allocated.Inc(1)
	c.m.inUse.Update(int64(c.inUse))
	s = Slot{index: i, gen: c.gens[i], offset: d.charge()}
	return
}

// Append stores one entry into space charged by Acquire.  Payload bytes are
// written low half first, least significant byte first.
func (c *Context) Append(s Slot, addr uint64, hi, lo uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.slot(s)
	if err != nil {
		return err
	}
	d.put(s.offset, addr, hi, lo)
	return nil
}

// pushable reports whether every charged entry has been appended.
func (d *descriptor) pushable() bool { return d.nUnwritten == 0 }

func (c *Context) slot(s Slot) (d *descriptor, err error) {
	if int(s.index) < len(c.descs) && c.gens[s.index] == s.gen {
		d = c.descs[s.index]
	}
	if d == nil || d.mapped || (d.state != Filling && d.state != Ready) {
		return nil, ErrStaleSlot
	}
	return
}

func (d *descriptor) put(offset uint, addr uint64, hi, lo uint64) {
	if d.unwritten.Unset(offset / d.entrySize()) {
		d.nUnwritten--
	}
	b := d.buf.Data[offset : offset+d.entrySize()]
	binary.LittleEndian.PutUint64(b, addr)
	b = b[AddressBytes:]
	for j := uint(0); j < d.unit; j++ {
		if j < 8 {
			b[j] = byte(lo >> (8 * j))
		} else {
			b[j] = byte(hi >> (8 * (j - 8)))
		}
	}
}

// Write acquires and appends one entry.  When the pool is exhausted it
// flushes and waits for completions up to the configured retry budget.
func (c *Context) Write(unit uint, addr uint64, hi, lo uint64) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.backoff()
	for try := 0; ; try++ {
		var s Slot
		if s, err = c.acquire(unit); err == nil {
			c.descs[s.index].put(s.offset, addr, hi, lo)
			return
		}
		if !errors.Is(err, ErrExhausted) || try >= c.cfg.ExhaustedRetries {
			return
		}
		if ferr := c.flush(); ferr != nil {
			return ferr
		}
		c.wait(b.Duration())
	}
}

// Seal closes the filling buffer so the next entry opens a new one.
func (c *Context) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seal()
}

func (c *Context) seal() {
	if c.filling < 0 {
		return
	}
	i := uint32(c.filling)
	c.descs[i].state = Ready
	c.ready = append(c.ready, i)
	c.filling = -1
}

// release unmaps and frees a descriptor's buffer and returns its index to
// the pool.  Caller must have removed it from every queue.
func (c *Context) release(i uint32, why string) {
	d := c.descs[i]
	if d.mapped {
		if err := c.alloc.Unmap(d.buf, d.dma); err != nil {
			log.Print("daemon", "err", fmt.Sprintf("%s: %s: unmap 0x%x: %v", c.Name, why, d.buf.Virt, err))
		}
		d.mapped = false
	}
	if err := c.alloc.Free(d.buf); err != nil {
		log.Print("daemon", "err", fmt.Sprintf("%s: %s: free 0x%x: %v", c.Name, why, d.buf.Virt, err))
	}
	delete(c.byTag, d.tag)
	d.state = Free
	c.descs[i] = nil
	c.gens[i]++
	c.pool.PutIndex(uint(i))
	c.inUse--
	c.m.inUse.Update(int64(c.inUse))
}

// unlink removes a descriptor from whatever queue holds it.
func (c *Context) unlink(i uint32) {
	if c.filling == int(i) {
		c.filling = -1
	}
	for k, r := range c.ready {
		if r == i {
			c.ready = append(c.ready[:k], c.ready[k+1:]...)
			break
		}
	}
	delete(c.underDma, i)
	delete(c.faulted, i)
}

type Stats struct {
	InUse, Filling, Ready, UnderDma, Faulted int

	Allocated, Pushed, Kicks, RingFull, Purged int64
	Completed, CompletionErrors                int64
	UnknownTags, Anomalies                     int64
}

func (c *Context) Stats() (s Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.InUse = int(c.inUse)
	if c.filling >= 0 {
		s.Filling = 1
	}
	s.Ready = len(c.ready)
	s.UnderDma = len(c.underDma)
	s.Faulted = len(c.faulted)
	s.Allocated = c.m.allocated.Count()
	s.Pushed = c.m.pushed.Count()
	s.Kicks = c.m.kicks.Count()
	s.RingFull = c.m.ringFull.Count()
	s.Purged = c.m.purged.Count()
	s.Completed = c.m.completed.Count()
	s.CompletionErrors = c.m.completionErrors.Count()
	s.UnknownTags = c.m.unknownTags.Count()
	s.Anomalies = c.m.anomalies.Count()
	return
}

func (s Stats) String() string {
	return fmt.Sprintf("in-use %d filling %d ready %d under-dma %d faulted %d",
		s.InUse, s.Filling, s.Ready, s.UnderDma, s.Faulted)
}

// Check verifies pool invariants.
func (c *Context) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse > c.cfg.MaxBuffers {
		return fmt.Errorf("%s: %d buffers in use, max %d", c.Name, c.inUse, c.cfg.MaxBuffers)
	}
	live := uint(0)
	nFilling := 0
	for i, d := range c.descs {
		if d == nil {
			if !c.pool.IsFree(uint(i)) {
				return fmt.Errorf("%s: index %d neither live nor free", c.Name, i)
			}
			continue
		}
		live++
		idx := uint32(i)
		queues := 0
		if c.filling == i {
			queues++
		}
		for _, r := range c.ready {
			if r == idx {
				queues++
			}
		}
		if _, ok := c.underDma[idx]; ok {
			queues++
		}
		if _, ok := c.faulted[idx]; ok {
			queues++
		}
		if queues != 1 {
			return fmt.Errorf("%s: descriptor %d %v on %d queues", c.Name, i, d.state, queues)
		}
		if d.state == Filling {
			nFilling++
		}
		if j, ok := c.byTag[d.tag]; !ok || j != idx {
			return fmt.Errorf("%s: descriptor %d tag 0x%x not indexed", c.Name, i, uint64(d.tag))
		}
		if d.used > d.capacity || d.used%d.entrySize() != 0 {
			return fmt.Errorf("%s: descriptor %d used %d capacity %d", c.Name, i, d.used, d.capacity)
		}
		if d.nUnwritten != d.unwritten.Count() || (d.mapped && d.nUnwritten != 0) {
			return fmt.Errorf("%s: descriptor %d %v mapped %v with %d entries not appended",
				c.Name, i, d.state, d.mapped, d.nUnwritten)
		}
	}
	switch {
	case nFilling > 1:
		return fmt.Errorf("%s: %d filling descriptors", c.Name, nFilling)
	case live != c.inUse:
		return fmt.Errorf("%s: %d live descriptors, in use %d", c.Name, live, c.inUse)
	case uint(len(c.byTag)) != live:
		return fmt.Errorf("%s: %d tags for %d descriptors", c.Name, len(c.byTag), live)
	}
	return nil
}
