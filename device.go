// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tm programs the traffic manager of a switch ASIC: buffer
// admission hysteresis profiles, port shapers and the write path that
// carries configuration into device registers and memories.
//
// Writes go directly to hardware unless the device is inside a batch, in
// fast reconfig (locked) mode or configured for batch mode; those writes are
// queued on a DMA write list.  Every read first drains the write list.
package tm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/platinasystems/tm/internal/dma"
	"github.com/platinasystems/tm/internal/hyst"
	"github.com/platinasystems/tm/internal/shaper"
	"github.com/platinasystems/tm/internal/warmboot"
	"github.com/platinasystems/tm/internal/wlist"

	"github.com/platinasystems/log"
)

// Hardware is direct (PIO) register and indirect memory access.
type Hardware interface {
	WriteRegister(offset uint32, v uint32) error
	ReadRegister(offset uint32) (uint32, error)
	WriteMemory(addr uint64, size int, hi, lo uint64) error
	ReadMemory(addr uint64, size int) (hi, lo uint64, err error)
}

var (
	ErrNotBatching  = errors.New("tm: no batch in progress")
	ErrInvalidIndex = errors.New("tm: index out of range")
	ErrSize         = errors.New("tm: access size out of range")
)

type Device struct {
	Config
	Name string

	Ingress, Egress *hyst.Allocator
	Shaper          shaper.Codec
	Store           warmboot.Store

	hw    Hardware
	alloc dma.Allocator
	ring  dma.Ring

	policy shaper.Policy

	mu     sync.Mutex
	wl     *wlist.Context
	batch  int
	locked bool

	// Serializes allocator use.
	hystMu sync.Mutex
	// Serializes Reconfigure.
	reconfMu sync.Mutex
}

// New brings up a device context.  Hysteresis tables restore lazily from
// hardware on first use; call ColdBoot to start from power on state instead.
func New(cfg Config, hw Hardware, alloc dma.Allocator, ring dma.Ring) (d *Device, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	d = &Device{
		Config: cfg,
		Name:   fmt.Sprintf("tm%d.%d", cfg.Device, cfg.Subdevice),
		Shaper: shaper.Codec{ClockKHz: cfg.ClockKHz},
		Store:  warmboot.NewMemoryStore(),
		hw:     hw,
		alloc:  alloc,
		ring:   ring,
	}
	d.policy, _ = shaper.ParsePolicy(cfg.ShaperPolicy)
	if d.wl, err = wlist.New(d.Name, cfg.WriteList, alloc, ring); err != nil {
		return nil, err
	}
	if d.Ingress, err = hyst.New(d.hystConfig("wac"), &profileTable{d, wacResumeProfile}); err != nil {
		return nil, err
	}
	if d.Egress, err = hyst.New(d.hystConfig("qac"), &profileTable{d, qacResumeProfile}); err != nil {
		return nil, err
	}
	return
}

func (d *Device) hystConfig(name string) hyst.Config {
	return hyst.Config{
		Name:       d.Name + "." + name,
		Pipes:      d.Pipes,
		Minimum:    d.Hysteresis.Minimum,
		ResetValue: d.Hysteresis.ResetValue,
		FieldMask:  profileMask,
		ASIC:       d.ASIC,
	}
}

// Pool is the device's current write list context.
func (d *Device) Pool() *wlist.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wl
}

// writeList returns the context writes should be queued on, nil for direct
// writes.
func (d *Device) writeList() *wlist.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.batch > 0 || d.locked || d.BatchMode {
		return d.wl
	}
	return nil
}

func (d *Device) WriteRegister(offset uint32, v uint32) error {
	if wl := d.writeList(); wl != nil {
		return wl.Write(4, dma.RegisterSpace|uint64(offset), 0, uint64(v))
	}
	return d.hw.WriteRegister(offset, v)
}

func (d *Device) WriteMemory(addr uint64, size int, hi, lo uint64) error {
	if size <= 0 || size > wlist.MaxUnit {
		return fmt.Errorf("%w: %d", ErrSize, size)
	}
	if wl := d.writeList(); wl != nil {
		return wl.Write(uint(size), addr, hi, lo)
	}
	return d.hw.WriteMemory(addr, size, hi, lo)
}

// ReadRegister waits for queued writes to land first.
func (d *Device) ReadRegister(offset uint32) (uint32, error) {
	if err := d.Pool().CompleteOperations(); err != nil {
		return 0, err
	}
	return d.hw.ReadRegister(offset)
}

func (d *Device) ReadMemory(addr uint64, size int) (hi, lo uint64, err error) {
	if size <= 0 || size > wlist.MaxUnit {
		err = fmt.Errorf("%w: %d", ErrSize, size)
		return
	}
	if err = d.Pool().CompleteOperations(); err != nil {
		return
	}
	return d.hw.ReadMemory(addr, size)
}

// BeginBatch queues writes until the matching EndBatch.  Batches nest.
func (d *Device) BeginBatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batch++
}

// EndBatch pushes the batch's writes when the outermost batch ends.
func (d *Device) EndBatch() error {
	d.mu.Lock()
	if d.batch == 0 {
		d.mu.Unlock()
		return ErrNotBatching
	}
	d.batch--
	wl, flush := d.wl, d.batch == 0
	d.mu.Unlock()
	if flush {
		return wl.Flush()
	}
	return nil
}

// Flush pushes queued writes without waiting for them to land.
func (d *Device) Flush() error { return d.Pool().Flush() }

// EnterFastReconfig queues all writes until ExitFastReconfig.
func (d *Device) EnterFastReconfig() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = true
}

func (d *Device) ExitFastReconfig() error {
	d.mu.Lock()
	d.locked = false
	wl := d.wl
	d.mu.Unlock()
	return wl.CompleteOperations()
}

// Reconfigure tears down the write list with a forced drain and starts a
// new one.  Writes routed while the old list drains fail with
// wlist.ErrClosed.  Hysteresis tables are read back from hardware on next
// use.
func (d *Device) Reconfigure() error {
	d.reconfMu.Lock()
	defer d.reconfMu.Unlock()

	old := d.Pool()
	// The new list takes over the ring's completion handler so the old one
	// must finish draining first.
	err := old.Close()
	if err != nil {
		log.Print("daemon", "err", d.Name, ": reconfigure: ", err)
	}
	wl, nerr := wlist.New(d.Name, d.Config.WriteList, d.alloc, d.ring)
	if nerr != nil {
		return nerr
	}
	d.mu.Lock()
	d.wl = wl
	d.batch = 0
	d.mu.Unlock()

	d.hystMu.Lock()
	defer d.hystMu.Unlock()
	d.Ingress.Invalidate()
	d.Egress.Invalidate()
	return err
}

// Remove tears down the device context.
func (d *Device) Remove() error {
	return d.Pool().Close()
}

// Stats of the current write list.
func (d *Device) Stats() wlist.Stats { return d.Pool().Stats() }
