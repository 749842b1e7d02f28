// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hyst allocates slots of the per pipe hysteresis (resume offset)
// profile tables shared by admission control entities.  Ingress and egress
// admission each own one Allocator.
package hyst

import (
	"errors"
	"fmt"

	"github.com/platinasystems/log"
)

const (
	Slots = 32
	// Returned by GetIndex when no slot holds the value.
	NotFound = Slots
	// Profile values are programmed in units of 8 buffer cells.
	CellsPerUnit = 8
)

var (
	ErrResourceExhausted = errors.New("hysteresis: profile table full")
	ErrNotFound          = errors.New("hysteresis: value not in profile table")
	ErrMismatch          = errors.New("hysteresis: profile index mismatch")
	ErrInvalidPipe       = errors.New("hysteresis: invalid pipe")
	ErrOutOfRange        = errors.New("hysteresis: value wider than profile field")
)

// Hardware reads and writes one profile table entry.
type Hardware interface {
	ReadProfile(pipe, slot int) (uint32, error)
	WriteProfile(pipe, slot int, v uint32) error
}

type Config struct {
	// Used as log prefix.
	Name string
	// Active physical pipes.
	Pipes []int
	// Power on reset minimum in 8 cell units.  Dynamic sharing needs
	// non-zero hysteresis so smaller values are raised to it.
	Minimum uint32
	// Raw hardware power on value of unused slots.
	ResetValue uint32
	// Width of the hardware field.
	FieldMask uint32
	// False for simulation targets whose readback is unreliable.
	ASIC bool
}

func DefaultConfig(name string) Config {
	return Config{
		Name:       name,
		Pipes:      []int{0, 1, 2, 3},
		Minimum:    2,
		ResetValue: 0xfff,
		FieldMask:  0xfff,
		ASIC:       true,
	}
}

// PowerOnValue is the hardware reset value of the given slot.
func (c *Config) PowerOnValue(slot int) uint32 {
	if slot == 0 {
		return c.Minimum
	}
	return c.ResetValue
}

type table struct {
	active bool
	values [Slots]uint32
	// Occupied slots; zero until restored.
	count int
}

type Allocator struct {
	cfg      Config
	hw       Hardware
	tables   []table
	restored bool
}

func New(cfg Config, hw Hardware) (*Allocator, error) {
	a := &Allocator{cfg: cfg, hw: hw}
	for _, p := range cfg.Pipes {
		if p < 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPipe, p)
		}
		for len(a.tables) <= p {
			a.tables = append(a.tables, table{})
		}
		a.tables[p].active = true
	}
	return a, nil
}

func (a *Allocator) Name() string { return a.cfg.Name }

// Units converts a cell count to profile units raised to the minimum.
func (a *Allocator) Units(cells uint32) uint32 {
	v := cells / CellsPerUnit
	if v < a.cfg.Minimum {
		v = a.cfg.Minimum
	}
	return v
}

func (a *Allocator) table(pipe int) (*table, error) {
	if pipe < 0 || pipe >= len(a.tables) || !a.tables[pipe].active {
		return nil, fmt.Errorf("%s: %w: %d", a.cfg.Name, ErrInvalidPipe, pipe)
	}
	if !a.restored {
		if err := a.Restore(); err != nil {
			return nil, err
		}
	}
	return &a.tables[pipe], nil
}

func (t *table) find(v uint32) int {
	for i := range t.values {
		if t.values[i] == v {
			return i
		}
	}
	return NotFound
}

// reusable returns slots holding a default or reset value other than the
// first of each.
func (t *table) reusable(min, reset uint32) (r []int) {
	seenReset, seenDefault := false, false
	for i, v := range t.values {
		switch {
		case v == reset:
			if seenReset {
				r = append(r, i)
			}
			seenReset = true
		case v <= min:
			if seenDefault {
				r = append(r, i)
			}
			seenDefault = true
		}
	}
	return
}

func (t *table) recount(min, reset uint32) {
	t.count = Slots - len(t.reusable(min, reset))
}

// GetIndex returns the slot holding the profile value for cells, or
// NotFound.
func (a *Allocator) GetIndex(pipe int, cells uint32) (int, error) {
	t, err := a.table(pipe)
	if err != nil {
		return NotFound, err
	}
	return t.find(a.Units(cells)), nil
}

// Populate returns the slot holding the profile value for cells, claiming
// and programming a reusable slot if none does.  In use slots are never
// evicted.
func (a *Allocator) Populate(pipe int, cells uint32) (int, error) {
	t, err := a.table(pipe)
	if err != nil {
		return NotFound, err
	}
	v := a.Units(cells)
	if a.cfg.FieldMask != 0 && v&^a.cfg.FieldMask != 0 {
		return NotFound, fmt.Errorf("%s: pipe %d value %d: %w", a.cfg.Name, pipe, v, ErrOutOfRange)
	}
	if i := t.find(v); i != NotFound {
		return i, nil
	}
	if t.count > 0 && t.count < Slots {
		if r := t.reusable(a.cfg.Minimum, a.cfg.ResetValue); len(r) > 0 {
			i := r[0]
			if err = a.hw.WriteProfile(pipe, i, v); err != nil {
				return NotFound, err
			}
			t.values[i] = v
			t.count++
			return i, nil
		}
	}
	log.Print("daemon", "warn", a.cfg.Name, ": pipe ", pipe, ": no free slot for ", v)
	return NotFound, fmt.Errorf("%s: pipe %d value %d: %w", a.cfg.Name, pipe, v, ErrResourceExhausted)
}

// Restore reads every active pipe's table back from hardware and recomputes
// occupancy.  Runs lazily on first use and explicitly after a hitless
// restart.
func (a *Allocator) Restore() error {
	for p := range a.tables {
		t := &a.tables[p]
		if !t.active {
			continue
		}
		substituted := 0
		for i := range t.values {
			v, err := a.hw.ReadProfile(p, i)
			if a.cfg.ASIC {
				if err != nil {
					return fmt.Errorf("%s: restore pipe %d slot %d: %w", a.cfg.Name, p, i, err)
				}
			} else if err != nil || v&^a.cfg.FieldMask != 0 {
				v = a.cfg.PowerOnValue(i)
				substituted++
			}
			t.values[i] = v
		}
		t.recount(a.cfg.Minimum, a.cfg.ResetValue)
		if substituted > 0 {
			log.Print("daemon", "debug", a.cfg.Name, ": pipe ", p, ": ", substituted, " slots normalized")
		}
	}
	a.restored = true
	return nil
}

// Reset builds power on tables for a cold boot without reading hardware.
func (a *Allocator) Reset() {
	for p := range a.tables {
		t := &a.tables[p]
		for i := range t.values {
			t.values[i] = a.cfg.PowerOnValue(i)
		}
		t.recount(a.cfg.Minimum, a.cfg.ResetValue)
	}
	a.restored = true
}

// Invalidate forces the next use to restore from hardware.
func (a *Allocator) Invalidate() { a.restored = false }

// Verify checks that cells maps to the index recorded elsewhere, for
// example embedded in a register restored after a hitless restart.
func (a *Allocator) Verify(pipe int, cells uint32, expected int) error {
	i, err := a.GetIndex(pipe, cells)
	switch {
	case err != nil:
		return err
	case i == NotFound:
		return fmt.Errorf("%s: pipe %d value %d: %w", a.cfg.Name, pipe, a.Units(cells), ErrNotFound)
	case i != expected:
		return fmt.Errorf("%s: pipe %d value %d: index %d expected %d: %w",
			a.cfg.Name, pipe, a.Units(cells), i, expected, ErrMismatch)
	}
	return nil
}

// Table returns a copy of a pipe's table and its occupancy.
func (a *Allocator) Table(pipe int) (values [Slots]uint32, count int, err error) {
	t, err := a.table(pipe)
	if err != nil {
		return
	}
	return t.values, t.count, nil
}
