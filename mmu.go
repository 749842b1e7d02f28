// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tm

import (
	"errors"
	"fmt"

	"github.com/platinasystems/tm/internal/hyst"
	"github.com/platinasystems/tm/internal/shaper"
	"github.com/platinasystems/tm/internal/warmboot"

	"github.com/platinasystems/log"
)

// profileTable accesses a hysteresis profile table through the device so
// profile writes follow the current write routing.
type profileTable struct {
	d    *Device
	regs regArray
}

func (t *profileTable) offset(pipe, slot int) uint32 {
	return uint32(t.regs.offset(pipe*hyst.Slots + slot))
}

func (t *profileTable) ReadProfile(pipe, slot int) (uint32, error) {
	return t.d.ReadRegister(t.offset(pipe, slot))
}

func (t *profileTable) WriteProfile(pipe, slot int, v uint32) error {
	return t.d.WriteRegister(t.offset(pipe, slot), v&profileMask)
}

type admission struct {
	dir     string
	alloc   func(d *Device) *hyst.Allocator
	regs    regArray
	perPort int
}

var (
	pgAdmission = admission{
		dir:     "wac",
		alloc:   func(d *Device) *hyst.Allocator { return d.Ingress },
		regs:    pgConfig,
		perPort: PGsPerPort,
	}
	queueAdmission = admission{
		dir:     "qac",
		alloc:   func(d *Device) *hyst.Allocator { return d.Egress },
		regs:    queueConfig,
		perPort: QueuesPerPort,
	}
	admissions = map[string]*admission{
		pgAdmission.dir:    &pgAdmission,
		queueAdmission.dir: &queueAdmission,
	}
)

func (a *admission) index(pipe, port, entry int) (int, error) {
	if pipe < 0 || pipe >= MaxPipes || port < 0 || port >= PortsPerPipe ||
		entry < 0 || entry >= a.perPort {
		return 0, fmt.Errorf("%w: %s pipe %d port %d entry %d", ErrInvalidIndex, a.dir, pipe, port, entry)
	}
	return (pipe*PortsPerPipe+port)*a.perPort + entry, nil
}

func (d *Device) setAdmission(a *admission, pipe, port, entry int, limitCells, hystCells uint32) error {
	i, err := a.index(pipe, port, entry)
	if err != nil {
		return err
	}
	d.hystMu.Lock()
	defer d.hystMu.Unlock()
	profile, err := a.alloc(d).Populate(pipe, hystCells)
	if err != nil {
		return err
	}
	if err = d.WriteMemory(a.regs.offset(i), admitBytes, 0, admitEntry(profile, limitCells)); err != nil {
		return err
	}
	return d.Store.Record(warmboot.Record{
		Dir:   a.dir,
		Pipe:  pipe,
		Port:  port,
		Entry: entry,
		Cells: hystCells,
		Index: profile,
	})
}

func (d *Device) readAdmission(a *admission, pipe, port, entry int) (limitCells uint32, profile int, err error) {
	i, err := a.index(pipe, port, entry)
	if err != nil {
		return
	}
	_, v, err := d.ReadMemory(a.regs.offset(i), admitBytes)
	if err != nil {
		return
	}
	profile, limitCells = admitFields(v)
	return
}

// SetPGHysteresis programs a priority group's limit and resume offset.
func (d *Device) SetPGHysteresis(pipe, port, pg int, limitCells, hystCells uint32) error {
	return d.setAdmission(&pgAdmission, pipe, port, pg, limitCells, hystCells)
}

func (d *Device) PGConfig(pipe, port, pg int) (limitCells uint32, profile int, err error) {
	return d.readAdmission(&pgAdmission, pipe, port, pg)
}

// SetQueueHysteresis programs a queue's limit and resume offset.
func (d *Device) SetQueueHysteresis(pipe, port, queue int, limitCells, hystCells uint32) error {
	return d.setAdmission(&queueAdmission, pipe, port, queue, limitCells, hystCells)
}

func (d *Device) QueueConfig(pipe, port, queue int) (limitCells uint32, profile int, err error) {
	return d.readAdmission(&queueAdmission, pipe, port, queue)
}

func (d *Device) shaperIndex(pipe, port int) (int, error) {
	i := pipe*PortsPerPipe + port
	if pipe < 0 || pipe >= MaxPipes || port < 0 || port >= PortsPerPipe {
		return 0, fmt.Errorf("%w: shaper pipe %d port %d", ErrInvalidIndex, pipe, port)
	}
	return i, nil
}

// SetPortShaper programs a port's egress shaper; a zero rate disables it.
// Rates out of range program a zero (disabled) rate, matching hardware
// saturation; the caller sees it only on readback.
func (d *Device) SetPortShaper(pipe, port int, rate uint64, burstBytes uint32, pps bool) error {
	i, err := d.shaperIndex(pipe, port)
	if err != nil {
		return err
	}
	e := shaperEntry{pps: pps, enable: rate != 0}
	e.burstMantissa, e.burstExponent = shaper.EncodeBurst(burstBytes)
	e.rateMantissa, e.rateExponent = d.Shaper.EncodeRateAdv(rate, burstBytes, pps, d.policy)
	if d.Shaper.Saturated(rate, pps) {
		log.Print("daemon", "warn", d.Name, ": pipe ", pipe, " port ", port, ": shaper rate ", rate, " not representable")
	}
	return d.WriteMemory(portShaper.offset(i), shaperBytes, 0, uint64(e.encode()))
}

// PortShaper reads back a port's shaper as programmed.
func (d *Device) PortShaper(pipe, port int) (rate uint64, burstBytes uint32, pps, enable bool, err error) {
	i, err := d.shaperIndex(pipe, port)
	if err != nil {
		return
	}
	_, v, err := d.ReadMemory(portShaper.offset(i), shaperBytes)
	if err != nil {
		return
	}
	var e shaperEntry
	e.decode(uint32(v))
	rate = d.Shaper.DecodeRate(e.rateMantissa, e.rateExponent, e.pps)
	burstBytes = shaper.DecodeBurst(e.burstMantissa, e.burstExponent)
	return rate, burstBytes, e.pps, e.enable, nil
}

// ColdBoot starts hysteresis tables from power on state and discards warm
// boot records of any previous run.
func (d *Device) ColdBoot() error {
	d.hystMu.Lock()
	defer d.hystMu.Unlock()
	d.Ingress.Reset()
	d.Egress.Reset()
	return d.Store.Begin()
}

// RestoreHysteresis reads both profile tables back from hardware.
func (d *Device) RestoreHysteresis() error {
	d.hystMu.Lock()
	defer d.hystMu.Unlock()
	if err := d.Ingress.Restore(); err != nil {
		return err
	}
	return d.Egress.Restore()
}

// VerifyHysteresis checks every recorded admission entry against the
// restored profile tables.  The profile index embedded in each programmed
// entry must be where the table holds the recorded value.
func (d *Device) VerifyHysteresis() error {
	rs, err := d.Store.Records()
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range rs {
		a := admissions[r.Dir]
		if a == nil {
			errs = append(errs, fmt.Errorf("%s: unknown admission %q", r.Key(), r.Dir))
			continue
		}
		_, profile, err := d.readAdmission(a, r.Pipe, r.Port, r.Entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if profile != r.Index {
			errs = append(errs, fmt.Errorf("%s: programmed profile %d recorded %d: %w",
				r.Key(), profile, r.Index, hyst.ErrMismatch))
			continue
		}
		d.hystMu.Lock()
		err = a.alloc(d).Verify(r.Pipe, r.Cells, profile)
		d.hystMu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Key(), err))
		}
	}
	if err = errors.Join(errs...); err != nil {
		log.Print("daemon", "err", d.Name, ": warm boot verify: ", len(errs), " entries inconsistent")
	}
	return err
}

// WarmBoot rebuilds software state after a hitless restart.
func (d *Device) WarmBoot() error {
	if err := d.RestoreHysteresis(); err != nil {
		return err
	}
	return d.VerifyHysteresis()
}
