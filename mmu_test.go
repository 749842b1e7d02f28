// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tm

import (
	"errors"
	"testing"

	"github.com/platinasystems/tm/internal/hyst"
	"github.com/platinasystems/tm/internal/shaper"
	"github.com/platinasystems/tm/internal/sim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileReg(r regArray, pipe, slot int) uint32 {
	return uint32(r.offset(pipe*hyst.Slots + slot))
}

func TestPGHysteresis(t *testing.T) {
	d, hw := newTest(t, nil)
	require.NoError(t, d.ColdBoot())

	require.NoError(t, d.SetPGHysteresis(0, 1, 2, 1000, 800))
	limit, profile, err := d.PGConfig(0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), limit)
	assert.Equal(t, 2, profile)

	v, err := hw.ReadRegister(profileReg(wacResumeProfile, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, uint32(100), v)

	// Shared profile; no further profile write.
	writes := hw.Counters().RegisterWrites
	require.NoError(t, d.SetPGHysteresis(0, 5, 7, 2000, 800))
	_, profile, err = d.PGConfig(0, 5, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, profile)
	assert.Equal(t, writes, hw.Counters().RegisterWrites)

	// Egress table is independent; small values share the minimum slot.
	require.NoError(t, d.SetQueueHysteresis(1, 0, 9, 500, 4))
	limit, profile, err = d.QueueConfig(1, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(500), limit)
	assert.Equal(t, 0, profile)
	i, err := d.Egress.GetIndex(1, 800)
	require.NoError(t, err)
	assert.Equal(t, hyst.NotFound, i)

	rs, err := d.Store.Records()
	require.NoError(t, err)
	assert.Len(t, rs, 3)
}

func TestHysteresisInBatch(t *testing.T) {
	d, hw := newTest(t, nil)
	require.NoError(t, d.ColdBoot())
	d.BeginBatch()
	for port := 0; port < 4; port++ {
		require.NoError(t, d.SetPGHysteresis(2, port, 0, 1000, uint32(100+port)*8))
	}
	assert.Equal(t, 0, hw.Counters().RegisterWrites)
	require.NoError(t, d.EndBatch())
	for port := 0; port < 4; port++ {
		_, profile, err := d.PGConfig(2, port, 0)
		require.NoError(t, err)
		assert.Equal(t, 2+port, profile)
		v, err := hw.ReadRegister(profileReg(wacResumeProfile, 2, profile))
		require.NoError(t, err)
		assert.Equal(t, uint32(100+port), v)
	}
}

func TestHysteresisExhausted(t *testing.T) {
	d, _ := newTest(t, nil)
	require.NoError(t, d.ColdBoot())
	for n := 0; n < hyst.Slots-2; n++ {
		require.NoError(t, d.SetQueueHysteresis(3, n, 0, 100, uint32(50+n)*8))
	}
	err := d.SetQueueHysteresis(3, 31, 0, 100, 999*8)
	assert.True(t, errors.Is(err, hyst.ErrResourceExhausted), "got %v", err)
	// Existing mappings are untouched.
	_, profile, err := d.QueueConfig(3, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, profile)
	require.NoError(t, d.VerifyHysteresis())
}

func TestHysteresisTooWide(t *testing.T) {
	d, hw := newTest(t, nil)
	require.NoError(t, d.ColdBoot())
	writes := hw.Counters()
	err := d.SetPGHysteresis(0, 0, 0, 4096, 8*0x1005)
	assert.True(t, errors.Is(err, hyst.ErrOutOfRange), "got %v", err)
	assert.Equal(t, writes, hw.Counters())
	rs, err := d.Store.Records()
	require.NoError(t, err)
	assert.Empty(t, rs)
	require.NoError(t, d.WarmBoot())
}

func TestWarmBoot(t *testing.T) {
	cfg := testConfig()
	hw := newSimHW(&cfg)
	d, err := New(cfg, hw, hw, hw)
	require.NoError(t, err)
	require.NoError(t, d.ColdBoot())
	require.NoError(t, d.SetPGHysteresis(0, 0, 0, 1000, 800))
	require.NoError(t, d.SetPGHysteresis(0, 1, 3, 1000, 1600))
	require.NoError(t, d.SetPGHysteresis(1, 2, 7, 1000, 8))
	require.NoError(t, d.SetQueueHysteresis(0, 4, 1, 1000, 2400))
	require.NoError(t, d.SetQueueHysteresis(3, 33, 9, 1000, 800))
	require.NoError(t, d.Remove())

	// Restart over the same hardware and records.
	w, err := New(cfg, hw, hw, hw)
	require.NoError(t, err)
	w.Store = d.Store
	require.NoError(t, w.WarmBoot())

	rs, err := w.Store.Records()
	require.NoError(t, err)
	require.Len(t, rs, 5)
	for _, r := range rs {
		a := w.Ingress
		if r.Dir == "qac" {
			a = w.Egress
		}
		i, err := a.GetIndex(r.Pipe, r.Cells)
		require.NoError(t, err)
		assert.Equal(t, r.Index, i, r.Key())
		assert.NoError(t, a.Verify(r.Pipe, r.Cells, i), r.Key())
	}

	// Programmed entry disagrees with the record.
	i, err := pgAdmission.index(0, 1, 3)
	require.NoError(t, err)
	require.NoError(t, hw.WriteMemory(pgConfig.offset(i), admitBytes, 0, admitEntry(9, 1000)))
	err = w.WarmBoot()
	assert.True(t, errors.Is(err, hyst.ErrMismatch), "got %v", err)
	require.NoError(t, hw.WriteMemory(pgConfig.offset(i), admitBytes, 0, admitEntry(3, 1000)))
	require.NoError(t, w.WarmBoot())

	// Profile table lost the value.
	require.NoError(t, hw.WriteRegister(profileReg(qacResumeProfile, 0, 2), 0x123))
	err = w.WarmBoot()
	assert.True(t, errors.Is(err, hyst.ErrNotFound), "got %v", err)
}

func TestUnreliableReadback(t *testing.T) {
	d, hw := newTest(t, nil)
	hw.SetFaults(sim.Faults{UnreliableReads: map[uint32]uint32{
		profileReg(wacResumeProfile, 0, 5): 0xdeadbeef,
	}})
	require.NoError(t, d.RestoreHysteresis())
	v, count, err := d.Ingress.Table(0)
	require.NoError(t, err)
	assert.Equal(t, d.Hysteresis.ResetValue, v[5])
	assert.Equal(t, 2, count)
}

func TestPortShaper(t *testing.T) {
	d, _ := newTest(t, nil)
	policy, err := shaper.ParsePolicy(d.ShaperPolicy)
	require.NoError(t, err)
	for _, tc := range []struct {
		rate  uint64
		burst uint32
		pps   bool
	}{
		{10000, 15 << 10, false},
		{250000, 9000, false},
		{1000000, 12 << 8, true},
	} {
		require.NoError(t, d.SetPortShaper(1, 7, tc.rate, tc.burst, tc.pps))
		rate, burst, pps, enable, err := d.PortShaper(1, 7)
		require.NoError(t, err)
		m, e := d.Shaper.EncodeRateAdv(tc.rate, tc.burst, tc.pps, policy)
		assert.Equal(t, d.Shaper.DecodeRate(m, e, tc.pps), rate)
		assert.True(t, shaper.BurstEquivalent(tc.burst, burst))
		assert.Equal(t, tc.pps, pps)
		assert.True(t, enable)
	}

	// Saturated rates program zero.
	require.NoError(t, d.SetPortShaper(0, 0, 1, 1000, false))
	rate, _, _, enable, err := d.PortShaper(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rate)
	assert.True(t, enable)

	require.NoError(t, d.SetPortShaper(0, 0, 0, 0, false))
	_, _, _, enable, err = d.PortShaper(0, 0)
	require.NoError(t, err)
	assert.False(t, enable)
}

func TestInvalidIndex(t *testing.T) {
	d, _ := newTest(t, nil)
	require.NoError(t, d.ColdBoot())
	for _, tc := range [][3]int{{4, 0, 0}, {-1, 0, 0}, {0, PortsPerPipe, 0}, {0, 0, PGsPerPort}} {
		err := d.SetPGHysteresis(tc[0], tc[1], tc[2], 100, 100)
		assert.True(t, errors.Is(err, ErrInvalidIndex), "%v: got %v", tc, err)
	}
	err := d.SetQueueHysteresis(0, 0, QueuesPerPort, 100, 100)
	assert.True(t, errors.Is(err, ErrInvalidIndex), "got %v", err)
	err = d.SetPortShaper(0, PortsPerPipe, 1000, 1000, false)
	assert.True(t, errors.Is(err, ErrInvalidIndex), "got %v", err)
}

func TestEntryFields(t *testing.T) {
	i, limit := admitFields(admitEntry(31, 123456))
	assert.Equal(t, 31, i)
	assert.Equal(t, uint32(123456), limit)

	s := shaperEntry{rateMantissa: 1023, rateExponent: 15, burstMantissa: 9, burstExponent: 4, pps: true, enable: true}
	var x shaperEntry
	x.decode(s.encode())
	assert.Equal(t, s, x)
}
