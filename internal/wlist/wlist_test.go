// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wlist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/platinasystems/tm/internal/dma"
	"github.com/platinasystems/tm/internal/sim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	// Four 16 byte entries or eight 4 byte entries per buffer.
	cfg.BufferSize = 96
	cfg.MaxBuffers = 8
	cfg.RetryInterval = time.Microsecond
	cfg.MaxRetryInterval = time.Microsecond
	return cfg
}

func newTest(t *testing.T, cfg Config) (*Context, *sim.Device) {
	dev := sim.New(sim.Config{})
	c, err := New(t.Name(), cfg, dev, dev)
	require.NoError(t, err)
	return c, dev
}

func appendOne(t *testing.T, c *Context, unit uint, addr, hi, lo uint64) Slot {
	s, err := c.Acquire(unit)
	require.NoError(t, err)
	require.NoError(t, c.Append(s, addr, hi, lo))
	return s
}

func TestCoalescing(t *testing.T) {
	c, _ := newTest(t, testConfig())
	for i := uint64(0); i < 3; i++ {
		appendOne(t, c, 4, 0x100+4*i, 0, i)
	}
	if got, want := c.Stats().Allocated, int64(1); got != want {
		t.Errorf("allocated after 3 appends: got %v want %v", got, want)
	}
	c.Seal()
	appendOne(t, c, 4, 0x200, 0, 0)
	s := c.Stats()
	if got, want := s.Allocated, int64(2); got != want {
		t.Errorf("allocated after seal: got %v want %v", got, want)
	}
	if got, want := s.Ready, 1; got != want {
		t.Errorf("ready: got %v want %v", got, want)
	}
	require.NoError(t, c.Check())
}

func TestEntryLayout(t *testing.T) {
	c, _ := newTest(t, testConfig())
	appendOne(t, c, 4, 0x10, 0, 0xaabbccdd)
	appendOne(t, c, 4, 0x14, 0, 0x11223344)
	d := c.descs[c.filling]
	b := d.buf.Data
	assert.Equal(t, uint64(0x10), binary.LittleEndian.Uint64(b[0:]))
	assert.Equal(t, []byte{0xdd, 0xcc, 0xbb, 0xaa}, b[8:12])
	assert.Equal(t, uint64(0x14), binary.LittleEndian.Uint64(b[12:]))
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, b[20:24])
	// 96 bytes hold 8 entries of 12 bytes.
	assert.Equal(t, uint(96), d.capacity)

	c.Seal()
	appendOne(t, c, 16, 0x20, 0x0f0e0d0c0b0a0908, 0x0706050403020100)
	d = c.descs[c.filling]
	for j := 0; j < 16; j++ {
		if got, want := d.buf.Data[8+j], byte(j); got != want {
			t.Errorf("payload byte %d: got %v want %v", j, got, want)
		}
	}
	// 96 bytes hold 4 entries of 24 bytes.
	assert.Equal(t, uint(96), d.capacity)
}

func TestUnitMismatchSeals(t *testing.T) {
	c, _ := newTest(t, testConfig())
	appendOne(t, c, 4, 0x10, 0, 1)
	appendOne(t, c, 8, 0x20, 0, 2)
	s := c.Stats()
	assert.Equal(t, int64(2), s.Allocated)
	assert.Equal(t, 1, s.Ready)
	assert.Equal(t, 1, s.Filling)
	require.NoError(t, c.Check())

	_, err := c.Acquire(0)
	assert.True(t, errors.Is(err, ErrUnitSize))
	_, err = c.Acquire(17)
	assert.True(t, errors.Is(err, ErrUnitSize))
}

func TestFlushApplies(t *testing.T) {
	c, dev := newTest(t, testConfig())
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, c.Write(8, 0x1000+8*i, 0, 0x5500+i))
	}
	require.NoError(t, c.Write(4, dma.RegisterSpace|0x40, 0, 0xdead))
	require.NoError(t, c.CompleteOperations())

	for i := uint64(0); i < 10; i++ {
		_, lo, err := dev.ReadMemory(0x1000+8*i, 8)
		require.NoError(t, err)
		if got, want := lo, 0x5500+i; got != want {
			t.Errorf("memory 0x%x: got 0x%x want 0x%x", 0x1000+8*i, got, want)
		}
	}
	v, err := dev.ReadRegister(0x40)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdead), v)

	s := c.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 0, s.Ready)
	assert.Equal(t, 0, s.UnderDma)
	assert.Equal(t, s.Allocated, s.Completed)
	assert.Equal(t, "in-use 0 filling 0 ready 0 under-dma 0 faulted 0", fmt.Sprint(s))
	buffers, mapped := dev.Live()
	assert.Equal(t, 0, buffers)
	assert.Equal(t, 0, mapped)
}

func TestKickOncePerFlush(t *testing.T) {
	c, dev := newTest(t, testConfig())
	// 16 byte entries: four per buffer, so three buffers.
	for i := uint64(0); i < 12; i++ {
		require.NoError(t, c.Write(16, 0x100*i, i, i))
	}
	require.NoError(t, c.Flush())
	n := dev.Counters()
	if got, want := n.Submits, 3; got != want {
		t.Errorf("submits: got %v want %v", got, want)
	}
	if got, want := n.Kicks, 1; got != want {
		t.Errorf("kicks: got %v want %v", got, want)
	}
	require.NoError(t, c.CompleteOperations())
	if got, want := dev.Counters().Entries, 12; got != want {
		t.Errorf("entries applied: got %v want %v", got, want)
	}
}

func TestExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBuffers = 2
	cfg.ExhaustedRetries = 0
	c, _ := newTest(t, cfg)
	appendOne(t, c, 4, 0, 0, 0)
	c.Seal()
	appendOne(t, c, 4, 0, 0, 0)
	c.Seal()
	_, err := c.Acquire(4)
	assert.True(t, errors.Is(err, ErrExhausted), "got %v", err)
	assert.Equal(t, 2, c.Stats().InUse)
	require.NoError(t, c.Check())
}

func TestAllocFailure(t *testing.T) {
	c, dev := newTest(t, testConfig())
	dev.SetFaults(sim.Faults{AllocFailures: 1})
	_, err := c.Acquire(4)
	assert.True(t, errors.Is(err, ErrExhausted), "got %v", err)
	assert.Equal(t, 0, c.Stats().InUse)
	appendOne(t, c, 4, 0, 0, 0)
}

func TestWriteRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBuffers = 1
	c, dev := newTest(t, cfg)
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, c.Write(16, 0x100*i, 0, i))
	}
	require.NoError(t, c.CompleteOperations())
	for i := uint64(0); i < 20; i++ {
		_, lo, err := dev.ReadMemory(0x100*i, 16)
		require.NoError(t, err)
		assert.Equal(t, i, lo)
	}
	assert.Equal(t, int64(5), c.Stats().Allocated)
}

func TestRingFullRetry(t *testing.T) {
	c, dev := newTest(t, testConfig())
	require.NoError(t, c.Write(4, 0x10, 0, 1))
	dev.SetFaults(sim.Faults{RingFull: 3})
	require.NoError(t, c.Flush())
	s := c.Stats()
	assert.Equal(t, int64(3), s.RingFull)
	assert.Equal(t, int64(1), s.Pushed)
	assert.Equal(t, 0, s.Ready)
	require.NoError(t, c.CompleteOperations())
}

func TestRingDrainsWhileFull(t *testing.T) {
	dev := sim.New(sim.Config{RingSize: 2})
	c, err := New(t.Name(), testConfig(), dev, dev)
	require.NoError(t, err)
	// Six buffers through a two deep ring.
	for i := uint64(0); i < 24; i++ {
		require.NoError(t, c.Write(16, 0x100*i, 0, i))
	}
	require.NoError(t, c.CompleteOperations())
	s := c.Stats()
	assert.Equal(t, int64(6), s.Pushed)
	assert.Equal(t, 0, s.InUse)
	assert.True(t, s.RingFull > 0)
	assert.True(t, dev.Counters().Kicks > 1)
	for i := uint64(0); i < 24; i++ {
		_, lo, err := dev.ReadMemory(0x100*i, 16)
		require.NoError(t, err)
		assert.Equal(t, i, lo)
	}
}

func TestRingTimeoutPurges(t *testing.T) {
	cfg := testConfig()
	cfg.RingFullRetries = 5
	c, dev := newTest(t, cfg)
	appendOne(t, c, 4, 0x10, 0, 1)
	c.Seal()
	appendOne(t, c, 4, 0x20, 0, 2)
	dev.SetFaults(sim.Faults{RingFull: 100})

	err := c.Flush()
	assert.True(t, errors.Is(err, ErrRingTimeout), "got %v", err)
	s := c.Stats()
	assert.Equal(t, int64(2), s.Purged)
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 0, s.Ready)
	buffers, mapped := dev.Live()
	assert.Equal(t, 0, buffers)
	assert.Equal(t, 0, mapped)
	require.NoError(t, c.Check())
}

func TestHardFailurePurges(t *testing.T) {
	c, dev := newTest(t, testConfig())
	boom := errors.New("boom")
	appendOne(t, c, 4, 0x10, 0, 1)
	c.Seal()
	appendOne(t, c, 4, 0x20, 0, 2)
	dev.SetFaults(sim.Faults{SubmitError: boom})

	err := c.Flush()
	assert.True(t, errors.Is(err, boom), "got %v", err)
	s := c.Stats()
	assert.Equal(t, int64(0), s.RingFull)
	assert.Equal(t, int64(2), s.Purged)
	assert.Equal(t, 0, s.InUse)

	// Context is usable after a purge.
	require.NoError(t, c.Write(4, 0x30, 0, 3))
	require.NoError(t, c.CompleteOperations())
	_, lo, err := dev.ReadMemory(0x30, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lo)
	_, lo, err = dev.ReadMemory(0x10, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), lo)
}

func TestUnmapFailureLogged(t *testing.T) {
	c, dev := newTest(t, testConfig())
	require.NoError(t, c.Write(4, 0x10, 0, 1))
	dev.SetFaults(sim.Faults{UnmapFailures: 1, FreeFailures: 1})
	require.NoError(t, c.CompleteOperations())
	assert.Equal(t, 0, c.Stats().InUse)
	// Software state is clean; the mapping and buffer leak.
	buffers, mapped := dev.Live()
	assert.Equal(t, 1, buffers)
	assert.Equal(t, 1, mapped)
	require.NoError(t, c.Check())
}

func TestCompletionFailure(t *testing.T) {
	c, dev := newTest(t, testConfig())
	require.NoError(t, c.Write(4, 0x10, 0, 1))
	dev.SetFaults(sim.Faults{CompletionFailures: 1})
	require.NoError(t, c.CompleteOperations())
	s := c.Stats()
	assert.Equal(t, int64(1), s.CompletionErrors)
	assert.Equal(t, 1, s.Faulted)
	assert.Equal(t, 1, s.InUse)
	assert.Equal(t, 0, s.UnderDma)
	require.NoError(t, c.Check())

	require.NoError(t, c.Close())
	s = c.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, int64(1), s.Purged)
}

func TestUnknownAndDuplicateTags(t *testing.T) {
	c, _ := newTest(t, testConfig())

	c.Complete(dma.MakeTag(0x12340, dma.TagKindWriteList), nil)
	assert.Equal(t, int64(1), c.Stats().UnknownTags)

	var forwarded []dma.Tag
	c.RegisterOwner(dma.TagKindPacket, func(tag dma.Tag, status error) {
		forwarded = append(forwarded, tag)
	})
	pkt := dma.MakeTag(0x5000, dma.TagKindPacket)
	c.Complete(pkt, nil)
	assert.Equal(t, []dma.Tag{pkt}, forwarded)
	c.Complete(dma.MakeTag(0x6000, 0x7), nil)
	assert.Equal(t, int64(2), c.Stats().UnknownTags)

	require.NoError(t, c.Write(4, 0x10, 0, 1))
	c.mu.Lock()
	tag := c.descs[c.filling].tag
	c.mu.Unlock()
	require.NoError(t, c.CompleteOperations())
	c.Complete(tag, nil)
	s := c.Stats()
	assert.Equal(t, int64(3), s.UnknownTags)
	assert.Equal(t, int64(1), s.Completed)
	require.NoError(t, c.Check())
}

func TestCompletionForFillingBuffer(t *testing.T) {
	c, _ := newTest(t, testConfig())
	appendOne(t, c, 4, 0x10, 0, 1)
	c.mu.Lock()
	tag := c.descs[c.filling].tag
	c.mu.Unlock()
	c.Complete(tag, nil)
	s := c.Stats()
	assert.Equal(t, int64(1), s.Anomalies)
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 0, s.Filling)
	require.NoError(t, c.Check())
}

func TestFlushWaitsForAppend(t *testing.T) {
	c, dev := newTest(t, testConfig())
	s, err := c.Acquire(8)
	require.NoError(t, err)
	// A read in between must not push the charged but empty entry.
	require.NoError(t, c.CompleteOperations())
	assert.Equal(t, 0, dev.Counters().Entries)
	assert.Equal(t, 1, c.Stats().Ready)
	require.NoError(t, c.Check())

	// Later buffers queue behind it.
	require.NoError(t, c.Write(4, dma.RegisterSpace|0x44, 0, 9))
	require.NoError(t, c.Flush())
	assert.Equal(t, 0, dev.Counters().Submits)

	require.NoError(t, c.Append(s, 0x40, 0, 0xdead))
	require.NoError(t, c.CompleteOperations())
	n := dev.Counters()
	assert.Equal(t, 2, n.Submits)
	assert.Equal(t, 2, n.Entries)
	assert.Equal(t, 1, n.MemoryWrites)
	_, lo, err := dev.ReadMemory(0x40, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdead), lo)
	v, err := dev.ReadRegister(0x44)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), v)
	assert.Equal(t, 0, c.Stats().InUse)
	require.NoError(t, c.Check())
}

func TestStaleSlot(t *testing.T) {
	c, _ := newTest(t, testConfig())
	s := appendOne(t, c, 4, 0x10, 0, 1)
	require.NoError(t, c.CompleteOperations())
	assert.True(t, errors.Is(c.Append(s, 0x10, 0, 1), ErrStaleSlot))

	// Index is reused by the next buffer but the generation differs.
	appendOne(t, c, 4, 0x10, 0, 1)
	assert.True(t, errors.Is(c.Append(s, 0x10, 0, 1), ErrStaleSlot))
}

func TestClose(t *testing.T) {
	c, dev := newTest(t, testConfig())
	require.NoError(t, c.Write(4, 0x10, 0, 7))
	appendOne(t, c, 8, 0x20, 0, 8)
	require.NoError(t, c.Close())
	assert.True(t, errors.Is(c.Write(4, 0x10, 0, 1), ErrClosed))
	_, err := c.Acquire(4)
	assert.True(t, errors.Is(err, ErrClosed))
	require.NoError(t, c.Close())

	_, lo, err := dev.ReadMemory(0x20, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), lo)
	buffers, mapped := dev.Live()
	assert.Equal(t, 0, buffers)
	assert.Equal(t, 0, mapped)
}

func TestConcurrentCompletions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBuffers = 4
	cfg.ExhaustedRetries = 100000
	dev := sim.New(sim.Config{RingSize: 4})
	c, err := New(t.Name(), cfg, dev, dev)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := dev.RunCompletions(stop, time.Microsecond)

	var (
		wg       sync.WaitGroup
		checkErr error
		quit     = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-quit:
				return
			default:
			}
			if err := c.Check(); err != nil {
				checkErr = err
				return
			}
		}
	}()

	const n = 500
	for i := uint64(0); i < n; i++ {
		unit := uint(4)
		if i%7 == 0 {
			unit = 8
		}
		require.NoError(t, c.Write(unit, 0x10000+0x10*i, 0, i))
		if i%50 == 0 {
			require.NoError(t, c.Flush())
		}
	}
	require.NoError(t, c.CompleteOperations())
	close(quit)
	wg.Wait()
	close(stop)
	<-done

	require.NoError(t, checkErr)
	s := c.Stats()
	assert.Equal(t, 0, s.Ready)
	assert.Equal(t, 0, s.UnderDma)
	assert.Equal(t, 0, s.InUse)
	for i := uint64(0); i < n; i++ {
		_, lo, err := dev.ReadMemory(0x10000+0x10*i, 4)
		require.NoError(t, err)
		if lo != i&0xffffffff {
			t.Fatalf("memory 0x%x: got %v want %v", 0x10000+0x10*i, lo, i)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.BufferSize = 16
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxBuffers = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.PoolSize = 100
	assert.Error(t, bad.Validate())

	fix := cfg
	fix.ProgressEvery = 0
	fix.RetryInterval = 0
	fix.MaxRetryInterval = 0
	require.NoError(t, fix.Validate())
	assert.Equal(t, 100, fix.ProgressEvery)
	assert.Equal(t, 200*time.Microsecond, fix.MaxRetryInterval)
}
