// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wlist

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinasystems/tm/internal/dma"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"
)

func (c *Context) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    c.cfg.RetryInterval,
		Max:    c.cfg.MaxRetryInterval,
		Factor: 1,
	}
}

// wait drops the lock while the ring drains and the caller sleeps, so the
// completion handler can retire buffers.
func (c *Context) wait(d time.Duration) {
	c.mu.Unlock()
	defer c.mu.Lock()
	c.ring.Service(c.cfg.DrainPerRetry)
	time.Sleep(d)
}

// Flush seals the filling buffer and pushes every ready buffer to the ring.
func (c *Context) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush()
}

// flush is called with c.mu held.
func (c *Context) flush() (err error) {
	c.seal()
	var (
		b        = c.backoff()
		attempts int
		unkicked int
	)
	for len(c.ready) > 0 {
		i := c.ready[0]
		d := c.descs[i]
		if !d.pushable() {
			// Later buffers wait too so entries land in order.
			log.Print("daemon", "debug", c.Name, ": buffer ", d.buf.Virt, ": ",
				d.nUnwritten, " entries not yet appended")
			break
		}
		err = c.push(d)
		if err == nil {
			c.ready = c.ready[1:]
			d.state = UnderDma
			c.underDma[i] = struct{}{}
			c.m.pushed.Inc(1)
			unkicked++
			attempts = 0
			b.Reset()
			continue
		}
		if !errors.Is(err, dma.ErrRingFull) {
			log.Print("daemon", "err", c.Name, ": push ", d.buf.Virt, ": ", err)
			break
		}
		// Rolled back to ready; still ours.
		c.m.ringFull.Inc(1)
		if attempts++; attempts > c.cfg.RingFullRetries {
			err = fmt.Errorf("%w after %d retries", ErrRingTimeout, c.cfg.RingFullRetries)
			used, size := c.ring.Occupancy()
			log.Print("daemon", "err", c.Name, ": ", err, ", ring ", used, "/", size)
			break
		}
		if attempts%c.cfg.ProgressEvery == 0 {
			used, size := c.ring.Occupancy()
			log.Print("daemon", "info", c.Name, ": ring full, attempt ", attempts,
				", ring ", used, "/", size, ", ready ", len(c.ready))
		}
		// Pushed but unkicked batches hold ring descriptors that only drain
		// once hardware is started.
		if unkicked > 0 {
			c.kick()
			unkicked = 0
		}
		c.wait(b.Duration())
	}
	if unkicked > 0 {
		if kerr := c.kick(); kerr != nil && err == nil {
			err = kerr
		}
	}
	if err != nil {
		c.purgeReady()
	}
	return
}

func (c *Context) push(d *descriptor) (err error) {
	if !d.mapped {
		if d.dma, err = c.alloc.Map(d.buf); err != nil {
			return
		}
		d.mapped = true
	}
	entry := d.entrySize()
	return c.ring.Submit(dma.Batch{
		EntrySize: entry,
		Count:     d.used / entry,
		Dma:       d.dma,
		Tag:       d.tag,
	})
}

func (c *Context) kick() error {
	c.m.kicks.Inc(1)
	err := c.ring.Start()
	if err != nil {
		log.Print("daemon", "err", c.Name, ": start ring: ", err)
	}
	return err
}

// purgeReady frees every ready descriptor without hardware confirmation.
// The writes they carry are lost.
func (c *Context) purgeReady() {
	if len(c.ready) == 0 {
		return
	}
	log.Print("daemon", "err", c.Name, ": purging ", len(c.ready), " ready buffers")
	for _, i := range c.ready {
		c.release(i, "purge")
		c.m.purged.Inc(1)
	}
	c.ready = c.ready[:0]
}

func (c *Context) pending() int { return len(c.underDma) }

// CompleteOperations flushes and then services the completion queue until
// no buffer is left under DMA.  There is no timeout; faulted buffers are not
// waited for.
func (c *Context) CompleteOperations() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.flush()
	c.drain(-1)
	return err
}

// drain services completions until nothing is under DMA or tries rounds pass
// (tries < 0 for unbounded).  Called with c.mu held.
func (c *Context) drain(tries int) {
	for n := 0; c.pending() > 0 && (tries < 0 || n < tries); n++ {
		c.mu.Unlock()
		if c.ring.Service(0) == 0 {
			time.Sleep(c.cfg.RetryInterval)
		}
		c.mu.Lock()
	}
}

// Close flushes, drains for a bounded time and purges whatever is left.
func (c *Context) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err = c.flush()
	c.drain(c.cfg.CloseDrainRetries)
	if n := len(c.underDma) + len(c.faulted); n > 0 {
		log.Print("daemon", "err", c.Name, ": close: purging ", n, " buffers not completed")
	}
	for i := range c.underDma {
		c.unlink(i)
		c.release(i, "close")
		c.m.purged.Inc(1)
	}
	for i := range c.faulted {
		c.unlink(i)
		c.release(i, "close")
		c.m.purged.Inc(1)
	}
	c.seal()
	c.purgeReady()
	return
}
