// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wlist

import (
	"github.com/platinasystems/tm/internal/dma"

	"github.com/platinasystems/log"
)

// Complete is the ring's completion handler.  Completions of other tag kinds
// go to their registered owner.  Duplicate and late completions are ignored.
func (c *Context) Complete(tag dma.Tag, status error) {
	if tag.Kind() != dma.TagKindWriteList {
		c.mu.Lock()
		fn := c.owners[tag.Kind()]
		c.mu.Unlock()
		if fn != nil {
			fn(tag, status)
			return
		}
		c.m.unknownTags.Inc(1)
		log.Print("daemon", "debug", c.Name, ": completion for foreign tag ", tag)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.byTag[tag]
	if !ok {
		c.m.unknownTags.Inc(1)
		log.Print("daemon", "debug", c.Name, ": completion for unknown tag ", tag)
		return
	}
	d := c.descs[i]
	if status != nil {
		// Hardware may still reference the buffer.
		c.m.completionErrors.Inc(1)
		log.Print("daemon", "err", c.Name, ": buffer ", d.buf.Virt, " ", d.state, ": ", status)
		if d.state == UnderDma {
			delete(c.underDma, i)
			c.faulted[i] = struct{}{}
			d.state = Faulted
		}
		return
	}
	if d.state != UnderDma {
		c.m.anomalies.Inc(1)
		log.Print("daemon", "warn", c.Name, ": completion for buffer ", d.buf.Virt, " in state ", d.state)
	}
	c.unlink(i)
	c.release(i, "complete")
	c.m.completed.Inc(1)
}
