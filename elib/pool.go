// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elib

import (
	"errors"
)

// Pool hands out stable indices into a caller owned vector.
// Freed indices are reused most-recently-freed first.
type Pool struct {
	// Vector of free indices
	freeIndices []uint32
	// Bitmap of free indices
	freeBitmap Bitmap
	// Non-zero to limit size of pool.
	maxLen uint
}

// ErrPoolTooLarge is passed to panic if pool overflows maxLen
var ErrPoolTooLarge = errors.New("pool: too large")

// Get first free pool index if available; otherwise max (the current length
// of the caller's vector) which the caller must then append.
func (p *Pool) GetIndex(max uint) (i uint) {
	i = max
	l := uint(len(p.freeIndices))
	if l != 0 {
		i = uint(p.freeIndices[l-1])
		p.freeIndices = p.freeIndices[:l-1]
		p.freeBitmap.Unset(i)
	}
	if p.maxLen != 0 && i >= p.maxLen {
		panic(ErrPoolTooLarge)
	}
	return
}

// Put (free) given pool index.
func (p *Pool) PutIndex(i uint) (ok bool) {
	if ok = !p.freeBitmap.Get(i); ok {
		p.freeIndices = append(p.freeIndices, uint32(i))
		p.freeBitmap.Set(i)
	}
	return
}

func (p *Pool) IsFree(i uint) (ok bool) { return p.freeBitmap.Get(i) }
func (p *Pool) SetMaxLen(x uint)        { p.maxLen = x }
