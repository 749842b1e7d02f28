// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elib

import (
	"math/bits"
)

// Underlying machine word, typically 32 or 64 bits.
type Word uintptr

const (
	// Compute the size of a Word in bits.
	_m       = ^Word(0)
	WordBits = 1 << (3 + (_m>>8&1 + _m>>16&1 + _m>>32&1))
)

func (x Word) NSetBits() uint { return uint(bits.OnesCount64(uint64(x))) }

// FirstSet gives 2^f where f is the lowest 1 bit in x.
func (x Word) FirstSet() Word { return x & -x }

// MinLog2 is the index of the highest set bit. x must be non-zero.
func MinLog2(x Word) uint    { return uint(bits.Len64(uint64(x))) - 1 }
func (x Word) MinLog2() uint { return MinLog2(x) }

// NBits is the number of significant bits in x; zero for x == 0.
func NBits(x Word) uint { return uint(bits.Len64(uint64(x))) }
