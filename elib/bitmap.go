// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elib is a collection of data structures: bitmaps and index pools.
package elib

import (
	"fmt"
)

// Bitmap is a vector of words; it grows as bits are set.
type Bitmap []Word

// index gives word index and mask for given bit index
func bitmapIndex(x uint) (i uint, m Word) {
	i = x / WordBits
	m = 1 << (x % WordBits)
	return
}

func (b Bitmap) Get(x uint) (v bool) {
	i, m := bitmapIndex(x)
	if i < uint(len(b)) {
		v = b[i]&m != 0
	}
	return
}

func (b *Bitmap) validate(i uint) {
	if l := uint(len(*b)); i >= l {
		*b = append(*b, make([]Word, i+1-l)...)
	}
}

// Set bit x and return its previous value.
func (b *Bitmap) Set(x uint) (old bool) {
	i, m := bitmapIndex(x)
	b.validate(i)
	v := (*b)[i]
	old = v&m != 0
	(*b)[i] = v | m
	return
}

// Unset bit x and return its previous value.
func (b *Bitmap) Unset(x uint) (old bool) {
	i, m := bitmapIndex(x)
	if i >= uint(len(*b)) {
		return
	}
	v := (*b)[i]
	old = v&m != 0
	(*b)[i] = v &^ m
	return
}

func (b Bitmap) Count() (n uint) {
	for i := range b {
		n += b[i].NSetBits()
	}
	return
}

// Next advances *px to the next set bit; start iteration with *px = ^uint(0).
func (b Bitmap) Next(px *uint) (ok bool) {
	x := *px + 1
	i, _ := bitmapIndex(x)
	for ; i < uint(len(b)); i++ {
		w := b[i]
		if i == x/WordBits {
			w &^= (Word(1) << (x % WordBits)) - 1
		}
		if w != 0 {
			*px = i*WordBits + w.FirstSet().MinLog2()
			return true
		}
	}
	return false
}

func (b Bitmap) String() string {
	s := "{"
	n := 0
	for x := ^uint(0); b.Next(&x); n++ {
		if n > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", x)
	}
	return s + "}"
}
