// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elib

import (
	"testing"
)

func TestPool(t *testing.T) {
	var (
		p   Pool
		vec []string
	)
	get := func(s string) uint {
		i := p.GetIndex(uint(len(vec)))
		if i == uint(len(vec)) {
			vec = append(vec, s)
		} else {
			vec[i] = s
		}
		return i
	}

	a, b, c := get("a"), get("b"), get("c")
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("fresh indices: got %d %d %d want 0 1 2", a, b, c)
	}

	if !p.PutIndex(b) {
		t.Errorf("PutIndex(%d): got false want true", b)
	}
	if p.PutIndex(b) {
		t.Errorf("double PutIndex(%d): got true want false", b)
	}
	if !p.IsFree(b) {
		t.Errorf("IsFree(%d): got false", b)
	}

	if got, want := get("d"), b; got != want {
		t.Errorf("reuse: got %d want %d", got, want)
	}
	if p.IsFree(b) {
		t.Errorf("IsFree(%d) after reuse: got true", b)
	}
	if got, want := get("e"), uint(3); got != want {
		t.Errorf("grow: got %d want %d", got, want)
	}
}

func TestPoolMaxLen(t *testing.T) {
	var p Pool
	p.SetMaxLen(1)
	if got := p.GetIndex(0); got != 0 {
		t.Fatalf("GetIndex: got %d want 0", got)
	}
	defer func() {
		if r := recover(); r != ErrPoolTooLarge {
			t.Errorf("overflow: got %v want %v", r, ErrPoolTooLarge)
		}
	}()
	p.GetIndex(1)
}
