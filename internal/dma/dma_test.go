// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"testing"
)

func TestTag(t *testing.T) {
	key := uint64(0x1234_5670)
	tag := MakeTag(key, TagKindWriteList)
	if got, want := tag.Kind(), TagKindWriteList; got != want {
		t.Errorf("Kind: got %v want %v", got, want)
	}
	if got, want := tag.Key(), key; got != want {
		t.Errorf("Key: got 0x%x want 0x%x", got, want)
	}
	if got, want := MakeTag(key|0xf, TagKindPacket).Key(), key; got != want {
		t.Errorf("Key ignores low bits: got 0x%x want 0x%x", got, want)
	}
	if got, want := tag.String(), "write-list:0x12345670"; got != want {
		t.Errorf("String: got %q want %q", got, want)
	}
	if got, want := Tag(0x27).String(), "0x7:0x20"; got != want {
		t.Errorf("String: got %q want %q", got, want)
	}
}
