// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import "testing"

func TestWriteRelativeJump(t *testing.T) {
	dst := make([]byte, 5)
	n := WriteRelativeJump(dst, 0x1000, 0x2000)
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	want := []byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}
	if string(dst) != string(want) {
		t.Fatalf("dst = % x, want % x", dst, want)
	}
}

func TestWriteAbsoluteJump(t *testing.T) {
	dst := make([]byte, 6)
	n := WriteAbsoluteJump(dst, 0x1000, 0x1010)
	if n != 6 {
		t.Fatalf("n = %d, want 6", n)
	}
	want := []byte{0xFF, 0x25, 0x0A, 0x00, 0x00, 0x00}
	if string(dst) != string(want) {
		t.Fatalf("dst = % x, want % x", dst, want)
	}
}

func TestWriteAbsoluteCall(t *testing.T) {
	dst := make([]byte, 6)
	n := WriteAbsoluteCall(dst, 0x1000, 0x1010)
	if n != 6 {
		t.Fatalf("n = %d, want 6", n)
	}
	want := []byte{0xFF, 0x15, 0x0A, 0x00, 0x00, 0x00}
	if string(dst) != string(want) {
		t.Fatalf("dst = % x, want % x", dst, want)
	}
}

func TestWriteRelativeCall(t *testing.T) {
	dst := make([]byte, 5)
	n := WriteRelativeCall(dst, 0x1000, 0x2000)
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	want := []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}
	if string(dst) != string(want) {
		t.Fatalf("dst = % x, want % x", dst, want)
	}
}

func TestWriteShortJump(t *testing.T) {
	dst := make([]byte, 2)
	n := WriteShortJump(dst, 0x1000, 0x1005)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	want := []byte{0xEB, 0x03}
	if string(dst) != string(want) {
		t.Fatalf("dst = % x, want % x", dst, want)
	}
}

func TestWriteShortCondJump(t *testing.T) {
	dst := make([]byte, 2)
	n := WriteShortCondJump(dst, 0x4, 0x2000, 0x1FFB)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	want := []byte{0x74, 0xF9}
	if string(dst) != string(want) {
		t.Fatalf("dst = % x, want % x", dst, want)
	}
}

func TestWriteNearCondJump(t *testing.T) {
	dst := make([]byte, 6)
	n := WriteNearCondJump(dst, 0xC, 0x3000, 0x13000)
	if n != 6 {
		t.Fatalf("n = %d, want 6", n)
	}
	want := []byte{0x0F, 0x8C, 0xFA, 0xFF, 0x00, 0x00}
	if string(dst) != string(want) {
		t.Fatalf("dst = % x, want % x", dst, want)
	}
}

func TestFitsRel32(t *testing.T) {
	base := uint64(0x1000)
	if !FitsRel32(base, 5, base+5+(1<<31-1)) {
		t.Error("max positive rel32 displacement should fit")
	}
	if FitsRel32(base, 5, base+5+(1<<31)) {
		t.Error("one past max positive rel32 displacement should not fit")
	}
	if !FitsRel32(base, 5, base+5-(1<<31)) {
		t.Error("max negative rel32 displacement should fit")
	}
}

func TestFitsRel8(t *testing.T) {
	base := uint64(0x1000)
	if !FitsRel8(base, 2, base+2+127) {
		t.Error("+127 should fit in rel8")
	}
	if FitsRel8(base, 2, base+2+128) {
		t.Error("+128 should not fit in rel8")
	}
	if !FitsRel8(base, 2, base+2-128) {
		t.Error("-128 should fit in rel8")
	}
	if FitsRel8(base, 2, base+2-129) {
		t.Error("-129 should not fit in rel8")
	}
}
