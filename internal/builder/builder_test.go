// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package builder

import (
	"testing"
	"unsafe"

	"github.com/nativehook/zyrex/internal/arch"
	"github.com/nativehook/zyrex/internal/decode"
	"github.com/nativehook/zyrex/internal/region"
)

// newTestRegion backs a region.Region with real Go heap memory, the same
// technique internal/region's own tests use, so Build's unsafe.Pointer
// projections land on valid memory without ever calling
// platform.ReserveCommit.
func newTestRegion(t *testing.T, chunksPerRegion int) *region.Region {
	t.Helper()
	chunkSize := unsafe.Sizeof(region.Chunk{})
	buf := make([]byte, chunkSize*uintptr(chunksPerRegion))
	return &region.Region{
		Base:            uintptr(unsafe.Pointer(&buf[0])),
		Size:            uintptr(len(buf)),
		ChunksPerRegion: chunksPerRegion,
	}
}

// newTestTarget backs a hypothetical "target function" with real Go heap
// memory holding the given prologue bytes, padded with NOPs out to
// arch.MaxPrologueBytes so Build's platform.ReadBytes call never runs off
// the end of valid memory.
func newTestTarget(t *testing.T, prologue []byte) uint64 {
	t.Helper()
	buf := make([]byte, arch.MaxPrologueBytes)
	for i := range buf {
		buf[i] = 0x90
	}
	copy(buf, prologue)
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func TestBuildPlainRelocation(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90})

	if err := Build(r, 1, target, 0, 5, arch.Mode64, arch.Flags(0)); err != nil {
		t.Fatalf("Build: %v", err)
	}

	chunk := r.Chunk(1)
	if chunk.OriginalCodeSize != 5 {
		t.Fatalf("OriginalCodeSize = %d, want 5", chunk.OriginalCodeSize)
	}
	if chunk.TranslationCount != 5 {
		t.Fatalf("TranslationCount = %d, want 5", chunk.TranslationCount)
	}
	if chunk.BackjumpAddress != target+5 {
		t.Fatalf("BackjumpAddress = %#x, want %#x", chunk.BackjumpAddress, target+5)
	}
	for i := 0; i < 5; i++ {
		if chunk.CodeBuffer[i] != 0x90 {
			t.Fatalf("CodeBuffer[%d] = %#x, want 0x90", i, chunk.CodeBuffer[i])
		}
	}
	if chunk.CodeBuffer[5] != 0xFF || chunk.CodeBuffer[6] != 0x25 {
		t.Fatalf("backjump opcode = % x, want FF 25 ...", chunk.CodeBuffer[5:11])
	}
	if chunk.CodeBufferSize != 11 {
		t.Fatalf("CodeBufferSize = %d, want 11", chunk.CodeBufferSize)
	}
}

func TestBuildRewritesRelativeJump(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0xE9, 0x00, 0x00, 0x00, 0x00})

	if err := Build(r, 1, target, 0, 5, arch.Mode64, arch.Flags(0)); err != nil {
		t.Fatalf("Build: %v", err)
	}

	chunk := r.Chunk(1)
	if chunk.CodeBuffer[0] != 0xE9 {
		t.Fatalf("expected a relocated JMP rel32 (heap addresses are always within rel32 range), got %#x", chunk.CodeBuffer[0])
	}
}

func TestBuildRejectsCallWithoutFlag(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0xE8, 0x00, 0x00, 0x00, 0x00})

	err := Build(r, 1, target, 0, 5, arch.Mode64, arch.Flags(0))
	if err == nil {
		t.Fatal("expected ErrUnsupportedInstruction for CALL without RewriteCall")
	}
}

func TestBuildRewritesCallWithFlag(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0xE8, 0x00, 0x00, 0x00, 0x00})

	if err := Build(r, 1, target, 0, 5, arch.Mode64, arch.RewriteCall); err != nil {
		t.Fatalf("Build: %v", err)
	}
	chunk := r.Chunk(1)
	if chunk.CodeBuffer[0] != 0xE8 {
		t.Fatalf("expected a relocated CALL rel32, got %#x", chunk.CodeBuffer[0])
	}
}

func TestBuildRejectsRIPRelativeCallWithoutFlag(t *testing.T) {
	r := newTestRegion(t, 2)
	// FF 15 10 00 00 00 -> CALL QWORD PTR [RIP+0x10], the PC-relative
	// indirect CALL form; gated on RewriteCall exactly like CALL rel32.
	target := newTestTarget(t, []byte{0xFF, 0x15, 0x10, 0x00, 0x00, 0x00})

	err := Build(r, 1, target, 0, 6, arch.Mode64, arch.Flags(0))
	if err == nil {
		t.Fatal("expected ErrUnsupportedInstruction for a RIP-relative indirect CALL without RewriteCall")
	}
}

func TestBuildRewritesRIPRelativeCallWithFlag(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0xFF, 0x15, 0x10, 0x00, 0x00, 0x00})

	if err := Build(r, 1, target, 0, 6, arch.Mode64, arch.RewriteCall); err != nil {
		t.Fatalf("Build: %v", err)
	}
	chunk := r.Chunk(1)
	if chunk.CodeBuffer[0] != 0xFF || chunk.CodeBuffer[1] != 0x15 {
		t.Fatalf("expected the RIP-relative indirect CALL preserved verbatim, got % x", chunk.CodeBuffer[:2])
	}
}

func TestBuildRejectsCounterJumpWithoutFlag(t *testing.T) {
	r := newTestRegion(t, 2)
	// JRCXZ rel8=0x10, then enough NOPs to satisfy minBytes.
	prologue := append([]byte{0xE3, 0x10}, make([]byte, 8)...)
	for i := 2; i < len(prologue); i++ {
		prologue[i] = 0x90
	}
	target := newTestTarget(t, prologue)

	err := Build(r, 1, target, 0, 2, arch.Mode64, arch.Flags(0))
	if err == nil {
		t.Fatal("expected ErrUnsupportedInstruction for JRCXZ without RewriteJCXZ")
	}
}

func TestBuildExpandsCounterJumpThunk(t *testing.T) {
	r := newTestRegion(t, 2)
	prologue := append([]byte{0xE3, 0x10}, make([]byte, 8)...)
	for i := 2; i < len(prologue); i++ {
		prologue[i] = 0x90
	}
	target := newTestTarget(t, prologue)

	if err := Build(r, 1, target, 0, 2, arch.Mode64, arch.RewriteJCXZ); err != nil {
		t.Fatalf("Build: %v", err)
	}

	chunk := r.Chunk(1)
	// JRCXZ is 2 bytes; the thunk appends a 2-byte short jump and a
	// 5-byte relative jump, so the JRCXZ translation entry is followed
	// by 2+2+5=9 bytes of trampoline code before the backjump.
	if chunk.CodeBuffer[0] != 0xE3 {
		t.Fatalf("expected the original JRCXZ opcode preserved, got %#x", chunk.CodeBuffer[0])
	}
	if int8(chunk.CodeBuffer[1]) != 2 {
		t.Fatalf("patched rel8 = %d, want 2", int8(chunk.CodeBuffer[1]))
	}
	if chunk.CodeBuffer[2] != 0xEB {
		t.Fatalf("expected a short JMP at offset 2, got %#x", chunk.CodeBuffer[2])
	}
	if chunk.CodeBuffer[4] != 0xE9 {
		t.Fatalf("expected a relative JMP at offset 4, got %#x", chunk.CodeBuffer[4])
	}
}

func TestBuildRejectsLoopWithoutFlag(t *testing.T) {
	r := newTestRegion(t, 2)
	prologue := append([]byte{0xE2, 0x10}, make([]byte, 8)...)
	for i := 2; i < len(prologue); i++ {
		prologue[i] = 0x90
	}
	target := newTestTarget(t, prologue)

	err := Build(r, 1, target, 0, 2, arch.Mode64, arch.Flags(0))
	if err == nil {
		t.Fatal("expected ErrUnsupportedInstruction for LOOP without RewriteLoop")
	}
}

func TestBuildTranslationMapTracksOffsets(t *testing.T) {
	r := newTestRegion(t, 2)
	// Two single-byte NOPs then a 5-byte JMP: translation map should
	// record three entries at original offsets 0, 1, 2.
	target := newTestTarget(t, []byte{0x90, 0x90, 0xE9, 0x00, 0x00, 0x00, 0x00})

	if err := Build(r, 1, target, 0, 7, arch.Mode64, arch.Flags(0)); err != nil {
		t.Fatalf("Build: %v", err)
	}
	chunk := r.Chunk(1)
	if chunk.TranslationCount != 3 {
		t.Fatalf("TranslationCount = %d, want 3", chunk.TranslationCount)
	}
	wantOriginal := []uint8{0, 1, 2}
	for i, want := range wantOriginal {
		if chunk.TranslationMap[i].OffsetOriginal != want {
			t.Fatalf("TranslationMap[%d].OffsetOriginal = %d, want %d", i, chunk.TranslationMap[i].OffsetOriginal, want)
		}
	}
}

func TestBuildCallbackJumpX64Indirect(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90})
	callback := target + 0x10000

	if err := Build(r, 1, target, callback, 5, arch.Mode64, arch.Flags(0)); err != nil {
		t.Fatalf("Build: %v", err)
	}
	chunk := r.Chunk(1)
	if chunk.CallbackAddress != callback {
		t.Fatalf("CallbackAddress = %#x, want %#x", chunk.CallbackAddress, callback)
	}
	if chunk.CallbackJump[0] != 0xFF || chunk.CallbackJump[1] != 0x25 {
		t.Fatalf("CallbackJump = % x, want FF 25 ...", chunk.CallbackJump)
	}
}

func TestBuildCallbackJumpX86Direct(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90})
	callback := target + 0x1000

	if err := Build(r, 1, target, callback, 5, arch.Mode32, arch.Flags(0)); err != nil {
		t.Fatalf("Build: %v", err)
	}
	chunk := r.Chunk(1)
	if chunk.CallbackJump[0] != 0xE9 {
		t.Fatalf("CallbackJump[0] = %#x, want 0xE9 (direct relative jump)", chunk.CallbackJump[0])
	}
	if chunk.CallbackJump[arch.SizeofRelativeJump] != 0x90 {
		t.Fatal("expected a NOP padding byte after the 5-byte relative jump")
	}
}

func TestBuildUnknownOpcodeFails(t *testing.T) {
	r := newTestRegion(t, 2)
	target := newTestTarget(t, []byte{0x0F, 0xFF})

	if err := Build(r, 1, target, 0, 1, arch.Mode64, arch.DefaultFlags); err == nil {
		t.Fatal("expected a decode error for an invalid opcode")
	}
}

// sanity check that decode.IsJump/IsCall classify the opcodes this test
// file relies on the way builder.Build's switch expects.
func TestOpcodeClassificationSanity(t *testing.T) {
	jmp, err := decode.Decode([]byte{0xE9, 0, 0, 0, 0}, arch.Mode64)
	if err != nil || !decode.IsJump(jmp.Op) {
		t.Fatalf("0xE9 should decode as JMP: err=%v op=%v", err, jmp.Op)
	}
	call, err := decode.Decode([]byte{0xE8, 0, 0, 0, 0}, arch.Mode64)
	if err != nil || !decode.IsCall(call.Op) {
		t.Fatalf("0xE8 should decode as CALL: err=%v op=%v", err, call.Op)
	}
}
