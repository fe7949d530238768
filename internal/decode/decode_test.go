// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestDecodeNop(t *testing.T) {
	inst, err := Decode([]byte{0x90}, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Op != x86asm.NOP {
		t.Fatalf("Op = %v, want NOP", inst.Op)
	}
	if inst.Len != 1 {
		t.Fatalf("Len = %d, want 1", inst.Len)
	}
	if inst.IsRelative() {
		t.Error("NOP should not be relative")
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte{0x0F, 0xFF}, 64)
	if err == nil {
		t.Fatal("expected decode error for invalid opcode")
	}
}

func TestDecodeJmpRel32(t *testing.T) {
	// E9 00 00 00 00 -> JMP rel32=0, i.e. jumps to runtimeAddr+5
	buf := []byte{0xE9, 0x00, 0x00, 0x00, 0x00}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Op != x86asm.JMP {
		t.Fatalf("Op = %v, want JMP", inst.Op)
	}
	if !IsJump(inst.Op) {
		t.Error("IsJump should be true")
	}
	if !inst.IsRelative() {
		t.Fatal("JMP rel32 should be relative")
	}
	target, err := inst.ComputeAbsoluteTarget(0x1000)
	if err != nil {
		t.Fatalf("ComputeAbsoluteTarget: %v", err)
	}
	if target != 0x1005 {
		t.Fatalf("target = %#x, want 0x1005", target)
	}
}

func TestDecodeJmpShort(t *testing.T) {
	// EB 05 -> JMP short rel8=5, jumps to runtimeAddr+2+5
	buf := []byte{0xEB, 0x05}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Len != 2 {
		t.Fatalf("Len = %d, want 2", inst.Len)
	}
	target, err := inst.ComputeAbsoluteTarget(0x2000)
	if err != nil {
		t.Fatalf("ComputeAbsoluteTarget: %v", err)
	}
	if target != 0x2007 {
		t.Fatalf("target = %#x, want 0x2007", target)
	}
}

func TestDecodeCallRel32(t *testing.T) {
	buf := []byte{0xE8, 0x10, 0x00, 0x00, 0x00}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !IsCall(inst.Op) {
		t.Error("IsCall should be true")
	}
	target, err := inst.ComputeAbsoluteTarget(0x1000)
	if err != nil {
		t.Fatalf("ComputeAbsoluteTarget: %v", err)
	}
	if target != 0x1015 {
		t.Fatalf("target = %#x, want 0x1015", target)
	}
}

func TestDecodeJccShort(t *testing.T) {
	// 74 02 -> JE short rel8=2
	buf := []byte{0x74, 0x02}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !IsConditionalJump(inst.Op) {
		t.Fatalf("IsConditionalJump should be true for %v", inst.Op)
	}
	cc, ok := ConditionCode(inst.Op)
	if !ok || cc != 0x4 {
		t.Fatalf("ConditionCode = %#x, %v; want 0x4, true", cc, ok)
	}
}

func TestDecodeLoop(t *testing.T) {
	buf := []byte{0xE2, 0x05}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !IsLoop(inst.Op) {
		t.Fatalf("IsLoop should be true for %v", inst.Op)
	}
	if IsCounterJump(inst.Op) {
		t.Error("LOOP should not be a counter jump")
	}
}

func TestDecodeJrcxz(t *testing.T) {
	buf := []byte{0xE3, 0x05}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !IsCounterJump(inst.Op) {
		t.Fatalf("IsCounterJump should be true for %v", inst.Op)
	}
}

func TestDecodeRIPRelativeMov(t *testing.T) {
	// 48 8B 05 10 00 00 00 -> MOV RAX, [RIP+0x10]
	buf := []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !inst.IsRIPRelativeMemory() {
		t.Fatal("expected RIP-relative memory operand")
	}
	if !inst.IsRelative() {
		t.Fatal("RIP-relative memory operand should be relative")
	}
	target, err := inst.ComputeAbsoluteTarget(0x1000)
	if err != nil {
		t.Fatalf("ComputeAbsoluteTarget: %v", err)
	}
	if target != 0x1000+7+0x10 {
		t.Fatalf("target = %#x, want %#x", target, 0x1000+7+0x10)
	}
}

func TestComputeAbsoluteTargetRequiresRelative(t *testing.T) {
	inst, err := Decode([]byte{0x90}, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := inst.ComputeAbsoluteTarget(0x1000); err != ErrUnreachableCase {
		t.Fatalf("err = %v, want ErrUnreachableCase", err)
	}
}

func TestRelOffset(t *testing.T) {
	buf := []byte{0xE9, 0x00, 0x00, 0x00, 0x00}
	inst, err := Decode(buf, 64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	start, length := inst.RelOffset()
	if start != 1 || length != 4 {
		t.Fatalf("RelOffset = (%d, %d), want (1, 4)", start, length)
	}
}
