// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decode is a thin façade over golang.org/x/arch/x86/x86asm. It
// exposes exactly the surface the trampoline engine needs: decoding one
// instruction at a time, recognizing instructions that carry a
// PC-relative operand, and computing the absolute address such an operand
// targets at runtime.
package decode

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrDecodeFailed is returned when the decoder rejects a byte sequence:
// the bytes at the given offset are not a valid x86/x64 instruction.
var ErrDecodeFailed = errors.New("decode: invalid instruction")

// ErrUnreachableCase is returned by ComputeAbsoluteTarget when called on
// an instruction that does not, in fact, carry a relative operand.
// Callers are expected to check IsRelative first; this error only fires
// if that contract is violated.
var ErrUnreachableCase = errors.New("decode: instruction has no relative operand")

// Instruction wraps a decoded x86asm.Inst with the extra queries the
// trampoline builder needs.
type Instruction struct {
	x86asm.Inst
}

// Decode decodes the single instruction at the head of buf, running the
// decoder in the given processor mode (16, 32, or 64).
func Decode(buf []byte, mode int) (Instruction, error) {
	inst, err := x86asm.Decode(buf, mode)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return Instruction{inst}, nil
}

// IsRelative reports whether the instruction carries a PC-relative
// operand: either a relative branch displacement (CALL/JMP/Jcc/LOOP*) or
// a RIP-relative memory operand (x64 only). x86asm already locates this
// for us via PCRel/PCRelOff, which also tells the builder exactly which
// bytes of the encoding to rewrite.
func (i Instruction) IsRelative() bool {
	return i.PCRel > 0
}

// RelOffset returns the byte range within the instruction's encoding that
// holds the PC-relative displacement, suitable for slicing the raw
// instruction bytes when rewriting in place.
func (i Instruction) RelOffset() (start, length int) {
	return i.PCRelOff, i.PCRel
}

// IsRIPRelativeMemory reports whether the instruction addresses memory
// via a RIP-relative operand (ModRM.mod==0, ModRM.rm==5 in 64-bit mode).
// This is the x64-only "PC-relative memory operand" case of spec §4.2.
func (i Instruction) IsRIPRelativeMemory() bool {
	for _, a := range i.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// ripDisp returns the displacement encoded in a RIP-relative memory
// operand. Only valid when IsRIPRelativeMemory reports true.
func (i Instruction) ripDisp() int64 {
	for _, a := range i.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return mem.Disp
		}
	}
	return 0
}

// relImmediate returns the signed relative displacement of a branch
// instruction (CALL/JMP/Jcc/LOOP*/JCXZ family). Only valid when the
// instruction is relative and is not a RIP-relative memory reference.
func (i Instruction) relImmediate() (int64, bool) {
	for _, a := range i.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return int64(rel), true
		}
	}
	return 0, false
}

// ComputeAbsoluteTarget implements spec §4.2: given the runtime address
// the instruction was decoded from, returns the absolute address its
// relative operand refers to.
//
// Two cases, matching the instruction's shape:
//  1. RIP-relative memory operand: target = runtimeAddr + Len + disp,
//     computed modulo the instruction's address width.
//  2. Relative branch: target = runtimeAddr + Len + immediate, the same
//     width rule, additionally masked to 16 bits when running in 16-bit
//     or 32-bit mode with a 16-bit operand.
func (i Instruction) ComputeAbsoluteTarget(runtimeAddr uint64) (uint64, error) {
	if !i.IsRelative() {
		return 0, ErrUnreachableCase
	}

	var disp int64
	switch {
	case i.IsRIPRelativeMemory():
		disp = i.ripDisp()
	default:
		rel, ok := i.relImmediate()
		if !ok {
			return 0, ErrUnreachableCase
		}
		disp = rel
	}

	target := runtimeAddr + uint64(i.Len) + uint64(disp)
	target = maskToAddressWidth(target, i.AddrSize)

	// 16-bit and 32-bit compat/legacy modes with a 16-bit operand mask
	// the computed target to 16 bits; 64-bit mode never does.
	if i.Mode != 64 && i.DataSize == 16 {
		target &= 0xFFFF
	}
	return target, nil
}

func maskToAddressWidth(addr uint64, width int) uint64 {
	switch width {
	case 16:
		return addr & 0xFFFF
	case 32:
		return addr & 0xFFFFFFFF
	default:
		return addr
	}
}
