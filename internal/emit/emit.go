// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package emit writes the handful of jump encodings the trampoline
// builder needs directly as bytes, the way compile.patchOffset writes a
// WebAssembly jump target straight into a []byte slot rather than through
// a symbolic assembler.
package emit

import (
	"encoding/binary"

	"github.com/nativehook/zyrex/internal/arch"
)

// WriteAbsoluteJump emits FF 25 <disp32> at dst[0:6]: an indirect jump
// through the 64-bit (32-bit on x86) pointer stored at slotAddr. disp32 is
// the signed displacement from the end of this instruction (dst's address
// + 6) to slotAddr.
//
// dst must have length >= arch.SizeofAbsoluteJump.
func WriteAbsoluteJump(dst []byte, dstAddr, slotAddr uint64) int {
	dst[0] = 0xFF
	dst[1] = 0x25
	disp := int64(slotAddr) - int64(dstAddr+arch.SizeofAbsoluteJump)
	binary.LittleEndian.PutUint32(dst[2:6], uint32(int32(disp)))
	return arch.SizeofAbsoluteJump
}

// WriteRelativeJump emits E9 <disp32> at dst[0:5]: a near relative jump
// to target. disp32 is the signed displacement from the end of this
// instruction (dst's address + 5) to target.
//
// dst must have length >= arch.SizeofRelativeJump.
func WriteRelativeJump(dst []byte, dstAddr, target uint64) int {
	dst[0] = 0xE9
	disp := int64(target) - int64(dstAddr+arch.SizeofRelativeJump)
	binary.LittleEndian.PutUint32(dst[1:5], uint32(int32(disp)))
	return arch.SizeofRelativeJump
}

// WriteShortJump emits EB <rel8> at dst[0:2]: a short unconditional jump.
// Callers must have already verified the displacement fits in a signed
// byte.
func WriteShortJump(dst []byte, dstAddr, target uint64) int {
	dst[0] = 0xEB
	dst[1] = byte(int8(int64(target) - int64(dstAddr+arch.SizeofShortJump)))
	return arch.SizeofShortJump
}

// WriteShortCondJump emits <0x70+cc> <rel8> at dst[0:2]: a short
// conditional jump.
func WriteShortCondJump(dst []byte, cc byte, dstAddr, target uint64) int {
	dst[0] = 0x70 + cc
	dst[1] = byte(int8(int64(target) - int64(dstAddr+arch.SizeofShortJump)))
	return arch.SizeofShortJump
}

// WriteNearCondJump emits 0F <0x80+cc> <disp32> at dst[0:6]: a near
// conditional jump.
func WriteNearCondJump(dst []byte, cc byte, dstAddr, target uint64) int {
	dst[0] = 0x0F
	dst[1] = 0x80 + cc
	disp := int64(target) - int64(dstAddr+arch.SizeofNearCondJump)
	binary.LittleEndian.PutUint32(dst[2:6], uint32(int32(disp)))
	return arch.SizeofNearCondJump
}

// WriteAbsoluteCall emits FF 15 <disp32> at dst[0:6]: an indirect call
// through the 64-bit pointer stored at slotAddr. Same technique as
// WriteAbsoluteJump, with the CALL opcode in place of JMP, used when a
// relocated CALL's target can no longer be reached with a rel32.
func WriteAbsoluteCall(dst []byte, dstAddr, slotAddr uint64) int {
	dst[0] = 0xFF
	dst[1] = 0x15
	disp := int64(slotAddr) - int64(dstAddr+arch.SizeofAbsoluteJump)
	binary.LittleEndian.PutUint32(dst[2:6], uint32(int32(disp)))
	return arch.SizeofAbsoluteJump
}

// WriteRelativeCall emits E8 <disp32> at dst[0:5]: a near relative call.
func WriteRelativeCall(dst []byte, dstAddr, target uint64) int {
	dst[0] = 0xE8
	disp := int64(target) - int64(dstAddr+arch.SizeofRelativeJump)
	binary.LittleEndian.PutUint32(dst[1:5], uint32(int32(disp)))
	return arch.SizeofRelativeJump
}

// FitsRel32 reports whether target is representable as a disp32 relative
// to the instruction that will end at dstAddr+instrLen.
func FitsRel32(dstAddr uint64, instrLen int, target uint64) bool {
	disp := int64(target) - int64(dstAddr+uint64(instrLen))
	return disp >= -(1<<31) && disp <= 1<<31-1
}

// FitsRel8 reports whether target is representable as a signed rel8
// relative to the instruction that will end at dstAddr+instrLen.
func FitsRel8(dstAddr uint64, instrLen int, target uint64) bool {
	disp := int64(target) - int64(dstAddr+uint64(instrLen))
	return disp >= -128 && disp <= 127
}
