// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package builder fills in a trampoline chunk: it copies a target
// function's prologue into the chunk's code buffer, rewriting every
// PC-relative instruction it contains so the copy behaves identically
// from its new address, then appends a jump back into the target to
// resume normal execution.
//
// This is spec.md §4.5's algorithm, dispatched on decode.Instruction's
// mnemonic classification the way exec/internal/compile/backend_amd64.go's
// Build method dispatches on x86asm.Inst.Op in a switch.
package builder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nativehook/zyrex/internal/arch"
	"github.com/nativehook/zyrex/internal/decode"
	"github.com/nativehook/zyrex/internal/emit"
	"github.com/nativehook/zyrex/internal/platform"
	"github.com/nativehook/zyrex/internal/region"
)

// ErrUnsupportedInstruction is returned when a target's prologue contains
// an instruction whose relocation requires a Flags bit the caller did
// not set, or a relative instruction this engine has no rewrite rule for.
var ErrUnsupportedInstruction = errors.New("builder: unsupported instruction in prologue")

// ErrTrampolineTooSmall is returned when a relocated prologue, its
// translation map, or its absolute-jump thunks do not fit within a
// chunk's fixed-size code buffer, and when a relocated RIP-relative
// operand or counter-jump thunk can no longer reach its target.
var ErrTrampolineTooSmall = errors.New("builder: relocated prologue does not fit in a chunk")

// Build fills chunk (the chunkIndex'th chunk of r) with a relocated copy
// of the prologue at targetAddr, long enough to cover at least minBytes
// of the original, followed by a jump back to targetAddr+bytesConsumed.
// mode is the processor mode to decode in (arch.Mode32 or arch.Mode64).
//
// If callbackAddr is non-zero, Build also prepares chunk's CallbackJump:
// the fixed arch.SizeofAbsoluteJump-byte patch the caller installs over
// the target's own prologue to redirect it to the callback.
func Build(r *region.Region, chunkIndex int, targetAddr, callbackAddr uint64, minBytes, mode int, flags arch.Flags) error {
	chunk := r.Chunk(chunkIndex)
	chunkCodeAddr := uint64(r.ChunkAddress(chunkIndex))
	prologue := platform.ReadBytes(uintptr(targetAddr), arch.MaxPrologueBytes)

	tailOffset := arch.MaxCodeWithBackjump
	allocSlot := func(value uint64) uint64 {
		tailOffset -= 8
		binary.LittleEndian.PutUint64(chunk.CodeBuffer[tailOffset:tailOffset+8], value)
		return chunkCodeAddr + uint64(tailOffset)
	}

	bytesRead, bytesWritten, translationCount := 0, 0, 0
	for bytesRead < minBytes {
		if bytesRead >= len(prologue) {
			return decode.ErrDecodeFailed
		}
		inst, err := decode.Decode(prologue[bytesRead:], mode)
		if err != nil {
			return err
		}
		if translationCount >= arch.MaxTranslationItems {
			return fmt.Errorf("%w: more than %d instructions in prologue", ErrTrampolineTooSmall, arch.MaxTranslationItems)
		}
		chunk.TranslationMap[translationCount] = region.TranslationItem{
			OffsetOriginal:   uint8(bytesRead),
			OffsetTrampoline: uint8(bytesWritten),
		}
		translationCount++

		raw := prologue[bytesRead : bytesRead+inst.Len]
		dstAddr := chunkCodeAddr + uint64(bytesWritten)
		originalAddr := targetAddr + uint64(bytesRead)

		var written int
		switch {
		case !inst.IsRelative():
			written = copy(chunk.CodeBuffer[bytesWritten:], raw)

		case decode.IsCall(inst.Op):
			// Both CALL encodings this decoder can see, a relative
			// immediate (E8 rel32) and a PC-relative indirect (FF /2
			// [RIP+disp32]), require RewriteCall: spec.md §4.5 gates
			// "CALL (relative immediate or PC-relative indirect)" as a
			// single case, checked ahead of the generic RIP-relative
			// memory rewrite so a CALL through a RIP-relative operand
			// isn't rewritten for free.
			if flags&arch.RewriteCall == 0 {
				err = fmt.Errorf("%w: CALL (set RewriteCall to allow)", ErrUnsupportedInstruction)
				break
			}
			if inst.IsRIPRelativeMemory() {
				written, err = rewriteRIPRelative(chunk, bytesWritten, raw, inst, originalAddr, dstAddr)
				break
			}
			var abs uint64
			if abs, err = inst.ComputeAbsoluteTarget(originalAddr); err == nil {
				written = writeCall(chunk, bytesWritten, dstAddr, abs, allocSlot)
			}

		case inst.IsRIPRelativeMemory():
			written, err = rewriteRIPRelative(chunk, bytesWritten, raw, inst, originalAddr, dstAddr)

		case decode.IsJump(inst.Op):
			var abs uint64
			if abs, err = inst.ComputeAbsoluteTarget(originalAddr); err == nil {
				written = writeJump(chunk, bytesWritten, dstAddr, abs, inst.Len == arch.SizeofShortJump, allocSlot)
			}

		case decode.IsConditionalJump(inst.Op):
			var abs uint64
			if abs, err = inst.ComputeAbsoluteTarget(originalAddr); err == nil {
				cc, _ := decode.ConditionCode(inst.Op)
				written = writeCondJump(chunk, bytesWritten, dstAddr, abs, cc, inst.Len == arch.SizeofShortJump, allocSlot)
			}

		case decode.IsCounterJump(inst.Op):
			if flags&arch.RewriteJCXZ == 0 {
				err = fmt.Errorf("%w: JCXZ/JECXZ/JRCXZ (set RewriteJCXZ to allow)", ErrUnsupportedInstruction)
				break
			}
			var abs uint64
			if abs, err = inst.ComputeAbsoluteTarget(originalAddr); err == nil {
				written, err = writeCounterThunk(chunk, bytesWritten, dstAddr, abs, raw, inst)
			}

		case decode.IsLoop(inst.Op):
			if flags&arch.RewriteLoop == 0 {
				err = fmt.Errorf("%w: LOOP/LOOPE/LOOPNE (set RewriteLoop to allow)", ErrUnsupportedInstruction)
				break
			}
			var abs uint64
			if abs, err = inst.ComputeAbsoluteTarget(originalAddr); err == nil {
				written, err = writeCounterThunk(chunk, bytesWritten, dstAddr, abs, raw, inst)
			}

		default:
			err = fmt.Errorf("%w: %v has a relative operand with no rewrite rule", ErrUnsupportedInstruction, inst.Op)
		}
		if err != nil {
			return err
		}

		bytesWritten += written
		bytesRead += inst.Len

		if bytesWritten+arch.SizeofAbsoluteJump > tailOffset {
			return ErrTrampolineTooSmall
		}
	}

	backjumpTarget := targetAddr + uint64(bytesRead)
	chunk.BackjumpAddress = backjumpTarget
	backjumpDst := chunkCodeAddr + uint64(bytesWritten)
	bytesWritten += emit.WriteAbsoluteJump(chunk.CodeBuffer[bytesWritten:], backjumpDst, r.BackjumpSlotAddress(chunkIndex))

	for i := bytesWritten; i < tailOffset; i++ {
		chunk.CodeBuffer[i] = 0xCC
	}

	chunk.CodeBufferSize = uint32(bytesWritten)
	chunk.TranslationCount = uint32(translationCount)
	chunk.OriginalCodeSize = uint32(bytesRead)
	copy(chunk.OriginalCode[:], prologue[:bytesRead])

	if callbackAddr != 0 {
		buildCallbackJump(r, chunkIndex, chunk, targetAddr, callbackAddr, mode)
	}
	return nil
}

// buildCallbackJump prepares the fixed-width patch the caller installs
// over the target's own prologue to redirect it to the callback. On x64,
// a direct rel32 JMP might not reach the callback, so the patch is an
// indirect jump through chunk.CallbackAddress — itself guaranteed
// reachable from targetAddr because the chunk was placed within the
// caller's reachability window. On x86, every address is within rel32
// range of every other, so the patch is always a direct relative jump,
// padded with one NOP to keep the patch width fixed at
// arch.SizeofAbsoluteJump regardless of mode.
func buildCallbackJump(r *region.Region, chunkIndex int, chunk *region.Chunk, targetAddr, callbackAddr uint64, mode int) {
	if mode != arch.Mode64 {
		emit.WriteRelativeJump(chunk.CallbackJump[:], targetAddr, callbackAddr)
		chunk.CallbackJump[arch.SizeofRelativeJump] = 0x90
		return
	}
	chunk.CallbackAddress = callbackAddr
	emit.WriteAbsoluteJump(chunk.CallbackJump[:], targetAddr, r.CallbackSlotAddress(chunkIndex))
}

func writeJump(chunk *region.Chunk, off int, dstAddr, target uint64, wasShort bool, allocSlot func(uint64) uint64) int {
	buf := chunk.CodeBuffer[off:]
	if wasShort && emit.FitsRel8(dstAddr, arch.SizeofShortJump, target) {
		return emit.WriteShortJump(buf, dstAddr, target)
	}
	if emit.FitsRel32(dstAddr, arch.SizeofRelativeJump, target) {
		return emit.WriteRelativeJump(buf, dstAddr, target)
	}
	return emit.WriteAbsoluteJump(buf, dstAddr, allocSlot(target))
}

func writeCall(chunk *region.Chunk, off int, dstAddr, target uint64, allocSlot func(uint64) uint64) int {
	buf := chunk.CodeBuffer[off:]
	if emit.FitsRel32(dstAddr, arch.SizeofRelativeJump, target) {
		return emit.WriteRelativeCall(buf, dstAddr, target)
	}
	return emit.WriteAbsoluteCall(buf, dstAddr, allocSlot(target))
}

func writeCondJump(chunk *region.Chunk, off int, dstAddr, target uint64, cc byte, wasShort bool, allocSlot func(uint64) uint64) int {
	buf := chunk.CodeBuffer[off:]
	if wasShort && emit.FitsRel8(dstAddr, arch.SizeofShortJump, target) {
		return emit.WriteShortCondJump(buf, cc, dstAddr, target)
	}
	if emit.FitsRel32(dstAddr, arch.SizeofNearCondJump, target) {
		return emit.WriteNearCondJump(buf, cc, dstAddr, target)
	}
	// Every Jcc mnemonic's condition code is paired with its logical
	// negation at cc^1 (JE/JNE, JL/JGE, ...); invert it and jump short
	// over an absolute-jump thunk for the true case.
	const thunkLen = arch.SizeofShortJump + arch.SizeofAbsoluteJump
	slot := allocSlot(target)
	emit.WriteShortCondJump(buf, cc^1, dstAddr, dstAddr+uint64(thunkLen))
	emit.WriteAbsoluteJump(buf[arch.SizeofShortJump:], dstAddr+arch.SizeofShortJump, slot)
	return thunkLen
}

// rewriteRIPRelative copies a RIP-relative-memory instruction verbatim
// and patches only its embedded displacement, so the effective address it
// computes at its new location is unchanged. The instruction's length
// never changes: only the 32-bit displacement field does.
func rewriteRIPRelative(chunk *region.Chunk, off int, raw []byte, inst decode.Instruction, originalAddr, dstAddr uint64) (int, error) {
	copy(chunk.CodeBuffer[off:], raw)
	abs, err := inst.ComputeAbsoluteTarget(originalAddr)
	if err != nil {
		return 0, err
	}
	start, length := inst.RelOffset()
	newDisp := int64(abs) - int64(dstAddr+uint64(inst.Len))
	if newDisp < -(1<<31) || newDisp > 1<<31-1 {
		return 0, fmt.Errorf("%w: RIP-relative operand unreachable after relocation", ErrTrampolineTooSmall)
	}
	switch length {
	case 4:
		binary.LittleEndian.PutUint32(chunk.CodeBuffer[off+start:off+start+4], uint32(int32(newDisp)))
	case 1:
		if newDisp < -128 || newDisp > 127 {
			return 0, fmt.Errorf("%w: RIP-relative operand unreachable after relocation", ErrTrampolineTooSmall)
		}
		chunk.CodeBuffer[off+start] = byte(int8(newDisp))
	default:
		return 0, fmt.Errorf("%w: unexpected RIP-relative displacement width %d", ErrUnsupportedInstruction, length)
	}
	return inst.Len, nil
}

// writeCounterThunk expands a JCXZ/JECXZ/JRCXZ/LOOP* instruction into the
// three-piece thunk spec.md §4.5 describes: the original opcode (prefixes
// included, verbatim) with its rel8 patched to skip over the short jump
// that follows, a short jump that skips over the final relative jump for
// the not-taken case, and the relative jump to the absolute target for
// the taken case.
//
//	[0]            <original opcode+prefixes> rel8=+2   ; taken -> [2+2]
//	[instLen]      JMP short +SizeofRelativeJump          ; not taken -> after [instLen+2+5]
//	[instLen+2]    JMP rel32 target_absolute
func writeCounterThunk(chunk *region.Chunk, off int, dstAddr, target uint64, raw []byte, inst decode.Instruction) (int, error) {
	instLen := inst.Len
	buf := chunk.CodeBuffer[off:]
	copy(buf[:instLen], raw)
	start, _ := inst.RelOffset()
	buf[start] = byte(int8(2))

	shortDst := dstAddr + uint64(instLen)
	farDst := shortDst + arch.SizeofShortJump
	if !emit.FitsRel32(farDst, arch.SizeofRelativeJump, target) {
		return 0, fmt.Errorf("%w: counter-jump target unreachable from thunk", ErrTrampolineTooSmall)
	}
	emit.WriteShortJump(buf[instLen:], shortDst, farDst+arch.SizeofRelativeJump)
	emit.WriteRelativeJump(buf[instLen+arch.SizeofShortJump:], farDst, target)
	return instLen + arch.SizeofShortJump + arch.SizeofRelativeJump, nil
}
