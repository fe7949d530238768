// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch holds the fixed numeric constants shared by every other
// package in zyrex: instruction sizes, reachability ranges, and the
// region/chunk sizing the trampoline builder and region pool agree on.
package arch

// Processor mode, in bits, as passed to the decoder. Mirrors the "machine
// mode" concept x86asm.Decode expects.
const (
	Mode16 = 16
	Mode32 = 32
	Mode64 = 64
)

const (
	// SizeofAbsoluteJump is the encoded length of the indirect absolute
	// jump this engine emits: FF 25 <disp32> on both x86 and x64.
	SizeofAbsoluteJump = 6
	// SizeofRelativeJump is the encoded length of a near relative jump:
	// E9 <disp32>.
	SizeofRelativeJump = 5
	// RangeofRelativeJump is the largest signed displacement a rel32
	// operand can encode.
	RangeofRelativeJump = 1<<31 - 1

	// SizeofShortJump is the encoded length of a short (rel8) jump or
	// conditional jump: <opcode> <rel8>.
	SizeofShortJump = 2
	// SizeofNearCondJump is the encoded length of a near (rel32)
	// conditional jump: 0F <8x+cc> <disp32>.
	SizeofNearCondJump = 6

	// MaxPrologueBytes bounds how many bytes of a target's prologue this
	// engine will ever read or relocate; x86/x64 instructions are at most
	// 15 bytes and the largest min_bytes_to_reloc callers request in
	// practice never approaches this.
	MaxPrologueBytes = 64

	// MaxTranslationItems bounds the translation map: spec.md sizes it at
	// SIZEOF_RELATIVE_JUMP+2 entries (5+2 on x86/x64).
	MaxTranslationItems = SizeofRelativeJump + 2

	// BonusCodeBytes is extra scratch space appended to a chunk's code
	// buffer beyond the relocated prologue and its back-jump, to hold the
	// absolute-jump thunks that JCXZ/LOOP* expansion and out-of-range
	// rel32 rewrites need.
	BonusCodeBytes = 32

	// MaxCodeSize is the largest prologue region size the platform query
	// is capped at; spec.md caps the probe at this value before comparing
	// against the caller's min_bytes_to_reloc.
	MaxCodeSize = 64

	// MaxCodeWithBackjump is the size of a chunk's code buffer: the
	// maximum relocated-prologue size, one absolute jump back to the
	// target, and the bonus thunk space.
	MaxCodeWithBackjump = MaxCodeSize + SizeofAbsoluteJump + BonusCodeBytes
)

// RegionSignature is the fixed 32-bit tag stamped into every region's
// header so a chunk's owning region can be sanity-checked when recovered
// by address-masking. Byte order is irrelevant so long as it's stable;
// it spells "zrex" when its bytes are read most-significant first
// (big-endian: 7a 72 65 78).
const RegionSignature uint32 = 0x7a726578

// Flags selects which relative-instruction families the trampoline
// builder is permitted to rewrite, per spec.md §4.5 and §7. The zero
// value rewrites only the cases that have no semantic alternative
// (direct JMP/Jcc and PC-relative memory operands); CALL, JCXZ/JECXZ/
// JRCXZ, and LOOP* each cost extra bytes or instructions to relocate
// safely and so require the caller to opt in.
//
// Flags lives here, not in the root package, so internal/builder can
// depend on it without importing the root package; the root package
// re-exports it as zyrex.Flags.
type Flags uint32

const (
	// RewriteCall permits relocating a direct relative CALL. Without it,
	// a prologue containing one fails with ErrUnsupportedInstruction.
	RewriteCall Flags = 1 << iota
	// RewriteJCXZ permits relocating JCXZ/JECXZ/JRCXZ via the
	// three-instruction thunk described in spec.md §4.5.
	RewriteJCXZ
	// RewriteLoop permits relocating LOOP/LOOPE/LOOPNE via the same
	// three-instruction thunk technique as RewriteJCXZ.
	RewriteLoop
)

// DefaultFlags enables every optional rewrite, matching the original
// engine's default of attempting every supported instruction form.
const DefaultFlags = RewriteCall | RewriteJCXZ | RewriteLoop
