// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import "golang.org/x/arch/x86/x86asm"

// condCode maps the conditional-jump mnemonics to their 4-bit condition
// code, the nibble that selects between the 16 Jcc encodings
// (0x70+cc for the short form, 0F 0x80+cc for the near form).
var condCode = map[x86asm.Op]byte{
	x86asm.JO:  0x0,
	x86asm.JNO: 0x1,
	x86asm.JB:  0x2,
	x86asm.JAE: 0x3,
	x86asm.JE:  0x4,
	x86asm.JNE: 0x5,
	x86asm.JBE: 0x6,
	x86asm.JA:  0x7,
	x86asm.JS:  0x8,
	x86asm.JNS: 0x9,
	x86asm.JP:  0xA,
	x86asm.JNP: 0xB,
	x86asm.JL:  0xC,
	x86asm.JGE: 0xD,
	x86asm.JLE: 0xE,
	x86asm.JG:  0xF,
}

// IsConditionalJump reports whether op is one of the 16 Jcc mnemonics
// (excluding JCXZ/JECXZ/JRCXZ, which have no near form and are handled by
// IsCounterJump instead).
func IsConditionalJump(op x86asm.Op) bool {
	_, ok := condCode[op]
	return ok
}

// ConditionCode returns the 4-bit condition code for a Jcc mnemonic.
func ConditionCode(op x86asm.Op) (byte, bool) {
	cc, ok := condCode[op]
	return cc, ok
}

// IsCounterJump reports whether op is JCXZ/JECXZ/JRCXZ: a short-only
// jump with no near-form equivalent, taken when the counter register is
// zero.
func IsCounterJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	}
	return false
}

// IsLoop reports whether op is LOOP/LOOPE/LOOPNE: short-only jumps with
// no near-form equivalent, taken while decrementing (E)CX/(R)CX under a
// loop condition.
func IsLoop(op x86asm.Op) bool {
	switch op {
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// IsJump reports whether op is the unconditional near/short JMP.
func IsJump(op x86asm.Op) bool {
	return op == x86asm.JMP
}

// IsCall reports whether op is CALL.
func IsCall(op x86asm.Op) bool {
	return op == x86asm.CALL
}
