// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build amd64

// Package reach computes the reachability window a trampoline must be
// placed within, on x64. It is x64-only because x86's 32-bit address
// space is reachable in its entirety from a 32-bit relative displacement,
// so no window computation is needed there (spec §4.3).
package reach

import (
	"math"

	"github.com/nativehook/zyrex/internal/arch"
	"github.com/nativehook/zyrex/internal/decode"
)

// Window decodes prologue sequentially from offset 0 until at least
// minBytes have been consumed, tracking the absolute target of every
// relative instruction it passes over. It returns the smallest interval
// [lo, hi] containing all such targets, and found=false (with
// lo = math.MaxUint64 and hi = 0) if no relative instruction was
// encountered.
//
// prologue must hold at least minBytes valid bytes of the target
// function, decoded as if resident at address target.
func Window(target uint64, prologue []byte, minBytes int) (lo, hi uint64, found bool, err error) {
	lo = math.MaxUint64
	hi = 0

	bytesRead := 0
	for bytesRead < minBytes {
		if bytesRead >= len(prologue) {
			return 0, 0, false, decode.ErrDecodeFailed
		}
		inst, derr := decode.Decode(prologue[bytesRead:], arch.Mode64)
		if derr != nil {
			return 0, 0, false, derr
		}

		if inst.IsRelative() {
			abs, terr := inst.ComputeAbsoluteTarget(target + uint64(bytesRead))
			if terr != nil {
				return 0, 0, false, terr
			}
			found = true
			if abs < lo {
				lo = abs
			}
			if abs > hi {
				hi = abs
			}
		}

		bytesRead += inst.Len
	}

	if !found {
		lo, hi = math.MaxUint64, 0
	}
	return lo, hi, found, nil
}
