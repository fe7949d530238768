// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command zyrex-dump is a read-only diagnostic aid: given a hex-encoded
// byte prefix, it decodes it instruction by instruction and prints the
// [lo, hi] reachability window a trampoline placed there would need,
// the same computation CreateEx runs internally before allocating one.
// It is not part of the zyrex library API, the same way wasm-dump is not
// part of wagon's library API.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nativehook/zyrex/internal/arch"
	"github.com/nativehook/zyrex/internal/decode"
	"github.com/nativehook/zyrex/internal/reach"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: zyrex-dump [options] hexbytes

ex:
 $> zyrex-dump -target 0x401000 -min-bytes 5 554889e54883ec20

options:
`,
		)
		flag.PrintDefaults()
		os.Exit(1)
	}
}

var (
	flagTarget   = flag.String("target", "0x1000", "hypothetical runtime address the bytes are decoded at")
	flagMinBytes = flag.Int("min-bytes", 5, "minimum number of bytes to relocate")
	flagMode     = flag.Int("mode", arch.Mode64, "processor mode to decode in: 16, 32, or 64")
)

func main() {
	log.SetPrefix("zyrex-dump: ")
	log.SetFlags(0)

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
	}

	var target uint64
	if _, err := fmt.Sscanf(*flagTarget, "0x%x", &target); err != nil {
		if _, err := fmt.Sscanf(*flagTarget, "%d", &target); err != nil {
			log.Fatalf("invalid -target %q: %v", *flagTarget, err)
		}
	}

	prologue, err := hex.DecodeString(flag.Arg(0))
	if err != nil {
		log.Fatalf("invalid hex bytes: %v", err)
	}

	dump(target, prologue, *flagMinBytes, *flagMode)
}

func dump(target uint64, prologue []byte, minBytes, mode int) {
	fmt.Printf("target=%#x min_bytes=%d mode=%d\n\n", target, minBytes, mode)

	bytesRead := 0
	for bytesRead < len(prologue) {
		inst, err := decode.Decode(prologue[bytesRead:], mode)
		if err != nil {
			log.Fatalf("decode error at offset %d: %v", bytesRead, err)
		}

		line := fmt.Sprintf(" %06x: %-24s len=%-2d op=%v",
			bytesRead, hex.EncodeToString(prologue[bytesRead:bytesRead+inst.Len]), inst.Len, inst.Op)
		if inst.IsRelative() {
			abs, err := inst.ComputeAbsoluteTarget(target + uint64(bytesRead))
			if err != nil {
				log.Fatalf("compute absolute target at offset %d: %v", bytesRead, err)
			}
			line += fmt.Sprintf(" -> %#x", abs)
		}
		fmt.Println(line)

		bytesRead += inst.Len
		if bytesRead >= minBytes {
			break
		}
	}

	if mode != arch.Mode64 {
		fmt.Printf("\nno reachability window on mode=%d: every address is within rel32 of every other\n", mode)
		return
	}

	lo, hi, found, err := reach.Window(target, prologue, minBytes)
	if err != nil {
		log.Fatalf("reachability window: %v", err)
	}
	if !found {
		fmt.Printf("\nno relative operands encountered; window is [target, target] = [%#x, %#x]\n", target, target)
		return
	}
	if target < lo {
		lo = target
	}
	if target > hi {
		hi = target
	}
	fmt.Printf("\nreachability window: [%#x, %#x] (span=%#x, limit=%#x)\n", lo, hi, hi-lo, uint64(arch.RangeofRelativeJump))
	if hi-lo > arch.RangeofRelativeJump {
		fmt.Println("span exceeds RangeofRelativeJump: CreateEx would fail with ErrOutOfRange")
	}
}
