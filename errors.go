// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zyrex

import (
	"errors"
	"fmt"

	"github.com/nativehook/zyrex/internal/builder"
	"github.com/nativehook/zyrex/internal/decode"
	"github.com/nativehook/zyrex/internal/platform"
	"github.com/nativehook/zyrex/internal/region"
)

// The six error kinds this engine reports, as package-level sentinels
// checkable with errors.Is, matching the teacher's exec/vm.go /
// exec/memory.go style (ErrMultipleLinearMemories, ErrOutOfBoundsMemoryAccess).
var (
	// ErrInvalidArgument is returned for a nil target, a nil callback or
	// a minBytesToReloc below 1, and by Free for a Handle that does not
	// refer to a live trampoline.
	ErrInvalidArgument = errors.New("zyrex: invalid argument")
	// ErrInvalidOperation is returned when the target does not lie in a
	// committed mapping, when the target's readable region is smaller than
	// minBytesToReloc, or when the relocated prologue does not fit in a
	// chunk.
	ErrInvalidOperation = errors.New("zyrex: invalid operation")
	// ErrOutOfRange is returned when no trampoline placement can reach
	// every relative operand's absolute target within ±2GiB.
	ErrOutOfRange = errors.New("zyrex: no reachable trampoline region")
	// ErrDecodeFailed is returned when the target's prologue cannot be
	// decoded as valid x86/x64 machine code.
	ErrDecodeFailed = errors.New("zyrex: decode failed")
	// ErrUnsupportedInstruction is returned when the prologue contains an
	// instruction this engine cannot relocate, or can only relocate with
	// a Flags bit the caller did not set.
	ErrUnsupportedInstruction = errors.New("zyrex: unsupported instruction")
	// ErrPlatformCallFailed wraps an underlying OS memory-management
	// failure (query, reserve, commit, protect, or release).
	ErrPlatformCallFailed = errors.New("zyrex: platform call failed")
)

// wrapEngineErr translates an internal-package sentinel into the
// corresponding root-level one via errors.Is. The root sentinel is wrapped
// with %w, so errors.Is matches it; the original error is kept only as
// text (formatted with %v). Errors that carry none of the listed
// internal-package sentinels are returned unchanged.
func wrapEngineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, decode.ErrDecodeFailed):
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	case errors.Is(err, builder.ErrUnsupportedInstruction):
		return fmt.Errorf("%w: %v", ErrUnsupportedInstruction, err)
	case errors.Is(err, builder.ErrTrampolineTooSmall):
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	case errors.Is(err, platform.ErrPlatformCallFailed):
		return fmt.Errorf("%w: %v", ErrPlatformCallFailed, err)
	case errors.Is(err, region.ErrOutOfRange), errors.Is(err, region.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	case errors.Is(err, region.ErrInvalidArgument):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, decode.ErrUnreachableCase):
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	default:
		return err
	}
}
