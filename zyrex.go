// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zyrex is a runtime x86/x86-64 function-hooking trampoline
// engine: given the address of a target function and a replacement
// ("callback") function, Create prepares an executable trampoline — a
// relocated copy of the target's prologue followed by a jump back into
// the remainder of the target — so the original function stays callable
// after a caller (outside this package's scope) patches a branch at the
// target's entry point to redirect control to the callback.
//
// zyrex does not itself install or remove that redirecting branch, does
// not freeze threads, and does not support architectures other than
// x86/x86-64; see the package's design notes for the full list of
// non-goals.
package zyrex

import (
	"runtime"
	"sync"

	"github.com/nativehook/zyrex/internal/arch"
	"github.com/nativehook/zyrex/internal/builder"
	"github.com/nativehook/zyrex/internal/platform"
	"github.com/nativehook/zyrex/internal/reach"
	"github.com/nativehook/zyrex/internal/region"
)

// Flags selects which relative-instruction families CreateEx is
// permitted to rewrite. The underlying type lives in internal/arch so
// internal/builder can consume it without a dependency on this package.
type Flags = arch.Flags

// The individual rewrite bits CreateEx accepts, and the default set
// Create uses.
const (
	RewriteCall  = arch.RewriteCall
	RewriteJCXZ  = arch.RewriteJCXZ
	RewriteLoop  = arch.RewriteLoop
	DefaultFlags = arch.DefaultFlags
)

// Handle is an opaque reference to a live trampoline. The zero Handle is
// never valid; every Handle returned by Create/CreateEx refers to a
// chunk the pool still owns until Free releases it.
type Handle struct {
	// CodeAddress is the address of the trampoline's executable code:
	// calling through it runs the relocated prologue followed by a jump
	// back into target.
	CodeAddress uintptr
}

// pool is the process-wide collection of allocated trampoline regions,
// lazily created on the first Create/CreateEx call and torn down when
// the last live trampoline is freed. mu is the "caller's transaction
// lock" region.Pool's doc requires: region.Pool itself
// carries no synchronization, so every operation on pool is made here,
// under mu, exactly once per public call.
var (
	mu   sync.Mutex
	pool *region.Pool
)

// Create prepares a trampoline for target with the default rewrite
// flags (RewriteCall | RewriteJCXZ | RewriteLoop).
func Create(target, callback uintptr, minBytesToReloc int) (Handle, error) {
	return CreateEx(target, callback, minBytesToReloc, DefaultFlags)
}

// CreateEx prepares a trampoline for target, relocating at least
// minBytesToReloc bytes of its prologue, with callback stored for the
// x64 indirect callback-jump slot. flags controls which
// relative-instruction families in the prologue may be rewritten; a
// prologue instruction needing an unset flag fails with
// ErrUnsupportedInstruction.
func CreateEx(target, callback uintptr, minBytesToReloc int, flags Flags) (Handle, error) {
	if target == 0 || callback == 0 || minBytesToReloc < 1 {
		return Handle{}, ErrInvalidArgument
	}

	mu.Lock()
	defer mu.Unlock()

	if pool == nil {
		p, err := region.NewPool()
		if err != nil {
			return Handle{}, wrapEngineErr(err)
		}
		pool = p
	}

	info, err := platform.Query(target)
	if err != nil {
		return Handle{}, wrapEngineErr(err)
	}
	if info.State != platform.StateCommitted {
		return Handle{}, ErrInvalidOperation
	}
	readable := (info.Base + info.Size) - target
	if readable > arch.MaxCodeSize {
		readable = arch.MaxCodeSize
	}
	if readable < uintptr(minBytesToReloc) {
		return Handle{}, ErrInvalidOperation
	}

	mode := arch.Mode32
	if runtime.GOARCH == "amd64" {
		mode = arch.Mode64
	}

	lo, hi := uint64(target), uint64(target)
	if mode == arch.Mode64 {
		prologue := platform.ReadBytes(target, int(readable))
		wLo, wHi, found, werr := reach.Window(uint64(target), prologue, minBytesToReloc)
		if werr != nil {
			return Handle{}, wrapEngineErr(werr)
		}
		if found {
			if wLo < lo {
				lo = wLo
			}
			if wHi > hi {
				hi = wHi
			}
		}
	}
	if hi-lo > arch.RangeofRelativeJump {
		return Handle{}, ErrOutOfRange
	}

	r, idx, isNew, err := pool.Acquire(lo, hi)
	if err != nil {
		return Handle{}, wrapEngineErr(err)
	}

	if err := region.Unprotect(r); err != nil {
		if isNew {
			platform.Release(r.Base, r.Size)
		}
		return Handle{}, wrapEngineErr(err)
	}

	buildErr := builder.Build(r, idx, uint64(target), uint64(callback), minBytesToReloc, mode, flags)
	if buildErr == nil {
		pool.Commit(r, idx)
	}
	protErr := region.Protect(r)

	if buildErr != nil {
		if isNew {
			platform.Release(r.Base, r.Size)
		}
		return Handle{}, wrapEngineErr(buildErr)
	}
	if protErr != nil {
		pool.Abandon(r, idx)
		if isNew {
			platform.Release(r.Base, r.Size)
		}
		return Handle{}, wrapEngineErr(protErr)
	}

	if isNew {
		pool.InsertRegion(r)
	}

	return Handle{CodeAddress: r.ChunkAddress(idx)}, nil
}

// Free releases h's resources back to the pool. Freeing the same handle
// twice, or a Handle the pool does not recognize, fails with
// ErrInvalidArgument and has no observable effect.
func Free(h Handle) error {
	mu.Lock()
	defer mu.Unlock()

	if pool == nil {
		return ErrInvalidArgument
	}
	if err := pool.Free(h.CodeAddress); err != nil {
		return wrapEngineErr(err)
	}
	if len(pool.Regions) == 0 {
		pool = nil
	}
	return nil
}
