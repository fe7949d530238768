// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package region implements the region pool and chunk allocator: the
// ordered collection of allocated trampoline regions, searched by address
// proximity, and the chunk-carving logic that hands a single chunk's
// worth of executable storage to the trampoline builder.
//
// Chunk and regionHeader are laid out so they can be cast directly onto
// the raw executable memory platform.ReserveCommit hands back — the same
// "byte-walk a raw OS pointer" technique Dk2014-hinako uses in
// unsafeReadMemory/unsafeWriteMemory, generalized here to a typed
// unsafe.Pointer cast instead of a byte-at-a-time loop, since every field
// of Chunk is a fixed-size value with no Go pointers.
package region

import (
	"unsafe"

	"github.com/nativehook/zyrex/internal/arch"
)

// TranslationItem is one entry of a chunk's translation map: the position
// of an instruction in the original prologue and its new position in the
// trampoline's code buffer.
type TranslationItem struct {
	OffsetOriginal   uint8
	OffsetTrampoline uint8
}

// Chunk is the durable unit of trampoline storage, matching spec.md §3's
// trampoline chunk exactly. It contains no Go pointers, slices, or
// interfaces, so it may be safely projected onto raw, OS-owned executable
// memory via unsafe.Pointer — see chunkAt.
type Chunk struct {
	IsUsed uint32

	// CallbackAddress is x64-only and stays zero on x86. CallbackJump is
	// filled in both modes: on x64 it is an indirect jump through
	// CallbackAddress, on x86 a direct relative jump to the callback
	// padded with one NOP.
	CallbackAddress uint64
	CallbackJump    [arch.SizeofAbsoluteJump]byte

	BackjumpAddress uint64

	CodeBuffer     [arch.MaxCodeWithBackjump]byte
	CodeBufferSize uint32

	TranslationCount uint32
	TranslationMap   [arch.MaxTranslationItems]TranslationItem

	OriginalCodeSize uint32
	OriginalCode     [arch.MaxPrologueBytes]byte
}

// chunkSize is the fixed size of a Chunk when projected onto raw memory.
// Go permits unsafe.Sizeof of a literal struct type as a constant
// expression, since Chunk contains only arrays and fixed-width integers.
const chunkSize = unsafe.Sizeof(Chunk{})

// regionHeader occupies the storage of a region's first chunk (spec.md
// §3: "The first chunk's storage overlaps a region header"). It must fit
// within chunkSize, asserted in NewPool.
type regionHeader struct {
	Signature             uint32
	NumberOfUnusedChunks  uint32
}

const regionHeaderSize = unsafe.Sizeof(regionHeader{})

// Region is a contiguous span of OS-reserved executable memory, addressed
// as chunksPerRegion chunks. Region itself lives in ordinary Go memory;
// only Base points at the OS-owned bytes.
type Region struct {
	Base            uintptr
	Size            uintptr
	ChunksPerRegion int
}

func (r *Region) header() *regionHeader {
	return (*regionHeader)(unsafe.Pointer(r.Base))
}

// chunkAt returns a pointer to chunk i's storage, projected directly onto
// the region's raw OS memory. i must be in [0, ChunksPerRegion); i == 0
// is the header chunk, reserved and never handed out.
func (r *Region) chunkAt(i int) *Chunk {
	return (*Chunk)(unsafe.Pointer(r.Base + uintptr(i)*chunkSize))
}

// Signature reports the region header's magic tag.
func (r *Region) Signature() uint32 { return r.header().Signature }

// UnusedChunks reports how many of the region's chunks (excluding the
// reserved header chunk) are currently unused.
func (r *Region) UnusedChunks() int { return int(r.header().NumberOfUnusedChunks) }

// ChunkAddress returns the runtime address of chunk i's code buffer
// start — the address a published trampoline handle refers to.
func (r *Region) ChunkAddress(i int) uintptr {
	return r.Base + uintptr(i)*chunkSize + chunkCodeBufferOffset
}

// Chunk returns chunk i, 1 <= i < ChunksPerRegion (chunk 0 is the header
// chunk and is never handed out).
func (r *Region) Chunk(i int) *Chunk { return r.chunkAt(i) }

// IndexOfCodeAddress recovers the chunk index owning a previously
// published trampoline code address, the inverse of ChunkAddress. It
// returns false if addr does not land exactly on a chunk's code buffer
// start within this region.
func (r *Region) IndexOfCodeAddress(addr uintptr) (int, bool) {
	if addr < r.Base+chunkCodeBufferOffset {
		return 0, false
	}
	rel := addr - chunkCodeBufferOffset - r.Base
	if rel%chunkSize != 0 {
		return 0, false
	}
	i := int(rel / chunkSize)
	if i < 1 || i >= r.ChunksPerRegion {
		return 0, false
	}
	return i, true
}

func (r *Region) setUnusedChunks(n int) { r.header().NumberOfUnusedChunks = uint32(n) }

func (r *Region) setSignature(sig uint32) { r.header().Signature = sig }

// chunkCodeBufferOffset is the byte offset of the CodeBuffer field within
// Chunk, used to translate between a chunk's base and the published
// trampoline address (which points at CodeBuffer[0], not at the chunk).
const chunkCodeBufferOffset = unsafe.Offsetof(Chunk{}.CodeBuffer)

// chunkBackjumpOffset and chunkCallbackOffset are the byte offsets of the
// two pointer-sized slots a chunk reserves outside its code buffer: the
// trampoline builder emits an indirect jump through each, rather than
// baking a rel32 displacement into the code buffer itself, so the jump
// target can be patched without touching executable bytes.
const (
	chunkBackjumpOffset = unsafe.Offsetof(Chunk{}.BackjumpAddress)
	chunkCallbackOffset = unsafe.Offsetof(Chunk{}.CallbackAddress)
)

// BackjumpSlotAddress returns the runtime address of chunk i's
// BackjumpAddress field: where the builder stores the absolute address
// the trampoline jumps back to after its relocated prologue runs.
func (r *Region) BackjumpSlotAddress(i int) uint64 {
	return uint64(r.Base + uintptr(i)*chunkSize + chunkBackjumpOffset)
}

// CallbackSlotAddress returns the runtime address of chunk i's
// CallbackAddress field: where the builder stores the hook callback's
// address for the x64 indirect CallbackJump.
func (r *Region) CallbackSlotAddress(i int) uint64 {
	return uint64(r.Base + uintptr(i)*chunkSize + chunkCallbackOffset)
}

// Pool is the process-wide collection of allocated trampoline regions,
// kept sorted by base address ascending. Per spec.md §5, Pool carries no
// internal synchronization: the caller is required to hold the
// higher-level transaction lock around every Pool operation.
type Pool struct {
	Regions         []*Region
	RegionSize      uintptr
	ChunksPerRegion int
}
