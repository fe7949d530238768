// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"errors"
	"fmt"

	"github.com/nativehook/zyrex/internal/platform"
)

// ErrInvalidArgument is returned when Free is asked to release an
// address that does not correspond to a live chunk.
var ErrInvalidArgument = errors.New("region: not a live trampoline handle")

// Acquire finds an unused chunk reachable from both lo and hi, allocating
// a new region if no existing one has a fit. It does not mark the chunk
// used; the caller (the public façade) does that only after the
// trampoline builder has successfully filled it in, so a build failure
// never leaves a chunk marked used with uninitialized contents.
func (p *Pool) Acquire(lo, hi uint64) (region *Region, chunkIndex int, isNewRegion bool, err error) {
	if region, _, idx, err := p.FindChunk(lo, hi); err == nil {
		return region, idx, false, nil
	}

	region, err = p.AllocateRegion(lo, hi)
	if err != nil {
		return nil, 0, false, err
	}
	_, idx, ok := findChunkInRegion(region, lo, hi)
	if !ok {
		// Should not happen: AllocateRegion only returns regions whose
		// edge chunks satisfy regionInRange, and a freshly allocated
		// region's chunks are all unused.
		if relErr := platform.Release(region.Base, region.Size); relErr != nil {
			return nil, 0, false, fmt.Errorf("region: freshly allocated region unreachable, and release failed: %v", relErr)
		}
		return nil, 0, false, ErrOutOfRange
	}
	return region, idx, true, nil
}

// Commit marks chunk i of region used and decrements the region's
// unused-chunk counter, after a successful trampoline build.
func (p *Pool) Commit(region *Region, i int) {
	region.Chunk(i).IsUsed = 1
	region.setUnusedChunks(region.UnusedChunks() - 1)
}

// Abandon undoes a Commit: it marks chunk i of region unused again and
// increments the region's unused-chunk counter. It returns nothing; the
// caller decides whether to release a freshly allocated region.
func (p *Pool) Abandon(region *Region, i int) {
	region.Chunk(i).IsUsed = 0
	region.setUnusedChunks(region.UnusedChunks() + 1)
}

// Free releases the chunk owning handleAddr: it must be the address
// previously published as a trampoline's code address. This is the full
// implementation spec.md §9 open question (c) calls for, locating the
// chunk by masking the handle address down to the region size rather
// than the stub the original source contains.
func (p *Pool) Free(handleAddr uintptr) error {
	region, ok := p.RegionForAddress(handleAddr)
	if !ok {
		return ErrInvalidArgument
	}
	idx, ok := region.IndexOfCodeAddress(handleAddr)
	if !ok {
		return ErrInvalidArgument
	}
	chunk := region.Chunk(idx)
	if chunk.IsUsed == 0 {
		return ErrInvalidArgument
	}

	if err := Unprotect(region); err != nil {
		return err
	}
	*chunk = Chunk{}
	region.setUnusedChunks(region.UnusedChunks() + 1)
	releaseRegion := region.UnusedChunks() == p.ChunksPerRegion-1
	if err := Protect(region); err != nil {
		return err
	}

	if releaseRegion {
		p.RemoveRegion(region)
		if err := platform.Release(region.Base, region.Size); err != nil {
			return err
		}
	}
	return nil
}
