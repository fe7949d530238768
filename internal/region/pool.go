// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nativehook/zyrex/internal/arch"
	"github.com/nativehook/zyrex/internal/platform"
)

// ErrNotFound is returned by FindChunk when no already-allocated region
// holds a chunk reachable from both bounds.
var ErrNotFound = errors.New("region: no reachable chunk")

// ErrOutOfRange is returned when no candidate address for a new region
// can reach both bounds, per spec.md §4.4's allocate_region.
var ErrOutOfRange = errors.New("region: no reachable placement for a new region")

// NewPool initializes a Pool sized off the platform's allocation
// granularity, following the original Zyrex engine (not spec.md's
// "region_size == chunks_per_region*sizeof(chunk)" literally): region
// size is set to the OS allocation granularity, and chunks_per_region is
// derived by floor-dividing it by sizeof(Chunk); any remainder bytes at
// the tail of a region are unused padding, exactly as the distance
// between the original's `g_trampoline_data.region_size =
// system_info.dwAllocationGranularity` and
// `chunks_per_region = region_size / sizeof(ZyrexTrampolineChunk)`
// implies.
func NewPool() (*Pool, error) {
	sysInfo, err := platform.System()
	if err != nil {
		return nil, err
	}
	regionSize := sysInfo.AllocationGranularity
	chunksPerRegion := int(regionSize / chunkSize)
	if chunksPerRegion < 2 {
		return nil, fmt.Errorf("region: allocation granularity %d too small for chunk size %d", regionSize, chunkSize)
	}
	if regionHeaderSize > chunkSize {
		return nil, fmt.Errorf("region: region header (%d bytes) does not fit in a chunk (%d bytes)", regionHeaderSize, chunkSize)
	}
	return &Pool{RegionSize: regionSize, ChunksPerRegion: chunksPerRegion}, nil
}

// chunkDistance is the asymmetric, conservative reachability distance
// between a chunk's base address and a bound address, re-derived from
// the original engine's ZyrexTrampolineRegionFindChunkInRegion (spec.md
// §9 open question (a), rather than transliterated): when the bound lies
// below the chunk, one extra chunk's width of slack is added, since the
// chunk actually handed out could sit up to one chunk further from the
// bound than this probe's base.
func chunkDistance(chunkBase uintptr, addr uint64) int64 {
	d := int64(chunkBase) - int64(addr)
	if addr < uint64(chunkBase) {
		d += int64(chunkSize)
	}
	return d
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func reachable(dist int64) bool {
	return absInt64(dist) <= arch.RangeofRelativeJump
}

// findChunkInRegion searches region for an unused chunk reachable from
// both lo and hi, scanning chunks 1..chunksPerRegion-1 (chunk 0 is the
// header). Matches spec.md §4.4 verbatim.
func findChunkInRegion(region *Region, lo, hi uint64) (*Chunk, int, bool) {
	if region.UnusedChunks() == 0 {
		return nil, 0, false
	}
	for i := 1; i < region.ChunksPerRegion; i++ {
		base := region.ChunkAddress(i)
		if !reachable(chunkDistance(base, lo)) {
			continue
		}
		if !reachable(chunkDistance(base, hi)) {
			continue
		}
		if region.Chunk(i).IsUsed != 0 {
			continue
		}
		return region.Chunk(i), i, true
	}
	return nil, 0, false
}

// regionInRange is the coarse, region-level precheck spec.md §9 open
// question (b) asks be re-derived rather than transliterated from the
// original's operator-precedence-ambiguous expression: a region is worth
// scanning only if at least one of its two edge chunks (the first usable
// chunk, index 1, and the last chunk, index chunksPerRegion-1) can reach
// both bounds — the same "is chunk i reachable from both lo and hi"
// predicate findChunkInRegion uses per-chunk, applied to the region's two
// extremes as a cheap filter before a full per-chunk scan.
func regionInRange(region *Region, lo, hi uint64) bool {
	firstBase := region.ChunkAddress(1)
	lastBase := region.ChunkAddress(region.ChunksPerRegion - 1)
	for _, base := range []uintptr{firstBase, lastBase} {
		if reachable(chunkDistance(base, lo)) && reachable(chunkDistance(base, hi)) {
			return true
		}
	}
	return false
}

// FindChunk searches the pool's regions, sorted by base address, for an
// unused chunk reachable from both lo and hi. It binary-searches by the
// midpoint of [lo, hi] and then expands outward alternately, exactly as
// spec.md §4.4 describes.
func (p *Pool) FindChunk(lo, hi uint64) (*Region, *Chunk, int, error) {
	n := len(p.Regions)
	if n == 0 {
		return nil, nil, 0, ErrNotFound
	}

	mid := uintptr((lo + hi) / 2)
	idx := sort.Search(n, func(i int) bool { return p.Regions[i].Base >= mid })
	if idx == n {
		idx--
	}

	low, high := idx, idx+1
	for {
		advanced := false

		if low >= 0 {
			if chunk, i, ok := findChunkInRegion(p.Regions[low], lo, hi); ok {
				return p.Regions[low], chunk, i, nil
			}
			low--
			advanced = true
		}
		if high < n {
			if chunk, i, ok := findChunkInRegion(p.Regions[high], lo, hi); ok {
				return p.Regions[high], chunk, i, nil
			}
			high++
			advanced = true
		}
		if !advanced {
			return nil, nil, 0, ErrNotFound
		}
	}
}

func alignDown(addr, align uintptr) uintptr { return addr - addr%align }
func alignUp(addr, align uintptr) uintptr {
	if addr%align == 0 {
		return addr
	}
	return addr - addr%align + align
}

func clamp(addr, min, max uintptr) uintptr {
	if addr < min {
		return min
	}
	if addr > max {
		return max
	}
	return addr
}

// AllocateRegion reserves a fresh region whose chunks can reach both lo
// and hi, probing outward from the midpoint of [lo, hi] exactly as
// spec.md §4.4 / the original ZyrexTrampolineRegionAllocate describes.
func (p *Pool) AllocateRegion(lo, hi uint64) (*Region, error) {
	sysInfo, err := platform.System()
	if err != nil {
		return nil, err
	}

	mid := uintptr((lo + hi) / 2)
	candidateLo := alignDown(mid, p.RegionSize)
	candidateHi := alignUp(mid, p.RegionSize)

	for {
		candidateLo = clamp(candidateLo, sysInfo.MinApplicationAddress, sysInfo.MaxApplicationAddress)
		candidateHi = clamp(candidateHi, sysInfo.MinApplicationAddress, sysInfo.MaxApplicationAddress)

		tried := false

		if r := (&Region{Base: candidateLo, Size: p.RegionSize, ChunksPerRegion: p.ChunksPerRegion}); regionInRange(r, lo, hi) {
			tried = true
			info, err := platform.Query(candidateLo)
			if err != nil {
				return nil, err
			}
			if info.State == platform.StateFree && info.Size >= p.RegionSize {
				if base, err := platform.ReserveCommit(candidateLo, p.RegionSize); err == nil {
					return p.initRegion(base), nil
				}
			}
			candidateLo = info.Base - p.RegionSize
		}

		if r := (&Region{Base: candidateHi, Size: p.RegionSize, ChunksPerRegion: p.ChunksPerRegion}); regionInRange(r, lo, hi) {
			tried = true
			info, err := platform.Query(candidateHi)
			if err != nil {
				return nil, err
			}
			if info.State == platform.StateFree && info.Size >= p.RegionSize {
				if base, err := platform.ReserveCommit(candidateHi, p.RegionSize); err == nil {
					return p.initRegion(base), nil
				}
			}
			candidateHi = info.Base + info.Size
		}

		if !tried {
			return nil, ErrOutOfRange
		}
	}
}

func (p *Pool) initRegion(base uintptr) *Region {
	r := &Region{Base: base, Size: p.RegionSize, ChunksPerRegion: p.ChunksPerRegion}
	r.setSignature(arch.RegionSignature)
	r.setUnusedChunks(p.ChunksPerRegion - 1)
	return r
}

// InsertRegion inserts region into the pool's sorted region list.
func (p *Pool) InsertRegion(region *Region) {
	idx := sort.Search(len(p.Regions), func(i int) bool { return p.Regions[i].Base >= region.Base })
	p.Regions = append(p.Regions, nil)
	copy(p.Regions[idx+1:], p.Regions[idx:])
	p.Regions[idx] = region
}

// RemoveRegion removes region from the pool's sorted region list.
func (p *Pool) RemoveRegion(region *Region) {
	idx := sort.Search(len(p.Regions), func(i int) bool { return p.Regions[i].Base >= region.Base })
	if idx >= len(p.Regions) || p.Regions[idx] != region {
		return
	}
	p.Regions = append(p.Regions[:idx], p.Regions[idx+1:]...)
}

// RegionForAddress finds the region that owns addr, by binary search.
func (p *Pool) RegionForAddress(addr uintptr) (*Region, bool) {
	base := alignDown(addr, p.RegionSize)
	idx := sort.Search(len(p.Regions), func(i int) bool { return p.Regions[i].Base >= base })
	if idx < len(p.Regions) && p.Regions[idx].Base == base {
		return p.Regions[idx], true
	}
	return nil, false
}

// Unprotect elevates the entire region to RWX for the duration of a
// mutation. spec.md §4.4 notes a minimal implementation could toggle only
// the header's page (shared with the first chunk) plus the specific
// target chunk's page on demand, but protecting the whole region is the
// "more complete" alternative it explicitly sanctions, and is what this
// engine does: a mutation always touches both the header (the unused-
// chunk counter) and a chunk's code buffer, which need not share a page.
func Unprotect(region *Region) error {
	_, err := platform.ProtectRange(region.Base, region.Size, platform.ExecuteReadWrite)
	return err
}

// Protect restores the region to RX after a mutation.
func Protect(region *Region) error {
	_, err := platform.ProtectRange(region.Base, region.Size, platform.ExecuteRead)
	return err
}
