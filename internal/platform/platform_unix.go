// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package platform

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// System reports the granularity this engine reserves memory at. Linux
// has no fixed "allocation granularity" distinct from the page size the
// way Windows does, so the page size is used directly; region_size
// (spec §3) is still a multiple of it, matching the teacher's
// MMapAllocator, which also rounds its slab size to a page multiple.
func System() (SystemInfo, error) {
	pageSize := uintptr(unix.Getpagesize())
	return SystemInfo{
		AllocationGranularity: pageSize,
		MinApplicationAddress: pageSize,
		MaxApplicationAddress: 0x7ffffffff000,
	}, nil
}

// Query inspects /proc/self/maps to determine whether addr falls inside
// an existing mapping (StateCommitted, sized and protected as that
// mapping reports) or in a free gap (StateFree, sized up to the next
// mapping's start or MaxApplicationAddress).
func Query(addr uintptr) (Info, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return Info{}, fmt.Errorf("%w: open /proc/self/maps: %v", ErrPlatformCallFailed, err)
	}
	defer f.Close()

	var prevEnd uintptr
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lo, hi, perms, ok := parseMapsLine(sc.Text())
		if !ok {
			continue
		}
		if addr >= lo && addr < hi {
			return Info{
				State:   StateCommitted,
				Base:    lo,
				Size:    hi - lo,
				Protect: protectFromPerms(perms),
			}, nil
		}
		if addr < lo {
			// addr falls in the free gap ending at lo.
			base := prevEnd
			if addr > base {
				base = addr
			}
			return Info{State: StateFree, Base: base, Size: lo - base}, nil
		}
		prevEnd = hi
	}
	if err := sc.Err(); err != nil {
		return Info{}, fmt.Errorf("%w: read /proc/self/maps: %v", ErrPlatformCallFailed, err)
	}

	sysInfo, _ := System()
	base := prevEnd
	if addr > base {
		base = addr
	}
	return Info{State: StateFree, Base: base, Size: sysInfo.MaxApplicationAddress - base}, nil
}

func parseMapsLine(line string) (lo, hi uintptr, perms string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, "", false
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return 0, 0, "", false
	}
	loVal, err1 := strconv.ParseUint(rng[0], 16, 64)
	hiVal, err2 := strconv.ParseUint(rng[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, "", false
	}
	return uintptr(loVal), uintptr(hiVal), fields[1], true
}

func protectFromPerms(perms string) Protect {
	r := strings.Contains(perms, "r")
	w := strings.Contains(perms, "w")
	x := strings.Contains(perms, "x")
	switch {
	case x && w:
		return ExecuteReadWrite
	case x && r:
		return ExecuteRead
	case w:
		return ReadWrite
	case r:
		return ReadOnly
	default:
		return NoAccess
	}
}

// ReserveCommit maps size bytes of RWX memory at exactly hint, failing
// rather than letting the kernel pick a different base. This requires
// going around the x/sys/unix Mmap wrapper (which never exposes an
// address argument) straight to the mmap(2) syscall with MAP_FIXED, the
// same way the teacher's own POSIX allocator ultimately bottoms out on
// mmap — see DESIGN.md for why the non-hintable edsrzf/mmap-go wrapper
// itself could not be used here.
func ReserveCommit(hint, size uintptr) (uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		hint,
		size,
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED),
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("%w: mmap: %v", ErrPlatformCallFailed, errno)
	}
	if addr != hint {
		unix.Syscall6(unix.SYS_MUNMAP, addr, size, 0, 0, 0, 0)
		return 0, fmt.Errorf("%w: mmap returned %#x, wanted %#x", ErrPlatformCallFailed, addr, hint)
	}
	return addr, nil
}

// Release unmaps a region previously reserved by ReserveCommit.
func Release(base, size uintptr) error {
	if err := unix.Munmap(ptrToSlice(base, size)); err != nil {
		return fmt.Errorf("%w: munmap: %v", ErrPlatformCallFailed, err)
	}
	return nil
}

// ProtectRange changes the protection of [base, base+size) and returns
// the previous protection. Linux's mprotect does not report the previous
// value, so Query is consulted first, the same two-step shape
// Dk2014-hinako's changeMemoryProtectLevel collapses into one OS call on
// Windows (where VirtualProtect does return the old value directly).
func ProtectRange(base, size uintptr, prot Protect) (Protect, error) {
	before, err := Query(base)
	if err != nil {
		return NoAccess, err
	}
	if err := unix.Mprotect(ptrToSlice(base, size), protToUnixProt(prot)); err != nil {
		return NoAccess, fmt.Errorf("%w: mprotect: %v", ErrPlatformCallFailed, err)
	}
	return before.Protect, nil
}

func protToUnixProt(p Protect) int {
	switch p {
	case ExecuteReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	case ExecuteRead:
		return unix.PROT_READ | unix.PROT_EXEC
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ReadOnly:
		return unix.PROT_READ
	default:
		return unix.PROT_NONE
	}
}

func ptrToSlice(base, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}
