// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

// systemInfo mirrors the fields of Win32's SYSTEM_INFO this engine needs;
// golang.org/x/sys/windows does not itself expose GetSystemInfo, the same
// gap Dk2014-hinako fills by calling into kernel32.dll directly through a
// lazily-bound proc.
type systemInfo struct {
	wProcessorArchitecture      uint16
	wReserved                   uint16
	dwPageSize                  uint32
	lpMinimumApplicationAddress uintptr
	lpMaximumApplicationAddress uintptr
	dwActiveProcessorMask       uintptr
	dwNumberOfProcessors        uint32
	dwProcessorType             uint32
	dwAllocationGranularity     uint32
	wProcessorLevel             uint16
	wProcessorRevision          uint16
}

// System reports the platform's allocation granularity and the
// application address range, via GetSystemInfo.
func System() (SystemInfo, error) {
	var si systemInfo
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
	return SystemInfo{
		AllocationGranularity: uintptr(si.dwAllocationGranularity),
		MinApplicationAddress: si.lpMinimumApplicationAddress,
		MaxApplicationAddress: si.lpMaximumApplicationAddress,
	}, nil
}

// Query wraps VirtualQuery.
func Query(addr uintptr) (Info, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Info{}, fmt.Errorf("%w: VirtualQuery: %v", ErrPlatformCallFailed, err)
	}
	return Info{
		State:   stateFromWin32(mbi.State),
		Base:    mbi.BaseAddress,
		Size:    mbi.RegionSize,
		Protect: protectFromWin32(mbi.Protect),
	}, nil
}

func stateFromWin32(state uint32) State {
	switch state {
	case windows.MEM_COMMIT:
		return StateCommitted
	case windows.MEM_RESERVE:
		return StateReserved
	default:
		return StateFree
	}
}

func protectFromWin32(p uint32) Protect {
	switch p {
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ExecuteReadWrite
	case windows.PAGE_EXECUTE_READ:
		return ExecuteRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ReadWrite
	case windows.PAGE_READONLY:
		return ReadOnly
	default:
		return NoAccess
	}
}

func protectToWin32(p Protect) uint32 {
	switch p {
	case ExecuteReadWrite:
		return windows.PAGE_EXECUTE_READWRITE
	case ExecuteRead:
		return windows.PAGE_EXECUTE_READ
	case ReadWrite:
		return windows.PAGE_READWRITE
	case ReadOnly:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

// ReserveCommit reserves and commits size bytes of RWX memory at exactly
// hint, the way Dk2014-hinako's virtualAlloc does, but asking for the
// specific base address the reachability window requires rather than
// letting the OS choose.
func ReserveCommit(hint, size uintptr) (uintptr, error) {
	base, err := windows.VirtualAlloc(hint, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("%w: VirtualAlloc: %v", ErrPlatformCallFailed, err)
	}
	if base != hint {
		windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return 0, fmt.Errorf("%w: VirtualAlloc returned %#x, wanted %#x", ErrPlatformCallFailed, base, hint)
	}
	return base, nil
}

// Release frees a region previously reserved by ReserveCommit.
func Release(base, _ uintptr) error {
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("%w: VirtualFree: %v", ErrPlatformCallFailed, err)
	}
	return nil
}

// ProtectRange wraps VirtualProtect, which conveniently reports the
// previous protection directly, unlike POSIX mprotect.
func ProtectRange(base, size uintptr, prot Protect) (Protect, error) {
	var old uint32
	if err := windows.VirtualProtect(base, size, protectToWin32(prot), &old); err != nil {
		return NoAccess, fmt.Errorf("%w: VirtualProtect: %v", ErrPlatformCallFailed, err)
	}
	return protectFromWin32(old), nil
}

// FlushCode flushes the instruction cache over [base, base+size) after a
// code write. Architecturally unnecessary on x86/x64 (spec §5), but
// FlushInstructionCache's documented happens-before semantics are kept
// anyway, exactly as Dk2014-hinako does after every trampoline and patch
// write.
func FlushCode(base, size uintptr) error {
	const currentProcessPseudoHandle = ^uintptr(0)
	r, _, err := procFlushInstructionCache.Call(currentProcessPseudoHandle, base, size)
	if r == 0 {
		return fmt.Errorf("%w: FlushInstructionCache: %v", ErrPlatformCallFailed, err)
	}
	return nil
}
