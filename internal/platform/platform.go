// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package platform is the memory adapter spec.md treats as an external
// collaborator: page-level queries, reservations at hinted addresses, and
// protection changes. It is split into platform_unix.go (Linux, via
// golang.org/x/sys/unix) and platform_windows.go (via
// golang.org/x/sys/windows), the same way the teacher splits
// architecture-specific code across build-tagged files
// (exec/native_compile_nogae.go) and the way Dk2014-hinako's
// VirtualAlloc/VirtualProtect wrapper is itself a thin, typed adapter
// over the OS's raw memory-management calls.
package platform

import (
	"errors"
	"unsafe"
)

// ErrPlatformCallFailed wraps an OS-level failure from a query, reserve,
// commit, protect, or release call.
var ErrPlatformCallFailed = errors.New("platform: call failed")

// State is the allocation state of a virtual address range, as returned
// by a page query.
type State int

const (
	StateFree State = iota
	StateReserved
	StateCommitted
)

// Protect is a page protection level, independent of how the underlying
// OS encodes it.
type Protect int

const (
	NoAccess Protect = iota
	ReadOnly
	ReadWrite
	ExecuteRead
	ExecuteReadWrite
)

// Info describes one virtual address range as returned by Query.
type Info struct {
	State   State
	Base    uintptr
	Size    uintptr
	Protect Protect
}

// SystemInfo holds the platform constants the region pool sizes itself
// around.
type SystemInfo struct {
	AllocationGranularity uintptr
	MinApplicationAddress uintptr
	MaxApplicationAddress uintptr
}

// ReadBytes copies n bytes starting at the in-process address addr into a
// new slice. This is how the trampoline builder reads a hook target's
// prologue: the target always lives in this process's own address space,
// so no cross-process memory API is needed, only an unsafe.Pointer cast
// over the raw address — the same technique Dk2014-hinako's
// unsafeReadMemory uses, generalized from a byte-at-a-time loop to a
// single unsafe.Slice projection.
func ReadBytes(addr uintptr, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	dst := make([]byte, n)
	copy(dst, src)
	return dst
}

// WriteBytes copies src into the in-process memory starting at addr. The
// caller is responsible for having unprotected that range first.
func WriteBytes(addr uintptr, src []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(src))
	copy(dst, src)
}
