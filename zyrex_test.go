// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zyrex

import "testing"

// CreateEx's argument validation runs before it ever touches the pool or
// platform memory, so it can be exercised directly without a real target
// function or OS-mapped memory.

func TestCreateExRejectsNilTarget(t *testing.T) {
	_, err := CreateEx(0, 0, 5, DefaultFlags)
	if err != ErrInvalidArgument {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestCreateExRejectsNilCallback(t *testing.T) {
	_, err := CreateEx(0x1000, 0, 5, DefaultFlags)
	if err != ErrInvalidArgument {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestCreateExRejectsZeroMinBytes(t *testing.T) {
	_, err := CreateEx(0x1000, 0x2000, 0, DefaultFlags)
	if err != ErrInvalidArgument {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestCreateExRejectsNegativeMinBytes(t *testing.T) {
	_, err := CreateEx(0x1000, 0x2000, -1, DefaultFlags)
	if err != ErrInvalidArgument {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestFreeWithoutAnyLivePoolIsInvalidArgument(t *testing.T) {
	// This test assumes no prior test in this package has left a live
	// pool behind (none of the above reach far enough to allocate one).
	if err := Free(Handle{CodeAddress: 0x1234}); err != ErrInvalidArgument {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestFlagsAliasMatchesArchConstants(t *testing.T) {
	if DefaultFlags != RewriteCall|RewriteJCXZ|RewriteLoop {
		t.Fatal("DefaultFlags should be the union of every individual rewrite flag")
	}
}
