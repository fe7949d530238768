// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build 386

package reach

// Window is a no-op on x86: every 32-bit address is within a rel32
// displacement of every other, so no reachability window is needed
// (spec §4.3). found is always false; callers widen [lo, hi] with the
// target address alone.
func Window(target uint64, prologue []byte, minBytes int) (lo, hi uint64, found bool, err error) {
	return 0, 0, false, nil
}
