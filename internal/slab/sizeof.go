// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

// TypeSizeOf returns the block size of the type currently assigned to the
// slab containing addr, or 0 if that slab is Untyped. Used by the
// size-class dispatcher to recover a block's size from its address alone,
// the same way Linfree recovers a block's type.
func TypeSizeOf(addr uintptr, slabSize uintptr) uintptr {
	sl := SlabOf(addr, slabSize)
	typ := typeByID(sl.txLoad().typeID())
	if typ == nil {
		return 0
	}
	return typ.Size
}
