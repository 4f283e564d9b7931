// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

import "unsafe"

// magicInt is scribbled across the unused tail of every never-yet-
// allocated block in a freshly typed slab, when the type provides no
// Init. It exists purely so tests and debug builds can notice
// use-before-init or a write past a block's declared size; it carries
// no meaning to the allocator itself (original_source/nalloc.c's
// NALLOC_MAGIC_INT).
const magicInt uint32 = 0x01FA110C

// MagicFillEnabled gates whether a freshly typed block with no Init gets
// scribbled with magicInt. Debug builds and tests leave it on to catch
// use-before-init; a release build may set it false to skip the write
// entirely -- release builds can flip this off to skip the write --
// modelled as a runtime flag rather than a build tag since this package has
// no other reason to fork on build tags.
var MagicFillEnabled = true

func addrPtr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// writeMagics fills the bytes of the block at addr, past its
// link-field word, with magicInt.
func writeMagics(addr uintptr, size uintptr) {
	if size <= LinkSize {
		return
	}
	n := (size - LinkSize) / unsafe.Sizeof(magicInt)
	words := unsafe.Slice((*uint32)(unsafe.Pointer(addr+LinkSize)), n)
	for i := range words {
		words[i] = magicInt
	}
}

// MagicsValid reports whether the block at addr still carries the
// untouched magic pattern writeMagics left behind. Used by debug-mode
// assertions and tests; never called on the fast path.
func MagicsValid(addr uintptr, size uintptr) bool {
	if size <= LinkSize {
		return true
	}
	n := (size - LinkSize) / unsafe.Sizeof(magicInt)
	words := unsafe.Slice((*uint32)(unsafe.Pointer(addr+LinkSize)), n)
	for _, w := range words {
		if w != magicInt {
			return false
		}
	}
	return true
}
