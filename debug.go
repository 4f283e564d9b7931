// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package linalloc

import (
	"unsafe"

	"github.com/fmstephe/linalloc/internal/slab"
)

// SetMagicFillEnabled toggles whether freshly typed blocks with no Init get
// scribbled with a debug magic pattern. It is a process-wide, runtime
// setting rather than a build tag; call it once at startup, before minting
// any Arena, to switch between debug and release behaviour.
func SetMagicFillEnabled(enabled bool) {
	slab.MagicFillEnabled = enabled
}

// MagicsValid reports whether the size-byte block at addr, past its leading
// link word, still carries the untouched debug magic pattern. It is meaningless for a block whose type
// has an Init, or for one allocated while magic-fill was disabled.
func MagicsValid(addr unsafe.Pointer, size uintptr) bool {
	return slab.MagicsValid(uintptr(addr), size)
}
