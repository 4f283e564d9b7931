// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

import (
	"fmt"
	"unsafe"

	"github.com/fmstephe/flib/fmath"
)

// LinkSize is the size, in bytes, of the link field every block
// reserves at its lowest address. Local and hot free-list membership
// is threaded through this field, so every size class must be a
// non-zero multiple of it.
const LinkSize = unsafe.Sizeof(uintptr(0))

// Config describes the single, process-wide slab geometry shared by
// every heritage and the free-slab pool. SLAB_SIZE must be a power of
// two so that the slab containing an arbitrary interior address can be
// found with a single mask (see SlabOf).
type Config struct {
	SlabSize uintptr
}

// NewConfig rounds slabSize up to the next power of two and returns
// the resulting Config.
func NewConfig(slabSize uintptr) Config {
	rounded := uintptr(fmath.NxtPowerOfTwo(int64(slabSize)))
	return Config{SlabSize: rounded}
}

// MaxBlock is the largest block size this Config's slabs can host:
// the payload area left over once the footer is carved out of the end
// of a slab.
func (c Config) MaxBlock() uintptr {
	return c.SlabSize - footerSize
}

// ValidateBlockSize checks that size is usable as a heritage's block
// size under this Config.
func (c Config) ValidateBlockSize(size uintptr) error {
	if size == 0 {
		return fmt.Errorf("slab: block size must be non-zero")
	}
	if size%LinkSize != 0 {
		return fmt.Errorf("slab: block size %d is not a multiple of the link size %d", size, LinkSize)
	}
	if size > c.MaxBlock() {
		return fmt.Errorf("slab: block size %d exceeds MAX_BLOCK %d", size, c.MaxBlock())
	}
	return nil
}
