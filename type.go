// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package linalloc

import (
	"unsafe"

	"github.com/fmstephe/linalloc/internal/slab"
)

// Type is the immutable description of the values one size class's slabs
// are partitioned into. A Type must be created with NewType and registered
// with an Arena before it is ever passed to Linalloc/LinrefUp/LinrefDown.
type Type struct {
	desc *slab.TypeDescriptor
}

// NewType registers a new Type of the given name and byte size. init, if
// non-nil, is run once per block whenever a slab is newly assigned to this
// type, amortising construction over the whole slab. hasSpecialRef, if
// non-nil, lets a consumer with its own interior reference
// discipline short-circuit the normal slab reference protocol entirely; see
// LinrefUp/LinrefDown.
func NewType(name string, size uintptr, init func(addr unsafe.Pointer), hasSpecialRef func(addr unsafe.Pointer, up bool) bool) *Type {
	desc := &slab.TypeDescriptor{
		Name:          name,
		Size:          size,
		Init:          init,
		HasSpecialRef: hasSpecialRef,
	}
	slab.RegisterType(desc)
	return &Type{desc: desc}
}

// Name returns the type's display name.
func (t *Type) Name() string { return t.desc.Name }

// Size returns the type's block size in bytes.
func (t *Type) Size() uintptr { return t.desc.Size }
