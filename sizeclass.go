// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package linalloc

import (
	"fmt"
	"unsafe"

	"github.com/fmstephe/linalloc/internal/slab"
)

// sizeClassSizes is the fixed vector of block sizes the dispatch table
// offers (16, 32, 48, ... 1024), plus MAX_BLOCK appended at Arena
// construction so
// a single request as large as the slab allows still finds a home. Every
// entry must be a non-zero multiple of slab.LinkSize; all of the listed
// sizes already are, since LinkSize (the size of a uintptr) is at most 8
// bytes on every platform Go targets.
var sizeClassSizes = []uintptr{16, 32, 48, 64, 80, 96, 112, 128, 192, 256, 384, 512, 1024}

type sizeClass struct {
	size     uintptr
	heritage *Heritage
}

// newSizeClasses builds the fixed dispatch table backing Malloc/Free. Each
// class under maxBlock gets its own Type and Heritage; maxBlock itself is
// always the last class, so malloc(MAX_BLOCK) succeeds even when maxBlock
// falls between two of the named sizes.
func newSizeClasses(a *Arena, maxBlock uintptr) []sizeClass {
	var classes []sizeClass
	for _, sz := range sizeClassSizes {
		if sz >= maxBlock {
			break
		}
		classes = append(classes, newSizeClass(a, sz))
	}
	classes = append(classes, newSizeClass(a, maxBlock))
	return classes
}

func newSizeClass(a *Arena, size uintptr) sizeClass {
	t := NewType(fmt.Sprintf("linalloc.sizeclass.%d", size), size, nil, nil)
	h := a.Heritage(t, defaultMaxSlabs, defaultSlabAllocBatch)
	return sizeClass{size: size, heritage: h}
}

// classFor returns the smallest size class able to hold n bytes, or nil if
// n exceeds every class (i.e. n > MAX_BLOCK).
func (a *Arena) classFor(n uintptr) *sizeClass {
	for i := range a.sizeClasses {
		if a.sizeClasses[i].size >= n {
			return &a.sizeClasses[i]
		}
	}
	return nil
}

// Malloc returns a block of at least n bytes from the smallest size class
// that fits, or nil if n is zero or exceeds MaxBlock.
// Contents are whatever the block's type left behind: uninitialised unless
// a debug build is scribbling magic numbers, since the dispatch table's
// synthetic types carry no Init. acc, if non-nil, has the chosen size
// class's size added to its byte count, the same amount Free subtracts.
func (a *Arena) Malloc(n uintptr, acc *Account) unsafe.Pointer {
	if n == 0 {
		return nil
	}
	class := a.classFor(n)
	if class == nil {
		return nil
	}
	addr, err := class.heritage.Linalloc()
	if err != nil {
		return nil
	}
	acc.addBytes(int64(class.size))
	return unsafe.Pointer(addr)
}

// Calloc is Malloc followed by zeroing the first n bytes of the returned
// block.
func (a *Arena) Calloc(n uintptr, acc *Account) unsafe.Pointer {
	p := a.Malloc(n, acc)
	if p == nil {
		return nil
	}
	zero := unsafe.Slice((*byte)(p), n)
	for i := range zero {
		zero[i] = 0
	}
	return p
}

// Free returns a block previously returned by Malloc/Calloc/Realloc to its
// slab. acc, if non-nil, has the block's size-class size subtracted from
// its byte count.
func (a *Arena) Free(p unsafe.Pointer, acc *Account) {
	if p == nil {
		return
	}
	addr := uintptr(p)
	size := slab.TypeSizeOf(addr, a.cfg.SlabSize)
	a.Linfree(addr)
	acc.addBytes(-int64(size))
}

// Realloc returns a block of at least newSize bytes whose leading bytes --
// up to the lesser of newSize and p's current size class -- match p's
// current contents, and frees p. A newSize of zero frees p and returns
// nil; a nil p behaves as Malloc(newSize, acc).
func (a *Arena) Realloc(p unsafe.Pointer, newSize uintptr, acc *Account) unsafe.Pointer {
	if p == nil {
		return a.Malloc(newSize, acc)
	}
	if newSize == 0 {
		a.Free(p, acc)
		return nil
	}

	oldSize := slab.TypeSizeOf(uintptr(p), a.cfg.SlabSize)
	next := a.Malloc(newSize, acc)
	if next == nil {
		return nil
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(unsafe.Slice((*byte)(next), n), unsafe.Slice((*byte)(p), n))

	a.Free(p, acc)
	return next
}

func (acc *Account) addBytes(n int64) {
	if acc != nil {
		acc.bytes += n
	}
}
