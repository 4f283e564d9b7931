// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

import (
	"sync/atomic"
	"unsafe"
)

// Every lock-free stack in this package packs a head address and some
// generation/state bits into one uint64, the same bit-stealing trick
// pointerstore/reference.go uses to smuggle a generation into the top
// byte of an address. It is safe here because every address tagged
// this way points into mmap'd memory that the Go garbage collector
// never sees (golang.org/x/sys/unix.Mmap returns raw pages, not Go
// heap memory), and because real user-space addresses never use more
// than the low addrBits bits.
const (
	addrBits = 48
	addrMask = uint64(1)<<addrBits - 1
	genUnit  = uint64(1) << addrBits
)

func linkGet(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func linkSet(addr uintptr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}

// Pool is a lock-free, ABA-resistant singly linked stack of SLAB_SIZE
// -aligned slab addresses. It backs both a heritage's stack
// of allocatable slabs and the process-wide free-slab pool. Each
// push/pop is a single compare-and-swap on the packed head+generation
// word; every successful pop bumps the generation, so a slab that is
// popped, pushed elsewhere, and popped again can never be mistaken for
// the same observation by a thread mid-CAS-retry. The zero value is an
// empty, ready-to-use Pool.
type Pool struct {
	head atomic.Uint64
}

// NewPool returns an empty Pool.
func NewPool() *Pool { return &Pool{} }

// Push links sl onto the stack via its anchor field.
func (s *Pool) Push(sl Slab) {
	for {
		old := s.head.Load()
		oldAddr := uintptr(old & addrMask)
		sl.setAnchor(oldAddr)
		next := ((old &^ addrMask) + genUnit) | (uint64(sl.base) & addrMask)
		if s.head.CompareAndSwap(old, next) {
			return
		}
	}
}

// Pop removes and returns the top slab, or ok==false if the stack is
// empty.
func (s *Pool) Pop(slabSize uintptr) (sl Slab, ok bool) {
	for {
		old := s.head.Load()
		oldAddr := uintptr(old & addrMask)
		if oldAddr == 0 {
			return Slab{}, false
		}
		cur := Slab{base: oldAddr, slabSize: slabSize}
		nextAddr := cur.anchor()
		next := ((old &^ addrMask) + genUnit) | (uint64(nextAddr) & addrMask)
		if s.head.CompareAndSwap(old, next) {
			cur.setAnchor(0)
			return cur, true
		}
	}
}

// Peek returns the address at the top of the stack, or 0 if empty.
// Used only for diagnostics/tests; the allocator itself never branches
// on a peek without also performing the matching CAS.
func (s *Pool) Peek() uintptr {
	return uintptr(s.head.Load() & addrMask)
}

// hotWord packs the state of a slab's hot free-stack: the address of
// its head block, a single lost bit, and an exact count of linked
// blocks. Bits 0-47 are the head address, bit 48 is lost,
// bits 49-63 are the 15-bit size -- ample headroom since a slab's
// block capacity (MAX_BLOCK / blockSize) never approaches 2^15 for any
// configured size class.
type hotWord uint64

const (
	hotLostBit  = uint64(1) << addrBits
	hotSizeBits = 15
	hotSizeMax  = uint32(1)<<hotSizeBits - 1
	hotSizeShift = addrBits + 1
)

func makeHot(addr uintptr, lost bool, size uint32) hotWord {
	w := uint64(addr) & addrMask
	if lost {
		w |= hotLostBit
	}
	w |= uint64(size&hotSizeMax) << hotSizeShift
	return hotWord(w)
}

func (h hotWord) addr() uintptr { return uintptr(uint64(h) & addrMask) }
func (h hotWord) lost() bool    { return uint64(h)&hotLostBit != 0 }
func (h hotWord) size() uint32  { return uint32(uint64(h) >> hotSizeShift) }

// txWord packs the slab's type/refcount pair. The type
// half is a small integer id into the process-wide type registry
// rather than a raw *TypeDescriptor: Go's garbage collector cannot
// trace a pointer hidden inside a plain uint64, so a stable id that is
// resolved back through typeByID is used instead, the same way
// lightpaw-slab/slab.go tags free-list entries by slot index rather
// than by raw address.
type txWord uint64

func makeTx(typeID uint32, linrefs uint32) txWord {
	return txWord(uint64(typeID)<<32 | uint64(linrefs))
}

func (t txWord) typeID() uint32 { return uint32(uint64(t) >> 32) }
func (t txWord) linrefs() uint32 { return uint32(uint64(t)) }
