// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

import (
	"sync/atomic"
	"unsafe"
)

// footer is laid out, field for field, directly on top of the raw
// mmap'd memory at the high end of every slab -- it is never
// instantiated as an ordinary Go value. Its only job here is to let us
// compute field offsets with unsafe.Offsetof instead of hand-tracking
// byte counts, mirroring how pointerstore/mmap.go slices raw mmap'd
// bytes into typed views.
type footer struct {
	tx       uint64 // atomic: packed txWord (type id, linrefs)
	heritage uint64 // atomic: back-pointer to the owning *Heritage, as uintptr
	hot      uint64 // atomic: packed hotWord (addr, lost, size)
	anchor   uint64 // single-writer: slab-stack link (owned by whichever Pool currently holds this slab)
	local    uint64 // single-writer: local free-stack head address
	contig   uint64 // single-writer: count of never-yet-allocated contiguous blocks
}

var footerSize = unsafe.Sizeof(footer{})

var (
	offTx       = unsafe.Offsetof(footer{}.tx)
	offHeritage = unsafe.Offsetof(footer{}.heritage)
	offHot      = unsafe.Offsetof(footer{}.hot)
	offAnchor   = unsafe.Offsetof(footer{}.anchor)
	offLocal    = unsafe.Offsetof(footer{}.local)
	offContig   = unsafe.Offsetof(footer{}.contig)
)

// Slab is a lightweight handle onto a SLAB_SIZE-aligned region of raw
// memory. It carries no state of its own beyond the address and the
// geometry needed to find its footer; the real state lives in the
// mmap'd memory the handle points at, so copying a Slab value is
// cheap and safe.
type Slab struct {
	base     uintptr
	slabSize uintptr
}

// SlabOf returns the handle for the slab containing addr, found by
// masking addr down to the nearest SLAB_SIZE boundary.
func SlabOf(addr uintptr, slabSize uintptr) Slab {
	return Slab{base: addr &^ (slabSize - 1), slabSize: slabSize}
}

// IsNil reports whether this handle refers to no slab.
func (s Slab) IsNil() bool { return s.base == 0 }

// Addr returns the slab's base address.
func (s Slab) Addr() uintptr { return s.base }

func (s Slab) footerAddr() uintptr {
	return s.base + (s.slabSize - footerSize)
}

func (s Slab) fieldPtr(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(s.footerAddr() + off))
}

func (s Slab) maxBlocks(blockSize uintptr) uintptr {
	return (s.slabSize - footerSize) / blockSize
}

// --- tx: type id + linref count, multi-writer, CAS only ---

func (s Slab) txLoad() txWord {
	return txWord(atomic.LoadUint64(s.fieldPtr(offTx)))
}

func (s Slab) txCAS(old, new txWord) bool {
	return atomic.CompareAndSwapUint64(s.fieldPtr(offTx), uint64(old), uint64(new))
}

func (s Slab) txStore(w txWord) {
	atomic.StoreUint64(s.fieldPtr(offTx), uint64(w))
}

// --- heritage back-pointer: written once by whichever thread pushes
// this slab onto a heritage, read by a freer taking responsibility for
// a newly-full or resurrected slab. Kept atomic for cleanliness even
// though the ownership handoff is already ordered by the hot-word CAS
// that carries it. ---

func (s Slab) heritageLoad() *Heritage {
	return (*Heritage)(unsafe.Pointer(uintptr(atomic.LoadUint64(s.fieldPtr(offHeritage)))))
}

func (s Slab) heritageStore(h *Heritage) {
	atomic.StoreUint64(s.fieldPtr(offHeritage), uint64(uintptr(unsafe.Pointer(h))))
}

// --- hot: multi-writer, CAS only (the slab's sole synchronization point) ---

func (s Slab) hotLoad() hotWord {
	return hotWord(atomic.LoadUint64(s.fieldPtr(offHot)))
}

func (s Slab) hotCAS(old, new hotWord) bool {
	return atomic.CompareAndSwapUint64(s.fieldPtr(offHot), uint64(old), uint64(new))
}

func (s Slab) hotStore(w hotWord) {
	atomic.StoreUint64(s.fieldPtr(offHot), uint64(w))
}

// --- anchor: single-writer, owned by whichever Pool currently
// links this slab in (heritage.slabs or the shared free-slab pool) ---

func (s Slab) anchor() uintptr {
	return uintptr(atomic.LoadUint64(s.fieldPtr(offAnchor)))
}

func (s Slab) setAnchor(next uintptr) {
	atomic.StoreUint64(s.fieldPtr(offAnchor), uint64(next))
}

// --- local & contig: single-writer, owned by whichever thread
// currently holds the slab between pop-from-heritage and
// push-to-heritage; plain loads/stores are safe. ---

func (s Slab) localHead() uintptr {
	return uintptr(*s.fieldPtr(offLocal))
}

func (s Slab) setLocalHead(addr uintptr) {
	*s.fieldPtr(offLocal) = uint64(addr)
}

func (s Slab) contig() uint32 {
	return uint32(*s.fieldPtr(offContig))
}

func (s Slab) setContig(n uint32) {
	*s.fieldPtr(offContig) = uint64(n)
}

// payloadAt returns the address of the i'th block in a slab whose
// blocks are blockSize bytes each.
func (s Slab) payloadAt(i uint32, blockSize uintptr) uintptr {
	return s.base + uintptr(i)*blockSize
}

// allocFromSlab takes one block from the contig or local free-set. The
// caller must already know that one of the two is non-empty -- a slab
// reachable from a heritage's stack always has contig > 0 or a
// non-empty local stack.
func (s Slab) allocFromSlab(blockSize uintptr) uintptr {
	if c := s.contig(); c > 0 {
		s.setContig(c - 1)
		return s.payloadAt(c-1, blockSize)
	}
	head := s.localHead()
	if head == 0 {
		panic("slab: allocFromSlab called on a slab with no contig and no local blocks")
	}
	s.setLocalHead(linkGet(head))
	return head
}

// slabFullyHot reports whether every still-free block of this slab is
// presently sitting in the hot stack, i.e. this thread's own contig
// and local sets are both empty.
func (s Slab) slabFullyHot() bool {
	return s.contig() == 0 && s.localHead() == 0
}

// fillsSlab reports whether blocks many blocks, each bs bytes, account
// for the entire slab payload -- the last whole block fits but nothing
// past it does. Computed without integer division, matching
// original_source/nalloc.c's fills_slab, to avoid a division on every
// free.
func fillsSlab(blocks uint64, bs uint64, maxBlock uint64) bool {
	return blocks*bs > maxBlock-bs
}

// zeroFooter resets a freshly mmap'd or just-released slab's footer to
// its all-zero, Untyped state.
func (s Slab) zeroFooter() {
	s.txStore(makeTx(0, 0))
	s.heritageStore(nil)
	s.hotStore(makeHot(0, false, 0))
	s.setAnchor(0)
	s.setLocalHead(0)
	s.setContig(0)
}
