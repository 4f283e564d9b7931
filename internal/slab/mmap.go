// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapSource is a slab source backed by anonymous mmap, the same
// mechanism pointerstore/mmap.go uses to back its object slabs. Unlike
// that mechanism, the regions handed out here must be SLAB_SIZE
// -aligned (so SlabOf can find a slab by masking), so each batch
// over-maps by one extra slab and trims to the first aligned boundary.
type MmapSource struct {
	slabSize uintptr

	mu      sync.Mutex
	regions []mmapRegion
}

type mmapRegion struct {
	addr uintptr
	len  int
}

// NewMmapSource returns a slab source minting SLAB_SIZE-aligned slabs
// for the given Config.
func NewMmapSource(cfg Config) *MmapSource {
	return &MmapSource{slabSize: cfg.SlabSize}
}

// NewSlabs mints a batch of n freshly zeroed, SLAB_SIZE-aligned slabs.
// The first is meant for the caller's immediate use; the rest are
// pushed onto the shared free-slab pool by Heritage.newSlab.
func (m *MmapSource) NewSlabs(n int) ([]Slab, error) {
	if n <= 0 {
		n = 1
	}
	want := uintptr(n) * m.slabSize
	mapLen := int(want + m.slabSize) // over-map by one slab to guarantee an aligned sub-region

	data, err := unix.Mmap(-1, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("slab: mmap %d bytes for %d slabs: %w", mapLen, n, err)
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	aligned := (base + m.slabSize - 1) &^ (m.slabSize - 1)

	m.mu.Lock()
	m.regions = append(m.regions, mmapRegion{addr: base, len: mapLen})
	m.mu.Unlock()

	slabs := make([]Slab, n)
	for i := 0; i < n; i++ {
		sl := Slab{base: aligned + uintptr(i)*m.slabSize, slabSize: m.slabSize}
		sl.zeroFooter()
		slabs[i] = sl
	}
	return slabs, nil
}

// Destroy unmaps every region this source has ever minted. After this
// call every Slab ever returned by NewSlabs is invalid. This is the
// only path in the whole allocator that returns memory to the
// operating system; it is meant for whole-process teardown (e.g. at
// the end of a test), not for routine slab reclamation, matching the
// how slabs are otherwise never returned to the operating system in normal
// operation.
func (m *MmapSource) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		b := unsafe.Slice((*byte)(unsafe.Pointer(r.addr)), r.len)
		if err := unix.Munmap(b); err != nil {
			return err
		}
	}
	m.regions = nil
	return nil
}

// Contains reports whether addr falls inside any region this source has
// ever mapped. The mapped range includes the alignment padding trimmed off
// the front of each region, which is harmless: those bytes never back a
// live slab, so nothing ever legitimately resolves an address there, and
// treating them as in-bounds only widens a bounds check that must already
// reject addresses by slab/type lookup.
func (m *MmapSource) Contains(addr uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if addr >= r.addr && addr < r.addr+uintptr(r.len) {
			return true
		}
	}
	return false
}
