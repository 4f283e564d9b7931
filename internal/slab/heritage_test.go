// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func countFreeBlocks(sl Slab) uint32 {
	total := sl.contig()
	for addr := sl.localHead(); addr != 0; addr = linkGet(addr) {
		total++
	}
	hot := sl.hotLoad()
	for addr := hot.addr(); addr != 0; addr = linkGet(addr) {
		total++
	}
	return total
}

func TestHeritage_Linalloc_ExhaustsAndLosesSlab(t *testing.T) {
	slabSize := uintptr(512)
	blockSize := uintptr(64)
	typ := &TypeDescriptor{Name: "heritage-exhaust", Size: blockSize}
	RegisterType(typ)

	src := newTestSource(t, slabSize)
	freeSlabs := NewPool()
	h := NewHeritage(typ, slabSize, 1, 1, src, freeSlabs)

	nb := (slabSize - footerSize) / blockSize

	seen := make(map[uintptr]bool)
	var first uintptr
	for i := uintptr(0); i < nb; i++ {
		addr, err := h.Linalloc()
		assert.NoError(t, err)
		assert.False(t, seen[addr])
		seen[addr] = true
		if i == 0 {
			first = addr
		}
	}

	sl := SlabOf(first, slabSize)
	assert.True(t, sl.hotLoad().lost())
	assert.Equal(t, uint32(0), h.NSlabs())

	// The slab is lost and enqueued nowhere; the next allocation must mint
	// a fresh slab rather than reuse it.
	addr, err := h.Linalloc()
	assert.NoError(t, err)
	assert.False(t, seen[addr])
	assert.NotEqual(t, sl.Addr(), SlabOf(addr, slabSize).Addr())
}

func TestHeritage_LostSlab_ResurrectsOnFree(t *testing.T) {
	slabSize := uintptr(512)
	blockSize := uintptr(64)
	typ := &TypeDescriptor{Name: "heritage-resurrect", Size: blockSize}
	RegisterType(typ)

	src := newTestSource(t, slabSize)
	freeSlabs := NewPool()
	h := NewHeritage(typ, slabSize, 1, 1, src, freeSlabs)

	nb := (slabSize - footerSize) / blockSize
	var addrs []uintptr
	for i := uintptr(0); i < nb; i++ {
		addr, err := h.Linalloc()
		assert.NoError(t, err)
		addrs = append(addrs, addr)
	}

	sl := SlabOf(addrs[0], slabSize)
	assert.True(t, sl.hotLoad().lost())

	freed := addrs[0]
	Linfree(freed, slabSize)

	assert.Equal(t, uint32(1), h.NSlabs())
	assert.False(t, sl.hotLoad().lost())

	// The freed block is the only one reachable; the next allocation must
	// draw it straight back out.
	addr, err := h.Linalloc()
	assert.NoError(t, err)
	assert.Equal(t, freed, addr)
}

// Demonstrate that two threads, each holding one of a lost slab's two
// blocks, can free concurrently without losing either block. Whichever
// wins resurrects the slab; the other's block joins through the normal
// hot-stack path. Either way both blocks end up accounted for exactly
// once. Run with -race.
func TestHeritage_ConcurrentFree_OnLostSlab_Race(t *testing.T) {
	slabSize := uintptr(256)
	blockSize := uintptr(100)
	typ := &TypeDescriptor{Name: "heritage-race", Size: blockSize}
	RegisterType(typ)

	src := newTestSource(t, slabSize)
	freeSlabs := NewPool()
	h := NewHeritage(typ, slabSize, 1, 1, src, freeSlabs)

	nb := (slabSize - footerSize) / blockSize
	assert.Equal(t, uintptr(2), nb)

	addrA, err := h.Linalloc()
	assert.NoError(t, err)
	addrB, err := h.Linalloc()
	assert.NoError(t, err)

	sl := SlabOf(addrA, slabSize)
	assert.True(t, sl.hotLoad().lost())

	barrier := sync.WaitGroup{}
	barrier.Add(1)
	complete := sync.WaitGroup{}
	complete.Add(2)

	go func() {
		defer complete.Done()
		barrier.Wait()
		Linfree(addrA, slabSize)
	}()
	go func() {
		defer complete.Done()
		barrier.Wait()
		Linfree(addrB, slabSize)
	}()

	barrier.Done()
	complete.Wait()

	assert.Equal(t, uint32(2), countFreeBlocks(sl))
	assert.LessOrEqual(t, h.NSlabs(), h.MaxSlabs())
}

func TestHeritage_MaxSlabsCap(t *testing.T) {
	slabSize := uintptr(256)
	blockSize := uintptr(100)
	typ := &TypeDescriptor{Name: "heritage-cap", Size: blockSize}
	RegisterType(typ)

	src := newTestSource(t, slabSize)
	freeSlabs := NewPool()
	h := NewHeritage(typ, slabSize, 1, 1, src, freeSlabs)

	nb := (slabSize - footerSize) / blockSize

	var addrs []uintptr
	for i := uintptr(0); i < nb; i++ {
		addr, err := h.Linalloc()
		assert.NoError(t, err)
		addrs = append(addrs, addr)
	}
	assert.Equal(t, uint32(0), h.NSlabs())

	Linfree(addrs[0], slabSize)
	assert.Equal(t, uint32(1), h.NSlabs())

	Linfree(addrs[1], slabSize)
	assert.Equal(t, uint32(1), h.NSlabs())
	assert.LessOrEqual(t, h.NSlabs(), h.MaxSlabs())

	sl := SlabOf(addrs[0], slabSize)
	assert.Equal(t, uint32(2), countFreeBlocks(sl))
}

func TestHeritage_Linalloc_NoError_WhenSourceHealthy(t *testing.T) {
	slabSize := uintptr(1 << 12)
	blockSize := uintptr(64)
	typ := &TypeDescriptor{Name: "heritage-healthy", Size: blockSize}
	RegisterType(typ)

	src := newTestSource(t, slabSize)
	h := NewHeritage(typ, slabSize, 1<<10, 4, src, NewPool())

	for i := 0; i < 1000; i++ {
		addr, err := h.Linalloc()
		assert.NoError(t, err)
		assert.NotZero(t, addr)
	}
}
