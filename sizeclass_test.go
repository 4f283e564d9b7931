// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package linalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestMalloc_DispatchesToSmallestFittingClass(t *testing.T) {
	a := newTestArena(t, 1<<16)
	acc := NewAccount()

	for _, tc := range []struct {
		n        uintptr
		wantSize uintptr
	}{
		{17, 32},
		{32, 32},
		{33, 48},
	} {
		p := a.Malloc(tc.n, acc)
		assert.NotNil(t, p)
		class := a.classFor(tc.n)
		assert.Equal(t, tc.wantSize, class.size)
		a.Free(p, acc)
	}
}

func TestMalloc_MaxBlockSucceeds_OverflowFails(t *testing.T) {
	a := newTestArena(t, 1<<16)
	acc := NewAccount()

	p := a.Malloc(a.MaxBlock(), acc)
	assert.NotNil(t, p)
	a.Free(p, acc)

	assert.Nil(t, a.Malloc(a.MaxBlock()+1, acc))
}

func TestMalloc_Zero_ReturnsNil(t *testing.T) {
	a := newTestArena(t, 1<<16)
	assert.Nil(t, a.Malloc(0, nil))
}

func TestCalloc_ZeroesMemory(t *testing.T) {
	a := newTestArena(t, 1<<16)
	acc := NewAccount()

	p := a.Calloc(128, acc)
	assert.NotNil(t, p)

	bytes := unsafe.Slice((*byte)(p), 128)
	for _, b := range bytes {
		assert.Zero(t, b)
	}
	a.Free(p, acc)
}

func TestRealloc_GrowsAndPreservesPrefix(t *testing.T) {
	a := newTestArena(t, 1<<16)
	acc := NewAccount()

	p := a.Malloc(16, acc)
	assert.NotNil(t, p)
	bytes := unsafe.Slice((*byte)(p), 16)
	for i := range bytes {
		bytes[i] = byte(i + 1)
	}

	grown := a.Realloc(p, 64, acc)
	assert.NotNil(t, grown)

	grownBytes := unsafe.Slice((*byte)(grown), 16)
	for i := range grownBytes {
		assert.Equal(t, byte(i+1), grownBytes[i])
	}
	a.Free(grown, acc)
}

func TestRealloc_NilPointerBehavesAsMalloc(t *testing.T) {
	a := newTestArena(t, 1<<16)
	acc := NewAccount()

	p := a.Realloc(nil, 32, acc)
	assert.NotNil(t, p)
	a.Free(p, acc)
}

func TestRealloc_ZeroSizeFreesAndReturnsNil(t *testing.T) {
	a := newTestArena(t, 1<<16)
	acc := NewAccount()

	p := a.Malloc(32, acc)
	assert.NotNil(t, p)

	assert.Nil(t, a.Realloc(p, 0, acc))
}

func TestFree_Nil_IsNoOp(t *testing.T) {
	a := newTestArena(t, 1<<16)
	assert.NotPanics(t, func() {
		a.Free(nil, nil)
	})
}

func TestMallocFree_ByteAccountBalances(t *testing.T) {
	a := newTestArena(t, 1<<16)
	acc := NewAccount()
	scope := ByteAccountOpen(acc)

	ptrs := make([]unsafe.Pointer, 0, 100)
	for i := 0; i < 100; i++ {
		p := a.Malloc(64, acc)
		assert.NotNil(t, p)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		a.Free(p, acc)
	}

	scope.Close()
}
