// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package linalloc

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// The single fuzzer test for the generic Malloc/Free surface. Each fuzz byte
// string is decoded directly into a sequence of alloc/free/mutate steps
// against one shared Arena, checking after every step that every still-live
// allocation still holds the bytes it was last written with.
func FuzzArena_MallocFree(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x2a})
	f.Add([]byte{0x00, 0x01, 0x00, 0x02, 0x01, 0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0x00, 0xff, 0x00, 0x10, 0x02, 0x00, 0x00, 0x00, 0x00, 0xab})

	f.Fuzz(func(t *testing.T, bytes []byte) {
		objs := newFuzzObjects()
		defer objs.cleanup()

		cur := fuzzCursor{bytes: bytes}
		for cur.remaining() > 0 {
			switch cur.byte() % 3 {
			case 0:
				objs.alloc(cur.byte())
			case 1:
				objs.free(cur.uint32())
			case 2:
				objs.mutate(cur.uint32(), cur.byte())
			}
			objs.checkAll()
		}
	})
}

// fuzzCursor decodes fixed-width fields off the front of a fuzz byte
// string, returning the zero value once the string runs out rather than
// panicking: the corpus is adversarial input, not a well-formed wire
// format, so running dry mid-field just ends the step sequence early.
type fuzzCursor struct {
	bytes []byte
}

func (c *fuzzCursor) remaining() int {
	return len(c.bytes)
}

func (c *fuzzCursor) take(n int) []byte {
	field := make([]byte, n)
	avail := n
	if len(c.bytes) < avail {
		avail = len(c.bytes)
	}
	copy(field, c.bytes[:avail])
	c.bytes = c.bytes[avail:]
	return field
}

func (c *fuzzCursor) byte() byte {
	return c.take(1)[0]
}

func (c *fuzzCursor) uint32() uint32 {
	return binary.LittleEndian.Uint32(c.take(4))
}

const fuzzBlockSize = 64

type fuzzObjects struct {
	arena    *Arena
	acc      *Account
	ptrs     []unsafe.Pointer
	expected [][]byte
	live     []bool
}

func newFuzzObjects() *fuzzObjects {
	return &fuzzObjects{
		arena: NewArena(1 << 13),
		acc:   NewAccount(),
	}
}

func (o *fuzzObjects) alloc(value byte) {
	p := o.arena.Malloc(fuzzBlockSize, o.acc)
	if p == nil {
		return
	}
	bytes := unsafe.Slice((*byte)(p), fuzzBlockSize)
	for i := range bytes {
		bytes[i] = value
	}

	o.ptrs = append(o.ptrs, p)
	o.expected = append(o.expected, append([]byte(nil), bytes...))
	o.live = append(o.live, true)
}

func (o *fuzzObjects) mutate(index uint32, value byte) {
	if len(o.ptrs) == 0 {
		return
	}
	index = index % uint32(len(o.ptrs))
	if !o.live[index] {
		return
	}

	bytes := unsafe.Slice((*byte)(o.ptrs[index]), fuzzBlockSize)
	for i := range bytes {
		bytes[i] = value
		o.expected[index][i] = value
	}
}

func (o *fuzzObjects) free(index uint32) {
	if len(o.ptrs) == 0 {
		return
	}
	index = index % uint32(len(o.ptrs))
	if !o.live[index] {
		return
	}

	o.arena.Free(o.ptrs[index], o.acc)
	o.live[index] = false
}

func (o *fuzzObjects) checkAll() {
	for i := range o.ptrs {
		if !o.live[i] {
			continue
		}
		bytes := unsafe.Slice((*byte)(o.ptrs[i]), fuzzBlockSize)
		for j := range bytes {
			if bytes[j] != o.expected[i][j] {
				panic("fuzz: live allocation holds unexpected bytes")
			}
		}
	}
}

func (o *fuzzObjects) cleanup() {
	if err := o.arena.Destroy(); err != nil {
		panic(err)
	}
}
