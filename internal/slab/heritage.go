// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slab

import (
	"errors"
	"sync/atomic"
)

// ErrOutOfMemory is returned by Linalloc when the slab source cannot
// mint any more slabs.
var ErrOutOfMemory = errors.New("slab: out of memory")

// errLost is returned internally by recoverHotBlocks when a slab's hot
// stack was already empty at the moment of recovery: the slab has
// become lost and the caller must stop tracking it.
var errLost = errors.New("slab: slab is lost")

// Source mints batches of fresh, SLAB_SIZE-aligned slabs. Implemented
// by MmapSource; a test may substitute a fake source over a plain Go
// byte slice.
type Source interface {
	NewSlabs(n int) ([]Slab, error)
}

// Heritage is a pool of slabs devoted to a single TypeDescriptor: the
// allocation site and return site for its slabs, bounded by MaxSlabs
// in-use at a time.
type Heritage struct {
	slabs     Pool
	freeSlabs *Pool

	typ   *TypeDescriptor
	slabSize uintptr

	source         Source
	slabAllocBatch int

	nslabs   atomic.Uint32
	maxSlabs uint32
}

// NewHeritage creates a heritage for t, drawing fresh slabs from
// source in batches of slabAllocBatch and sharing freeSlabs as its
// process-wide free-slab pool.
func NewHeritage(t *TypeDescriptor, slabSize uintptr, maxSlabs, slabAllocBatch uint32, source Source, freeSlabs *Pool) *Heritage {
	if slabAllocBatch == 0 {
		slabAllocBatch = 1
	}
	return &Heritage{
		freeSlabs:      freeSlabs,
		typ:            t,
		slabSize:       slabSize,
		source:         source,
		slabAllocBatch: int(slabAllocBatch),
		maxSlabs:       maxSlabs,
	}
}

func (h *Heritage) Type() *TypeDescriptor { return h.typ }

// NSlabs returns the number of slabs currently in use by this
// heritage: those enqueued on its stack plus any held by an allocating
// thread. Lost slabs are not counted.
func (h *Heritage) NSlabs() uint32 { return h.nslabs.Load() }

func (h *Heritage) MaxSlabs() uint32 { return h.maxSlabs }

// Linalloc allocates one block of h's type.
func (h *Heritage) Linalloc() (uintptr, error) {
	sl, ok := h.slabs.Pop(h.slabSize)
	if !ok {
		var err error
		sl, err = h.newSlab()
		if err != nil {
			return 0, err
		}
	}

	b := sl.allocFromSlab(h.typ.Size)

	if sl.slabFullyHot() {
		if err := sl.recoverHotBlocks(); err == nil {
			h.slabs.Push(sl)
		} else {
			h.decNSlabs()
		}
	} else {
		h.slabs.Push(sl)
	}

	return b, nil
}

func (h *Heritage) decNSlabs() {
	for {
		n := h.nslabs.Load()
		if n == 0 {
			panic("slab: heritage nslabs underflow")
		}
		if h.nslabs.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// incNSlabsIfUnderCap atomically increments nslabs unless it is
// already at maxSlabs, mirroring nalloc.c's xadd_iff. It reports
// whether the increment happened.
func (h *Heritage) incNSlabsIfUnderCap() bool {
	for {
		n := h.nslabs.Load()
		if n >= h.maxSlabs {
			return false
		}
		if h.nslabs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// newSlab pulls a slab out of the free-slab pool (minting a fresh
// batch if the pool is empty), types it for h if it is untyped or was
// last typed for someone else, and brings its ref count to 1 -- the
// Untyped-to-typed-in-heritage transition.
func (h *Heritage) newSlab() (Slab, error) {
	sl, ok := h.freeSlabs.Pop(h.slabSize)
	if !ok {
		fresh, err := h.source.NewSlabs(h.slabAllocBatch)
		if err != nil {
			return Slab{}, ErrOutOfMemory
		}
		sl = fresh[0]
		for _, extra := range fresh[1:] {
			h.freeSlabs.Push(extra)
		}
	}

	sl.heritageStore(h)

	// contig is reset and every block re-initialised whenever the
	// slab's tx word does not already carry h's type. That is every
	// slab coming out of the free-slab pool: a fresh slab is zeroed,
	// and refDown clears the type id of a slab it releases, so a slab
	// recycled by its own type still runs Init again.
	tx := sl.txLoad()
	if tx.typeID() != h.typ.id32() {
		nb := sl.maxBlocks(h.typ.Size)
		sl.setContig(uint32(nb))
		if h.typ.Init != nil {
			for i := uintptr(0); i < nb; i++ {
				addr := sl.payloadAt(uint32(i), h.typ.Size)
				h.typ.Init(addrPtr(addr))
			}
		} else if MagicFillEnabled {
			for i := uintptr(0); i < nb; i++ {
				addr := sl.payloadAt(uint32(i), h.typ.Size)
				writeMagics(addr, h.typ.Size)
			}
		}
	}
	sl.txStore(makeTx(h.typ.id32(), 1))

	h.nslabs.Add(1)
	return sl, nil
}

// recoverHotBlocks attempts to migrate sl's hot stack into its local
// stack in one atomic step. On success the slab keeps going; on
// errLost the hot stack was already empty and the slab has become
// lost -- nowhere enqueued until a freer finds it.
func (sl Slab) recoverHotBlocks() error {
	for {
		old := sl.hotLoad()
		wasEmpty := old.addr() == 0
		next := makeHot(0, wasEmpty, 0)
		if !sl.hotCAS(old, next) {
			continue
		}
		if wasEmpty {
			return errLost
		}
		sl.setLocalHead(old.addr())
		return nil
	}
}

// refDown drops one linref from sl's tx word. When the count reaches
// zero the type id is cleared too and the slab is released to the
// free-slab pool (Untyped).
func (sl Slab) refDown(freeSlabs *Pool) {
	for {
		old := sl.txLoad()
		if old.linrefs() == 0 {
			panic("slab: linref count underflow")
		}
		id := old.typeID()
		if old.linrefs() == 1 {
			id = 0
		}
		next := makeTx(id, old.linrefs()-1)
		if sl.txCAS(old, next) {
			if next.linrefs() == 0 {
				sl.heritageStore(nil)
				freeSlabs.Push(sl)
			}
			return
		}
	}
}

// Linfree returns the block at addr to its slab. The slab, its
// heritage and its type are all recovered from addr itself -- callers
// need only the address.
func Linfree(addr uintptr, slabSize uintptr) {
	sl := SlabOf(addr, slabSize)

	for {
		old := sl.hotLoad()
		linkSet(addr, old.addr())
		next := makeHot(addr, false, old.size()+1)
		if !sl.hotCAS(old, next) {
			continue
		}

		typ := typeByID(sl.txLoad().typeID())
		maxBlock := slabSize - footerSize
		full := fillsSlab(uint64(old.size())+1, uint64(typ.Size), uint64(maxBlock))

		if !old.lost() && !full {
			return
		}

		her := sl.heritageLoad()
		if !her.incNSlabsIfUnderCap() {
			if full {
				sl.setContig(old.size() + 1)
				sl.hotStore(makeHot(0, false, 0))
				sl.refDown(her.freeSlabs)
			}
			return
		}

		for {
			cur := sl.hotLoad()
			if sl.hotCAS(cur, makeHot(0, false, 0)) {
				sl.setLocalHead(cur.addr())
				break
			}
		}
		her.slabs.Push(sl)
		return
	}
}
