// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package linalloc is a lock-free slab allocator providing a
// malloc/free-compatible heap bounded by a fixed maximum block size, and
// type-stable memory with safe concurrent reference-taking. It lets
// concurrent lock-free data structures safely dereference addresses whose
// underlying block may be concurrently freed and reallocated, by
// guaranteeing that an address keeps the same type identity for as long as
// any LinrefUp on it is outstanding, across free/realloc cycles.
package linalloc

import (
	"fmt"
	"sync"

	"github.com/fmstephe/linalloc/internal/slab"
)

// defaultMaxSlabs bounds a heritage's in-use slab count when a caller
// doesn't need a tighter cap. It is large enough that ordinary use never
// notices it, while still being a concrete, testable bound on how many
// slabs a heritage may hold at once.
const defaultMaxSlabs = 1 << 20

// defaultSlabAllocBatch is the number of slabs minted per underlying source
// call when a heritage's free-slab pool runs dry.
const defaultSlabAllocBatch = 8

// Arena is the top-level allocator context: the shared slab source, the
// process-wide free-slab pool, and every heritage minted against it, one
// per registered Type. The shared free-slab pool and the per-type heritages
// live as fields on this context rather than as process globals, so an
// application can run more than one independent allocator at a time.
type Arena struct {
	cfg    slab.Config
	source *slab.MmapSource

	freeSlabs *slab.Pool

	mu        sync.Mutex
	heritages map[*slab.TypeDescriptor]*slab.Heritage

	sizeClasses []sizeClass
}

// NewArena creates an Arena whose slabs are slabSize bytes (rounded up to
// the next power of two), backed by anonymous mmap.
func NewArena(slabSize uintptr) *Arena {
	cfg := slab.NewConfig(slabSize)
	a := &Arena{
		cfg:       cfg,
		source:    slab.NewMmapSource(cfg),
		freeSlabs: slab.NewPool(),
		heritages: make(map[*slab.TypeDescriptor]*slab.Heritage),
	}
	a.sizeClasses = newSizeClasses(a, cfg.MaxBlock())
	return a
}

// MaxBlock is the largest block size this Arena can host.
func (a *Arena) MaxBlock() uintptr {
	return a.cfg.MaxBlock()
}

// Destroy unmaps every byte of memory this Arena has ever minted. After
// this call every address ever handed out by this Arena is invalid.
func (a *Arena) Destroy() error {
	return a.source.Destroy()
}

// heritageFor returns the heritage backing t, minting one on first use with
// the given cap and source-allocation batch size. Later calls for the same
// t ignore maxSlabs/slabAllocBatch and return the existing heritage, the
// same one-time-registration discipline NewType uses for type ids.
func (a *Arena) heritageFor(t *Type, maxSlabs, slabAllocBatch uint32) *slab.Heritage {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.heritages[t.desc]
	if !ok {
		if err := a.cfg.ValidateBlockSize(t.Size()); err != nil {
			panic(err)
		}
		h = slab.NewHeritage(t.desc, a.cfg.SlabSize, maxSlabs, slabAllocBatch, a.source, a.freeSlabs)
		a.heritages[t.desc] = h
	}
	return h
}

// Heritage returns the heritage dedicated to t, creating it with the given
// cap on in-use slabs and source-allocation batch size if this is the
// first use of t on this Arena. Use this directly when callers want
// explicit control over which heritage their type-stable allocations draw
// from; Malloc/Calloc instead dispatch through the Arena's own fixed
// size-class table.
func (a *Arena) Heritage(t *Type, maxSlabs, slabAllocBatch uint32) *Heritage {
	return &Heritage{arena: a, h: a.heritageFor(t, maxSlabs, slabAllocBatch)}
}

// Heritage is a pool of slabs devoted to a single Type: the allocation site
// and return site for its slabs.
type Heritage struct {
	arena *Arena
	h     *slab.Heritage
}

// Type returns the Type this heritage's slabs are partitioned into.
func (h *Heritage) Type() *Type { return &Type{desc: h.h.Type()} }

// NSlabs returns the number of slabs currently in use by this heritage,
// bounded by MaxSlabs.
func (h *Heritage) NSlabs() uint32 { return h.h.NSlabs() }

// MaxSlabs returns this heritage's cap on in-use slabs.
func (h *Heritage) MaxSlabs() uint32 { return h.h.MaxSlabs() }

// Linalloc allocates one block of this heritage's type.
func (h *Heritage) Linalloc() (uintptr, error) {
	addr, err := h.h.Linalloc()
	if err != nil {
		return 0, fmt.Errorf("linalloc: %w", err)
	}
	return addr, nil
}

// Linfree returns the block at addr to its slab. The slab, its heritage and
// its type are all recovered from addr itself.
func (a *Arena) Linfree(addr uintptr) {
	slab.Linfree(addr, a.cfg.SlabSize)
}
