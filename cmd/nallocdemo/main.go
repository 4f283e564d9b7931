package main

import (
	"flag"
	"fmt"
	"unsafe"

	"github.com/fmstephe/linalloc"
)

var (
	slabSizeFlag = flag.Uint64("slab-size", 1<<16, "Slab size, in bytes, for the demo arena")
	countFlag    = flag.Int("count", 1000, "Number of malloc/free cycles to run")
	sizeFlag     = flag.Uint64("size", 64, "Size, in bytes, of each allocation")
)

func main() {
	flag.Parse()

	arena := linalloc.NewArena(uintptr(*slabSizeFlag))
	defer func() {
		if err := arena.Destroy(); err != nil {
			fmt.Printf("Error destroying arena: %s\n", err)
		}
	}()

	acc := linalloc.NewAccount()
	scope := linalloc.ByteAccountOpen(acc)

	live := make([]unsafe.Pointer, 0, *countFlag)
	for i := 0; i < *countFlag; i++ {
		p := arena.Malloc(uintptr(*sizeFlag), acc)
		if p == nil {
			fmt.Printf("malloc failed at iteration %d\n", i)
			break
		}
		live = append(live, p)
	}

	fmt.Printf("Allocated %d blocks of %d bytes each\n", len(live), *sizeFlag)

	for _, p := range live {
		arena.Free(p, acc)
	}

	scope.Close()
	fmt.Printf("Freed all blocks; byte account balanced\n")
}
