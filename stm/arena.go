package stm

import (
	"sync"
	"unsafe"

	uatomic "go.uber.org/atomic"
)

// Allocator is the raw-memory source behind transactional allocation. The
// returned memory must be zeroed and must stay at a stable address until
// freed; pointers into it may be stored in Word cells as integers.
type Allocator interface {
	Alloc(size int) unsafe.Pointer
	Free(p unsafe.Pointer)
}

const arenaHdrSize = 8

// ArenaAllocator carves allocations out of large pinned blocks and recycles
// freed chunks through per-size free lists. Every allocation is prefixed by
// an 8-byte header recording its rounded size, so Free needs only the
// pointer. Blocks are never returned to the Go heap, which keeps interior
// pointers stable and makes integer-encoded pointers safe.
type ArenaAllocator struct {
	mu        sync.Mutex
	blockSize int
	blocks    [][]byte
	off       int
	freeLists map[int][]uintptr

	allocs uatomic.Int64
	frees  uatomic.Int64
}

func NewArena(blockSize int) *ArenaAllocator {
	return &ArenaAllocator{
		blockSize: blockSize,
		freeLists: make(map[int][]uintptr),
	}
}

// Alloc returns zero-initialized memory of at least size bytes.
func (a *ArenaAllocator) Alloc(size int) unsafe.Pointer {
	size = (size + 7) &^ 7
	total := size + arenaHdrSize
	var base uintptr
	recycled := false

	a.mu.Lock()
	if lst := a.freeLists[size]; len(lst) > 0 {
		base = lst[len(lst)-1] - arenaHdrSize
		a.freeLists[size] = lst[:len(lst)-1]
		recycled = true
	} else {
		if len(a.blocks) == 0 || a.off+total > len(a.blocks[len(a.blocks)-1]) {
			blockLen := a.blockSize
			if total > blockLen {
				blockLen = total
			}
			a.blocks = append(a.blocks, make([]byte, blockLen))
			a.off = 0
		}
		block := a.blocks[len(a.blocks)-1]
		base = uintptr(unsafe.Pointer(&block[a.off]))
		a.off += total
	}
	a.mu.Unlock()

	*(*uint64)(unsafe.Pointer(base)) = uint64(size)
	p := unsafe.Pointer(base + arenaHdrSize)
	if recycled {
		buf := (*[1 << 30]byte)(p)[:size:size]
		for i := range buf {
			buf[i] = 0
		}
	}
	a.allocs.Inc()
	return p
}

// Free recycles p onto the free list of its size class. p must have come
// from Alloc and must not be freed twice.
func (a *ArenaAllocator) Free(p unsafe.Pointer) {
	base := uintptr(p) - arenaHdrSize
	size := int(*(*uint64)(unsafe.Pointer(base)))
	a.mu.Lock()
	a.freeLists[size] = append(a.freeLists[size], uintptr(p))
	a.mu.Unlock()
	a.frees.Inc()
}

// Stats returns the lifetime allocation and free counts. The difference is
// the number of live objects, which transactional rollback keeps balanced.
func (a *ArenaAllocator) Stats() (allocs, frees int64) {
	return a.allocs.Load(), a.frees.Load()
}
