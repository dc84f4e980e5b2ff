package native

/*
#include <string.h>
*/
import "C"
import (
	"fmt"
	"math/bits"
	"unsafe"
)

// arenaContainer is a bump allocator over a block of C memory, used for the argument arrays of kernel calls.
//
// The arrays live in C memory, so they need no pinning when handed to a kernel, and building them costs no
// cgo call per array. Allocations are released all at once, by Reset or Free.
type arenaContainer struct {
	buf       []byte
	used      int
	poolIndex int // In arenaPools, or -1.
}

func newArena(size int) *arenaContainer {
	return &arenaContainer{buf: unsafe.Slice(cMallocArray[byte](size), size), poolIndex: -1}
}

const arenaAlignBytes = 8

// alloc reserves n bytes, keeping the next allocation aligned to arenaAlignBytes.
func (a *arenaContainer) alloc(n int, what string) unsafe.Pointer {
	if a.used+n > len(a.buf) {
		panic(fmt.Sprintf("arena of %d bytes (%d used) can't fit %d bytes for %s", len(a.buf), a.used, n, what))
	}
	ptr := unsafe.Pointer(&a.buf[a.used])
	a.used = (a.used + n + arenaAlignBytes - 1) &^ (arenaAlignBytes - 1)
	return ptr
}

// arenaAllocSlice allocates n elements of T in the arena, or returns nil if n is 0.
func arenaAllocSlice[T any](a *arenaContainer, n int) []T {
	if n == 0 {
		return nil
	}
	var zero T
	ptr := a.alloc(n*int(cSizeOf[T]()), fmt.Sprintf("[%d]%T", n, zero))
	return unsafe.Slice((*T)(ptr), n)
}

// arenaSliceFrom allocates a copy of values in the arena.
func arenaSliceFrom[T any](a *arenaContainer, values []T) []T {
	slice := arenaAllocSlice[T](a, len(values))
	copy(slice, values)
	return slice
}

// Free releases the C memory. The arena can't be used afterward.
func (a *arenaContainer) Free() {
	if a.buf == nil {
		return
	}
	cFree(&a.buf[0])
	a.buf = nil
	a.used = 0
}

// Reset zeroes the used part of the arena and makes all of it available again.
func (a *arenaContainer) Reset() {
	if a.used > 0 {
		C.memset(unsafe.Pointer(&a.buf[0]), 0, C.size_t(min(len(a.buf), a.used)))
	}
	a.used = 0
}

const (
	minPooledArenaSize = 512
	maxPooledArenaSize = 1024 * 1024
)

// maxPooledArenas is the number of idle arenas kept per size. Arenas returned beyond it are freed.
const maxPooledArenas = 8

// arenaPools keeps free lists of arenas with power-of-2 sizes. It is safe for concurrent use.
//
// Idle arenas are kept in bounded channels rather than sync.Pools: their memory lives in the C heap, so they
// must be freed explicitly, which a pool evicting items on garbage collection wouldn't allow.
type arenaPools struct {
	pools              []chan *arenaContainer
	minShift, maxShift int
}

func newArenaPools() *arenaPools {
	minShift := bits.TrailingZeros(uint(minPooledArenaSize))
	maxShift := bits.TrailingZeros(uint(maxPooledArenaSize))
	ap := &arenaPools{
		pools:    make([]chan *arenaContainer, maxShift-minShift+1),
		minShift: minShift,
		maxShift: maxShift,
	}
	for ii := range ap.pools {
		ap.pools[ii] = make(chan *arenaContainer, maxPooledArenas)
	}
	return ap
}

// Get returns a reset arena of at least targetSize bytes.
func (ap *arenaPools) Get(targetSize int) *arenaContainer {
	shift := max(bits.Len(uint(max(targetSize, 1)-1)), ap.minShift)
	if shift > ap.maxShift {
		return newArena(targetSize)
	}
	poolIndex := shift - ap.minShift
	select {
	case arena := <-ap.pools[poolIndex]:
		return arena
	default:
	}
	arena := newArena(1 << shift)
	arena.poolIndex = poolIndex
	return arena
}

// Return gives the arena back to its pool, or frees it if it didn't come from one or the pool is full.
func (ap *arenaPools) Return(arena *arenaContainer) {
	if arena == nil {
		return
	}
	if arena.poolIndex < 0 || arena.poolIndex >= len(ap.pools) {
		arena.Free()
		return
	}
	arena.Reset()
	select {
	case ap.pools[arena.poolIndex] <- arena:
	default:
		arena.Free()
	}
}

// Free releases the idle arenas. Arenas still in use are freed when returned, if the pools are full.
func (ap *arenaPools) Free() {
	for _, pool := range ap.pools {
		for {
			select {
			case arena := <-pool:
				arena.Free()
				continue
			default:
			}
			break
		}
	}
}

// Idle returns the number of arenas kept in the pools.
func (ap *arenaPools) Idle() int {
	var n int
	for _, pool := range ap.pools {
		n += len(pool)
	}
	return n
}

// argumentsArenaSize returns the arena size needed for the argument arrays of a call with count operands:
// one 64-bit address and three int32 values per operand, each array aligned.
func argumentsArenaSize(count int) int {
	aligned := func(n int) int { return (n + arenaAlignBytes - 1) &^ (arenaAlignBytes - 1) }
	return aligned(8*count) + 3*aligned(4*count)
}
