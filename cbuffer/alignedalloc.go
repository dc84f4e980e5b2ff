package cbuffer

/*
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// Alignment is the default alignment of buffers handed to devices and native kernels.
const Alignment = 64

const headerSize = unsafe.Sizeof(uintptr(0))

// AlignedAlloc returns size zeroed bytes in the C heap whose address is a multiple of alignment, which must be
// a power of two of at least 8. It returns nil if the allocation fails. Release it with AlignedFree.
//
// The block returned by calloc is over-allocated by alignment bytes, and its address is stored in the word
// right before the aligned pointer.
func AlignedAlloc(size, alignment uintptr) unsafe.Pointer {
	if alignment < headerSize || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("cbuffer.AlignedAlloc: alignment must be a power of two >= %d, got %d", headerSize, alignment))
	}
	block := C.calloc(C.size_t(size+alignment), 1)
	if block == nil {
		return nil
	}
	base := uintptr(block)
	// Always advance at least one word, to make room for the header.
	aligned := (base + headerSize + alignment - 1) &^ (alignment - 1)
	ptr := unsafe.Add(block, aligned-base)
	*(*uintptr)(unsafe.Add(ptr, -int(headerSize))) = base
	return ptr
}

// AlignedFree releases memory returned by AlignedAlloc.
func AlignedFree(ptr unsafe.Pointer) {
	base := *(*uintptr)(unsafe.Add(ptr, -int(headerSize)))
	C.free(unsafe.Pointer(base))
}
