package native

/*
#include <stdlib.h>
*/
import "C"
import "unsafe"

// C types can't be shared across packages, so these helpers are private to native.

// cFree releases memory allocated in the C heap.
func cFree[T any](data *T) {
	C.free(unsafe.Pointer(data))
}

// cSizeOf returns the size of T in bytes, padding included.
func cSizeOf[T any]() C.size_t {
	var zero T
	return C.size_t(unsafe.Sizeof(zero))
}

// cMallocArray allocates n zeroed elements of T in the C heap, to be released with cFree.
func cMallocArray[T any](n int) *T {
	return (*T)(C.calloc(C.size_t(n), cSizeOf[T]()))
}
