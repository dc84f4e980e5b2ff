// Package native executes compiled kernels on the CPU, through the foreign-function boundary.
//
// Kernels are compiled into shared libraries (.so or .dylib) exporting an entry point with the kernel
// invocation signature:
//
//	void apply(void *queue, int64_t *args, int32_t *offsets, int32_t *sizes, int32_t *dim0s,
//	           int32_t count, int32_t global_index, int64_t global_total, int32_t global_id);
//
// Libraries are loaded with Open, and each entry point is wrapped as an abi.Kernel with Library.Kernel.
// The batch harness entry point (see BatchFunc) is also supported.
package native

// #cgo linux LDFLAGS: -ldl
/*
#include <stdlib.h>
#include <dlfcn.h>
*/
import "C"
import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LibraryPathEnv lists directories (separated by os.PathListSeparator) searched by Open for library names
// without a directory.
const LibraryPathEnv = "KERNELRT_LIBRARY_PATH"

// Library is a shared library of compiled kernels, loaded with dlopen.
//
// Kernels of a library can be called concurrently. Close waits for in-flight calls to finish.
type Library struct {
	Path string

	mu     sync.RWMutex
	handle unsafe.Pointer
	arenas *arenaPools
}

// Open loads the shared library at path. If path has no directory component, the directories in
// $KERNELRT_LIBRARY_PATH are searched first, and then the dynamic linker's default search.
func Open(path string) (*Library, error) {
	resolved := resolveLibraryPath(path)
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return nil, errors.Errorf("kernel library path %q is a directory", resolved)
	}

	nameC := C.CString(resolved)
	klog.V(2).Infof("trying to load kernel library %s", resolved)
	C.dlerror()
	handle := C.dlopen(nameC, C.RTLD_NOW|C.RTLD_LOCAL)
	cFree(nameC)
	if handle == nil {
		msg := C.GoString(C.dlerror())
		return nil, errors.Errorf("failed to load kernel library %q: %s", resolved, msg)
	}
	klog.V(1).Infof("loaded kernel library %s", resolved)
	return &Library{Path: resolved, handle: handle, arenas: newArenaPools()}, nil
}

func resolveLibraryPath(path string) string {
	if strings.ContainsRune(path, filepath.Separator) {
		return path
	}
	for _, dir := range filepath.SplitList(os.Getenv(LibraryPathEnv)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}

// symbolPointer returns the address of the given symbol. It must be called with l.mu held.
func (l *Library) symbolPointer(symbol string) (unsafe.Pointer, error) {
	if l.handle == nil {
		return nil, errors.Errorf("kernel library %q already closed", l.Path)
	}
	sym := C.CString(symbol)
	defer cFree(sym)

	C.dlerror()
	p := C.dlsym(l.handle, sym)
	if e := C.dlerror(); e != nil {
		return nil, errors.Errorf("error resolving symbol %q in %q: %s", symbol, l.Path, C.GoString(e))
	}
	if p == nil {
		return nil, errors.Errorf("symbol %q in %q resolved to nil", symbol, l.Path)
	}
	return p, nil
}

// Close unloads the library and frees its idle argument arenas. Kernels obtained from it return an error afterward.
// It is safe to call Close more than once.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return nil
	}
	l.arenas.Free()
	C.dlerror()
	if C.dlclose(l.handle) != 0 {
		err := errors.Errorf("failed to close kernel library %q: %s", l.Path, C.GoString(C.dlerror()))
		l.handle = nil
		return err
	}
	l.handle = nil
	klog.V(1).Infof("closed kernel library %s", l.Path)
	return nil
}
