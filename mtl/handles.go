package mtl

import (
	"sync"

	"github.com/pkg/errors"
)

// Handle is an opaque 64-bit reference to a Buffer, for code on the other side of the foreign-function boundary
// that can only hold integers. Handles are reference counted: the Buffer is released when the last reference is.
//
// Handles are never reused, so a stale handle is reported as invalid rather than resolving to another buffer.
type Handle uint64

type handleEntry struct {
	buf  *Buffer
	refs int
}

// lookupHandleLocked returns the entry of h. A handle whose buffer was released directly, with
// Buffer.Release, is dropped. It must be called with handlesMu held.
func lookupHandleLocked(h Handle) (*handleEntry, error) {
	entry, found := handles[h]
	if !found {
		return nil, errors.Errorf("mtl: invalid or released buffer handle %d", h)
	}
	if entry.buf.isReleased() {
		delete(handles, h)
		return nil, errors.Errorf("mtl: buffer of handle %d was released directly", h)
	}
	return entry, nil
}

var (
	handlesMu  sync.Mutex
	handles    = make(map[Handle]*handleEntry)
	nextHandle Handle
)

// NewHandle returns a new handle to the buffer, holding one reference. The buffer is then owned by the
// handle: release it with Handle.Release instead of Buffer.Release.
func (b *Buffer) NewHandle() (Handle, error) {
	if _, err := b.driver(); err != nil {
		return 0, err
	}
	handlesMu.Lock()
	defer handlesMu.Unlock()
	nextHandle++
	handles[nextHandle] = &handleEntry{buf: b, refs: 1}
	return nextHandle, nil
}

// HandlesAlive returns the number of handles with at least one reference.
func HandlesAlive() int {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	return len(handles)
}

// Buffer returns the buffer referenced by the handle.
func (h Handle) Buffer() (*Buffer, error) {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	entry, err := lookupHandleLocked(h)
	if err != nil {
		return nil, err
	}
	return entry.buf, nil
}

// Retain adds a reference to the handle.
func (h Handle) Retain() error {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	entry, err := lookupHandleLocked(h)
	if err != nil {
		return errors.WithMessage(err, "mtl: Retain")
	}
	entry.refs++
	return nil
}

// Release drops a reference to the handle, and releases the buffer with the last one.
// Releasing a handle with no references left returns an error.
func (h Handle) Release() error {
	handlesMu.Lock()
	entry, err := lookupHandleLocked(h)
	if err != nil {
		handlesMu.Unlock()
		return errors.WithMessage(err, "mtl: Release")
	}
	entry.refs--
	if entry.refs > 0 {
		handlesMu.Unlock()
		return nil
	}
	delete(handles, h)
	handlesMu.Unlock()
	return entry.buf.Release()
}
