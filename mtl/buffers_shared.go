package mtl

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// newSharedBuffer opens (or creates) the file at path, resizes it to count elements of dtype, maps it and wraps
// the mapping as a device buffer.
//
// The file descriptor is closed once mapped. On failure everything done so far is undone.
func (d *Device) newSharedBuffer(path string, dtype dtypes.DType, count int) (b *Buffer, err error) {
	length := dtype.SizeForElements(count)
	anonymous := path == ""
	if anonymous {
		path = filepath.Join(os.TempDir(), "kernelrt-"+uuid.NewString()+".bin")
	}
	defer func() {
		if err != nil {
			klog.Errorf("mtl: failed to create shared buffer: %v", err)
			if anonymous {
				_ = os.Remove(path)
			}
		}
	}()

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "mtl: failed to open shared buffer file %q", path)
	}
	defer func() { _ = unix.Close(fd) }()
	if err = unix.Ftruncate(fd, int64(length)); err != nil {
		return nil, errors.Wrapf(err, "mtl: failed to resize shared buffer file %q to %d bytes", path, length)
	}

	// Devices wrap whole pages: the mapping is rounded up, and the tail past the end of the file is never
	// visible through the Buffer.
	mapLength := roundUpToPage(length)
	mapping, err := unix.Mmap(fd, 0, mapLength, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mtl: failed to map shared buffer file %q (%s)", path, humanize.Bytes(uint64(mapLength)))
	}

	err = d.use(func(drv deviceDriver) error {
		bDrv, err := drv.wrapBuffer(unsafe.Pointer(&mapping[0]), mapLength)
		if err != nil {
			return errors.WithMessagef(err, "mtl: failed to wrap shared buffer file %q", path)
		}
		b = newBuffer(d, bDrv, dtype, count)
		return nil
	})
	if err != nil {
		_ = unix.Munmap(mapping)
		return nil, err
	}
	b.mapping = mapping
	b.path = path
	b.removeOnRelease = anonymous
	return b, nil
}

func roundUpToPage(n int) int {
	page := os.Getpagesize()
	return max((n+page-1)/page*page, page)
}
