//go:build unix

package buffer

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mmap allocates control buffers as anonymous private memory mappings outside the Go heap. Mappings
// are page aligned and zero filled, and must be returned with Free.
type Mmap struct{}

var _ Allocator = Mmap{}

func (Mmap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid buffer size: %d", size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes", size)
	}

	return buf, nil
}

func (Mmap) Free(buf []byte) error {
	return errors.Wrap(unix.Munmap(buf), "failed to unmap control buffer")
}
