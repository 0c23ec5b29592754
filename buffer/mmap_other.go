//go:build !unix

package buffer

// Mmap is unavailable on this platform; every Allocate returns ErrNotSupported
type Mmap struct{}

var _ Allocator = Mmap{}

func (Mmap) Allocate(size int) ([]byte, error) {
	return nil, ErrNotSupported
}

func (Mmap) Free(buf []byte) error {
	return nil
}
