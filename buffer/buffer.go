// Package buffer provides control buffers for tree members. Every buffer it returns is at least
// 4-byte aligned, as tree.Init requires.
package buffer

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ErrNotSupported is returned by allocators that the current platform cannot provide
var ErrNotSupported = errors.New("buffer allocator is not supported on this platform")

//go:generate mockgen -source buffer.go -destination ./mocks/allocator.go -package mock_buffer

// Allocator provides and reclaims control buffers
type Allocator interface {
	Allocate(size int) ([]byte, error)
	Free(buf []byte) error
}

// Heap allocates control buffers on the Go heap. Free is a no-op; the garbage collector reclaims
// the buffer once the last member using it is gone.
type Heap struct{}

var _ Allocator = Heap{}

func (Heap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid buffer size: %d", size)
	}

	// backing the slice with uint64 words guarantees alignment regardless of size
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size), nil
}

func (Heap) Free(buf []byte) error {
	return nil
}
