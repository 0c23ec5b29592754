package pool

import (
	"math"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/treealloc"
	"github.com/vkngwrapper/treealloc/buffer"
)

// PoolCreateInfo describes the blocks a Pool hands out allocations from
type PoolCreateInfo struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags PoolCreateFlags

	// BlockSize is the size in bytes of every block the pool creates
	BlockSize int
	// Granularity is the smallest unit, in bytes, that the pool hands out. It must be a power of two.
	// Allocations are rounded up to a power of two number of granules, so no allocation may be larger
	// than Granularity * treealloc.MaxMarkBlocks.
	Granularity int
	// MinBlockCount blocks are created with the pool and are never freed while it lives
	MinBlockCount int
	// MaxBlockCount is the most blocks the pool may hold at once. 0 means no limit.
	MaxBlockCount int

	// BufferAllocator provides the control buffer of every block. When it is nil, control buffers come
	// from the Go heap, or from memory mappings with PoolCreateMappedControlBuffers.
	BufferAllocator buffer.Allocator
}

func (i *PoolCreateInfo) validate() error {
	if i.BlockSize < 1 {
		return errors.Errorf("invalid block size: %d", i.BlockSize)
	}

	err := treealloc.CheckPow2(i.Granularity, "Granularity")
	if err != nil {
		return err
	}

	if i.BlockSize/i.Granularity < 1 {
		return errors.Errorf("block size %d is smaller than granularity %d", i.BlockSize, i.Granularity)
	}

	if uint64(i.BlockSize/i.Granularity) > treealloc.MaxBlocks {
		return errors.Errorf("block size %d holds more than %d granules of %d bytes", i.BlockSize, uint64(treealloc.MaxBlocks), i.Granularity)
	}

	if i.MinBlockCount < 0 {
		return errors.Errorf("invalid min block count: %d", i.MinBlockCount)
	}

	if i.MaxBlockCount < 0 {
		return errors.Errorf("invalid max block count: %d", i.MaxBlockCount)
	}

	if i.MaxBlockCount > 0 && i.MinBlockCount > i.MaxBlockCount {
		return errors.Errorf("min block count %d is greater than max block count %d", i.MinBlockCount, i.MaxBlockCount)
	}

	return nil
}

func (i *PoolCreateInfo) maxBlockCount() int {
	if i.MaxBlockCount == 0 {
		return math.MaxInt
	}
	return i.MaxBlockCount
}

func (i *PoolCreateInfo) bufferAllocator() buffer.Allocator {
	if i.BufferAllocator != nil {
		return i.BufferAllocator
	}

	if i.Flags&PoolCreateMappedControlBuffers != 0 {
		return buffer.Mmap{}
	}

	return buffer.Heap{}
}
