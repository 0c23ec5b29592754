package pool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/treealloc/buffer"
	"github.com/vkngwrapper/treealloc/metadata"
	"golang.org/x/exp/slog"
)

var blockPool = sync.Pool{
	New: func() any {
		return &memoryBlock{}
	},
}

type memoryBlock struct {
	id       int
	logger   *slog.Logger
	metadata *metadata.TreeBlockMetadata
}

func (b *memoryBlock) Init(logger *slog.Logger, id int, size int, granularity int, bufferAllocator buffer.Allocator) error {
	if b.metadata != nil {
		panic("attempting to initialize a memory block that is already in use")
	}

	md := metadata.NewTreeBlockMetadata(granularity, bufferAllocator)
	err := md.Init(size)
	if err != nil {
		return err
	}

	b.id = id
	b.logger = logger
	b.metadata = md
	return nil
}

func (b *memoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before the destruction of this memory block!")
	}

	err := b.metadata.Destroy()
	if err != nil {
		return err
	}

	b.metadata = nil
	return nil
}

func (b *memoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("block.id", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", allocation.UserData()),
	)
}

func (b *memoryBlock) Validate() error {
	if b.metadata == nil {
		return errors.New("no valid metadata for this memory block")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Errorf("an allocation at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Errorf("an allocation at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}
