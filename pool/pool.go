package pool

import (
	"context"
	"fmt"
	"strconv"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/treealloc"
	"github.com/vkngwrapper/treealloc/buffer"
	"github.com/vkngwrapper/treealloc/internal/utils"
	"github.com/vkngwrapper/treealloc/metadata"
	"golang.org/x/exp/slog"
)

// Pool hands out allocations from a list of equally sized blocks, each managed by its own tree. Blocks
// are created on demand up to MaxBlockCount, and empty blocks beyond MinBlockCount are released as
// allocations are freed.
type Pool struct {
	logger *slog.Logger
	mutex  utils.OptionalRWMutex

	flags           PoolCreateFlags
	blockSize       int
	granularity     int
	minBlockCount   int
	maxBlockCount   int
	bufferAllocator buffer.Allocator

	blocks      []*memoryBlock
	nextBlockId int
}

// New creates a pool and its first MinBlockCount blocks. A nil logger logs to slog.Default().
func New(logger *slog.Logger, createInfo PoolCreateInfo) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	err := createInfo.validate()
	if err != nil {
		return nil, err
	}

	p := &Pool{
		logger: logger,
		mutex: utils.OptionalRWMutex{
			UseMutex: createInfo.Flags&PoolCreateSynchronized != 0,
		},
		flags:           createInfo.Flags,
		blockSize:       createInfo.BlockSize,
		granularity:     createInfo.Granularity,
		minBlockCount:   createInfo.MinBlockCount,
		maxBlockCount:   createInfo.maxBlockCount(),
		bufferAllocator: createInfo.bufferAllocator(),
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Pool::New",
		slog.String("flags", createInfo.Flags.String()),
		slog.Int("blockSize", createInfo.BlockSize),
		slog.Int("granularity", createInfo.Granularity),
	)

	for i := 0; i < p.minBlockCount; i++ {
		_, err = p.createBlock()
		if err != nil {
			destroyErr := p.destroyBlocks()
			return nil, cerrors.CombineErrors(err, destroyErr)
		}
	}

	return p, nil
}

func (p *Pool) Flags() PoolCreateFlags { return p.flags }
func (p *Pool) BlockSize() int         { return p.blockSize }
func (p *Pool) Granularity() int       { return p.granularity }

func (p *Pool) BlockCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.blocks)
}

func (p *Pool) createBlock() (int, error) {
	block := blockPool.Get().(*memoryBlock)

	err := block.Init(p.logger, p.nextBlockId, p.blockSize, p.granularity, p.bufferAllocator)
	if err != nil {
		blockPool.Put(block)
		return -1, err
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created block", slog.Int("block.id", block.id))
	p.nextBlockId++

	p.blocks = append(p.blocks, block)
	return len(p.blocks) - 1, nil
}

func (p *Pool) remove(block *memoryBlock) {
	for blockIndex := 0; blockIndex < len(p.blocks); blockIndex++ {
		if p.blocks[blockIndex] == block {
			p.blocks = append(p.blocks[0:blockIndex], p.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a pool that did not belong to it")
}

func (p *Pool) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(p.blocks); blockIndex++ {
		if p.blocks[blockIndex].metadata.IsEmpty() {
			return true
		}
	}

	return false
}

// incrementallySortBlocks performs one step of sorting blocks by ascending free size, so that the fullest
// blocks are tried first
func (p *Pool) incrementallySortBlocks() {
	for blockIndex := 1; blockIndex < len(p.blocks); blockIndex++ {
		if p.blocks[blockIndex-1].metadata.SumFreeSize() > p.blocks[blockIndex].metadata.SumFreeSize() {
			p.blocks[blockIndex-1], p.blocks[blockIndex] = p.blocks[blockIndex], p.blocks[blockIndex-1]
			return
		}
	}
}

// Allocate reserves at least size bytes aligned to alignment from the first block with room, creating a
// new block if none has any. It fails with treealloc.ErrOutOfMemory when every block is full and the pool
// already holds MaxBlockCount blocks, and with treealloc.ErrInvalidBlockCount when the request needs more
// than treealloc.MaxMarkBlocks granules.
func (p *Pool) Allocate(size int, alignment uint, userData any) (*Allocation, error) {
	p.logger.Debug("Pool::Allocate")

	numBlocks, err := metadata.GranulesForRequest(p.granularity, size, alignment)
	if err != nil {
		return nil, err
	}

	class, err := treealloc.SizeClass(numBlocks)
	if err != nil {
		return nil, err
	}

	// Early reject: the reserved run cannot fit in an empty block
	if (1<<class)*p.granularity > p.blockSize {
		return nil, cerrors.Wrapf(treealloc.ErrOutOfMemory, "an allocation of %d bytes reserves %d granules, but blocks are only %d bytes", size, 1<<class, p.blockSize)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// 1. Search existing blocks, fullest first
	for blockIndex := 0; blockIndex < len(p.blocks); blockIndex++ {
		currentBlock := p.blocks[blockIndex]
		if currentBlock == nil {
			panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
		}

		alloc, err := p.allocFromBlock(currentBlock, size, alignment, userData)
		if err != nil {
			return nil, err
		} else if alloc != nil {
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
			p.incrementallySortBlocks()
			return alloc, nil
		}
	}

	// 2. Try to create a new block
	if len(p.blocks) < p.maxBlockCount {
		newBlockIndex, err := p.createBlock()
		if err != nil {
			return nil, err
		}

		block := p.blocks[newBlockIndex]
		alloc, err := p.allocFromBlock(block, size, alignment, userData)
		if err != nil {
			return nil, err
		} else if alloc != nil {
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from new block", slog.Int("block.id", block.id))
			p.incrementallySortBlocks()
			return alloc, nil
		}

		panic(fmt.Sprintf("created block %d to hold an allocation of %d bytes, but it could not hold it", block.id, size))
	}

	return nil, cerrors.Wrapf(treealloc.ErrOutOfMemory, "no room for %d bytes aligned to %d in any of %d blocks", size, alignment, len(p.blocks))
}

func (p *Pool) allocFromBlock(block *memoryBlock, size int, alignment uint, userData any) (*Allocation, error) {
	if !block.metadata.MayHaveFreeBlock(size, alignment) {
		return nil, nil
	}

	success, allocRequest, err := block.metadata.CreateAllocationRequest(size, alignment)
	if err != nil {
		return nil, err
	} else if !success {
		return nil, nil
	}

	alloc := &Allocation{}
	handle, err := block.metadata.Alloc(allocRequest, alloc)
	if err != nil {
		return nil, err
	}

	treealloc.DebugCheckPow2(uint(allocRequest.ReservedSize/p.granularity), "reserved granules")
	alloc.init(p, block, handle, allocRequest.Offset, allocRequest.ReservedSize, userData)
	treealloc.DebugValidate(block)

	return alloc, nil
}

// Free releases an allocation made by this pool. Freeing the same allocation twice returns an error.
func (p *Pool) Free(alloc *Allocation) error {
	p.logger.Debug("Pool::Free")

	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}

	blockToDelete, err := p.freeWithLock(alloc)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
		blockPool.Put(blockToDelete)
	}

	return nil
}

func (p *Pool) freeWithLock(alloc *Allocation) (blockToDelete *memoryBlock, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if alloc.parentPool != p || alloc.block == nil {
		return nil, errors.New("attempted to free an allocation that is not live in this pool")
	}

	block := alloc.block
	hasEmptyBlockBeforeFree := p.hasEmptyBlock()

	err = block.metadata.Free(alloc.handle)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to free allocation at offset %d of block %d", alloc.offset, block.id)
	}
	treealloc.DebugValidate(block)

	alloc.block = nil
	alloc.parentPool = nil

	canDeleteBlock := len(p.blocks) > p.minBlockCount

	// The block is empty & we already had one
	if block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		blockToDelete = block
		p.remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// There is an empty block somewhere we don't need
		lastBlock := p.blocks[len(p.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			p.blocks = p.blocks[:len(p.blocks)-1]
		}
	}

	p.incrementallySortBlocks()

	return blockToDelete, nil
}

// AddStatistics sums the usage of every block into stats
func (p *Pool) AddStatistics(stats *treealloc.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(p.blocks); blockIndex++ {
		p.blocks[blockIndex].metadata.AddStatistics(stats)
	}
}

// CalculateStatistics replaces the contents of stats with the detailed usage of every block
func (p *Pool) CalculateStatistics(stats *treealloc.DetailedStatistics) {
	p.logger.Debug("Pool::CalculateStatistics")

	stats.Clear()

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(p.blocks); blockIndex++ {
		p.blocks[blockIndex].metadata.AddDetailedStatistics(stats)
	}
}

// PrintDetailedMap writes a json object with one entry per block, keyed by block id, describing the
// block's tree and every region in it
func (p *Pool) PrintDetailedMap(writer *jwriter.Writer) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for i := 0; i < len(p.blocks); i++ {
		block := p.blocks[i]

		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		block.metadata.BlockJsonData(&blockObj)
		p.printDetailedMapAllocations(block.metadata, &blockObj)

		blockObj.End()
	}
}

func (p *Pool) printDetailedMapAllocations(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String("Free")
				obj.Name("Size").Int(size)
				return nil
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else {
				obj.Name("Type").String("Allocation")
				obj.Name("Size").Int(size)
			}

			return nil
		})
}

// Validate checks every block's tree against its leaves and its allocation records
func (p *Pool) Validate() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if len(p.blocks) > p.maxBlockCount {
		return errors.Errorf("the pool holds %d blocks, but its max block count is %d", len(p.blocks), p.maxBlockCount)
	}

	for _, block := range p.blocks {
		err := block.Validate()
		if err != nil {
			return cerrors.Wrapf(err, "block %d", block.id)
		}
	}

	return nil
}

// Destroy releases every block. It fails, logging each unreleased allocation, if any allocation is
// still live.
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.destroyBlocks()
}

func (p *Pool) destroyBlocks() error {
	for len(p.blocks) > 0 {
		block := p.blocks[len(p.blocks)-1]
		err := block.Destroy()
		if err != nil {
			return err
		}

		p.blocks = p.blocks[:len(p.blocks)-1]
		blockPool.Put(block)
	}

	p.blocks = nil
	return nil
}
