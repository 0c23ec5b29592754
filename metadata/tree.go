package metadata

import (
	"fmt"
	"sync"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/treealloc"
	"github.com/vkngwrapper/treealloc/buffer"
	"github.com/vkngwrapper/treealloc/tree"
	"golang.org/x/exp/slog"
)

var allocationPool = sync.Pool{
	New: func() any {
		return &treeAllocation{}
	},
}

type treeAllocation struct {
	address   int
	numBlocks int
	runBlocks int
	userData  any
	handle    BlockAllocationHandle
}

// TreeBlockMetadata is a BlockMetadata implementation that hands out power-of-two runs of 1 to 32
// granules from a tree.Member. Every lookup and release is O(log n) in the number of granules, and
// offsets are always aligned to the reserved size.
type TreeBlockMetadata struct {
	BlockMetadataBase

	bufferAllocator buffer.Allocator
	controlBuffer   []byte
	member          *tree.Member

	numBlocks       int
	allocCount      int
	allocatedBlocks int

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *treeAllocation]
	addressKey           *swiss.Map[int, *treeAllocation]
}

var _ BlockMetadata = &TreeBlockMetadata{}

// NewTreeBlockMetadata creates metadata that divides its block into granules of granularity bytes.
// Control buffers come from bufferAllocator, or the Go heap if it is nil.
func NewTreeBlockMetadata(granularity int, bufferAllocator buffer.Allocator) *TreeBlockMetadata {
	if bufferAllocator == nil {
		bufferAllocator = buffer.Heap{}
	}

	return &TreeBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(granularity),
		bufferAllocator:   bufferAllocator,
	}
}

func (m *TreeBlockMetadata) Init(size int) error {
	if m.member != nil {
		return errors.New("attempted to initialize tree block metadata that is already in use")
	}

	err := treealloc.CheckPow2(m.granularity, "granularity")
	if err != nil {
		return err
	}

	numBlocks := size / m.granularity
	if numBlocks < 1 || uint64(numBlocks) > treealloc.MaxBlocks {
		return errors.Errorf("a block of %d bytes holds %d granules of %d bytes, must be between 1 and %d", size, numBlocks, m.granularity, uint64(treealloc.MaxBlocks))
	}

	bufferSize, err := tree.RequiredBufferSize(numBlocks)
	if err != nil {
		return err
	}

	controlBuffer, err := m.bufferAllocator.Allocate(bufferSize)
	if err != nil {
		return cerrors.Wrap(err, "failed to allocate control buffer")
	}

	member, err := tree.Init(numBlocks, controlBuffer)
	if err != nil {
		freeErr := m.bufferAllocator.Free(controlBuffer)
		return cerrors.CombineErrors(err, freeErr)
	}

	m.BlockMetadataBase.Init(size)
	m.controlBuffer = controlBuffer
	m.member = member
	m.numBlocks = numBlocks
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *treeAllocation](42)
	m.addressKey = swiss.NewMap[int, *treeAllocation](42)

	return m.reserveTail()
}

// reserveTail marks the granules the tree covers past the end of the block so they are never handed out
func (m *TreeBlockMetadata) reserveTail() error {
	total := m.member.TotalBlocks()
	for adr := m.numBlocks; adr < total; {
		run := treealloc.MaxMarkBlocks
		for adr%run != 0 || adr+run > total {
			run >>= 1
		}

		err := m.member.MarkAt(adr, run)
		if err != nil {
			return err
		}
		adr += run
	}

	return nil
}

func (m *TreeBlockMetadata) Destroy() error {
	if m.member == nil {
		return nil
	}

	if m.allocCount > 0 {
		return errors.Errorf("the block still has %d allocations that remain unfreed", m.allocCount)
	}

	err := m.bufferAllocator.Free(m.controlBuffer)
	if err != nil {
		return err
	}

	m.controlBuffer = nil
	m.member = nil
	m.handleKey = nil
	m.addressKey = nil
	return nil
}

func (m *TreeBlockMetadata) allocateRecord() *treeAllocation {
	alloc := allocationPool.Get().(*treeAllocation)
	alloc.address = 0
	alloc.numBlocks = 0
	alloc.runBlocks = 0
	alloc.userData = nil
	alloc.handle = BlockAllocationHandle(atomic.AddUint64((*uint64)(&m.nextAllocationHandle), 1))
	return alloc
}

func (m *TreeBlockMetadata) freeRecord(alloc *treeAllocation) {
	m.handleKey.Delete(alloc.handle)
	m.addressKey.Delete(alloc.address)
	alloc.userData = nil
	allocationPool.Put(alloc)
}

func (m *TreeBlockMetadata) getAllocation(handle BlockAllocationHandle) (*treeAllocation, error) {
	alloc, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return alloc, nil
}

// Member returns the tree that tracks this block's granules
func (m *TreeBlockMetadata) Member() *tree.Member {
	return m.member
}

func (m *TreeBlockMetadata) Validate() error {
	err := m.member.Validate()
	if err != nil {
		return err
	}

	if m.handleKey.Count() != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but %d handles are live", m.allocCount, m.handleKey.Count())
	}

	if m.addressKey.Count() != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but %d addresses are live", m.allocCount, m.addressKey.Count())
	}

	var allocatedBlocks int
	m.handleKey.Iter(func(handle BlockAllocationHandle, alloc *treeAllocation) bool {
		if handle != alloc.handle {
			err = errors.Errorf("allocation at granule %d is stored under handle %d but has handle %d", alloc.address, handle, alloc.handle)
			return true
		}

		for adr := alloc.address; adr < alloc.address+alloc.runBlocks; adr++ {
			var marked bool
			marked, err = m.member.IsMarked(adr)
			if err != nil {
				return true
			}
			if !marked {
				err = errors.Errorf("allocation at granule %d covers granule %d, but it is not marked", alloc.address, adr)
				return true
			}
		}

		allocatedBlocks += alloc.runBlocks
		return false
	})
	if err != nil {
		return err
	}

	if allocatedBlocks != m.allocatedBlocks {
		return errors.Errorf("the allocated granule count of the metadata is %d, but the allocations add up to %d", m.allocatedBlocks, allocatedBlocks)
	}

	tail := m.member.TotalBlocks() - m.numBlocks
	if m.member.UsedBlocks() != allocatedBlocks+tail {
		return errors.Errorf("the tree has %d granules marked, but allocations and the reserved tail add up to %d", m.member.UsedBlocks(), allocatedBlocks+tail)
	}

	return nil
}

func (m *TreeBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TreeBlockMetadata) SumFreeSize() int {
	return (m.numBlocks - m.allocatedBlocks) * m.granularity
}

func (m *TreeBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

// GranulesForRequest converts a byte size and alignment into the number of granules a TreeBlockMetadata
// with the given granularity would mark for it. Any alignment up to the reserved run size is satisfied
// for free, since runs are aligned to their own size.
func GranulesForRequest(granularity int, allocSize int, allocAlignment uint) (int, error) {
	if allocSize < 1 {
		return 0, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}

	err := treealloc.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return 0, err
	}

	numBlocks := (allocSize + granularity - 1) / granularity
	alignBlocks := treealloc.AlignUp(int(allocAlignment), uint(granularity)) / granularity
	numBlocks = max(numBlocks, alignBlocks)

	if numBlocks > treealloc.MaxMarkBlocks {
		return 0, cerrors.Wrapf(treealloc.ErrInvalidBlockCount, "an allocation of %d bytes aligned to %d needs %d granules of %d bytes", allocSize, allocAlignment, numBlocks, granularity)
	}

	return numBlocks, nil
}

func (m *TreeBlockMetadata) blocksForRequest(allocSize int, allocAlignment uint) (int, error) {
	return GranulesForRequest(m.granularity, allocSize, allocAlignment)
}

func (m *TreeBlockMetadata) MayHaveFreeBlock(size int, alignment uint) bool {
	numBlocks, err := m.blocksForRequest(size, alignment)
	if err != nil {
		return false
	}

	return m.member.MayHaveFreeRun(numBlocks)
}

func (m *TreeBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	numBlocks, err := m.blocksForRequest(allocSize, allocAlignment)
	if err != nil {
		return false, allocRequest, err
	}

	treealloc.DebugValidate(m)

	found, adr, err := m.member.Find(numBlocks)
	if err != nil || !found {
		return false, allocRequest, err
	}

	class, err := treealloc.SizeClass(numBlocks)
	if err != nil {
		return false, allocRequest, err
	}

	allocRequest.Offset = adr * m.granularity
	allocRequest.Size = allocSize
	allocRequest.ReservedSize = (1 << class) * m.granularity
	allocRequest.BlockCount = numBlocks
	allocRequest.AlgorithmData = uint64(adr)

	return true, allocRequest, nil
}

func (m *TreeBlockMetadata) Alloc(req AllocationRequest, userData any) (BlockAllocationHandle, error) {
	adr := int(req.AlgorithmData)
	if adr*m.granularity != req.Offset {
		return NoAllocation, errors.New("allocation request was received by an incompatible metadata")
	}

	found, nextAdr, err := m.member.Find(req.BlockCount)
	if err != nil {
		return NoAllocation, err
	}
	if !found || nextAdr != adr {
		return NoAllocation, errors.Errorf("allocation request for granule %d is stale", adr)
	}

	class, err := treealloc.SizeClass(req.BlockCount)
	if err != nil {
		return NoAllocation, err
	}

	_, _, err = m.member.Mark(req.BlockCount)
	if err != nil {
		return NoAllocation, err
	}

	alloc := m.allocateRecord()
	alloc.address = adr
	alloc.numBlocks = req.BlockCount
	alloc.runBlocks = 1 << class
	alloc.userData = userData
	m.handleKey.Put(alloc.handle, alloc)
	m.addressKey.Put(alloc.address, alloc)

	m.allocCount++
	m.allocatedBlocks += alloc.runBlocks

	return alloc.handle, nil
}

func (m *TreeBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	err = m.member.Clear(alloc.address, alloc.numBlocks)
	if err != nil {
		return err
	}

	m.allocCount--
	m.allocatedBlocks -= alloc.runBlocks
	m.freeRecord(alloc)

	return nil
}

func (m *TreeBlockMetadata) Clear() {
	m.handleKey.Iter(func(handle BlockAllocationHandle, alloc *treeAllocation) bool {
		alloc.userData = nil
		allocationPool.Put(alloc)
		return false
	})

	m.handleKey = swiss.NewMap[BlockAllocationHandle, *treeAllocation](42)
	m.addressKey = swiss.NewMap[int, *treeAllocation](42)
	m.allocCount = 0
	m.allocatedBlocks = 0

	m.member.Reset()
	err := m.reserveTail()
	if err != nil {
		panic(fmt.Sprintf("failed to reserve the tail of a freshly reset tree: %+v", err))
	}
}

func (m *TreeBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	freeStart := 0
	for adr := 0; adr < m.numBlocks; {
		alloc, ok := m.addressKey.Get(adr)
		if !ok {
			adr++
			continue
		}

		if freeStart < adr {
			err := handleBlock(NoAllocation, freeStart*m.granularity, (adr-freeStart)*m.granularity, nil, true)
			if err != nil {
				return err
			}
		}

		err := handleBlock(alloc.handle, adr*m.granularity, alloc.runBlocks*m.granularity, alloc.userData, false)
		if err != nil {
			return err
		}

		adr += alloc.runBlocks
		freeStart = adr
	}

	if freeStart < m.numBlocks {
		return handleBlock(NoAllocation, freeStart*m.granularity, (m.numBlocks-freeStart)*m.granularity, nil, true)
	}

	return nil
}

func (m *TreeBlockMetadata) AddDetailedStatistics(stats *treealloc.DetailedStatistics) {
	stats.MemberCount++
	stats.BlockBytes += m.size
	stats.TotalBlocks += m.numBlocks
	stats.UsedBlocks += m.allocatedBlocks

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (m *TreeBlockMetadata) AddStatistics(stats *treealloc.Statistics) {
	stats.MemberCount++
	stats.AllocationCount += m.allocCount
	stats.TotalBlocks += m.numBlocks
	stats.UsedBlocks += m.allocatedBlocks
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.allocatedBlocks * m.granularity
}

func (m *TreeBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var stats treealloc.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)

	treeObj := json.Name("Tree").Object()
	m.member.WriteJson(&treeObj)
	treeObj.End()
}

func (m *TreeBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if !free {
			logFunc(logger, offset, size, userData)
		}
		return nil
	})
}

func (m *TreeBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return alloc.address * m.granularity, nil
}

func (m *TreeBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return alloc.runBlocks * m.granularity, nil
}

func (m *TreeBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return alloc.userData, nil
}

func (m *TreeBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	alloc.userData = userData
	return nil
}
