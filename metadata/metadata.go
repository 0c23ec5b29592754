package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/treealloc"
	"golang.org/x/exp/slog"
)

// BlockMetadata represents a single large allocation of memory within some system, divided into
// equally sized granules. It manages suballocations within the block, allowing allocations to be
// requested and freed, as well as enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It prepares the metadata structures for
	// a block of size bytes.
	Init(size int) error
	// Destroy releases any resources the metadata acquired in Init. It returns an error if
	// allocations are still live.
	Destroy() error
	// Size retrieves the size in bytes that the block was initialized with
	Size() int
	// Granularity retrieves the size in bytes of the smallest allocatable unit
	Granularity() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation.
	AllocationCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// MayHaveFreeBlock should return a heuristic indicating whether the block could possibly support a new
	// allocation of the provided size. It must be fast and must not produce false negatives.
	MayHaveFreeBlock(size int, alignment uint) bool

	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order. This can be slow and should generally not be done except for
	// diagnostic purposes.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes within the block of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the number of bytes reserved for a live allocation
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userdata value provided by the consumer for a live allocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData changes the userData of a live allocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided treealloc.DetailedStatistics object.
	AddDetailedStatistics(stats *treealloc.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided treealloc.Statistics object.
	AddStatistics(stats *treealloc.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)
	// DebugLogAllAllocations calls logFunc once for each live allocation, in offset order
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any))

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where the implementation
	// would place the requested memory. That object can be passed to Alloc to commit the allocation.
	// The boolean is false when the block has no room for the request.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation. The implementation may increase
	// the alignment above this value, but may not reduce it below this value
	CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the suballocation within the block based
	// on the data described in the AllocationRequest. The implementation must return an error if the
	// request is no longer valid.
	Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error)

	// Free frees a suballocation within the block, causing it to become a free region once again.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	size        int
	granularity int
}

// NewBlockMetadata creates a new BlockMetadataBase. granularity is the size in bytes of the smallest
// allocatable unit and must be a power of two.
func NewBlockMetadata(granularity int) BlockMetadataBase {
	return BlockMetadataBase{
		size:        0,
		granularity: granularity,
	}
}

// Init sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// Granularity returns the size in bytes of one block granule
func (m *BlockMetadataBase) Granularity() int { return m.granularity }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("Granularity").Int(m.Granularity())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
