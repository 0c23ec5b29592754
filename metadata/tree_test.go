package metadata_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/treealloc"
	"github.com/vkngwrapper/treealloc/metadata"
	"golang.org/x/exp/slog"
)

type region struct {
	offset int
	size   int
	free   bool
}

func collectRegions(t *testing.T, md metadata.BlockMetadata) []region {
	var regions []region
	err := md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, region{offset: offset, size: size, free: free})
		return nil
	})
	require.NoError(t, err)
	return regions
}

func allocate(t *testing.T, md metadata.BlockMetadata, size int, alignment uint, userData any) (metadata.BlockAllocationHandle, metadata.AllocationRequest) {
	success, req, err := md.CreateAllocationRequest(size, alignment)
	require.NoError(t, err)
	require.True(t, success)

	handle, err := md.Alloc(req, userData)
	require.NoError(t, err)
	return handle, req
}

func TestTreeBasicAlloc(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(256, nil)
	require.NoError(t, md.Init(100*256))

	var stats treealloc.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, treealloc.DetailedStatistics{
		Statistics: treealloc.Statistics{
			MemberCount: 1,
			TotalBlocks: 100,
			BlockBytes:  25600,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 25600,
		UnusedRangeSizeMax: 25600,
	}, stats)

	alloc1, req := allocate(t, md, 700, 1, "first")
	require.Equal(t, 0, req.Offset)
	require.Equal(t, 3, req.BlockCount)
	require.Equal(t, 1024, req.ReservedSize)

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, treealloc.DetailedStatistics{
		Statistics: treealloc.Statistics{
			MemberCount:     1,
			AllocationCount: 1,
			TotalBlocks:     100,
			UsedBlocks:      4,
			BlockBytes:      25600,
			AllocationBytes: 1024,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  1024,
		AllocationSizeMax:  1024,
		UnusedRangeSizeMin: 24576,
		UnusedRangeSizeMax: 24576,
	}, stats)

	userData, err := md.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, "first", userData)

	require.NoError(t, md.Free(alloc1))
	require.True(t, md.IsEmpty())
	require.Equal(t, 25600, md.SumFreeSize())
	require.NoError(t, md.Validate())

	require.NoError(t, md.Destroy())
}

func TestTreeTailIsNeverAllocated(t *testing.T) {
	// 100 granules are covered by a 128 block tree
	md := metadata.NewTreeBlockMetadata(1, nil)
	require.NoError(t, md.Init(100))
	require.Equal(t, 128, md.Member().TotalBlocks())

	var offsets []int
	for {
		success, req, err := md.CreateAllocationRequest(4, 1)
		require.NoError(t, err)
		if !success {
			break
		}

		_, err = md.Alloc(req, nil)
		require.NoError(t, err)
		offsets = append(offsets, req.Offset)
	}

	require.Len(t, offsets, 25)
	for _, offset := range offsets {
		require.Less(t, offset, 100)
	}
	require.Equal(t, 0, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestTreeAlignment(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(16, nil)
	require.NoError(t, md.Init(4096))

	allocate(t, md, 16, 1, nil)

	_, req := allocate(t, md, 16, 64, nil)
	require.Equal(t, 64, req.Offset)
	require.Equal(t, 64, req.ReservedSize)

	_, req = allocate(t, md, 40, 0, nil)
	require.Equal(t, 128, req.Offset)
	require.Equal(t, 64, req.ReservedSize)

	_, _, err := md.CreateAllocationRequest(16, 3)
	require.ErrorIs(t, err, treealloc.ErrPowerOfTwo)

	_, _, err = md.CreateAllocationRequest(16*33, 1)
	require.ErrorIs(t, err, treealloc.ErrInvalidBlockCount)

	_, _, err = md.CreateAllocationRequest(0, 1)
	require.Error(t, err)

	require.False(t, md.MayHaveFreeBlock(16*33, 1))
	require.True(t, md.MayHaveFreeBlock(16*32, 1))
}

func TestTreeStaleRequest(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(1, nil)
	require.NoError(t, md.Init(64))

	success, req, err := md.CreateAllocationRequest(8, 1)
	require.NoError(t, err)
	require.True(t, success)

	allocate(t, md, 8, 1, nil)

	_, err = md.Alloc(req, nil)
	require.Error(t, err)
	require.Equal(t, 1, md.AllocationCount())
	require.NoError(t, md.Validate())
}

func TestTreeVisitRegions(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(1, nil)
	require.NoError(t, md.Init(96))

	alloc1, _ := allocate(t, md, 1, 1, nil)
	alloc2, _ := allocate(t, md, 2, 1, nil)
	allocate(t, md, 32, 1, nil)
	allocate(t, md, 4, 1, nil)

	require.Equal(t, []region{
		{offset: 0, size: 1, free: false},
		{offset: 1, size: 1, free: true},
		{offset: 2, size: 2, free: false},
		{offset: 4, size: 4, free: false},
		{offset: 8, size: 24, free: true},
		{offset: 32, size: 32, free: false},
		{offset: 64, size: 32, free: true},
	}, collectRegions(t, md))

	require.NoError(t, md.Free(alloc2))
	require.NoError(t, md.Free(alloc1))

	require.Equal(t, []region{
		{offset: 0, size: 4, free: true},
		{offset: 4, size: 4, free: false},
		{offset: 8, size: 24, free: true},
		{offset: 32, size: 32, free: false},
		{offset: 64, size: 32, free: true},
	}, collectRegions(t, md))

	err := md.Free(alloc1)
	require.Error(t, err)
}

func TestTreeUserDataGetSet(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(8, nil)
	require.NoError(t, md.Init(1024))

	handle, _ := allocate(t, md, 24, 1, 1)

	require.NoError(t, md.SetAllocationUserData(handle, 2))
	userData, err := md.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, 2, userData)

	offset, err := md.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	size, err := md.AllocationSize(handle)
	require.NoError(t, err)
	require.Equal(t, 32, size)

	_, err = md.AllocationUserData(metadata.NoAllocation)
	require.Error(t, err)
	require.Error(t, md.SetAllocationUserData(metadata.NoAllocation, 3))
}

func TestTreeClear(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(1, nil)
	require.NoError(t, md.Init(200))

	handle, _ := allocate(t, md, 5, 1, nil)
	allocate(t, md, 32, 1, nil)
	require.Error(t, md.Destroy())

	md.Clear()
	require.True(t, md.IsEmpty())
	require.Equal(t, 200, md.SumFreeSize())
	require.NoError(t, md.Validate())

	require.Error(t, md.Free(handle))

	_, req := allocate(t, md, 32, 1, nil)
	require.Equal(t, 0, req.Offset)
	require.NoError(t, md.Validate())
}

func TestTreeStatistics(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(4, nil)
	require.NoError(t, md.Init(512))

	allocate(t, md, 4, 1, nil)
	allocate(t, md, 12, 1, nil)

	var stats treealloc.Statistics
	md.AddStatistics(&stats)
	require.Equal(t, treealloc.Statistics{
		MemberCount:     1,
		AllocationCount: 2,
		TotalBlocks:     128,
		UsedBlocks:      5,
		BlockBytes:      512,
		AllocationBytes: 20,
	}, stats)
}

func TestTreeInitErrors(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(3, nil)
	require.ErrorIs(t, md.Init(300), treealloc.ErrPowerOfTwo)

	md = metadata.NewTreeBlockMetadata(64, nil)
	require.Error(t, md.Init(32))

	require.NoError(t, md.Init(6400))
	require.Error(t, md.Init(6400))
}

func TestTreeBlockJsonData(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(1, nil)
	require.NoError(t, md.Init(64))
	allocate(t, md, 32, 1, nil)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	md.BlockJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"TotalBytes": 64,
		"Granularity": 1,
		"UnusedBytes": 32,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Tree": {
			"TotalBlocks": 64,
			"UsedBlocks": 32,
			"TreeHeight": 1,
			"TopBranches": 2,
			"Leaves": 2,
			"BufferBytes": 32,
			"FreeRuns": [
				{"Blocks": 1, "Count": 32, "Available": true},
				{"Blocks": 2, "Count": 16, "Available": true},
				{"Blocks": 4, "Count": 8, "Available": true},
				{"Blocks": 8, "Count": 4, "Available": true},
				{"Blocks": 16, "Count": 2, "Available": true},
				{"Blocks": 32, "Count": 1, "Available": true}
			]
		}
	}`, string(writer.Bytes()))
}

func TestTreeDebugLogAllAllocations(t *testing.T) {
	md := metadata.NewTreeBlockMetadata(2, nil)
	require.NoError(t, md.Init(256))

	allocate(t, md, 6, 1, "a")
	allocate(t, md, 2, 1, "b")

	logger := slog.Default()

	var offsets []int
	var userData []any
	md.DebugLogAllAllocations(logger, func(log *slog.Logger, offset int, size int, data any) {
		require.Same(t, logger, log)
		offsets = append(offsets, offset)
		userData = append(userData, data)
	})

	require.Equal(t, []int{0, 8}, offsets)
	require.Equal(t, []any{"a", "b"}, userData)
}
