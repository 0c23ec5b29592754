package tree_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/treealloc"
	"github.com/vkngwrapper/treealloc/tree"
)

func TestGeometry(t *testing.T) {
	testCases := []struct {
		minBlocks   int
		height      int
		topBranches int
		leaves      int
		nodes       int
		bottomRow   tree.Row
	}{
		{minBlocks: 1, height: 1, topBranches: 2, leaves: 2, nodes: 1, bottomRow: tree.Row{Offset: 0, Width: 1}},
		{minBlocks: 64, height: 1, topBranches: 2, leaves: 2, nodes: 1, bottomRow: tree.Row{Offset: 0, Width: 1}},
		{minBlocks: 65, height: 1, topBranches: 3, leaves: 3, nodes: 1, bottomRow: tree.Row{Offset: 0, Width: 1}},
		{minBlocks: 1024, height: 1, topBranches: 32, leaves: 32, nodes: 1, bottomRow: tree.Row{Offset: 0, Width: 1}},
		{minBlocks: 1025, height: 2, topBranches: 2, leaves: 64, nodes: 3, bottomRow: tree.Row{Offset: 1, Width: 2}},
		{minBlocks: 32768, height: 2, topBranches: 32, leaves: 1024, nodes: 33, bottomRow: tree.Row{Offset: 1, Width: 32}},
		{minBlocks: 32769, height: 3, topBranches: 2, leaves: 2048, nodes: 67, bottomRow: tree.Row{Offset: 3, Width: 64}},
		{
			minBlocks:   treealloc.MaxBlocks,
			height:      6,
			topBranches: 4,
			leaves:      1 << 27,
			nodes:       1 + 4 + 128 + 4096 + 131072 + 4194304,
			bottomRow:   tree.Row{Offset: 1 + 4 + 128 + 4096 + 131072, Width: 4194304},
		},
	}

	for _, testCase := range testCases {
		minBlocks, err := tree.CheckMinBlocks(testCase.minBlocks)
		require.NoError(t, err)

		require.Equal(t, testCase.height, tree.TreeHeight(minBlocks), "height for %d", testCase.minBlocks)
		require.Equal(t, testCase.topBranches, tree.NumTopBranches(minBlocks), "top branches for %d", testCase.minBlocks)
		require.Equal(t, testCase.leaves, tree.NumLeaves(minBlocks), "leaves for %d", testCase.minBlocks)
		require.Equal(t, testCase.nodes, tree.NumTreeNodes(minBlocks), "nodes for %d", testCase.minBlocks)
		require.Equal(t, testCase.bottomRow, tree.BottomRow(testCase.topBranches, testCase.height), "bottom row for %d", testCase.minBlocks)

		size, err := tree.RequiredBufferSize(testCase.minBlocks)
		require.NoError(t, err)
		require.Equal(t, (testCase.leaves+testCase.nodes*treealloc.NumTrees)*4, size)
		require.GreaterOrEqual(t, testCase.leaves*32, testCase.minBlocks)
	}
}

func TestGeometryTopBranchesInRange(t *testing.T) {
	for minBlocks := 1; minBlocks < 200000; minBlocks += 97 {
		checked, err := tree.CheckMinBlocks(minBlocks)
		require.NoError(t, err)

		top := tree.NumTopBranches(checked)
		require.GreaterOrEqual(t, top, 2)
		require.LessOrEqual(t, top, 32)
		require.GreaterOrEqual(t, tree.NumLeaves(checked)*32, minBlocks)
	}
}

func TestGeometryInvalidMinBlocks(t *testing.T) {
	for _, minBlocks := range []int{0, -1, treealloc.MaxBlocks + 1} {
		_, err := tree.CheckMinBlocks(minBlocks)
		require.ErrorIs(t, err, treealloc.ErrInvalidMinBlocks)

		_, err = tree.RequiredBufferSize(minBlocks)
		require.ErrorIs(t, err, treealloc.ErrInvalidMinBlocks)
	}
}

func TestInitTouchesOnlyRequiredBytes(t *testing.T) {
	for _, minBlocks := range []int{1, 100, 1025, 40000} {
		size, err := tree.RequiredBufferSize(minBlocks)
		require.NoError(t, err)

		buf := make([]byte, size+64)
		for i := range buf {
			buf[i] = 0xAB
		}

		member, err := tree.Init(minBlocks, buf[:size])
		require.NoError(t, err)
		require.Equal(t, size, member.BufferSize())
		require.GreaterOrEqual(t, member.TotalBlocks(), minBlocks)
		require.NoError(t, member.Validate())

		for _, b := range buf[size:] {
			require.Equal(t, byte(0xAB), b)
		}
	}
}

func TestInitBufferErrors(t *testing.T) {
	size, err := tree.RequiredBufferSize(100)
	require.NoError(t, err)

	_, err = tree.Init(100, make([]byte, size-1))
	require.ErrorIs(t, err, treealloc.ErrBufferTooSmall)

	buf := make([]byte, size+8)
	_, err = tree.Init(100, buf[1:])
	require.ErrorIs(t, err, treealloc.ErrBufferMisaligned)

	_, err = tree.Init(0, buf)
	require.ErrorIs(t, err, treealloc.ErrInvalidMinBlocks)
}
