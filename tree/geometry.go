package tree

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/treealloc"
)

const (
	bytesPerWord = 4

	// MaxTreeHeight is the tree height needed to cover treealloc.MaxBlocks
	MaxTreeHeight = 6
)

// Row is a contiguous run of nodes within one tree's node array
type Row struct {
	Offset int
	Width  int
}

// CheckMinBlocks validates a requested pool size and rounds it up to treealloc.MinBlocks, which
// guarantees a tree height of at least one.
func CheckMinBlocks(minBlocks int) (int, error) {
	if minBlocks <= 0 || uint64(minBlocks) > treealloc.MaxBlocks {
		return 0, cerrors.Wrapf(treealloc.ErrInvalidMinBlocks, "requested %d blocks", minBlocks)
	}

	if minBlocks < treealloc.MinBlocks {
		return treealloc.MinBlocks, nil
	}
	return minBlocks, nil
}

// TreeHeight returns the number of internal node rows in a single size-class tree. Each branch of the
// top node spans 32^height blocks, and the top node never needs more than 32 branches.
func TreeHeight(minBlocks int) int {
	height := 1
	// blocks covered by a full top node at the current height
	for span := uint64(treealloc.NumBranches) << treealloc.BranchesLog2; uint64(minBlocks) > span; span <<= treealloc.BranchesLog2 {
		height++
	}

	return height
}

// NumTopBranches returns the number of branches the top node needs to cover minBlocks. Branches past
// this count are pre-marked full.
func NumTopBranches(minBlocks int) int {
	branchSpan := uint64(1) << (treealloc.BranchesLog2 * TreeHeight(minBlocks))
	blocks := uint64(minBlocks)
	return int((blocks + branchSpan - 1) / branchSpan)
}

// NumLeaves returns the number of 32-block leaf words. Below the top node every row is fully populated.
func NumLeaves(minBlocks int) int {
	return NumTopBranches(minBlocks) << (treealloc.BranchesLog2 * (TreeHeight(minBlocks) - 1))
}

// NumTreeNodes returns the number of internal nodes in one size-class tree, excluding the leaves.
func NumTreeNodes(minBlocks int) int {
	height := TreeHeight(minBlocks)
	width := NumTopBranches(minBlocks)

	nodes := 1 // top node
	for i := 1; i < height; i++ {
		nodes += width
		width <<= treealloc.BranchesLog2
	}

	return nodes
}

// BottomRow returns the row of nodes whose branches point directly at leaves
func BottomRow(topBranches, height int) Row {
	rows := treeRows(topBranches, height)
	return rows[height-1]
}

func treeRows(topBranches, height int) [MaxTreeHeight]Row {
	var rows [MaxTreeHeight]Row
	rows[0] = Row{Offset: 0, Width: 1}

	offset, width := 1, topBranches
	for i := 1; i < height; i++ {
		rows[i] = Row{Offset: offset, Width: width}
		offset += width
		width <<= treealloc.BranchesLog2
	}

	return rows
}

func requiredBufferSize(numLeaves, numTreeNodes int) int {
	return (numLeaves + numTreeNodes*treealloc.NumTrees) * bytesPerWord
}

// RequiredBufferSize returns the size in bytes of the control buffer needed to manage at least minBlocks
// blocks. The caller must allocate at least this much before calling Init.
func RequiredBufferSize(minBlocks int) (int, error) {
	minBlocks, err := CheckMinBlocks(minBlocks)
	if err != nil {
		return 0, err
	}

	return requiredBufferSize(NumLeaves(minBlocks), NumTreeNodes(minBlocks)), nil
}
