package treealloc

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

const (
	// BranchesLog2 is log2 of the branching factor of every tree node below the top node
	BranchesLog2 = 5
	// NumBranches is the branching factor of a tree node and the number of blocks in a leaf
	NumBranches = 1 << BranchesLog2
	// NumTrees is the number of size classes, one index tree per class
	NumTrees = BranchesLog2 + 1
	// MaxMarkBlocks is the largest run of blocks a single mark can reserve
	MaxMarkBlocks = NumBranches
	// MinBlocks is the smallest pool size; smaller requests are rounded up to it
	MinBlocks = NumBranches * 2
	// MaxBlocks is the largest pool size
	MaxBlocks = 1 << 32
)

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(ErrPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// SizeClass returns the smallest k such that 1<<k >= numBlocks. It returns ErrInvalidBlockCount if numBlocks
// is outside [1, MaxMarkBlocks].
func SizeClass(numBlocks int) (int, error) {
	if numBlocks < 1 || numBlocks > MaxMarkBlocks {
		return 0, cerrors.Wrapf(ErrInvalidBlockCount, "requested %d blocks, must be between 1 and %d", numBlocks, MaxMarkBlocks)
	}

	return bits.Len32(uint32(numBlocks - 1)), nil
}
