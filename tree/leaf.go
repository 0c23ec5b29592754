package tree

import (
	"math/bits"

	"github.com/vkngwrapper/treealloc"
)

const fullNode = ^uint32(0)

// runAlignMasks[i] selects the bit positions aligned to 2^(i+1) within a leaf
var runAlignMasks = [treealloc.NumTrees - 1]uint32{
	0x55555555,
	0x11111111,
	0x01010101,
	0x00010001,
	0x00000001,
}

// runMask returns a mask of 2^class contiguous bits starting at bit 0
func runMask(class int) uint32 {
	return uint32(1)<<(1<<class) - 1
}

// alignedFreeRuns returns a word with bit j set iff blocks [j, j+2^class) of the leaf are all free
// and j is a multiple of 2^class. Each reduction halves the run candidates by pairing neighbours.
func alignedFreeRuns(leaf uint32, class int) uint32 {
	free := ^leaf
	for i := 0; i < class; i++ {
		free &= free >> (1 << i)
		free &= runAlignMasks[i]
	}

	return free
}

// firstFreeRun returns the bit offset of the first aligned free run of 2^class blocks in the leaf
func firstFreeRun(leaf uint32, class int) (int, bool) {
	runs := alignedFreeRuns(leaf, class)
	if runs == 0 {
		return 0, false
	}

	return bits.TrailingZeros32(runs), true
}

// fullFrom returns the smallest size class for which the leaf has no aligned free run. Every larger
// class is also full. A completely free leaf returns treealloc.NumTrees.
func fullFrom(leaf uint32) int {
	free := ^leaf
	for class := 0; class < treealloc.NumTrees; class++ {
		if free == 0 {
			return class
		}

		if class < len(runAlignMasks) {
			free &= free >> (1 << class)
			free &= runAlignMasks[class]
		}
	}

	return treealloc.NumTrees
}
