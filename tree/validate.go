package tree

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/treealloc"
)

// Validate rebuilds every size class tree from the leaf layer and returns an error describing the
// first node that disagrees. It walks the whole control buffer and is meant for diagnostics.
func (m *Member) Validate() error {
	if len(m.leaves) != m.numLeaves {
		return cerrors.Newf("member has %d leaves, but its geometry requires %d", len(m.leaves), m.numLeaves)
	}

	for class := range m.trees {
		tree := m.trees[class]
		if len(tree) != m.treeStride {
			return cerrors.Newf("size class %d tree has %d nodes, but its geometry requires %d", class, len(tree), m.treeStride)
		}

		for row := m.treeHeight - 1; row >= 0; row-- {
			for node := 0; node < m.rows[row].Width; node++ {
				expected := m.expectedNode(class, row, node)
				actual := tree[m.rows[row].Offset+node]
				if actual != expected {
					return cerrors.Wrapf(treealloc.ErrCorruptTree, "size class %d row %d node %d is %#08x, expected %#08x", class, row, node, actual, expected)
				}
			}
		}
	}

	return nil
}

func (m *Member) expectedNode(class, row, node int) uint32 {
	var expected uint32
	branches := treealloc.NumBranches
	if row == 0 {
		branches = m.numTopBranches
		expected = fullNode << m.numTopBranches
	}

	for branch := 0; branch < branches; branch++ {
		child := node<<treealloc.BranchesLog2 | branch

		var full bool
		if row == m.treeHeight-1 {
			full = alignedFreeRuns(m.leaves[child], class) == 0
		} else {
			full = m.trees[class][m.rows[row+1].Offset+child] == fullNode
		}

		if full {
			expected |= 1 << branch
		}
	}

	return expected
}
