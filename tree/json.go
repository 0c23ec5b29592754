package tree

import (
	"math/bits"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/treealloc"
)

// WriteJson populates a json object with this member's geometry and occupancy. Free run counts walk
// every leaf.
func (m *Member) WriteJson(json *jwriter.ObjectState) {
	json.Name("TotalBlocks").Int(m.TotalBlocks())
	json.Name("UsedBlocks").Int(m.UsedBlocks())
	json.Name("TreeHeight").Int(m.treeHeight)
	json.Name("TopBranches").Int(m.numTopBranches)
	json.Name("Leaves").Int(m.numLeaves)
	json.Name("BufferBytes").Int(m.BufferSize())

	runs := json.Name("FreeRuns").Array()
	defer runs.End()

	for class := 0; class < treealloc.NumTrees; class++ {
		var count int
		for _, leaf := range m.leaves {
			count += bits.OnesCount32(alignedFreeRuns(leaf, class))
		}

		obj := runs.Object()
		obj.Name("Blocks").Int(1 << class)
		obj.Name("Count").Int(count)
		obj.Name("Available").Bool(m.trees[class][0] != fullNode)
		obj.End()
	}
}
