package tree

import (
	"fmt"
	"math/bits"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/treealloc"
)

// Member tracks occupancy of a fixed pool of blocks inside a caller-owned control buffer. The buffer
// holds a shared leaf bitmap followed by one 32-ary index tree per size class:
//
//	[ leaves: numLeaves words ][ tree 0: treeStride words ] ... [ tree 5: treeStride words ]
//
// A set bit in a tree node means that branch cannot satisfy an allocation of that tree's size class.
// Member is not safe for concurrent use; the geometry fields never change after Init, only the
// buffer contents do.
type Member struct {
	leaves []uint32
	trees  [treealloc.NumTrees][]uint32

	treeHeight     int
	numTopBranches int
	numLeaves      int
	treeStride     int
	rows           [MaxTreeHeight]Row
}

var _ treealloc.Validatable = &Member{}

func newMember(minBlocks int, buf []byte) (*Member, error) {
	minBlocks, err := CheckMinBlocks(minBlocks)
	if err != nil {
		return nil, err
	}

	m := &Member{
		treeHeight:     TreeHeight(minBlocks),
		numTopBranches: NumTopBranches(minBlocks),
		numLeaves:      NumLeaves(minBlocks),
		treeStride:     NumTreeNodes(minBlocks),
	}
	m.rows = treeRows(m.numTopBranches, m.treeHeight)

	size := requiredBufferSize(m.numLeaves, m.treeStride)
	if len(buf) < size {
		return nil, cerrors.Wrapf(treealloc.ErrBufferTooSmall, "%d blocks require %d bytes but the buffer holds %d", minBlocks, size, len(buf))
	}

	data := unsafe.SliceData(buf)
	if uintptr(unsafe.Pointer(data))%unsafe.Alignof(uint32(0)) != 0 {
		return nil, cerrors.Wrapf(treealloc.ErrBufferMisaligned, "buffer starts at %p", data)
	}

	words := unsafe.Slice((*uint32)(unsafe.Pointer(data)), size/bytesPerWord)
	m.leaves = words[:m.numLeaves:m.numLeaves]
	for class := range m.trees {
		start := m.numLeaves + class*m.treeStride
		m.trees[class] = words[start : start+m.treeStride : start+m.treeStride]
	}

	return m, nil
}

// Init lays out a control buffer for at least minBlocks blocks and returns the member that manages it.
// The buffer must be at least RequiredBufferSize(minBlocks) bytes, 4-byte aligned, and must outlive
// the member.
func Init(minBlocks int, buf []byte) (*Member, error) {
	m, err := newMember(minBlocks, buf)
	if err != nil {
		return nil, err
	}

	m.Reset()
	return m, nil
}

// Attach adopts a control buffer that was previously laid out by Init with the same minBlocks, such
// as a shared memory mapping. The buffer contents are kept and validated.
func Attach(minBlocks int, buf []byte) (*Member, error) {
	m, err := newMember(minBlocks, buf)
	if err != nil {
		return nil, err
	}

	err = m.Validate()
	if err != nil {
		return nil, cerrors.Wrap(err, "cannot attach to control buffer")
	}

	return m, nil
}

// Reset releases every block. Branches of the top node beyond the covered range are marked full so
// the search never descends into them.
func (m *Member) Reset() {
	clear(m.leaves)

	topFill := fullNode << m.numTopBranches
	for class := range m.trees {
		clear(m.trees[class])
		m.trees[class][0] = topFill
	}
}

func (m *Member) TreeHeight() int     { return m.treeHeight }
func (m *Member) NumTopBranches() int { return m.numTopBranches }
func (m *Member) NumLeaves() int      { return m.numLeaves }
func (m *Member) TreeStride() int     { return m.treeStride }
func (m *Member) BottomRow() Row      { return m.rows[m.treeHeight-1] }

// TotalBlocks returns the number of blocks covered, which is at least the minBlocks requested in Init
func (m *Member) TotalBlocks() int {
	return m.numLeaves << treealloc.BranchesLog2
}

// BufferSize returns the number of control buffer bytes this member uses
func (m *Member) BufferSize() int {
	return requiredBufferSize(m.numLeaves, m.treeStride)
}

// Leaf returns the occupancy word for blocks [index*32, index*32+32)
func (m *Member) Leaf(index int) uint32 {
	return m.leaves[index]
}

// TreeNode returns node index of the size class tree, counted from the top node in row order
func (m *Member) TreeNode(class, index int) uint32 {
	return m.trees[class][index]
}

// UsedBlocks returns the number of marked blocks. This walks every leaf.
func (m *Member) UsedBlocks() int {
	var used int
	for _, leaf := range m.leaves {
		used += bits.OnesCount32(leaf)
	}

	return used
}

func (m *Member) FreeBlocks() int {
	return m.TotalBlocks() - m.UsedBlocks()
}

func (m *Member) IsEmpty() bool {
	for _, leaf := range m.leaves {
		if leaf != 0 {
			return false
		}
	}

	return true
}

// IsMarked reports whether the block at adr is reserved
func (m *Member) IsMarked(adr int) (bool, error) {
	if adr < 0 || adr >= m.TotalBlocks() {
		return false, cerrors.Wrapf(treealloc.ErrAddressOutOfRange, "address %d, pool has %d blocks", adr, m.TotalBlocks())
	}

	return m.leaves[adr>>treealloc.BranchesLog2]&(1<<(adr&(treealloc.NumBranches-1))) != 0, nil
}

// MayHaveFreeRun reports whether a run of numBlocks could currently be marked. Unlike Find, it only
// inspects the top node of one tree.
func (m *Member) MayHaveFreeRun(numBlocks int) bool {
	class, err := treealloc.SizeClass(numBlocks)
	if err != nil {
		return false
	}

	return m.trees[class][0] != fullNode
}

// Find returns the address Mark would reserve for numBlocks without reserving it. The boolean is
// false when no aligned run of that size class is free anywhere in the pool.
func (m *Member) Find(numBlocks int) (bool, int, error) {
	class, err := treealloc.SizeClass(numBlocks)
	if err != nil {
		return false, 0, err
	}

	found, leafIndex, offset := m.find(class)
	if !found {
		return false, 0, nil
	}

	return true, leafIndex<<treealloc.BranchesLog2 + offset, nil
}

// Mark reserves numBlocks contiguous blocks and returns the address of the first one. The request is
// rounded up to the next power of two, and the returned address is aligned to it. The boolean is false
// when the pool has no room for that size class; nothing is modified in that case.
func (m *Member) Mark(numBlocks int) (bool, int, error) {
	class, err := treealloc.SizeClass(numBlocks)
	if err != nil {
		return false, 0, err
	}

	found, leafIndex, offset := m.find(class)
	if !found {
		return false, 0, nil
	}

	m.markRun(leafIndex, offset, class)
	treealloc.DebugValidate(m)

	return true, leafIndex<<treealloc.BranchesLog2 + offset, nil
}

// MarkAt reserves the aligned run of numBlocks starting at adr. It fails with ErrAlreadyMarked if
// any block in the run is reserved.
func (m *Member) MarkAt(adr int, numBlocks int) error {
	class, leafIndex, mask, err := m.checkRun(adr, numBlocks)
	if err != nil {
		return err
	}

	if m.leaves[leafIndex]&mask != 0 {
		return cerrors.Wrapf(treealloc.ErrAlreadyMarked, "marking %d blocks at address %d", numBlocks, adr)
	}

	m.markRun(leafIndex, adr&(treealloc.NumBranches-1), class)
	treealloc.DebugValidate(m)

	return nil
}

// Clear releases a run previously reserved by Mark. numBlocks must be the value passed to Mark.
func (m *Member) Clear(adr int, numBlocks int) error {
	_, leafIndex, mask, err := m.checkRun(adr, numBlocks)
	if err != nil {
		return err
	}

	leaf := m.leaves[leafIndex]
	if leaf&mask != mask {
		return cerrors.Wrapf(treealloc.ErrNotMarked, "clearing %d blocks at address %d", numBlocks, adr)
	}

	before := fullFrom(leaf)
	leaf &^= mask
	m.leaves[leafIndex] = leaf

	after := fullFrom(leaf)
	for c := before; c < after; c++ {
		m.propagateFree(c, leafIndex)
	}

	treealloc.DebugValidate(m)
	return nil
}

// checkRun validates an address and block count pair and returns the size class, the leaf holding the
// run, and the run's bits within that leaf.
func (m *Member) checkRun(adr, numBlocks int) (int, int, uint32, error) {
	class, err := treealloc.SizeClass(numBlocks)
	if err != nil {
		return 0, 0, 0, err
	}

	if adr < 0 || adr >= m.TotalBlocks() {
		return 0, 0, 0, cerrors.Wrapf(treealloc.ErrAddressOutOfRange, "address %d, pool has %d blocks", adr, m.TotalBlocks())
	}

	if adr&(1<<class-1) != 0 {
		return 0, 0, 0, cerrors.Wrapf(treealloc.ErrMisalignedAddress, "address %d is not a multiple of %d", adr, 1<<class)
	}

	mask := runMask(class) << (adr & (treealloc.NumBranches - 1))
	return class, adr >> treealloc.BranchesLog2, mask, nil
}

func (m *Member) find(class int) (bool, int, int) {
	tree := m.trees[class]
	if tree[0] == fullNode {
		return false, 0, 0
	}

	index := 0
	for row := 0; row < m.treeHeight; row++ {
		node := tree[m.rows[row].Offset+index]
		if node == fullNode {
			panic(fmt.Sprintf("size class %d tree row %d node %d is full beneath an available branch", class, row, index))
		}

		index = index<<treealloc.BranchesLog2 | bits.TrailingZeros32(^node)
	}

	offset, ok := firstFreeRun(m.leaves[index], class)
	if !ok {
		panic(fmt.Sprintf("leaf %d was listed as having room for size class %d, but it has none", index, class))
	}

	return true, index, offset
}

func (m *Member) markRun(leafIndex, offset, class int) {
	leaf := m.leaves[leafIndex]
	before := fullFrom(leaf)
	leaf |= runMask(class) << offset
	m.leaves[leafIndex] = leaf

	for c := fullFrom(leaf); c < before; c++ {
		m.propagateFull(c, leafIndex)
	}
}

// propagateFull sets the branch for index in the bottom row of the class tree, then continues
// upward for as long as the updated node becomes completely full.
func (m *Member) propagateFull(class, index int) {
	tree := m.trees[class]
	for row := m.treeHeight - 1; row >= 0; row-- {
		pos := m.rows[row].Offset + index>>treealloc.BranchesLog2
		tree[pos] |= 1 << (index & (treealloc.NumBranches - 1))
		if tree[pos] != fullNode {
			return
		}

		index >>= treealloc.BranchesLog2
	}
}

// propagateFree clears the branch for index in the bottom row of the class tree, then continues
// upward for as long as the node was full before the change.
func (m *Member) propagateFree(class, index int) {
	tree := m.trees[class]
	for row := m.treeHeight - 1; row >= 0; row-- {
		pos := m.rows[row].Offset + index>>treealloc.BranchesLog2
		wasFull := tree[pos] == fullNode
		tree[pos] &^= 1 << (index & (treealloc.NumBranches - 1))
		if !wasFull {
			return
		}

		index >>= treealloc.BranchesLog2
	}
}

// AddStatistics sums this member's block usage into stats
func (m *Member) AddStatistics(stats *treealloc.Statistics) {
	stats.MemberCount++
	stats.TotalBlocks += m.TotalBlocks()
	stats.UsedBlocks += m.UsedBlocks()
}
