package pool

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/treealloc/metadata"
)

// Allocation is a run of granules reserved from one of a Pool's blocks. Size is the reserved size, which
// is the requested size rounded up to a power of two number of granules.
type Allocation struct {
	size     int
	offset   int
	userData any

	parentPool *Pool
	block      *memoryBlock
	handle     metadata.BlockAllocationHandle
}

func (a *Allocation) init(pool *Pool, block *memoryBlock, handle metadata.BlockAllocationHandle, offset, size int, userData any) {
	a.parentPool = pool
	a.block = block
	a.handle = handle
	a.offset = offset
	a.size = size
	a.userData = userData
}

// BlockID identifies the block this allocation was reserved from
func (a *Allocation) BlockID() int {
	if a.block == nil {
		return -1
	}
	return a.block.id
}

// Offset is the byte offset of the allocation within its block
func (a *Allocation) Offset() int {
	return a.offset
}

func (a *Allocation) Size() int {
	return a.size
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

// Free returns the allocation to the pool it came from
func (a *Allocation) Free() error {
	if a.parentPool == nil {
		return errors.New("attempted to free an allocation that was not allocated from a pool")
	}

	return a.parentPool.Free(a)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String("Allocation")
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}
}
