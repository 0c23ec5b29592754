package pool

import "github.com/vkngwrapper/treealloc/internal/utils"

// PoolCreateFlags indicate specific pool behaviors to activate or deactivate
type PoolCreateFlags int32

var poolCreateFlagsMapping = utils.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateSynchronized guards every pool method with an internal RW mutex. Without it, the consumer
	// must guarantee the pool and its allocations are used from only one goroutine at a time.
	PoolCreateSynchronized PoolCreateFlags = 1 << iota
	// PoolCreateMappedControlBuffers places block control buffers in anonymous memory mappings instead of
	// the Go heap. It is ignored when PoolCreateInfo.BufferAllocator is set, and pool creation fails on
	// platforms without mmap.
	PoolCreateMappedControlBuffers
)

func init() {
	PoolCreateSynchronized.Register("PoolCreateSynchronized")
	PoolCreateMappedControlBuffers.Register("PoolCreateMappedControlBuffers")
}
