package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place a new allocation. The caller can prepare its own memory system for the
// allocation and then commit it to the metadata with BlockMetadata.Alloc.
type AllocationRequest struct {
	// Offset is the offset in bytes of the allocation within the block
	Offset int
	// Size is the size in bytes originally requested
	Size int
	// ReservedSize is the size in bytes that will be reserved, which is Size rounded up to a power-of-two
	// number of granules
	ReservedSize int
	// BlockCount is the number of granules the request will reserve before power-of-two rounding
	BlockCount int

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
