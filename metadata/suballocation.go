package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata.
// Handles are never reused by a single metadata object.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)
