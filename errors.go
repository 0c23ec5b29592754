package treealloc

import "github.com/cockroachdb/errors"

var (
	// ErrPowerOfTwo is returned from CheckPow2 or other methods if the number being tested is not a power of two
	ErrPowerOfTwo = errors.New("number must be a power of two")
	// ErrInvalidMinBlocks is returned when a requested block count is zero, negative, or larger than MaxBlocks
	ErrInvalidMinBlocks = errors.New("minimum block count is out of range")
	// ErrInvalidBlockCount is returned when a mark or clear requests fewer than 1 or more than MaxMarkBlocks blocks
	ErrInvalidBlockCount = errors.New("block count is out of range")
	// ErrBufferTooSmall is returned when a control buffer cannot hold the tree geometry
	ErrBufferTooSmall = errors.New("control buffer is too small")
	// ErrBufferMisaligned is returned when a control buffer does not start on a 4-byte boundary
	ErrBufferMisaligned = errors.New("control buffer is not 4-byte aligned")
	// ErrAddressOutOfRange is returned when a block address lies outside the pool
	ErrAddressOutOfRange = errors.New("block address is out of range")
	// ErrMisalignedAddress is returned when a block address is not aligned to its size class
	ErrMisalignedAddress = errors.New("block address is not aligned to its size class")
	// ErrNotMarked is returned when a clear targets blocks that are not reserved
	ErrNotMarked = errors.New("blocks are not marked")
	// ErrAlreadyMarked is returned when MarkAt targets blocks that are already reserved
	ErrAlreadyMarked = errors.New("blocks are already marked")
	// ErrCorruptTree is returned when a tree node disagrees with the leaves beneath it
	ErrCorruptTree = errors.New("tree node does not match its leaves")
	// ErrOutOfMemory is returned by pools that cannot satisfy an allocation in any block
	ErrOutOfMemory = errors.New("out of memory")
)
