package region

import (
	"math"

	"github.com/cockroachdb/errors"
)

// AllocationHandle is a numeric handle used to identify individual regions within the metadata.
// Handles of allocated regions stay valid until the region is freed. Handles of free regions may
// disappear whenever a neighbouring region is allocated or freed.
type AllocationHandle uint64

const (
	NoAllocation AllocationHandle = math.MaxUint64
)

// Strategy exposes several options for choosing the location of a new region. If none is chosen,
// a balanced strategy will be used.
type Strategy uint32

const (
	// StrategyMinMemory chooses the smallest-possible free region for the allocation to minimize
	// fragmentation, possibly at the expense of allocation time
	StrategyMinMemory Strategy = 1 << iota
	// StrategyMinTime chooses the first suitable free region that is easy to find, not necessarily
	// the smallest or the lowest
	StrategyMinTime
	// StrategyMinOffset chooses the lowest offset in available space. Used by compaction, not
	// recommended in typical usage.
	StrategyMinOffset
)

var strategyMapping = map[Strategy]string{
	StrategyMinMemory: "MinMemory",
	StrategyMinTime:   "MinTime",
	StrategyMinOffset: "MinOffset",
}

func (s Strategy) String() string {
	if s == 0 {
		return "Balanced"
	}

	str, ok := strategyMapping[s]
	if !ok {
		return "Unknown"
	}
	return str
}

// AllocationRequest is returned from TLSFMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new region. Nothing is committed until the request is passed to
// TLSFMetadata.Alloc, so the consumer can prepare the underlying buffer first and simply drop the
// request if that fails.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free region the allocation will be carved out of. Once
	// the request is committed, it identifies the new allocation.
	BlockAllocationHandle AllocationHandle
	// Offset is the offset in bytes the allocation will be placed at
	Offset int
	// Size is the size in bytes of the allocation
	Size int
}

// Region describes a single allocated or free range of bytes, as passed to VisitAllRegions
type Region struct {
	Handle   AllocationHandle
	Offset   int
	Size     int
	UserData any
	Free     bool
}

// End is the offset of the first byte after the region
func (r Region) End() int {
	return r.Offset + r.Size
}

var ErrInvalidHandle = errors.New("received a handle that was incompatible with this metadata")
var ErrInvalidRequest = errors.New("allocation request is no longer valid")
var ErrInvalidSize = errors.New("invalid size")
