package compact

import "fmt"

// Stats contains basic metrics for compaction over time
type Stats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// Passes is the number of passes that were run
	Passes int
}

func (s *Stats) Add(stats Stats) {
	s.BytesMoved += stats.BytesMoved
	s.AllocationsMoved += stats.AllocationsMoved
	s.Passes += stats.Passes
}

// PassContext is an object used to track data for the current compaction pass across multiple
// relocations
type PassContext struct {
	// MaxPassBytes is the maximum number of bytes to relocate in each pass. 0 means unlimited.
	MaxPassBytes int
	// MaxPassAllocations is the maximum number of relocations to perform in each pass. 0 means
	// unlimited.
	MaxPassAllocations int
	// Stats contains statistics for the current pass
	Stats         Stats
	ignoredAllocs int
}

const maxAllocsToIgnore = 16

type counterStatus uint32

const (
	counterPass counterStatus = iota
	counterIgnore
	counterEnd
)

var counterStatusMapping = map[counterStatus]string{
	counterPass:   "counterPass",
	counterIgnore: "counterIgnore",
	counterEnd:    "counterEnd",
}

func (s counterStatus) String() string {
	return counterStatusMapping[s]
}

func (p *PassContext) checkCounters(bytes int) counterStatus {
	// Ignore allocation if it will exceed max size for copy
	if p.MaxPassBytes > 0 && p.Stats.BytesMoved+bytes > p.MaxPassBytes {
		p.ignoredAllocs++
		if p.ignoredAllocs < maxAllocsToIgnore {
			return counterIgnore
		}
		return counterEnd
	}

	p.ignoredAllocs = 0
	return counterPass
}

func (p *PassContext) incrementCounters(bytes int) bool {
	p.Stats.BytesMoved += bytes
	p.Stats.AllocationsMoved++

	allocLimit := p.MaxPassAllocations > 0 && p.Stats.AllocationsMoved >= p.MaxPassAllocations
	byteLimit := p.MaxPassBytes > 0 && p.Stats.BytesMoved >= p.MaxPassBytes

	// Early return when max found
	if allocLimit || byteLimit {
		if p.Stats.AllocationsMoved != p.MaxPassAllocations && p.Stats.BytesMoved != p.MaxPassBytes {
			panic(fmt.Sprintf("somehow passed maximum pass thresholds: bytes %d, allocs %d", p.Stats.BytesMoved, p.Stats.AllocationsMoved))
		}

		return true
	}

	return false
}
