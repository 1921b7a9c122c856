package memutils

import "math"

// Statistics is a cheap summary of one or more shared buffers
type Statistics struct {
	// BufferCount is the number of shared buffers summed into these statistics
	BufferCount int
	// AllocationCount is the number of live regions across those buffers
	AllocationCount int
	// BufferBytes is the total capacity in bytes of those buffers
	BufferBytes int
	// AllocationBytes is the number of bytes currently held by live regions
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.AllocationCount = 0
	s.BufferBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.AllocationCount += other.AllocationCount
	s.BufferBytes += other.BufferBytes
	s.AllocationBytes += other.AllocationBytes
}

// FreeBytes is the number of bytes that are not held by any live region
func (s *Statistics) FreeBytes() int {
	return s.BufferBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with information about the shape of the free space,
// which is what decides whether compaction is worth running
type DetailedStatistics struct {
	Statistics
	FreeRegionCount   int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRegionSizeMin int
	FreeRegionSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRegionCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRegionSizeMin = math.MaxInt
	s.FreeRegionSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRegion(size int) {
	s.FreeRegionCount++

	if size < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = size
	}

	if size > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRegionCount += other.FreeRegionCount

	if other.FreeRegionSizeMin < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = other.FreeRegionSizeMin
	}

	if other.FreeRegionSizeMax > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = other.FreeRegionSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// Fragmentation returns a value between 0 and 1 describing how scattered the free space is.
// 0 means all free bytes are in a single region, values close to 1 mean the largest free
// region is a tiny share of the free bytes.
func (s *DetailedStatistics) Fragmentation() float64 {
	free := s.FreeBytes()
	if free <= 0 || s.FreeRegionCount <= 1 {
		return 0
	}

	return 1 - float64(s.FreeRegionSizeMax)/float64(free)
}
