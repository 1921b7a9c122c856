package region

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/meshheap/memutils"
)

// PrintDetailedMap populates a json object with a summary of this buffer followed by every region
// in ascending offset order. If a region's user data implements fmt.Stringer, it is written as the
// region's owner.
func (m *TLSFMetadata) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(stats.FreeBytes())
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.FreeRegionCount)
	json.Name("Fragmentation").Float64(stats.Fragmentation())

	regions := json.Name("Regions").Array()
	defer regions.End()

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block == m.nullBlock && block.size == 0 {
			continue
		}

		obj := regions.Object()
		obj.Name("Offset").Int(block.offset)
		obj.Name("Size").Int(block.size)
		if block.IsFree() {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("ALLOCATION")
			if owner, ok := block.userData.(fmt.Stringer); ok {
				obj.Name("Owner").String(owner.String())
			}
		}
		obj.End()
	}
}
