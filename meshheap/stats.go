package meshheap

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/memutils"
	"github.com/vkngwrapper/meshheap/memutils/compact"
	"github.com/vkngwrapper/meshheap/memutils/region"
)

// MeshCounts describes the records held by a heap
type MeshCounts struct {
	// Live is the number of meshes that have not been deallocated
	Live int
	// PendingFree is the number of deallocated meshes waiting for the GPU to go idle
	PendingFree int
	// InUseByGPU is the number of records the GPU may currently be reading
	InUseByGPU int
}

// HeapStatistics is a cheap summary of a heap's shared buffers
type HeapStatistics struct {
	Vertex memutils.Statistics
	Index  memutils.Statistics
	Total  memutils.Statistics
	Meshes MeshCounts

	// RetiredBuffers is the number of buffers replaced by growth that the GPU may still be reading
	RetiredBuffers int
}

// DetailedHeapStatistics extends HeapStatistics with the shape of each buffer's free space and the
// history of growth and compaction
type DetailedHeapStatistics struct {
	Vertex         memutils.DetailedStatistics
	Index          memutils.DetailedStatistics
	Total          memutils.DetailedStatistics
	Meshes         MeshCounts
	RetiredBuffers int
	Compaction     compact.Stats
	GrowCount      int
}

func (h *Heap) meshCounts() MeshCounts {
	var counts MeshCounts

	h.records.Iter(func(id uint32, record *allocationRecord) bool {
		if record.pendingFree {
			counts.PendingFree++
		} else {
			counts.Live++
		}

		if record.inUseByGPU {
			counts.InUseByGPU++
		}
		return false
	})

	return counts
}

// Statistics summarizes the heap's buffers and meshes
func (h *Heap) Statistics() HeapStatistics {
	h.lock.RLock()
	defer h.lock.RUnlock()

	var stats HeapStatistics
	h.arenas[gpu.BufferKindVertex].metadata.AddStatistics(&stats.Vertex)
	h.arenas[gpu.BufferKindIndex].metadata.AddStatistics(&stats.Index)
	stats.Total.AddStatistics(&stats.Vertex)
	stats.Total.AddStatistics(&stats.Index)
	stats.Meshes = h.meshCounts()
	stats.RetiredBuffers = len(h.tracker.retired)

	return stats
}

// DetailedStatistics summarizes the heap's buffers and meshes, including the size of every free
// and allocated range
func (h *Heap) DetailedStatistics() DetailedHeapStatistics {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.detailedStatistics()
}

func (h *Heap) detailedStatistics() DetailedHeapStatistics {
	var stats DetailedHeapStatistics
	stats.Vertex.Clear()
	stats.Index.Clear()
	stats.Total.Clear()

	h.arenas[gpu.BufferKindVertex].metadata.AddDetailedStatistics(&stats.Vertex)
	h.arenas[gpu.BufferKindIndex].metadata.AddDetailedStatistics(&stats.Index)
	stats.Total.AddDetailedStatistics(&stats.Vertex)
	stats.Total.AddDetailedStatistics(&stats.Index)
	stats.Meshes = h.meshCounts()
	stats.RetiredBuffers = len(h.tracker.retired)

	for _, arena := range h.arenas {
		stats.Compaction.Add(arena.compactionStats)
		stats.GrowCount += arena.growCount
	}

	return stats
}

func printStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BufferCount").Int(stats.BufferCount)
	json.Name("BufferBytes").Int(stats.BufferBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.FreeRegionCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.FreeRegionCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.FreeRegionSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.FreeRegionSizeMax)
	}
}

// BuildStatsString returns a json document describing the heap. If detailed is true, every range
// of both shared buffers is included.
func (h *Heap) BuildStatsString(detailed bool) string {
	h.lock.RLock()
	defer h.lock.RUnlock()

	stats := h.detailedStatistics()

	writer := jwriter.NewWriter()
	root := writer.Object()

	root.Name("ID").String(h.id.String())
	root.Name("Flags").String(h.options.Flags.String())

	totalObj := root.Name("Total").Object()
	printStatistics(totalObj, &stats.Total)
	totalObj.End()

	meshesObj := root.Name("Meshes").Object()
	meshesObj.Name("Live").Int(stats.Meshes.Live)
	meshesObj.Name("PendingFree").Int(stats.Meshes.PendingFree)
	meshesObj.Name("InUseByGPU").Int(stats.Meshes.InUseByGPU)
	meshesObj.End()

	root.Name("RetiredBuffers").Int(stats.RetiredBuffers)

	compactionObj := root.Name("Compaction").Object()
	compactionObj.Name("Passes").Int(stats.Compaction.Passes)
	compactionObj.Name("AllocationsMoved").Int(stats.Compaction.AllocationsMoved)
	compactionObj.Name("BytesMoved").Int(stats.Compaction.BytesMoved)
	compactionObj.Name("Grows").Int(stats.GrowCount)
	compactionObj.End()

	buffersObj := root.Name("Buffers").Object()
	for kind, arena := range h.arenas {
		bufferObj := buffersObj.Name(arena.kind.String()).Object()

		if kind == int(gpu.BufferKindVertex) {
			printStatistics(bufferObj, &stats.Vertex)
		} else {
			printStatistics(bufferObj, &stats.Index)
		}

		if detailed {
			mapObj := bufferObj.Name("DetailedMap").Object()
			arena.metadata.PrintDetailedMap(mapObj)
			mapObj.End()
		}

		bufferObj.End()
	}
	buffersObj.End()

	root.End()
	return string(writer.Bytes())
}

// Validate checks the consistency of the heap's buffers and records and returns an error
// describing the first problem found
func (h *Heap) Validate() error {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.validate()
}

// lockedHeap validates a heap whose lock is already held
type lockedHeap struct {
	heap *Heap
}

func (h lockedHeap) Validate() error {
	return h.heap.validate()
}

func (h *Heap) validate() error {
	for _, arena := range h.arenas {
		err := arena.metadata.Validate()
		if err != nil {
			return errors.Wrapf(err, "%s buffer metadata is invalid", arena.kind)
		}
	}

	var err error
	var allocCounts [2]int
	h.records.Iter(func(id uint32, record *allocationRecord) bool {
		err = h.validateRecord(id, record)
		for kind, slot := range record.slots {
			if !slot.empty() {
				allocCounts[kind]++
			}
		}
		return err != nil
	})
	if err != nil {
		return err
	}

	for kind, arena := range h.arenas {
		if arena.metadata.AllocationCount() != allocCounts[kind] {
			return errors.Newf("%s buffer holds %d ranges but records reference %d",
				arena.kind, arena.metadata.AllocationCount(), allocCounts[kind])
		}

		err = arena.metadata.VisitAllRegions(func(r region.Region) error {
			if r.Free {
				return nil
			}

			record, ok := r.UserData.(*allocationRecord)
			if !ok {
				return errors.Newf("%s range at offset %d is not owned by a mesh", arena.kind, r.Offset)
			}
			if stored, ok := h.records.Get(record.id); !ok || stored != record {
				return errors.Newf("%s range at offset %d belongs to %s, which the heap does not hold",
					arena.kind, r.Offset, record)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if h.tracker.pending.Len() != h.meshCounts().PendingFree {
		return errors.Newf("%d records are pending free but %d are queued for reclamation",
			h.meshCounts().PendingFree, h.tracker.pending.Len())
	}

	return nil
}

func (h *Heap) validateRecord(id uint32, record *allocationRecord) error {
	if record.id != id || id == 0 || id >= h.nextID {
		return errors.Newf("record %d is stored under id %d", record.id, id)
	}

	if record.pendingFree {
		if !record.inUseByGPU {
			return errors.Newf("mesh %d is pending free but not in use by the GPU", id)
		}
		if record.mesh != nil {
			return errors.Newf("mesh %d is pending free but its handle is still live", id)
		}
		if !h.tracker.pending.Has(id) {
			return errors.Newf("mesh %d is pending free but not queued for reclamation", id)
		}
	} else if record.mesh == nil || record.mesh.destroyed {
		return errors.Newf("live mesh %d has no handle", id)
	}

	if record.slot(gpu.BufferKindVertex).empty() {
		return errors.Newf("mesh %d has no vertex range", id)
	}

	for kind, arena := range h.arenas {
		slot := record.slots[kind]
		if slot.empty() {
			continue
		}

		size, err := arena.metadata.AllocationSize(slot.handle)
		if err != nil {
			return errors.Wrapf(err, "mesh %d has an invalid %s range", id, arena.kind)
		}
		if size != slot.size {
			return errors.Newf("mesh %d expects a %s range of %d bytes but holds %d", id, arena.kind, slot.size, size)
		}

		userData, err := arena.metadata.AllocationUserData(slot.handle)
		if err != nil {
			return errors.Wrapf(err, "mesh %d has an invalid %s range", id, arena.kind)
		}
		if userData != record {
			return errors.Newf("mesh %d's %s range is owned by %+v", id, arena.kind, userData)
		}

		offset := arena.offset(slot)
		if offset%int(arena.alignment) != 0 {
			return errors.Newf("mesh %d's %s range at %d is not aligned to %d", id, arena.kind, offset, arena.alignment)
		}
	}

	return nil
}
