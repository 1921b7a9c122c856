package meshheap

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"
	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/memutils"
	"github.com/vkngwrapper/meshheap/memutils/compact"
	"golang.org/x/exp/slices"
)

// Heap hosts many transient meshes inside one shared vertex buffer and one shared index buffer.
//
// Meshes that the GPU may still be reading are never moved, overwritten or reclaimed: the caller
// reports GPU usage with TransientMesh.NotifyUsedOnGPU and completion with NotifyGPUIdle (or with
// SubmitFrame and SignalFence), and deallocation of a mesh in use is deferred until then.
type Heap struct {
	id      uuid.UUID
	logger  *slog.Logger
	device  gpu.Device
	options CreateOptions
	lock    optionalRWMutex

	arenas  [2]*bufferArena
	records *swiss.Map[uint32, *allocationRecord]
	tracker *usageTracker

	nextID    uint32
	destroyed bool
}

// ID is a unique identifier for this heap, used in logs and statistics
func (h *Heap) ID() uuid.UUID {
	return h.id
}

func (h *Heap) getRecord(id uint32) *allocationRecord {
	record, ok := h.records.Get(id)
	if !ok {
		panic(fmt.Sprintf("mesh %d has no allocation record", id))
	}

	return record
}

// sortedRecords returns every record in ascending id order
func (h *Heap) sortedRecords() []*allocationRecord {
	records := make([]*allocationRecord, 0, h.records.Count())
	h.records.Iter(func(id uint32, record *allocationRecord) bool {
		records = append(records, record)
		return false
	})

	slices.SortFunc(records, func(a, b *allocationRecord) bool {
		return a.id < b.id
	})

	return records
}

func (h *Heap) refreshRenderData() {
	h.records.Iter(func(id uint32, record *allocationRecord) bool {
		if record.mesh != nil {
			record.mesh.updateRenderData()
		}
		return false
	})
}

// AllocationCount returns the number of records held by the heap, including deallocated meshes
// the GPU may still be reading
func (h *Heap) AllocationCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.records.Count()
}

// Alloc creates a transient mesh with room for numVertices vertices and numIndices indices.
// numIndices may be 0, in which case no index range is reserved. If the shared buffers cannot hold
// the mesh they are compacted or grown; ErrOutOfSpace is returned only if that fails.
func (h *Heap) Alloc(numVertices, numIndices int, drawOp DrawOperation) (*TransientMesh, error) {
	h.logger.Debug("MeshHeap::Alloc",
		slog.Int("NumVertices", numVertices),
		slog.Int("NumIndices", numIndices),
		slog.String("DrawOp", drawOp.String()))

	if numVertices <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "a mesh needs at least one vertex, received %d", numVertices)
	}
	if numIndices < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "invalid index count %d", numIndices)
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.destroyed {
		return nil, ErrHeapDestroyed
	}

	if h.nextID == math.MaxUint32 {
		return nil, errors.New("mesh heap has exhausted its mesh ids")
	}

	record := &allocationRecord{
		id:          h.nextID,
		drawOp:      drawOp,
		numVertices: numVertices,
		numIndices:  numIndices,
	}

	vertexSize := numVertices * h.options.VertexStride
	handle, err := h.arenas[gpu.BufferKindVertex].reserve(vertexSize, record)
	if err != nil {
		return nil, err
	}
	record.slots[gpu.BufferKindVertex] = arenaSlot{handle: handle, size: vertexSize}

	if numIndices > 0 {
		indexSize := numIndices * h.options.IndexType.Size()
		handle, err = h.arenas[gpu.BufferKindIndex].reserve(indexSize, record)
		if err != nil {
			releaseErr := h.arenas[gpu.BufferKindVertex].release(record.slot(gpu.BufferKindVertex))
			if releaseErr != nil {
				panic(fmt.Sprintf("unexpected error when releasing vertices after a failed index reservation: %+v", releaseErr))
			}
			return nil, err
		}
		record.slots[gpu.BufferKindIndex] = arenaSlot{handle: handle, size: indexSize}
	}

	h.nextID++
	h.records.Put(record.id, record)
	record.mesh = newTransientMesh(h, record)

	memutils.DebugValidate(lockedHeap{heap: h})
	return record.mesh, nil
}

// Dealloc destroys a transient mesh. Its ranges are reclaimed immediately unless the GPU may still
// be reading them, in which case they are reclaimed once the heap is told the GPU is idle.
// Deallocating a mesh that was already destroyed does nothing.
func (h *Heap) Dealloc(mesh *TransientMesh) error {
	h.logger.Debug("MeshHeap::Dealloc")

	if mesh == nil {
		return errors.Wrap(ErrInvalidArgument, "mesh is nil")
	}
	if mesh.heap != h {
		return errors.Wrapf(ErrForeignMesh, "mesh %d", mesh.id)
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if mesh.destroyed {
		return nil
	}

	record := h.getRecord(mesh.id)
	record.pendingFree = true
	record.mesh = nil
	mesh.markAsDestroyed()

	if record.inUseByGPU {
		h.tracker.deferReclaim(record.id)
		return nil
	}

	err := h.reclaim(record)
	if err != nil {
		return err
	}

	memutils.DebugValidate(lockedHeap{heap: h})
	return nil
}

func (h *Heap) reclaim(record *allocationRecord) error {
	for kind, arena := range h.arenas {
		err := arena.release(record.slots[kind])
		if err != nil {
			return errors.Wrapf(err, "failed to release %s range of mesh %d", arena.kind, record.id)
		}
		record.slots[kind] = arenaSlot{}
	}

	h.records.Delete(record.id)
	h.tracker.forget(record.id)
	return nil
}

// retireBuffer disposes of a shared buffer replaced by growth. Draws already submitted may still
// bind it, so it is destroyed only once every mesh with a range in it has gone idle.
func (h *Heap) retireBuffer(kind gpu.BufferKind, buffer gpu.Buffer) {
	var inUse []uint32
	h.records.Iter(func(id uint32, record *allocationRecord) bool {
		if record.inUseByGPU && !record.slot(kind).empty() {
			inUse = append(inUse, id)
		}
		return false
	})

	if len(inUse) == 0 {
		err := h.device.DestroyBuffer(buffer)
		if err != nil {
			h.logger.Error("failed to destroy a shared buffer replaced by growth",
				slog.String("Buffer", kind.String()),
				slog.Any("error", err))
		}
		return
	}

	h.logger.Debug("MeshHeap::retireBuffer",
		slog.String("Buffer", kind.String()),
		slog.Int("Size", buffer.Size()),
		slog.Int("InUse", len(inUse)))
	h.tracker.retire(buffer, inUse)
}

func (h *Heap) destroyBuffers(buffers []gpu.Buffer) error {
	var err error
	for _, buffer := range buffers {
		destroyErr := h.device.DestroyBuffer(buffer)
		if destroyErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(destroyErr, "failed to destroy retired %s buffer", buffer.Kind()))
		}
	}

	return err
}

func (h *Heap) markUsed(record *allocationRecord) {
	record.inUseByGPU = true
	h.tracker.markUsed(record.id)
}

// NotifyUsedOnGPU marks a mesh as referenced by GPU work, in the same way as
// TransientMesh.NotifyUsedOnGPU
func (h *Heap) NotifyUsedOnGPU(id uint32) error {
	h.logger.Debug("MeshHeap::NotifyUsedOnGPU", slog.Uint64("ID", uint64(id)))

	h.lock.Lock()
	defer h.lock.Unlock()

	record, ok := h.records.Get(id)
	if !ok || record.pendingFree {
		return errors.Wrapf(ErrUseAfterDestroy, "mesh %d", id)
	}

	h.markUsed(record)
	return nil
}

// NotifyGPUIdle reports that the GPU has finished every piece of work referencing the given
// meshes. Deallocated meshes among them are reclaimed, along with shared buffers replaced by growth
// that only those meshes were holding alive. Unknown ids are otherwise ignored.
func (h *Heap) NotifyGPUIdle(ids ...uint32) error {
	h.logger.Debug("MeshHeap::NotifyGPUIdle", slog.Int("Count", len(ids)))

	h.lock.Lock()
	defer h.lock.Unlock()

	return h.notifyGPUIdle(ids)
}

func (h *Heap) notifyGPUIdle(ids []uint32) error {
	for _, id := range ids {
		h.tracker.idle(id)

		record, ok := h.records.Get(id)
		if !ok {
			continue
		}

		record.inUseByGPU = false
		h.tracker.forget(id)
	}

	reclaimable := h.tracker.reclaimable(func(id uint32) bool {
		return !h.getRecord(id).inUseByGPU
	})

	var err error
	for _, id := range reclaimable {
		err = errors.CombineErrors(err, h.reclaim(h.getRecord(id)))
	}

	err = errors.CombineErrors(err, h.destroyBuffers(h.tracker.idleBuffers()))

	if err == nil {
		memutils.DebugValidate(lockedHeap{heap: h})
	}
	return err
}

// SubmitFrame seals every mesh marked as used since the previous call into a frame and returns
// the frame's fence
func (h *Heap) SubmitFrame() Fence {
	h.lock.Lock()
	defer h.lock.Unlock()

	fence := h.tracker.submit()
	h.logger.Debug("MeshHeap::SubmitFrame", slog.Uint64("Fence", uint64(fence)))

	return fence
}

// SignalFence reports that the GPU has finished every frame up to and including fence. Meshes
// that are not referenced by a later frame become idle.
func (h *Heap) SignalFence(fence Fence) error {
	h.logger.Debug("MeshHeap::SignalFence", slog.Uint64("Fence", uint64(fence)))

	h.lock.Lock()
	defer h.lock.Unlock()

	if fence > h.tracker.submitted {
		return errors.Wrapf(ErrInvalidArgument, "fence %d has not been submitted yet, latest fence is %d", fence, h.tracker.submitted)
	}

	return h.notifyGPUIdle(h.tracker.signal(fence))
}

// Compact relocates every mesh the GPU is not using toward the start of its buffers
func (h *Heap) Compact() (compact.Stats, error) {
	h.logger.Debug("MeshHeap::Compact")

	h.lock.Lock()
	defer h.lock.Unlock()

	var total compact.Stats
	if h.destroyed {
		return total, ErrHeapDestroyed
	}

	for _, arena := range h.arenas {
		stats, err := arena.compact()
		total.Add(stats)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Clear reclaims every mesh regardless of GPU usage and destroys every TransientMesh. Shared
// buffers replaced by growth are still held until the frame that was open when they were replaced
// is signalled.
func (h *Heap) Clear() {
	h.logger.Debug("MeshHeap::Clear")

	h.lock.Lock()
	defer h.lock.Unlock()

	h.clear()
}

func (h *Heap) clear() {
	h.records.Iter(func(id uint32, record *allocationRecord) bool {
		if record.mesh != nil {
			record.mesh.markAsDestroyed()
			record.mesh = nil
		}
		return false
	})

	h.records.Clear()
	h.tracker.clear()
	for _, arena := range h.arenas {
		arena.clear()
	}
}

// Destroy clears the heap and destroys its shared buffers. Meshes that were never deallocated are
// logged as errors.
func (h *Heap) Destroy() error {
	h.logger.Debug("MeshHeap::Destroy")

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.destroyed {
		return ErrHeapDestroyed
	}

	for _, record := range h.sortedRecords() {
		if record.pendingFree {
			continue
		}

		h.logger.LogAttrs(context.Background(), slog.LevelError, "transient mesh was not deallocated before its heap was destroyed",
			slog.String("Heap", h.id.String()),
			slog.Uint64("ID", uint64(record.id)),
			slog.Int("NumVertices", record.numVertices),
			slog.Int("NumIndices", record.numIndices),
			slog.Bool("InUseByGPU", record.inUseByGPU),
		)
	}

	h.clear()
	h.destroyed = true

	var err error
	for _, arena := range h.arenas {
		err = errors.CombineErrors(err, arena.destroy())
	}
	err = errors.CombineErrors(err, h.destroyBuffers(h.tracker.flushRetired()))

	return err
}
