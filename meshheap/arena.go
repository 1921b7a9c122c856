package meshheap

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/memutils"
	"github.com/vkngwrapper/meshheap/memutils/compact"
	"github.com/vkngwrapper/meshheap/memutils/region"
)

// bufferArena is one shared buffer together with the metadata describing its ranges
type bufferArena struct {
	heap      *Heap
	kind      gpu.BufferKind
	alignment uint

	buffer   gpu.Buffer
	metadata *region.TLSFMetadata

	compactionStats compact.Stats
	growCount       int
}

var _ compact.Buffer = &bufferArena{}

func newBufferArena(heap *Heap, kind gpu.BufferKind, size int, alignment uint) (*bufferArena, error) {
	buffer, err := heap.device.CreateBuffer(kind, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s buffer of %d bytes", kind, size)
	}

	return &bufferArena{
		heap:      heap,
		kind:      kind,
		alignment: alignment,
		buffer:    buffer,
		metadata:  region.NewTLSFMetadata(size),
	}, nil
}

func growthFailed(err error, format string, args ...any) error {
	return markError(errors.Wrapf(err, format, args...), ErrGrowthFailed, ErrOutOfSpace)
}

func (a *bufferArena) Metadata() *region.TLSFMetadata {
	return a.metadata
}

func (a *bufferArena) MoveDataForUserData(userData any) (compact.MoveData, bool) {
	record, ok := userData.(*allocationRecord)
	if !ok {
		panic(fmt.Sprintf("unexpected user data in %s buffer: %+v", a.kind, userData))
	}

	return compact.MoveData{Alignment: a.alignment}, !record.inUseByGPU
}

func (a *bufferArena) CopyRange(srcOffset, dstOffset, size int) error {
	data, err := a.heap.device.ReadBytes(a.buffer, srcOffset, size)
	if errors.Is(err, gpu.ErrReadBackUnsupported) {
		return markError(err, ErrUnsupported)
	} else if err != nil {
		return err
	}

	return a.heap.device.WriteBytes(a.buffer, dstOffset, data)
}

func (a *bufferArena) CommitMove(userData any, newHandle region.AllocationHandle) {
	record := userData.(*allocationRecord)
	record.slots[a.kind].handle = newHandle

	if record.mesh != nil {
		record.mesh.updateRenderData()
	}
}

// offset returns the current byte offset of a record's range in this buffer
func (a *bufferArena) offset(slot arenaSlot) int {
	offset, err := a.metadata.AllocationOffset(slot.handle)
	if err != nil {
		panic(fmt.Sprintf("%s buffer lost track of a live range: %+v", a.kind, err))
	}

	return offset
}

func (a *bufferArena) tryReserve(size int, record *allocationRecord) (region.AllocationHandle, bool, error) {
	success, req, err := a.metadata.CreateAllocationRequest(size, a.alignment, a.heap.options.Strategy, math.MaxInt)
	if err != nil || !success {
		return region.NoAllocation, false, err
	}

	handle, err := a.metadata.Alloc(req, record)
	if err != nil {
		return region.NoAllocation, false, err
	}

	return handle, true, nil
}

// reserve finds a range of size bytes for record. When no free range can hold it, the buffer is
// compacted if there is enough free space in total, and grown if that did not help. size is always
// a multiple of the arena's alignment, so compaction never leaves padding. Nothing changes if the reservation fails.
func (a *bufferArena) reserve(size int, record *allocationRecord) (region.AllocationHandle, error) {
	handle, success, err := a.tryReserve(size, record)
	if err != nil || success {
		return handle, err
	}

	flags := a.heap.options.Flags
	if flags&CreateDisableCompaction == 0 && a.metadata.SumFreeSize() >= size {
		_, err = a.compact()
		if err != nil {
			a.heap.logger.Warn("compaction failed while reserving space",
				slog.String("Buffer", a.kind.String()),
				slog.Any("error", err))
		}

		handle, success, err = a.tryReserve(size, record)
		if err != nil || success {
			return handle, err
		}
	}

	if flags&CreateDisableGrowth != 0 {
		return region.NoAllocation, errors.Wrapf(ErrOutOfSpace, "%s buffer cannot hold %d more bytes", a.kind, size)
	}

	err = a.grow(a.requiredSize(size))
	if err != nil {
		return region.NoAllocation, err
	}

	handle, success, err = a.tryReserve(size, record)
	if err != nil {
		return region.NoAllocation, err
	} else if !success {
		panic(fmt.Sprintf("%s buffer grew to %d bytes but still could not hold %d bytes", a.kind, a.metadata.Size(), size))
	}

	return handle, nil
}

// requiredSize is the smallest buffer size whose trailing free range can hold size more bytes
func (a *bufferArena) requiredSize(size int) int {
	trailingStart := a.metadata.Size() - a.metadata.TrailingFreeSize()
	return memutils.AlignUp(trailingStart, a.alignment) + size
}

func (a *bufferArena) grow(requiredSize int) error {
	options := a.heap.options
	currentSize := a.metadata.Size()

	newSize := int(math.Ceil(float64(currentSize) * options.GrowthFactor))
	newSize = max(newSize, requiredSize, options.MinBufferSize)

	if options.MaxBufferSize > 0 {
		if requiredSize > options.MaxBufferSize {
			return growthFailed(ErrGrowthFailed, "%s buffer would need %d bytes but is limited to %d",
				a.kind, requiredSize, options.MaxBufferSize)
		}

		newSize = min(newSize, options.MaxBufferSize)
	}

	a.heap.logger.Debug("MeshHeap::grow",
		slog.String("Buffer", a.kind.String()),
		slog.Int("OldSize", currentSize),
		slog.Int("NewSize", newSize))

	newBuffer, err := a.heap.device.ResizeBuffer(a.buffer, newSize)
	if err != nil {
		return growthFailed(err, "failed to resize %s buffer from %d to %d bytes", a.kind, currentSize, newSize)
	}

	if newBuffer.Size() > newSize {
		newSize = newBuffer.Size()
	}

	err = a.metadata.Grow(newSize)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when growing %s buffer metadata: %+v", a.kind, err))
	}

	oldBuffer := a.buffer
	a.buffer = newBuffer
	a.growCount++
	a.heap.refreshRenderData()
	a.heap.retireBuffer(a.kind, oldBuffer)
	return nil
}

func (a *bufferArena) compact() (compact.Stats, error) {
	context := compact.Context{
		Buffer:             a,
		MaxPassBytes:       a.heap.options.MaxPassBytes,
		MaxPassAllocations: a.heap.options.MaxPassAllocations,
	}

	stats, err := context.Run()
	a.compactionStats.Add(stats)

	a.heap.logger.Debug("MeshHeap::compact",
		slog.String("Buffer", a.kind.String()),
		slog.Int("AllocationsMoved", stats.AllocationsMoved),
		slog.Int("BytesMoved", stats.BytesMoved),
		slog.Int("Passes", stats.Passes))

	if err != nil {
		return stats, errors.Wrapf(err, "failed to compact %s buffer", a.kind)
	}

	return stats, nil
}

func (a *bufferArena) release(slot arenaSlot) error {
	if slot.empty() {
		return nil
	}

	return a.metadata.Free(slot.handle)
}

func (a *bufferArena) clear() {
	a.metadata.Clear()
}

func (a *bufferArena) destroy() error {
	err := a.heap.device.DestroyBuffer(a.buffer)
	if err != nil {
		return errors.Wrapf(err, "failed to destroy %s buffer", a.kind)
	}

	return nil
}
