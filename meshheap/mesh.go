package meshheap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/meshheap/gpu"
)

// TransientMesh is a view of one mesh living in a Heap's shared buffers. It is created by
// Heap.Alloc and destroyed by Heap.Dealloc, Heap.Clear or Heap.Destroy. The mesh's position in the
// shared buffers can change whenever the heap compacts or grows a buffer, so offsets are always
// resolved through the heap.
type TransientMesh struct {
	heap *Heap
	id   uint32

	numVertices int
	numIndices  int
	drawOp      DrawOperation

	renderData RenderData
	destroyed  bool
}

var _ gpu.Resource = &TransientMesh{}

func newTransientMesh(heap *Heap, record *allocationRecord) *TransientMesh {
	mesh := &TransientMesh{
		heap:        heap,
		id:          record.id,
		numVertices: record.numVertices,
		numIndices:  record.numIndices,
		drawOp:      record.drawOp,
	}
	mesh.updateRenderData()

	return mesh
}

// ID is the mesh's identifier within its heap. Ids are never reused.
func (m *TransientMesh) ID() uint32 { return m.id }

func (m *TransientMesh) NumVertices() int { return m.numVertices }

func (m *TransientMesh) NumIndices() int { return m.numIndices }

func (m *TransientMesh) DrawOperation() DrawOperation { return m.drawOp }

func (m *TransientMesh) IsDestroyed() bool {
	m.heap.lock.RLock()
	defer m.heap.lock.RUnlock()

	return m.destroyed
}

// RenderData returns the draw parameters for the mesh's current position. A destroyed mesh
// returns an empty RenderData.
func (m *TransientMesh) RenderData() RenderData {
	m.heap.lock.RLock()
	defer m.heap.lock.RUnlock()

	return m.renderData
}

func (m *TransientMesh) record() (*allocationRecord, error) {
	if m.destroyed {
		return nil, errors.Wrapf(ErrUseAfterDestroy, "mesh %d", m.id)
	}

	record, ok := m.heap.records.Get(m.id)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterDestroy, "mesh %d has been reclaimed", m.id)
	}

	return record, nil
}

func (m *TransientMesh) subresourceRange(index int) (*bufferArena, int, int, error) {
	var kind gpu.BufferKind
	switch index {
	case gpu.SubresourceVertex:
		kind = gpu.BufferKindVertex
	case gpu.SubresourceIndex:
		kind = gpu.BufferKindIndex
	default:
		return nil, 0, 0, errors.Wrapf(ErrInvalidSubresource, "transient meshes have no subresource %d", index)
	}

	record, err := m.record()
	if err != nil {
		return nil, 0, 0, err
	}

	arena := m.heap.arenas[kind]
	slot := record.slot(kind)
	if slot.empty() {
		return arena, 0, 0, nil
	}

	return arena, arena.offset(slot), slot.size, nil
}

// WriteSubresource writes data to the start of the mesh's vertex or index range. If
// discardEntireBuffer is true, the rest of the mesh's range is zeroed. Other meshes sharing the
// buffer are never touched.
func (m *TransientMesh) WriteSubresource(index int, data []byte, discardEntireBuffer bool) error {
	m.heap.logger.Debug("TransientMesh::WriteSubresource")

	m.heap.lock.RLock()
	defer m.heap.lock.RUnlock()

	arena, offset, size, err := m.subresourceRange(index)
	if err != nil {
		return err
	}

	if len(data) > size {
		return errors.Wrapf(ErrInvalidSubresource, "cannot write %d bytes to a %s range of %d bytes", len(data), arena.kind, size)
	}

	if discardEntireBuffer && len(data) < size {
		discarded := make([]byte, size)
		copy(discarded, data)
		data = discarded
	}

	if len(data) == 0 {
		return nil
	}

	err = m.heap.device.WriteBytes(arena.buffer, offset, data)
	if err != nil {
		return errors.Wrapf(err, "failed to write mesh %d", m.id)
	}

	return nil
}

// ReadSubresource fills data from the start of the mesh's vertex or index range
func (m *TransientMesh) ReadSubresource(index int, data []byte) error {
	m.heap.logger.Debug("TransientMesh::ReadSubresource")

	m.heap.lock.RLock()
	defer m.heap.lock.RUnlock()

	arena, offset, size, err := m.subresourceRange(index)
	if err != nil {
		return err
	}

	if len(data) > size {
		return errors.Wrapf(ErrInvalidSubresource, "cannot read %d bytes from a %s range of %d bytes", len(data), arena.kind, size)
	}

	if len(data) == 0 {
		return nil
	}

	contents, err := m.heap.device.ReadBytes(arena.buffer, offset, len(data))
	if errors.Is(err, gpu.ErrReadBackUnsupported) {
		return markError(err, ErrUnsupported)
	} else if err != nil {
		return errors.Wrapf(err, "failed to read mesh %d", m.id)
	}

	copy(data, contents)
	return nil
}

func (m *TransientMesh) byteOffset(kind gpu.BufferKind) (int, error) {
	m.heap.lock.RLock()
	defer m.heap.lock.RUnlock()

	record, err := m.record()
	if err != nil {
		return 0, err
	}

	slot := record.slot(kind)
	if slot.empty() {
		return 0, nil
	}

	return m.heap.arenas[kind].offset(slot), nil
}

// VertexByteOffset returns the current offset in bytes of the mesh's first vertex
func (m *TransientMesh) VertexByteOffset() (int, error) {
	return m.byteOffset(gpu.BufferKindVertex)
}

// IndexByteOffset returns the current offset in bytes of the mesh's first index
func (m *TransientMesh) IndexByteOffset() (int, error) {
	return m.byteOffset(gpu.BufferKindIndex)
}

// VertexOffset returns the current offset of the mesh's first vertex, in vertices
func (m *TransientMesh) VertexOffset() (int, error) {
	offset, err := m.VertexByteOffset()
	return offset / m.heap.options.VertexStride, err
}

// IndexOffset returns the current offset of the mesh's first index, in indices
func (m *TransientMesh) IndexOffset() (int, error) {
	offset, err := m.IndexByteOffset()
	return offset / m.heap.options.IndexType.Size(), err
}

// NotifyUsedOnGPU marks the mesh as referenced by GPU work. Its range will not be moved or
// reclaimed until the heap is told that work is complete.
func (m *TransientMesh) NotifyUsedOnGPU() error {
	m.heap.logger.Debug("TransientMesh::NotifyUsedOnGPU")

	m.heap.lock.Lock()
	defer m.heap.lock.Unlock()

	record, err := m.record()
	if err != nil {
		return err
	}

	m.heap.markUsed(record)
	return nil
}

// updateRenderData recomputes the cached render data from the mesh's record. The heap lock must be
// held.
func (m *TransientMesh) updateRenderData() {
	record, ok := m.heap.records.Get(m.id)
	if !ok {
		return
	}

	vertexArena := m.heap.arenas[gpu.BufferKindVertex]
	indexArena := m.heap.arenas[gpu.BufferKindIndex]
	indexType := m.heap.options.IndexType

	m.renderData = RenderData{
		VertexBuffer: vertexArena.buffer,
		IndexBuffer:  indexArena.buffer,
		VertexOffset: vertexArena.offset(record.slot(gpu.BufferKindVertex)) / m.heap.options.VertexStride,
		VertexCount:  record.numVertices,
		IndexCount:   record.numIndices,
		IndexType:    indexType,
		DrawOp:       record.drawOp,
	}

	indexSlot := record.slot(gpu.BufferKindIndex)
	if !indexSlot.empty() {
		m.renderData.IndexOffset = indexArena.offset(indexSlot) / indexType.Size()
	}
}

// markAsDestroyed is called by the heap once the mesh's record is no longer reachable through the
// mesh. The heap lock must be held.
func (m *TransientMesh) markAsDestroyed() {
	m.destroyed = true
	m.renderData = RenderData{}
}
