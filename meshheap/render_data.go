package meshheap

import "github.com/vkngwrapper/meshheap/gpu"

// DrawOperation is the primitive topology a mesh is drawn with
type DrawOperation uint32

const (
	DrawTriangleList DrawOperation = iota
	DrawTriangleStrip
	DrawTriangleFan
	DrawLineList
	DrawLineStrip
	DrawPointList
)

var drawOperationMapping = map[DrawOperation]string{
	DrawTriangleList:  "TriangleList",
	DrawTriangleStrip: "TriangleStrip",
	DrawTriangleFan:   "TriangleFan",
	DrawLineList:      "LineList",
	DrawLineStrip:     "LineStrip",
	DrawPointList:     "PointList",
}

func (o DrawOperation) String() string {
	str, ok := drawOperationMapping[o]
	if !ok {
		return "Unknown"
	}
	return str
}

// RenderData is everything needed to issue a draw call for a transient mesh. It is only valid
// until the next call that may relocate meshes (Alloc or Compact), after which it must be fetched
// again from TransientMesh.RenderData.
type RenderData struct {
	VertexBuffer gpu.Buffer
	IndexBuffer  gpu.Buffer

	// VertexOffset is the offset of the mesh's first vertex, in vertices
	VertexOffset int
	VertexCount  int
	// IndexOffset is the offset of the mesh's first index, in indices. It is 0 for meshes without
	// indices.
	IndexOffset int
	IndexCount  int
	IndexType   gpu.IndexType

	DrawOp DrawOperation
}

// Indexed reports whether the mesh should be drawn with an indexed draw call
func (d RenderData) Indexed() bool {
	return d.IndexCount > 0
}
