package meshheap

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/meshheap/gpu"
	mock_gpu "github.com/vkngwrapper/meshheap/gpu/mocks"
	"go.uber.org/mock/gomock"
)

var errDeviceLost = errors.New("device lost")

func TestHeapNewIndexBufferFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_gpu.NewMockDevice(ctrl)
	vertexBuffer := mock_gpu.NewMockBuffer(ctrl)

	device.EXPECT().CreateBuffer(gpu.BufferKindVertex, 128).Return(vertexBuffer, nil)
	device.EXPECT().CreateBuffer(gpu.BufferKindIndex, 64).Return(nil, errDeviceLost)
	device.EXPECT().DestroyBuffer(vertexBuffer).Return(nil)

	_, err := New(nil, device, CreateOptions{
		InitialVertexBufferSize: 128,
		InitialIndexBufferSize:  64,
	})
	require.True(t, errors.Is(err, errDeviceLost))
}

func TestHeapNewInvalidOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_gpu.NewMockDevice(ctrl)

	_, err := New(nil, nil, CreateOptions{})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(nil, device, CreateOptions{VertexStride: -4})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(nil, device, CreateOptions{GrowthFactor: 0.5})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(nil, device, CreateOptions{IndexType: 7})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(nil, device, CreateOptions{InitialIndexBufferSize: -1})
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestHeapGrowthFailureReleasesVertices(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_gpu.NewMockDevice(ctrl)
	vertexBuffer := mock_gpu.NewMockBuffer(ctrl)
	indexBuffer := mock_gpu.NewMockBuffer(ctrl)

	device.EXPECT().CreateBuffer(gpu.BufferKindVertex, 64).Return(vertexBuffer, nil)
	device.EXPECT().CreateBuffer(gpu.BufferKindIndex, 0).Return(indexBuffer, nil)
	device.EXPECT().ResizeBuffer(indexBuffer, defaultMinBufferSize).Return(nil, errDeviceLost)

	heap, err := New(nil, device, CreateOptions{InitialVertexBufferSize: 64})
	require.NoError(t, err)

	_, err = heap.Alloc(4, 6, DrawTriangleList)
	require.True(t, errors.Is(err, errDeviceLost))
	require.True(t, errors.Is(err, ErrGrowthFailed))
	require.True(t, errors.Is(err, ErrOutOfSpace))
	require.ErrorIs(t, err, errDeviceLost)
	require.ErrorIs(t, err, ErrOutOfSpace)

	stats := heap.Statistics()
	require.Equal(t, 0, stats.Vertex.AllocationCount)
	require.Equal(t, 0, stats.Index.AllocationCount)
	require.Equal(t, 0, stats.Index.BufferBytes)
	require.Equal(t, 0, heap.AllocationCount())
	require.NoError(t, heap.Validate())

	// The failed allocation did not use up an id
	mesh, err := heap.Alloc(4, 0, DrawPointList)
	require.NoError(t, err)
	require.Equal(t, uint32(1), mesh.ID())

	device.EXPECT().DestroyBuffer(vertexBuffer).Return(nil)
	device.EXPECT().DestroyBuffer(indexBuffer).Return(nil)
	require.NoError(t, heap.Destroy())
}

func TestHeapGrowthUsesWholeDeviceBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_gpu.NewMockDevice(ctrl)
	vertexBuffer := mock_gpu.NewMockBuffer(ctrl)
	grownBuffer := mock_gpu.NewMockBuffer(ctrl)
	indexBuffer := mock_gpu.NewMockBuffer(ctrl)

	device.EXPECT().CreateBuffer(gpu.BufferKindVertex, 0).Return(vertexBuffer, nil)
	device.EXPECT().CreateBuffer(gpu.BufferKindIndex, 0).Return(indexBuffer, nil)
	device.EXPECT().ResizeBuffer(vertexBuffer, 256).Return(grownBuffer, nil)
	grownBuffer.EXPECT().Size().Return(300).AnyTimes()
	// Nothing is in use, so the replaced buffer goes right away
	device.EXPECT().DestroyBuffer(vertexBuffer).Return(nil)

	heap, err := New(nil, device, CreateOptions{MinBufferSize: 256})
	require.NoError(t, err)

	mesh, err := heap.Alloc(10, 0, DrawPointList)
	require.NoError(t, err)
	require.Same(t, grownBuffer, mesh.RenderData().VertexBuffer)
	require.Equal(t, 300, heap.Statistics().Vertex.BufferBytes)

	device.EXPECT().WriteBytes(grownBuffer, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}).Return(nil)
	require.NoError(t, mesh.WriteSubresource(0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, false))

	device.EXPECT().WriteBytes(grownBuffer, 0, gomock.Any()).Return(errDeviceLost)
	err = mesh.WriteSubresource(0, []byte{1}, true)
	require.True(t, errors.Is(err, errDeviceLost))
}

func TestHeapCompactionWriteFailureKeepsState(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_gpu.NewMockDevice(ctrl)
	vertexBuffer := mock_gpu.NewMockBuffer(ctrl)
	indexBuffer := mock_gpu.NewMockBuffer(ctrl)

	device.EXPECT().CreateBuffer(gpu.BufferKindVertex, 16).Return(vertexBuffer, nil)
	device.EXPECT().CreateBuffer(gpu.BufferKindIndex, 0).Return(indexBuffer, nil)

	heap, err := New(nil, device, CreateOptions{
		InitialVertexBufferSize: 16,
		VertexStride:            4,
	})
	require.NoError(t, err)

	first, err := heap.Alloc(2, 0, DrawLineList)
	require.NoError(t, err)
	second, err := heap.Alloc(2, 0, DrawLineList)
	require.NoError(t, err)
	require.NoError(t, heap.Dealloc(first))

	contents := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	device.EXPECT().ReadBytes(vertexBuffer, 8, 8).Return(contents, nil)
	device.EXPECT().WriteBytes(vertexBuffer, 0, contents).Return(errDeviceLost)

	stats, err := heap.Compact()
	require.True(t, errors.Is(err, errDeviceLost))
	require.Equal(t, 0, stats.AllocationsMoved)
	requireOffsets(t, second, 2, 0)
	require.NoError(t, heap.Validate())
}
