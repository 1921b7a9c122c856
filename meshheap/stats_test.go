package meshheap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/meshheap/gpu/memdevice"
)

type statsDocument struct {
	ID     string
	Flags  string
	Total  map[string]int
	Meshes struct {
		Live        int
		PendingFree int
		InUseByGPU  int
	}
	RetiredBuffers int
	Compaction     map[string]int
	Buffers        map[string]struct {
		BufferBytes     int
		AllocationCount int
		DetailedMap     *struct {
			TotalBytes    int
			Fragmentation float64
			Regions       []struct {
				Offset int
				Size   int
				Type   string
				Owner  string
			}
		}
	}
}

func TestHeapBuildStatsString(t *testing.T) {
	device := memdevice.New(memdevice.Options{})
	heap := readyHeap(t, device, CreateOptions{
		Flags:                   CreateDisableGrowth,
		InitialVertexBufferSize: 32,
		InitialIndexBufferSize:  16,
		VertexStride:            4,
	})
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	first, err := heap.Alloc(2, 2, DrawTriangleList)
	require.NoError(t, err)
	second, err := heap.Alloc(2, 0, DrawTriangleList)
	require.NoError(t, err)
	require.NoError(t, second.NotifyUsedOnGPU())
	require.NoError(t, heap.Dealloc(second))

	var doc statsDocument
	require.NoError(t, json.Unmarshal([]byte(heap.BuildStatsString(false)), &doc))
	require.Equal(t, heap.ID().String(), doc.ID)
	require.Equal(t, "CreateDisableGrowth", doc.Flags)
	require.Equal(t, 48, doc.Total["BufferBytes"])
	require.Equal(t, 3, doc.Total["AllocationCount"])
	require.Equal(t, 1, doc.Meshes.Live)
	require.Equal(t, 1, doc.Meshes.PendingFree)
	require.Equal(t, 1, doc.Meshes.InUseByGPU)
	require.Equal(t, 0, doc.RetiredBuffers)
	require.Equal(t, 2, doc.Buffers["Vertex"].AllocationCount)
	require.Equal(t, 16, doc.Buffers["Index"].BufferBytes)
	require.Nil(t, doc.Buffers["Vertex"].DetailedMap)

	doc = statsDocument{}
	require.NoError(t, json.Unmarshal([]byte(heap.BuildStatsString(true)), &doc))

	vertexMap := doc.Buffers["Vertex"].DetailedMap
	require.NotNil(t, vertexMap)
	require.Equal(t, 32, vertexMap.TotalBytes)
	require.Len(t, vertexMap.Regions, 3)
	require.Equal(t, "Mesh 1", vertexMap.Regions[0].Owner)
	require.Equal(t, "Mesh 2", vertexMap.Regions[1].Owner)
	require.Equal(t, "FREE", vertexMap.Regions[2].Type)
	require.Equal(t, 16, vertexMap.Regions[2].Offset)

	require.NoError(t, heap.Dealloc(first))
	detailed := heap.DetailedStatistics()
	require.Equal(t, 1, detailed.Total.AllocationCount)
	require.Equal(t, 8, detailed.Vertex.AllocationSizeMax)
	require.Equal(t, 2, detailed.Vertex.FreeRegionCount)

	doc = statsDocument{}
	require.NoError(t, json.Unmarshal([]byte(heap.BuildStatsString(true)), &doc))
	require.InDelta(t, 1-16.0/24.0, doc.Buffers["Vertex"].DetailedMap.Fragmentation, 0.0001)
	require.Equal(t, 0.0, doc.Buffers["Index"].DetailedMap.Fragmentation)
}
