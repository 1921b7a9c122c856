package main

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/meshheap"
)

type liveMesh struct {
	mesh    *meshheap.TransientMesh
	expires int
}

var drawOps = []meshheap.DrawOperation{
	meshheap.DrawTriangleList,
	meshheap.DrawTriangleStrip,
	meshheap.DrawLineList,
	meshheap.DrawPointList,
}

// simulate drives a heap the way a renderer would: each frame allocates and fills transient meshes,
// marks them used by the frame, and releases meshes that have expired. The GPU is modelled as
// finishing each frame FramesInFlight frames after it was submitted. The heap's statistics are
// returned as json.
func simulate(logger *slog.Logger, device gpu.Device, c Config) (string, error) {
	if c.VertexStride < 1 || c.MaxVertices < 1 || c.MaxIndices < 0 || c.Lifetime < 1 || c.FramesInFlight < 0 {
		return "", errors.Newf("invalid simulation parameters: %+v", c)
	}

	indexType := gpu.IndexType16
	if c.Index32 {
		indexType = gpu.IndexType32
	}

	heap, err := meshheap.New(logger, device, meshheap.CreateOptions{
		InitialVertexBufferSize: c.InitialSize,
		InitialIndexBufferSize:  c.InitialSize,
		VertexStride:            c.VertexStride,
		IndexType:               indexType,
		MaxBufferSize:           c.MaxBufferSize,
	})
	if err != nil {
		return "", err
	}

	random := rand.New(rand.NewSource(c.Seed))
	var live []liveMesh
	var inFlight []meshheap.Fence

	for frame := 0; frame < c.Frames; frame++ {
		remaining := live[:0]
		for _, m := range live {
			if m.expires > frame {
				remaining = append(remaining, m)
				continue
			}

			err = heap.Dealloc(m.mesh)
			if err != nil {
				return "", err
			}
		}
		live = remaining

		for i := 0; i < c.MeshesPerFrame; i++ {
			numVertices := 1 + random.Intn(c.MaxVertices)
			numIndices := 0
			if c.MaxIndices > 0 {
				numIndices = random.Intn(c.MaxIndices + 1)
			}

			mesh, err := heap.Alloc(numVertices, numIndices, drawOps[random.Intn(len(drawOps))])
			if errors.Is(err, meshheap.ErrOutOfSpace) {
				logger.Warn("frame ran out of mesh space", slog.Int("Frame", frame), slog.Any("error", err))
				break
			} else if err != nil {
				return "", err
			}

			err = fillMesh(mesh, c, indexType, byte(frame))
			if err != nil {
				return "", err
			}

			live = append(live, liveMesh{mesh: mesh, expires: frame + 1 + random.Intn(c.Lifetime)})
		}

		for _, m := range live {
			err = m.mesh.NotifyUsedOnGPU()
			if err != nil {
				return "", err
			}
		}

		inFlight = append(inFlight, heap.SubmitFrame())
		if len(inFlight) > c.FramesInFlight {
			err = heap.SignalFence(inFlight[0])
			if err != nil {
				return "", err
			}
			inFlight = inFlight[1:]
		}

		if c.CompactEvery > 0 && frame%c.CompactEvery == c.CompactEvery-1 {
			_, err = heap.Compact()
			if err != nil {
				return "", err
			}
		}
	}

	if len(inFlight) > 0 {
		err = heap.SignalFence(inFlight[len(inFlight)-1])
		if err != nil {
			return "", err
		}
	}

	err = heap.Validate()
	if err != nil {
		return "", err
	}

	stats := heap.BuildStatsString(c.Detailed)

	for _, m := range live {
		err = heap.Dealloc(m.mesh)
		if err != nil {
			return "", err
		}
	}

	return stats, heap.Destroy()
}

// fillMesh writes a vertex pattern and an index list that walks the mesh's vertices in order
func fillMesh(mesh *meshheap.TransientMesh, c Config, indexType gpu.IndexType, fill byte) error {
	vertices := bytes.Repeat([]byte{fill}, mesh.NumVertices()*c.VertexStride)
	err := mesh.WriteSubresource(gpu.SubresourceVertex, vertices, false)
	if err != nil {
		return err
	}

	if mesh.NumIndices() == 0 {
		return nil
	}

	indices := make([]byte, mesh.NumIndices()*indexType.Size())
	for i := 0; i < mesh.NumIndices(); i++ {
		vertex := i % mesh.NumVertices()
		if indexType == gpu.IndexType32 {
			binary.LittleEndian.PutUint32(indices[i*4:], uint32(vertex))
		} else {
			binary.LittleEndian.PutUint16(indices[i*2:], uint16(vertex))
		}
	}

	return mesh.WriteSubresource(gpu.SubresourceIndex, indices, true)
}
