package main

type Config struct {
	Frames         int    `usage:"number of frames to simulate"`
	MeshesPerFrame int    `usage:"transient meshes allocated each frame"`
	MaxVertices    int    `usage:"upper bound of the vertex count of a mesh"`
	MaxIndices     int    `usage:"upper bound of the index count of a mesh, 0 for non-indexed meshes"`
	Lifetime       int    `usage:"frames a mesh lives before it is deallocated"`
	FramesInFlight int    `usage:"frames the GPU lags behind the CPU"`
	Seed           int64  `usage:"random seed"`
	VertexStride   int    `usage:"size in bytes of a vertex"`
	Index32        bool   `usage:"use 32 bit indices"`
	InitialSize    int    `usage:"initial size in bytes of both shared buffers"`
	MaxBufferSize  int    `usage:"largest size in bytes a shared buffer may grow to, 0 for unlimited"`
	MaxDeviceBytes int    `usage:"limit of the simulated device memory in bytes, 0 for unlimited"`
	CompactEvery   int    `usage:"run an explicit compaction every N frames, 0 to never"`
	Detailed       bool   `usage:"include every buffer range in the printed statistics"`
	Vulkan         bool   `usage:"run against a headless vulkan device instead of host memory"`
	LogLevel       string `usage:"DEBUG | INFO | WARN | ERROR"`
}

func defaultConfig() Config {
	return Config{
		Frames:         240,
		MeshesPerFrame: 32,
		MaxVertices:    512,
		MaxIndices:     1536,
		Lifetime:       3,
		FramesInFlight: 2,
		Seed:           1,
		VertexStride:   32,
		InitialSize:    0,
		LogLevel:       "WARN",
	}
}
