package vkdevice

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/meshheap/gpu"
)

func TestFindMemoryTypeIndex(t *testing.T) {
	props := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
	}
	required := core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

	index, err := findMemoryTypeIndex(props, 0xffffffff, required)
	require.NoError(t, err)
	require.Equal(t, 2, index)

	_, err = findMemoryTypeIndex(props, 0b011, required)
	require.True(t, errors.Is(err, ErrNoSuitableMemoryType))
}

func TestUsageForKind(t *testing.T) {
	require.NotZero(t, usageForKind(gpu.BufferKindVertex)&core1_0.BufferUsageVertexBuffer)
	require.Zero(t, usageForKind(gpu.BufferKindVertex)&core1_0.BufferUsageIndexBuffer)
	require.NotZero(t, usageForKind(gpu.BufferKindIndex)&core1_0.BufferUsageIndexBuffer)
}

func TestHeadlessDevice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping vulkan test in short mode")
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	app, err := NewHeadless(logger, "TestHeadlessDevice")
	if err != nil {
		t.Skipf("vulkan is not available: %v", err)
	}
	defer func() {
		require.NoError(t, app.Destroy())
	}()

	device := New(logger, app.PhysicalDevice, app.Device)

	empty, err := device.CreateBuffer(gpu.BufferKindVertex, 0)
	require.NoError(t, err)
	require.Nil(t, VulkanBuffer(empty))

	buf, err := device.ResizeBuffer(empty, 64)
	require.NoError(t, err)
	require.NotNil(t, VulkanBuffer(buf))
	require.NoError(t, device.DestroyBuffer(empty))

	require.NoError(t, device.WriteBytes(buf, 8, []byte{1, 2, 3, 4}))

	grown, err := device.ResizeBuffer(buf, 256)
	require.NoError(t, err)

	data, err := device.ReadBytes(grown, 8, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	data, err = device.ReadBytes(buf, 8, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	require.NoError(t, device.DestroyBuffer(buf))
	require.True(t, errors.Is(device.WriteBytes(buf, 0, []byte{1}), ErrBufferDestroyed))
	require.True(t, errors.Is(device.WriteBytes(grown, 255, []byte{1, 2}), ErrOutOfRange))
	require.NoError(t, device.DestroyBuffer(grown))
}
