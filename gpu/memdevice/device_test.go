package memdevice_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/gpu/memdevice"
)

func TestWriteRead(t *testing.T) {
	device := memdevice.New(memdevice.Options{})

	buf, err := device.CreateBuffer(gpu.BufferKindVertex, 16)
	require.NoError(t, err)
	require.Equal(t, 16, buf.Size())
	require.Equal(t, gpu.BufferKindVertex, buf.Kind())

	require.NoError(t, device.WriteBytes(buf, 4, []byte{1, 2, 3, 4}))

	data, err := device.ReadBytes(buf, 2, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 1, 2, 3, 4, 0, 0}, data)

	err = device.WriteBytes(buf, 14, []byte{1, 2, 3})
	require.True(t, errors.Is(err, memdevice.ErrOutOfRange))

	counters := device.Counters()
	require.Equal(t, 4, counters.BytesWritten)
	require.Equal(t, 8, counters.BytesRead)
	require.Equal(t, 16, counters.LiveBytes)
}

func TestResizeCopiesContents(t *testing.T) {
	device := memdevice.New(memdevice.Options{})

	buf, err := device.CreateBuffer(gpu.BufferKindIndex, 4)
	require.NoError(t, err)
	require.NoError(t, device.WriteBytes(buf, 0, []byte{9, 8, 7, 6}))

	grown, err := device.ResizeBuffer(buf, 8)
	require.NoError(t, err)
	require.Equal(t, 8, grown.Size())
	require.Equal(t, gpu.BufferKindIndex, grown.Kind())

	contents, err := device.Contents(grown)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 8, 7, 6, 0, 0, 0, 0}, contents)

	// The old buffer stays alive until it is destroyed explicitly
	contents, err = device.Contents(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 8, 7, 6}, contents)
	require.Equal(t, 12, device.Counters().LiveBytes)

	require.NoError(t, device.DestroyBuffer(buf))
	err = device.WriteBytes(buf, 0, []byte{1})
	require.True(t, errors.Is(err, memdevice.ErrBufferDestroyed))

	_, err = device.ResizeBuffer(grown, 4)
	require.Error(t, err)

	require.Equal(t, 8, device.Counters().LiveBytes)
}

func TestMaxTotalBytes(t *testing.T) {
	device := memdevice.New(memdevice.Options{MaxTotalBytes: 100})

	buf, err := device.CreateBuffer(gpu.BufferKindVertex, 60)
	require.NoError(t, err)

	_, err = device.CreateBuffer(gpu.BufferKindIndex, 60)
	require.True(t, errors.Is(err, memdevice.ErrOutOfDeviceMemory))

	// The old buffer still counts while the copy is made
	_, err = device.ResizeBuffer(buf, 80)
	require.True(t, errors.Is(err, memdevice.ErrOutOfDeviceMemory))

	require.NoError(t, device.DestroyBuffer(buf))
	require.Equal(t, 0, device.Counters().LiveBytes)

	err = device.DestroyBuffer(buf)
	require.True(t, errors.Is(err, memdevice.ErrBufferDestroyed))
}

func TestDisableReadBack(t *testing.T) {
	device := memdevice.New(memdevice.Options{DisableReadBack: true})

	buf, err := device.CreateBuffer(gpu.BufferKindVertex, 4)
	require.NoError(t, err)

	_, err = device.ReadBytes(buf, 0, 4)
	require.True(t, errors.Is(err, gpu.ErrReadBackUnsupported))

	other := memdevice.New(memdevice.Options{})
	err = other.WriteBytes(buf, 0, []byte{1})
	require.True(t, errors.Is(err, memdevice.ErrForeignBuffer))
}
