// Package vkdevice implements gpu.Device with Vulkan buffers bound to host-visible, host-coherent
// memory. Every buffer is persistently mapped for its whole lifetime, so writes and reads are
// plain memory copies and never wait on the GPU.
package vkdevice

import (
	"io"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/meshheap/gpu"
)

var ErrNoSuitableMemoryType = errors.New("no host-visible, host-coherent memory type can hold the buffer")
var ErrBufferDestroyed = errors.New("buffer has been destroyed")
var ErrOutOfRange = errors.New("range is outside of the buffer")

type buffer struct {
	kind   gpu.BufferKind
	size   int
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
	mapped unsafe.Pointer

	destroyed bool
}

func (b *buffer) Size() int            { return b.size }
func (b *buffer) Kind() gpu.BufferKind { return b.kind }

// VulkanBuffer returns the buffer handle to bind when drawing. It is nil for 0-byte buffers.
func VulkanBuffer(buf gpu.Buffer) core1_0.Buffer {
	b, ok := buf.(*buffer)
	if !ok {
		return nil
	}
	return b.buffer
}

// Device is a gpu.Device backed by a Vulkan logical device
type Device struct {
	logger           *slog.Logger
	device           core1_0.Device
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

var _ gpu.Device = &Device{}

func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device) *Device {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Device{
		logger:           logger,
		device:           device,
		memoryProperties: physicalDevice.MemoryProperties(),
	}
}

func usageForKind(kind gpu.BufferKind) core1_0.BufferUsageFlags {
	usage := core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst
	if kind == gpu.BufferKindIndex {
		return usage | core1_0.BufferUsageIndexBuffer
	}
	return usage | core1_0.BufferUsageVertexBuffer
}

func findMemoryTypeIndex(props *core1_0.PhysicalDeviceMemoryProperties, memoryTypeBits uint32, required core1_0.MemoryPropertyFlags) (int, error) {
	for typeIndex, memoryType := range props.MemoryTypes {
		if memoryTypeBits&(1<<typeIndex) == 0 {
			continue
		}

		if memoryType.PropertyFlags&required == required {
			return typeIndex, nil
		}
	}

	return -1, errors.Wrapf(ErrNoSuitableMemoryType, "memory type bits %b", memoryTypeBits)
}

func (d *Device) CreateBuffer(kind gpu.BufferKind, size int) (gpu.Buffer, error) {
	d.logger.Debug("Device::CreateBuffer", slog.String("Kind", kind.String()), slog.Int("Size", size))

	if size < 0 {
		return nil, errors.Newf("invalid buffer size %d", size)
	}

	// Vulkan does not allow empty buffers
	if size == 0 {
		return &buffer{kind: kind}, nil
	}

	vkBuffer, _, err := d.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usageForKind(kind),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create vulkan buffer")
	}

	memReqs := vkBuffer.MemoryRequirements()
	memoryTypeIndex, err := findMemoryTypeIndex(d.memoryProperties, memReqs.MemoryTypeBits,
		core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		vkBuffer.Destroy(nil)
		return nil, err
	}

	memory, _, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		vkBuffer.Destroy(nil)
		return nil, errors.Wrapf(err, "failed to allocate %d bytes of device memory", memReqs.Size)
	}

	_, err = vkBuffer.BindBufferMemory(memory, 0)
	if err != nil {
		vkBuffer.Destroy(nil)
		memory.Free(nil)
		return nil, errors.Wrap(err, "failed to bind buffer memory")
	}

	mapped, _, err := memory.Map(0, common.WholeSize, 0)
	if err != nil {
		vkBuffer.Destroy(nil)
		memory.Free(nil)
		return nil, errors.Wrap(err, "failed to map buffer memory")
	}

	return &buffer{
		kind:   kind,
		size:   size,
		buffer: vkBuffer,
		memory: memory,
		mapped: mapped,
	}, nil
}

func (d *Device) getBuffer(buf gpu.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, errors.New("buffer was not created by a vulkan device")
	}

	if b.destroyed {
		return nil, ErrBufferDestroyed
	}

	return b, nil
}

func (b *buffer) bytes(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, errors.Wrapf(ErrOutOfRange, "range [%d, %d) in a buffer of %d bytes", offset, offset+size, b.size)
	}

	if size == 0 {
		return nil, nil
	}

	return unsafe.Slice((*byte)(unsafe.Add(b.mapped, offset)), size), nil
}

func (d *Device) WriteBytes(buf gpu.Buffer, offset int, data []byte) error {
	b, err := d.getBuffer(buf)
	if err != nil {
		return err
	}

	target, err := b.bytes(offset, len(data))
	if err != nil {
		return err
	}

	copy(target, data)
	return nil
}

func (d *Device) ReadBytes(buf gpu.Buffer, offset int, size int) ([]byte, error) {
	b, err := d.getBuffer(buf)
	if err != nil {
		return nil, err
	}

	source, err := b.bytes(offset, size)
	if err != nil {
		return nil, err
	}

	out := make([]byte, size)
	copy(out, source)
	return out, nil
}

func (d *Device) ResizeBuffer(buf gpu.Buffer, newSize int) (gpu.Buffer, error) {
	d.logger.Debug("Device::ResizeBuffer", slog.Int("NewSize", newSize))

	b, err := d.getBuffer(buf)
	if err != nil {
		return nil, err
	}

	if newSize < b.size {
		return nil, errors.Newf("cannot shrink a buffer from %d to %d bytes", b.size, newSize)
	}

	newBuf, err := d.CreateBuffer(b.kind, newSize)
	if err != nil {
		return nil, err
	}

	if b.size > 0 {
		source, _ := b.bytes(0, b.size)
		target, _ := newBuf.(*buffer).bytes(0, b.size)
		copy(target, source)
	}

	return newBuf, nil
}

func (d *Device) destroy(b *buffer) {
	b.destroyed = true
	if b.buffer == nil {
		return
	}

	b.memory.Unmap()
	b.buffer.Destroy(nil)
	b.memory.Free(nil)
	b.mapped = nil
}

func (d *Device) DestroyBuffer(buf gpu.Buffer) error {
	d.logger.Debug("Device::DestroyBuffer")

	b, err := d.getBuffer(buf)
	if err != nil {
		return err
	}

	d.destroy(b)
	return nil
}
