// Package memdevice implements gpu.Device on top of host memory. It is used by tests and by the
// simulator, and is a reasonable stand-in for any backend whose buffers are persistently mapped.
package memdevice

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/meshheap/gpu"
)

var ErrBufferDestroyed = errors.New("buffer has been destroyed")
var ErrOutOfRange = errors.New("range is outside of the buffer")
var ErrOutOfDeviceMemory = errors.New("out of device memory")
var ErrForeignBuffer = errors.New("buffer was not created by this device")

// Options configures a Device
type Options struct {
	// MaxTotalBytes limits the sum of the sizes of all live buffers. 0 means unlimited.
	MaxTotalBytes int
	// DisableReadBack makes ReadBytes fail with gpu.ErrReadBackUnsupported, the way write-only
	// upload heaps behave on some backends
	DisableReadBack bool
}

// Counters records how the device has been used
type Counters struct {
	BuffersCreated   int
	BuffersDestroyed int
	Resizes          int
	BytesWritten     int
	BytesRead        int
	LiveBytes        int
}

type buffer struct {
	kind      gpu.BufferKind
	data      []byte
	destroyed bool
	device    *Device
}

func (b *buffer) Size() int { return len(b.data) }
func (b *buffer) Kind() gpu.BufferKind { return b.kind }

// Device is a gpu.Device whose buffers are byte slices
type Device struct {
	options  Options
	lock     sync.Mutex
	counters Counters
}

var _ gpu.Device = &Device{}

func New(options Options) *Device {
	return &Device{options: options}
}

func (d *Device) Counters() Counters {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.counters
}

func (d *Device) reserveBytes(size int) error {
	if d.options.MaxTotalBytes > 0 && d.counters.LiveBytes+size > d.options.MaxTotalBytes {
		return errors.Wrapf(ErrOutOfDeviceMemory, "cannot allocate %d bytes with %d of %d bytes in use",
			size, d.counters.LiveBytes, d.options.MaxTotalBytes)
	}

	d.counters.LiveBytes += size
	return nil
}

func (d *Device) CreateBuffer(kind gpu.BufferKind, size int) (gpu.Buffer, error) {
	if size < 0 {
		return nil, errors.Newf("invalid buffer size %d", size)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	err := d.reserveBytes(size)
	if err != nil {
		return nil, err
	}

	d.counters.BuffersCreated++
	return &buffer{kind: kind, data: make([]byte, size), device: d}, nil
}

func (d *Device) getBuffer(buf gpu.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.device != d {
		return nil, ErrForeignBuffer
	}

	if b.destroyed {
		return nil, ErrBufferDestroyed
	}

	return b, nil
}

func checkRange(b *buffer, offset, size int) error {
	if offset < 0 || size < 0 || offset+size > len(b.data) {
		return errors.Wrapf(ErrOutOfRange, "range [%d, %d) in a buffer of %d bytes", offset, offset+size, len(b.data))
	}
	return nil
}

func (d *Device) WriteBytes(buf gpu.Buffer, offset int, data []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	b, err := d.getBuffer(buf)
	if err != nil {
		return err
	}

	err = checkRange(b, offset, len(data))
	if err != nil {
		return err
	}

	copy(b.data[offset:], data)
	d.counters.BytesWritten += len(data)
	return nil
}

func (d *Device) ReadBytes(buf gpu.Buffer, offset int, size int) ([]byte, error) {
	if d.options.DisableReadBack {
		return nil, gpu.ErrReadBackUnsupported
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	b, err := d.getBuffer(buf)
	if err != nil {
		return nil, err
	}

	err = checkRange(b, offset, size)
	if err != nil {
		return nil, err
	}

	out := make([]byte, size)
	copy(out, b.data[offset:offset+size])
	d.counters.BytesRead += size
	return out, nil
}

func (d *Device) ResizeBuffer(buf gpu.Buffer, newSize int) (gpu.Buffer, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	b, err := d.getBuffer(buf)
	if err != nil {
		return nil, err
	}

	if newSize < len(b.data) {
		return nil, errors.Newf("cannot shrink a buffer from %d to %d bytes", len(b.data), newSize)
	}

	err = d.reserveBytes(newSize)
	if err != nil {
		return nil, err
	}

	newBuffer := &buffer{kind: b.kind, data: make([]byte, newSize), device: d}
	copy(newBuffer.data, b.data)

	d.counters.Resizes++
	d.counters.BuffersCreated++
	return newBuffer, nil
}

func (d *Device) DestroyBuffer(buf gpu.Buffer) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	b, err := d.getBuffer(buf)
	if err != nil {
		return err
	}

	b.destroyed = true
	d.counters.LiveBytes -= len(b.data)
	d.counters.BuffersDestroyed++
	b.data = nil
	return nil
}

// Contents returns a copy of the buffer's bytes regardless of DisableReadBack
func (d *Device) Contents(buf gpu.Buffer) ([]byte, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	b, err := d.getBuffer(buf)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}
