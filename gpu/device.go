package gpu

//go:generate mockgen -source device.go -destination ./mocks/mock_device.go -package mock_gpu

import "github.com/cockroachdb/errors"

// BufferKind identifies what a shared buffer holds
type BufferKind uint32

const (
	BufferKindVertex BufferKind = iota
	BufferKindIndex
)

var bufferKindMapping = map[BufferKind]string{
	BufferKindVertex: "Vertex",
	BufferKindIndex:  "Index",
}

func (k BufferKind) String() string {
	return bufferKindMapping[k]
}

// IndexType is the element type of an index buffer
type IndexType uint32

const (
	IndexType16 IndexType = iota
	IndexType32
)

var indexTypeMapping = map[IndexType]string{
	IndexType16: "IndexType16",
	IndexType32: "IndexType32",
}

func (t IndexType) String() string {
	return indexTypeMapping[t]
}

// Size returns the size in bytes of a single index
func (t IndexType) Size() int {
	if t == IndexType32 {
		return 4
	}
	return 2
}

// Subresource indices understood by Resource implementations
const (
	SubresourceVertex = 0
	SubresourceIndex  = 1
)

// ErrReadBackUnsupported is returned from Device.ReadBytes by devices that cannot read GPU
// memory back to the host
var ErrReadBackUnsupported = errors.New("device does not support reading buffers back")

// Buffer is a single GPU buffer created by a Device
type Buffer interface {
	Size() int
	Kind() BufferKind
}

// Device is the graphics device abstraction that owns GPU buffers. Offsets and sizes are in bytes.
//
// ResizeBuffer must return a buffer of at least newSize bytes whose first Size() bytes are a copy
// of the old buffer's contents. The old buffer is left alive either way: GPU work may still be
// reading it, so the caller destroys it with DestroyBuffer once that work has finished.
type Device interface {
	CreateBuffer(kind BufferKind, size int) (Buffer, error)
	WriteBytes(buffer Buffer, offset int, data []byte) error
	ReadBytes(buffer Buffer, offset int, size int) ([]byte, error)
	ResizeBuffer(buffer Buffer, newSize int) (Buffer, error)
	DestroyBuffer(buffer Buffer) error
}

// Resource is the subresource I/O capability shared by every GPU resource type. Each
// implementation decides what its subresource indices mean.
type Resource interface {
	WriteSubresource(index int, data []byte, discardEntireBuffer bool) error
	ReadSubresource(index int, data []byte) error
}
