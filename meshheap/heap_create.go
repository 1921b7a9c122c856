package meshheap

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/memutils"
	"github.com/vkngwrapper/meshheap/memutils/region"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

var heapCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	heapCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return heapCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this heap and all meshes created from it will not
	// be synchronized internally. The consumer must guarantee they are used from only one thread
	// at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateDisableGrowth prevents the heap from ever requesting larger shared buffers from the
	// device. Alloc fails with ErrOutOfSpace once the initial buffers are full.
	CreateDisableGrowth
	// CreateDisableCompaction prevents the heap from compacting a shared buffer when a request
	// does not fit its free space. Heap.Compact still works.
	CreateDisableCompaction
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateDisableGrowth.Register("CreateDisableGrowth")
	CreateDisableCompaction.Register("CreateDisableCompaction")
}

const (
	// defaultGrowthFactor is used as the GrowthFactor when none is provided via CreateOptions
	defaultGrowthFactor float64 = 2
	// defaultMinBufferSize is used as the MinBufferSize when none is provided via CreateOptions.
	// It is equal to 64Kb.
	defaultMinBufferSize int = 64 * 1024
)

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags

	// InitialVertexBufferSize and InitialIndexBufferSize are the sizes in bytes of the shared
	// buffers created with the heap. Either may be 0, in which case the buffer is grown on first
	// use.
	InitialVertexBufferSize int
	InitialIndexBufferSize  int

	// VertexStride is the size in bytes of a single vertex. Vertex ranges are aligned to it so that
	// vertex offsets can be expressed in elements. Defaults to 1.
	VertexStride int
	// IndexType is the element type of the shared index buffer
	IndexType gpu.IndexType

	// GrowthFactor is multiplied by a shared buffer's current size to decide its size after growth.
	// Defaults to 2.
	GrowthFactor float64
	// MinBufferSize is the smallest size a shared buffer will be grown to. Defaults to 64Kb.
	MinBufferSize int
	// MaxBufferSize is the largest size a shared buffer will be grown to. 0 means unlimited.
	MaxBufferSize int

	// Strategy decides which free range a new mesh is placed in. Defaults to
	// region.StrategyMinMemory.
	Strategy region.Strategy

	// MaxPassBytes and MaxPassAllocations bound a single compaction pass. 0 means unlimited.
	MaxPassBytes       int
	MaxPassAllocations int
}

// New creates a new Heap along with its shared vertex and index buffers
//
// logger - Receives trace output from the heap. If nil, nothing is logged.
//
// device - The device that will own the shared buffers
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device gpu.Device, options CreateOptions) (*Heap, error) {
	if device == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "device is nil")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if options.InitialVertexBufferSize < 0 || options.InitialIndexBufferSize < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "initial buffer sizes must not be negative: vertex %d, index %d",
			options.InitialVertexBufferSize, options.InitialIndexBufferSize)
	}

	if options.VertexStride == 0 {
		options.VertexStride = 1
	}

	err := memutils.CheckAlignment(options.VertexStride, "CreateOptions.VertexStride")
	if err != nil {
		return nil, markError(err, ErrInvalidArgument)
	}

	if options.IndexType != gpu.IndexType16 && options.IndexType != gpu.IndexType32 {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown index type %d", options.IndexType)
	}

	if options.GrowthFactor == 0 {
		options.GrowthFactor = defaultGrowthFactor
	} else if options.GrowthFactor < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "growth factor %f is less than 1", options.GrowthFactor)
	}

	if options.MinBufferSize == 0 {
		options.MinBufferSize = defaultMinBufferSize
	}

	if options.MaxBufferSize > 0 && options.MinBufferSize > options.MaxBufferSize {
		options.MinBufferSize = options.MaxBufferSize
	}

	if options.Strategy == 0 {
		options.Strategy = region.StrategyMinMemory
	}

	err = memutils.CheckPow2(options.Strategy, "CreateOptions.Strategy")
	if err != nil {
		return nil, markError(err, ErrInvalidArgument)
	}

	heap := &Heap{
		id:      uuid.New(),
		logger:  logger,
		device:  device,
		options: options,
		lock: optionalRWMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		records: swiss.NewMap[uint32, *allocationRecord](0),
		tracker: newUsageTracker(),
		nextID:  1,
	}

	heap.arenas[gpu.BufferKindVertex], err = newBufferArena(heap, gpu.BufferKindVertex, options.InitialVertexBufferSize, uint(options.VertexStride))
	if err != nil {
		return nil, err
	}

	heap.arenas[gpu.BufferKindIndex], err = newBufferArena(heap, gpu.BufferKindIndex, options.InitialIndexBufferSize, uint(options.IndexType.Size()))
	if err != nil {
		destroyErr := heap.arenas[gpu.BufferKindVertex].destroy()
		if destroyErr != nil {
			logger.Error("error attempting to destroy vertex buffer after index buffer creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	logger.Debug("MeshHeap::New",
		slog.String("ID", heap.id.String()),
		slog.String("Flags", options.Flags.String()),
		slog.Int("VertexBufferSize", options.InitialVertexBufferSize),
		slog.Int("IndexBufferSize", options.InitialIndexBufferSize),
		slog.Bool("DebugValidation", memutils.DebugValidationEnabled),
	)

	return heap, nil
}
