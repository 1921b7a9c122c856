package meshheap

import (
	"fmt"

	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/memutils/region"
)

// arenaSlot is a record's range within one shared buffer
type arenaSlot struct {
	handle region.AllocationHandle
	size   int
}

func (s arenaSlot) empty() bool {
	return s.size == 0
}

// allocationRecord is the heap-owned state of a single transient mesh. It is the user data of the
// record's regions in both arenas.
type allocationRecord struct {
	id          uint32
	slots       [2]arenaSlot
	drawOp      DrawOperation
	numVertices int
	numIndices  int

	inUseByGPU  bool
	pendingFree bool

	mesh *TransientMesh
}

func (r *allocationRecord) String() string {
	return fmt.Sprintf("Mesh %d", r.id)
}

func (r *allocationRecord) slot(kind gpu.BufferKind) arenaSlot {
	return r.slots[kind]
}
