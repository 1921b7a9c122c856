package meshheap

import (
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/vkngwrapper/meshheap/gpu"
)

// Fence identifies a frame sealed by Heap.SubmitFrame. Fences increase monotonically, and
// signalling a fence also signals every fence before it.
type Fence uint64

type fenceBatch struct {
	fence Fence
	ids   []uint32
}

// retiredBuffer is a shared buffer replaced by growth while the GPU could still read it. It is
// destroyed once every mesh that was in use at growth time has gone idle, or once the frame that
// was open at growth time has been signalled.
type retiredBuffer struct {
	buffer  gpu.Buffer
	fence   Fence
	waiting *swiss.Map[uint32, struct{}]
}

func fenceBatchLess(a, b fenceBatch) bool {
	return a.fence < b.fence
}

func idLess(a, b uint32) bool {
	return a < b
}

// usageTracker holds the deferred-reclamation state of a heap: meshes that were deallocated while
// the GPU could still read them, and the frames that referenced each mesh
type usageTracker struct {
	// pending holds the ids of deallocated records waiting for the GPU to go idle
	pending *btree.BTreeG[uint32]
	// batches holds the ids used in each submitted frame, ordered by fence
	batches *btree.BTreeG[fenceBatch]

	openIDs []uint32
	open    *swiss.Map[uint32, struct{}]
	// lastFence is the most recent submitted frame each id was used in
	lastFence *swiss.Map[uint32, Fence]

	// retired buffers survive clear, since Heap.Clear does not make the GPU idle
	retired []retiredBuffer

	submitted Fence
	signaled  Fence
}

func newUsageTracker() *usageTracker {
	return &usageTracker{
		pending:   btree.NewG[uint32](8, idLess),
		batches:   btree.NewG[fenceBatch](8, fenceBatchLess),
		open:      swiss.NewMap[uint32, struct{}](16),
		lastFence: swiss.NewMap[uint32, Fence](16),
	}
}

func (t *usageTracker) markUsed(id uint32) {
	if t.open.Has(id) {
		return
	}

	t.open.Put(id, struct{}{})
	t.openIDs = append(t.openIDs, id)
}

func (t *usageTracker) deferReclaim(id uint32) {
	t.pending.ReplaceOrInsert(id)
}

// submit seals every id used since the previous submit into a batch for a new fence
func (t *usageTracker) submit() Fence {
	t.submitted++
	fence := t.submitted

	if len(t.openIDs) > 0 {
		t.batches.ReplaceOrInsert(fenceBatch{fence: fence, ids: t.openIDs})
		for _, id := range t.openIDs {
			t.lastFence.Put(id, fence)
		}
	}

	t.openIDs = nil
	t.open.Clear()
	return fence
}

// signal retires every batch up to and including fence and returns the ids that are no longer
// referenced by any outstanding frame
func (t *usageTracker) signal(fence Fence) []uint32 {
	var idle []uint32

	for {
		batch, ok := t.batches.Min()
		if !ok || batch.fence > fence {
			break
		}
		t.batches.DeleteMin()

		for _, id := range batch.ids {
			last, ok := t.lastFence.Get(id)
			if !ok || last != batch.fence || t.open.Has(id) {
				continue
			}

			t.lastFence.Delete(id)
			idle = append(idle, id)
		}
	}

	if fence > t.signaled {
		t.signaled = fence
	}

	return idle
}

// forget drops all usage state for an id
func (t *usageTracker) forget(id uint32) {
	t.lastFence.Delete(id)

	if t.open.Delete(id) {
		for i, openID := range t.openIDs {
			if openID == id {
				t.openIDs = append(t.openIDs[:i], t.openIDs[i+1:]...)
				break
			}
		}
	}
}

// reclaimable returns the pending ids, in ascending order, for which idle returns true
func (t *usageTracker) reclaimable(idle func(id uint32) bool) []uint32 {
	var ids []uint32

	t.pending.Ascend(func(id uint32) bool {
		if idle(id) {
			ids = append(ids, id)
		}
		return true
	})

	for _, id := range ids {
		t.pending.Delete(id)
	}

	return ids
}

// retire holds buffer until every id in inUse has gone idle or the currently open frame has been
// signalled
func (t *usageTracker) retire(buffer gpu.Buffer, inUse []uint32) {
	waiting := swiss.NewMap[uint32, struct{}](uint32(len(inUse)))
	for _, id := range inUse {
		waiting.Put(id, struct{}{})
	}

	t.retired = append(t.retired, retiredBuffer{
		buffer:  buffer,
		fence:   t.submitted + 1,
		waiting: waiting,
	})
}

// idle removes id from the wait sets of every retired buffer
func (t *usageTracker) idle(id uint32) {
	for _, retired := range t.retired {
		retired.waiting.Delete(id)
	}
}

// idleBuffers removes and returns the retired buffers the GPU can no longer be reading
func (t *usageTracker) idleBuffers() []gpu.Buffer {
	var buffers []gpu.Buffer

	kept := t.retired[:0]
	for _, retired := range t.retired {
		if retired.waiting.Count() == 0 || t.signaled >= retired.fence {
			buffers = append(buffers, retired.buffer)
			continue
		}
		kept = append(kept, retired)
	}
	t.retired = kept

	return buffers
}

// flushRetired removes and returns every retired buffer regardless of GPU usage
func (t *usageTracker) flushRetired() []gpu.Buffer {
	buffers := make([]gpu.Buffer, 0, len(t.retired))
	for _, retired := range t.retired {
		buffers = append(buffers, retired.buffer)
	}
	t.retired = nil

	return buffers
}

func (t *usageTracker) clear() {
	t.pending.Clear(false)
	t.batches.Clear(false)
	t.openIDs = nil
	t.open.Clear()
	t.lastFence.Clear()
}
