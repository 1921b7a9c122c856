package compact

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/meshheap/memutils"
	"github.com/vkngwrapper/meshheap/memutils/region"
)

// Buffer is the memory a Context compacts: a single region metadata plus the bytes it describes
type Buffer interface {
	Metadata() *region.TLSFMetadata
	// MoveDataForUserData reports how the allocation owned by userData may be moved. If the
	// returned bool is false, the allocation is immovable and is skipped.
	MoveDataForUserData(userData any) (MoveData, bool)
	// CopyRange copies size bytes from srcOffset to dstOffset. The two ranges may overlap.
	CopyRange(srcOffset, dstOffset, size int) error
	// CommitMove informs the owner of an allocation that it now lives at newHandle. It is also
	// called when a failed move restores the allocation at its old offset under a new handle.
	CommitMove(userData any, newHandle region.AllocationHandle)
}

// MoveData describes the placement rules of a movable allocation
type MoveData struct {
	Alignment uint
}

// Move is a single relocation performed during a pass
type Move struct {
	Size      int
	SrcOffset int
	DstOffset int
	UserData  any
}

// Context is the core of the compaction logic. Allocations are walked in ascending offset order
// and each movable allocation is relocated to the lowest offset that will hold it, either in a
// free region entirely below it or by sliding it down over the free region directly before it.
type Context struct {
	// Buffer is the memory object this context exists to compact
	Buffer Buffer
	// MaxPassBytes and MaxPassAllocations bound a single pass. 0 means unlimited.
	MaxPassBytes       int
	MaxPassAllocations int

	moves []Move
}

// Moves returns the relocations performed by the most recent pass
func (c *Context) Moves() []Move {
	return c.moves
}

// Run performs passes until a pass relocates nothing. Stats for every completed relocation are
// returned even when a later relocation fails.
func (c *Context) Run() (Stats, error) {
	var total Stats

	for {
		pass := PassContext{
			MaxPassBytes:       c.MaxPassBytes,
			MaxPassAllocations: c.MaxPassAllocations,
		}

		err := c.RunPass(&pass)
		total.Add(pass.Stats)
		total.Passes++

		if err != nil {
			return total, err
		}

		if pass.Stats.AllocationsMoved == 0 {
			return total, nil
		}
	}
}

// RunPass relocates allocations until the pass limits are reached or every allocation has been
// visited. The relocations performed are available from Moves afterward.
func (c *Context) RunPass(pass *PassContext) error {
	if c.Buffer == nil {
		panic("attempted to compact without a buffer")
	}

	c.moves = c.moves[:0]
	md := c.Buffer.Metadata()

	for _, alloc := range md.Allocations() {
		if alloc.Offset == 0 {
			continue
		}

		moveData, movable := c.Buffer.MoveDataForUserData(alloc.UserData)
		if !movable {
			continue
		}

		counter := pass.checkCounters(alloc.Size)
		switch counter {
		case counterIgnore:
			continue
		case counterEnd:
			return nil
		case counterPass:
			break
		default:
			panic(fmt.Sprintf("unexpected compaction counter status: %s", counter.String()))
		}

		moved, err := c.moveLower(md, alloc, moveData)
		if err != nil {
			return err
		}

		if moved && pass.incrementCounters(alloc.Size) {
			return nil
		}
	}

	return nil
}

func (c *Context) moveLower(md *region.TLSFMetadata, alloc region.Region, moveData MoveData) (bool, error) {
	success, req, err := md.CreateAllocationRequest(alloc.Size, moveData.Alignment, region.StrategyMinOffset, alloc.Offset)
	if err != nil {
		return false, err
	}

	if success {
		return true, c.moveDisjoint(md, alloc, req)
	}

	prevFree, err := md.PrevFreeRegionSize(alloc.Handle)
	if err != nil {
		return false, err
	}

	if prevFree == 0 {
		return false, nil
	}

	target := memutils.AlignUp(alloc.Offset-prevFree, moveData.Alignment)
	if target >= alloc.Offset {
		return false, nil
	}

	return true, c.slide(md, alloc, target)
}

func (c *Context) moveDisjoint(md *region.TLSFMetadata, alloc region.Region, req region.AllocationRequest) error {
	err := c.Buffer.CopyRange(alloc.Offset, req.Offset, alloc.Size)
	if err != nil {
		return errors.Wrapf(err, "failed to copy %d bytes from offset %d to %d", alloc.Size, alloc.Offset, req.Offset)
	}

	newHandle, err := md.Alloc(req, alloc.UserData)
	if err != nil {
		return err
	}

	err = md.Free(alloc.Handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing a relocated allocation: %+v", err))
	}

	c.Buffer.CommitMove(alloc.UserData, newHandle)
	c.moves = append(c.moves, Move{Size: alloc.Size, SrcOffset: alloc.Offset, DstOffset: req.Offset, UserData: alloc.UserData})
	return nil
}

func (c *Context) slide(md *region.TLSFMetadata, alloc region.Region, target int) error {
	err := md.Free(alloc.Handle)
	if err != nil {
		return err
	}

	newHandle, err := c.allocAt(md, target, alloc.Size, alloc.UserData)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when sliding allocation from %d to %d: %+v", alloc.Offset, target, err))
	}

	err = c.Buffer.CopyRange(alloc.Offset, target, alloc.Size)
	if err != nil {
		// Put the allocation back where it was
		freeErr := md.Free(newHandle)
		if freeErr != nil {
			panic(fmt.Sprintf("unexpected error when rolling back a failed slide: %+v", freeErr))
		}

		restoredHandle, allocErr := c.allocAt(md, alloc.Offset, alloc.Size, alloc.UserData)
		if allocErr != nil {
			panic(fmt.Sprintf("unexpected error when rolling back a failed slide: %+v", allocErr))
		}

		c.Buffer.CommitMove(alloc.UserData, restoredHandle)
		return errors.Wrapf(err, "failed to copy %d bytes from offset %d to %d", alloc.Size, alloc.Offset, target)
	}

	c.Buffer.CommitMove(alloc.UserData, newHandle)
	c.moves = append(c.moves, Move{Size: alloc.Size, SrcOffset: alloc.Offset, DstOffset: target, UserData: alloc.UserData})
	return nil
}

func (c *Context) allocAt(md *region.TLSFMetadata, offset, size int, userData any) (region.AllocationHandle, error) {
	success, req, err := md.CreateAllocationRequestAt(offset, size)
	if err != nil {
		return region.NoAllocation, err
	}
	if !success {
		return region.NoAllocation, errors.Newf("range [%d, %d) is not free", offset, offset+size)
	}

	return md.Alloc(req, userData)
}
