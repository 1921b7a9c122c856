package compact_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/meshheap/memutils/compact"
	"github.com/vkngwrapper/meshheap/memutils/region"
)

type fakeOwner struct {
	name      string
	handle    region.AllocationHandle
	immovable bool
}

type fakeBuffer struct {
	md      *region.TLSFMetadata
	data    []byte
	copyErr error
}

func newFakeBuffer(size int) *fakeBuffer {
	return &fakeBuffer{
		md:   region.NewTLSFMetadata(size),
		data: make([]byte, size),
	}
}

func (b *fakeBuffer) Metadata() *region.TLSFMetadata { return b.md }

func (b *fakeBuffer) MoveDataForUserData(userData any) (compact.MoveData, bool) {
	owner := userData.(*fakeOwner)
	return compact.MoveData{Alignment: 1}, !owner.immovable
}

func (b *fakeBuffer) CopyRange(srcOffset, dstOffset, size int) error {
	if b.copyErr != nil {
		return b.copyErr
	}
	copy(b.data[dstOffset:dstOffset+size], b.data[srcOffset:srcOffset+size])
	return nil
}

func (b *fakeBuffer) CommitMove(userData any, newHandle region.AllocationHandle) {
	userData.(*fakeOwner).handle = newHandle
}

func (b *fakeBuffer) alloc(t *testing.T, name string, size int) *fakeOwner {
	owner := &fakeOwner{name: name}

	success, req, err := b.md.CreateAllocationRequest(size, 1, region.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	owner.handle, err = b.md.Alloc(req, owner)
	require.NoError(t, err)

	copy(b.data[req.Offset:req.Offset+size], bytes.Repeat([]byte(name[:1]), size))
	return owner
}

func (b *fakeBuffer) contents(t *testing.T, owner *fakeOwner) (int, []byte) {
	offset, err := b.md.AllocationOffset(owner.handle)
	require.NoError(t, err)
	size, err := b.md.AllocationSize(owner.handle)
	require.NoError(t, err)
	return offset, b.data[offset : offset+size]
}

func TestCompactDisjointMoves(t *testing.T) {
	buffer := newFakeBuffer(1000)

	a := buffer.alloc(t, "a", 100)
	b := buffer.alloc(t, "b", 100)
	c := buffer.alloc(t, "c", 100)
	d := buffer.alloc(t, "d", 100)

	require.NoError(t, buffer.md.Free(a.handle))
	require.NoError(t, buffer.md.Free(c.handle))

	context := compact.Context{Buffer: buffer}
	stats, err := context.Run()
	require.NoError(t, err)
	require.Equal(t, 2, stats.AllocationsMoved)
	require.Equal(t, 200, stats.BytesMoved)
	require.Equal(t, 2, stats.Passes)
	require.NoError(t, buffer.md.Validate())

	offset, data := buffer.contents(t, b)
	require.Equal(t, 0, offset)
	require.Equal(t, bytes.Repeat([]byte("b"), 100), data)

	offset, data = buffer.contents(t, d)
	require.Equal(t, 100, offset)
	require.Equal(t, bytes.Repeat([]byte("d"), 100), data)

	require.Equal(t, 1, buffer.md.FreeRegionsCount())
	require.Equal(t, 800, buffer.md.TrailingFreeSize())
}

func TestCompactSlideIntoOverlappingRange(t *testing.T) {
	buffer := newFakeBuffer(1000)

	a := buffer.alloc(t, "a", 30)
	b := buffer.alloc(t, "b", 100)
	require.NoError(t, buffer.md.Free(a.handle))

	context := compact.Context{Buffer: buffer}
	stats, err := context.Run()
	require.NoError(t, err)
	require.Equal(t, 1, stats.AllocationsMoved)
	require.NoError(t, buffer.md.Validate())

	offset, data := buffer.contents(t, b)
	require.Equal(t, 0, offset)
	require.Equal(t, bytes.Repeat([]byte("b"), 100), data)
}

func TestCompactSkipsImmovable(t *testing.T) {
	buffer := newFakeBuffer(1000)

	a := buffer.alloc(t, "a", 50)
	b := buffer.alloc(t, "b", 100)
	c := buffer.alloc(t, "c", 100)
	b.immovable = true
	require.NoError(t, buffer.md.Free(a.handle))

	context := compact.Context{Buffer: buffer}
	stats, err := context.Run()
	require.NoError(t, err)
	require.Equal(t, 0, stats.AllocationsMoved)

	offset, _ := buffer.contents(t, b)
	require.Equal(t, 50, offset)

	// The hole before b is too small for c
	offset, _ = buffer.contents(t, c)
	require.Equal(t, 150, offset)
}

func TestCompactMovesPastImmovable(t *testing.T) {
	buffer := newFakeBuffer(1000)

	a := buffer.alloc(t, "a", 100)
	b := buffer.alloc(t, "b", 50)
	c := buffer.alloc(t, "c", 100)
	b.immovable = true
	require.NoError(t, buffer.md.Free(a.handle))

	context := compact.Context{Buffer: buffer}
	_, err := context.Run()
	require.NoError(t, err)

	offset, data := buffer.contents(t, c)
	require.Equal(t, 0, offset)
	require.Equal(t, bytes.Repeat([]byte("c"), 100), data)

	offset, _ = buffer.contents(t, b)
	require.Equal(t, 100, offset)
}

func TestCompactPassLimits(t *testing.T) {
	buffer := newFakeBuffer(1000)

	a := buffer.alloc(t, "a", 100)
	buffer.alloc(t, "b", 100)
	c := buffer.alloc(t, "c", 100)
	buffer.alloc(t, "d", 100)
	require.NoError(t, buffer.md.Free(a.handle))
	require.NoError(t, buffer.md.Free(c.handle))

	context := compact.Context{Buffer: buffer}
	pass := compact.PassContext{MaxPassAllocations: 1}
	require.NoError(t, context.RunPass(&pass))
	require.Equal(t, 1, pass.Stats.AllocationsMoved)
	require.Len(t, context.Moves(), 1)
	require.Equal(t, compact.Move{Size: 100, SrcOffset: 100, DstOffset: 0, UserData: context.Moves()[0].UserData}, context.Moves()[0])

	// A byte budget smaller than any allocation moves nothing
	pass = compact.PassContext{MaxPassBytes: 50}
	require.NoError(t, context.RunPass(&pass))
	require.Equal(t, 0, pass.Stats.AllocationsMoved)
	require.Empty(t, context.Moves())
}

func TestCompactCopyFailureKeepsState(t *testing.T) {
	copyFailed := errors.New("copy failed")

	t.Run("Disjoint", func(t *testing.T) {
		buffer := newFakeBuffer(1000)
		a := buffer.alloc(t, "a", 100)
		b := buffer.alloc(t, "b", 100)
		require.NoError(t, buffer.md.Free(a.handle))

		buffer.copyErr = copyFailed
		context := compact.Context{Buffer: buffer}
		stats, err := context.Run()
		require.True(t, errors.Is(err, copyFailed))
		require.Equal(t, 0, stats.AllocationsMoved)
		require.NoError(t, buffer.md.Validate())

		offset, data := buffer.contents(t, b)
		require.Equal(t, 100, offset)
		require.Equal(t, bytes.Repeat([]byte("b"), 100), data)
		require.Equal(t, 1, buffer.md.AllocationCount())
	})

	t.Run("Slide", func(t *testing.T) {
		buffer := newFakeBuffer(1000)
		a := buffer.alloc(t, "a", 30)
		b := buffer.alloc(t, "b", 100)
		require.NoError(t, buffer.md.Free(a.handle))

		buffer.copyErr = copyFailed
		context := compact.Context{Buffer: buffer}
		_, err := context.Run()
		require.True(t, errors.Is(err, copyFailed))
		require.NoError(t, buffer.md.Validate())

		offset, data := buffer.contents(t, b)
		require.Equal(t, 30, offset)
		require.Equal(t, bytes.Repeat([]byte("b"), 100), data)

		userData, err := buffer.md.AllocationUserData(b.handle)
		require.NoError(t, err)
		require.Same(t, b, userData)
	})
}
