package memutils

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 4))
	require.Equal(t, 4, AlignUp(1, 4))
	require.Equal(t, 8, AlignUp(8, 4))
	require.Equal(t, 7, AlignUp(7, 1))
	require.Equal(t, 7, AlignUp(7, 0))

	// Vertex strides are commonly 12, 20, 28...
	require.Equal(t, 0, AlignUp(0, 12))
	require.Equal(t, 12, AlignUp(1, 12))
	require.Equal(t, 24, AlignUp(13, 12))
	require.Equal(t, 24, AlignUp(24, 12))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(1, "one"))
	require.NoError(t, CheckPow2(uint(64), "sixty-four"))

	err := CheckPow2(12, "stride")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotPowerOfTwo))
	require.Contains(t, err.Error(), "stride is 12")

	require.True(t, errors.Is(CheckPow2(0, "zero"), ErrNotPowerOfTwo))
}

func TestCheckAlignment(t *testing.T) {
	require.NoError(t, CheckAlignment(12, "stride"))
	require.True(t, errors.Is(CheckAlignment(0, "stride"), ErrInvalidAlignment))
}

func TestDetailedStatisticsFragmentation(t *testing.T) {
	var stats DetailedStatistics
	stats.Clear()
	stats.BufferCount = 1
	stats.BufferBytes = 1000

	stats.AddAllocation(400)
	stats.AddFreeRegion(600)
	require.Equal(t, 0.0, stats.Fragmentation())

	stats.Clear()
	stats.BufferBytes = 1000
	stats.AddAllocation(400)
	stats.AddFreeRegion(300)
	stats.AddFreeRegion(300)
	require.InDelta(t, 0.5, stats.Fragmentation(), 0.0001)
	require.Equal(t, 600, stats.FreeBytes())
	require.Equal(t, 300, stats.FreeRegionSizeMin)
}
