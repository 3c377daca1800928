package destvolume

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVolume(t *testing.T) (*Volume, *os.File) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "destvolume-*.img")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	v, err := Create(f, 1000, 512, "Test")
	require.NoError(t, err)
	return v, f
}

func TestCreatePremarksStructureBlocks(t *testing.T) {
	v, _ := newTestVolume(t)
	// 1000 blocks of 512 bytes: boot blocks + header cover blocks 0-2, the
	// alternate header + trailer cover blocks 998-999.
	for _, b := range []uint32{0, 1, 2, 998, 999} {
		assert.True(t, v.blockUsed(b), "block %d holds volume structures and must be preset", b)
	}
	assert.False(t, v.blockUsed(3))
	assert.EqualValues(t, 995, v.FreeBlocks())
}

func TestAllocateBlocksExtendsForward(t *testing.T) {
	v, _ := newTestVolume(t)
	ext, err := v.AllocateBlocks(10)
	require.NoError(t, err)
	require.Len(t, ext, 1)
	assert.EqualValues(t, 3, ext[0].StartBlock, "allocation starts after the preset header blocks")
	assert.EqualValues(t, 10, ext[0].BlockCount)

	ext2, err := v.AllocateBlocks(5)
	require.NoError(t, err)
	require.Len(t, ext2, 1)
	assert.EqualValues(t, 13, ext2[0].StartBlock, "second allocation should extend forward contiguously")
}

func TestAllocateBlocksOutOfSpace(t *testing.T) {
	v, _ := newTestVolume(t)
	_, err := v.AllocateBlocks(996) // only 995 blocks remain after the preset structures
	assert.Error(t, err)
	var oos *ErrOutOfSpace
	assert.ErrorAs(t, err, &oos)
}

func TestAllocateBlocksFragmentedScan(t *testing.T) {
	v, _ := newTestVolume(t)
	// Use up blocks 3-99, free blocks 50-59 to create a gap, then move the
	// hint to the open space past the used region.
	v.markRun(3, 97)
	for i := uint32(50); i < 60; i++ {
		v.setBlockUsed(i, false)
	}
	for i := uint32(70); i < 76; i++ {
		v.setBlockUsed(i, false)
	}
	v.freeBlocks += 16
	v.allocateHint = 100

	ext, err := v.AllocateBlocks(10)
	require.NoError(t, err)
	require.Len(t, ext, 1)
	assert.EqualValues(t, 100, ext[0].StartBlock, "hint position is free, should extend forward before scanning")

	// Exhaust the contiguous tail so only the 50-59 gap plus scattered
	// space remains; the request must then split across runs.
	v.markRun(110, 888)
	ext, err = v.AllocateBlocks(12)
	require.NoError(t, err)
	assert.Greater(t, len(ext), 1, "a request larger than any one gap splits into multiple extents")
	var total uint32
	for _, e := range ext {
		total += e.BlockCount
	}
	assert.EqualValues(t, 12, total)
}

func TestDeallocateBlocksOfExtent(t *testing.T) {
	v, _ := newTestVolume(t)
	ext, err := v.AllocateBlocks(10)
	require.NoError(t, err)
	require.Len(t, ext, 1)
	free := v.FreeBlocks()

	v.DeallocateBlocksOfExtent(ext[0])
	assert.Equal(t, free+10, v.FreeBlocks(), "exactly blockCount bits return to the pool")
	for i := ext[0].StartBlock; i < ext[0].StartBlock+ext[0].BlockCount; i++ {
		assert.False(t, v.blockUsed(i))
	}

	// Deallocating twice is harmless: already-free bits stay free and the
	// free count does not inflate.
	v.DeallocateBlocksOfExtent(ext[0])
	assert.Equal(t, free+10, v.FreeBlocks())
}

func TestFileHandleGrowsAndWrites(t *testing.T) {
	v, f := newTestVolume(t)
	h := NewFileHandle(v, 16, 0)
	n, err := h.Write([]byte("hello, hfs+"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.EqualValues(t, 11, h.LogicalSize())

	first, overflow := h.Extents()
	require.Empty(t, overflow)
	assert.EqualValues(t, 3, first[0].StartBlock)

	readBack := make([]byte, 11)
	_, err = preadAt(f, readBack, int64(first[0].StartBlock)*int64(v.BlockSize))
	require.NoError(t, err)
	assert.Equal(t, "hello, hfs+", string(readBack))
}
