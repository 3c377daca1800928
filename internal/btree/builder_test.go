package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// extentRecord builds a minimal HFS+ extents-overflow leaf record: key
// (forkType, pad, fileID, startBlock) + an 8-descriptor extent record
// payload.
func extentRecord(fileID uint32, forkType uint8, startBlock uint32) []byte {
	key := make([]byte, 2+10)
	byteorder.PutUint16(key, 10)
	key[2] = forkType
	byteorder.PutUint32(key[4:], fileID)
	byteorder.PutUint32(key[8:], startBlock)

	payload := make([]byte, 8*8)
	byteorder.PutUint32(payload, startBlock)
	byteorder.PutUint32(payload[4:], 1)

	return append(key, payload...)
}

func TestBuilderRoundTripSingleLeaf(t *testing.T) {
	b := NewExtentsOverflowBuilder(true, 1024)
	for fileID := uint32(16); fileID < 24; fileID++ {
		require.NoError(t, b.AddRecord(extentRecord(fileID, 0, fileID*10)))
	}
	buf, err := b.Build()
	require.NoError(t, err)

	tree, err := NewTree(hfsformat.BTreeVersionHFSPlusExtentsOverflow, buf)
	require.NoError(t, err)
	assert.EqualValues(t, 8, tree.Header().LeafRecords)
	assert.EqualValues(t, 1, tree.Header().TreeDepth)

	node, idx, found, err := tree.Search(CompareExtentKey(true, 20, 0, 200))
	require.NoError(t, err)
	require.True(t, found)
	key := node.RecordKeyDataAtIndex(uint16(idx))
	assert.EqualValues(t, 20, byteorder.Uint32(key[4:]))

	_, _, found, err = tree.Search(CompareExtentKey(true, 999, 0, 0))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBuilderRoundTripMultiLevel(t *testing.T) {
	b := NewExtentsOverflowBuilder(true, 512)
	const n = 400
	for i := uint32(0); i < n; i++ {
		require.NoError(t, b.AddRecord(extentRecord(16+i, 0, i*2)))
	}
	buf, err := b.Build()
	require.NoError(t, err)

	tree, err := NewTree(hfsformat.BTreeVersionHFSPlusExtentsOverflow, buf)
	require.NoError(t, err)
	assert.Greater(t, int(tree.Header().TreeDepth), 1, "400 records at 512-byte nodes must need an index level")

	var leafCount int
	require.NoError(t, tree.WalkLeafNodes(func(n *Node) error {
		leafCount += int(n.NumRecords())
		return nil
	}))
	assert.EqualValues(t, n, leafCount)

	for _, i := range []uint32{0, 57, 399} {
		_, _, found, err := tree.Search(CompareExtentKey(true, 16+i, 0, i*2))
		require.NoError(t, err)
		assert.True(t, found, "record %d should be found", i)
	}
	_, _, found, err := tree.Search(CompareExtentKey(true, 16+399, 0, 1))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBuildWithNoRecordsIsHeaderOnly(t *testing.T) {
	b := NewExtentsOverflowBuilder(true, 512)
	buf, err := b.Build()
	require.NoError(t, err)
	require.Len(t, buf, 512, "an empty tree is a single header node")

	tree, err := NewTree(hfsformat.BTreeVersionHFSPlusExtentsOverflow, buf)
	require.NoError(t, err)
	assert.Zero(t, tree.Header().RootNode)
	assert.Zero(t, tree.Header().FirstLeafNode)

	allocated, err := tree.IsNodeAllocatedAtIndex(0)
	require.NoError(t, err)
	assert.True(t, allocated, "the header node itself is always mapped in use")

	_, _, found, err := tree.Search(CompareExtentKey(true, 16, 0, 0))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBuildMarksEveryNodeAllocated(t *testing.T) {
	b := NewExtentsOverflowBuilder(true, 512)
	for i := uint32(0); i < 400; i++ {
		require.NoError(t, b.AddRecord(extentRecord(16+i, 0, i*2)))
	}
	buf, err := b.Build()
	require.NoError(t, err)
	tree, err := NewTree(hfsformat.BTreeVersionHFSPlusExtentsOverflow, buf)
	require.NoError(t, err)

	total := tree.Header().TotalNodes
	assert.EqualValues(t, len(buf)/512, total)
	for i := uint32(0); i < total; i++ {
		allocated, err := tree.IsNodeAllocatedAtIndex(i)
		require.NoError(t, err)
		assert.True(t, allocated, "node %d should be mapped in use", i)
	}
}

func TestAppendRecordInPlace(t *testing.T) {
	b := NewExtentsOverflowBuilder(true, 512)
	for fileID := uint32(16); fileID < 20; fileID++ {
		require.NoError(t, b.AddRecord(extentRecord(fileID, 0, fileID*10)))
	}
	buf, err := b.Build()
	require.NoError(t, err)

	// A read-only tree refuses in-place edits.
	ro, err := NewTree(hfsformat.BTreeVersionHFSPlusExtentsOverflow, buf)
	require.NoError(t, err)
	leaf, err := ro.NodeAtIndex(ro.Header().FirstLeafNode)
	require.NoError(t, err)
	assert.Error(t, leaf.AppendRecord(extentRecord(99, 0, 990)))

	// A mutable tree accepts them, and the appended record is searchable.
	mu, err := NewMutableTree(hfsformat.BTreeVersionHFSPlusExtentsOverflow, buf)
	require.NoError(t, err)
	leaf, err = mu.NodeAtIndex(mu.Header().FirstLeafNode)
	require.NoError(t, err)
	before := leaf.NumberOfBytesAvailable()
	rec := extentRecord(99, 0, 990)
	require.NoError(t, leaf.AppendRecord(rec))
	assert.Equal(t, before-uint32(len(rec))-2, leaf.NumberOfBytesAvailable())

	_, _, found, err := mu.Search(CompareExtentKey(true, 99, 0, 990))
	require.NoError(t, err)
	assert.True(t, found)

	// Appends fail, without mutating, once the free space runs out.
	for {
		if err := leaf.AppendRecord(rec); err != nil {
			break
		}
	}
	saved := leaf.NumRecords()
	assert.Error(t, leaf.AppendRecord(rec))
	assert.Equal(t, saved, leaf.NumRecords())
}

func TestAddRecordRequiresAscendingOrder(t *testing.T) {
	b := NewExtentsOverflowBuilder(true, 512)
	require.NoError(t, b.AddRecord(extentRecord(20, 0, 0)))
	err := b.AddRecord(extentRecord(19, 0, 0))
	assert.Error(t, err)
}
