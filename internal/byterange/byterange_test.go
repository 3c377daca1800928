package byterange

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
)

func TestReadAtAcrossExtents(t *testing.T) {
	const blockSize = 4
	backing := make([]byte, 40)
	for i := range backing {
		backing[i] = byte(i)
	}
	extents := []byteorder.ExtentDescriptor{
		{StartBlock: 2, BlockCount: 1}, // bytes 8..11
		{StartBlock: 5, BlockCount: 2}, // bytes 20..27
	}
	r := NewExtentReaderAt(bytes.NewReader(backing), blockSize, extents, 12)

	got := make([]byte, 12)
	n, err := r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, backing[8:12], got[:4])
	assert.Equal(t, backing[20:28], got[4:12])
}

func TestReadAtRespectsLogicalEOF(t *testing.T) {
	const blockSize = 4
	backing := make([]byte, 16)
	extents := []byteorder.ExtentDescriptor{{StartBlock: 0, BlockCount: 4}}
	r := NewExtentReaderAt(bytes.NewReader(backing), blockSize, extents, 10)

	got := make([]byte, 16)
	n, err := r.ReadAt(got, 0)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSeekAndRead(t *testing.T) {
	const blockSize = 4
	backing := []byte("0123456789abcdef")
	extents := []byteorder.ExtentDescriptor{{StartBlock: 0, BlockCount: 4}}
	r := NewExtentReaderAt(bytes.NewReader(backing), blockSize, extents, 16)

	off, err := r.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 4, off)

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "4567", string(buf))
}
