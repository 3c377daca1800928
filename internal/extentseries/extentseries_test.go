package extentseries

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
)

func TestCoalescing(t *testing.T) {
	var s Series
	s.AppendExtent(byteorder.ExtentDescriptor{StartBlock: 10, BlockCount: 5})
	assert.Equal(t, 1, s.NumberOfExtents())

	s.AppendExtent(byteorder.ExtentDescriptor{StartBlock: 15, BlockCount: 3})
	assert.Equal(t, 1, s.NumberOfExtents(), "adjacent extent must coalesce, not append")
	rec := s.FirstExtentRecord()
	assert.EqualValues(t, 10, rec[0].StartBlock)
	assert.EqualValues(t, 8, rec[0].BlockCount)

	s.AppendExtent(byteorder.ExtentDescriptor{StartBlock: 100, BlockCount: 1})
	assert.Equal(t, 2, s.NumberOfExtents(), "non-adjacent extent must append")
}

func TestOverflow(t *testing.T) {
	var s Series
	for i := 0; i < 10; i++ {
		s.AppendExtent(byteorder.ExtentDescriptor{StartBlock: uint32(i * 100), BlockCount: 1})
	}
	assert.Equal(t, 10, s.NumberOfExtents())
	overflow := s.OverflowExtentRecords()
	if assert.Len(t, overflow, 1) {
		assert.EqualValues(t, 800, overflow[0][0].StartBlock)
		assert.EqualValues(t, 900, overflow[0][1].StartBlock)
		assert.True(t, overflow[0][2].IsEmpty())
	}
}

func TestEmptyExtentIgnored(t *testing.T) {
	var s Series
	s.AppendExtent(byteorder.ExtentDescriptor{})
	assert.Equal(t, 0, s.NumberOfExtents())
}
