package sourcevolume

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
)

func extentsFor(start, count uint32) []byteorder.ExtentDescriptor {
	return []byteorder.ExtentDescriptor{{StartBlock: start, BlockCount: count}}
}

func TestParseExtentTriple(t *testing.T) {
	field := make([]byte, 12)
	field[1], field[3] = 10, 5 // start=10, count=5
	rec := parseExtentTriple(field)
	assert.EqualValues(t, 10, rec[0].StartBlock)
	assert.EqualValues(t, 5, rec[0].BlockCount)
	assert.True(t, rec[1].IsEmpty())
}

func TestToByteOffsetExtents(t *testing.T) {
	out := toByteOffsetExtents(extentsFor(2, 3), 1024, 0)
	if assert.Len(t, out, 1) {
		assert.EqualValues(t, 2*1024, out[0].StartBlock)
		assert.EqualValues(t, 3*1024, out[0].BlockCount)
	}
}

func TestMacTimeEpoch(t *testing.T) {
	field := []byte{0x7C, 0x25, 0xB0, 0x80} // 2082844800 s after 1904: 1970-01-01 00:00 UTC
	got := macTime(field)
	assert.True(t, got.After(time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)))
}
