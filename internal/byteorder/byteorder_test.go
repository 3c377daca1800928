package byteorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextMultipleOfSize(t *testing.T) {
	assert.Equal(t, 512, NextMultipleOfSize(1, 512))
	assert.Equal(t, 512, NextMultipleOfSize(512, 512))
	assert.Equal(t, 1024, NextMultipleOfSize(513, 512))
	assert.Equal(t, 0, NextMultipleOfSize(0, 512))
}

func TestCeilingDivide(t *testing.T) {
	assert.Equal(t, 1, CeilingDivide(1, 512))
	assert.Equal(t, 1, CeilingDivide(512, 512))
	assert.Equal(t, 2, CeilingDivide(513, 512))
	assert.Equal(t, 0, CeilingDivide(0, 512))
}

func TestNumberOfBlocksInExtentRecord(t *testing.T) {
	rec := []ExtentDescriptor{{StartBlock: 10, BlockCount: 5}, {StartBlock: 20, BlockCount: 3}, {}}
	assert.EqualValues(t, 8, NumberOfBlocksInExtentRecord(rec))

	// Stops at the first empty extent even if followed by non-empty garbage.
	rec2 := []ExtentDescriptor{{StartBlock: 10, BlockCount: 5}, {}, {StartBlock: 99, BlockCount: 99}}
	assert.EqualValues(t, 5, NumberOfBlocksInExtentRecord(rec2))
}
