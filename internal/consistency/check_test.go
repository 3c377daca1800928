package consistency

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
)

func TestVisitExtentDetectsOverlap(t *testing.T) {
	c := NewChecker(1000)
	c.VisitExtent(16, byteorder.ExtentDescriptor{StartBlock: 0, BlockCount: 10})
	c.VisitExtent(17, byteorder.ExtentDescriptor{StartBlock: 5, BlockCount: 10})
	findings := c.Findings()
	assert.NotEmpty(t, findings)
}

func TestVisitExtentDetectsOutOfRange(t *testing.T) {
	c := NewChecker(100)
	c.VisitExtent(16, byteorder.ExtentDescriptor{StartBlock: 90, BlockCount: 20})
	assert.Len(t, c.Findings(), 1)
}

func TestCheckBitmapFindsUnclaimedUsedBlocks(t *testing.T) {
	c := NewChecker(16)
	c.VisitExtent(16, byteorder.ExtentDescriptor{StartBlock: 0, BlockCount: 2})

	bitmap := make([]byte, 2)
	bitmap[0] = 0xF0 // blocks 0-3 marked used; only 0-1 were claimed
	unclaimed := c.CheckBitmap(bitmap)
	assert.ElementsMatch(t, []uint32{2, 3}, unclaimed)
}

func TestFingerprintDeterministic(t *testing.T) {
	a := NewChecker(100)
	a.VisitExtent(16, byteorder.ExtentDescriptor{StartBlock: 0, BlockCount: 2})
	b := NewChecker(100)
	b.VisitExtent(16, byteorder.ExtentDescriptor{StartBlock: 0, BlockCount: 2})
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}
