// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package consistency cross-checks a volume's catalog/extents-overflow
// bookkeeping against its allocation bitmap: every block a file's extents
// claim should be marked used, and no two files should claim the same
// block. The bitmap's free-block count is not compared against any
// header's free-block count.
package consistency

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
)

// Finding describes one consistency problem noticed while checking a
// volume. Findings are collected, not fatal: a check reports everything
// it can see rather than stopping at the first defect.
type Finding struct {
	CNID    uint32
	Message string
}

func (f Finding) String() string { return fmt.Sprintf("cnid %d: %s", f.CNID, f.Message) }

// Checker accumulates extent claims across every catalog item visited. It
// keeps one map entry per claimed block for overlap detection, and folds
// each visited run into an xxhash fingerprint (see Fingerprint).
type Checker struct {
	totalBlocks uint32
	claimedBy   map[uint32]bool // which blocks (by number) are already claimed, for overlap detection
	findings    []Finding
	digest      *xxhash.Digest
}

// NewChecker returns a Checker for a volume of totalBlocks allocation
// blocks.
func NewChecker(totalBlocks uint32) *Checker {
	return &Checker{
		totalBlocks: totalBlocks,
		claimedBy:   make(map[uint32]bool),
		digest:      xxhash.New(),
	}
}

// VisitExtent records that cnid's fork claims the allocation blocks
// [startBlock, startBlock+blockCount), reporting a Finding if the claim
// runs off the end of the volume or overlaps a previously visited claim.
// Every visited extent is folded into a running fingerprint (Fingerprint)
// so two checks of the same volume can be compared cheaply without
// keeping every individual claim around.
func (c *Checker) VisitExtent(cnid uint32, ext byteorder.ExtentDescriptor) {
	if ext.IsEmpty() {
		return
	}
	if uint64(ext.StartBlock)+uint64(ext.BlockCount) > uint64(c.totalBlocks) {
		c.findings = append(c.findings, Finding{CNID: cnid, Message: fmt.Sprintf(
			"extent [%d,+%d) runs past the volume's %d blocks", ext.StartBlock, ext.BlockCount, c.totalBlocks)})
		return
	}

	var b [16]byte
	byteorder.PutUint32(b[0:], cnid)
	byteorder.PutUint32(b[4:], ext.StartBlock)
	byteorder.PutUint32(b[8:], ext.BlockCount)
	c.digest.Write(b[:12])

	for bl := ext.StartBlock; bl < ext.StartBlock+ext.BlockCount; bl++ {
		if c.claimedBy[bl] {
			c.findings = append(c.findings, Finding{CNID: cnid, Message: fmt.Sprintf(
				"block %d claimed by more than one file", bl)})
			continue
		}
		c.claimedBy[bl] = true
	}
}

// Fingerprint returns a hash of every extent visited so far, in visit
// order. Two checks that visit the same extents in the same order
// produce the same fingerprint; the analyze command prints it so two
// runs over a volume can be compared.
func (c *Checker) Fingerprint() uint64 { return c.digest.Sum64() }

// CheckBitmap compares the set of blocks this Checker saw claimed against
// a volume's actual allocation bitmap (1 bit per block, MSB-first per
// byte, as destvolume.Volume.BitmapBytes and a parsed source volume's
// bitmap both represent it). A block claimed by a file but free in the
// bitmap is reported as a Finding; blocks marked used in the bitmap but
// never visited are returned instead (candidates for rescue as orphaned
// data).
func (c *Checker) CheckBitmap(bitmap []byte) (unclaimedUsedBlocks []uint32) {
	for b := uint32(0); b < c.totalBlocks; b++ {
		bitUsed := bitmap[b/8]&(0x80>>(b%8)) != 0
		visited := c.claimedBy[b]
		switch {
		case bitUsed && !visited:
			unclaimedUsedBlocks = append(unclaimedUsedBlocks, b)
		case !bitUsed && visited:
			c.findings = append(c.findings, Finding{Message: fmt.Sprintf(
				"block %d is claimed by a file but not marked used in the bitmap", b)})
		}
	}
	return unclaimedUsedBlocks
}

// Findings returns every problem recorded so far.
func (c *Checker) Findings() []Finding { return c.findings }
