// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package destvolume builds a new HFS+ ("Macintosh Extended") volume: it
// owns the allocation bitmap, the catalog and extents overflow trees under
// construction, and the positioned writes that lay a complete volume out
// on disk.
package destvolume

import (
	"fmt"
	"os"
	"time"

	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// Volume is an HFS+ volume under construction. Nothing is durable until
// Flush writes the header, trees, and bitmap to f.
type Volume struct {
	f *os.File

	BlockSize   uint32
	TotalBlocks uint32

	bitmap       []byte // 1 bit per allocation block, MSB-first per byte
	freeBlocks   uint32
	allocateHint uint32 // next block to try first (extend-forward target)

	VolumeName  string
	CreateDate  time.Time
	ModifyDate  time.Time
	FileCount   uint32
	FolderCount uint32
	BootBlocks  [1024]byte
	FinderInfo  [32]byte

	// EncodingsBitmap records which classic text encodings the volume's
	// names were converted from, one bit per script code.
	EncodingsBitmap uint64

	CatalogBuilder *btree.Builder
	ExtentsBuilder *btree.Builder

	nextCNID uint32

	catalogFork    forkLocation
	extentsFork    forkLocation
	allocationFork forkLocation
	attributesFork forkLocation
}

// forkLocation is where one special file landed: its first 8 extents (for
// the volume header's fork-data record) and its logical length.
type forkLocation struct {
	extents     [8]byteorder.ExtentDescriptor
	logicalSize uint64
}

// Create opens f for writing and prepares an empty HFS+ volume of the
// given size. It does not write anything to f yet; Flush does that once
// the catalog and extents trees are fully populated.
func Create(f *os.File, totalBlocks uint32, blockSize uint32, volumeName string) (*Volume, error) {
	if totalBlocks == 0 || blockSize == 0 {
		return nil, fmt.Errorf("destvolume: invalid geometry: %d blocks of %d bytes", totalBlocks, blockSize)
	}
	v := &Volume{
		f:           f,
		BlockSize:   blockSize,
		TotalBlocks: totalBlocks,
		bitmap:      make([]byte, byteorder.CeilingDivide(uint64(totalBlocks), 8)),
		freeBlocks:  totalBlocks,
		VolumeName:  volumeName,
		CreateDate:  time.Now().UTC(),
		nextCNID:    hfsformat.CNIDFirstUser,
	}
	v.CatalogBuilder = btree.NewCatalogBuilder(true, hfsformat.NodeSizeHFSPlusCatalogMinimum)
	v.ExtentsBuilder = btree.NewExtentsOverflowBuilder(true, hfsformat.NodeSizeHFSPlusExtentsMinimum)

	// The boot blocks and volume header occupy the volume's first 1536
	// bytes, and the alternate header + trailer its last 1024; whatever
	// allocation blocks cover those byte ranges are never handed out.
	headBlocks := uint32(byteorder.CeilingDivide(uint64(3*hfsformat.ISOStandardBlockSize), uint64(blockSize)))
	if headBlocks > totalBlocks {
		return nil, fmt.Errorf("destvolume: %d blocks of %d bytes cannot hold the volume preamble", totalBlocks, blockSize)
	}
	v.markRun(0, headBlocks)
	totalBytes := uint64(totalBlocks) * uint64(blockSize)
	tailFirst := uint32((totalBytes - 2*hfsformat.ISOStandardBlockSize) / uint64(blockSize))
	for b := tailFirst; b < totalBlocks; b++ {
		if !v.blockUsed(b) {
			v.markRun(b, 1)
		}
	}
	v.allocateHint = headBlocks
	return v, nil
}

// NextCatalogNodeID returns the CNID the next NextCNID call would hand
// out, for the volume header's nextCatalogID field.
func (v *Volume) NextCatalogNodeID() uint32 { return v.nextCNID }

// NextCNID hands out the next available catalog node ID. The root folder
// and the special files hold the reserved IDs; every converted item takes
// a fresh one from here in catalog order.
func (v *Volume) NextCNID() uint32 {
	id := v.nextCNID
	v.nextCNID++
	return id
}

// FreeBlocks returns the number of allocation blocks not yet marked used.
func (v *Volume) FreeBlocks() uint32 { return v.freeBlocks }

func (v *Volume) blockUsed(i uint32) bool {
	return v.bitmap[i/8]&(0x80>>(i%8)) != 0
}

func (v *Volume) setBlockUsed(i uint32, used bool) {
	if used {
		v.bitmap[i/8] |= 0x80 >> (i % 8)
	} else {
		v.bitmap[i/8] &^= 0x80 >> (i % 8)
	}
}

// runFree reports whether blocks [start, start+count) are all free and in
// range.
func (v *Volume) runFree(start, count uint32) bool {
	if uint64(start)+uint64(count) > uint64(v.TotalBlocks) {
		return false
	}
	for i := start; i < start+count; i++ {
		if v.blockUsed(i) {
			return false
		}
	}
	return true
}

func (v *Volume) markRun(start, count uint32) {
	for i := start; i < start+count; i++ {
		v.setBlockUsed(i, true)
	}
	v.freeBlocks -= count
}

// BitmapBytes returns the raw allocation bitmap, ready to be written as
// the allocation file's content.
func (v *Volume) BitmapBytes() []byte { return v.bitmap }
