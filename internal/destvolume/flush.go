package destvolume

import (
	"fmt"
	"time"

	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// macEpoch is the classic Mac OS / HFS+ timestamp epoch, 1904-01-01 UTC.
var macEpoch = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)

func toMacTime(t time.Time) uint32 {
	if t.Before(macEpoch) {
		return 0
	}
	return uint32(t.Sub(macEpoch) / time.Second)
}

// HFSPlusVolumeHeader field offsets, per TN1150. The header occupies one
// 512-byte sector at byte 1024, with a second copy 1024 bytes before the
// volume's end.
const (
	vhSignature      = 0x00
	vhVersion        = 0x02
	vhAttributes     = 0x04
	vhLastMounted    = 0x08
	vhJournalInfo    = 0x0c
	vhCreateDate     = 0x10
	vhModifyDate     = 0x14
	vhBackupDate     = 0x18
	vhCheckedDate    = 0x1c
	vhFileCount      = 0x20
	vhFolderCount    = 0x24
	vhBlockSize      = 0x28
	vhTotalBlocks    = 0x2c
	vhFreeBlocks     = 0x30
	vhNextAllocation = 0x34
	vhRsrcClumpSize  = 0x38
	vhDataClumpSize  = 0x3c
	vhNextCatalogID  = 0x40
	vhWriteCount     = 0x44
	vhEncodings      = 0x48
	vhFinderInfo     = 0x50
	vhAllocationFile = 0x70
	vhExtentsFile    = 0xc0
	vhCatalogFile    = 0x110
	vhAttributesFile = 0x160
	vhStartupFile    = 0x1b0
)

const conversionBanner = "This volume is mid-conversion and is not yet valid. " +
	"If you can read this banner, the conversion that was writing this file " +
	"did not finish.\r"

// WriteTemporaryPreamble makes the half-built file un-mountable: the
// sector a mounter would read the volume header from (byte 1024) gets a
// plaintext banner instead of an 'H+' signature, and the real header is
// parked one sector early where nothing will look for it. The final
// Flush overwrites both.
func (v *Volume) WriteTemporaryPreamble() error {
	var banner [hfsformat.ISOStandardBlockSize]byte
	copy(banner[:], conversionBanner)
	if _, err := pwriteAt(v.f, banner[:], 1024); err != nil {
		return fmt.Errorf("destvolume: writing conversion banner: %w", err)
	}
	hdr := v.serializeHeader()
	if _, err := pwriteAt(v.f, hdr[:], 512); err != nil {
		return fmt.Errorf("destvolume: parking temporary header: %w", err)
	}
	return nil
}

// Flush writes the whole volume to disk in mount-safe order: the catalog,
// extents overflow, and (empty) attributes trees; then the allocation
// bitmap, whose content must reflect those trees' own allocations; then
// the boot blocks, the volume header at sector 2, its alternate copy at
// totalBytes-1024, and the reserved trailer sector. The header writes
// come last because they are what makes the volume mountable.
func (v *Volume) Flush(catalogFileCNID, extentsFileCNID, allocationFileCNID uint32) error {
	catalogBuf, err := v.CatalogBuilder.Build()
	if err != nil {
		return fmt.Errorf("destvolume: building catalog tree: %w", err)
	}
	extentsBuf, err := v.ExtentsBuilder.Build()
	if err != nil {
		return fmt.Errorf("destvolume: building extents overflow tree: %w", err)
	}

	if v.catalogFork, err = v.writeSpecialFile(catalogFileCNID, catalogBuf); err != nil {
		return fmt.Errorf("destvolume: writing catalog file: %w", err)
	}
	if v.extentsFork, err = v.writeSpecialFile(extentsFileCNID, extentsBuf); err != nil {
		return fmt.Errorf("destvolume: writing extents overflow file: %w", err)
	}
	if err := v.writeEmptyAttributesTree(); err != nil {
		return err
	}

	// The allocation file's own blocks must be marked in the bitmap it
	// stores, so allocate first and serialize second.
	allocationHandle := NewFileHandle(v, allocationFileCNID, uint8(hfsformat.ForkTypeData))
	if err := allocationHandle.growIntoExtents(uint64(len(v.bitmap))); err != nil {
		return fmt.Errorf("destvolume: allocating the allocation file: %w", err)
	}
	if _, err := allocationHandle.Write(v.BitmapBytes()); err != nil {
		return fmt.Errorf("destvolume: writing allocation file: %w", err)
	}
	first, overflow := allocationHandle.Extents()
	if len(overflow) > 0 {
		return fmt.Errorf("destvolume: allocation file fragmented past %d extents", hfsformat.ExtentDensityHFSPlus)
	}
	v.allocationFork = forkLocation{extents: first, logicalSize: allocationHandle.LogicalSize()}

	if _, err := pwriteAt(v.f, v.BootBlocks[:], 0); err != nil {
		return fmt.Errorf("destvolume: writing boot blocks: %w", err)
	}
	hdr := v.serializeHeader()
	if _, err := pwriteAt(v.f, hdr[:], 1024); err != nil {
		return fmt.Errorf("destvolume: writing volume header: %w", err)
	}
	totalBytes := int64(v.TotalBlocks) * int64(v.BlockSize)
	if _, err := pwriteAt(v.f, hdr[:], totalBytes-1024); err != nil {
		return fmt.Errorf("destvolume: writing alternate volume header: %w", err)
	}
	var trailer [hfsformat.ISOStandardBlockSize]byte
	if _, err := pwriteAt(v.f, trailer[:], totalBytes-512); err != nil {
		return fmt.Errorf("destvolume: writing trailer sector: %w", err)
	}
	return v.f.Sync()
}

// writeSpecialFile streams a built B*-tree buffer into freshly allocated
// blocks and records where it landed. Special files keep their whole
// allocation in the header's 8 extent slots; exceeding them means the
// volume is too fragmented to describe, since a special file cannot rely
// on the extents overflow file to find the extents overflow file.
func (v *Volume) writeSpecialFile(cnid uint32, buf []byte) (forkLocation, error) {
	h := NewFileHandle(v, cnid, uint8(hfsformat.ForkTypeData))
	if _, err := h.Write(buf); err != nil {
		return forkLocation{}, err
	}
	first, overflow := h.Extents()
	if len(overflow) > 0 {
		return forkLocation{}, fmt.Errorf("special file %d fragmented past %d extents", cnid, hfsformat.ExtentDensityHFSPlus)
	}
	return forkLocation{extents: first, logicalSize: h.LogicalSize()}, nil
}

// writeEmptyAttributesTree gives the volume the header-node-only
// attributes file an HFS source has no records for: layout parity with a
// real attributes tree, zero content.
func (v *Volume) writeEmptyAttributesTree() error {
	b := btree.NewBuilder(hfsformat.BTreeVersionHFSPlusAttributes,
		hfsformat.NodeSizeHFSPlusAttributeMinimum, hfsformat.MaxKeyLengthHFSPlusAttributes)
	buf, err := b.Build()
	if err != nil {
		return fmt.Errorf("destvolume: building attributes tree: %w", err)
	}
	if v.attributesFork, err = v.writeSpecialFile(hfsformat.CNIDAttributesFile, buf); err != nil {
		return fmt.Errorf("destvolume: writing attributes file: %w", err)
	}
	return nil
}

func (v *Volume) serializeHeader() [hfsformat.ISOStandardBlockSize]byte {
	var hdr [hfsformat.ISOStandardBlockSize]byte
	copy(hdr[vhSignature:], "H+")
	byteorder.PutUint16(hdr[vhVersion:], 4)
	byteorder.PutUint32(hdr[vhAttributes:], hfsformat.VolumeAttrUnmounted)
	copy(hdr[vhLastMounted:], "8.10") // the classic Mac OS HFS+ implementation
	byteorder.PutUint32(hdr[vhJournalInfo:], 0)
	byteorder.PutUint32(hdr[vhCreateDate:], toMacTime(v.CreateDate))
	byteorder.PutUint32(hdr[vhModifyDate:], toMacTime(v.ModifyDate))
	byteorder.PutUint32(hdr[vhFileCount:], v.FileCount)
	byteorder.PutUint32(hdr[vhFolderCount:], v.FolderCount)
	byteorder.PutUint32(hdr[vhBlockSize:], v.BlockSize)
	byteorder.PutUint32(hdr[vhTotalBlocks:], v.TotalBlocks)
	byteorder.PutUint32(hdr[vhFreeBlocks:], v.freeBlocks)
	byteorder.PutUint32(hdr[vhNextAllocation:], v.allocateHint)
	byteorder.PutUint32(hdr[vhRsrcClumpSize:], v.BlockSize*4)
	byteorder.PutUint32(hdr[vhDataClumpSize:], v.BlockSize*4)
	byteorder.PutUint32(hdr[vhNextCatalogID:], v.nextCNID)
	byteorder.PutUint64(hdr[vhEncodings:], v.EncodingsBitmap)
	copy(hdr[vhFinderInfo:], v.FinderInfo[:])

	writeForkData(hdr[vhAllocationFile:], v.allocationFork)
	writeForkData(hdr[vhExtentsFile:], v.extentsFork)
	writeForkData(hdr[vhCatalogFile:], v.catalogFork)
	writeForkData(hdr[vhAttributesFile:], v.attributesFork)
	return hdr
}

// writeForkData packs an HFSPlusForkData record: logical size (8), clump
// size (4), total blocks (4), then 8 extent descriptors.
func writeForkData(dst []byte, fork forkLocation) {
	byteorder.PutUint64(dst, fork.logicalSize)
	var total uint32
	for i, e := range fork.extents {
		byteorder.PutUint32(dst[16+8*i:], e.StartBlock)
		byteorder.PutUint32(dst[16+8*i+4:], e.BlockCount)
		total += e.BlockCount
	}
	byteorder.PutUint32(dst[12:], total)
}
