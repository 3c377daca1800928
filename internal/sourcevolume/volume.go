// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package sourcevolume loads an existing HFS ("Macintosh Standard")
// volume: its Master Directory Block, catalog and extents overflow
// B*-trees, and allocation bitmap, and gives callers a way to walk the
// catalog and read a file's forks. The Volume stays usable after Load:
// callers walk its catalog, open forks and read blocks from it on demand.
package sourcevolume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"

	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/byterange"
	"github.com/boredzo/impluse-hfs/internal/extentseries"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
	"github.com/boredzo/impluse-hfs/internal/textencoding"
)

// ErrNotHFS is returned when the source does not carry the HFS "BD"
// signature at the expected Master Directory Block offset.
var ErrNotHFS = errors.New("sourcevolume: not an HFS (Macintosh Standard) volume")

// MalformedSource wraps a panic recovered while trusting volume-supplied
// offsets and counts during Load; a corrupt MDB or catalog tree should
// fail the load cleanly rather than crash the process.
type MalformedSource struct{ Err error }

func (e *MalformedSource) Error() string { return fmt.Sprintf("sourcevolume: malformed source: %v", e.Err) }
func (e *MalformedSource) Unwrap() error { return e.Err }

// InconsistentSource describes a non-fatal defect noticed while reading
// the volume: an orphaned catalog entry, a bitmap mismatch, a name that
// failed to decode. These accumulate in Volume.Warnings rather than
// aborting the load.
type InconsistentSource struct {
	CNID    uint32
	Message string
}

func (w InconsistentSource) String() string { return fmt.Sprintf("cnid %d: %s", w.CNID, w.Message) }

// Volume is a loaded HFS source volume.
type Volume struct {
	disk            io.ReaderAt
	blockSize       uint32
	firstBlockSect  uint16 // drAlBlSt: first allocation block's 512-byte sector number
	bitmapStartSect uint16 // drVBMSt: first 512-byte sector of the volume bitmap

	TotalBlocks  uint16
	FreeBlocks   uint16
	FileCount    uint32
	FolderCount  uint32
	VolumeName   string
	CreateDate   time.Time
	ModifyDate   time.Time
	BootBlocks   [1024]byte
	FinderInfo   [32]byte
	DefaultScript textencoding.ScriptCode

	catalogTree *btree.Tree
	extentsTree *btree.Tree

	// unread tracks, per allocation block, whether the bitmap marked it
	// allocated but no read (Load's special files, OpenFork) ever claimed
	// it.
	// Populated lazily, on the first Load or AllocatedButUnread that
	// needs it.
	unread []bool

	Warnings []InconsistentSource
}

// Entry is one parsed catalog record: either a folder or a file.
type Entry struct {
	CNID       uint32
	ParentID   uint32
	Name       string
	IsDir      bool
	CreateDate time.Time
	ModifyDate time.Time
	FinderInfo [16]byte
	XFinderInfo [16]byte

	// Script is the classic-Mac script code the entry's name was decoded
	// with: the volume default, unless the extended Finder info carried a
	// per-item override.
	Script textencoding.ScriptCode

	DataLogicalSize uint32
	DataExtents     [3]byteorder.ExtentDescriptor
	RsrcLogicalSize uint32
	RsrcExtents     [3]byteorder.ExtentDescriptor
}

// Load parses disk as an HFS volume image, reading its Master Directory
// Block, chasing the extents overflow file to completion, and parsing
// the catalog file's node layout (not yet every record; Walk does that
// lazily node by node).
func Load(disk io.ReaderAt) (v *Volume, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = &MalformedSource{Err: e}
			} else {
				err = &MalformedSource{Err: fmt.Errorf("%v", r)}
			}
			v = nil
		}
	}()

	var mdb [512]byte
	if _, err := disk.ReadAt(mdb[:], 0x400); err != nil {
		return nil, fmt.Errorf("sourcevolume: reading Master Directory Block: %w", err)
	}
	if mdb[0] != 'B' || mdb[1] != 'D' {
		return nil, ErrNotHFS
	}

	v = &Volume{disk: disk}
	if _, err := disk.ReadAt(v.BootBlocks[:], 0); err != nil {
		return nil, fmt.Errorf("sourcevolume: reading boot blocks: %w", err)
	}
	v.blockSize = binary.BigEndian.Uint32(mdb[0x14:])
	v.firstBlockSect = binary.BigEndian.Uint16(mdb[0x1c:])
	v.bitmapStartSect = binary.BigEndian.Uint16(mdb[0xe:])
	v.TotalBlocks = binary.BigEndian.Uint16(mdb[0x12:])
	v.FreeBlocks = binary.BigEndian.Uint16(mdb[0x22:])
	v.FileCount = binary.BigEndian.Uint32(mdb[0x54:])
	v.FolderCount = binary.BigEndian.Uint32(mdb[0x58:])
	v.CreateDate = macTime(mdb[0x2:])
	v.ModifyDate = macTime(mdb[0x6:])
	nameLen := mdb[0x24]
	v.VolumeName = string(mdb[0x25 : 0x25+int(nameLen)])
	copy(v.FinderInfo[:], mdb[0x5c:0x5c+32])
	v.DefaultScript = textencoding.MacRoman

	minLen := int64(v.firstBlockSect)*512 + int64(v.blockSize)*int64(v.TotalBlocks)
	var probe [512]byte
	if _, err := disk.ReadAt(probe[:], minLen-int64(len(probe))); err != nil {
		return nil, fmt.Errorf("sourcevolume: volume should be %d bytes but is truncated: %w", minLen, err)
	}

	// The extents overflow file cannot depend on itself for continuation,
	// so its MDB extent triple is authoritative. The catalog's may not be:
	// a fragmented catalog chases the (just-parsed) extents tree.
	extentsBytes, err := v.readSpecialFile(parseExtentTriple(mdb[0x86 : 0x86+12])[:])
	if err != nil {
		return nil, fmt.Errorf("sourcevolume: reading extents overflow file: %w", err)
	}
	v.extentsTree, err = btree.NewTree(hfsformat.BTreeVersionHFSExtentsOverflow, extentsBytes)
	if err != nil {
		return nil, fmt.Errorf("sourcevolume: parsing extents overflow tree: %w", err)
	}

	catalogFirst := parseExtentTriple(mdb[0x96 : 0x96+12])
	catalogExtents := v.chaseSpecialFile(catalogFirst, hfsformat.CNIDCatalogFile, binary.BigEndian.Uint32(mdb[0x92:]))
	catalogBytes, err := v.readSpecialFile(catalogExtents)
	if err != nil {
		return nil, fmt.Errorf("sourcevolume: reading catalog file: %w", err)
	}
	v.catalogTree, err = btree.NewTree(hfsformat.BTreeVersionHFSCatalog, catalogBytes)
	if err != nil {
		return nil, fmt.Errorf("sourcevolume: parsing catalog tree: %w", err)
	}

	if err := v.initUnread(); err != nil {
		v.Warnings = append(v.Warnings, InconsistentSource{Message: fmt.Sprintf("allocation bitmap unavailable, rescue tracking disabled: %v", err)})
	} else {
		v.markRead(parseExtentTriple(mdb[0x86:0x86+12])[:])
		v.markRead(catalogExtents)
	}

	return v, nil
}

// readSpecialFile reads the whole of a special file (the catalog or
// extents overflow file itself) given its extent runs. The buffer covers
// whole allocation blocks; the tree parser trims to the node layout its
// own header declares.
func (v *Volume) readSpecialFile(extents []byteorder.ExtentDescriptor) ([]byte, error) {
	total := byteorder.NumberOfBlocksInExtentRecord(extents)
	buf := make([]byte, total*uint64(v.blockSize))
	byteExtents := toByteOffsetExtents(extents, v.blockSize, v.firstBlockSect)
	r := byterange.NewExtentReaderAt(v.disk, 1, byteExtents, int64(len(buf)))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// chaseSpecialFile extends a special file's MDB-resident extent triple
// through the extents overflow tree until the runs cover the file's
// physical length, the same keyed lookup OpenFork performs for user
// forks.
func (v *Volume) chaseSpecialFile(first [3]byteorder.ExtentDescriptor, cnid uint32, logicalLength uint32) []byteorder.ExtentDescriptor {
	var series extentseries.Series
	series.AppendExtentRecord(first[:])
	neededBlocks := byteorder.CeilingDivide(uint64(logicalLength), uint64(v.blockSize))
	for series.TotalBlocks() < neededBlocks {
		node, idx, found, err := v.extentsTree.Search(btree.CompareExtentKey(false, cnid, uint8(hfsformat.ForkTypeData), uint32(series.TotalBlocks())))
		if err != nil || !found {
			if series.TotalBlocks() < neededBlocks {
				v.Warnings = append(v.Warnings, InconsistentSource{CNID: cnid, Message: "special file's recorded extents fall short of its length"})
			}
			break
		}
		more := parseExtentTriple(node.RecordPayloadDataAtIndex(uint16(idx)))
		series.AppendExtentRecord(more[:])
	}
	var out []byteorder.ExtentDescriptor
	series.ForEachExtent(func(e byteorder.ExtentDescriptor) { out = append(out, e) })
	return out
}

func parseExtentTriple(field []byte) [3]byteorder.ExtentDescriptor {
	var rec [3]byteorder.ExtentDescriptor
	for i := 0; i < 3; i++ {
		rec[i] = byteorder.ExtentDescriptor{
			StartBlock: uint32(binary.BigEndian.Uint16(field[4*i:])),
			BlockCount: uint32(binary.BigEndian.Uint16(field[4*i+2:])),
		}
	}
	return rec
}

// toByteOffsetExtents turns allocation-block extents into physical-block
// extents for byterange.NewExtentReaderAt, whose "block size" is 1 byte
// here because HFS allocation blocks do not start on an allocation-block
// boundary: drAlBlSt shifts everything by a whole number of 512-byte
// sectors first.
func toByteOffsetExtents(extents []byteorder.ExtentDescriptor, blockSize uint32, firstBlockSect uint16) []byteorder.ExtentDescriptor {
	out := make([]byteorder.ExtentDescriptor, 0, len(extents))
	for _, e := range extents {
		if e.IsEmpty() {
			break
		}
		out = append(out, byteorder.ExtentDescriptor{
			StartBlock: uint32(int64(e.StartBlock)*int64(blockSize) + int64(firstBlockSect)*512),
			BlockCount: e.BlockCount * blockSize,
		})
	}
	return out
}

// OpenFork returns a reader over a file entry's data or resource fork,
// chasing the extents overflow tree as needed for forks with more than 3
// extents.
func (v *Volume) OpenFork(e Entry, resource bool) (*byterange.ExtentReaderAt, error) {
	var first [3]byteorder.ExtentDescriptor
	var logicalSize uint32
	var forkType hfsformat.ForkType
	if resource {
		first, logicalSize, forkType = e.RsrcExtents, e.RsrcLogicalSize, hfsformat.ForkTypeResource
	} else {
		first, logicalSize, forkType = e.DataExtents, e.DataLogicalSize, hfsformat.ForkTypeData
	}

	var series extentseries.Series
	series.AppendExtentRecord(first[:])
	neededBlocks := byteorder.CeilingDivide(uint64(logicalSize), uint64(v.blockSize))
	for series.TotalBlocks() < neededBlocks {
		node, idx, found, err := v.extentsTree.Search(btree.CompareExtentKey(false, e.CNID, uint8(forkType), uint32(series.TotalBlocks())))
		if err != nil {
			return nil, fmt.Errorf("sourcevolume: chasing extents overflow for cnid %d: %w", e.CNID, err)
		}
		if !found {
			v.Warnings = append(v.Warnings, InconsistentSource{CNID: e.CNID, Message: "fork logical size exceeds its recorded extents"})
			break
		}
		payload := node.RecordPayloadDataAtIndex(uint16(idx))
		more := parseExtentTriple(payload)
		series.AppendExtentRecord(more[:])
	}

	var out []byteorder.ExtentDescriptor
	series.ForEachExtent(func(ext byteorder.ExtentDescriptor) { out = append(out, ext) })
	v.markRead(out)
	byteExtents := toByteOffsetExtents(out, v.blockSize, v.firstBlockSect)
	return byterange.NewExtentReaderAt(v.disk, 1, byteExtents, int64(logicalSize)), nil
}

func macTime(field []byte) time.Time {
	stamp := binary.BigEndian.Uint32(field)
	return time.Unix(int64(stamp)-2082844800, 0).UTC()
}

// Walk calls fn once for every catalog entry (folder or file; thread
// records, which only restate a parent/name pointer, are skipped), in
// on-disk catalog order. A non-nil error from fn stops the walk early.
func (v *Volume) Walk(fn func(Entry) error) error {
	return v.catalogTree.WalkLeafNodes(func(n *btree.Node) error {
		stop := false
		n.ForEachRecord(func(rec []byte) bool {
			e, ok, warn := v.parseCatalogRecord(rec)
			if warn != "" {
				v.Warnings = append(v.Warnings, InconsistentSource{CNID: e.CNID, Message: warn})
			}
			if !ok {
				return true
			}
			if err := fn(e); err != nil {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return errStopWalk
		}
		return nil
	})
}

var errStopWalk = errors.New("sourcevolume: walk stopped")

// parseCatalogRecord decodes one catalog leaf record, following the field
// layout of CatDataRec/CatFolderRec/CatFileRec (Inside Macintosh: Files).
// The HFS catalog key is keyLength(1) + reserved(1) + parentID(4) +
// nameLength(1) + name; thread records (recordType 3 or 4) are reported
// as (_, false, "").
func (v *Volume) parseCatalogRecord(full []byte) (e Entry, ok bool, warning string) {
	nameLen := int(full[6])
	name := full[7 : 7+nameLen]
	cut := 7 + nameLen
	if cut%2 != 0 {
		cut++
	}
	val := full[cut:]
	parentID := binary.BigEndian.Uint32(full[2:])

	recType := binary.BigEndian.Uint16(val[0:2])
	switch recType {
	case hfsformat.HFSRecordTypeFolder:
		cnid := binary.BigEndian.Uint32(val[6:])
		e = Entry{
			CNID:       cnid,
			ParentID:   parentID,
			IsDir:      true,
			CreateDate: macTime(val[0xa:]),
			ModifyDate: macTime(val[0xe:]),
		}
		copy(e.FinderInfo[:], val[0x16:0x26])
		copy(e.XFinderInfo[:], val[0x26:0x36])
	case hfsformat.HFSRecordTypeFile:
		cnid := binary.BigEndian.Uint32(val[0x14:])
		e = Entry{
			CNID:            cnid,
			ParentID:        parentID,
			IsDir:           false,
			CreateDate:      macTime(val[0x2c:]),
			ModifyDate:      macTime(val[0x30:]),
			DataLogicalSize: binary.BigEndian.Uint32(val[0x1a:]),
			RsrcLogicalSize: binary.BigEndian.Uint32(val[0x24:]),
			DataExtents:     parseExtentTriple(val[0x4a:]),
			RsrcExtents:     parseExtentTriple(val[0x56:]),
		}
		copy(e.FinderInfo[:], val[0x4:0x14])
		copy(e.XFinderInfo[:], val[0x38:0x48])
	default: // thread records
		return Entry{}, false, ""
	}

	// The extended Finder info can carry a per-item script-code override
	// in its flags word (bytes 8-9); it wins over the volume default for
	// this one name.
	e.Script = v.DefaultScript
	if over, hasOverride := textencoding.ScriptCodeFromExtendedFinderFlags(binary.BigEndian.Uint16(e.XFinderInfo[8:10])); hasOverride {
		e.Script = over
	}
	conv := textencoding.NewConverter(e.Script)
	decoded, convErr := decodeName(conv, name)
	if convErr != nil {
		decoded = textencoding.StringByEscapingString(string(name))
		warning = fmt.Sprintf("name failed to decode in script %d: %v", e.Script, convErr)
	}
	// HFS names may contain '/' but never ':'; everywhere downstream
	// (HFS+ keys, host paths) it is the other way around.
	e.Name = strings.ReplaceAll(decoded, "/", ":")
	return e, true, warning
}

func decodeName(conv *textencoding.Converter, pascal []byte) (string, error) {
	units, err := conv.PascalToUniStr255(pascal)
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(units)), nil
}

// TotalBytes returns the whole volume image's length: the preamble
// sectors before the first allocation block, the allocation blocks
// themselves, and the alternate MDB + trailer sectors after them.
func (v *Volume) TotalBytes() uint64 {
	return uint64(v.firstBlockSect)*512 + uint64(v.TotalBlocks)*uint64(v.blockSize) + 2*512
}

// BlockSize returns the volume's allocation block size in bytes.
func (v *Volume) BlockSize() uint32 { return v.blockSize }

// OptimalAllocationBlockSizeForVolumeLength picks a destination block
// size: the smallest power-of-two at least 512 bytes such that
// blockSize * 2^32 covers the whole volume, since HFS+ block numbers are
// 32 bits.
func OptimalAllocationBlockSizeForVolumeLength(volumeBytes uint64) uint32 {
	size := uint32(512)
	for uint64(size)*(uint64(1)<<32) < volumeBytes {
		size *= 2
	}
	return size
}

// readBitmap reads the volume's allocation bitmap, stored for plain HFS
// in the fixed region starting at bitmapStartSect (drVBMSt) and running
// for ceil(TotalBlocks/8) bytes, rounded up to whole 512-byte sectors.
func (v *Volume) readBitmap() ([]byte, error) {
	n := byteorder.NextMultipleOfSize(byteorder.CeilingDivide(uint64(v.TotalBlocks), 8), uint64(512))
	buf := make([]byte, n)
	if _, err := v.disk.ReadAt(buf, int64(v.bitmapStartSect)*512); err != nil {
		return nil, fmt.Errorf("sourcevolume: reading allocation bitmap: %w", err)
	}
	return buf, nil
}

// initUnread lazily loads the allocation bitmap and seeds v.unread with
// one entry per allocation block: true wherever the bitmap says
// "allocated". Load (for the special files) and OpenFork clear entries as
// their extents are read; Walk does not, so whatever remains true when
// AllocatedButUnread is called was allocated but never read.
func (v *Volume) initUnread() error {
	if v.unread != nil {
		return nil
	}
	bitmap, err := v.readBitmap()
	if err != nil {
		return err
	}
	v.unread = make([]bool, v.TotalBlocks)
	for i := range v.unread {
		v.unread[i] = bitmap[i/8]&(0x80>>(uint(i)%8)) != 0
	}
	return nil
}

// markRead clears the unread bit for every allocation block an extent
// record covers, ignoring the trailing empty descriptors.
func (v *Volume) markRead(extents []byteorder.ExtentDescriptor) {
	if v.unread == nil {
		return
	}
	for _, e := range extents {
		if e.IsEmpty() {
			break
		}
		for b := e.StartBlock; b < e.StartBlock+e.BlockCount && int(b) < len(v.unread); b++ {
			v.unread[b] = false
		}
	}
}

// CatalogTree and ExtentsTree expose the parsed special-file trees for
// structural inspection (node-kind tallies, breadth-first dumps); the
// returned trees borrow the volume's buffers and are read-only.
func (v *Volume) CatalogTree() *btree.Tree { return v.catalogTree }
func (v *Volume) ExtentsTree() *btree.Tree { return v.extentsTree }

// Bitmap returns the volume's raw allocation bitmap (1 bit per block,
// MSB-first per byte), for internal/consistency.Checker.CheckBitmap to
// compare against the blocks a catalog/extents walk actually visited.
func (v *Volume) Bitmap() ([]byte, error) {
	return v.readBitmap()
}

// AllocatedButUnread returns the allocation blocks the bitmap marks used
// but that neither Load nor any OpenFork call ever read: orphaned extents
// holding potentially recoverable user data. Call this
// only after converting every entry the caller
// cares about, since it reports the state as of the call.
func (v *Volume) AllocatedButUnread() ([]byteorder.ExtentDescriptor, error) {
	if err := v.initUnread(); err != nil {
		return nil, err
	}
	var series extentseries.Series
	start, run := uint32(0), uint32(0)
	flush := func() {
		if run > 0 {
			series.AppendExtent(byteorder.ExtentDescriptor{StartBlock: start, BlockCount: run})
			run = 0
		}
	}
	for i, u := range v.unread {
		if u {
			if run == 0 {
				start = uint32(i)
			}
			run++
		} else {
			flush()
		}
	}
	flush()
	var out []byteorder.ExtentDescriptor
	series.ForEachExtent(func(e byteorder.ExtentDescriptor) { out = append(out, e) })
	return out, nil
}

// ReadBlocks reads count allocation blocks starting at startBlock,
// returning the raw bytes -- used to copy AllocatedButUnread's orphaned
// extents into $RescuedData without interpreting them as any fork.
func (v *Volume) ReadBlocks(startBlock, count uint32) ([]byte, error) {
	buf := make([]byte, uint64(count)*uint64(v.blockSize))
	off := int64(v.firstBlockSect)*512 + int64(startBlock)*int64(v.blockSize)
	if _, err := io.ReadFull(io.NewSectionReader(v.disk, off, int64(len(buf))), buf); err != nil {
		return nil, fmt.Errorf("sourcevolume: reading rescued blocks: %w", err)
	}
	return buf, nil
}

// Fingerprint hashes an entry's fork extents into a value suitable for
// internal/consistency's visited-extent tracking, without needing the
// whole extent series materialized.
func (e Entry) Fingerprint() uint64 {
	h := xxhash.New()
	for _, ext := range append(e.DataExtents[:], e.RsrcExtents[:]...) {
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:], ext.StartBlock)
		binary.BigEndian.PutUint32(b[4:], ext.BlockCount)
		h.Write(b[:])
	}
	return h.Sum64()
}
