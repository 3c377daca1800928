// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package convert drives the four-step HFS-to-HFS+ conversion pipeline:
// preflight, preamble, bulk conversion, and flush. The catalog and
// extents overflow trees are rebuilt from scratch and forks are copied
// sequentially rather than extent-for-extent, so the destination volume
// ends up defragmented relative to the source.
package convert

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/consistency"
	"github.com/boredzo/impluse-hfs/internal/destvolume"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
	"github.com/boredzo/impluse-hfs/internal/sourcevolume"
	"github.com/boredzo/impluse-hfs/internal/textencoding"
)

// RescuedDataFileName is where blocks the allocation bitmap marked used,
// but that no catalog entry's extents ever claimed, are written on the
// destination volume -- the closest a straight format conversion can come
// to not losing data it doesn't understand.
const RescuedDataFileName = "$RescuedData"

// Options configures one conversion run.
type Options struct {
	HFSTextEncoding  textencoding.ScriptCode
	CatalogNodeSize  uint16 // defaults to hfsformat.NodeSizeHFSPlusCatalogMinimum
	CopyForkData     bool   // false fills forks with PlaceholderForkData instead of real bytes
	PlaceholderForkData []byte
	Logger           *log.Logger
}

// DefaultOptions returns the converter's defaults: MacRoman source
// encoding, the minimum HFS+ catalog node size, and real fork data
// copied.
func DefaultOptions() Options {
	return Options{
		HFSTextEncoding: textencoding.MacRoman,
		CatalogNodeSize: hfsformat.NodeSizeHFSPlusCatalogMinimum,
		CopyForkData:    true,
		Logger:          log.New(io.Discard, "", 0),
	}
}

// Metrics are the Prometheus collectors the pipeline updates as it runs;
// callers register them with their own registry (or prometheus.DefaultRegisterer).
type Metrics struct {
	BlocksToCopy prometheus.Gauge
	BlocksCopied prometheus.Counter
}

// NewMetrics constructs a Metrics with the standard names and help text.
func NewMetrics() Metrics {
	return Metrics{
		BlocksToCopy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "impluse_source_blocks_to_copy",
			Help: "Allocation blocks on the source volume queued for conversion.",
		}),
		BlocksCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "impluse_source_blocks_copied_total",
			Help: "Allocation blocks on the source volume copied to the destination so far.",
		}),
	}
}

// Converter runs one HFS-to-HFS+ conversion.
type Converter struct {
	opts    Options
	metrics Metrics

	source *sourcevolume.Volume
	dest   *destvolume.Volume
	checker *consistency.Checker

	Warnings []string
}

// New returns a Converter ready to run Convert.
func New(opts Options, metrics Metrics) *Converter {
	return &Converter{opts: opts, metrics: metrics}
}

// keyedRecord pairs a raw record (key+payload) with its key alone, since
// the tree builders require strictly ascending insertion and catalog
// items, thread records, and extent overflow records all need a global
// sort by key before they can be streamed into their respective trees.
type keyedRecord struct {
	key []byte
	rec []byte
}

// Convert performs all four steps against an already-open source image
// and destination file.
func (c *Converter) Convert(sourceDisk io.ReaderAt, destFile *os.File) error {
	source, dest, err := c.step0Preflight(sourceDisk, destFile)
	if err != nil {
		return fmt.Errorf("convert: preflight: %w", err)
	}
	c.source, c.dest = source, dest

	if err := c.step1Preamble(); err != nil {
		return fmt.Errorf("convert: preamble: %w", err)
	}

	if err := c.step2BulkConvert(); err != nil {
		return fmt.Errorf("convert: bulk conversion: %w", err)
	}

	if err := c.step3Flush(); err != nil {
		return fmt.Errorf("convert: flush: %w", err)
	}
	return nil
}

// step0Preflight loads the source volume, sizes a destination volume of
// the same byte length (HFS+'s smaller per-file overhead could shrink
// it, but a one-to-one length guarantees every source block has
// somewhere to land), and parks the temporary preamble so the file
// cannot mount until step 3 finishes.
func (c *Converter) step0Preflight(sourceDisk io.ReaderAt, destFile *os.File) (*sourcevolume.Volume, *destvolume.Volume, error) {
	source, err := sourcevolume.Load(sourceDisk)
	if err != nil {
		return nil, nil, err
	}
	source.DefaultScript = c.opts.HFSTextEncoding

	totalBytes := source.TotalBytes()
	blockSize := sourcevolume.OptimalAllocationBlockSizeForVolumeLength(totalBytes)
	totalBlocks := uint32(totalBytes / uint64(blockSize))
	dest, err := destvolume.Create(destFile, totalBlocks, blockSize, source.VolumeName)
	if err != nil {
		return nil, nil, err
	}
	if c.opts.CatalogNodeSize != 0 {
		dest.CatalogBuilder = btree.NewCatalogBuilder(true, c.opts.CatalogNodeSize)
	}
	if err := dest.WriteTemporaryPreamble(); err != nil {
		return nil, nil, err
	}

	c.checker = consistency.NewChecker(uint32(source.TotalBlocks))
	c.metrics.BlocksToCopy.Set(float64(source.TotalBlocks - source.FreeBlocks))
	c.opts.Logger.Printf("source: %q, %d blocks of %d bytes; destination: %d blocks of %d bytes",
		source.VolumeName, source.TotalBlocks, source.BlockSize(), totalBlocks, blockSize)
	return source, dest, nil
}

// step1Preamble carries the source's identity onto the destination: boot
// blocks verbatim, create date, drag-copied Finder info, and a
// deterministic volume identifier in the Finder info's last-mount slot
// (TN1150 reserves finderInfo words 6-7 for a 64-bit unique id).
func (c *Converter) step1Preamble() error {
	c.dest.BootBlocks = c.source.BootBlocks
	c.dest.CreateDate = c.source.CreateDate
	c.dest.ModifyDate = time.Now().UTC()
	c.dest.FinderInfo = c.source.FinderInfo
	id := VolumeUUID(c.source.VolumeName, c.source.CreateDate)
	copy(c.dest.FinderInfo[24:32], id[:8])
	return nil
}

// step2BulkConvert walks the source catalog once, allocating a fresh CNID
// per destination item (HFS+ requires it; classic HFS's CNID space and
// HFS+'s need not agree), copying fork data block by block, and staging
// every catalog record (main + thread) and every extents-overflow
// continuation into sorted batches, which it adds to the catalog and
// extents tree builders itself; step3 then builds and flushes the trees.
func (c *Converter) step2BulkConvert() error {
	// Pass one: collect every entry. A catalog's on-disk key order does
	// not put parents before children, and a folder's valence (child
	// count) and the volume's file/folder totals need the whole population
	// in hand before any record can be finalized.
	var entries []sourcevolume.Entry
	if err := c.source.Walk(func(e sourcevolume.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}

	cnidFor := map[uint32]uint32{ // source CNID -> destination CNID
		hfsformat.CNIDParentOfRoot: hfsformat.CNIDParentOfRoot,
		hfsformat.CNIDRootFolder:   hfsformat.CNIDRootFolder,
	}
	valence := make(map[uint32]uint32) // source folder CNID -> child count
	for _, e := range entries {
		if _, ok := cnidFor[e.CNID]; !ok {
			cnidFor[e.CNID] = c.dest.NextCNID()
		}
		valence[e.ParentID]++
		if e.IsDir {
			if e.CNID != hfsformat.CNIDRootFolder {
				c.dest.FolderCount++
			}
		} else {
			c.dest.FileCount++
		}
	}

	destParentOf := func(e sourcevolume.Entry) uint32 {
		destParent, ok := cnidFor[e.ParentID]
		if !ok {
			c.Warnings = append(c.Warnings, fmt.Sprintf(
				"cnid %d (%q) has no parent record for cnid %d; reparented under the root", e.CNID, e.Name, e.ParentID))
			destParent = hfsformat.CNIDRootFolder
		}
		return destParent
	}

	// Pass two: files first (copying their forks claims source blocks),
	// then the rescue sweep over whatever blocks no fork claimed, then
	// folders -- whose valences must include a rescued file under the
	// root.
	var catalogRecords []keyedRecord
	var extentRecords []keyedRecord
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		destCNID, destParent := cnidFor[e.CNID], destParentOf(e)
		c.dest.EncodingsBitmap |= 1 << (uint(e.Script) & 63)

		dataHandle, rsrcHandle, err := c.copyForks(e, destCNID, &extentRecords)
		if err != nil {
			return err
		}
		nameUnits := runesToUTF16(e.Name)
		key := makeHFSPlusCatalogKey(destParent, nameUnits)
		rec := makeFileRecord(destCNID, toMacTime(e.CreateDate), toMacTime(e.ModifyDate), e.FinderInfo, e.XFinderInfo, uint32(e.Script), dataHandle, rsrcHandle)
		catalogRecords = append(catalogRecords, keyedRecord{key: key, rec: append(key, rec...)})

		threadKey := makeHFSPlusCatalogKey(destCNID, nil)
		threadRec := makeThreadRecord(false, destParent, nameUnits)
		catalogRecords = append(catalogRecords, keyedRecord{key: threadKey, rec: append(threadKey, threadRec...)})

		for _, ext := range e.DataExtents {
			c.checker.VisitExtent(e.CNID, ext)
		}
		for _, ext := range e.RsrcExtents {
			c.checker.VisitExtent(e.CNID, ext)
		}
	}

	if rescued, err := c.rescueUnclaimedBlocks(&catalogRecords, &extentRecords); err != nil {
		return err
	} else if rescued {
		valence[hfsformat.CNIDRootFolder]++
	}

	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		destCNID, destParent := cnidFor[e.CNID], destParentOf(e)
		c.dest.EncodingsBitmap |= 1 << (uint(e.Script) & 63)

		nameUnits := runesToUTF16(e.Name)
		key := makeHFSPlusCatalogKey(destParent, nameUnits)
		rec := makeFolderRecord(destCNID, valence[e.CNID], toMacTime(e.CreateDate), toMacTime(e.ModifyDate), e.FinderInfo, e.XFinderInfo, uint32(e.Script))
		catalogRecords = append(catalogRecords, keyedRecord{key: key, rec: append(key, rec...)})

		threadKey := makeHFSPlusCatalogKey(destCNID, nil)
		threadRec := makeThreadRecord(true, destParent, nameUnits)
		catalogRecords = append(catalogRecords, keyedRecord{key: threadKey, rec: append(threadKey, threadRec...)})
	}

	// Callers of the tree builders present records pre-sorted by the
	// destination's key order, which is not the source's: HFS+ compares
	// case-folded Unicode where HFS compared MacRoman bytes.
	sort.Slice(catalogRecords, func(i, j int) bool {
		return btree.CompareHFSPlusCatalogKeyBytes(catalogRecords[i].key, catalogRecords[j].key) < 0
	})
	for _, kr := range catalogRecords {
		if err := c.dest.CatalogBuilder.AddRecord(kr.rec); err != nil {
			return fmt.Errorf("convert: assembling catalog tree: %w", err)
		}
	}

	sort.Slice(extentRecords, func(i, j int) bool {
		return btree.CompareHFSPlusExtentKeyBytes(extentRecords[i].key, extentRecords[j].key) < 0
	})
	for _, kr := range extentRecords {
		if err := c.dest.ExtentsBuilder.AddRecord(kr.rec); err != nil {
			return fmt.Errorf("convert: assembling extents overflow tree: %w", err)
		}
	}

	return nil
}

// copyForks allocates destination space for and copies (or placeholder-
// fills) a file's data and resource forks, returning the two handles used
// to fill in the catalog record's fork data, and appending any overflow
// extent records beyond the first 8 to extentRecords.
func (c *Converter) copyForks(e sourcevolume.Entry, destCNID uint32, extentRecords *[]keyedRecord) (data, rsrc *destvolume.FileHandle, err error) {
	data = destvolume.NewFileHandle(c.dest, destCNID, uint8(hfsformat.ForkTypeData))
	if err := c.copyOneFork(e, false, data); err != nil {
		return nil, nil, err
	}
	appendOverflow(data, destCNID, uint8(hfsformat.ForkTypeData), extentRecords)

	rsrc = destvolume.NewFileHandle(c.dest, destCNID, uint8(hfsformat.ForkTypeResource))
	if err := c.copyOneFork(e, true, rsrc); err != nil {
		return nil, nil, err
	}
	appendOverflow(rsrc, destCNID, uint8(hfsformat.ForkTypeResource), extentRecords)

	return data, rsrc, nil
}

func (c *Converter) copyOneFork(e sourcevolume.Entry, resource bool, dst *destvolume.FileHandle) error {
	logicalSize := e.DataLogicalSize
	if resource {
		logicalSize = e.RsrcLogicalSize
	}
	if logicalSize == 0 {
		return nil
	}
	if !c.opts.CopyForkData {
		return c.fillPlaceholder(dst, int64(logicalSize))
	}

	src, err := c.source.OpenFork(e, resource)
	if err != nil {
		return err
	}
	buf := make([]byte, 256*1024)
	var off int64
	for {
		n, rerr := src.ReadAt(buf, off)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
			c.metrics.BlocksCopied.Add(float64(byteorder.CeilingDivide(uint64(n), uint64(c.source.BlockSize()))))
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

func (c *Converter) fillPlaceholder(dst *destvolume.FileHandle, size int64) error {
	pattern := c.opts.PlaceholderForkData
	if len(pattern) == 0 {
		pattern = []byte("(this fork's data was not copied)")
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = pattern[i%len(pattern)]
	}
	_, err := dst.WriteAt(buf, 0)
	return err
}

func appendOverflow(h *destvolume.FileHandle, cnid uint32, forkType uint8, out *[]keyedRecord) {
	first, overflow := h.Extents()
	var startBlock uint32
	for _, e := range first {
		startBlock += e.BlockCount
	}
	for _, rec := range overflow {
		key := makeHFSPlusExtentKey(cnid, forkType, startBlock)
		payload := make([]byte, 8*8)
		var n uint32
		for i, e := range rec {
			byteorder.PutUint32(payload[8*i:], e.StartBlock)
			byteorder.PutUint32(payload[8*i+4:], e.BlockCount)
			n += e.BlockCount
		}
		*out = append(*out, keyedRecord{key: key, rec: append(key, payload...)})
		startBlock += n
	}
}

// rescueUnclaimedBlocks compares the source bitmap against every extent
// Load and OpenFork actually read and, if any blocks were marked used
// but never claimed by a catalog entry, copies them verbatim into
// RescuedDataFileName at the destination root rather than silently
// dropping them, appending the new file's catalog, thread, and overflow
// extent records to the batches step2BulkConvert is about to sort and
// hand to the tree builders.
func (c *Converter) rescueUnclaimedBlocks(catalogRecords, extentRecords *[]keyedRecord) (bool, error) {
	extents, err := c.source.AllocatedButUnread()
	if err != nil {
		return false, fmt.Errorf("convert: scanning for unclaimed blocks: %w", err)
	}
	if len(extents) == 0 {
		return false, nil
	}

	var totalBlocks uint32
	for _, e := range extents {
		totalBlocks += e.BlockCount
	}
	c.Warnings = append(c.Warnings, fmt.Sprintf("%d allocation block(s) were marked used but claimed by no catalog entry; rescued verbatim into %s", totalBlocks, RescuedDataFileName))

	cnid := c.dest.NextCNID()
	handle := destvolume.NewFileHandle(c.dest, cnid, uint8(hfsformat.ForkTypeData))
	var off int64
	for _, e := range extents {
		buf, err := c.source.ReadBlocks(e.StartBlock, e.BlockCount)
		if err != nil {
			return false, fmt.Errorf("convert: reading unclaimed blocks: %w", err)
		}
		if _, err := handle.WriteAt(buf, off); err != nil {
			return false, fmt.Errorf("convert: writing %s: %w", RescuedDataFileName, err)
		}
		off += int64(len(buf))
	}
	appendOverflow(handle, cnid, uint8(hfsformat.ForkTypeData), extentRecords)

	now := toMacTime(time.Now().UTC())
	nameUnits := runesToUTF16(RescuedDataFileName)

	c.dest.FileCount++
	key := makeHFSPlusCatalogKey(hfsformat.CNIDRootFolder, nameUnits)
	rec := makeFileRecord(cnid, now, now, [16]byte{}, [16]byte{}, 0, handle, nil)
	*catalogRecords = append(*catalogRecords, keyedRecord{key: key, rec: append(key, rec...)})

	threadKey := makeHFSPlusCatalogKey(cnid, nil)
	threadRec := makeThreadRecord(false, hfsformat.CNIDRootFolder, nameUnits)
	*catalogRecords = append(*catalogRecords, keyedRecord{key: threadKey, rec: append(threadKey, threadRec...)})

	return true, nil
}

// step3Flush builds the catalog and extents overflow trees, writes the
// allocation bitmap, and writes the final volume header, leaving the
// destination file mountable.
func (c *Converter) step3Flush() error {
	return c.dest.Flush(hfsformat.CNIDCatalogFile, hfsformat.CNIDExtentsFile, hfsformat.CNIDAllocationFile)
}

// VolumeUUID synthesizes a stable HFS+ volume UUID from the source
// volume's name and creation date, the way a from-scratch conversion
// that doesn't have an original HFS+ UUID to carry forward still needs
// one: deterministic, so re-converting the same source twice gives the
// same destination UUID.
func VolumeUUID(volumeName string, createDate time.Time) uuid.UUID {
	seed := fmt.Sprintf("%s@%d", volumeName, createDate.Unix())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}

func toMacTime(t time.Time) uint32 {
	epoch := time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)
	return uint32(t.Sub(epoch) / time.Second)
}
