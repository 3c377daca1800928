package destvolume

import (
	"fmt"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/extentseries"
)

// FileHandle is a write-only handle onto one fork of one catalog item
// being built on the destination volume. It grows its own extent series
// on demand as bytes are written past its current capacity, so a fork can
// be streamed from its source without the caller precomputing a block
// count.
type FileHandle struct {
	v        *Volume
	CNID     uint32
	ForkType uint8
	series   extentseries.Series
	written  uint64 // logical bytes written so far
}

// NewFileHandle returns a handle that will allocate blocks from v as
// needed while writing cnid's fork of type forkType.
func NewFileHandle(v *Volume, cnid uint32, forkType uint8) *FileHandle {
	return &FileHandle{v: v, CNID: cnid, ForkType: forkType}
}

// WriteAt writes p at the fork-relative logical offset off, growing the
// fork's allocation if off+len(p) exceeds its current capacity. Callers
// are expected (as the conversion pipeline always does) to write forward
// through a fork in order, so growth only ever needs to extend the last
// extent or allocate a new one -- it never needs to insert blocks in the
// middle of an already-allocated run.
func (h *FileHandle) WriteAt(p []byte, off int64) (int, error) {
	end := uint64(off) + uint64(len(p))
	if err := h.growIntoExtents(end); err != nil {
		return 0, err
	}

	n := 0
	remaining := p
	logicalPos := uint64(off)
	var physBlocks []byteorder.ExtentDescriptor
	h.series.ForEachExtent(func(e byteorder.ExtentDescriptor) { physBlocks = append(physBlocks, e) })

	pos := uint64(0)
	for _, ext := range physBlocks {
		runBytes := uint64(ext.BlockCount) * uint64(h.v.BlockSize)
		runStart, runEnd := pos, pos+runBytes
		pos = runEnd
		if len(remaining) == 0 {
			break
		}
		if logicalPos >= runEnd {
			continue
		}
		if logicalPos < runStart {
			return n, fmt.Errorf("destvolume: write position %d precedes allocated extent at %d", logicalPos, runStart)
		}
		chunk := runEnd - logicalPos
		if uint64(len(remaining)) < chunk {
			chunk = uint64(len(remaining))
		}
		physOff := int64(ext.StartBlock)*int64(h.v.BlockSize) + int64(logicalPos-runStart)
		written, err := pwriteAt(h.v.f, remaining[:chunk], physOff)
		n += written
		logicalPos += uint64(written)
		remaining = remaining[written:]
		if err != nil {
			return n, err
		}
	}
	if end > h.written {
		h.written = end
	}
	return n, nil
}

// Write appends to the handle's current logical end, like io.Writer.
func (h *FileHandle) Write(p []byte) (int, error) {
	return h.WriteAt(p, int64(h.written))
}

// growIntoExtents ensures the handle's extent series covers at least
// wantBytes of logical space, allocating new blocks from the volume as
// needed.
func (h *FileHandle) growIntoExtents(wantBytes uint64) error {
	haveBlocks := h.series.TotalBlocks()
	wantBlocks := byteorder.CeilingDivide(wantBytes, uint64(h.v.BlockSize))
	if wantBlocks <= haveBlocks {
		return nil
	}
	newExtents, err := h.v.AllocateBlocks(uint32(wantBlocks - haveBlocks))
	if err != nil {
		return fmt.Errorf("destvolume: growing cnid %d fork: %w", h.CNID, err)
	}
	h.series.AppendExtentRecord(newExtents)
	return nil
}

// LogicalSize returns the number of bytes written so far.
func (h *FileHandle) LogicalSize() uint64 { return h.written }

// Extents returns the fork's first 8 extents and any overflow records
// beyond that, ready for a catalog record and the extents overflow file
// respectively.
func (h *FileHandle) Extents() (first [8]byteorder.ExtentDescriptor, overflow [][8]byteorder.ExtentDescriptor) {
	return h.series.FirstExtentRecord(), h.series.OverflowExtentRecords()
}
