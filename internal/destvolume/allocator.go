package destvolume

import (
	"fmt"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
)

// AllocateBlocks reserves count contiguous or near-contiguous allocation
// blocks, marking them used, and returns the resulting extent descriptors
// (more than one only when contiguity could not be achieved). The policy,
// tried in order, is: extend forward from the allocator's current hint
// (the common case, since forks are written in one pass and each new fork
// should land right after the last one); extend backward from the hint
// (recovers space immediately behind the hint freed by, e.g., a skipped
// placeholder); then a first-fit scan of the whole bitmap, splitting the
// request into as many runs as free space allows. AllocateBlocks never
// fails for lack of contiguity, only for lack of total free space.
func (v *Volume) AllocateBlocks(count uint32) ([]byteorder.ExtentDescriptor, error) {
	if count == 0 {
		return nil, nil
	}
	if count > v.freeBlocks {
		return nil, &ErrOutOfSpace{Requested: count, Free: v.freeBlocks}
	}

	if v.runFree(v.allocateHint, count) {
		ext := byteorder.ExtentDescriptor{StartBlock: v.allocateHint, BlockCount: count}
		v.markRun(ext.StartBlock, count)
		v.allocateHint += count
		return []byteorder.ExtentDescriptor{ext}, nil
	}

	if v.allocateHint >= count && v.runFree(v.allocateHint-count, count) {
		ext := byteorder.ExtentDescriptor{StartBlock: v.allocateHint - count, BlockCount: count}
		v.markRun(ext.StartBlock, count)
		return []byteorder.ExtentDescriptor{ext}, nil
	}

	return v.scanAndAllocate(count)
}

// scanAndAllocate performs a first-fit scan of the whole bitmap, taking
// the largest contiguous run at each free gap up to what's still needed,
// so a fragmented volume still succeeds with more than one extent rather
// than failing outright.
func (v *Volume) scanAndAllocate(count uint32) ([]byteorder.ExtentDescriptor, error) {
	var out []byteorder.ExtentDescriptor
	remaining := count
	i := uint32(0)
	for remaining > 0 && i < v.TotalBlocks {
		if v.blockUsed(i) {
			i++
			continue
		}
		runStart := i
		for i < v.TotalBlocks && !v.blockUsed(i) && i-runStart < remaining {
			i++
		}
		runLen := i - runStart
		v.markRun(runStart, runLen)
		out = append(out, byteorder.ExtentDescriptor{StartBlock: runStart, BlockCount: runLen})
		remaining -= runLen
	}
	if remaining > 0 {
		// freeBlocks said this should fit; a bug in bookkeeping, not a
		// legitimate out-of-space condition from the caller's point of view.
		return nil, &ErrOutOfSpace{Requested: count, Free: count - remaining}
	}
	if last := out[len(out)-1]; last.StartBlock+last.BlockCount > v.allocateHint {
		v.allocateHint = last.StartBlock + last.BlockCount
	}
	return out, nil
}

// DeallocateBlocksOfExtent clears the bitmap bits an extent covers,
// returning its blocks to the free pool. Used when a partially-written
// fork is abandoned (a failed copy, a skipped placeholder) so its blocks
// can serve the next allocation.
func (v *Volume) DeallocateBlocksOfExtent(ext byteorder.ExtentDescriptor) {
	for i := ext.StartBlock; i < ext.StartBlock+ext.BlockCount && i < v.TotalBlocks; i++ {
		if v.blockUsed(i) {
			v.setBlockUsed(i, false)
			v.freeBlocks++
		}
	}
}

// ErrOutOfSpace is returned when a volume does not have count free blocks
// left to allocate.
type ErrOutOfSpace struct {
	Requested, Free uint32
}

func (e *ErrOutOfSpace) Error() string {
	return fmt.Sprintf("destvolume: out of space: requested %d blocks, %d free", e.Requested, e.Free)
}
