// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package extentseries implements an unbounded, coalescing sequence of
// HFS+ extent descriptors, generalizing the fixed-size extent record
// (3 descriptors for HFS, 8 for HFS+).
package extentseries

import "github.com/boredzo/impluse-hfs/internal/byteorder"

// Series accumulates extent descriptors, coalescing an appended extent
// into the last one when it is exactly contiguous with it.
type Series struct {
	extents []byteorder.ExtentDescriptor
}

// NumberOfExtents returns the count of (post-coalescing) extents.
func (s *Series) NumberOfExtents() int { return len(s.extents) }

// AppendExtent appends one extent descriptor, coalescing with the current
// last extent when adjacent (ext.StartBlock == last.StartBlock +
// last.BlockCount). A zero-length extent is ignored.
func (s *Series) AppendExtent(ext byteorder.ExtentDescriptor) {
	if ext.IsEmpty() {
		return
	}
	if n := len(s.extents); n > 0 {
		last := &s.extents[n-1]
		if last.StartBlock+last.BlockCount == ext.StartBlock {
			last.BlockCount += ext.BlockCount
			return
		}
	}
	s.extents = append(s.extents, ext)
}

// AppendExtentRecord appends every non-empty extent in rec, in order,
// stopping at the first empty extent. Each is subject to the same
// coalescing as AppendExtent, so NumberOfExtents may increase by less than
// len(rec) if some of rec's extents are mutually adjacent, or by zero if
// every appended extent merges into the series' existing last extent.
func (s *Series) AppendExtentRecord(rec []byteorder.ExtentDescriptor) {
	for _, ext := range rec {
		if ext.IsEmpty() {
			break
		}
		s.AppendExtent(ext)
	}
}

// FirstExtentRecord returns the first 8 extents (HFS+ extent density),
// zero-padded, suitable for a catalog record or a special file's header.
func (s *Series) FirstExtentRecord() [8]byteorder.ExtentDescriptor {
	var rec [8]byteorder.ExtentDescriptor
	copy(rec[:], s.extents)
	return rec
}

// OverflowExtentRecords returns the remaining extents beyond the first 8,
// chunked into further 8-descriptor records for insertion into the extents
// overflow file. Empty (zero-length) if NumberOfExtents <= 8.
func (s *Series) OverflowExtentRecords() [][8]byteorder.ExtentDescriptor {
	if len(s.extents) <= 8 {
		return nil
	}
	rest := s.extents[8:]
	var out [][8]byteorder.ExtentDescriptor
	for len(rest) > 0 {
		var rec [8]byteorder.ExtentDescriptor
		n := copy(rec[:], rest)
		out = append(out, rec)
		rest = rest[n:]
	}
	return out
}

// ForEachExtent calls fn for every extent in the series, in order. The
// series never holds an empty extent, so fn is never called with one.
func (s *Series) ForEachExtent(fn func(byteorder.ExtentDescriptor)) {
	for _, e := range s.extents {
		fn(e)
	}
}

// TotalBlocks returns the sum of all extents' block counts.
func (s *Series) TotalBlocks() uint64 {
	var total uint64
	for _, e := range s.extents {
		total += uint64(e.BlockCount)
	}
	return total
}
