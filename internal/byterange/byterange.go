// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package byterange reads a fork's bytes out of a volume's allocation
// blocks given only its extent descriptors, the way HFS and HFS+ forks are
// never contiguous on disk but always look so to their readers.
package byterange

import (
	"errors"
	"io"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
)

var (
	errWhence = errors.New("byterange: invalid whence")
	errOffset = errors.New("byterange: invalid offset")
)

// ExtentReaderAt presents a fork's extents, expressed as allocation block
// runs against a volume's backing ReaderAt, as one contiguous io.ReaderAt
// (and io.ReadSeeker, for callers that want a stream instead).
type ExtentReaderAt struct {
	backing     io.ReaderAt
	blockSize   int64
	extents     []byteorder.ExtentDescriptor
	logicalEOF  int64 // fork's actual byte length, which may be short of the last block
	seek        int64
}

// NewExtentReaderAt returns a reader over the given extents of a volume
// whose allocation blocks are blockSize bytes. logicalEOF truncates the
// final block to the fork's real length (HFS+ forks need not fill their
// last allocation block).
func NewExtentReaderAt(backing io.ReaderAt, blockSize int64, extents []byteorder.ExtentDescriptor, logicalEOF int64) *ExtentReaderAt {
	return &ExtentReaderAt{backing: backing, blockSize: blockSize, extents: extents, logicalEOF: logicalEOF}
}

// ReadAt implements io.ReaderAt, stitching together whichever extents
// overlap [off, off+len(p)), clamped to logicalEOF.
func (r *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.EOF
	}
	if off >= r.logicalEOF {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > r.logicalEOF {
		want = r.logicalEOF - off
	}

	var n int64
	pos := int64(0) // logical byte offset of the extent run currently under consideration
	for _, ext := range r.extents {
		runStart := pos
		runLen := int64(ext.BlockCount) * r.blockSize
		runEnd := runStart + runLen
		pos = runEnd

		if n >= want {
			break
		}
		readStart := off + n
		if readStart >= runEnd {
			continue
		}
		if readStart < runStart {
			// Extents are contiguous in logical order; this should not
			// happen, but guard against a malformed extent record rather
			// than read the wrong bytes.
			return int(n), errors.New("byterange: extent record has a gap")
		}

		physStart := int64(ext.StartBlock)*r.blockSize + (readStart - runStart)
		chunk := runEnd - readStart
		if remaining := want - n; chunk > remaining {
			chunk = remaining
		}

		got, err := r.backing.ReadAt(p[n:n+chunk], physStart)
		n += int64(got)
		if err != nil && err != io.EOF {
			return int(n), err
		}
		if int64(got) < chunk {
			return int(n), io.ErrUnexpectedEOF
		}
	}

	if n < want {
		return int(n), io.ErrUnexpectedEOF
	}
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// Read and Seek adapt ExtentReaderAt to io.ReadSeeker for callers (like
// archive/zip, io.Copy, or a text encoder) that want a stream.
func (r *ExtentReaderAt) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.seek)
	r.seek += int64(n)
	return n, err
}

func (r *ExtentReaderAt) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.seek
	case io.SeekEnd:
		offset += r.logicalEOF
	default:
		return 0, errWhence
	}
	if offset < 0 {
		return 0, errOffset
	}
	r.seek = offset
	return offset, nil
}

// Size returns the fork's logical length.
func (r *ExtentReaderAt) Size() int64 { return r.logicalEOF }
