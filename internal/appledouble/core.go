// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package appledouble

import (
	"encoding/binary"
	"slices"
	"time"
)

var (
	macEpoch         = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)
	appleDoubleEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
)

// AppleDouble entry IDs, per the AppleSingle/AppleDouble format spec.
const (
	DATA_FORK           = 1
	RESOURCE_FORK       = 2
	REAL_NAME           = 3
	COMMENT             = 4
	ICON_BW             = 5
	ICON_COLOR          = 6
	FILE_INFO_V1        = 7 // Old v1 file info combining FILE_DATES_INFO and MACINTOSH_FILE_INFO.
	FILE_DATES_INFO     = 8
	FINDER_INFO         = 9  // FinderInfo (16) + FinderXInfo (16)
	MACINTOSH_FILE_INFO = 10 // 32 bits, bits 31 = protected and 32 = locked
	PRODOS_FILE_INFO    = 11
	MSDOS_FILE_INFO     = 12
	SHORT_NAME          = 13 // AFP short name.
	AFP_FILE_INFO       = 14
	DIRECTORY_ID        = 15 // AFP directory ID.
)

const headerSize = 26 // magic (8) + filler (16) + entry count (2)

// MakePrefix serializes an AppleDouble header: the magic number, the
// entry table, and every inline record's bytes, in ascending entry-ID
// order. The resource fork itself is never inlined; when rforkSize > 0
// the entry table points it at rForkOffset, the larger of the prefix's
// own end and rForkMinOffset.
func MakePrefix(records map[int][]byte, rforkSize, rForkMinOffset int64) (buf []byte, rForkOffset int64) {
	ids := make([]int, 0, len(records)+1)
	for id := range records {
		if id != RESOURCE_FORK {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if rforkSize > 0 {
		ids = append(ids, RESOURCE_FORK)
	}

	buf = make([]byte, headerSize+12*len(ids))
	// Magic number; modern macOS writes (and some readers insist on) the
	// 0x07 in the fourth byte.
	copy(buf, "\x00\x05\x16\x07\x00\x02\x00\x00")
	binary.BigEndian.PutUint16(buf[24:], uint16(len(ids)))

	for i, id := range ids {
		entry := buf[headerSize+12*i:]
		binary.BigEndian.PutUint32(entry, uint32(id))
		if id == RESOURCE_FORK {
			rForkOffset = max(int64(len(buf)), rForkMinOffset)
			binary.BigEndian.PutUint32(entry[4:], uint32(rForkOffset))
			binary.BigEndian.PutUint32(entry[8:], uint32(rforkSize))
			continue
		}
		binary.BigEndian.PutUint32(entry[4:], uint32(len(buf)))
		binary.BigEndian.PutUint32(entry[8:], uint32(len(records[id])))
		buf = append(buf, records[id]...)
	}
	return buf, rForkOffset
}
