package convert

import (
	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/destvolume"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

const (
	forkDataSize       = 8 + 4 + 4 + 8*8 // logicalSize + clumpSize + totalBlocks + 8 extents
	catalogFixedFields = 2 + 2 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 16 + 16 + 16 + 4 + 4
	folderRecordSize   = catalogFixedFields
	fileRecordSize     = catalogFixedFields + forkDataSize*2
)

// makeFolderRecord builds an HFSPlusCatalogFolder payload. textEncoding
// is the script-code hint the name was converted from, stored so a
// re-mount can render the name back into the same classic encoding.
func makeFolderRecord(cnid uint32, valence uint32, createDate, modDate uint32, finderInfo, xFinderInfo [16]byte, textEncoding uint32) []byte {
	rec := make([]byte, folderRecordSize)
	byteorder.PutUint16(rec[0:], folderRecordType())
	byteorder.PutUint32(rec[4:], valence)
	byteorder.PutUint32(rec[8:], cnid)
	byteorder.PutUint32(rec[12:], createDate)
	byteorder.PutUint32(rec[16:], modDate)
	byteorder.PutUint32(rec[20:], modDate)
	byteorder.PutUint32(rec[24:], modDate)
	byteorder.PutUint32(rec[28:], 0) // backup date: HFS had none
	copy(rec[48:64], finderInfo[:])
	copy(rec[64:80], xFinderInfo[:])
	byteorder.PutUint32(rec[80:], textEncoding)
	return rec
}

// makeFileRecord builds an HFSPlusCatalogFile payload, including both
// forks' HFSPlusForkData records.
func makeFileRecord(cnid uint32, createDate, modDate uint32, finderInfo, xFinderInfo [16]byte, textEncoding uint32, data, rsrc *destvolume.FileHandle) []byte {
	rec := make([]byte, fileRecordSize)
	byteorder.PutUint16(rec[0:], fileRecordType())
	// Every converted file gets a thread record, so say so.
	byteorder.PutUint16(rec[2:], hfsformat.CatalogFlagThreadExists)
	byteorder.PutUint32(rec[8:], cnid)
	byteorder.PutUint32(rec[12:], createDate)
	byteorder.PutUint32(rec[16:], modDate)
	byteorder.PutUint32(rec[20:], modDate)
	byteorder.PutUint32(rec[24:], modDate)
	copy(rec[48:64], finderInfo[:])
	copy(rec[64:80], xFinderInfo[:])
	byteorder.PutUint32(rec[80:], textEncoding)

	writeForkDataRecord(rec[catalogFixedFields:], data)
	writeForkDataRecord(rec[catalogFixedFields+forkDataSize:], rsrc)
	return rec
}

func writeForkDataRecord(dst []byte, h *destvolume.FileHandle) {
	if h == nil {
		return
	}
	byteorder.PutUint64(dst[0:], h.LogicalSize())
	first, _ := h.Extents()
	var total uint32
	for i, e := range first {
		byteorder.PutUint32(dst[16+8*i:], e.StartBlock)
		byteorder.PutUint32(dst[16+8*i+4:], e.BlockCount)
		total += e.BlockCount
	}
	byteorder.PutUint32(dst[12:], total)
}

// makeThreadRecord builds an HFSPlusCatalogThread payload: record type,
// reserved, parent CNID, then the item's own name as an HFSUniStr255.
func makeThreadRecord(isFolder bool, parentID uint32, name []uint16) []byte {
	rectype := fileThreadRecordType()
	if isFolder {
		rectype = folderThreadRecordType()
	}
	rec := make([]byte, 2+2+4+2+2*len(name))
	byteorder.PutUint16(rec[0:], rectype)
	byteorder.PutUint32(rec[4:], parentID)
	byteorder.PutUint16(rec[8:], uint16(len(name)))
	for i, u := range name {
		byteorder.PutUint16(rec[10+2*i:], u)
	}
	return rec
}
