// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package convert

import (
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// makeHFSPlusCatalogKey builds an HFSPlusCatalogKey: 2-byte key length,
// 4-byte parent CNID, then an HFSUniStr255 (2-byte length + UTF-16BE
// units).
func makeHFSPlusCatalogKey(parentID uint32, name []uint16) []byte {
	body := make([]byte, 4+2+2*len(name))
	byteorder.PutUint32(body, parentID)
	byteorder.PutUint16(body[4:], uint16(len(name)))
	for i, u := range name {
		byteorder.PutUint16(body[6+2*i:], u)
	}
	key := make([]byte, 2+len(body))
	byteorder.PutUint16(key, uint16(len(body)))
	copy(key[2:], body)
	return key
}

// makeHFSPlusExtentKey builds an HFSPlusExtentKey: 2-byte key length,
// 1-byte fork type, 1-byte pad, 4-byte file ID, 4-byte starting block.
func makeHFSPlusExtentKey(fileID uint32, forkType uint8, startBlock uint32) []byte {
	body := make([]byte, 10)
	body[0] = forkType
	byteorder.PutUint32(body[2:], fileID)
	byteorder.PutUint32(body[6:], startBlock)
	key := make([]byte, 2+len(body))
	byteorder.PutUint16(key, uint16(len(body)))
	copy(key[2:], body)
	return key
}

// runesToUTF16 encodes a name into the UTF-16 units an HFSUniStr255
// stores: decomposed form D per TN1150 (a no-op for names that came
// through textencoding, which already decomposes; host filenames in
// archive mode arrive in whatever form the host kept), truncated to 255
// units as HFS+ requires.
func runesToUTF16(name string) []uint16 {
	units := utf16.Encode([]rune(norm.NFD.String(name)))
	if len(units) > 255 {
		units = units[:255]
	}
	return units
}

// folderRecordType / fileRecordType / threadRecordTypes pick the record
// type tag to store in an HFS+ catalog record's first 2 bytes.
func folderRecordType() uint16       { return hfsformat.HFSPlusRecordTypeFolder }
func fileRecordType() uint16         { return hfsformat.HFSPlusRecordTypeFile }
func folderThreadRecordType() uint16 { return hfsformat.HFSPlusRecordTypeFolderThread }
func fileThreadRecordType() uint16   { return hfsformat.HFSPlusRecordTypeFileThread }
