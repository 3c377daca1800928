package convert

import (
	"bytes"
	"os"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// The fixture below hand-assembles the smallest honest HFS volume this
// converter can meet in the wild: an 800 KiB floppy image holding one
// file, /Greeting, of type TEXT/ttxt containing "Hello\r". Geometry:
// sectors 0-1 boot blocks, sector 2 the MDB, sector 3 the allocation
// bitmap, allocation blocks from sector 16. Allocation block 0 holds the
// (empty) extents overflow tree, blocks 1-2 the catalog, block 3 the
// file's data fork.
const (
	fixtureBlocks    = 1568
	fixtureAlBlSt    = 16
	fixtureGreeting  = "Hello\r"
	fixtureFileCNID  = 17
	fixtureStamp     = 0x9c000000 // an arbitrary classic Mac timestamp
)

func u16(v uint16) []byte { b := make([]byte, 2); byteorder.PutUint16(b, v); return b }
func u32(v uint32) []byte { b := make([]byte, 4); byteorder.PutUint32(b, v); return b }

// hfsCatKey packs an HFS catalog key: keyLength, reserved, parent CNID,
// Pascal name, padded so the payload starts on an even boundary.
func hfsCatKey(parent uint32, name string) []byte {
	keyLen := 6 + len(name)
	b := []byte{byte(keyLen), 0}
	b = append(b, u32(parent)...)
	b = append(b, byte(len(name)))
	b = append(b, name...)
	if (1+keyLen)%2 != 0 {
		b = append(b, 0)
	}
	return b
}

func hfsFolderPayload(cnid uint32, valence uint16) []byte {
	p := make([]byte, 70)
	p[0] = 1 // cdrDirRec
	copy(p[4:], u16(valence))
	copy(p[6:], u32(cnid))
	copy(p[0xa:], u32(fixtureStamp))
	copy(p[0xe:], u32(fixtureStamp))
	return p
}

func hfsFilePayload(cnid uint32, dataLen uint32, dataStartBlock uint16) []byte {
	p := make([]byte, 102)
	p[0] = 2 // cdrFilRec
	copy(p[0x4:], "TEXT")
	copy(p[0x8:], "ttxt")
	copy(p[0x14:], u32(cnid))
	copy(p[0x2c:], u32(fixtureStamp))
	copy(p[0x30:], u32(fixtureStamp))
	if dataLen > 0 {
		copy(p[0x1a:], u32(dataLen)) // data fork logical length
		copy(p[0x1e:], u32(512))     // data fork physical length
		copy(p[0x4a:], u16(dataStartBlock)) // first data extent
		copy(p[0x4c:], u16(1))
	}
	return p
}

func hfsThreadPayload(isDir bool) []byte {
	p := make([]byte, 46)
	if isDir {
		p[0] = 3 // cdrThdRec
	} else {
		p[0] = 4 // cdrFThdRec
	}
	return p
}

// packHFSNode lays records into a 512-byte HFS B*-tree node with the
// offset stack at the tail.
func packHFSNode(fLink, bLink uint32, kind int8, height uint8, records [][]byte) []byte {
	n := make([]byte, 512)
	copy(n[0:], u32(fLink))
	copy(n[4:], u32(bLink))
	n[8] = byte(kind)
	n[9] = height
	copy(n[10:], u16(uint16(len(records))))

	off := uint16(14)
	offs := []uint16{off}
	for _, r := range records {
		copy(n[off:], r)
		off += uint16(len(r))
		offs = append(offs, off)
	}
	for i, o := range offs {
		copy(n[512-2-2*i:], u16(o))
	}
	return n
}

// hfsHeaderNode builds a tree's header node: the 106-byte header record,
// the 128-byte user data record, and a map record marking totalNodes in
// use.
func hfsHeaderNode(depth uint16, root, leafRecords, firstLeaf, lastLeaf, totalNodes uint32, maxKeyLength uint16) []byte {
	n := make([]byte, 512)
	n[8] = 1 // header node
	copy(n[10:], u16(3))

	rec := n[14:]
	copy(rec[0:], u16(depth))
	copy(rec[2:], u32(root))
	copy(rec[6:], u32(leafRecords))
	copy(rec[10:], u32(firstLeaf))
	copy(rec[14:], u32(lastLeaf))
	copy(rec[18:], u16(512))
	copy(rec[20:], u16(maxKeyLength))
	copy(rec[22:], u32(totalNodes))

	for i := uint32(0); i < totalNodes; i++ {
		n[248+i/8] |= 0x80 >> (i % 8)
	}

	copy(n[512-2:], u16(14))
	copy(n[512-4:], u16(120))
	copy(n[512-6:], u16(248))
	copy(n[512-8:], u16(504))
	return n
}

// buildFixtureHFS assembles the whole source image. withSlashFile adds a
// second, empty file whose HFS name contains '/' (legal on HFS, where ':'
// is the path separator instead).
func buildFixtureHFS(t *testing.T, withSlashFile bool) []byte {
	t.Helper()
	img := make([]byte, (fixtureAlBlSt+fixtureBlocks+2)*512)

	// Master Directory Block, sector 2.
	mdb := img[0x400:]
	copy(mdb[0:], "BD")
	copy(mdb[0x2:], u32(fixtureStamp))
	copy(mdb[0x6:], u32(fixtureStamp))
	copy(mdb[0xc:], u16(1)) // one file in the root
	copy(mdb[0xe:], u16(3)) // bitmap at sector 3
	copy(mdb[0x12:], u16(fixtureBlocks))
	copy(mdb[0x14:], u32(512))
	copy(mdb[0x1c:], u16(fixtureAlBlSt))
	copy(mdb[0x1e:], u32(fixtureFileCNID+1))
	copy(mdb[0x22:], u16(fixtureBlocks-4))
	mdb[0x24] = 7
	copy(mdb[0x25:], "TestVol")
	copy(mdb[0x54:], u32(1)) // drFilCnt
	copy(mdb[0x58:], u32(0)) // drDirCnt
	copy(mdb[0x82:], u32(512))
	copy(mdb[0x86:], u16(0)) // extents overflow: block 0, 1 block
	copy(mdb[0x88:], u16(1))
	copy(mdb[0x92:], u32(1024))
	copy(mdb[0x96:], u16(1)) // catalog: blocks 1-2
	copy(mdb[0x98:], u16(2))

	// Allocation bitmap, sector 3: blocks 0-3 in use.
	img[3*512] = 0xF0

	block := func(i int) []byte { return img[(fixtureAlBlSt+i)*512:] }

	// Extents overflow file, allocation block 0: an empty one-node tree.
	copy(block(0), hfsHeaderNode(0, 0, 0, 0, 0, 1, 7))

	// Catalog file, allocation blocks 1-2: header node + one leaf, with
	// records in HFS key order (parent ascending, MacRoman byte order).
	records := [][]byte{
		append(hfsCatKey(1, "TestVol"), hfsFolderPayload(2, 1)...),
		append(hfsCatKey(2, ""), hfsThreadPayload(true)...),
		append(hfsCatKey(2, "Greeting"), hfsFilePayload(fixtureFileCNID, uint32(len(fixtureGreeting)), 3)...),
	}
	if withSlashFile {
		records = append(records, append(hfsCatKey(2, "a/b"), hfsFilePayload(fixtureFileCNID+1, 0, 0)...))
	}
	records = append(records, append(hfsCatKey(fixtureFileCNID, ""), hfsThreadPayload(false)...))
	if withSlashFile {
		records = append(records, append(hfsCatKey(fixtureFileCNID+1, ""), hfsThreadPayload(false)...))
	}
	leaf := packHFSNode(0, 0, hfsformat.NodeKindLeaf, 1, records)
	copy(block(1), hfsHeaderNode(1, 1, uint32(len(records)), 1, 1, 2, 37))
	copy(block(1)[512:], leaf)

	// The file's data fork, allocation block 3.
	copy(block(3), fixtureGreeting)

	return img
}

// readDestFork reassembles a fork's bytes from the 8 extents of an
// HFSPlusForkData record in the destination header.
func readDestFork(t *testing.T, dest *os.File, forkData []byte, blockSize uint32) []byte {
	t.Helper()
	logical := byteorder.Uint64(forkData)
	var buf []byte
	for i := 0; i < 8; i++ {
		start := byteorder.Uint32(forkData[16+8*i:])
		count := byteorder.Uint32(forkData[16+8*i+4:])
		if count == 0 {
			break
		}
		chunk := make([]byte, count*blockSize)
		_, err := dest.ReadAt(chunk, int64(start)*int64(blockSize))
		require.NoError(t, err)
		buf = append(buf, chunk...)
	}
	require.GreaterOrEqual(t, uint64(len(buf)), logical)
	return buf[:logical]
}

func TestConvertSingleSmallFile(t *testing.T) {
	img := buildFixtureHFS(t, false)

	destFile, err := os.CreateTemp(t.TempDir(), "converted-*.img")
	require.NoError(t, err)
	defer destFile.Close()

	c := New(DefaultOptions(), NewMetrics())
	require.NoError(t, c.Convert(bytes.NewReader(img), destFile))
	assert.Empty(t, c.Warnings)

	var hdr [512]byte
	_, err = destFile.ReadAt(hdr[:], 1024)
	require.NoError(t, err)
	assert.Equal(t, "H+", string(hdr[0:2]))
	assert.EqualValues(t, 4, byteorder.Uint16(hdr[2:]))
	assert.EqualValues(t, 1, byteorder.Uint32(hdr[0x20:]), "file count")
	assert.EqualValues(t, 0, byteorder.Uint32(hdr[0x24:]), "folder count")
	blockSize := byteorder.Uint32(hdr[0x28:])
	assert.EqualValues(t, 512, blockSize)

	// The alternate header matches the primary.
	totalBytes := int64(byteorder.Uint32(hdr[0x2c:])) * int64(blockSize)
	var alt [512]byte
	_, err = destFile.ReadAt(alt[:], totalBytes-1024)
	require.NoError(t, err)
	assert.Equal(t, hdr, alt)

	// The catalog parses back and finds /Greeting under the root.
	catalogBuf := readDestFork(t, destFile, hdr[0x110:0x160], blockSize)
	tree, err := btree.NewTree(hfsformat.BTreeVersionHFSPlusCatalog, catalogBuf)
	require.NoError(t, err)

	nameUnits := utf16.Encode([]rune("Greeting"))
	node, idx, found, err := tree.Search(btree.CompareHFSPlusCatalogKey(hfsformat.CNIDRootFolder, nameUnits))
	require.NoError(t, err)
	require.True(t, found, "converted catalog must hold a record for Greeting")

	payload := node.RecordPayloadDataAtIndex(uint16(idx))
	assert.EqualValues(t, hfsformat.HFSPlusRecordTypeFile, byteorder.Uint16(payload))
	fileID := byteorder.Uint32(payload[8:])
	assert.EqualValues(t, hfsformat.CNIDFirstUser, fileID, "first converted item takes the first user CNID")
	assert.Equal(t, "TEXT", string(payload[48:52]))
	assert.Equal(t, "ttxt", string(payload[52:56]))

	dataFork := payload[88 : 88+80]
	assert.EqualValues(t, len(fixtureGreeting), byteorder.Uint64(dataFork), "data fork logical length")
	assert.EqualValues(t, 1, byteorder.Uint32(dataFork[16+4:]), "one block covers six bytes")
	rsrcFork := payload[168 : 168+80]
	assert.Zero(t, byteorder.Uint64(rsrcFork), "no resource fork")

	got := readDestFork(t, destFile, payload[88:], blockSize)
	assert.Equal(t, fixtureGreeting, string(got))

	// The file's thread record maps its CNID back to the root + name.
	node, idx, found, err = tree.Search(btree.CompareHFSPlusCatalogKey(fileID, nil))
	require.NoError(t, err)
	require.True(t, found, "every file gets a thread record")
	thread := node.RecordPayloadDataAtIndex(uint16(idx))
	assert.EqualValues(t, hfsformat.HFSPlusRecordTypeFileThread, byteorder.Uint16(thread))
	assert.EqualValues(t, hfsformat.CNIDRootFolder, byteorder.Uint32(thread[4:]))

	// The extents overflow tree is empty: five extents would not have fit
	// an HFS record, but this file's one extent fits the catalog's eight.
	extentsBuf := readDestFork(t, destFile, hdr[0xc0:0x110], blockSize)
	etree, err := btree.NewTree(hfsformat.BTreeVersionHFSPlusExtentsOverflow, extentsBuf)
	require.NoError(t, err)
	assert.Zero(t, etree.Header().LeafRecords)

	// Free-space accounting: the header's free count matches the bitmap's.
	allocBuf := readDestFork(t, destFile, hdr[0x70:0xc0], blockSize)
	var setBits uint32
	for _, b := range allocBuf {
		for ; b != 0; b &= b - 1 {
			setBits++
		}
	}
	totalBlocks := byteorder.Uint32(hdr[0x2c:])
	assert.Equal(t, totalBlocks-setBits, byteorder.Uint32(hdr[0x30:]), "header free-block count vs bitmap")
}

func TestConvertNameWithSlash(t *testing.T) {
	img := buildFixtureHFS(t, true)

	destFile, err := os.CreateTemp(t.TempDir(), "converted-*.img")
	require.NoError(t, err)
	defer destFile.Close()

	c := New(DefaultOptions(), NewMetrics())
	require.NoError(t, c.Convert(bytes.NewReader(img), destFile))

	var hdr [512]byte
	_, err = destFile.ReadAt(hdr[:], 1024)
	require.NoError(t, err)
	catalogBuf := readDestFork(t, destFile, hdr[0x110:0x160], byteorder.Uint32(hdr[0x28:]))
	tree, err := btree.NewTree(hfsformat.BTreeVersionHFSPlusCatalog, catalogBuf)
	require.NoError(t, err)

	// The HFS name "a/b" must come out under its ':' form: HFS+ allows
	// ':' in names and forbids '/'.
	node, idx, found, err := tree.Search(btree.CompareHFSPlusCatalogKey(hfsformat.CNIDRootFolder, utf16.Encode([]rune("a:b"))))
	require.NoError(t, err)
	require.True(t, found, "a/b must convert to a:b")
	payload := node.RecordPayloadDataAtIndex(uint16(idx))
	assert.EqualValues(t, hfsformat.HFSPlusRecordTypeFile, byteorder.Uint16(payload))

	_, _, found, err = tree.Search(btree.CompareHFSPlusCatalogKey(hfsformat.CNIDRootFolder, utf16.Encode([]rune("a/b"))))
	require.NoError(t, err)
	assert.False(t, found, "the raw '/' form must not survive into the HFS+ catalog")

	// The thread record restates the swapped name.
	fileID := byteorder.Uint32(payload[8:])
	node, idx, found, err = tree.Search(btree.CompareHFSPlusCatalogKey(fileID, nil))
	require.NoError(t, err)
	require.True(t, found)
	thread := node.RecordPayloadDataAtIndex(uint16(idx))
	nameLen := int(byteorder.Uint16(thread[8:]))
	units := make([]uint16, nameLen)
	for i := range units {
		units[i] = byteorder.Uint16(thread[10+2*i:])
	}
	assert.Equal(t, "a:b", string(utf16.Decode(units)))
}

func TestConvertRefusesNonHFS(t *testing.T) {
	img := make([]byte, 4096)
	destFile, err := os.CreateTemp(t.TempDir(), "converted-*.img")
	require.NoError(t, err)
	defer destFile.Close()

	c := New(DefaultOptions(), NewMetrics())
	err = c.Convert(bytes.NewReader(img), destFile)
	assert.Error(t, err)
}

func TestVolumeUUIDDeterministic(t *testing.T) {
	a := VolumeUUID("TestVol", macEpochPlus(0x9c000000))
	b := VolumeUUID("TestVol", macEpochPlus(0x9c000000))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, VolumeUUID("OtherVol", macEpochPlus(0x9c000000)))
}

func macEpochPlus(seconds uint32) time.Time {
	return time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seconds) * time.Second)
}
