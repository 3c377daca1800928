package convert

import (
	"os"
	"testing"
	"testing/fstest"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

func TestArchiveBuildsVolumeFromHostTree(t *testing.T) {
	stamp := time.Date(2003, 7, 14, 12, 0, 0, 0, time.UTC)
	fsys := fstest.MapFS{
		"hello.txt":       &fstest.MapFile{Data: []byte("hello from the host\n"), Mode: 0o644, ModTime: stamp},
		"docs/readme.txt": &fstest.MapFile{Data: []byte("nested"), Mode: 0o644, ModTime: stamp},
		"._hello.txt":     &fstest.MapFile{Data: []byte("sidecar, skipped"), Mode: 0o644, ModTime: stamp},
	}

	destFile, err := os.CreateTemp(t.TempDir(), "archive-*.img")
	require.NoError(t, err)
	defer destFile.Close()

	opts := ArchiveOptions{
		TotalBlocks:     4096,
		BlockSize:       512,
		VolumeName:      "Archive",
		CatalogNodeSize: 4096,
	}
	require.NoError(t, Archive(fsys, opts, destFile))

	var hdr [512]byte
	_, err = destFile.ReadAt(hdr[:], 1024)
	require.NoError(t, err)
	assert.Equal(t, "H+", string(hdr[0:2]))
	assert.EqualValues(t, 2, byteorder.Uint32(hdr[0x20:]), "sidecar must not count as a file")
	assert.EqualValues(t, 1, byteorder.Uint32(hdr[0x24:]), "one folder besides the root")

	catalogBuf := readDestFork(t, destFile, hdr[0x110:0x160], byteorder.Uint32(hdr[0x28:]))
	tree, err := btree.NewTree(hfsformat.BTreeVersionHFSPlusCatalog, catalogBuf)
	require.NoError(t, err)

	// The root folder record is named after the volume and counts both
	// root children (hello.txt and docs).
	node, idx, found, err := tree.Search(btree.CompareHFSPlusCatalogKey(hfsformat.CNIDParentOfRoot, utf16.Encode([]rune("Archive"))))
	require.NoError(t, err)
	require.True(t, found)
	rootRec := node.RecordPayloadDataAtIndex(uint16(idx))
	assert.EqualValues(t, hfsformat.HFSPlusRecordTypeFolder, byteorder.Uint16(rootRec))
	assert.EqualValues(t, 2, byteorder.Uint32(rootRec[4:]), "root valence")

	// The nested file sits under the docs folder, wherever its CNID
	// landed in walk order.
	node, idx, found, err = tree.Search(btree.CompareHFSPlusCatalogKey(hfsformat.CNIDRootFolder, utf16.Encode([]rune("docs"))))
	require.NoError(t, err)
	require.True(t, found)
	docsRec := node.RecordPayloadDataAtIndex(uint16(idx))
	docsCNID := byteorder.Uint32(docsRec[8:])

	node, idx, found, err = tree.Search(btree.CompareHFSPlusCatalogKey(docsCNID, utf16.Encode([]rune("readme.txt"))))
	require.NoError(t, err)
	require.True(t, found)
	fileRec := node.RecordPayloadDataAtIndex(uint16(idx))
	got := readDestFork(t, destFile, fileRec[88:], byteorder.Uint32(hdr[0x28:]))
	assert.Equal(t, "nested", string(got))

	// The skipped sidecar left no record behind.
	_, _, found, err = tree.Search(btree.CompareHFSPlusCatalogKey(hfsformat.CNIDRootFolder, utf16.Encode([]rune("._hello.txt"))))
	require.NoError(t, err)
	assert.False(t, found)
}
