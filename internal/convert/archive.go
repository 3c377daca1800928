// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package convert

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/destvolume"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
	"github.com/boredzo/impluse-hfs/internal/walk"
)

// ArchiveOptions configures building a fresh HFS+ volume from a host
// directory tree -- the reverse direction from Convert, host filesystem in,
// volume image out.
type ArchiveOptions struct {
	TotalBlocks     uint32
	BlockSize       uint32
	VolumeName      string
	CatalogNodeSize uint16
}

// Archive builds a new HFS+ volume at destFile containing fsys's regular
// files, in the order internal/walk.FilesInDiskOrder reports them (inode
// order when the host filesystem exposes inode numbers, unsorted walk
// order otherwise). It reuses the same destvolume/btree building blocks and
// catalog/extents record helpers step2BulkConvert does, just sourcing
// entries from an fs.FS directory tree instead of a decoded HFS catalog.
//
// AppleDouble sidecar files (._name) are skipped as archive inputs; the
// Finder info and resource fork they carry are not restored onto the
// HFS+ side.
func Archive(fsys fs.FS, opts ArchiveOptions, destFile *os.File) error {
	dest, err := destvolume.Create(destFile, opts.TotalBlocks, opts.BlockSize, opts.VolumeName)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	dest.CreateDate, dest.ModifyDate = now, now
	if opts.CatalogNodeSize != 0 {
		dest.CatalogBuilder = btree.NewCatalogBuilder(true, opts.CatalogNodeSize)
	}

	if err := dest.WriteTemporaryPreamble(); err != nil {
		return err
	}

	// Folder records are deferred until every child is known, since a
	// folder's valence counts its children and ensureDir discovers
	// directories lazily, parent-before-child but sibling order unknown.
	type stagedDir struct {
		cnid, parentCNID uint32
		name             string
		modTime          time.Time
	}
	var catalogRecords, extentRecords []keyedRecord
	var dirs []stagedDir
	dirCNID := map[string]uint32{".": hfsformat.CNIDRootFolder}
	valence := map[uint32]uint32{}

	var ensureDir func(dir string) (uint32, error)
	ensureDir = func(dir string) (uint32, error) {
		if cnid, ok := dirCNID[dir]; ok {
			return cnid, nil
		}
		parentCNID, err := ensureDir(path.Dir(dir))
		if err != nil {
			return 0, err
		}

		modTime := now
		if info, statErr := fs.Stat(fsys, dir); statErr == nil {
			modTime = info.ModTime()
		}

		cnid := dest.NextCNID()
		dirCNID[dir] = cnid
		dest.FolderCount++
		valence[parentCNID]++
		dirs = append(dirs, stagedDir{cnid: cnid, parentCNID: parentCNID, name: path.Base(dir), modTime: modTime})
		return cnid, nil
	}

	_, files := walk.FilesInDiskOrder(fsys)
	for name := range files {
		if strings.HasPrefix(path.Base(name), "._") {
			continue // AppleDouble sidecar, not an archive input in its own right
		}

		parentCNID, err := ensureDir(path.Dir(name))
		if err != nil {
			return fmt.Errorf("convert: archiving %s: %w", name, err)
		}

		info, err := fs.Stat(fsys, name)
		if err != nil {
			return fmt.Errorf("convert: stat %s: %w", name, err)
		}

		cnid := dest.NextCNID()
		handle := destvolume.NewFileHandle(dest, cnid, uint8(hfsformat.ForkTypeData))
		if err := copyHostFile(fsys, name, handle); err != nil {
			return fmt.Errorf("convert: copying %s: %w", name, err)
		}
		appendOverflow(handle, cnid, uint8(hfsformat.ForkTypeData), &extentRecords)

		baseName := path.Base(name)
		nameUnits := runesToUTF16(baseName)
		mt := toMacTime(info.ModTime())

		dest.FileCount++
		valence[parentCNID]++
		key := makeHFSPlusCatalogKey(parentCNID, nameUnits)
		rec := makeFileRecord(cnid, mt, mt, [16]byte{}, [16]byte{}, 0, handle, nil)
		catalogRecords = append(catalogRecords, keyedRecord{key: key, rec: append(key, rec...)})

		threadKey := makeHFSPlusCatalogKey(cnid, nil)
		threadRec := makeThreadRecord(false, parentCNID, nameUnits)
		catalogRecords = append(catalogRecords, keyedRecord{key: threadKey, rec: append(threadKey, threadRec...)})
	}

	// The root folder's own record and thread, named after the volume.
	dirs = append(dirs, stagedDir{cnid: hfsformat.CNIDRootFolder, parentCNID: hfsformat.CNIDParentOfRoot, name: opts.VolumeName, modTime: now})
	for _, d := range dirs {
		nameUnits := runesToUTF16(d.name)
		dmt := toMacTime(d.modTime)
		key := makeHFSPlusCatalogKey(d.parentCNID, nameUnits)
		rec := makeFolderRecord(d.cnid, valence[d.cnid], dmt, dmt, [16]byte{}, [16]byte{}, 0)
		catalogRecords = append(catalogRecords, keyedRecord{key: key, rec: append(key, rec...)})

		threadKey := makeHFSPlusCatalogKey(d.cnid, nil)
		threadRec := makeThreadRecord(true, d.parentCNID, nameUnits)
		catalogRecords = append(catalogRecords, keyedRecord{key: threadKey, rec: append(threadKey, threadRec...)})
	}

	sort.Slice(catalogRecords, func(i, j int) bool {
		return btree.CompareHFSPlusCatalogKeyBytes(catalogRecords[i].key, catalogRecords[j].key) < 0
	})
	for _, kr := range catalogRecords {
		if err := dest.CatalogBuilder.AddRecord(kr.rec); err != nil {
			return fmt.Errorf("convert: assembling catalog tree: %w", err)
		}
	}

	sort.Slice(extentRecords, func(i, j int) bool {
		return btree.CompareHFSPlusExtentKeyBytes(extentRecords[i].key, extentRecords[j].key) < 0
	})
	for _, kr := range extentRecords {
		if err := dest.ExtentsBuilder.AddRecord(kr.rec); err != nil {
			return fmt.Errorf("convert: assembling extents overflow tree: %w", err)
		}
	}

	return dest.Flush(hfsformat.CNIDCatalogFile, hfsformat.CNIDExtentsFile, hfsformat.CNIDAllocationFile)
}

func copyHostFile(fsys fs.FS, name string, dst *destvolume.FileHandle) error {
	f, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	var off int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
