// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/boredzo/impluse-hfs/internal/appledouble"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
	"github.com/boredzo/impluse-hfs/internal/sourcevolume"
)

var extractCmd = &cobra.Command{
	Use:   "extract <source> <item-path> <destination>",
	Short: "Extract one catalog item's forks to the host filesystem",
	Long: `Extract rehydrates one HFS catalog item onto the host filesystem: the
data fork as a plain file, and an AppleDouble sidecar file alongside it,
named per appledouble.Sidecar, carrying the resource fork and Finder
info a plain data-fork copy would otherwise drop. The sidecar is
written for every extracted item, even one with an empty resource fork.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(args[0], args[1], args[2])
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)
}

func runExtract(sourcePath, itemPath, destPath string) error {
	f, err := openDisk(sourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	script, err := scriptCode(flagEncoding)
	if err != nil {
		return err
	}

	source, err := sourcevolume.Load(f)
	if err != nil {
		return fmt.Errorf("impluse: loading %s: %w", sourcePath, err)
	}
	source.DefaultScript = script

	var entries []sourcevolume.Entry
	err = source.Walk(func(e sourcevolume.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("impluse: walking catalog: %w", err)
	}

	byCNID := make(map[uint32]sourcevolume.Entry, len(entries))
	for _, e := range entries {
		byCNID[e.CNID] = e
	}
	var resolve func(e sourcevolume.Entry) string
	resolve = func(e sourcevolume.Entry) string {
		if e.ParentID == hfsformat.CNIDRootFolder || e.ParentID == hfsformat.CNIDParentOfRoot {
			return e.Name
		}
		if parent, ok := byCNID[e.ParentID]; ok {
			return resolve(parent) + "/" + e.Name
		}
		return e.Name
	}

	var found *sourcevolume.Entry
	for i := range entries {
		if resolve(entries[i]) == itemPath {
			found = &entries[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("impluse: %s: no such item in %s", itemPath, sourcePath)
	}

	if found.IsDir {
		return os.MkdirAll(destPath, 0o755)
	}
	return extractFile(source, *found, destPath)
}

func extractFile(source *sourcevolume.Volume, e sourcevolume.Entry, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	if e.DataLogicalSize > 0 {
		data, err := source.OpenFork(e, false)
		if err != nil {
			return fmt.Errorf("impluse: opening data fork: %w", err)
		}
		if err := writeReaderAt(destPath, data, int64(e.DataLogicalSize)); err != nil {
			return err
		}
	} else if _, err := os.Create(destPath); err != nil {
		return err
	}

	ad := &appledouble.AppleDouble{
		CreateTime: e.CreateDate,
		ModTime:    e.ModifyDate,
	}
	ad.LoadFInfo(&e.FinderInfo)
	ad.LoadFXInfo(&e.XFinderInfo)

	var opener func() io.Reader
	var rsrcSize int64
	if e.RsrcLogicalSize > 0 {
		rsrc, err := source.OpenFork(e, true)
		if err != nil {
			return fmt.Errorf("impluse: opening resource fork: %w", err)
		}
		rsrcSize = int64(e.RsrcLogicalSize)
		opener = func() io.Reader { return io.NewSectionReader(rsrc, 0, rsrcSize) }
	}
	sidecarReader, sidecarLen := ad.WithSequentialResourceFork(opener, rsrcSize)

	sidecarPath := appledouble.Sidecar(destPath)
	out, err := os.Create(sidecarPath)
	if err != nil {
		return fmt.Errorf("impluse: creating %s: %w", sidecarPath, err)
	}
	defer out.Close()
	if _, err := io.CopyN(out, sidecarReader(), sidecarLen); err != nil && err != io.EOF {
		return fmt.Errorf("impluse: writing %s: %w", sidecarPath, err)
	}
	return nil
}

func writeReaderAt(destPath string, r io.ReaderAt, size int64) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("impluse: creating %s: %w", destPath, err)
	}
	defer out.Close()
	_, err = io.Copy(out, io.NewSectionReader(r, 0, size))
	return err
}
