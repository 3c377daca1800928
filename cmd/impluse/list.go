// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/boredzo/impluse-hfs/internal/hfsformat"
	"github.com/boredzo/impluse-hfs/internal/sourcevolume"
)

var flagLong bool

var listCmd = &cobra.Command{
	Use:   "list <source>",
	Short: "List an HFS volume's catalog as a path tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(args[0])
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVarP(&flagLong, "long", "l", false, "show sizes and dates alongside each path")
}

func runList(sourcePath string) error {
	_, entries, err := loadAndWalk(sourcePath)
	if err != nil {
		return err
	}

	byCNID := make(map[uint32]sourcevolume.Entry, len(entries))
	for _, e := range entries {
		byCNID[e.CNID] = e
	}

	paths := make([]string, 0, len(entries))
	pathByCNID := make(map[uint32]string, len(entries))
	var resolve func(e sourcevolume.Entry) string
	resolve = func(e sourcevolume.Entry) string {
		if p, ok := pathByCNID[e.CNID]; ok {
			return p
		}
		var p string
		if e.ParentID == hfsformat.CNIDRootFolder || e.ParentID == hfsformat.CNIDParentOfRoot {
			p = e.Name
		} else if parent, ok := byCNID[e.ParentID]; ok {
			p = resolve(parent) + "/" + e.Name
		} else {
			p = e.Name
		}
		pathByCNID[e.CNID] = p
		return p
	}
	for _, e := range entries {
		paths = append(paths, resolve(e))
	}
	sort.Strings(paths)

	pathToEntry := make(map[string]sourcevolume.Entry, len(entries))
	for _, e := range entries {
		pathToEntry[resolve(e)] = e
	}

	for _, p := range paths {
		if !flagLong {
			fmt.Println(p)
			continue
		}
		e := pathToEntry[p]
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		fmt.Printf("%-4s %10d %s %s\n", kind, e.DataLogicalSize, e.ModifyDate.Format("2006-01-02 15:04:05"), p)
	}
	return nil
}

// loadAndWalk loads sourcePath as an HFS volume and collects every catalog
// entry into a slice, a deliberate two-pass approach (rather than
// streaming output during Walk) since a catalog's on-disk key order does
// not guarantee a parent record appears before its children -- list needs
// every entry in hand before it can resolve any path.
func loadAndWalk(sourcePath string) (*sourcevolume.Volume, []sourcevolume.Entry, error) {
	f, err := openDisk(sourcePath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	script, err := scriptCode(flagEncoding)
	if err != nil {
		return nil, nil, err
	}

	source, err := sourcevolume.Load(f)
	if err != nil {
		return nil, nil, fmt.Errorf("impluse: loading %s: %w", sourcePath, err)
	}
	source.DefaultScript = script

	var entries []sourcevolume.Entry
	err = source.Walk(func(e sourcevolume.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("impluse: walking catalog: %w", err)
	}
	return source, entries, nil
}
