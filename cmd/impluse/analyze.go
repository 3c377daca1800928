// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/boredzo/impluse-hfs/internal/appledouble"
	"github.com/boredzo/impluse-hfs/internal/btree"
	"github.com/boredzo/impluse-hfs/internal/consistency"
	"github.com/boredzo/impluse-hfs/internal/probe"
	"github.com/boredzo/impluse-hfs/internal/sourcevolume"
)

var flagAppleDouble string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <source>",
	Short: "Probe a volume image and check its catalog/bitmap consistency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(args[0])
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVar(&flagAppleDouble, "appledouble", "", "dump an AppleDouble sidecar file's header instead of analyzing a volume")
}

func runAnalyze(sourcePath string) error {
	if flagAppleDouble != "" {
		return dumpAppleDouble(flagAppleDouble)
	}

	f, err := openDisk(sourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := probe.Probe(f)
	if err != nil {
		return fmt.Errorf("impluse: probing %s: %w", sourcePath, err)
	}
	describeProbe(sourcePath, result)

	script, err := scriptCode(flagEncoding)
	if err != nil {
		return err
	}

	source, err := sourcevolume.Load(f)
	if err != nil {
		return fmt.Errorf("impluse: loading %s: %w", sourcePath, err)
	}
	source.DefaultScript = script

	checker := consistency.NewChecker(uint32(source.TotalBlocks))
	var entries int
	err = source.Walk(func(e sourcevolume.Entry) error {
		entries++
		for _, ext := range e.DataExtents {
			checker.VisitExtent(e.CNID, ext)
		}
		for _, ext := range e.RsrcExtents {
			checker.VisitExtent(e.CNID, ext)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("impluse: walking catalog: %w", err)
	}

	bitmap, err := source.Bitmap()
	if err != nil {
		return fmt.Errorf("impluse: reading bitmap: %w", err)
	}
	unclaimed := checker.CheckBitmap(bitmap)

	fmt.Printf("%d catalog entries, fingerprint %016x\n", entries, checker.Fingerprint())
	describeTree("catalog", source.CatalogTree())
	describeTree("extents overflow", source.ExtentsTree())
	if len(unclaimed) > 0 {
		fmt.Printf("%d allocation block(s) marked used but unclaimed by any catalog entry\n", len(unclaimed))
	}
	for _, w := range source.Warnings {
		fmt.Fprintf(os.Stderr, "impluse: warning: %s\n", w)
	}
	for _, finding := range checker.Findings() {
		fmt.Fprintf(os.Stderr, "impluse: finding: %s\n", finding)
	}
	return nil
}

// describeTree walks a B*-tree breadth-first and tallies its structure,
// which surfaces broken child pointers (the walk errors out) as well as
// the index/leaf shape.
func describeTree(label string, tree *btree.Tree) {
	var indexNodes, leafNodes, records int
	err := tree.WalkBreadthFirst(func(n *btree.Node) error {
		switch {
		case n.IsIndex():
			indexNodes++
		case n.IsLeaf():
			leafNodes++
			records += int(n.NumRecords())
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "impluse: %s tree walk failed: %v\n", label, err)
		return
	}
	fmt.Printf("%s tree: depth %d, %d index node(s), %d leaf node(s), %d leaf record(s)\n",
		label, tree.Header().TreeDepth, indexNodes, leafNodes, records)
}

func describeProbe(sourcePath string, result probe.Result) {
	if result.BareFormat != probe.FormatUnknown {
		fmt.Printf("%s: bare volume, format %s\n", sourcePath, formatName(result.BareFormat))
		return
	}
	fmt.Printf("%s: Apple Partition Map, %d partition(s)\n", sourcePath, len(result.Partitions))
	for _, p := range result.Partitions {
		fmt.Printf("  %-16s %-16s offset=%d length=%d format=%s\n", p.Name, p.Type, p.Offset, p.Length, formatName(p.Format))
	}
}

func formatName(f probe.Format) string {
	switch f {
	case probe.FormatHFS:
		return "HFS"
	case probe.FormatHFSPlus:
		return "HFS+"
	case probe.FormatHFSX:
		return "HFSX"
	default:
		return "unknown"
	}
}

func dumpAppleDouble(path string) error {
	f, err := openDisk(path)
	if err != nil {
		return err
	}
	defer f.Close()

	summary, err := appledouble.Dump(f)
	if err != nil {
		return fmt.Errorf("impluse: dumping %s: %w", path, err)
	}
	fmt.Println(summary)
	return nil
}
