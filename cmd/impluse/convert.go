// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/boredzo/impluse-hfs/internal/convert"
	"github.com/boredzo/impluse-hfs/internal/probe"
)

var (
	flagDryRun bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <source> <destination>",
	Short: "Convert an HFS volume image into an HFS Plus volume image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConvert(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "skip copying fork data, filling forks with a placeholder instead")
}

func runConvert(sourcePath, destPath string) error {
	script, err := scriptCode(flagEncoding)
	if err != nil {
		return err
	}

	sourceFile, err := openDisk(sourcePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	sourceDisk, err := locateHFS(sourcePath, sourceFile)
	if err != nil {
		return err
	}

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("impluse: creating %s: %w", destPath, err)
	}
	defer destFile.Close()

	opts := convert.DefaultOptions()
	opts.HFSTextEncoding = script
	opts.CopyForkData = !flagDryRun
	opts.Logger = newLogger()

	metrics := convert.NewMetrics()
	c := convert.New(opts, metrics)
	if err := c.Convert(sourceDisk, destFile); err != nil {
		return fmt.Errorf("impluse: converting %s: %w", sourcePath, err)
	}

	for _, w := range c.Warnings {
		fmt.Fprintf(os.Stderr, "impluse: warning: %s\n", w)
	}
	fmt.Printf("converted %s -> %s\n", sourcePath, destPath)
	return nil
}

// locateHFS probes the image and returns a reader over the HFS volume to
// convert: the whole file for a bare volume, or the first Apple_HFS
// partition's byte range for a partitioned image. HFS+ and HFSX sources
// are rejected up front rather than failing deeper in the pipeline.
func locateHFS(sourcePath string, f *os.File) (io.ReaderAt, error) {
	result, err := probe.Probe(f)
	if err != nil {
		return nil, fmt.Errorf("impluse: probing %s: %w", sourcePath, err)
	}
	switch result.BareFormat {
	case probe.FormatHFS:
		return f, nil
	case probe.FormatHFSPlus:
		return nil, fmt.Errorf("impluse: %s is already HFS+", sourcePath)
	case probe.FormatHFSX:
		return nil, fmt.Errorf("impluse: %s: case-sensitive HFSX volumes are not supported", sourcePath)
	}
	for _, p := range result.Partitions {
		if p.Format == probe.FormatHFS {
			fmt.Fprintf(os.Stderr, "impluse: converting partition %q at offset %d\n", p.Name, p.Offset)
			return io.NewSectionReader(f, p.Offset, p.Length), nil
		}
	}
	return nil, fmt.Errorf("impluse: %s: no HFS partition found", sourcePath)
}
