// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package probe identifies what kind of volume image a reader holds: a
// bare HFS or HFS+ volume, or an Apple Partition Map containing one or
// more partitions, one of which carries an HFS or HFS+ signature.
package probe

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
)

// Format identifies the on-disk filesystem signature found at a given
// byte offset.
type Format int

const (
	FormatUnknown Format = iota
	FormatHFS
	FormatHFSPlus
	FormatHFSX // case-sensitive HFS+, signature "HX"
)

// Partition describes one Apple Partition Map entry of interest: its
// byte range on the backing reader and, if identifiable, the filesystem
// format found at its start.
type Partition struct {
	Name   string
	Type   string
	Offset int64
	Length int64
	Format Format
}

// ErrNoFilesystem is returned when neither a bare HFS/HFS+ signature nor
// an Apple Partition Map with an HFS/HFS+ partition could be found.
var ErrNoFilesystem = errors.New("probe: no HFS or HFS+ filesystem found")

// Result is what Probe found on a disk: either a single bare
// volume (in which case Partitions is nil and BareFormat is set), or an
// Apple Partition Map (BareFormat is FormatUnknown and Partitions lists
// every non-Apple_Free entry, annotated with whatever filesystem format
// sniffFormat found at its start).
type Result struct {
	BareFormat Format
	Partitions []Partition
}

// Probe reads disk's first few sectors to determine its layout.
func Probe(disk io.ReaderAt) (Result, error) {
	if format := sniffFormat(disk, 0x400); format != FormatUnknown {
		return Result{BareFormat: format}, nil
	}

	partitions, err := readApplePartitionMap(disk)
	if err != nil {
		return Result{}, err
	}
	found := false
	for i := range partitions {
		partitions[i].Format = sniffFormat(disk, partitions[i].Offset+0x400)
		if partitions[i].Format != FormatUnknown {
			found = true
		}
	}
	if !found {
		return Result{}, ErrNoFilesystem
	}
	return Result{Partitions: partitions}, nil
}

// sniffFormat reads the 2-byte signature at the HFS/HFS+ Master Directory
// Block / Volume Header position, mdbOffset bytes into whatever region is
// being probed (0x400 for a bare volume, partitionOffset+0x400 inside an
// Apple Partition Map entry).
func sniffFormat(disk io.ReaderAt, mdbOffset int64) Format {
	var sig [2]byte
	if _, err := disk.ReadAt(sig[:], mdbOffset); err != nil {
		return FormatUnknown
	}
	switch string(sig[:]) {
	case "BD":
		return FormatHFS
	case "H+":
		return FormatHFSPlus
	case "HX":
		return FormatHFSX
	default:
		return FormatUnknown
	}
}

// readApplePartitionMap parses the driver descriptor map and the
// partition map entries after it, returning one Partition per non-free
// entry.
func readApplePartitionMap(disk io.ReaderAt) ([]Partition, error) {
	var ddm [514]byte
	n, _ := disk.ReadAt(ddm[:], 0)
	if n < 514 || ddm[0] != 'E' || ddm[1] != 'R' {
		return nil, ErrNoFilesystem
	}

	sbBlkSize := binary.BigEndian.Uint16(ddm[2:])
	mapEntryStep := int64(sbBlkSize)
	if ddm[512] == 'P' && ddm[513] == 'M' {
		mapEntryStep = 512 // buggy-ROM shadow map assumes 512-byte sectors
	}

	var first [8]byte
	if n, _ := disk.ReadAt(first[:], mapEntryStep); n < 8 || first[0] != 'P' || first[1] != 'M' {
		return nil, errors.New("probe: corrupt Apple Partition Map")
	}
	count := int64(binary.BigEndian.Uint32(first[4:8]))

	var partitions []Partition
	for i := int64(0); i < count; i++ {
		var ent [512]byte
		if _, err := disk.ReadAt(ent[:], mapEntryStep*(1+i)); err != nil {
			return nil, err
		}
		if ent[0] != 'P' || ent[1] != 'M' {
			return nil, errors.New("probe: corrupt Apple Partition Map entry")
		}
		pmPyPartStart := binary.BigEndian.Uint32(ent[8:])
		pmPartBlkCnt := binary.BigEndian.Uint32(ent[12:])
		pmParType, _, _ := strings.Cut(string(ent[48:80]), "\x00")
		pmPartName, _, _ := strings.Cut(string(ent[16:48]), "\x00")

		if pmParType == "Apple_Free" {
			continue
		}
		partitions = append(partitions, Partition{
			Name:   pmPartName,
			Type:   pmParType,
			Offset: int64(mapEntryStep) * int64(pmPyPartStart),
			Length: int64(mapEntryStep) * int64(pmPartBlkCnt),
		})
	}
	return partitions, nil
}
