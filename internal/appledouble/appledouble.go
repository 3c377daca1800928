// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package appledouble

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Dump renders an AppleDouble header (the const block and MakePrefix live
// in core.go) as a human-readable summary, one entry per line, for
// "analyze --appledouble".

var entryNames = map[int]string{
	DATA_FORK:           "DATA_FORK",
	RESOURCE_FORK:       "RESOURCE_FORK",
	REAL_NAME:           "REAL_NAME",
	COMMENT:             "COMMENT",
	ICON_BW:             "ICON_BW",
	ICON_COLOR:          "ICON_COLOR",
	FILE_INFO_V1:        "FILE_INFO_V1",
	FILE_DATES_INFO:     "FILE_DATES_INFO",
	FINDER_INFO:         "FINDER_INFO",
	MACINTOSH_FILE_INFO: "MACINTOSH_FILE_INFO",
	PRODOS_FILE_INFO:    "PRODOS_FILE_INFO",
	MSDOS_FILE_INFO:     "MSDOS_FILE_INFO",
	SHORT_NAME:          "SHORT_NAME",
	AFP_FILE_INFO:       "AFP_FILE_INFO",
	DIRECTORY_ID:        "DIRECTORY_ID",
}

func Dump(r io.Reader) (string, error) {
	buf := make([]byte, 4096)
	n, err := r.Read(buf)
	if n < headerSize || n < headerSize+12*int(binary.BigEndian.Uint16(buf[24:])) {
		return "", fmt.Errorf("truncated appledouble (%d bytes): %w", n, err)
	}
	buf = buf[:n]

	// The fourth magic byte is 0x00 in the original spec and 0x07 in
	// everything Apple has shipped since; accept both.
	magic := append([]byte{}, buf[:8]...)
	magic[3] = 0
	if string(magic) != "\x00\x05\x16\x00\x00\x02\x00\x00" {
		return "", errors.New("not an appledouble: magic " + hex.EncodeToString(buf[:8]))
	}

	count := binary.BigEndian.Uint16(buf[24:])
	var out strings.Builder
	for i := range count {
		kind := binary.BigEndian.Uint32(buf[headerSize+12*i:])
		offset := binary.BigEndian.Uint32(buf[headerSize+12*i+4:])
		size := binary.BigEndian.Uint32(buf[headerSize+12*i+8:])
		name := entryNames[int(kind)]
		if name == "" {
			name = fmt.Sprintf("UNKNOWN_%X", kind)
		}

		// Entries too large for the read buffer (a whole resource fork)
		// get their byte range; the small metadata entries get decoded.
		val := fmt.Sprintf("%#x:%#x", offset, offset+size)
		if offset+size <= uint32(len(buf)) {
			data := buf[offset : offset+size]
			switch kind {
			case FILE_DATES_INFO:
				val = formatDates(data)
			case FINDER_INFO: // differs between files and directories
				val = formatFinderInfo(data)
			case MACINTOSH_FILE_INFO:
				val = formatOtherInfo(data)
			}
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(&out, "%s=%s", name, val)
	}
	return out.String(), nil
}

func macdate(data []byte) string {
	t := binary.BigEndian.Uint32(data)
	if t == 0 {
		return "zero"
	}
	return time.Unix(int64(t)-2082844800, 0).UTC().Format("2006-01-02 15:04:05")
}

func formatDates(data []byte) string {
	if len(data) < 16 {
		return "malformed " + hex.EncodeToString(data)
	}
	return fmt.Sprintf("(C=%s,M=%s,B=%s,A=%s)",
		macdate(data[:]),
		macdate(data[4:]),
		macdate(data[8:]),
		macdate(data[12:]))
}

// finderFlagNames pairs each Finder flag bit with its dump label, in bit
// order. The color mask is handled separately since it carries a value.
var finderFlagNames = []struct {
	bit  uint16
	name string
}{
	{FlagIsOnDesk, "isOnDesk"},
	{0x0010, "unknown0x10"},
	{FlagRequireSwitchLaunch, "requireSwitchLaunch"},
	{FlagIsShared, "isShared"},
	{FlagHasNoINITs, "hasNoINITs"},
	{FlagHasBeenInited, "hasBeenInited"},
	{FlagAOCELetter, "aoceLetter"},
	{FlagHasCustomIcon, "hasCustomIcon"},
	{FlagIsStationery, "isStationery"},
	{FlagNameLocked, "nameLocked"},
	{FlagHasBundle, "hasBundle"},
	{FlagIsInvisible, "isInvisible"},
	{FlagIsAlias, "isAlias"},
}

func formatFinderInfo(data []byte) string {
	if len(data) < 32 {
		return "malformed " + hex.EncodeToString(data)
	}
	// A file's first 8 bytes are type and creator codes (printable); a
	// directory's are its window rect (small signed ints).
	isDir := string(data[:4]) != "\x00\x00\x00\x00" && (data[0] < 32 || data[2] < 32)

	var out strings.Builder
	if isDir {
		fmt.Fprintf(&out, "(%d,%d,%d,%d) ",
			int16(binary.BigEndian.Uint16(data[0:2])),
			int16(binary.BigEndian.Uint16(data[2:4])),
			int16(binary.BigEndian.Uint16(data[4:6])),
			int16(binary.BigEndian.Uint16(data[6:8])))
	} else {
		fmt.Fprintf(&out, "(%q,%q) ", data[:4], data[4:8])
	}

	ff := binary.BigEndian.Uint16(data[8:])
	var flags []string
	for _, f := range finderFlagNames {
		if ff&f.bit != 0 {
			flags = append(flags, f.name)
		}
		if f.bit == FlagIsOnDesk && ff&MaskColor != 0 {
			flags = append(flags, fmt.Sprintf("color%d", ff>>1&7))
		}
	}
	fmt.Fprintf(&out, "(%s) ", strings.Join(flags, ","))

	fmt.Fprintf(&out, "(%d,%d) ", // location in the window
		int16(binary.BigEndian.Uint16(data[10:12])),
		int16(binary.BigEndian.Uint16(data[12:14])))

	fmt.Fprintf(&out, "(rsrv=%#x)", int16(binary.BigEndian.Uint16(data[14:16])))

	if string(data[16:32]) != string(make([]byte, 16)) {
		fmt.Fprintf(&out, " (ext=%s)", hex.EncodeToString(data[16:32]))
	}
	return out.String()
}

func formatOtherInfo(data []byte) string {
	if len(data) != 4 || data[0]&0x3f != 0 || (data[1]|data[2]|data[3]) != 0 {
		return "malformed " + hex.EncodeToString(data)
	}
	var v []string
	if data[0]&0x80 != 0 {
		v = append(v, "locked")
	}
	if data[0]&0x40 != 0 {
		v = append(v, "protected")
	}
	return "(" + strings.Join(v, ",") + ")"
}
