package appledouble

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"path"
	"time"
)

// AppleDouble is the metadata an extracted catalog item carries into its
// sidecar file: timestamps, lock state, and the Finder info fields that
// stay meaningful off the original volume. (Fldr, IconID, Comment,
// PutAway, OpenChain, and Script are excluded: they reference state that
// only existed on the source volume.)
type AppleDouble struct {
	CreateTime, ModTime, BkTime, AccTime time.Time
	Locked                               bool

	Comment string

	// Finder info common to files and directories.
	Flags    uint16
	Location struct{ Y, X int16 }
	XFlags   uint16

	// File-only Finder info.
	Type    [4]byte
	Creator [4]byte

	// Directory-only Finder info.
	Rect   struct{ T, L, B, R int16 }
	View   int16 // 0 is not a valid value, use 256 (icon view)
	Scroll struct{ Y, X int16 }
}

// Sidecar names the AppleDouble companion of an extracted file: the same
// path with "._" prefixed to the base name.
func Sidecar(name string) string {
	dir, base := path.Split(name)
	return dir + "._" + base
}

// Finder flag bits, for callers that want to inspect Flags/XFlags.
const (
	FlagIsOnDesk            = 0x0001 // Files and folders (System 6)
	MaskColor               = 0x000E // Files and folders
	FlagRequireSwitchLaunch = 0x0020 // Applications only
	FlagIsShared            = 0x0040 // Applications only
	FlagHasNoINITs          = 0x0080 // Extensions/Control Panels only
	FlagHasBeenInited       = 0x0100 // Files only
	FlagAOCELetter          = 0x0200 // obsoleted
	FlagHasCustomIcon       = 0x0400 // Files and folders
	FlagIsStationery        = 0x0800 // Files only
	FlagNameLocked          = 0x1000 // Files and folders
	FlagHasBundle           = 0x2000 // Files only
	FlagIsInvisible         = 0x4000 // Files and folders
	FlagIsAlias             = 0x8000 // Files only
	XFlagHasCustomBadge     = 0x0100
	XFlagHasRoutingInfo     = 0x0004
)

// LoadFInfo fills the file fields from a catalog record's FInfo bytes.
func (m *AppleDouble) LoadFInfo(d *[16]byte) {
	copy(m.Type[:], d[:])
	copy(m.Creator[:], d[4:])
	m.Flags = binary.BigEndian.Uint16(d[8:])
	m.Location.Y = int16(binary.BigEndian.Uint16(d[10:]))
	m.Location.X = int16(binary.BigEndian.Uint16(d[12:]))
}

// LoadFXInfo fills XFlags from a file's FXInfo bytes. A set high bit
// means the field holds the abandoned filename-script value instead of
// flags; treat that as no flags at all.
func (m *AppleDouble) LoadFXInfo(d *[16]byte) {
	m.XFlags = binary.BigEndian.Uint16(d[8:])
	if m.XFlags&0x8000 != 0 {
		m.XFlags = 0
	}
}

// LoadDInfo fills the directory fields from a DInfo record.
func (m *AppleDouble) LoadDInfo(d *[16]byte) {
	m.Rect.T = int16(binary.BigEndian.Uint16(d[:]))
	m.Rect.L = int16(binary.BigEndian.Uint16(d[2:]))
	m.Rect.B = int16(binary.BigEndian.Uint16(d[4:]))
	m.Rect.R = int16(binary.BigEndian.Uint16(d[6:]))
	m.Flags = binary.BigEndian.Uint16(d[8:])
	m.Location.Y = int16(binary.BigEndian.Uint16(d[10:]))
	m.Location.X = int16(binary.BigEndian.Uint16(d[12:]))
	m.View = int16(binary.BigEndian.Uint16(d[14:]))
}

// LoadDXInfo fills the directory scroll position and XFlags from a
// DXInfo record, with the same abandoned-script-field rule as LoadFXInfo.
func (m *AppleDouble) LoadDXInfo(d *[16]byte) {
	m.Scroll.Y = int16(binary.BigEndian.Uint16(d[:]))
	m.Scroll.X = int16(binary.BigEndian.Uint16(d[2:]))
	m.XFlags = binary.BigEndian.Uint16(d[8:])
	if m.XFlags&0x8000 != 0 {
		m.XFlags = 0
	}
}

func (m *AppleDouble) fileInfoRec() [32]byte {
	var d [32]byte
	copy(d[:], m.Type[:])
	copy(d[4:], m.Creator[:])
	binary.BigEndian.PutUint16(d[8:], m.Flags)
	binary.BigEndian.PutUint16(d[10:], uint16(m.Location.Y))
	binary.BigEndian.PutUint16(d[12:], uint16(m.Location.X))
	binary.BigEndian.PutUint16(d[16+8:], m.XFlags)
	return d
}

func (m *AppleDouble) datesRec() [16]byte {
	var d [16]byte
	for i, t := range []time.Time{m.CreateTime, m.ModTime, m.BkTime, m.AccTime} {
		stamp := t.Sub(appleDoubleEpoch) / time.Second
		stamp = min(math.MaxInt32, stamp)
		stamp = max(math.MinInt32, stamp)
		binary.BigEndian.PutUint32(d[4*i:], uint32(stamp))
	}
	return d
}

func (m *AppleDouble) flagsRec() [4]byte {
	if m.Locked {
		return [4]byte{0x80, 0, 0, 0}
	}
	return [4]byte{}
}

func (m *AppleDouble) inlineRecords() map[int][]byte {
	finder, dates, flags := m.fileInfoRec(), m.datesRec(), m.flagsRec()
	return map[int][]byte{
		FINDER_INFO:         finder[:],
		FILE_DATES_INFO:     dates[:],
		MACINTOSH_FILE_INFO: flags[:],
	}
}

// WithResourceFork returns the complete sidecar (prefix + fork) as a
// random-access reader, with the fork packed immediately after the
// prefix.
func (m *AppleDouble) WithResourceFork(r io.ReaderAt, size int64) (io.ReaderAt, int64) {
	ad, rfStart := MakePrefix(m.inlineRecords(), size, 0)
	if size == 0 {
		return bytes.NewReader(ad), int64(len(ad))
	}
	return &readerAt{ad: ad, fork: r}, rfStart + size
}

// WithSequentialResourceFork returns the complete sidecar as a one-pass
// stream: prefix, zero padding out to an 8 KiB fork boundary, then the
// fork, which is opened lazily only if a caller reads that far.
func (m *AppleDouble) WithSequentialResourceFork(opener func() io.Reader, size int64) (func() io.Reader, int64) {
	ad, rfStart := MakePrefix(m.inlineRecords(), size, 8192)
	if size == 0 {
		return func() io.Reader { return bytes.NewReader(ad) }, int64(len(ad))
	}
	return func() io.Reader {
		return &reader{ad: ad, zero: int(rfStart) - len(ad), opener: opener}
	}, rfStart + size
}
