// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package textencoding converts classic Mac OS names (8-bit Pascal strings
// in a script-specific encoding) to and from the HFS+ HFSUniStr255 form
// (UTF-16, Unicode Normalization Form D per TN1150), and escapes characters
// that are unsafe in a presentation context.
package textencoding

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// ErrCharacterEncoding is returned (kCharacterEncoding in the original) when
// a string cannot be encoded in the requested direction.
var ErrCharacterEncoding = errors.New("textencoding: character cannot be represented in the target encoding")

// ScriptCode identifies one of the classic Mac OS script systems, as stored
// in a volume's drLsMac/MDB text-encoding hint or derived from a catalog
// record's extended Finder-info flags.
type ScriptCode uint8

// The script codes this package names; classic Mac OS defined many more.
// Only MacRoman and MacCyrillic have a golang.org/x/text/encoding/charmap
// table here (see charmapForScript); every other script code, including
// the others listed, is decoded as MacRoman.
const (
	MacRoman   ScriptCode = 0
	MacJapanese ScriptCode = 1
	MacCyrillic ScriptCode = 7
	MacCentralEurRoman ScriptCode = 29
	MacIcelandic ScriptCode = 37
)

// Converter converts names between one classic Mac OS script and Unicode.
type Converter struct {
	script ScriptCode
	enc    encoding.Encoding
}

// NewConverter returns a converter for the given script code. An unknown
// script code is not an error: it behaves like MacRoman, since a corrupt or
// absent script hint should degrade gracefully rather than abort a whole
// conversion over one name.
func NewConverter(script ScriptCode) *Converter {
	return &Converter{script: script, enc: charmapForScript(script)}
}

func charmapForScript(script ScriptCode) encoding.Encoding {
	switch script {
	case MacCyrillic:
		return charmap.MacintoshCyrillic
	default:
		// x/text/encoding/charmap has no MacJapanese, MacCentralEurRoman, or
		// MacIcelandic table; those degrade to MacRoman rather than fail
		// outright, consistent with the "zero means use default" rule for
		// an unrecognized or unsupported script hint.
		return charmap.Macintosh
	}
}

// Script returns the script code this converter was built for.
func (c *Converter) Script() ScriptCode { return c.script }

// PascalToUniStr255 decodes a classic-Mac Pascal string (length byte +
// bytes, already stripped of the length byte by the caller) into the UTF-16
// code units of an HFSUniStr255, normalized to Unicode Form D as TN1150
// requires for HFS+ names.
func (c *Converter) PascalToUniStr255(pascal []byte) ([]uint16, error) {
	if len(pascal) > 255 {
		return nil, fmt.Errorf("%w: pascal string of %d bytes exceeds 255", ErrCharacterEncoding, len(pascal))
	}
	s, err := c.enc.NewDecoder().String(string(pascal))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCharacterEncoding, err)
	}
	s = norm.NFD.String(s)
	units := utf16.Encode([]rune(s))
	if len(units) > 255 {
		units = units[:255] // HFSUniStr255 truncates; callers should prefer escaping over silent loss
	}
	return units, nil
}

// UniStr255ToPascal encodes HFSUniStr255 UTF-16 code units back into a
// classic-Mac 8-bit string in this converter's script. Characters that
// cannot be represented fail the whole conversion with ErrCharacterEncoding
// so the caller can fall back to escaping.
func (c *Converter) UniStr255ToPascal(units []uint16) ([]byte, error) {
	s := string(utf16.Decode(units))
	s = norm.NFC.String(s) // classic Mac OS Roman text is precomposed
	enc, err := c.enc.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCharacterEncoding, err)
	}
	if len(enc) > 31 {
		return nil, fmt.Errorf("%w: %q is %d bytes, exceeds 31-byte HFS name limit", ErrCharacterEncoding, s, len(enc))
	}
	return []byte(enc), nil
}

// EstimateSizeOfHFSUniStr255 upper-bounds the number of bytes any
// HFSUniStr255 encoding of a name could need: a 2-byte length field plus
// up to 255 UTF-16 code units of 2 bytes each.
func EstimateSizeOfHFSUniStr255() int { return 2 + 2*255 }

// pathUnsafe are the bytes that must be escaped when rendering an HFS+ name
// for presentation in a host path (where '/' is the path separator and
// control characters are awkward in a terminal).
var pathUnsafe = map[rune]bool{
	'/': true,
	0:   true,
}

// StringByEscapingString replaces path-unsafe characters with a percent-
// escape, and swaps '/' for ':' -- the classic Mac OS path separator. An
// on-disk HFS name may contain '/' freely but never ':', and a host path
// is the other way around, so the two characters trade places whenever a
// name crosses between the volume and a presentation string.
func StringByEscapingString(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/':
			b.WriteByte(':')
		case pathUnsafe[r] || r < 0x20:
			fmt.Fprintf(&b, "%%%02X", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ScriptCodeFromExtendedFinderFlags extracts a script-code override from a
// catalog record's extended Finder flags, as classic Finder encoded it for
// files with a custom badge. Returns (0, false) when the flags carry no
// override, in which case callers should use the volume's default
// encoding: a zero value means "use the default", never "explicitly
// MacRoman".
func ScriptCodeFromExtendedFinderFlags(xFlags uint16) (ScriptCode, bool) {
	const hasCustomBadge = 1 << 8
	nibble := xFlags & 0x0F
	if xFlags&hasCustomBadge != 0 && nibble != 0 {
		return ScriptCode(nibble), true
	}
	return 0, false
}
