package btree

import (
	"unicode"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// NewCatalogBuilder returns a Builder configured for a catalog file of the
// given flavor, with the maximum key length Inside Macintosh: Files
// specifies for each (37 data bytes + 1 length byte for HFS, 516 bytes +
// 2-byte length for HFS+ including the parent CNID).
func NewCatalogBuilder(hfsPlus bool, nodeSize uint16) *Builder {
	if hfsPlus {
		return NewBuilder(hfsformat.BTreeVersionHFSPlusCatalog, nodeSize, 516)
	}
	return NewBuilder(hfsformat.BTreeVersionHFSCatalog, nodeSize, 37)
}

// NewExtentsOverflowBuilder returns a Builder configured for an extents
// overflow file of the given flavor.
func NewExtentsOverflowBuilder(hfsPlus bool, nodeSize uint16) *Builder {
	if hfsPlus {
		return NewBuilder(hfsformat.BTreeVersionHFSPlusExtentsOverflow, nodeSize, 10)
	}
	return NewBuilder(hfsformat.BTreeVersionHFSExtentsOverflow, nodeSize, 7)
}

// FoldUnit maps a UTF-16 code unit to its case-insensitive comparison
// form: its lower-case mapping, the direction TN1150's case-folding table
// folds in. For the Basic Multilingual Plane ranges classic Mac OS names
// can actually contain, the mapping is computed from Unicode's simple
// lower-case mapping rather than carried as a 64 KiB table.
func FoldUnit(u uint16) uint16 {
	if u < 0x80 {
		if u >= 'A' && u <= 'Z' {
			return u + 0x20
		}
		return u
	}
	return uint16(unicode.ToLower(rune(u)))
}

func compareFoldedUnits(a, b []uint16) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		fa, fb := FoldUnit(a[i]), FoldUnit(b[i])
		if fa != fb {
			if fa < fb {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func unitsOfHFSPlusName(key []byte, lengthOffset int) []uint16 {
	n := int(byteorder.Uint16(key[lengthOffset:]))
	units := make([]uint16, n)
	for i := range units {
		units[i] = byteorder.Uint16(key[lengthOffset+2+2*i:])
	}
	return units
}

// CompareHFSPlusCatalogKey returns a Comparator matching the HFS+ catalog
// key sort order: parent CNID primary, case-folded Unicode name secondary
// (TN1150's case-insensitive ordering, via FoldUnit).
func CompareHFSPlusCatalogKey(parentID uint32, nameUnits []uint16) Comparator {
	return func(key []byte) int {
		// key: 2-byte keyLength, 4-byte parentID, 2-byte nameLength, name UTF-16BE units
		kp := byteorder.Uint32(key[2:])
		if kp != parentID {
			if kp < parentID {
				return -1
			}
			return 1
		}
		return compareFoldedUnits(unitsOfHFSPlusName(key, 6), nameUnits)
	}
}

// CompareHFSPlusCatalogKeyBytes orders two raw HFS+ catalog keys the way
// the catalog file stores them, for pre-sorting a batch of records before
// they are streamed into a Builder. Same ordering as
// CompareHFSPlusCatalogKey, expressed key-to-key instead of key-to-quarry.
func CompareHFSPlusCatalogKeyBytes(a, b []byte) int {
	pa, pb := byteorder.Uint32(a[2:]), byteorder.Uint32(b[2:])
	if pa != pb {
		if pa < pb {
			return -1
		}
		return 1
	}
	return compareFoldedUnits(unitsOfHFSPlusName(a, 6), unitsOfHFSPlusName(b, 6))
}

// CompareHFSPlusExtentKeyBytes orders two raw HFS+ extents-overflow keys:
// file ID primary, fork type secondary, starting block tertiary (TN1150's
// comparison order, which differs from the key's field order -- the fork
// type is stored first but compared second).
func CompareHFSPlusExtentKeyBytes(a, b []byte) int {
	ia, ib := byteorder.Uint32(a[4:]), byteorder.Uint32(b[4:])
	if ia != ib {
		if ia < ib {
			return -1
		}
		return 1
	}
	if a[2] != b[2] {
		if a[2] < b[2] {
			return -1
		}
		return 1
	}
	sa, sb := byteorder.Uint32(a[8:]), byteorder.Uint32(b[8:])
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

// CompareHFSCatalogKey is the HFS (not HFS+) equivalent: parent CNID plus
// a Pascal-string name compared byte for byte (classic HFS catalogs sort
// by the Macintosh script system's relative-order table; this compares in
// the script's raw byte order, which is what a volume built by this tool,
// which always targets HFS+ as destination, only ever needs for reading
// an HFS source volume's existing order, not for inserting new records).
func CompareHFSCatalogKey(parentID uint32, pascalName []byte) Comparator {
	return func(key []byte) int {
		// key: keyLength(1), reserved(1), parentID(4), nameLength(1), name
		kp := byteorder.Uint32(key[2:])
		if kp != parentID {
			if kp < parentID {
				return -1
			}
			return 1
		}
		nameLen := int(key[6])
		name := key[7 : 7+nameLen]
		n := len(name)
		if len(pascalName) < n {
			n = len(pascalName)
		}
		for i := 0; i < n; i++ {
			if name[i] != pascalName[i] {
				if name[i] < pascalName[i] {
					return -1
				}
				return 1
			}
		}
		return len(name) - len(pascalName)
	}
}

// CompareExtentKey matches the extents overflow key sort order. The two
// flavors differ in both layout and comparison order: HFS+ keys are
// keyLength(2) forkType(1) pad(1) fileID(4) startBlock(4), compared as
// (fileID, forkType, startBlock) per TN1150; HFS keys are keyLength(1)
// forkType(1) fileID(4) startBlock(2), compared in field order
// (forkType, fileID, startBlock) per Inside Macintosh: Files.
func CompareExtentKey(hfsPlus bool, fileID uint32, forkType uint8, startBlock uint32) Comparator {
	if hfsPlus {
		return func(key []byte) int {
			kID := byteorder.Uint32(key[4:])
			if kID != fileID {
				if kID < fileID {
					return -1
				}
				return 1
			}
			if key[2] != forkType {
				if key[2] < forkType {
					return -1
				}
				return 1
			}
			kStart := byteorder.Uint32(key[8:])
			if kStart != startBlock {
				if kStart < startBlock {
					return -1
				}
				return 1
			}
			return 0
		}
	}
	return func(key []byte) int {
		if key[1] != forkType {
			if key[1] < forkType {
				return -1
			}
			return 1
		}
		kID := byteorder.Uint32(key[2:])
		if kID != fileID {
			if kID < fileID {
				return -1
			}
			return 1
		}
		kStart := uint32(byteorder.Uint16(key[6:]))
		if kStart != startBlock {
			if kStart < startBlock {
				return -1
			}
			return 1
		}
		return 0
	}
}
