package btree

import (
	"fmt"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// Builder assembles a brand-new B*-tree file from a pre-sorted stream of
// leaf records, bottom-up: pack leaves, then synthesize index rows over
// the leaves, then over those index rows, until one root node remains.
// Building from scratch beats editing a tree in place here because the
// conversion only ever writes a tree once, forward.
type Builder struct {
	version       hfsformat.BTreeVersion
	nodeSize      uint16
	keyLengthSize uint16
	maxKeyLength  uint16
	clumpSize     uint32
	btreeType     uint8

	records [][]byte
	lastKey []byte
}

// NewBuilder returns a Builder for a tree of the given version and node
// size. maxKeyLength bounds the index records' key length, and should
// match the maximum a leaf key can reach (HFS: 37 for catalog, 7 for
// extents overflow; HFS+: 516 for catalog, 10 for extents overflow).
func NewBuilder(version hfsformat.BTreeVersion, nodeSize uint16, maxKeyLength uint16) *Builder {
	return &Builder{
		version:       version,
		nodeSize:      nodeSize,
		keyLengthSize: keyLengthSizeForVersion(version),
		maxKeyLength:  maxKeyLength,
		clumpSize:     uint32(nodeSize) * 16,
	}
}

// AddRecord appends one leaf record (key bytes, including the leading
// length field, followed immediately by payload bytes) to the tree under
// construction. Records must be added in strictly ascending key order;
// AddRecord returns an error otherwise, since a B*-tree's on-disk order
// is its only index.
func (b *Builder) AddRecord(rec []byte) error {
	key := recordKeyPrefix(rec, b.keyLengthSize)
	if b.lastKey != nil && b.compareKeys(key, b.lastKey) <= 0 {
		return fmt.Errorf("btree: records must be added in strictly ascending key order")
	}
	// Each record is padded to an even length: HFS+ node records must
	// start on a two-byte boundary.
	if len(rec)%2 != 0 {
		rec = append(append([]byte{}, rec...), 0)
	}
	b.records = append(b.records, rec)
	b.lastKey = key
	return nil
}

func recordKeyPrefix(rec []byte, keyLengthSize uint16) []byte {
	if keyLengthSize == 1 {
		return rec[:1+int(rec[0])]
	}
	return rec[:2+int(byteorder.Uint16(rec))]
}

// compareKeys orders two raw keys by the tree's own comparison rule: the
// length prefix is part of the key bytes but never part of the order, so
// a plain byte compare would sort a long name under a low parent after a
// short name under a high one.
func (b *Builder) compareKeys(x, y []byte) int {
	switch b.version {
	case hfsformat.BTreeVersionHFSPlusCatalog:
		return CompareHFSPlusCatalogKeyBytes(x, y)
	case hfsformat.BTreeVersionHFSPlusExtentsOverflow:
		return CompareHFSPlusExtentKeyBytes(x, y)
	default:
		return compareKeyBytes(x[b.keyLengthSize:], y[b.keyLengthSize:])
	}
}

func compareKeyBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// packedNode is one node laid out by the row-packing algorithm below: its
// node number, kind and height, and its records, which are either leaf
// records (raw bytes) or synthesized index records (key + 4-byte child
// node number).
type packedNode struct {
	nodeNumber uint32
	records    [][]byte
	kind       int8
	height     uint8
}

// packRow greedily fills nodes with records in order, never splitting a
// record. softCap is the byte budget a node aims for before breaking to
// the next one; a single record larger than softCap still gets a node of
// its own rather than failing.
func packRow(nodeSize uint16, softCap int, records [][]byte) [][][]byte {
	var rows [][][]byte
	var cur [][]byte
	used := 0
	for _, rec := range records {
		need := len(rec) + 2 // 2 bytes of offset-stack space per record
		if used+need > softCap && len(cur) > 0 {
			rows = append(rows, cur)
			cur = nil
			used = 0
		}
		cur = append(cur, rec)
		used += need
	}
	if len(cur) > 0 {
		rows = append(rows, cur)
	}
	return rows
}

// nodeCapacity is the bytes of a node available to records and their
// offset-stack entries: everything but the descriptor and the trailing
// free-boundary offset, which exists whether or not any record does.
func (b *Builder) nodeCapacity() int {
	return int(b.nodeSize) - hfsformat.NodeDescriptorSize - 2
}

// leafSoftCap is the byte budget a leaf node aims for. HFS+ catalog
// leaves break at roughly 75% full, leaving room for the inserts a
// mounted volume will make later; classic Mac OS wrote its catalogs at
// about that density. Other trees pack leaves full.
func (b *Builder) leafSoftCap() int {
	if b.version == hfsformat.BTreeVersionHFSPlusCatalog {
		return b.nodeCapacity() * 3 / 4
	}
	return b.nodeCapacity()
}

// Build lays out the accumulated records into a complete tree buffer:
// header node, leaf row, as many index rows as needed to reach a single
// root, and the node-allocation map (record 2 of the header node, plus
// chained map nodes when the tree outgrows it). Returns the finished
// byte buffer, ready to be written as a special file's data fork.
// A Builder with no records produces the one-node empty tree (header
// only, no root), the shape a fresh volume's unused extents-overflow and
// attributes files carry.
func (b *Builder) Build() ([]byte, error) {
	if len(b.records) == 0 {
		return b.buildEmpty(), nil
	}

	leafRows := packRow(b.nodeSize, b.leafSoftCap(), b.records)

	// Node numbers: 0 = header, 1.. = leaves, then index rows bottom-up,
	// then any map nodes at the very end.
	var allNodes []packedNode
	nodeNum := uint32(1)
	for _, row := range leafRows {
		allNodes = append(allNodes, packedNode{nodeNumber: nodeNum, records: row, kind: hfsformat.NodeKindLeaf, height: 1})
		nodeNum++
	}
	firstLeaf, lastLeaf := allNodes[0].nodeNumber, allNodes[len(allNodes)-1].nodeNumber

	fullCap := b.nodeCapacity()
	level := allNodes
	height := uint8(2)
	for len(level) > 1 {
		var indexRecords [][]byte
		for _, n := range level {
			key := b.firstKeyOfNode(n)
			payload := make([]byte, 4)
			byteorder.PutUint32(payload, n.nodeNumber)
			rec := append(append([]byte{}, key...), payload...)
			if len(rec)%2 != 0 {
				rec = append(rec, 0)
			}
			indexRecords = append(indexRecords, rec)
		}
		rows := packRow(b.nodeSize, fullCap, indexRecords)
		var nextLevel []packedNode
		for _, row := range rows {
			nextLevel = append(nextLevel, packedNode{nodeNumber: nodeNum, records: row, kind: hfsformat.NodeKindIndex, height: height})
			nodeNum++
		}
		allNodes = append(allNodes, nextLevel...)
		level = nextLevel
		height++
	}
	root := level[0]

	// The header node's map record covers the first bitsInHeaderMap nodes;
	// every map node extends coverage by bitsPerMapNode more. Adding map
	// nodes grows the node count they must cover, so iterate to a fixpoint.
	bitsInHeaderMap := (uint32(b.nodeSize) - 256) * 8
	bitsPerMapNode := (uint32(b.nodeSize) - 18) * 8
	mapNodes := uint32(0)
	for {
		total := nodeNum + mapNodes
		need := uint32(0)
		if total > bitsInHeaderMap {
			need = uint32(byteorder.CeilingDivide(uint64(total-bitsInHeaderMap), uint64(bitsPerMapNode)))
		}
		if need == mapNodes {
			break
		}
		mapNodes = need
	}
	totalNodes := nodeNum + mapNodes
	buf := make([]byte, uint32(b.nodeSize)*totalNodes)

	// Rows are contiguous in allNodes, so siblings at each height are
	// adjacent entries of the same kind and height.
	for i, n := range allNodes {
		var fl, bl uint32
		if i+1 < len(allNodes) && allNodes[i+1].height == n.height {
			fl = allNodes[i+1].nodeNumber
		}
		if i > 0 && allNodes[i-1].height == n.height {
			bl = allNodes[i-1].nodeNumber
		}
		writeNode(buf, b.nodeSize, n, fl, bl)
	}

	firstMapNode := uint32(0)
	if mapNodes > 0 {
		firstMapNode = nodeNum
		writeMapNodes(buf, b.nodeSize, firstMapNode, mapNodes)
	}
	writeHeaderNode(buf, b.nodeSize, headerFields{
		treeDepth:    uint16(root.height),
		rootNode:     root.nodeNumber,
		leafRecords:  uint32(len(b.records)),
		firstLeaf:    firstLeaf,
		lastLeaf:     lastLeaf,
		nodeSize:     b.nodeSize,
		maxKeyLength: b.maxKeyLength,
		totalNodes:   totalNodes,
		freeNodes:    0,
		clumpSize:    b.clumpSize,
		btreeType:    b.btreeType,
		attributes:   attributesForVersion(b.version),
		fLink:        firstMapNode,
	})
	writeAllocationMap(buf, b.nodeSize, totalNodes, firstMapNode)

	return buf, nil
}

// buildEmpty produces the one-node tree for a file with no records yet:
// a header node whose root, first-leaf, and last-leaf pointers are all
// zero and whose map marks only the header itself allocated.
func (b *Builder) buildEmpty() []byte {
	buf := make([]byte, b.nodeSize)
	writeHeaderNode(buf, b.nodeSize, headerFields{
		nodeSize:     b.nodeSize,
		maxKeyLength: b.maxKeyLength,
		totalNodes:   1,
		freeNodes:    0,
		clumpSize:    b.clumpSize,
		btreeType:    b.btreeType,
		attributes:   attributesForVersion(b.version),
	})
	writeAllocationMap(buf, b.nodeSize, 1, 0)
	return buf
}

func (b *Builder) firstKeyOfNode(n packedNode) []byte {
	if len(n.records) == 0 {
		return make([]byte, b.keyLengthSize)
	}
	return recordKeyPrefix(n.records[0], b.keyLengthSize)
}

func attributesForVersion(v hfsformat.BTreeVersion) uint32 {
	switch v {
	case hfsformat.BTreeVersionHFSPlusCatalog:
		return hfsformat.BTHeaderAttrBigKeys | hfsformat.BTHeaderAttrVariableIndex
	case hfsformat.BTreeVersionHFSPlusExtentsOverflow, hfsformat.BTreeVersionHFSPlusAttributes:
		return hfsformat.BTHeaderAttrBigKeys
	default:
		return 0
	}
}

func writeNode(buf []byte, nodeSize uint16, n packedNode, fLink, bLink uint32) {
	start := uint32(n.nodeNumber) * uint32(nodeSize)
	data := buf[start : start+uint32(nodeSize)]
	byteorder.PutUint32(data[hfsformat.OffsetFLink:], fLink)
	byteorder.PutUint32(data[hfsformat.OffsetBLink:], bLink)
	data[hfsformat.OffsetKind] = byte(n.kind)
	data[hfsformat.OffsetHeight] = n.height
	byteorder.PutUint16(data[hfsformat.OffsetNumRecords:], uint16(len(n.records)))

	offset := uint16(hfsformat.NodeDescriptorSize)
	offs := make([]uint16, 0, len(n.records)+1)
	offs = append(offs, offset)
	for _, rec := range n.records {
		copy(data[offset:], rec)
		offset += uint16(len(rec))
		offs = append(offs, offset)
	}
	for i, off := range offs {
		pos := len(data) - 2 - 2*i
		byteorder.PutUint16(data[pos:], off)
	}
}

// writeMapNodes lays out the chained map nodes at the end of the buffer:
// each holds a single bitmap record spanning all but its descriptor and
// 2-entry offset stack, fLink-chained from the header node onward.
func writeMapNodes(buf []byte, nodeSize uint16, firstMapNode, count uint32) {
	for i := uint32(0); i < count; i++ {
		num := firstMapNode + i
		start := num * uint32(nodeSize)
		data := buf[start : start+uint32(nodeSize)]
		if i+1 < count {
			byteorder.PutUint32(data[hfsformat.OffsetFLink:], num+1)
		}
		data[hfsformat.OffsetKind] = byte(hfsformat.NodeKindMap)
		byteorder.PutUint16(data[hfsformat.OffsetNumRecords:], 1)
		byteorder.PutUint16(data[len(data)-2:], hfsformat.NodeDescriptorSize)
		byteorder.PutUint16(data[len(data)-4:], uint16(len(data))-4)
	}
}

// writeAllocationMap sets one bit per allocated node, MSB-first, across
// the header node's map record and then each chained map node in turn.
// Every node a Build produces is in use, so the first totalNodes bits are
// all set.
func writeAllocationMap(buf []byte, nodeSize uint16, totalNodes, firstMapNode uint32) {
	headerMap := buf[248 : uint32(nodeSize)-8]
	bit := uint32(0)
	for ; bit < totalNodes && bit < uint32(len(headerMap))*8; bit++ {
		headerMap[bit/8] |= 0x80 >> (bit % 8)
	}
	for mapNode := firstMapNode; bit < totalNodes; mapNode++ {
		start := mapNode * uint32(nodeSize)
		rec := buf[start+hfsformat.NodeDescriptorSize : start+uint32(nodeSize)-4]
		for i := uint32(0); i < uint32(len(rec))*8 && bit < totalNodes; i, bit = i+1, bit+1 {
			rec[i/8] |= 0x80 >> (i % 8)
		}
	}
}

type headerFields struct {
	treeDepth    uint16
	rootNode     uint32
	leafRecords  uint32
	firstLeaf    uint32
	lastLeaf     uint32
	nodeSize     uint16
	maxKeyLength uint16
	totalNodes   uint32
	freeNodes    uint32
	clumpSize    uint32
	btreeType    uint8
	attributes   uint32
	fLink        uint32 // first chained map node, 0 when the header map suffices
}

func writeHeaderNode(buf []byte, nodeSize uint16, h headerFields) {
	data := buf[:nodeSize]
	byteorder.PutUint32(data[hfsformat.OffsetFLink:], h.fLink)
	data[hfsformat.OffsetKind] = byte(hfsformat.NodeKindHeader)
	byteorder.PutUint16(data[hfsformat.OffsetNumRecords:], 3) // header record, user data record, map record

	rec := data[hfsformat.NodeDescriptorSize:]
	byteorder.PutUint16(rec[hfsformat.BTHeaderTreeDepth:], h.treeDepth)
	byteorder.PutUint32(rec[hfsformat.BTHeaderRootNode:], h.rootNode)
	byteorder.PutUint32(rec[hfsformat.BTHeaderLeafRecords:], h.leafRecords)
	byteorder.PutUint32(rec[hfsformat.BTHeaderFirstLeafNode:], h.firstLeaf)
	byteorder.PutUint32(rec[hfsformat.BTHeaderLastLeafNode:], h.lastLeaf)
	byteorder.PutUint16(rec[hfsformat.BTHeaderNodeSize:], h.nodeSize)
	byteorder.PutUint16(rec[hfsformat.BTHeaderMaxKeyLength:], h.maxKeyLength)
	byteorder.PutUint32(rec[hfsformat.BTHeaderTotalNodes:], h.totalNodes)
	byteorder.PutUint32(rec[hfsformat.BTHeaderFreeNodes:], h.freeNodes)
	byteorder.PutUint32(rec[hfsformat.BTHeaderClumpSize:], h.clumpSize)
	rec[hfsformat.BTHeaderBTreeType] = h.btreeType
	byteorder.PutUint32(rec[hfsformat.BTHeaderAttributes:], h.attributes)

	// Record 0 is the 106-byte header record, record 1 the 128-byte user
	// data record, record 2 the map record filling the rest of the node up
	// to the 4-entry offset stack.
	headerRecOff := uint16(hfsformat.NodeDescriptorSize)
	userDataOff := headerRecOff + 106
	mapRecOff := userDataOff + 128
	endOff := uint16(nodeSize) - 2*4
	offs := []uint16{headerRecOff, userDataOff, mapRecOff, endOff}
	for i, off := range offs {
		pos := len(data) - 2 - 2*i
		byteorder.PutUint16(data[pos:], off)
	}
}
