package btree

import (
	"fmt"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// HeaderRecord is the parsed BTHeaderRec from node 0 of every B*-tree
// file.
type HeaderRecord struct {
	TreeDepth     uint16
	RootNode      uint32
	LeafRecords   uint32
	FirstLeafNode uint32
	LastLeafNode  uint32
	NodeSize      uint16
	MaxKeyLength  uint16
	TotalNodes    uint32
	FreeNodes     uint32
	ClumpSize     uint32
	BTreeType     uint8
	KeyCompareType uint8
	Attributes    uint32
}

// Tree is a whole B*-tree file: the catalog file, the extents overflow
// file, or the attributes file. It owns the raw node buffer and provides
// node lookup, tree descent, and whole-tree walks.
type Tree struct {
	version       hfsformat.BTreeVersion
	keyLengthSize uint16 // 1 for HFS catalog/extents keys, 2 for HFS+
	nodeSize      uint16
	buf           []byte
	header        HeaderRecord
	mutable       bool
}

// NewTree parses an existing B*-tree file's raw bytes (its data fork, or
// the equivalent special-file allocation for the catalog/extents files).
// buf's length must be a whole multiple of the node size recorded in its
// own header node.
func NewTree(version hfsformat.BTreeVersion, buf []byte) (*Tree, error) {
	if len(buf) < hfsformat.NodeDescriptorSize+106 {
		return nil, fmt.Errorf("btree: buffer too short to hold a header node")
	}
	nodeSize := byteorder.Uint16(buf[hfsformat.NodeDescriptorSize+hfsformat.BTHeaderNodeSize:])
	if nodeSize == 0 || len(buf)%int(nodeSize) != 0 {
		return nil, fmt.Errorf("btree: node size %d does not evenly divide buffer of %d bytes", nodeSize, len(buf))
	}

	t := &Tree{
		version:       version,
		keyLengthSize: keyLengthSizeForVersion(version),
		nodeSize:      nodeSize,
		buf:           buf,
	}

	headerNodeData := buf[:nodeSize]
	hn, err := newNode(t, 0, headerNodeData)
	if err != nil {
		return nil, fmt.Errorf("btree: header node: %w", err)
	}
	if !hn.IsHeader() {
		return nil, fmt.Errorf("btree: node 0 is not a header node (kind %d)", hn.Kind())
	}
	rec := hn.RecordDataAtIndex(0)
	t.header = parseHeaderRecord(rec)
	return t, nil
}

// NewMutableTree parses buf like NewTree but marks the tree writable: the
// caller hands over exclusive ownership of buf, and node record appends
// (Node.AppendRecord) mutate it in place.
func NewMutableTree(version hfsformat.BTreeVersion, buf []byte) (*Tree, error) {
	t, err := NewTree(version, buf)
	if err != nil {
		return nil, err
	}
	t.mutable = true
	return t, nil
}

func keyLengthSizeForVersion(v hfsformat.BTreeVersion) uint16 {
	switch v {
	case hfsformat.BTreeVersionHFSCatalog, hfsformat.BTreeVersionHFSExtentsOverflow:
		return 1
	default:
		return 2
	}
}

func parseHeaderRecord(rec []byte) HeaderRecord {
	return HeaderRecord{
		TreeDepth:      byteorder.Uint16(rec[hfsformat.BTHeaderTreeDepth:]),
		RootNode:       byteorder.Uint32(rec[hfsformat.BTHeaderRootNode:]),
		LeafRecords:    byteorder.Uint32(rec[hfsformat.BTHeaderLeafRecords:]),
		FirstLeafNode:  byteorder.Uint32(rec[hfsformat.BTHeaderFirstLeafNode:]),
		LastLeafNode:   byteorder.Uint32(rec[hfsformat.BTHeaderLastLeafNode:]),
		NodeSize:       byteorder.Uint16(rec[hfsformat.BTHeaderNodeSize:]),
		MaxKeyLength:   byteorder.Uint16(rec[hfsformat.BTHeaderMaxKeyLength:]),
		TotalNodes:     byteorder.Uint32(rec[hfsformat.BTHeaderTotalNodes:]),
		FreeNodes:      byteorder.Uint32(rec[hfsformat.BTHeaderFreeNodes:]),
		ClumpSize:      byteorder.Uint32(rec[hfsformat.BTHeaderClumpSize:]),
		BTreeType:      rec[hfsformat.BTHeaderBTreeType],
		KeyCompareType: rec[hfsformat.BTHeaderKeyCompare],
		Attributes:     byteorder.Uint32(rec[hfsformat.BTHeaderAttributes:]),
	}
}

// Header returns the tree's parsed header record.
func (t *Tree) Header() HeaderRecord { return t.header }

// NodeSize returns the tree's node size in bytes.
func (t *Tree) NodeSize() uint16 { return t.nodeSize }

// IsNodeAllocatedAtIndex consults the tree's composite allocation map --
// record 2 of the header node, extended by the fLink chain of map nodes --
// and reports whether the given node number is marked in use.
func (t *Tree) IsNodeAllocatedAtIndex(index uint32) (bool, error) {
	hn, err := t.NodeAtIndex(0)
	if err != nil {
		return false, err
	}
	bitmap := hn.RecordDataAtIndex(2)
	bit := index
	for {
		if bit < uint32(len(bitmap))*8 {
			return bitmap[bit/8]&(0x80>>(bit%8)) != 0, nil
		}
		bit -= uint32(len(bitmap)) * 8
		next, err := hn.NextNode()
		if err != nil {
			return false, err
		}
		if next == nil || !next.IsMap() {
			return false, nil
		}
		hn = next
		bitmap = hn.RecordDataAtIndex(0)
	}
}

// NodeAtIndex returns the node at the given 0-based index.
func (t *Tree) NodeAtIndex(index uint32) (*Node, error) {
	start := uint64(index) * uint64(t.nodeSize)
	end := start + uint64(t.nodeSize)
	if end > uint64(len(t.buf)) {
		return nil, fmt.Errorf("btree: node %d out of range (tree has %d bytes)", index, len(t.buf))
	}
	return newNode(t, index, t.buf[start:end])
}

// Search descends the tree from its root, at each index level picking the
// best-matching record (IndexOfBestMatchingRecord) and following its child
// node number, then at the leaf level checks for an exact match. If a
// level's best match returns -1 (the quarry precedes every key in the
// node), descent falls back to the previous sibling. If the leaf's best
// match is a strict predecessor of the
// quarry, Search keeps walking forward via fLink (records with identical
// sort keys, e.g. catalog thread records colliding with folder records, can
// span a node boundary) until it either finds an exact match or sees a key
// that sorts after the quarry.
func (t *Tree) Search(cmp Comparator) (node *Node, index int, found bool, err error) {
	if t.header.TotalNodes == 0 || t.header.RootNode == 0 {
		return nil, 0, false, nil
	}
	nodeIdx := t.header.RootNode
	for {
		n, err := t.NodeAtIndex(nodeIdx)
		if err != nil {
			return nil, 0, false, err
		}
		i := n.IndexOfBestMatchingRecord(cmp)
		if i < 0 {
			prev, err := n.PreviousNode()
			if err != nil {
				return nil, 0, false, err
			}
			if prev == nil {
				return n, -1, false, nil
			}
			n = prev
			i = n.IndexOfBestMatchingRecord(cmp)
			if i < 0 {
				return n, -1, false, nil
			}
		}
		if n.IsIndex() {
			nodeIdx = byteorder.Uint32(n.RecordPayloadDataAtIndex(uint16(i)))
			continue
		}

		// Leaf: walk forward across node boundaries until we see a key that
		// definitely sorts after the quarry, or an exact match.
		for {
			key := n.RecordKeyDataAtIndex(uint16(i))
			c := cmp(key)
			if c == 0 {
				return n, i, true, nil
			}
			if c > 0 {
				return n, i, false, nil
			}
			// The key at i sorts before the quarry: step to the following
			// record, crossing into the next leaf when this one is used up.
			if int(n.NumRecords())-1 > i {
				i++
				continue
			}
			next, err := n.NextNode()
			if err != nil {
				return nil, 0, false, err
			}
			if next == nil || next.NumRecords() == 0 {
				return n, i, false, nil
			}
			if cmp(next.RecordKeyDataAtIndex(0)) > 0 {
				return n, i, false, nil
			}
			n = next
			i = 0
		}
	}
}

// WalkBreadthFirst visits every node in the tree from the root down,
// level by level, calling fn with each node. Used to validate or dump a
// tree's structure without caring about key order.
func (t *Tree) WalkBreadthFirst(fn func(*Node) error) error {
	if t.header.RootNode == 0 {
		return nil
	}
	queue := []uint32{t.header.RootNode}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		n, err := t.NodeAtIndex(idx)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
		if n.IsIndex() {
			for i := uint16(0); i < n.NumRecords(); i++ {
				queue = append(queue, byteorder.Uint32(n.RecordPayloadDataAtIndex(i)))
			}
		}
	}
	return nil
}

// WalkLeafNodes visits every leaf node left-to-right via the fLink chain,
// starting from the header's FirstLeafNode, calling fn with each in turn.
// This is the order catalog listing and extraction iterate in.
func (t *Tree) WalkLeafNodes(fn func(*Node) error) error {
	idx := t.header.FirstLeafNode
	for idx != 0 {
		n, err := t.NodeAtIndex(idx)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
		idx = n.FLink()
	}
	return nil
}
