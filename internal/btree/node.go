// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package btree parses, searches, and builds HFS and HFS+ B*-tree files:
// the catalog, extents overflow, and (as an empty shell) attributes
// trees. Node layout follows Inside Macintosh: Files page 2-65 and
// TN1150: a 14-byte descriptor, packed records, and a descending stack
// of 2-byte record offsets at the node's tail.
package btree

import (
	"fmt"

	"github.com/boredzo/impluse-hfs/internal/byteorder"
	"github.com/boredzo/impluse-hfs/internal/hfsformat"
)

// Node is a read-only view onto one node's worth of bytes, borrowed from
// its owning Tree's buffer. The Tree exclusively owns that buffer; a Node
// must not outlive it.
type Node struct {
	tree   *Tree
	index  uint32
	data   []byte // exactly tree.nodeSize bytes
	offs   []uint16
}

func newNode(tree *Tree, index uint32, data []byte) (*Node, error) {
	if len(data) < hfsformat.NodeDescriptorSize {
		return nil, fmt.Errorf("btree: node %d shorter than a node descriptor", index)
	}
	n := &Node{tree: tree, index: index, data: data}
	count := n.NumRecords()
	if count > (uint16(len(data))-hfsformat.NodeDescriptorSize)/2 {
		return nil, fmt.Errorf("btree: node %d structure error: %d records exceeds capacity", index, count)
	}

	lowLimit := uint16(hfsformat.NodeDescriptorSize)
	highLimit := uint16(len(data)) - 2*(count+1)
	offs := make([]uint16, count+1)
	for i := uint16(0); i <= count; i++ {
		off := byteorder.Uint16(data[len(data)-2-2*int(i):])
		offs[i] = off
	}
	for i := uint16(0); i < count; i++ {
		start, end := offs[i], offs[i+1]
		if lowLimit > start || start > end || end > highLimit {
			return nil, fmt.Errorf("btree: node %d structure error: record %d at [%d:%d]", index, i, start, end)
		}
		lowLimit = end
	}
	n.offs = offs
	return n, nil
}

// NodeNumber returns this node's 0-based index within the tree.
func (n *Node) NodeNumber() uint32 { return n.index }

// FLink, BLink are the forward/backward sibling links (0 means no link).
func (n *Node) FLink() uint32 { return byteorder.Uint32(n.data[hfsformat.OffsetFLink:]) }
func (n *Node) BLink() uint32 { return byteorder.Uint32(n.data[hfsformat.OffsetBLink:]) }

// Kind returns the node's descriptor kind byte.
func (n *Node) Kind() int8 { return int8(n.data[hfsformat.OffsetKind]) }

// IsLeaf, IsIndex, IsHeader, IsMap classify the node kind.
func (n *Node) IsLeaf() bool   { return n.Kind() == hfsformat.NodeKindLeaf }
func (n *Node) IsIndex() bool  { return n.Kind() == hfsformat.NodeKindIndex }
func (n *Node) IsHeader() bool { return n.Kind() == hfsformat.NodeKindHeader }
func (n *Node) IsMap() bool    { return n.Kind() == hfsformat.NodeKindMap }

// Height is the node's distance from the leaf row (leaves are height 1).
func (n *Node) Height() uint8 { return n.data[hfsformat.OffsetHeight] }

// NumRecords is the number of records packed into this node.
func (n *Node) NumRecords() uint16 { return byteorder.Uint16(n.data[hfsformat.OffsetNumRecords:]) }

// NumberOfBytesAvailable is the free space between the last record and the
// start of the offset stack.
func (n *Node) NumberOfBytesAvailable() uint32 {
	count := n.NumRecords()
	lastRecordEnd := n.offs[count]
	offsetStackStart := uint16(len(n.data)) - 2*(count+1)
	if offsetStackStart < lastRecordEnd {
		return 0
	}
	return uint32(offsetStackStart - lastRecordEnd)
}

// RecordDataAtIndex returns the whole record (key + payload) at idx.
func (n *Node) RecordDataAtIndex(idx uint16) []byte {
	return n.data[n.offs[idx]:n.offs[idx+1]]
}

// RecordKeyDataAtIndex returns only the key portion of a record, or nil for
// header/map nodes, which have no keyed records.
func (n *Node) RecordKeyDataAtIndex(idx uint16) []byte {
	if n.IsHeader() || n.IsMap() {
		return nil
	}
	rec := n.RecordDataAtIndex(idx)
	keyLen := n.keyLength(rec)
	return rec[:n.tree.keyLengthSize+keyLen]
}

// RecordPayloadDataAtIndex returns only the payload portion of a record, or
// nil for header/map nodes.
func (n *Node) RecordPayloadDataAtIndex(idx uint16) []byte {
	if n.IsHeader() || n.IsMap() {
		return nil
	}
	rec := n.RecordDataAtIndex(idx)
	keyLen := n.keyLength(rec)
	cut := n.tree.keyLengthSize + keyLen
	if n.tree.keyLengthSize == 1 {
		// HFS pads the key so the payload starts on an even boundary; the
		// 2-byte HFS+ key length field keeps keys even-sized on its own.
		cut = (cut + 1) &^ 1
	}
	return rec[cut:]
}

func (n *Node) keyLength(rec []byte) uint16 {
	if n.tree.keyLengthSize == 1 {
		return uint16(rec[0])
	}
	return byteorder.Uint16(rec)
}

// ForEachRecord calls fn with each record's raw bytes in order, stopping
// early if fn returns false.
func (n *Node) ForEachRecord(fn func(data []byte) bool) int {
	count := n.NumRecords()
	for i := uint16(0); i < count; i++ {
		if !fn(n.RecordDataAtIndex(i)) {
			return int(i) + 1
		}
	}
	return int(count)
}

// PreviousNode, NextNode resolve sibling links via the owning tree's node
// table, returning (nil, nil) when the link is 0 (no sibling).
func (n *Node) PreviousNode() (*Node, error) {
	if n.BLink() == 0 {
		return nil, nil
	}
	return n.tree.NodeAtIndex(n.BLink())
}

func (n *Node) NextNode() (*Node, error) {
	if n.FLink() == 0 {
		return nil, nil
	}
	return n.tree.NodeAtIndex(n.FLink())
}

// AppendRecord copies rec into the node's free space and extends the
// offset stack and record count. Only nodes of a mutable tree (one whose
// buffer the caller exclusively owns, per NewMutableTree) accept appends;
// a tree parsed from a read-only volume buffer refuses them.
func (n *Node) AppendRecord(rec []byte) error {
	if !n.tree.mutable {
		return fmt.Errorf("btree: node %d belongs to a read-only tree", n.index)
	}
	if uint32(len(rec))+2 > n.NumberOfBytesAvailable() {
		return fmt.Errorf("btree: node %d has %d bytes available, record needs %d",
			n.index, n.NumberOfBytesAvailable(), len(rec)+2)
	}
	count := n.NumRecords()
	start := n.offs[count]
	copy(n.data[start:], rec)
	end := start + uint16(len(rec))
	byteorder.PutUint16(n.data[len(n.data)-2-2*int(count+1):], end)
	byteorder.PutUint16(n.data[hfsformat.OffsetNumRecords:], count+1)
	n.offs = append(n.offs, end)
	return nil
}

// Comparator compares a record's key to some fixed quarry. It returns a
// negative number if key sorts before the quarry, zero if equal, and a
// positive number if key sorts after the quarry -- the same convention as
// bytes.Compare, but over whatever key domain the caller is searching
// (HFS Pascal names, HFS+ case-folded Unicode names, CNIDs, or extent keys).
type Comparator func(key []byte) int

// IndexOfBestMatchingRecord performs a linear walk (node record counts
// rarely reach three digits) and returns the index of the greatest key
// less than or equal to the quarry, or -1 if every key in this node is
// greater than the quarry.
func (n *Node) IndexOfBestMatchingRecord(cmp Comparator) int {
	best := -1
	count := n.NumRecords()
	for i := uint16(0); i < count; i++ {
		key := n.RecordKeyDataAtIndex(i)
		if cmp(key) <= 0 {
			best = int(i)
		} else {
			break
		}
	}
	return best
}
