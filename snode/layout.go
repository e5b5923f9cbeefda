package snode

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// The struct compiler flattens a tree into per-node storage regions
// ("struct-of-arrays" order): every node owns one contiguous region sized by
// the number of instances of that node across the whole tree. A Place with N
// instances is addressed as Offset + linearIndex*ElemSize, which matches the
// addressing the kernel IR supports. Container nodes own only their metadata
// regions (pointer tables, activity bitmasks, dynamic length counters).

// regionAlign is the alignment of every node region within the tree blob.
const regionAlign = 8

// NodeLayout is the physical placement of one SNode's region within its
// tree's memory blob.
type NodeLayout struct {
	SNode *SNode

	// Offset of the node's region from the base of the tree allocation.
	Offset uint64

	// ElemSize is the byte size of one element of the region: the dtype size
	// for a Place, the metadata cell size for sparse containers, zero for
	// nodes without storage of their own (Root, Dense).
	ElemSize int

	// NumInstances is the number of instances of this node across the whole
	// tree: the product of the cell counts of all ancestors.
	NumInstances int

	// NumElems is the number of elements in the region.
	NumElems int

	// Size is the byte size of the region, already aligned.
	Size uint64
}

// TreeLayout is the compiled physical layout of one SNode tree.
type TreeLayout struct {
	TreeID int
	Root   *SNode

	// Nodes in depth-first order; SNode.Index indexes into it.
	Nodes []NodeLayout

	// TotalSize is the byte size of the backing allocation.
	TotalSize uint64
}

// Compile derives the physical layout of the tree rooted at root.
// It assigns every node its depth-first Index and returns the layout.
// The description itself is not consumed and can be compiled again (e.g. for
// a different target during ahead-of-time export).
func Compile(root *SNode, treeID int) (*TreeLayout, error) {
	if root == nil {
		return nil, errors.Errorf("snode.Compile: nil root")
	}
	if root.Type != TypeRoot {
		return nil, errors.Errorf("snode.Compile: top node must be a root, got %s", root.Type)
	}
	if err := root.validate(); err != nil {
		return nil, errors.WithMessagef(err, "snode.Compile(tree %d)", treeID)
	}

	layout := &TreeLayout{TreeID: treeID, Root: root}
	layout.visit(root, 1)
	return layout, nil
}

// visit lays out node and its subtree. instances is the number of instances
// of the node given its ancestors' cell counts.
func (l *TreeLayout) visit(s *SNode, instances int) {
	s.Index = len(l.Nodes)
	nl := NodeLayout{SNode: s, NumInstances: instances}
	switch s.Type {
	case TypePlace:
		nl.ElemSize = int(s.DType.Memory())
		nl.NumElems = instances
	case TypePointer:
		// One pointer slot per cell; inactive cells hold a null slot.
		nl.ElemSize = 8
		nl.NumElems = instances * s.NumCells()
	case TypeBitmasked:
		// One activity bit per cell, packed in 32-bit words per instance.
		nl.ElemSize = 4
		nl.NumElems = instances * ((s.NumCells() + 31) / 32)
	case TypeDynamic:
		// One length counter per instance.
		nl.ElemSize = 4
		nl.NumElems = instances
	}
	nl.Size = alignUp(uint64(nl.ElemSize)*uint64(nl.NumElems), regionAlign)
	nl.Offset = l.TotalSize
	l.TotalSize += nl.Size
	l.Nodes = append(l.Nodes, nl)

	childInstances := instances * s.NumCells()
	for _, child := range s.children {
		l.visit(child, childInstances)
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// NodeLayoutOf returns the layout record of an SNode belonging to this tree.
func (l *TreeLayout) NodeLayoutOf(s *SNode) (*NodeLayout, error) {
	if s == nil || s.Index < 0 || s.Index >= len(l.Nodes) || l.Nodes[s.Index].SNode != s {
		return nil, errors.Errorf("snode %s does not belong to tree %d", s, l.TreeID)
	}
	return &l.Nodes[s.Index], nil
}

// PlaceAddress returns the byte offset and element size of a Place leaf, for
// use with the kernel IR's global load/store addressing.
func (l *TreeLayout) PlaceAddress(s *SNode) (baseOffset uint64, elemSize int, err error) {
	nl, err := l.NodeLayoutOf(s)
	if err != nil {
		return 0, 0, err
	}
	if s.Type != TypePlace {
		return 0, 0, errors.Errorf("PlaceAddress on %s, only place snodes hold data", s)
	}
	return nl.Offset, nl.ElemSize, nil
}

// Visualize writes a human-readable dump of the tree and its layout to w.
// It only touches the description and layout, never live memory.
func (l *TreeLayout) Visualize(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "tree %d: %d nodes, %d bytes\n", l.TreeID, len(l.Nodes), l.TotalSize); err != nil {
		return errors.Wrap(err, "visualizing tree layout")
	}
	return l.visualizeNode(w, l.Root, 0)
}

func (l *TreeLayout) visualizeNode(w io.Writer, s *SNode, depth int) error {
	nl := &l.Nodes[s.Index]
	indent := strings.Repeat("  ", depth)
	var region string
	if nl.Size > 0 {
		region = fmt.Sprintf("  @[%d:%d)", nl.Offset, nl.Offset+nl.Size)
	}
	if _, err := fmt.Fprintf(w, "%s#%d %s x%d%s\n", indent, s.Index, s, nl.NumInstances, region); err != nil {
		return errors.Wrap(err, "visualizing tree layout")
	}
	for _, child := range s.children {
		if err := l.visualizeNode(w, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}
