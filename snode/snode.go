// Package snode describes sparse hierarchical array layouts ("SNode trees")
// and derives their physical byte layout.
//
// An SNode tree is a nesting of container nodes (Dense, Pointer, Dynamic,
// Bitmasked) with Place leaves holding typed scalar cells. The tree is a
// description only: Compile turns it into a TreeLayout with concrete byte
// offsets, which a backend then materializes into device memory. Compiled
// kernels address tree memory exclusively through TreeLayout offsets.
package snode

import (
	"fmt"

	"github.com/fieldlang/fieldlang/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// SNodeType enumerates the node kinds of a sparse tree.
type SNodeType int

const (
	// TypeRoot is the unique top node of a tree. It has exactly one cell.
	TypeRoot SNodeType = iota

	// TypeDense is a fixed multi-dimensional array of cells, all allocated.
	TypeDense

	// TypePointer is a sparse array of cells activated on first touch; each
	// cell costs one pointer slot of metadata when inactive.
	TypePointer

	// TypeDynamic is a variable-length list of cells with a fixed capacity
	// and a per-instance length counter.
	TypeDynamic

	// TypeBitmasked is a dense array of cells with a one-bit-per-cell
	// activity mask.
	TypeBitmasked

	// TypePlace is a leaf holding one scalar of a given dtype per instance.
	TypePlace
)

var snodeTypeNames = [...]string{
	TypeRoot:      "root",
	TypeDense:     "dense",
	TypePointer:   "pointer",
	TypeDynamic:   "dynamic",
	TypeBitmasked: "bitmasked",
	TypePlace:     "place",
}

// String implements fmt.Stringer.
func (t SNodeType) String() string {
	if t < 0 || int(t) >= len(snodeTypeNames) {
		return fmt.Sprintf("SNodeType(%d)", int(t))
	}
	return snodeTypeNames[t]
}

// IsContainer reports whether the node kind holds child cells (everything
// except Place).
func (t SNodeType) IsContainer() bool { return t != TypePlace }

// SNode is one node of a sparse tree description.
//
// Build trees top-down with NewRoot and the child-appending methods (Dense,
// Pointer, Dynamic, Bitmasked, Place), then hand the root to Program.AddSNodeTree.
// SNodes are descriptions and carry no storage themselves.
type SNode struct {
	// Index of the node within its tree, in depth-first order.
	// Assigned by Compile; -1 before that.
	Index int

	Type SNodeType
	Name string

	// Shape holds the per-axis cell counts for Dense/Pointer/Bitmasked nodes.
	Shape []int

	// MaxLength is the cell capacity of a Dynamic node.
	MaxLength int

	// DType is the element type of a Place leaf.
	DType dtypes.DType

	parent   *SNode
	children []*SNode
}

// NewRoot returns a fresh tree root.
func NewRoot(name string) *SNode {
	return &SNode{Index: -1, Type: TypeRoot, Name: name}
}

func (s *SNode) appendChild(child *SNode) *SNode {
	child.Index = -1
	child.parent = s
	s.children = append(s.children, child)
	return child
}

// Dense appends a dense container child with the given per-axis cell counts
// and returns it.
func (s *SNode) Dense(name string, shape ...int) *SNode {
	return s.appendChild(&SNode{Type: TypeDense, Name: name, Shape: shape})
}

// Pointer appends a pointer (sparse) container child and returns it.
func (s *SNode) Pointer(name string, shape ...int) *SNode {
	return s.appendChild(&SNode{Type: TypePointer, Name: name, Shape: shape})
}

// Bitmasked appends a bitmasked container child and returns it.
func (s *SNode) Bitmasked(name string, shape ...int) *SNode {
	return s.appendChild(&SNode{Type: TypeBitmasked, Name: name, Shape: shape})
}

// Dynamic appends a variable-length container child with the given capacity
// and returns it.
func (s *SNode) Dynamic(name string, maxLength int) *SNode {
	return s.appendChild(&SNode{Type: TypeDynamic, Name: name, MaxLength: maxLength})
}

// Place appends a scalar leaf of the given dtype and returns it.
func (s *SNode) Place(name string, dtype dtypes.DType) *SNode {
	return s.appendChild(&SNode{Type: TypePlace, Name: name, DType: dtype})
}

// Parent returns the parent node, or nil for the root.
func (s *SNode) Parent() *SNode { return s.parent }

// Children returns the children in creation order. The returned slice is owned
// by the node and must not be mutated.
func (s *SNode) Children() []*SNode { return s.children }

// NumCells returns the number of cells one instance of this node holds:
// the product of Shape for array containers, MaxLength for Dynamic, one for
// Root and Place.
func (s *SNode) NumCells() int {
	switch s.Type {
	case TypeDense, TypePointer, TypeBitmasked:
		n := 1
		for _, dim := range s.Shape {
			n *= dim
		}
		return n
	case TypeDynamic:
		return s.MaxLength
	default:
		return 1
	}
}

// String returns a one-line description, e.g. `dense "grid" [16 16]`.
func (s *SNode) String() string {
	switch s.Type {
	case TypePlace:
		return fmt.Sprintf("place %q %s", s.Name, s.DType)
	case TypeDynamic:
		return fmt.Sprintf("dynamic %q max=%d", s.Name, s.MaxLength)
	case TypeRoot:
		return fmt.Sprintf("root %q", s.Name)
	default:
		return fmt.Sprintf("%s %q %v", s.Type, s.Name, s.Shape)
	}
}

// validate checks the structural invariants of the subtree rooted at s.
func (s *SNode) validate() error {
	switch s.Type {
	case TypePlace:
		if len(s.children) > 0 {
			return errors.Errorf("place snode %q cannot have children", s.Name)
		}
		if !ir.SupportedDType(s.DType) {
			return errors.Errorf("place snode %q has unsupported dtype %s", s.Name, s.DType)
		}
	case TypeDynamic:
		if s.MaxLength <= 0 {
			return errors.Errorf("dynamic snode %q needs a positive capacity, got %d", s.Name, s.MaxLength)
		}
	case TypeDense, TypePointer, TypeBitmasked:
		if len(s.Shape) == 0 {
			return errors.Errorf("%s snode %q needs a non-empty shape", s.Type, s.Name)
		}
		for _, dim := range s.Shape {
			if dim <= 0 {
				return errors.Errorf("%s snode %q has non-positive dimension in shape %v", s.Type, s.Name, s.Shape)
			}
		}
	}
	if s.Type.IsContainer() && s.Type != TypeRoot && len(s.children) == 0 {
		return errors.Errorf("%s snode %q has no children", s.Type, s.Name)
	}
	for _, child := range s.children {
		if err := child.validate(); err != nil {
			return err
		}
	}
	return nil
}
