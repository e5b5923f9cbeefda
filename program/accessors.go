package program

import (
	"fmt"

	"github.com/fieldlang/fieldlang/ir"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Host-side element access goes through tiny generated kernels rather than
// raw memory reads: the same path works for every backend, device-resident
// memory included. Readers and writers are cached per SNode, so repeated
// accesses reuse one compiled kernel.

// placeAddress resolves a Place leaf to its tree and physical address, or
// panics: accessing an SNode of a destroyed tree is a programmer error.
func (p *Program) placeAddress(op string, s *snode.SNode) (treeID int, baseOffset uint64, elemSize int) {
	tree := p.treeContaining(s)
	if tree == nil {
		exceptions.Panicf("%s: snode %s does not belong to any live tree of this program", op, s)
	}
	baseOffset, elemSize, err := tree.layout.PlaceAddress(s)
	if err != nil {
		exceptions.Panicf("%s: %+v", op, err)
	}
	return tree.id, baseOffset, elemSize
}

// GetSNodeReader returns the cached kernel reading one element of a Place
// leaf. The kernel takes the linear element index as its single argument and
// stores the element into result slot 0.
func (p *Program) GetSNodeReader(s *snode.SNode) *Kernel {
	p.checkAlive("GetSNodeReader")
	if k, found := p.snodeReaders[s]; found {
		return k
	}
	treeID, baseOffset, elemSize := p.placeAddress("GetSNodeReader", s)
	dtype := s.DType
	k := p.Kernel(func(b *ir.Builder) {
		index := b.ArgLoad(dtypes.Int32)
		b.StoreResult(b.GlobalLoad(treeID, baseOffset, elemSize, index, dtype))
	}, fmt.Sprintf("snode_reader_%d_%d", treeID, s.Index), AutodiffNone)
	p.snodeReaders[s] = k
	return k
}

// GetSNodeWriter returns the cached kernel writing one element of a Place
// leaf. The kernel takes the linear element index and the wire-encoded value
// as its two arguments.
func (p *Program) GetSNodeWriter(s *snode.SNode) *Kernel {
	p.checkAlive("GetSNodeWriter")
	if k, found := p.snodeWriters[s]; found {
		return k
	}
	treeID, baseOffset, elemSize := p.placeAddress("GetSNodeWriter", s)
	dtype := s.DType
	k := p.Kernel(func(b *ir.Builder) {
		index := b.ArgLoad(dtypes.Int32)
		value := b.ArgLoad(dtype)
		b.GlobalStore(treeID, baseOffset, elemSize, index, value)
	}, fmt.Sprintf("snode_writer_%d_%d", treeID, s.Index), AutodiffNone)
	p.snodeWriters[s] = k
	return k
}

// ReadSNodeElement reads element i of a Place leaf and returns its
// wire-encoded value.
func (p *Program) ReadSNodeElement(s *snode.SNode, i int) (uint64, error) {
	k := p.GetSNodeReader(s)
	if err := k.Launch(ir.IntToBits(dtypes.Int32, int64(i))); err != nil {
		return 0, errors.WithMessagef(err, "reading element %d of snode %s", i, s)
	}
	return p.FetchResultUint64(0), nil
}

// WriteSNodeElement writes the wire-encoded value into element i of a Place
// leaf.
func (p *Program) WriteSNodeElement(s *snode.SNode, i int, value uint64) error {
	k := p.GetSNodeWriter(s)
	if err := k.Launch(ir.IntToBits(dtypes.Int32, int64(i)), value); err != nil {
		return errors.WithMessagef(err, "writing element %d of snode %s", i, s)
	}
	return nil
}

// SNodeNumDynamicallyAllocated returns the current length counter of a
// Dynamic node instance. Only Dynamic nodes carry a length.
func (p *Program) SNodeNumDynamicallyAllocated(s *snode.SNode, instance int) (int, error) {
	p.checkAlive("SNodeNumDynamicallyAllocated")
	if s.Type != snode.TypeDynamic {
		return 0, errors.Errorf("SNodeNumDynamicallyAllocated on %s, only dynamic snodes carry a length", s)
	}
	tree := p.treeContaining(s)
	if tree == nil {
		exceptions.Panicf("SNodeNumDynamicallyAllocated: snode %s does not belong to any live tree of this program", s)
	}
	nl, err := tree.layout.NodeLayoutOf(s)
	if err != nil {
		return 0, err
	}
	if instance < 0 || instance >= nl.NumInstances {
		return 0, errors.Errorf("SNodeNumDynamicallyAllocated: instance %d out of range [0, %d) for %s",
			instance, nl.NumInstances, s)
	}
	k, found := p.dynLenProbes[s]
	if !found {
		treeID, offset, elemSize := tree.id, nl.Offset, nl.ElemSize
		k = p.Kernel(func(b *ir.Builder) {
			index := b.ArgLoad(dtypes.Int32)
			b.StoreResult(b.GlobalLoad(treeID, offset, elemSize, index, dtypes.Int32))
		}, fmt.Sprintf("snode_dynlen_%d_%d", treeID, s.Index), AutodiffNone)
		p.dynLenProbes[s] = k
	}
	if err := k.Launch(ir.IntToBits(dtypes.Int32, int64(instance))); err != nil {
		return 0, errors.WithMessagef(err, "querying dynamic length of snode %s", s)
	}
	return int(int32(p.FetchResultUint64(0))), nil
}
