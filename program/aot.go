package program

import (
	"github.com/fieldlang/fieldlang/aot"
	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/pkg/errors"
)

// AOTModuleBuilder accumulates the trees and kernels to export for a target
// architecture. The target may differ from the Program's live backend; in
// that case trees intended for the export should have been added compile-only.
type AOTModuleBuilder struct {
	program *Program
	module  *aot.Module
}

// MakeAOTModuleBuilder starts an export targeting arch, with the given target
// capability constraints (may be nil).
func (p *Program) MakeAOTModuleBuilder(arch backends.Arch, caps map[string]uint64) *AOTModuleBuilder {
	p.checkAlive("MakeAOTModuleBuilder")
	return &AOTModuleBuilder{
		program: p,
		module:  &aot.Module{FormatVersion: aot.FormatVersion, Arch: arch.String(), Caps: caps},
	}
}

// AddSNodeTree exports the physical layout of one tree.
func (b *AOTModuleBuilder) AddSNodeTree(tree *SNodeTree) error {
	if b.program.snodeTree(tree.id) != tree {
		return errors.Errorf("AOT export of a tree this Program does not own")
	}
	record := aot.TreeRecord{TreeID: tree.id, TotalSize: tree.layout.TotalSize}
	for _, nl := range tree.layout.Nodes {
		nr := aot.NodeRecord{
			Index:        nl.SNode.Index,
			Type:         nl.SNode.Type.String(),
			Name:         nl.SNode.Name,
			Offset:       nl.Offset,
			ElemSize:     nl.ElemSize,
			NumInstances: nl.NumInstances,
			NumElems:     nl.NumElems,
		}
		if nl.SNode.Type == snode.TypePlace {
			nr.DType = nl.SNode.DType.String()
		}
		record.Nodes = append(record.Nodes, nr)
	}
	b.module.Trees = append(b.module.Trees, record)
	return nil
}

// AddAllSNodeTrees exports every live tree of the Program.
func (b *AOTModuleBuilder) AddAllSNodeTrees() error {
	for _, tree := range b.program.trees {
		if tree == nil || tree.destroyed {
			continue
		}
		if err := b.AddSNodeTree(tree); err != nil {
			return err
		}
	}
	return nil
}

// AddKernel exports one kernel's launch signature. binary carries the
// target-compiled artifact where the target backend produces one; host
// closures export metadata only.
func (b *AOTModuleBuilder) AddKernel(k *Kernel, binary []byte) error {
	if k.program != b.program {
		return errors.Errorf("AOT export of kernel %q, which belongs to a different Program", k.name)
	}
	kernelIR, err := k.buildIR()
	if err != nil {
		return err
	}
	record := aot.KernelRecord{Name: k.name, TreeIDs: kernelIR.TreeIDs, Binary: binary}
	for _, dtype := range kernelIR.ArgDTypes {
		record.ArgDTypes = append(record.ArgDTypes, dtype.String())
	}
	for _, dtype := range kernelIR.ResultDTypes {
		record.ResultDTypes = append(record.ResultDTypes, dtype.String())
	}
	b.module.Kernels = append(b.module.Kernels, record)
	return nil
}

// Module returns the accumulated export.
func (b *AOTModuleBuilder) Module() *aot.Module { return b.module }

// Save writes the accumulated export to a file.
func (b *AOTModuleBuilder) Save(path string) error { return b.module.Save(path) }
