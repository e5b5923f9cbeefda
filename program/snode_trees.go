package program

import (
	"os"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SNodeTree is one materialized (or compile-only) sparse tree owned by the
// Program. It is the physical backing of the user-visible fields placed under
// its root.
type SNodeTree struct {
	id     int
	root   *snode.SNode
	layout *snode.TreeLayout

	// alloc is the device memory of the tree; null for compile-only trees.
	alloc        backends.DeviceAllocation
	materialized bool
	destroyed    bool
}

// ID returns the tree's identifier. Ids are dense modulo reclamation: a
// destroyed tree's id is reused by the next added tree.
func (t *SNodeTree) ID() int { return t.id }

// Root returns the tree's root SNode.
func (t *SNodeTree) Root() *snode.SNode { return t.root }

// Layout returns the compiled physical layout.
func (t *SNodeTree) Layout() *snode.TreeLayout { return t.layout }

// IsMaterialized reports whether the tree holds live device memory, as
// opposed to compile-only (ahead-of-time export) trees.
func (t *SNodeTree) IsMaterialized() bool { return t.materialized }

// allocateSNodeTreeID returns and consumes a free tree id if there is any,
// otherwise the current tree count (append semantics). Ids stay dense and
// bounded by the number of trees ever live at once.
func (p *Program) allocateSNodeTreeID() int {
	if n := len(p.freeTreeIDs); n > 0 {
		id := p.freeTreeIDs[n-1]
		p.freeTreeIDs = p.freeTreeIDs[:n-1]
		return id
	}
	return len(p.trees)
}

// snodeTree returns the live tree with the given id, or nil.
func (p *Program) snodeTree(treeID int) *SNodeTree {
	if treeID < 0 || treeID >= len(p.trees) {
		return nil
	}
	tree := p.trees[treeID]
	if tree == nil || tree.destroyed {
		return nil
	}
	return tree
}

// MaterializeRuntime brings up the backend runtime: device context and the
// flat result buffer. It must run before any kernel touching device memory
// executes; it is idempotent and repeated calls are no-ops.
//
// Runtime bring-up is staged rather than done at construction because the
// configuration may still be adjusted between creating the Program and the
// first execution.
func (p *Program) MaterializeRuntime() error {
	p.checkAlive("MaterializeRuntime")
	if p.runtimeMaterialized {
		return nil
	}
	if err := p.backend.MaterializeRuntime(ResultBufferSlots); err != nil {
		return errors.WithMessage(err, "materializing runtime")
	}
	p.runtimeMaterialized = true
	return nil
}

// AddSNodeTree registers a new tree under a fresh id and derives its physical
// layout. Unless compileOnly is set, the tree is also materialized: backing
// device memory is allocated through the backend (materializing the runtime
// first if needed).
//
// compileOnly exists for ahead-of-time export to a backend that is not the
// live one: only type and layout information is produced, and the resulting
// tree must not be addressed by kernels executing on this host.
func (p *Program) AddSNodeTree(root *snode.SNode, compileOnly bool) (*SNodeTree, error) {
	p.checkAlive("AddSNodeTree")
	id := p.allocateSNodeTreeID()
	layout, err := snode.Compile(root, id)
	if err != nil {
		// The id was never attached to a live tree; recycle it.
		p.freeTreeIDs = append(p.freeTreeIDs, id)
		return nil, err
	}

	tree := &SNodeTree{id: id, root: root, layout: layout, alloc: backends.NullDeviceAllocation}
	if !compileOnly {
		if err := p.MaterializeRuntime(); err != nil {
			p.freeTreeIDs = append(p.freeTreeIDs, id)
			return nil, err
		}
		alloc, err := p.backend.MaterializeTree(layout)
		if err != nil {
			p.freeTreeIDs = append(p.freeTreeIDs, id)
			return nil, errors.WithMessagef(err, "materializing SNode tree %d", id)
		}
		tree.alloc = alloc
		tree.materialized = true
	}

	if id == len(p.trees) {
		p.trees = append(p.trees, tree)
	} else {
		p.trees[id] = tree
	}
	klog.V(1).Infof("added SNode tree %d (%d nodes, %d bytes, compileOnly=%v)",
		id, len(layout.Nodes), layout.TotalSize, compileOnly)
	return tree, nil
}

// DestroySNodeTree releases the tree's device resources and returns its id
// to the free list. Kernels still referencing the tree must have been
// recompiled not to; destroying a tree out from under compiled code is a
// caller error the Program does not detect.
func (p *Program) DestroySNodeTree(tree *SNodeTree) {
	p.checkAlive("DestroySNodeTree")
	if tree == nil || p.snodeTree(tree.id) != tree {
		exceptions.Panicf("DestroySNodeTree on a tree this Program does not own")
	}
	if tree.materialized {
		if err := p.backend.DestroyTree(tree.id, tree.alloc); err != nil {
			exceptions.Panicf("destroying SNode tree %d: %+v", tree.id, err)
		}
	}
	tree.destroyed = true
	tree.alloc = backends.NullDeviceAllocation
	p.trees[tree.id] = nil
	p.freeTreeIDs = append(p.freeTreeIDs, tree.id)
	klog.V(1).Infof("destroyed SNode tree %d", tree.id)
}

// SNodeTreeSize returns the number of tracked tree slots, including reclaimed
// ones: live tree ids are always below it.
func (p *Program) SNodeTreeSize() int { return len(p.trees) }

// GetSNodeRoot returns the root of a live tree. Querying a destroyed or
// never-added id is a programmer error.
func (p *Program) GetSNodeRoot(treeID int) *snode.SNode {
	tree := p.snodeTree(treeID)
	if tree == nil {
		exceptions.Panicf("GetSNodeRoot(%d): no live SNode tree with this id", treeID)
	}
	return tree.root
}

// treeContaining locates the live tree a compiled SNode belongs to.
func (p *Program) treeContaining(s *snode.SNode) *SNodeTree {
	for _, tree := range p.trees {
		if tree == nil || tree.destroyed {
			continue
		}
		if _, err := tree.layout.NodeLayoutOf(s); err == nil {
			return tree
		}
	}
	return nil
}

// VisualizeLayout writes a human-readable dump of all live tree layouts to
// the given file path. Side effects on the output file only.
func (p *Program) VisualizeLayout(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating layout visualization %q", path)
	}
	defer func() { _ = f.Close() }()
	for _, tree := range p.trees {
		if tree == nil || tree.destroyed {
			continue
		}
		if err := tree.layout.Visualize(f); err != nil {
			return err
		}
	}
	return nil
}
