package program

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldlang/fieldlang/ir"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func denseTree(name string, cells int) *snode.SNode {
	root := snode.NewRoot(name)
	root.Dense("d", cells).Place("x", dtypes.Float32)
	return root
}

func TestTreeIDAllocation(t *testing.T) {
	p := newTestProgram(t)

	t0, err := p.AddSNodeTree(denseTree("a", 4), false)
	require.NoError(t, err)
	t1, err := p.AddSNodeTree(denseTree("b", 4), false)
	require.NoError(t, err)
	assert.Equal(t, 0, t0.ID())
	assert.Equal(t, 1, t1.ID())
	assert.Equal(t, 2, p.SNodeTreeSize())

	// A destroyed tree's id is reused by the next added tree.
	p.DestroySNodeTree(t0)
	t2, err := p.AddSNodeTree(denseTree("c", 4), false)
	require.NoError(t, err)
	assert.Equal(t, 0, t2.ID())
	assert.Equal(t, 2, p.SNodeTreeSize())

	assert.Same(t, t2.Root(), p.GetSNodeRoot(0))
	assert.Same(t, t1.Root(), p.GetSNodeRoot(1))
}

func TestDestroyedTreeIsGone(t *testing.T) {
	p := newTestProgram(t)
	tree, err := p.AddSNodeTree(denseTree("a", 4), false)
	require.NoError(t, err)
	p.DestroySNodeTree(tree)

	require.Panics(t, func() { p.GetSNodeRoot(tree.ID()) })
	require.Panics(t, func() { p.DestroySNodeTree(tree) }, "double destroy is a programmer error")
}

func TestCompileOnlyTree(t *testing.T) {
	p := newTestProgram(t)
	tree, err := p.AddSNodeTree(denseTree("aotonly", 8), true)
	require.NoError(t, err)
	assert.False(t, tree.IsMaterialized())

	// A kernel addressing a compile-only tree cannot be lowered for the live
	// backend.
	k := p.Kernel(func(b *ir.Builder) {
		b.StoreResult(b.GlobalLoad(tree.ID(), 0, 4, ir.InvalidValueID, dtypes.Float32))
	}, "", AutodiffNone)
	require.NoError(t, p.MaterializeRuntime())
	require.Panics(t, func() { _, _ = p.Compile(k) })
}

func TestMaterializeRuntimeIdempotent(t *testing.T) {
	p := newTestProgram(t)
	require.NoError(t, p.MaterializeRuntime())
	require.NoError(t, p.MaterializeRuntime())

	// Adding a materialized tree also brings the runtime up at most once.
	_, err := p.AddSNodeTree(denseTree("a", 4), false)
	require.NoError(t, err)
}

func TestInvalidTreeRejected(t *testing.T) {
	p := newTestProgram(t)
	root := snode.NewRoot("bad")
	root.Dense("noshape")
	_, err := p.AddSNodeTree(root, false)
	require.Error(t, err)

	// The id reserved for the failed add is recycled.
	tree, err := p.AddSNodeTree(denseTree("ok", 4), false)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.ID())
}

func TestVisualizeLayout(t *testing.T) {
	p := newTestProgram(t)
	_, err := p.AddSNodeTree(denseTree("a", 4), false)
	require.NoError(t, err)
	_, err = p.AddSNodeTree(denseTree("b", 2), false)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "layout.txt")
	require.NoError(t, p.VisualizeLayout(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tree 0")
	assert.Contains(t, string(data), "tree 1")
}
