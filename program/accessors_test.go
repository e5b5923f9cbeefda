package program

import (
	"testing"

	"github.com/fieldlang/fieldlang/ir"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSNodeReadWriteRoundTrip(t *testing.T) {
	p := newTestProgram(t)

	root := snode.NewRoot("r")
	x := root.Dense("grid", 8).Place("x", dtypes.Float32)
	_, err := p.AddSNodeTree(root, false)
	require.NoError(t, err)

	bits := ir.ScalarToBits(dtypes.Float32, 2.5)
	require.NoError(t, p.WriteSNodeElement(x, 3, bits))

	got, err := p.ReadSNodeElement(x, 3)
	require.NoError(t, err)
	assert.Equal(t, bits, got)

	// Untouched elements stay zero.
	got, err = p.ReadSNodeElement(x, 4)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestAccessorKernelsAreCached(t *testing.T) {
	p := newTestProgram(t)

	root := snode.NewRoot("r")
	x := root.Dense("grid", 4).Place("x", dtypes.Int32)
	y := root.Dense("grid2", 4).Place("y", dtypes.Int32)
	_, err := p.AddSNodeTree(root, false)
	require.NoError(t, err)

	assert.Same(t, p.GetSNodeReader(x), p.GetSNodeReader(x))
	assert.Same(t, p.GetSNodeWriter(x), p.GetSNodeWriter(x))
	assert.NotSame(t, p.GetSNodeReader(x), p.GetSNodeReader(y))
}

func TestAccessorOnForeignSNodePanics(t *testing.T) {
	p := newTestProgram(t)
	orphan := snode.NewRoot("other").Dense("d", 4).Place("x", dtypes.Int32)
	require.Panics(t, func() { p.GetSNodeReader(orphan) })
}

func TestDynamicLength(t *testing.T) {
	p := newTestProgram(t)

	root := snode.NewRoot("r")
	dyn := root.Dense("rows", 2).Dynamic("list", 64)
	dyn.Place("item", dtypes.Int32)
	tree, err := p.AddSNodeTree(root, false)
	require.NoError(t, err)

	n, err := p.SNodeNumDynamicallyAllocated(dyn, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh dynamic instances are empty")

	// Bump instance 1's length counter directly through a store kernel, the
	// way an activating kernel would.
	nl, err := tree.Layout().NodeLayoutOf(dyn)
	require.NoError(t, err)
	k := p.Kernel(func(b *ir.Builder) {
		b.GlobalStore(tree.ID(), nl.Offset, nl.ElemSize,
			b.ConstInt(dtypes.Int32, 1), b.ConstInt(dtypes.Int32, 5))
	}, "", AutodiffNone)
	require.NoError(t, k.Launch())

	n, err = p.SNodeNumDynamicallyAllocated(dyn, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = p.SNodeNumDynamicallyAllocated(dyn, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = p.SNodeNumDynamicallyAllocated(dyn, 2)
	require.ErrorContains(t, err, "out of range")
	_, err = p.SNodeNumDynamicallyAllocated(dyn.Children()[0], 0)
	require.ErrorContains(t, err, "only dynamic snodes")
}
