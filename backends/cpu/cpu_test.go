package cpu

import (
	"testing"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New("")
	require.NoError(t, err)
	return b.(*Backend)
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, backends.Registered(), BackendName)

	b, err := backends.NewWithConfig("cpu")
	require.NoError(t, err)
	assert.Equal(t, backends.ArchCPU, b.Arch())

	t.Setenv(backends.ConfigEnvVar, "cpu:")
	b, err = backends.New()
	require.NoError(t, err)
	assert.Equal(t, "cpu", b.Name())
}

func TestArenaGenerationSafety(t *testing.T) {
	var a arena
	h1 := a.alloc(16)
	require.NoError(t, a.free(h1))

	// The slot is recycled with a bumped generation; the stale handle must not
	// resolve to the new resident.
	h2 := a.alloc(32)
	assert.Equal(t, h1.Index, h2.Index)
	assert.NotEqual(t, h1.Generation, h2.Generation)

	_, err := a.bytes(h1)
	require.ErrorContains(t, err, "already freed")
	data, err := a.bytes(h2)
	require.NoError(t, err)
	assert.Len(t, data, 32)

	require.ErrorContains(t, a.free(h1), "already freed")

	count, bytes := a.stats()
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(32), bytes)
}

func TestMaterializeRuntimeOnce(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.MaterializeRuntime(8))
	require.ErrorContains(t, b.MaterializeRuntime(8), "twice")
}

func TestMaterializeAndDestroyTree(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.MaterializeRuntime(8))

	root := snode.NewRoot("r")
	root.Dense("d", 4).Place("x", dtypes.Float32)
	layout, err := snode.Compile(root, 0)
	require.NoError(t, err)

	alloc, err := b.MaterializeTree(layout)
	require.NoError(t, err)
	data, err := b.treeBytes(0)
	require.NoError(t, err)
	assert.Len(t, data, int(layout.TotalSize))

	_, err = b.MaterializeTree(layout)
	require.ErrorContains(t, err, "already materialized")

	require.NoError(t, b.DestroyTree(0, alloc))
	require.ErrorContains(t, b.DestroyTree(0, alloc), "not materialized")
	_, err = b.treeBytes(0)
	require.Error(t, err)
}

func TestFillU32(t *testing.T) {
	b := newTestBackend(t)
	alloc, err := b.AllocateMemory(16)
	require.NoError(t, err)
	require.NoError(t, b.FillU32(alloc, 0xDEADBEEF, 4))

	data, err := b.AllocationData(alloc)
	require.NoError(t, err)
	assert.Equal(t, byte(0xEF), data[0])
	assert.Equal(t, byte(0xDE), data[3])

	require.ErrorContains(t, b.FillU32(alloc, 0, 5), "overflows")
}

func TestAllocateTexture(t *testing.T) {
	b := newTestBackend(t)
	alloc, err := b.AllocateTexture(backends.TextureParams{
		DType: dtypes.Float32, NumChannels: 4, Dims: []int{8, 8},
	})
	require.NoError(t, err)
	data, err := b.AllocationData(alloc)
	require.NoError(t, err)
	assert.Len(t, data, 4*4*8*8)

	_, err = b.AllocateTexture(backends.TextureParams{DType: dtypes.Float32, NumChannels: 0, Dims: []int{8}})
	require.Error(t, err)
}

func TestFetchResultBeforeMaterializePanics(t *testing.T) {
	b := newTestBackend(t)
	require.Panics(t, func() { b.FetchResultUint64(0) })
}

func TestCommandStreamDeferredErrors(t *testing.T) {
	b := newTestBackend(t)
	ran := 0
	err := b.EnqueueOp(func(dev backends.Device, cl backends.CommandList) error {
		assert.Equal(t, backends.ArchCPU, dev.Arch())
		cl.Dispatch(func() error { ran++; return nil })
		cl.Dispatch(func() error { return errors.New("device fault") })
		cl.Dispatch(func() error { ran++; return nil })
		return nil
	}, nil)
	require.NoError(t, err)

	// Execution errors surface at drain, not at enqueue, and stop the stream.
	require.ErrorContains(t, b.Synchronize(), "device fault")
	assert.Equal(t, 1, ran)

	require.ErrorContains(t, b.CheckRuntimeError(), "device fault")
	require.NoError(t, b.CheckRuntimeError())

	// A clean stream flushes with a signaled semaphore.
	require.NoError(t, b.EnqueueOp(func(_ backends.Device, cl backends.CommandList) error {
		cl.Dispatch(func() error { ran++; return nil })
		return nil
	}, nil))
	require.NoError(t, b.Flush().Wait())
	assert.Equal(t, 2, ran)
}

func TestFinalizeIdempotent(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.MaterializeRuntime(8))
	b.Finalize()
	b.Finalize()
	require.Panics(t, func() { _, _ = b.AllocateMemory(8) })
}
