package program

import (
	"testing"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/backends/cpu"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndDeleteNdarray(t *testing.T) {
	p := newTestProgram(t)

	a, err := p.CreateNdarray(dtypes.Float32, []int{4, 8}, LayoutAOS, true)
	require.NoError(t, err)
	assert.Equal(t, 32, a.NumElements())
	assert.Equal(t, 128, a.SizeBytes())
	assert.Equal(t, 1, p.Stats().Ndarrays)

	// Zero-filled on creation.
	host := p.Backend().(*cpu.Backend)
	data, err := host.AllocationData(a.Allocation())
	require.NoError(t, err)
	for _, bt := range data {
		require.Zero(t, bt)
	}

	require.NoError(t, p.FillNdarrayU32(a, 0x3F800000)) // float32 1.0
	data, err = host.AllocationData(a.Allocation())
	require.NoError(t, err)
	assert.Equal(t, byte(0x3F), data[3])

	p.DeleteNdarray(a)
	assert.Equal(t, 0, p.Stats().Ndarrays)
	require.Panics(t, func() { p.DeleteNdarray(a) }, "double delete is a programmer error")
}

func TestNdarrayData(t *testing.T) {
	p := newTestProgram(t)

	a, err := p.CreateNdarray(dtypes.Int32, []int{8}, LayoutAOS, true)
	require.NoError(t, err)
	require.NoError(t, p.FillNdarrayU32(a, 7))

	// The host backend exposes its memory zero-copy through the Program.
	data, err := p.NdarrayData(a)
	require.NoError(t, err)
	require.Len(t, data, a.SizeBytes())
	assert.Equal(t, byte(7), data[0])
	assert.Equal(t, byte(7), data[28])

	p.DeleteNdarray(a)
	require.Panics(t, func() { _, _ = p.NdarrayData(a) })
}

func TestCreateNdarrayValidation(t *testing.T) {
	p := newTestProgram(t)
	_, err := p.CreateNdarray(dtypes.Float32, []int{4, 0}, LayoutAOS, false)
	require.ErrorContains(t, err, "non-positive axis")
	_, err = p.CreateNdarray(dtypes.Complex64, []int{4}, LayoutAOS, false)
	require.ErrorContains(t, err, "not supported")
}

func TestNdarraysKeyedByAllocation(t *testing.T) {
	p := newTestProgram(t)
	a, err := p.CreateNdarray(dtypes.Int32, []int{8}, LayoutSOA, false)
	require.NoError(t, err)
	b, err := p.CreateNdarray(dtypes.Int32, []int{8}, LayoutSOA, false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Allocation(), b.Allocation())
	assert.Same(t, a, p.ndarrays[a.Allocation()])
	assert.Same(t, b, p.ndarrays[b.Allocation()])
}

func TestCreateTexture(t *testing.T) {
	p := newTestProgram(t)

	tex, err := p.CreateTexture(backends.TextureParams{
		DType: dtypes.Float32, NumChannels: 4, Dims: []int{16, 16},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.NumTextures())
	assert.False(t, tex.Allocation().IsNull())

	// Textures are tracked in creation order, never deduplicated.
	_, err = p.CreateTexture(backends.TextureParams{
		DType: dtypes.Float32, NumChannels: 4, Dims: []int{16, 16},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.NumTextures())

	_, err = p.CreateTexture(backends.TextureParams{DType: dtypes.Float32, NumChannels: 5, Dims: []int{4}})
	require.ErrorContains(t, err, "channels")
	_, err = p.CreateTexture(backends.TextureParams{DType: dtypes.Float32, NumChannels: 1, Dims: []int{1, 2, 3, 4}})
	require.ErrorContains(t, err, "dimensions")
}

func TestEnqueueComputeOp(t *testing.T) {
	p := newTestProgram(t)
	tex, err := p.CreateTexture(backends.TextureParams{
		DType: dtypes.Float32, NumChannels: 1, Dims: []int{4},
	})
	require.NoError(t, err)

	ran := false
	err = p.EnqueueComputeOp(func(dev backends.Device, cl backends.CommandList) error {
		cl.Dispatch(func() error { ran = true; return nil })
		return nil
	}, []backends.ComputeOpImageRef{{
		Texture:        tex.Allocation(),
		InitialLayout:  backends.ImageLayoutUndefined,
		RequiredLayout: backends.ImageLayoutShaderReadWrite,
	}})
	require.NoError(t, err)
	require.NoError(t, p.Synchronize())
	assert.True(t, ran)
}
