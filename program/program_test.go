package program

import (
	"testing"
	"time"

	"github.com/fieldlang/fieldlang/backends"
	_ "github.com/fieldlang/fieldlang/backends/cpu"
	"github.com/fieldlang/fieldlang/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestProgram creates a Program on the host backend and finalizes it at
// test cleanup.
func newTestProgram(t *testing.T) *Program {
	t.Helper()
	p := must.M1(New())
	t.Cleanup(p.Finalize)
	return p
}

func TestEndToEndScalarKernel(t *testing.T) {
	p := newTestProgram(t)

	k := p.Kernel(func(b *ir.Builder) {
		b.StoreResult(b.ConstInt(dtypes.Int32, 42))
	}, "store42", AutodiffNone)
	assert.Equal(t, "store42", k.Name())
	assert.False(t, k.IsCompiled())

	require.NoError(t, k.Launch())
	assert.True(t, k.IsCompiled())
	assert.Equal(t, int32(42), FetchResult[int32](p, 0))
	assert.Greater(t, p.TotalCompilationTime(), time.Duration(0))
}

func TestKernelWithArguments(t *testing.T) {
	p := newTestProgram(t)

	k := p.Kernel(func(b *ir.Builder) {
		x := b.ArgLoad(dtypes.Float64)
		y := b.ArgLoad(dtypes.Float64)
		b.StoreResult(b.Binary(ir.BinaryMul, x, y))
	}, "mul", AutodiffNone)
	require.NoError(t, k.Launch(
		ir.ScalarToBits(dtypes.Float64, 6),
		ir.ScalarToBits(dtypes.Float64, 7),
	))
	assert.Equal(t, 42.0, FetchResult[float64](p, 0))
}

func TestCompileMemoized(t *testing.T) {
	p := newTestProgram(t)
	builds := 0
	k := p.Kernel(func(b *ir.Builder) {
		builds++
		b.StoreResult(b.ConstInt(dtypes.Int32, 1))
	}, "", AutodiffNone)
	require.NoError(t, p.MaterializeRuntime())

	fn1, err := p.Compile(k)
	require.NoError(t, err)
	fn2, err := p.Compile(k)
	require.NoError(t, err)
	assert.Equal(t, 1, builds)
	// Memoized: the second call returns the cached entry point.
	require.NotNil(t, fn1)
	require.NotNil(t, fn2)
}

func TestKernelsStayDistinct(t *testing.T) {
	p := newTestProgram(t)
	body := func(b *ir.Builder) { b.StoreResult(b.ConstInt(dtypes.Int32, 1)) }
	k1 := p.Kernel(body, "dup", AutodiffNone)
	k2 := p.Kernel(body, "dup", AutodiffNone)
	assert.NotSame(t, k1, k2)
	assert.Len(t, p.kernels, 2)
}

func TestCompileForeignKernelPanics(t *testing.T) {
	p1 := newTestProgram(t)
	p2 := newTestProgram(t)
	k := p1.Kernel(func(b *ir.Builder) {
		b.StoreResult(b.ConstInt(dtypes.Int32, 1))
	}, "", AutodiffNone)
	require.Panics(t, func() { _, _ = p2.Compile(k) })
}

func TestFailedBuildAllowsRetry(t *testing.T) {
	p := newTestProgram(t)
	fail := true
	k := p.Kernel(func(b *ir.Builder) {
		if fail {
			b.Binary(ir.BinaryAdd, b.ArgLoad(dtypes.Int32), b.ArgLoad(dtypes.Float32))
			return
		}
		b.StoreResult(b.ConstInt(dtypes.Int32, 7))
	}, "flaky", AutodiffNone)

	require.Error(t, k.Launch())
	fail = false
	require.NoError(t, k.Launch())
	assert.Equal(t, int32(7), FetchResult[int32](p, 0))
}

func TestFinalizeIdempotentAndTerminal(t *testing.T) {
	before := NumInstances()
	p := must.M1(New())
	assert.Equal(t, before+1, NumInstances())

	p.Finalize()
	assert.Equal(t, before, NumInstances())
	p.Finalize()
	assert.Equal(t, before, NumInstances(), "repeated Finalize must not decrement again")

	require.Panics(t, func() {
		p.Kernel(func(b *ir.Builder) {}, "", AutodiffNone)
	})
	require.Panics(t, func() { p.Synchronize() })
}

func TestIdentifiers(t *testing.T) {
	p := newTestProgram(t)
	a := p.NextGlobalID("alpha")
	b := p.NextGlobalID("")
	c := p.NextGlobalID("")
	assert.Equal(t, "alpha", a.String())
	assert.NotEqual(t, b.ID, c.ID)
	assert.Equal(t, "tmp1", b.String())
}

func TestFunctionInterning(t *testing.T) {
	p := newTestProgram(t)
	key := FunctionKey{Name: "norm", FuncID: 3, InstanceID: 0}
	f1 := p.CreateFunction(key)
	f2 := p.CreateFunction(key)
	assert.Same(t, f1, f2)
	assert.Equal(t, "norm_3_0", f1.Key().String())

	f3 := p.CreateFunction(FunctionKey{Name: "norm", FuncID: 3, InstanceID: 1})
	assert.NotSame(t, f1, f3)
	assert.Len(t, p.functions, 2)
}

func TestStatsAndMemoryAccounting(t *testing.T) {
	p := newTestProgram(t)
	_ = p.Kernel(func(b *ir.Builder) {
		b.StoreResult(b.ConstInt(dtypes.Int32, 1))
	}, "", AutodiffNone)
	_, err := p.CreateNdarray(dtypes.Float32, []int{16}, LayoutAOS, true)
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Kernels)
	assert.Equal(t, 1, stats.Ndarrays)
	// The host backend exposes allocation accounting: result buffer memory is
	// not arena-backed, so only the ndarray shows up.
	assert.Equal(t, 1, stats.BackendAllocs)
	assert.Equal(t, uint64(64), stats.BackendBytes)

	p.PrintMemoryStats()
}

func TestSynchronizeAndCheckRuntimeError(t *testing.T) {
	p := newTestProgram(t)
	require.NoError(t, p.MaterializeRuntime())
	require.NoError(t, p.Synchronize())
	require.NoError(t, p.CheckRuntimeError())
	require.NoError(t, p.Flush().Wait())
}

func TestBackendSelectionByArch(t *testing.T) {
	cfg := DefaultCompileConfig()
	cfg.Arch = backends.ArchCPU
	p, err := NewWithConfig(cfg)
	require.NoError(t, err)
	defer p.Finalize()
	assert.Equal(t, backends.ArchCPU, p.Backend().Arch())
	assert.NotEqual(t, "", p.ID().String())
}
