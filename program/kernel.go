package program

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/ir"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AutodiffMode selects the differentiation variant a kernel is registered
// for. The Program carries it as metadata for the frontend; the execution
// core itself does not differentiate.
type AutodiffMode int

const (
	AutodiffNone AutodiffMode = iota
	AutodiffForward
	AutodiffReverse
)

// nextKernelID mints process-wide kernel sequence numbers, used for default
// kernel names.
var nextKernelID atomic.Int64

func kernelID() int64 {
	id := nextKernelID.Add(1) - 1
	if id >= 100000 {
		exceptions.Panicf("kernel id overflow: %d kernels registered in this process", id)
	}
	return id
}

// KernelBody is the IR-producing closure of a kernel: it describes the kernel
// body through the builder. It runs at compile time, not at launch time.
type KernelBody func(b *ir.Builder)

// Kernel is a user-defined compute entry point. Kernels are created through
// Program.Kernel, owned by the Program, and compiled on demand.
type Kernel struct {
	program  *Program
	name     string
	autodiff AutodiffMode
	body     KernelBody

	kernelIR *ir.KernelIR
	compiled backends.FunctionType
}

// Kernel registers a new kernel with the Program and returns it. Kernels are
// sequential entities: two registrations under the same name stay distinct.
// An empty name gets a process-unique default.
func (p *Program) Kernel(body KernelBody, name string, autodiff AutodiffMode) *Kernel {
	p.checkAlive("Kernel")
	id := kernelID()
	if name == "" {
		name = fmt.Sprintf("kernel_%d", id)
	}
	k := &Kernel{program: p, name: name, autodiff: autodiff, body: body}
	p.kernels = append(p.kernels, k)
	return k
}

// Name returns the kernel's name.
func (k *Kernel) Name() string { return k.name }

// AutodiffMode returns the differentiation variant the kernel was registered for.
func (k *Kernel) AutodiffMode() AutodiffMode { return k.autodiff }

// IsCompiled reports whether the kernel has been lowered to executable form.
func (k *Kernel) IsCompiled() bool { return k.compiled != nil }

// buildIR runs the kernel body once and caches the produced IR. A failed
// build leaves the kernel unbuilt, so a retry is structurally identical to
// the first attempt.
func (k *Kernel) buildIR() (*ir.KernelIR, error) {
	if k.kernelIR != nil {
		return k.kernelIR, nil
	}
	builder := ir.NewBuilder(k.name)
	k.body(builder)
	kernelIR, err := builder.Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "building IR for kernel %q", k.name)
	}
	k.kernelIR = kernelIR
	return kernelIR, nil
}

// Compile lowers the kernel to an executable entry point through the
// Program's backend, using the calling goroutine's compile configuration.
//
// Compilation is memoized per kernel: a second call returns the cached entry
// point without re-lowering. On failure the kernel stays registered and
// uncompiled; retrying is safe.
//
// Every SNode tree the kernel addresses must already be materialized;
// referencing an unmaterialized or destroyed tree is a programmer error and
// panics.
func (p *Program) Compile(k *Kernel) (backends.FunctionType, error) {
	p.checkAlive("Compile")
	if k.program != p {
		exceptions.Panicf("kernel %q belongs to a different Program", k.name)
	}
	if k.compiled != nil {
		return k.compiled, nil
	}

	cfg := p.ThisThreadConfig()
	kernelIR, err := k.buildIR()
	if err != nil {
		return nil, err
	}
	for _, treeID := range kernelIR.TreeIDs {
		tree := p.snodeTree(treeID)
		if tree == nil {
			exceptions.Panicf("kernel %q addresses SNode tree %d, which does not exist (destroyed or never added)",
				k.name, treeID)
		}
		if !tree.materialized {
			exceptions.Panicf("kernel %q addresses SNode tree %d, which was added compile-only and has no device memory",
				k.name, treeID)
		}
	}

	start := time.Now()
	fn, err := p.backend.CompileKernel(cfg.CompileOptions(), kernelIR)
	elapsed := time.Since(start)
	p.totalCompilationTime.Add(int64(elapsed))
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling kernel %q", k.name)
	}
	klog.V(1).Infof("compiled kernel %q in %s", k.name, elapsed)
	k.compiled = fn
	return fn, nil
}

// Launch compiles the kernel if needed and runs it synchronously with the
// given wire-encoded scalar arguments. Results land in the Program's flat
// result buffer, see Program.FetchResultUint64.
func (k *Kernel) Launch(args ...uint64) error {
	p := k.program
	p.checkAlive("Launch")
	if err := p.MaterializeRuntime(); err != nil {
		return err
	}
	fn, err := p.Compile(k)
	if err != nil {
		return err
	}
	ctx := p.PrepareRuntimeContext(&backends.RuntimeContext{Args: args})
	p.ProfilerStart(k.name)
	defer p.ProfilerStop()
	return fn(ctx)
}
