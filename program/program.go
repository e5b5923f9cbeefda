// Package program implements the FieldLang execution context.
//
// A Program owns everything a running FieldLang instance needs: the compiled
// and compilable kernels, the sparse SNode trees backing user fields, the
// device-resident ndarrays and textures, the per-goroutine compile
// configuration, and the backend that turns kernel IR into executable code.
// Callers receive non-owning references to all of these; destruction is
// routed exclusively through the Program.
//
// Concurrency contract: the config store and the JIT evaluator cache are safe
// for concurrent use; everything else is mutated from the goroutine that
// constructed the Program. See the package-level documentation of backends
// for the error discipline (returned errors for environmental failures,
// panics with stack for programmer errors).
package program

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/profiler"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// ResultBufferSlots is the number of uint64 slots of the flat result buffer
// allocated at runtime materialization.
const ResultBufferSlots = 64

// numInstances counts live Programs process-wide. Diagnostics only; multiple
// Programs are allowed.
var numInstances atomic.Int32

// Program is the execution context of one FieldLang instance.
type Program struct {
	id       uuid.UUID
	mainGoID int64

	backend backends.Backend

	configMu sync.RWMutex
	configs  map[int64]*CompileConfig

	kernels []*Kernel

	functions   []*Function
	functionMap map[FunctionKey]*Function

	jitMu             sync.Mutex
	jitEvaluators     map[JITEvaluatorID]*Kernel
	jitEvaluatorCount atomic.Uint32

	trees       []*SNodeTree
	freeTreeIDs []int

	ndarrays map[backends.DeviceAllocation]*Ndarray
	textures []*Texture

	snodeReaders map[*snode.SNode]*Kernel
	snodeWriters map[*snode.SNode]*Kernel
	dynLenProbes map[*snode.SNode]*Kernel

	profiler profiler.KernelProfiler

	globalIDCounter      atomic.Int64
	totalCompilationTime atomic.Int64 // nanoseconds

	runtimeMaterialized bool
	finalized           bool
}

// New creates a Program with the default compile configuration (overridable
// through FIELDLANG_CONFIG) and the backend matching its arch.
func New() (*Program, error) {
	return NewWithConfig(DefaultCompileConfig())
}

// NewWithConfig creates a Program from the given configuration, which becomes
// the authoritative config owned by the calling goroutine. The backend is
// selected by cfg.Arch among the registered ones.
func NewWithConfig(cfg *CompileConfig) (*Program, error) {
	backend, err := backends.NewWithConfig(strings.ToLower(cfg.Arch.String()))
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend for arch %s", cfg.Arch)
	}
	return NewWithBackend(cfg, backend), nil
}

// NewWithBackend creates a Program that takes ownership of an already
// constructed backend.
func NewWithBackend(cfg *CompileConfig, backend backends.Backend) *Program {
	p := &Program{
		id:            uuid.New(),
		mainGoID:      goid.Get(),
		backend:       backend,
		configs:       make(map[int64]*CompileConfig),
		functionMap:   make(map[FunctionKey]*Function),
		jitEvaluators: make(map[JITEvaluatorID]*Kernel),
		ndarrays:      make(map[backends.DeviceAllocation]*Ndarray),
		snodeReaders:  make(map[*snode.SNode]*Kernel),
		snodeWriters:  make(map[*snode.SNode]*Kernel),
		dynLenProbes:  make(map[*snode.SNode]*Kernel),
	}
	p.configs[p.mainGoID] = cfg.Clone()
	if cfg.KernelProfiler {
		p.profiler = profiler.NewTimed()
	}
	live := numInstances.Add(1)
	klog.V(1).Infof("program %s created (arch=%s, backend=%s, %d live instances)",
		p.id, cfg.Arch, backend.Name(), live)
	return p
}

// ID returns the Program's diagnostic identifier.
func (p *Program) ID() uuid.UUID { return p.id }

// Backend returns the backend the Program delegates to. The Program remains
// the owner.
func (p *Program) Backend() backends.Backend { return p.backend }

// checkAlive panics if the Program was finalized. Every compilation and
// allocation entry point goes through it.
func (p *Program) checkAlive(op string) {
	if p.finalized {
		exceptions.Panicf("program %s: %s called after Finalize", p.id, op)
	}
}

// NumInstances returns the process-wide count of live Programs.
func NumInstances() int {
	return int(numInstances.Load())
}

// Identifier is a symbolic name unique within one Program.
type Identifier struct {
	ID   int64
	Name string
}

// String returns the human-readable form, falling back to "tmp<id>" for
// anonymous identifiers.
func (id Identifier) String() string {
	if id.Name != "" {
		return id.Name
	}
	return fmt.Sprintf("tmp%d", id.ID)
}

// NextGlobalID mints a fresh Identifier. IDs are monotonically increasing and
// never reused within the Program's lifetime.
func (p *Program) NextGlobalID(name string) Identifier {
	return Identifier{ID: p.globalIDCounter.Add(1) - 1, Name: name}
}

// TotalCompilationTime returns the accumulated wall time spent in backend
// kernel lowering.
func (p *Program) TotalCompilationTime() time.Duration {
	return time.Duration(p.totalCompilationTime.Load())
}

// Synchronize flushes outstanding device work and blocks until the device is
// idle.
func (p *Program) Synchronize() error {
	p.checkAlive("Synchronize")
	return p.backend.Synchronize()
}

// Flush submits outstanding device work without waiting; the returned
// semaphore completes when the work does.
func (p *Program) Flush() backends.StreamSemaphore {
	p.checkAlive("Flush")
	return p.backend.Flush()
}

// CheckRuntimeError surfaces device-reported execution errors recorded since
// the last check. The Program never retries on behalf of the caller.
func (p *Program) CheckRuntimeError() error {
	p.checkAlive("CheckRuntimeError")
	return p.backend.CheckRuntimeError()
}

// FetchResultUint64 reads slot i of the flat result buffer the last executed
// kernel wrote. The index must match the kernel's declared result layout.
func (p *Program) FetchResultUint64(i int) uint64 {
	p.checkAlive("FetchResultUint64")
	return p.backend.FetchResultUint64(i)
}

// FetchResult reads slot i of the result buffer as type T, reinterpreting the
// low bits of the slot. T must match the dtype the kernel declared for the
// slot; a mismatched read is undefined.
func FetchResult[T constraints.Integer | constraints.Float](p *Program, i int) T {
	bits := p.FetchResultUint64(i)
	return *(*T)(unsafe.Pointer(&bits))
}

// PrepareRuntimeContext fills the launch context defaults for a kernel
// execution.
func (p *Program) PrepareRuntimeContext(ctx *backends.RuntimeContext) *backends.RuntimeContext {
	p.checkAlive("PrepareRuntimeContext")
	if ctx == nil {
		ctx = &backends.RuntimeContext{}
	}
	return ctx
}

// Profiler returns the installed kernel profiler, or nil.
func (p *Program) Profiler() profiler.KernelProfiler { return p.profiler }

// ProfilerStart opens a timing record, if a profiler is installed.
func (p *Program) ProfilerStart(name string) {
	if p.profiler != nil {
		p.profiler.Start(name)
	}
}

// ProfilerStop closes the record opened by the last ProfilerStart.
func (p *Program) ProfilerStop() {
	if p.profiler != nil {
		p.profiler.Stop()
	}
}

// QueryKernelProfile returns the aggregate timings recorded for a kernel name.
func (p *Program) QueryKernelProfile(name string) profiler.QueryResult {
	if p.profiler == nil {
		return profiler.QueryResult{}
	}
	return p.profiler.Query(name)
}

// ClearKernelProfile drops all profiling records.
func (p *Program) ClearKernelProfile() {
	if p.profiler != nil {
		p.profiler.Clear()
	}
}

// memoryStatsProvider is the narrow backend escape for allocation accounting.
// Only host-resident backends implement it.
type memoryStatsProvider interface {
	MemoryStats() (liveAllocs int, liveBytes uint64)
}

// MemoryStats describes the Program's resource accounting for diagnostics.
type MemoryStats struct {
	Kernels   int
	Functions int
	Trees     int
	Ndarrays  int
	Textures  int

	// BackendAllocs/BackendBytes are only filled for backends that expose
	// allocation accounting.
	BackendAllocs int
	BackendBytes  uint64
}

// Stats collects the current resource accounting.
func (p *Program) Stats() MemoryStats {
	stats := MemoryStats{
		Kernels:   len(p.kernels),
		Functions: len(p.functions),
		Ndarrays:  len(p.ndarrays),
		Textures:  len(p.textures),
	}
	for _, tree := range p.trees {
		if tree != nil {
			stats.Trees++
		}
	}
	if provider, ok := p.backend.(memoryStatsProvider); ok {
		stats.BackendAllocs, stats.BackendBytes = provider.MemoryStats()
	}
	return stats
}

// PrintMemoryStats logs the current resource accounting. Side effects on the
// log output only, never on program state.
func (p *Program) PrintMemoryStats() {
	stats := p.Stats()
	klog.Infof("program %s: %d kernels, %d functions, %d trees, %d ndarrays, %d textures, backend holds %d allocations (%s)",
		p.id, stats.Kernels, stats.Functions, stats.Trees, stats.Ndarrays, stats.Textures,
		stats.BackendAllocs, humanize.IBytes(stats.BackendBytes))
}

// Finalize transitions the Program to its terminal state: device resources,
// trees and the backend are released in dependency order. Finalize is
// idempotent; every other entry point panics after it.
func (p *Program) Finalize() {
	if p.finalized {
		return
	}
	start := time.Now()

	for _, texture := range p.textures {
		if err := p.backend.FreeAllocation(texture.alloc); err != nil {
			klog.Errorf("program %s: releasing texture at teardown: %+v", p.id, err)
		}
	}
	p.textures = nil

	for alloc := range p.ndarrays {
		if err := p.backend.FreeAllocation(alloc); err != nil {
			klog.Errorf("program %s: releasing ndarray at teardown: %+v", p.id, err)
		}
	}
	p.ndarrays = nil

	for _, tree := range p.trees {
		if tree == nil || !tree.materialized {
			continue
		}
		if err := p.backend.DestroyTree(tree.id, tree.alloc); err != nil {
			klog.Errorf("program %s: releasing tree %d at teardown: %+v", p.id, tree.id, err)
		}
	}
	p.trees = nil
	p.freeTreeIDs = nil

	p.kernels = nil
	p.functions = nil
	p.functionMap = nil
	p.jitEvaluators = nil
	p.snodeReaders = nil
	p.snodeWriters = nil
	p.dynLenProbes = nil

	p.backend.Finalize()
	p.finalized = true
	live := numInstances.Add(-1)
	klog.V(1).Infof("program %s finalized in %s (%d live instances)", p.id, time.Since(start), live)
}
