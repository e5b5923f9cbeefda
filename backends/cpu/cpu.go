// Package cpu implements the portable host backend for FieldLang.
//
// It keeps "device" memory in ordinary host allocations, lowers kernel IR
// into Go closures, and runs enqueued compute ops on an ordered in-process
// command stream. It is not fast, but it runs everywhere and is the reference
// for backend semantics.
package cpu

import (
	"encoding/binary"
	"sync"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in FIELDLANG_BACKEND to select this backend.
const BackendName = "cpu"

func init() {
	backends.Register(BackendName, New)
}

// New constructs the host backend. There are no configuration options, the
// string is ignored.
func New(_ string) (backends.Backend, error) {
	return &Backend{trees: make(map[int]backends.DeviceAllocation)}, nil
}

// Backend implements backends.Backend on host memory.
type Backend struct {
	arena arena

	// mu guards the fields below: the tree table is read during compilation
	// (any goroutine), everything else is mutated from the owning Program.
	mu           sync.Mutex
	trees        map[int]backends.DeviceAllocation
	resultBuf    []uint64
	pending      []func() error
	runtimeErr   error
	materialized bool
	finalized    bool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "Portable host backend (pure Go)"
}

// Arch implements backends.Backend.
func (b *Backend) Arch() backends.Arch { return backends.ArchCPU }

func (b *Backend) checkAlive(op string) {
	if b.finalized {
		exceptions.Panicf("cpu backend: %s called after Finalize", op)
	}
}

// MaterializeRuntime allocates the flat result buffer. Calling it twice is a
// programmer error; the Program guarantees at-most-once.
func (b *Backend) MaterializeRuntime(resultSlots int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAlive("MaterializeRuntime")
	if b.materialized {
		return errors.Errorf("cpu backend runtime materialized twice")
	}
	b.resultBuf = make([]uint64, resultSlots)
	b.materialized = true
	klog.V(1).Infof("cpu backend: runtime materialized, %d result slots", resultSlots)
	return nil
}

// MaterializeTree allocates zeroed host memory for the compiled layout and
// registers the tree for kernel addressing.
func (b *Backend) MaterializeTree(layout *snode.TreeLayout) (backends.DeviceAllocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAlive("MaterializeTree")
	if _, found := b.trees[layout.TreeID]; found {
		return backends.NullDeviceAllocation, errors.Errorf("tree %d is already materialized", layout.TreeID)
	}
	alloc := b.arena.alloc(layout.TotalSize)
	b.trees[layout.TreeID] = alloc
	klog.V(1).Infof("cpu backend: materialized tree %d (%d bytes)", layout.TreeID, layout.TotalSize)
	return alloc, nil
}

// DestroyTree implements backends.Backend.
func (b *Backend) DestroyTree(treeID int, alloc backends.DeviceAllocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAlive("DestroyTree")
	registered, found := b.trees[treeID]
	if !found || registered != alloc {
		return errors.Errorf("tree %d is not materialized on this backend", treeID)
	}
	delete(b.trees, treeID)
	return b.arena.free(alloc)
}

// treeBytes resolves the backing storage of a materialized tree.
func (b *Backend) treeBytes(treeID int) ([]byte, error) {
	b.mu.Lock()
	alloc, found := b.trees[treeID]
	b.mu.Unlock()
	if !found {
		return nil, errors.Errorf("kernel addresses tree %d, which is not materialized", treeID)
	}
	return b.arena.bytes(alloc)
}

// AllocateMemory implements backends.Backend.
func (b *Backend) AllocateMemory(size uint64) (backends.DeviceAllocation, error) {
	b.checkAlive("AllocateMemory")
	return b.arena.alloc(size), nil
}

// AllocateTexture implements backends.Backend. On the host backend a texture
// is a plain linear allocation.
func (b *Backend) AllocateTexture(params backends.TextureParams) (backends.DeviceAllocation, error) {
	b.checkAlive("AllocateTexture")
	if params.NumChannels <= 0 || len(params.Dims) == 0 || len(params.Dims) > 3 {
		return backends.NullDeviceAllocation, errors.Errorf("invalid texture parameters %+v", params)
	}
	size := params.DType.Memory() * uintptr(params.NumChannels)
	for _, dim := range params.Dims {
		if dim <= 0 {
			return backends.NullDeviceAllocation, errors.Errorf("invalid texture dimension in %v", params.Dims)
		}
		size *= uintptr(dim)
	}
	return b.arena.alloc(uint64(size)), nil
}

// FreeAllocation implements backends.Backend.
func (b *Backend) FreeAllocation(alloc backends.DeviceAllocation) error {
	b.checkAlive("FreeAllocation")
	return b.arena.free(alloc)
}

// FillU32 implements backends.Backend.
func (b *Backend) FillU32(alloc backends.DeviceAllocation, val uint32, words int) error {
	b.checkAlive("FillU32")
	data, err := b.arena.bytes(alloc)
	if err != nil {
		return err
	}
	if words*4 > len(data) {
		return errors.Errorf("FillU32 of %d words overflows allocation of %d bytes", words, len(data))
	}
	for i := 0; i < words; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], val)
	}
	return nil
}

// AllocationData returns the backing storage of an allocation. This is a
// host-backend-specific escape used for zero-copy host access; callers must
// type-assert the backend to reach it.
func (b *Backend) AllocationData(alloc backends.DeviceAllocation) ([]byte, error) {
	return b.arena.bytes(alloc)
}

// MemoryStats returns the number of live allocations and their total byte
// size, for the Program's resource accounting.
func (b *Backend) MemoryStats() (liveAllocs int, liveBytes uint64) {
	return b.arena.stats()
}

// FetchResultUint64 implements backends.Backend.
func (b *Backend) FetchResultUint64(i int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.materialized || i < 0 || i >= len(b.resultBuf) {
		exceptions.Panicf("FetchResultUint64(%d): result buffer has %d slots (runtime materialized: %v)",
			i, len(b.resultBuf), b.materialized)
	}
	return b.resultBuf[i]
}

// CheckRuntimeError implements backends.Backend: it returns the first
// deferred execution error recorded since the last check, and clears it.
func (b *Backend) CheckRuntimeError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.runtimeErr
	b.runtimeErr = nil
	return err
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.finalized = true
	b.pending = nil
	b.trees = nil
	b.resultBuf = nil
	b.arena.reset()
	klog.V(1).Info("cpu backend finalized")
}
