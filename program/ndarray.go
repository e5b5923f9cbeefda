package program

import (
	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/ir"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExternalArrayLayout describes how an ndarray's element axes are ordered in
// memory relative to its shape axes.
type ExternalArrayLayout int

const (
	// LayoutAOS stores the element axes innermost (array of structures).
	LayoutAOS ExternalArrayLayout = iota
	// LayoutSOA stores the element axes outermost (structure of arrays).
	LayoutSOA
)

// Ndarray is a dense device-resident array owned by the Program. Unlike
// SNode fields it has no sparse structure; it is addressed directly by its
// allocation.
type Ndarray struct {
	program *Program
	alloc   backends.DeviceAllocation

	dtype  dtypes.DType
	shape  []int
	layout ExternalArrayLayout
}

// Allocation returns the device memory backing the array. The Program stays
// the owner.
func (a *Ndarray) Allocation() backends.DeviceAllocation { return a.alloc }

// DType returns the element type.
func (a *Ndarray) DType() dtypes.DType { return a.dtype }

// Shape returns the array's axes. The returned slice must not be mutated.
func (a *Ndarray) Shape() []int { return a.shape }

// Layout returns the memory ordering of the element axes.
func (a *Ndarray) Layout() ExternalArrayLayout { return a.layout }

// NumElements returns the total element count.
func (a *Ndarray) NumElements() int {
	n := 1
	for _, dim := range a.shape {
		n *= dim
	}
	return n
}

// SizeBytes returns the array's device footprint.
func (a *Ndarray) SizeBytes() int {
	return a.NumElements() * int(a.dtype.Memory())
}

// CreateNdarray allocates a dense device array and registers it with the
// Program, keyed by its allocation. With zeroFill the memory is cleared
// before the array becomes visible; otherwise its contents are undefined.
func (p *Program) CreateNdarray(dtype dtypes.DType, shape []int, layout ExternalArrayLayout, zeroFill bool) (*Ndarray, error) {
	p.checkAlive("CreateNdarray")
	if !ir.SupportedDType(dtype) {
		return nil, errors.Errorf("CreateNdarray: dtype %s is not supported", dtype)
	}
	for _, dim := range shape {
		if dim <= 0 {
			return nil, errors.Errorf("CreateNdarray: non-positive axis %d in shape %v", dim, shape)
		}
	}
	if err := p.MaterializeRuntime(); err != nil {
		return nil, err
	}

	a := &Ndarray{program: p, dtype: dtype, shape: append([]int(nil), shape...), layout: layout}
	alloc, err := p.backend.AllocateMemory(uint64(a.SizeBytes()))
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %s ndarray %v", dtype, shape)
	}
	a.alloc = alloc
	if zeroFill {
		if err := p.backend.FillU32(alloc, 0, a.SizeBytes()/4); err != nil {
			_ = p.backend.FreeAllocation(alloc)
			return nil, errors.WithMessagef(err, "zero-filling %s ndarray %v", dtype, shape)
		}
	}
	p.ndarrays[alloc] = a
	klog.V(2).Infof("created ndarray %s%v (%d bytes)", dtype, shape, a.SizeBytes())
	return a, nil
}

// DeleteNdarray releases the array's device memory and drops it from the
// Program's tracking. Deleting an array the Program does not track, including
// one already deleted, is a programmer error and panics: silently freeing an
// unknown allocation would corrupt ownership accounting.
func (p *Program) DeleteNdarray(a *Ndarray) {
	p.checkAlive("DeleteNdarray")
	if a == nil || p.ndarrays[a.alloc] != a {
		exceptions.Panicf("DeleteNdarray on an ndarray this Program does not own")
	}
	delete(p.ndarrays, a.alloc)
	if err := p.backend.FreeAllocation(a.alloc); err != nil {
		exceptions.Panicf("releasing ndarray memory: %+v", err)
	}
	a.alloc = backends.NullDeviceAllocation
}

// hostDataAccessor is the narrow backend escape for zero-copy access to
// host-resident memory. Only host backends implement it.
type hostDataAccessor interface {
	AllocationData(alloc backends.DeviceAllocation) ([]byte, error)
}

// NdarrayData returns the host-visible backing bytes of the array, for
// zero-copy frontend access. Device backends whose memory the host cannot
// address return an error; use kernels or explicit transfers there.
func (p *Program) NdarrayData(a *Ndarray) ([]byte, error) {
	p.checkAlive("NdarrayData")
	if a == nil || p.ndarrays[a.alloc] != a {
		exceptions.Panicf("NdarrayData on an ndarray this Program does not own")
	}
	accessor, ok := p.backend.(hostDataAccessor)
	if !ok {
		return nil, errors.Errorf("backend %q does not expose host-addressable ndarray memory", p.backend.Name())
	}
	return accessor.AllocationData(a.alloc)
}

// FillNdarrayU32 sets every full 32-bit word of the array to the given
// pattern. When narrow element types leave a partial tail word, the tail
// bytes are left untouched.
func (p *Program) FillNdarrayU32(a *Ndarray, pattern uint32) error {
	p.checkAlive("FillNdarrayU32")
	if a == nil || p.ndarrays[a.alloc] != a {
		exceptions.Panicf("FillNdarrayU32 on an ndarray this Program does not own")
	}
	return p.backend.FillU32(a.alloc, pattern, a.SizeBytes()/4)
}
