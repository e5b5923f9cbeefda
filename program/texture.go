package program

import (
	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Texture is a device image owned by the Program. Textures are tracked in
// creation order; they have no deduplication and no user-facing destroy,
// their lifetime is the Program's.
type Texture struct {
	program *Program
	alloc   backends.DeviceAllocation
	params  backends.TextureParams
}

// Allocation returns the device image handle. The Program stays the owner.
func (t *Texture) Allocation() backends.DeviceAllocation { return t.alloc }

// Params returns the creation parameters.
func (t *Texture) Params() backends.TextureParams { return t.params }

// CreateTexture allocates a device image and registers it with the Program.
func (p *Program) CreateTexture(params backends.TextureParams) (*Texture, error) {
	p.checkAlive("CreateTexture")
	if !ir.SupportedDType(params.DType) {
		return nil, errors.Errorf("CreateTexture: dtype %s is not supported", params.DType)
	}
	if params.NumChannels < 1 || params.NumChannels > 4 {
		return nil, errors.Errorf("CreateTexture: %d channels, want 1..4", params.NumChannels)
	}
	if len(params.Dims) < 1 || len(params.Dims) > 3 {
		return nil, errors.Errorf("CreateTexture: %d dimensions, want 1..3", len(params.Dims))
	}
	for _, dim := range params.Dims {
		if dim <= 0 {
			return nil, errors.Errorf("CreateTexture: non-positive extent %d in %v", dim, params.Dims)
		}
	}
	if err := p.MaterializeRuntime(); err != nil {
		return nil, err
	}
	alloc, err := p.backend.AllocateTexture(params)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating texture %v", params.Dims)
	}
	t := &Texture{program: p, alloc: alloc, params: params}
	p.textures = append(p.textures, t)
	klog.V(2).Infof("created texture %s x%d %v", params.DType, params.NumChannels, params.Dims)
	return t, nil
}

// NumTextures returns the number of textures created so far.
func (p *Program) NumTextures() int { return len(p.textures) }

// EnqueueComputeOp records an opaque compute operation on the device stream,
// declaring the textures it reads or writes so layout transitions can be
// inserted. The op runs when the stream is flushed or synchronized.
func (p *Program) EnqueueComputeOp(op backends.ComputeOp, imageRefs []backends.ComputeOpImageRef) error {
	p.checkAlive("EnqueueComputeOp")
	if err := p.MaterializeRuntime(); err != nil {
		return err
	}
	return p.backend.EnqueueOp(op, imageRefs)
}
