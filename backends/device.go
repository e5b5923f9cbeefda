package backends

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// DeviceAllocation is an opaque, stable handle to device memory owned by a
// backend. Handles carry an index and a generation: a freed slot reused for a
// new allocation bumps the generation, so a stale handle can never silently
// alias the new resident of its slot.
type DeviceAllocation struct {
	Index      int32
	Generation uint32
}

// NullDeviceAllocation is the zero handle, referring to no memory.
var NullDeviceAllocation = DeviceAllocation{Index: -1}

// IsNull reports whether the handle refers to no allocation.
func (a DeviceAllocation) IsNull() bool { return a.Index < 0 }

// TextureParams describes an image-shaped device resource to allocate.
type TextureParams struct {
	DType       dtypes.DType
	NumChannels int

	// Dims are the image extents: 1 to 3 axes.
	Dims []int
}

// ImageLayout is the device-side layout/usage state of an image resource.
// Backends with explicit image layouts (Vulkan) insert transitions between
// enqueued ops based on the declared refs; host backends ignore it.
type ImageLayout int

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutTransferDst
	ImageLayoutTransferSrc
	ImageLayoutShaderRead
	ImageLayoutShaderReadWrite
)

// ComputeOpImageRef declares one image resource used by an enqueued compute
// op, and the layout the op expects it in.
type ComputeOpImageRef struct {
	Texture        DeviceAllocation
	InitialLayout  ImageLayout
	RequiredLayout ImageLayout
}

// Device is the narrow view of the executing device handed to enqueued
// compute ops.
type Device interface {
	Arch() Arch
}

// CommandList records device work inside an enqueued compute op. Work is
// executed in recording order when the stream is flushed or synchronized.
type CommandList interface {
	// Dispatch records one unit of device work.
	Dispatch(fn func() error)
}

// ComputeOp is a caller-supplied device operation, invoked by the backend
// when its turn in the command stream comes. It records its work into the
// given CommandList.
type ComputeOp func(dev Device, cmdlist CommandList) error

// StreamSemaphore represents outstanding device work submitted by Flush.
type StreamSemaphore interface {
	// Wait blocks until the associated work completed, and reports its error.
	Wait() error
}
