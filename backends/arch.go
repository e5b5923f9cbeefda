package backends

// Arch identifies a target architecture a backend generates code for.
type Arch int

const (
	// ArchCPU targets the host's cores through the portable Go backend.
	ArchCPU Arch = iota

	// ArchCUDA targets NVIDIA GPUs through the CUDA driver.
	ArchCUDA

	// ArchVulkan targets GPU compute through Vulkan.
	ArchVulkan

	// ArchMetal targets Apple GPUs through Metal.
	ArchMetal
)

//go:generate go tool enumer -type=Arch -trimprefix=Arch -text -output=gen_arch_enumer.go arch.go

// IsHost reports whether the architecture executes in host memory, so that
// device allocations are directly addressable by the host.
func (a Arch) IsHost() bool { return a == ArchCPU }
