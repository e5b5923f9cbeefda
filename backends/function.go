package backends

// CompileOptions is the slice of the compile configuration a backend needs to
// lower one kernel. The Program snapshots it from the calling goroutine's
// CompileConfig, so concurrent compilations never share mutable options.
type CompileOptions struct {
	Arch Arch

	// OptLevel selects the optimization effort, 0 (none) to 2.
	OptLevel int

	// DebugMode keeps bound checks and kernel names in generated code.
	DebugMode bool

	// FastMath allows value-changing floating point transformations.
	FastMath bool
}

// RuntimeContext carries the per-launch state of one kernel execution:
// scalar arguments, encoded as the IR's uint64 wire format, in declaration
// order. Results come back through the backend's flat result buffer, read
// with FetchResultUint64.
type RuntimeContext struct {
	Args []uint64
}

// FunctionType is the executable form of a compiled kernel, produced by
// Backend.CompileKernel. Calling it runs the kernel synchronously on the
// backend that compiled it.
type FunctionType func(ctx *RuntimeContext) error
