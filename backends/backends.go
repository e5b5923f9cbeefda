// Package backends defines the interface a FieldLang backend needs to
// implement to compile and execute kernels for a target architecture.
//
// The orchestration core (package program) depends only on this interface:
// code generation, device allocation and runtime materialization for a
// concrete target (multi-core CPU, GPU compute, graphics devices) live
// entirely inside the backend implementation.
//
// Programmer errors (misuse of handles, operating on finalized state) panic
// with a stack trace, see package github.com/gomlx/exceptions. Environmental
// failures (compilation, allocation, device errors) are returned as errors.
package backends

import (
	"os"
	"strings"

	"github.com/fieldlang/fieldlang/ir"
	"github.com/fieldlang/fieldlang/snode"
	"github.com/gomlx/exceptions"
)

// Backend is the API a FieldLang backend implements.
//
// One Backend instance is owned by one Program; the Program releases it with
// Finalize at teardown. Unless noted otherwise, methods are called from the
// Program's primary goroutine -- except CompileKernel, which may be called
// from any goroutine holding its own compile options.
type Backend interface {
	// Name returns the short name of the backend, e.g. "cpu".
	Name() string

	// Description is a longer description of the backend for pretty-printing.
	Description() string

	// Arch returns the architecture this backend generates code for.
	Arch() Arch

	// CompileKernel lowers a kernel IR into an executable entry point.
	// All trees listed in kernelIR.TreeIDs must have been materialized.
	CompileKernel(opts CompileOptions, kernelIR *ir.KernelIR) (FunctionType, error)

	// MaterializeRuntime brings up the device runtime: device context and the
	// flat result buffer with the given number of uint64 slots. It is called
	// exactly once per Program, before any kernel executes.
	MaterializeRuntime(resultSlots int) error

	// MaterializeTree allocates and initializes device memory for a compiled
	// tree layout, and registers the tree for kernel addressing.
	MaterializeTree(layout *snode.TreeLayout) (DeviceAllocation, error)

	// DestroyTree releases the device memory of a materialized tree.
	DestroyTree(treeID int, alloc DeviceAllocation) error

	// AllocateMemory allocates size bytes of device memory.
	AllocateMemory(size uint64) (DeviceAllocation, error)

	// AllocateTexture allocates an image-shaped device resource.
	AllocateTexture(params TextureParams) (DeviceAllocation, error)

	// FreeAllocation releases memory returned by AllocateMemory or AllocateTexture.
	FreeAllocation(alloc DeviceAllocation) error

	// FillU32 fills the first words 32-bit words of the allocation with val.
	FillU32(alloc DeviceAllocation, val uint32, words int) error

	// EnqueueOp appends a caller-supplied device operation to the backend's
	// ordered command stream. imageRefs declares the image resources the op
	// touches, so the backend can insert the required layout transitions.
	EnqueueOp(op ComputeOp, imageRefs []ComputeOpImageRef) error

	// Synchronize flushes the command stream and blocks until the device is idle.
	Synchronize() error

	// Flush submits the pending command stream without waiting and returns a
	// semaphore for the outstanding work.
	Flush() StreamSemaphore

	// FetchResultUint64 reads slot i of the result buffer populated by the
	// last executed kernel. Only valid after MaterializeRuntime.
	FetchResultUint64(i int) uint64

	// CheckRuntimeError surfaces device-reported execution errors that were
	// detected asynchronously, since the last check.
	CheckRuntimeError() error

	// Finalize releases all associated resources immediately and makes the
	// backend invalid.
	Finalize()
}

// Constructor takes a backend-specific config string (possibly empty) and
// returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package, typically
// from the backend package's init().
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered backends.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is the backend configuration to use if neither the caller nor
// the environment picked one. See NewWithConfig for the format.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend
// configuration, in the NewWithConfig format "<backend_name>:<backend_config>".
const ConfigEnvVar = "FIELDLANG_BACKEND"

// New returns a new Backend with the default configuration:
//
//  1. The environment variable FIELDLANG_BACKEND, if set.
//  2. The DefaultConfig variable, if set.
//  3. The first registered backend, with an empty configuration.
//
// It panics if no backend was registered.
func New() (Backend, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>". The name must match a registered
// backend; the configuration part is passed verbatim to its constructor.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered FieldLang backends -- import the portable one with import _ "github.com/fieldlang/fieldlang/backends/cpu"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		// A bare backend name, no configuration part.
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q", backendName, config)
	}
	return constructor(backendConfig)
}
