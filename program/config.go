package program

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fieldlang/fieldlang/backends"
	"github.com/petermattis/goid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompileConfig is a compilation target/options snapshot.
//
// Every goroutine touching the Program gets its own copy (see
// Program.ThisThreadConfig): internal passes -- notably constant folding --
// temporarily mutate compiler flags to compile a tiny evaluator kernel, and
// those mutations must not be visible to other goroutines.
type CompileConfig struct {
	Arch backends.Arch `toml:"arch"`

	// OptLevel selects the optimization effort, 0 (none) to 2.
	OptLevel int `toml:"opt_level"`

	// DebugMode keeps bound checks and kernel names in generated code.
	DebugMode bool `toml:"debug"`

	// AdvancedOptimization enables the slower IR optimization passes,
	// including constant folding through JIT evaluators.
	AdvancedOptimization bool `toml:"advanced_optimization"`

	// FastMath allows value-changing floating point transformations.
	FastMath bool `toml:"fast_math"`

	// KernelProfiler enables per-kernel timing collection.
	KernelProfiler bool `toml:"kernel_profiler"`

	// DefaultParallelism is the worker count hint for parallel ranges;
	// 0 lets the backend decide.
	DefaultParallelism int `toml:"default_parallelism"`
}

// ConfigEnvVar optionally points at a TOML file overriding the defaults used
// by NewProgram.
const ConfigEnvVar = "FIELDLANG_CONFIG"

// DefaultCompileConfig returns the built-in defaults, overlaid with the TOML
// file named by FIELDLANG_CONFIG when set.
func DefaultCompileConfig() *CompileConfig {
	cfg := &CompileConfig{
		Arch:                 backends.ArchCPU,
		OptLevel:             2,
		AdvancedOptimization: true,
	}
	if path, found := os.LookupEnv(ConfigEnvVar); found {
		if err := cfg.loadTOML(path); err != nil {
			klog.Warningf("ignoring %s=%q: %+v", ConfigEnvVar, path, err)
		}
	}
	return cfg
}

// LoadCompileConfig reads a CompileConfig from a TOML file, starting from the
// built-in defaults.
func LoadCompileConfig(path string) (*CompileConfig, error) {
	cfg := &CompileConfig{
		Arch:                 backends.ArchCPU,
		OptLevel:             2,
		AdvancedOptimization: true,
	}
	if err := cfg.loadTOML(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CompileConfig) loadTOML(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "loading compile config from %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("unknown keys in compile config %q: %v", path, undecoded)
	}
	return nil
}

// Clone returns a deep copy.
func (c *CompileConfig) Clone() *CompileConfig {
	clone := *c
	return &clone
}

// CompileOptions snapshots the fields a backend needs to lower one kernel.
func (c *CompileConfig) CompileOptions() backends.CompileOptions {
	return backends.CompileOptions{
		Arch:      c.Arch,
		OptLevel:  c.OptLevel,
		DebugMode: c.DebugMode,
		FastMath:  c.FastMath,
	}
}

// ThisThreadConfig returns the mutable configuration scoped to the calling
// goroutine. The first access from a new goroutine clones the authoritative
// (constructing goroutine's) configuration; later accesses return the same
// instance, so in-flight mutations stay invisible to everyone else.
//
// Steady-state reads only take the read lock; the write lock is taken once
// per goroutine, to insert the clone. The re-check under the write lock keeps
// the insert idempotent if two lookups race for the same goroutine's first
// access (which can only happen through handle sharing).
func (p *Program) ThisThreadConfig() *CompileConfig {
	p.checkAlive("ThisThreadConfig")
	gid := goid.Get()
	p.configMu.RLock()
	cfg, found := p.configs[gid]
	p.configMu.RUnlock()
	if found {
		return cfg
	}

	p.configMu.Lock()
	defer p.configMu.Unlock()
	if cfg, found = p.configs[gid]; found {
		return cfg
	}
	cfg = p.configs[p.mainGoID].Clone()
	p.configs[gid] = cfg
	return cfg
}

// Config returns the authoritative configuration: the one the Program was
// constructed with, owned by the constructing goroutine.
func (p *Program) Config() *CompileConfig {
	p.checkAlive("Config")
	p.configMu.RLock()
	defer p.configMu.RUnlock()
	return p.configs[p.mainGoID]
}
