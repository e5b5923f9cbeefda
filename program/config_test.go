package program

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldlang.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadCompileConfig(t *testing.T) {
	path := writeConfigFile(t, `
arch = "cuda"
opt_level = 1
debug = true
kernel_profiler = true
`)
	cfg, err := LoadCompileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, backends.ArchCUDA, cfg.Arch)
	assert.Equal(t, 1, cfg.OptLevel)
	assert.True(t, cfg.DebugMode)
	assert.True(t, cfg.KernelProfiler)
	// Untouched keys keep the built-in defaults.
	assert.True(t, cfg.AdvancedOptimization)
}

func TestLoadCompileConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `optimisation = 1`)
	_, err := LoadCompileConfig(path)
	require.ErrorContains(t, err, "unknown keys")
}

func TestDefaultCompileConfigEnvOverlay(t *testing.T) {
	path := writeConfigFile(t, `fast_math = true`)
	t.Setenv(ConfigEnvVar, path)
	cfg := DefaultCompileConfig()
	assert.True(t, cfg.FastMath)
	assert.Equal(t, backends.ArchCPU, cfg.Arch)

	// A broken overlay is logged and ignored, never fatal.
	t.Setenv(ConfigEnvVar, filepath.Join(t.TempDir(), "missing.toml"))
	cfg = DefaultCompileConfig()
	assert.Equal(t, 2, cfg.OptLevel)
}

func TestThisThreadConfigIsolation(t *testing.T) {
	p := newTestProgram(t)
	main := p.ThisThreadConfig()
	assert.Same(t, main, p.Config(), "the constructing goroutine owns the authoritative config")
	assert.Same(t, main, p.ThisThreadConfig(), "repeated access returns the same instance")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cfg := p.ThisThreadConfig()
		assert.NotSame(t, main, cfg, "other goroutines get their own clone")
		assert.Equal(t, main.OptLevel, cfg.OptLevel, "the clone starts from the authoritative values")
		cfg.OptLevel = 0
		cfg.DebugMode = true
	}()
	wg.Wait()

	// Mutations in other goroutines never leak back.
	assert.Equal(t, 2, main.OptLevel)
	assert.False(t, main.DebugMode)
}

func TestThisThreadConfigConcurrentFirstAccess(t *testing.T) {
	p := newTestProgram(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := p.ThisThreadConfig()
			assert.Same(t, cfg, p.ThisThreadConfig())
		}()
	}
	wg.Wait()
}

func TestConfigAccessAfterFinalizePanics(t *testing.T) {
	p := newTestProgram(t)
	p.Finalize()
	require.Panics(t, func() { p.ThisThreadConfig() })
	require.Panics(t, func() { p.Config() })
}

func TestCompileOptionsSnapshot(t *testing.T) {
	cfg := &CompileConfig{Arch: backends.ArchCPU, OptLevel: 1, FastMath: true}
	opts := cfg.CompileOptions()
	assert.Equal(t, backends.ArchCPU, opts.Arch)
	assert.Equal(t, 1, opts.OptLevel)
	assert.True(t, opts.FastMath)

	clone := cfg.Clone()
	clone.OptLevel = 2
	assert.Equal(t, 1, cfg.OptLevel)
}
