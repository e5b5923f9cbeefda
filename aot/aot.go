// Package aot exports compiled tree layouts and kernel metadata for
// ahead-of-time deployment: a host process compiles for a target architecture
// (adding trees compile-only when the target differs from the live backend)
// and serializes the result, a runtime on the target loads it back without a
// compiler present.
//
// The container format is CBOR (RFC 8949), one self-describing Module record
// per file.
package aot

import (
	"io"
	"os"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/fxamacker/cbor/v2"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FormatVersion is bumped on every incompatible change of the record layout.
const FormatVersion = 1

// Module is the root record of an exported module.
type Module struct {
	FormatVersion int    `cbor:"version"`
	Arch          string `cbor:"arch"`

	// Caps are target capability key/value pairs the runtime checks at load
	// time, e.g. subgroup sizes or extension availability.
	Caps map[string]uint64 `cbor:"caps,omitempty"`

	Trees   []TreeRecord   `cbor:"trees,omitempty"`
	Kernels []KernelRecord `cbor:"kernels,omitempty"`
}

// NodeRecord is one SNode's physical placement within its tree.
type NodeRecord struct {
	Index        int    `cbor:"index"`
	Type         string `cbor:"type"`
	Name         string `cbor:"name,omitempty"`
	DType        string `cbor:"dtype,omitempty"`
	Offset       uint64 `cbor:"offset"`
	ElemSize     int    `cbor:"elem_size"`
	NumInstances int    `cbor:"instances"`
	NumElems     int    `cbor:"elems"`
}

// TreeRecord is the serialized physical layout of one SNode tree.
type TreeRecord struct {
	TreeID    int          `cbor:"tree_id"`
	TotalSize uint64       `cbor:"total_size"`
	Nodes     []NodeRecord `cbor:"nodes"`
}

// KernelRecord is the metadata of one exported kernel: its launch signature
// and the target-specific compiled artifact.
type KernelRecord struct {
	Name         string   `cbor:"name"`
	ArgDTypes    []string `cbor:"args,omitempty"`
	ResultDTypes []string `cbor:"results,omitempty"`
	TreeIDs      []int    `cbor:"trees,omitempty"`

	// Binary is the backend-produced artifact (SPIR-V, PTX, machine code).
	// Host-lowered kernels have no serializable form and leave it empty.
	Binary []byte `cbor:"binary,omitempty"`
}

// encMode is the deterministic encoder: core deterministic encoding keeps
// exported modules byte-stable for identical inputs.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Write serializes the module to w.
func (m *Module) Write(w io.Writer) error {
	if m.FormatVersion == 0 {
		m.FormatVersion = FormatVersion
	}
	if err := encMode.NewEncoder(w).Encode(m); err != nil {
		return errors.Wrap(err, "encoding AOT module")
	}
	return nil
}

// Save serializes the module to a file.
func (m *Module) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating AOT module %q", path)
	}
	if err := m.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing AOT module %q", path)
}

// Read deserializes a module from r and validates its format version.
func Read(r io.Reader) (*Module, error) {
	m := &Module{}
	if err := cbor.NewDecoder(r).Decode(m); err != nil {
		return nil, errors.Wrap(err, "decoding AOT module")
	}
	if m.FormatVersion != FormatVersion {
		return nil, errors.Errorf("AOT module format version %d, this runtime reads version %d",
			m.FormatVersion, FormatVersion)
	}
	return m, nil
}

// Load deserializes a module from a file.
func Load(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening AOT module %q", path)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// ParseDType decodes the serialized form of a dtype name.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, err := dtypes.DTypeString(name)
	if err != nil {
		return dtypes.InvalidDType, errors.Wrapf(err, "AOT module references unknown dtype %q", name)
	}
	return dtype, nil
}

// ParseArch decodes the serialized form of a target architecture.
func ParseArch(name string) (backends.Arch, error) {
	var arch backends.Arch
	if err := arch.UnmarshalText([]byte(name)); err != nil {
		return 0, errors.Wrapf(err, "AOT module references unknown arch %q", name)
	}
	return arch, nil
}
