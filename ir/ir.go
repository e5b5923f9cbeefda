// Package ir defines the kernel intermediate representation consumed by the
// FieldLang backends.
//
// A kernel body is lowered into a flat list of statements in SSA form: each
// statement produces at most one value, identified by its position in the
// list (ValueID). Backends walk the statement list and either interpret it
// (see backends/cpu) or translate it to device code.
//
// The IR is deliberately small: scalar constants, kernel argument loads,
// unary/binary arithmetic, loads/stores into materialized sparse-tree memory,
// and result stores into the flat result buffer. Control flow and ranged
// parallel-for constructs live in the frontend and are lowered before they
// reach this layer.
package ir

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// ValueID identifies the value produced by a statement within one KernelIR.
// It is the index of the producing statement in KernelIR.Stmts.
type ValueID int

// InvalidValueID is returned by builder methods when the builder is in an
// error state, or used for optional operands that are absent.
const InvalidValueID = ValueID(-1)

// StmtCode discriminates the statement variants of the IR.
type StmtCode int

const (
	// InvalidStmt is the zero value, never valid in a finished KernelIR.
	InvalidStmt StmtCode = iota

	// ConstStmt materializes a scalar constant. Uses DType and ConstBits.
	ConstStmt

	// ArgLoadStmt loads the kernel argument ArgIndex. Uses DType.
	ArgLoadStmt

	// UnaryStmt applies Unary to the value X. Uses DType for the result.
	UnaryStmt

	// BinaryStmt applies Binary to the values X and Y. Uses DType for the result.
	BinaryStmt

	// GlobalLoadStmt loads a scalar of DType from tree TreeID at byte offset
	// BaseOffset, plus X*ElemSize if X is a valid index value.
	GlobalLoadStmt

	// GlobalStoreStmt stores value Y into tree TreeID at byte offset
	// BaseOffset, plus X*ElemSize if X is a valid index value.
	GlobalStoreStmt

	// ResultStoreStmt stores value X into result-buffer slot Slot.
	ResultStoreStmt
)

// Stmt is one IR statement. Which fields are meaningful depends on Code; the
// layout follows the serialized-node style where one struct carries the union
// of all variant payloads.
type Stmt struct {
	Code  StmtCode
	DType dtypes.DType

	// X and Y are value operands. InvalidValueID when absent.
	X, Y ValueID

	Unary  UnaryOpType
	Binary BinaryOpType

	// ConstBits holds a scalar constant encoded per DType, see ScalarToBits.
	ConstBits uint64

	ArgIndex int

	TreeID     int
	BaseOffset uint64
	ElemSize   int

	Slot int
}

// KernelIR is a complete lowered kernel, ready to hand to a backend.
type KernelIR struct {
	Name string

	// ArgDTypes declares the scalar arguments the compiled kernel expects, in order.
	ArgDTypes []dtypes.DType

	// ResultDTypes declares the result-buffer slots the kernel writes, in order.
	ResultDTypes []dtypes.DType

	Stmts []Stmt

	// TreeIDs lists the sparse trees the kernel addresses, in first-use order.
	// All of them must be materialized before the kernel is compiled.
	TreeIDs []int
}

// NumArgs returns the number of scalar arguments the kernel takes.
func (k *KernelIR) NumArgs() int { return len(k.ArgDTypes) }

// NumResults returns the number of result-buffer slots the kernel writes.
func (k *KernelIR) NumResults() int { return len(k.ResultDTypes) }
