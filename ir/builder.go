package ir

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Builder assembles a KernelIR statement by statement.
//
// It uses a deferred error model: if any step fails, the first error is
// stored and all further operations become no-ops returning InvalidValueID.
// Check Builder.Error (or the error returned by Done) once at the end instead
// of after every op.
type Builder struct {
	err error

	name    string
	args    []dtypes.DType
	results []dtypes.DType
	stmts   []Stmt

	treeIDs   []int
	treeIDSet map[int]bool
}

// NewBuilder returns an empty Builder for a kernel with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		treeIDSet: make(map[int]bool),
	}
}

// Error returns the first error recorded while building, or nil.
func (b *Builder) Error() error { return b.err }

// Ok reports whether no error was recorded so far.
func (b *Builder) Ok() bool { return b.err == nil }

// setErrorf records the first error; later errors are dropped.
func (b *Builder) setErrorf(format string, args ...any) {
	if b.err != nil {
		return
	}
	b.err = errors.WithStack(fmt.Errorf(format, args...))
}

func (b *Builder) push(stmt Stmt) ValueID {
	if !b.Ok() {
		return InvalidValueID
	}
	b.stmts = append(b.stmts, stmt)
	return ValueID(len(b.stmts) - 1)
}

// checkValue validates that id refers to a statement already pushed.
func (b *Builder) checkValue(op string, id ValueID) bool {
	if !b.Ok() {
		return false
	}
	if id < 0 || int(id) >= len(b.stmts) {
		b.setErrorf("%s: operand %d is not a value of kernel %q", op, id, b.name)
		return false
	}
	return true
}

func (b *Builder) checkDType(op string, dtype dtypes.DType) bool {
	if !b.Ok() {
		return false
	}
	if !SupportedDType(dtype) {
		b.setErrorf("%s: dtype %s is not supported by kernel IR (kernel %q)", op, dtype, b.name)
		return false
	}
	return true
}

// Const materializes the scalar constant v encoded for dtype.
func (b *Builder) Const(dtype dtypes.DType, v float64) ValueID {
	if !b.checkDType("Const", dtype) {
		return InvalidValueID
	}
	return b.push(Stmt{Code: ConstStmt, DType: dtype, ConstBits: ScalarToBits(dtype, v), X: InvalidValueID, Y: InvalidValueID})
}

// ConstInt materializes the integer constant v encoded for dtype.
func (b *Builder) ConstInt(dtype dtypes.DType, v int64) ValueID {
	if !b.checkDType("ConstInt", dtype) {
		return InvalidValueID
	}
	return b.push(Stmt{Code: ConstStmt, DType: dtype, ConstBits: IntToBits(dtype, v), X: InvalidValueID, Y: InvalidValueID})
}

// ArgLoad declares the next scalar kernel argument with the given dtype and
// loads it. Arguments are declared in call order.
func (b *Builder) ArgLoad(dtype dtypes.DType) ValueID {
	if !b.checkDType("ArgLoad", dtype) {
		return InvalidValueID
	}
	index := len(b.args)
	b.args = append(b.args, dtype)
	return b.push(Stmt{Code: ArgLoadStmt, DType: dtype, ArgIndex: index, X: InvalidValueID, Y: InvalidValueID})
}

// Unary applies op to x. The result has x's dtype, except UnaryLogicNot which
// yields Bool.
func (b *Builder) Unary(op UnaryOpType, x ValueID) ValueID {
	if !b.checkValue("Unary", x) {
		return InvalidValueID
	}
	dtype := b.stmts[x].DType
	if op == UnaryLogicNot {
		dtype = dtypes.Bool
	}
	return b.push(Stmt{Code: UnaryStmt, DType: dtype, Unary: op, X: x, Y: InvalidValueID})
}

// Cast converts x to the given dtype.
func (b *Builder) Cast(x ValueID, dtype dtypes.DType) ValueID {
	if !b.checkValue("Cast", x) || !b.checkDType("Cast", dtype) {
		return InvalidValueID
	}
	return b.push(Stmt{Code: UnaryStmt, DType: dtype, Unary: UnaryCast, X: x, Y: InvalidValueID})
}

// Binary applies op to x and y. Both operands must share a dtype; the result
// takes that dtype, or Bool for comparisons.
func (b *Builder) Binary(op BinaryOpType, x, y ValueID) ValueID {
	if !b.checkValue("Binary", x) || !b.checkValue("Binary", y) {
		return InvalidValueID
	}
	lhs, rhs := b.stmts[x].DType, b.stmts[y].DType
	if lhs != rhs {
		b.setErrorf("Binary(%s): operand dtypes differ, %s vs %s (kernel %q) -- insert a Cast", op, lhs, rhs, b.name)
		return InvalidValueID
	}
	if op.IsBitwise() && lhs.IsFloat() {
		b.setErrorf("Binary(%s): bitwise op on float dtype %s (kernel %q)", op, lhs, b.name)
		return InvalidValueID
	}
	dtype := lhs
	if op.IsComparison() {
		dtype = dtypes.Bool
	}
	return b.push(Stmt{Code: BinaryStmt, DType: dtype, Binary: op, X: x, Y: y})
}

func (b *Builder) recordTree(treeID int) {
	if !b.treeIDSet[treeID] {
		b.treeIDSet[treeID] = true
		b.treeIDs = append(b.treeIDs, treeID)
	}
}

// GlobalLoad loads a scalar of dtype from the materialized tree treeID, at
// byte offset baseOffset plus index*elemSize. Pass index=InvalidValueID for a
// fixed-address load.
func (b *Builder) GlobalLoad(treeID int, baseOffset uint64, elemSize int, index ValueID, dtype dtypes.DType) ValueID {
	if !b.checkDType("GlobalLoad", dtype) {
		return InvalidValueID
	}
	if index != InvalidValueID && !b.checkValue("GlobalLoad", index) {
		return InvalidValueID
	}
	b.recordTree(treeID)
	return b.push(Stmt{
		Code: GlobalLoadStmt, DType: dtype,
		TreeID: treeID, BaseOffset: baseOffset, ElemSize: elemSize,
		X: index, Y: InvalidValueID,
	})
}

// GlobalStore stores value into the materialized tree treeID, at byte offset
// baseOffset plus index*elemSize. Pass index=InvalidValueID for a
// fixed-address store.
func (b *Builder) GlobalStore(treeID int, baseOffset uint64, elemSize int, index, value ValueID) {
	if !b.checkValue("GlobalStore", value) {
		return
	}
	if index != InvalidValueID && !b.checkValue("GlobalStore", index) {
		return
	}
	b.recordTree(treeID)
	b.push(Stmt{
		Code: GlobalStoreStmt, DType: b.stmts[value].DType,
		TreeID: treeID, BaseOffset: baseOffset, ElemSize: b.elemSizeOr(elemSize, value),
		X: index, Y: value,
	})
}

func (b *Builder) elemSizeOr(elemSize int, value ValueID) int {
	if elemSize > 0 {
		return elemSize
	}
	return int(b.stmts[value].DType.Memory())
}

// StoreResult declares the next result-buffer slot and stores value into it.
// Slots are declared in call order; the caller reads them back with the
// Program's typed result accessors.
func (b *Builder) StoreResult(value ValueID) (slot int) {
	if !b.checkValue("StoreResult", value) {
		return -1
	}
	slot = len(b.results)
	b.results = append(b.results, b.stmts[value].DType)
	b.push(Stmt{Code: ResultStoreStmt, DType: b.stmts[value].DType, Slot: slot, X: value, Y: InvalidValueID})
	return slot
}

// Done finishes the build and returns the KernelIR, or the first recorded error.
// The Builder must not be reused afterward.
func (b *Builder) Done() (*KernelIR, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.stmts) == 0 {
		return nil, errors.Errorf("kernel %q has an empty body", b.name)
	}
	return &KernelIR{
		Name:         b.name,
		ArgDTypes:    b.args,
		ResultDTypes: b.results,
		Stmts:        b.stmts,
		TreeIDs:      b.treeIDs,
	}, nil
}
