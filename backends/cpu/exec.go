package cpu

import (
	"encoding/binary"
	"math"
	"math/bits"
	"slices"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/fieldlang/fieldlang/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompileKernel lowers the kernel IR into a Go closure interpreting the
// statement list. Malformed IR is rejected here, synchronously, so the
// returned FunctionType can only fail on runtime conditions (destroyed trees,
// division by zero, out-of-bounds addressing).
func (b *Backend) CompileKernel(opts backends.CompileOptions, kernelIR *ir.KernelIR) (backends.FunctionType, error) {
	b.mu.Lock()
	finalized := b.finalized
	b.mu.Unlock()
	if finalized {
		return nil, errors.Errorf("cpu backend: CompileKernel(%q) after Finalize", kernelIR.Name)
	}
	if opts.Arch != backends.ArchCPU {
		return nil, errors.Errorf("cpu backend asked to compile kernel %q for arch %s", kernelIR.Name, opts.Arch)
	}
	for _, treeID := range kernelIR.TreeIDs {
		if _, err := b.treeBytes(treeID); err != nil {
			return nil, errors.WithMessagef(err, "compiling kernel %q", kernelIR.Name)
		}
	}
	if err := validateIR(kernelIR); err != nil {
		return nil, errors.WithMessagef(err, "compiling kernel %q", kernelIR.Name)
	}

	// Detach from the caller's IR: the closure must stay valid even if the
	// builder-side structures are mutated or reused.
	stmts := slices.Clone(kernelIR.Stmts)
	numArgs := kernelIR.NumArgs()
	name := kernelIR.Name
	klog.V(2).Infof("cpu backend: compiled kernel %q (%d stmts, opt=%d)", name, len(stmts), opts.OptLevel)

	return func(ctx *backends.RuntimeContext) error {
		if len(ctx.Args) != numArgs {
			return errors.Errorf("kernel %q takes %d arguments, %d given", name, numArgs, len(ctx.Args))
		}
		values := make([]uint64, len(stmts))
		type resultWrite struct {
			slot int
			bits uint64
		}
		var results []resultWrite
		for i, stmt := range stmts {
			switch stmt.Code {
			case ir.ConstStmt:
				values[i] = stmt.ConstBits
			case ir.ArgLoadStmt:
				values[i] = ctx.Args[stmt.ArgIndex]
			case ir.UnaryStmt:
				out, err := applyUnary(stmt.Unary, stmts[stmt.X].DType, stmt.DType, values[stmt.X])
				if err != nil {
					return errors.WithMessagef(err, "kernel %q stmt %d", name, i)
				}
				values[i] = out
			case ir.BinaryStmt:
				out, err := applyBinary(stmt.Binary, stmts[stmt.X].DType, stmt.DType, values[stmt.X], values[stmt.Y])
				if err != nil {
					return errors.WithMessagef(err, "kernel %q stmt %d", name, i)
				}
				values[i] = out
			case ir.GlobalLoadStmt:
				data, err := b.treeBytes(stmt.TreeID)
				if err != nil {
					return errors.WithMessagef(err, "kernel %q stmt %d", name, i)
				}
				addr, err := effectiveAddress(&stmt, values, len(data), name)
				if err != nil {
					return err
				}
				values[i] = loadScalar(data, addr, stmt.ElemSize)
			case ir.GlobalStoreStmt:
				data, err := b.treeBytes(stmt.TreeID)
				if err != nil {
					return errors.WithMessagef(err, "kernel %q stmt %d", name, i)
				}
				addr, err := effectiveAddress(&stmt, values, len(data), name)
				if err != nil {
					return err
				}
				storeScalar(data, addr, stmt.ElemSize, values[stmt.Y])
			case ir.ResultStoreStmt:
				results = append(results, resultWrite{slot: stmt.Slot, bits: values[stmt.X]})
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.materialized {
			return errors.Errorf("kernel %q executed before the runtime was materialized", name)
		}
		for _, w := range results {
			if w.slot >= len(b.resultBuf) {
				return errors.Errorf("kernel %q writes result slot %d, result buffer has %d slots", name, w.slot, len(b.resultBuf))
			}
			b.resultBuf[w.slot] = w.bits
		}
		return nil
	}, nil
}

// validateIR rejects structurally malformed kernels before execution.
func validateIR(k *ir.KernelIR) error {
	if len(k.Stmts) == 0 {
		return errors.Errorf("empty kernel body")
	}
	checkOperand := func(i int, id ir.ValueID) error {
		if id < 0 || int(id) >= i {
			return errors.Errorf("stmt %d references value %d, which is not defined before it", i, id)
		}
		return nil
	}
	for i, stmt := range k.Stmts {
		switch stmt.Code {
		case ir.ConstStmt:
		case ir.ArgLoadStmt:
			if stmt.ArgIndex < 0 || stmt.ArgIndex >= k.NumArgs() {
				return errors.Errorf("stmt %d loads argument %d of %d", i, stmt.ArgIndex, k.NumArgs())
			}
		case ir.UnaryStmt:
			if err := checkOperand(i, stmt.X); err != nil {
				return err
			}
			if floatOnlyUnary(stmt.Unary) && !k.Stmts[stmt.X].DType.IsFloat() {
				return errors.Errorf("stmt %d applies %s to non-float dtype %s", i, stmt.Unary, k.Stmts[stmt.X].DType)
			}
		case ir.BinaryStmt:
			if err := checkOperand(i, stmt.X); err != nil {
				return err
			}
			if err := checkOperand(i, stmt.Y); err != nil {
				return err
			}
		case ir.GlobalLoadStmt:
			if stmt.X != ir.InvalidValueID {
				if err := checkOperand(i, stmt.X); err != nil {
					return err
				}
			}
			if !validElemSize(stmt.ElemSize) {
				return errors.Errorf("stmt %d has invalid element size %d", i, stmt.ElemSize)
			}
		case ir.GlobalStoreStmt:
			if err := checkOperand(i, stmt.Y); err != nil {
				return err
			}
			if stmt.X != ir.InvalidValueID {
				if err := checkOperand(i, stmt.X); err != nil {
					return err
				}
			}
			if !validElemSize(stmt.ElemSize) {
				return errors.Errorf("stmt %d has invalid element size %d", i, stmt.ElemSize)
			}
		case ir.ResultStoreStmt:
			if err := checkOperand(i, stmt.X); err != nil {
				return err
			}
			if stmt.Slot < 0 || stmt.Slot >= k.NumResults() {
				return errors.Errorf("stmt %d writes result slot %d of %d", i, stmt.Slot, k.NumResults())
			}
		default:
			return errors.Errorf("stmt %d has unsupported code %d", i, stmt.Code)
		}
	}
	return nil
}

func validElemSize(size int) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

func floatOnlyUnary(op ir.UnaryOpType) bool {
	switch op {
	case ir.UnarySqrt, ir.UnaryRsqrt, ir.UnaryExp, ir.UnaryLog, ir.UnarySin, ir.UnaryCos, ir.UnaryTan:
		return true
	}
	return false
}

// effectiveAddress computes the byte address of a global load/store and
// bounds-checks it against the tree allocation. The index value is attacker
// controlled as far as this function is concerned: a sign-extended negative
// index arrives as a huge uint64, so the scale and add must not be allowed
// to wrap around before the comparison.
func effectiveAddress(stmt *ir.Stmt, values []uint64, treeSize int, kernel string) (uint64, error) {
	addr := stmt.BaseOffset
	if stmt.X != ir.InvalidValueID {
		hi, scaled := bits.Mul64(values[stmt.X], uint64(stmt.ElemSize))
		sum, carry := bits.Add64(addr, scaled, 0)
		if hi != 0 || carry != 0 {
			return 0, errors.Errorf("kernel %q indexes tree %d with out-of-range index %d",
				kernel, stmt.TreeID, int64(values[stmt.X]))
		}
		addr = sum
	}
	if addr > uint64(treeSize) || uint64(treeSize)-addr < uint64(stmt.ElemSize) {
		return 0, errors.Errorf("kernel %q addresses byte %d of tree %d, which holds %d bytes",
			kernel, addr, stmt.TreeID, treeSize)
	}
	return addr, nil
}

func loadScalar(data []byte, addr uint64, elemSize int) uint64 {
	switch elemSize {
	case 1:
		return uint64(data[addr])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data[addr:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data[addr:]))
	default:
		return binary.LittleEndian.Uint64(data[addr:])
	}
}

func storeScalar(data []byte, addr uint64, elemSize int, bits uint64) {
	switch elemSize {
	case 1:
		data[addr] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(data[addr:], uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(data[addr:], uint32(bits))
	default:
		binary.LittleEndian.PutUint64(data[addr:], bits)
	}
}

// applyUnary evaluates one unary operator on the wire-encoded scalar x.
func applyUnary(op ir.UnaryOpType, src, out dtypes.DType, x uint64) (uint64, error) {
	if op == ir.UnaryCast {
		if out.IsFloat() {
			return ir.ScalarToBits(out, ir.BitsToFloat64(src, x)), nil
		}
		if src.IsFloat() {
			return ir.IntToBits(out, ir.BitsToInt64(src, x)), nil
		}
		return ir.IntToBits(out, ir.BitsToInt64(src, x)), nil
	}
	if src.IsFloat() {
		v := ir.BitsToFloat64(src, x)
		var r float64
		switch op {
		case ir.UnaryNeg:
			r = -v
		case ir.UnaryAbs:
			r = math.Abs(v)
		case ir.UnarySqrt:
			r = math.Sqrt(v)
		case ir.UnaryRsqrt:
			r = 1 / math.Sqrt(v)
		case ir.UnaryFloor:
			r = math.Floor(v)
		case ir.UnaryCeil:
			r = math.Ceil(v)
		case ir.UnaryRound:
			r = math.Round(v)
		case ir.UnaryExp:
			r = math.Exp(v)
		case ir.UnaryLog:
			r = math.Log(v)
		case ir.UnarySin:
			r = math.Sin(v)
		case ir.UnaryCos:
			r = math.Cos(v)
		case ir.UnaryTan:
			r = math.Tan(v)
		case ir.UnaryLogicNot:
			return boolBits(v == 0), nil
		default:
			return 0, errors.Errorf("unary op %s is not supported on dtype %s", op, src)
		}
		return ir.ScalarToBits(src, r), nil
	}

	v := ir.BitsToInt64(src, x)
	switch op {
	case ir.UnaryNeg:
		return ir.IntToBits(src, -v), nil
	case ir.UnaryAbs:
		if v < 0 {
			v = -v
		}
		return ir.IntToBits(src, v), nil
	case ir.UnaryFloor, ir.UnaryCeil, ir.UnaryRound:
		return x, nil
	case ir.UnaryBitNot:
		return ir.IntToBits(src, ^v), nil
	case ir.UnaryLogicNot:
		return boolBits(v == 0), nil
	}
	return 0, errors.Errorf("unary op %s is not supported on dtype %s", op, src)
}

// applyBinary evaluates one binary operator on the wire-encoded scalars x, y.
// operand is the shared operand dtype; out is the result dtype (Bool for
// comparisons).
func applyBinary(op ir.BinaryOpType, operand, out dtypes.DType, x, y uint64) (uint64, error) {
	_ = out
	if operand.IsFloat() {
		a, c := ir.BitsToFloat64(operand, x), ir.BitsToFloat64(operand, y)
		switch op {
		case ir.BinaryCmpLt:
			return boolBits(a < c), nil
		case ir.BinaryCmpLe:
			return boolBits(a <= c), nil
		case ir.BinaryCmpGt:
			return boolBits(a > c), nil
		case ir.BinaryCmpGe:
			return boolBits(a >= c), nil
		case ir.BinaryCmpEq:
			return boolBits(a == c), nil
		case ir.BinaryCmpNe:
			return boolBits(a != c), nil
		}
		var r float64
		switch op {
		case ir.BinaryAdd:
			r = a + c
		case ir.BinarySub:
			r = a - c
		case ir.BinaryMul:
			r = a * c
		case ir.BinaryDiv:
			r = a / c
		case ir.BinaryFloorDiv:
			r = math.Floor(a / c)
		case ir.BinaryMod:
			r = math.Mod(a, c)
		case ir.BinaryMax:
			r = math.Max(a, c)
		case ir.BinaryMin:
			r = math.Min(a, c)
		case ir.BinaryPow:
			r = math.Pow(a, c)
		case ir.BinaryAtan2:
			r = math.Atan2(a, c)
		default:
			return 0, errors.Errorf("binary op %s is not supported on dtype %s", op, operand)
		}
		return ir.ScalarToBits(operand, r), nil
	}

	if isUnsignedDType(operand) {
		// Narrow unsigned values are zero-extended in the wire encoding, so
		// raw uint64 evaluation is exact, including full-range Uint64 where
		// the sign-reinterpreted int64 path would be wrong. Shifts are
		// logical (zero-filling), never arithmetic.
		switch op {
		case ir.BinaryCmpLt:
			return boolBits(x < y), nil
		case ir.BinaryCmpLe:
			return boolBits(x <= y), nil
		case ir.BinaryCmpGt:
			return boolBits(x > y), nil
		case ir.BinaryCmpGe:
			return boolBits(x >= y), nil
		case ir.BinaryCmpEq:
			return boolBits(x == y), nil
		case ir.BinaryCmpNe:
			return boolBits(x != y), nil
		}
		if (op == ir.BinaryDiv || op == ir.BinaryFloorDiv || op == ir.BinaryMod) && y == 0 {
			return 0, errors.Errorf("integer division by zero (op %s)", op)
		}
		var r uint64
		switch op {
		case ir.BinaryAdd:
			r = x + y
		case ir.BinarySub:
			r = x - y
		case ir.BinaryMul:
			r = x * y
		case ir.BinaryDiv, ir.BinaryFloorDiv:
			r = x / y
		case ir.BinaryMod:
			r = x % y
		case ir.BinaryMax:
			r = max(x, y)
		case ir.BinaryMin:
			r = min(x, y)
		case ir.BinaryBitAnd:
			r = x & y
		case ir.BinaryBitOr:
			r = x | y
		case ir.BinaryBitXor:
			r = x ^ y
		case ir.BinaryBitShl:
			r = x << y
		case ir.BinaryBitShr:
			r = x >> y
		default:
			return 0, errors.Errorf("binary op %s is not supported on dtype %s", op, operand)
		}
		return truncUintBits(operand, r), nil
	}
	a, c := ir.BitsToInt64(operand, x), ir.BitsToInt64(operand, y)
	switch op {
	case ir.BinaryCmpLt:
		return boolBits(a < c), nil
	case ir.BinaryCmpLe:
		return boolBits(a <= c), nil
	case ir.BinaryCmpGt:
		return boolBits(a > c), nil
	case ir.BinaryCmpGe:
		return boolBits(a >= c), nil
	case ir.BinaryCmpEq:
		return boolBits(a == c), nil
	case ir.BinaryCmpNe:
		return boolBits(a != c), nil
	case ir.BinaryBitAnd:
		return ir.IntToBits(operand, a&c), nil
	case ir.BinaryBitOr:
		return ir.IntToBits(operand, a|c), nil
	case ir.BinaryBitXor:
		return ir.IntToBits(operand, a^c), nil
	case ir.BinaryBitShl:
		return ir.IntToBits(operand, a<<uint64(c)), nil
	case ir.BinaryBitShr:
		return ir.IntToBits(operand, a>>uint64(c)), nil
	}
	if (op == ir.BinaryDiv || op == ir.BinaryFloorDiv || op == ir.BinaryMod) && c == 0 {
		return 0, errors.Errorf("integer division by zero (op %s)", op)
	}
	var r int64
	switch op {
	case ir.BinaryAdd:
		r = a + c
	case ir.BinarySub:
		r = a - c
	case ir.BinaryMul:
		r = a * c
	case ir.BinaryDiv, ir.BinaryFloorDiv:
		r = a / c
		if op == ir.BinaryFloorDiv && (a%c != 0) && ((a < 0) != (c < 0)) {
			r--
		}
	case ir.BinaryMod:
		r = a % c
	case ir.BinaryMax:
		r = max(a, c)
	case ir.BinaryMin:
		r = min(a, c)
	default:
		return 0, errors.Errorf("binary op %s is not supported on dtype %s", op, operand)
	}
	return ir.IntToBits(operand, r), nil
}

// truncUintBits wraps an unsigned result to the dtype's width, keeping the
// wire invariant that narrow values occupy only the low bits.
func truncUintBits(dtype dtypes.DType, v uint64) uint64 {
	if n := dtype.Memory(); n < 8 {
		return v & (1<<(8*n) - 1)
	}
	return v
}

func isUnsignedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

func boolBits(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
