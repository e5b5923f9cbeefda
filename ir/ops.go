package ir

import "fmt"

// UnaryOpType enumerates the scalar unary operators of the IR.
type UnaryOpType int

const (
	UnaryNeg UnaryOpType = iota
	UnaryAbs
	UnarySqrt
	UnaryRsqrt
	UnaryFloor
	UnaryCeil
	UnaryRound
	UnaryExp
	UnaryLog
	UnarySin
	UnaryCos
	UnaryTan
	UnaryBitNot
	UnaryLogicNot
	UnaryCast
)

var unaryOpNames = [...]string{
	UnaryNeg:      "Neg",
	UnaryAbs:      "Abs",
	UnarySqrt:     "Sqrt",
	UnaryRsqrt:    "Rsqrt",
	UnaryFloor:    "Floor",
	UnaryCeil:     "Ceil",
	UnaryRound:    "Round",
	UnaryExp:      "Exp",
	UnaryLog:      "Log",
	UnarySin:      "Sin",
	UnaryCos:      "Cos",
	UnaryTan:      "Tan",
	UnaryBitNot:   "BitNot",
	UnaryLogicNot: "LogicNot",
	UnaryCast:     "Cast",
}

// String implements fmt.Stringer.
func (op UnaryOpType) String() string {
	if op < 0 || int(op) >= len(unaryOpNames) {
		return fmt.Sprintf("UnaryOpType(%d)", int(op))
	}
	return unaryOpNames[op]
}

// BinaryOpType enumerates the scalar binary operators of the IR.
type BinaryOpType int

const (
	BinaryAdd BinaryOpType = iota
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryFloorDiv
	BinaryMod
	BinaryMax
	BinaryMin
	BinaryPow
	BinaryAtan2
	BinaryBitAnd
	BinaryBitOr
	BinaryBitXor
	BinaryBitShl
	BinaryBitShr
	BinaryCmpLt
	BinaryCmpLe
	BinaryCmpGt
	BinaryCmpGe
	BinaryCmpEq
	BinaryCmpNe
)

var binaryOpNames = [...]string{
	BinaryAdd:      "Add",
	BinarySub:      "Sub",
	BinaryMul:      "Mul",
	BinaryDiv:      "Div",
	BinaryFloorDiv: "FloorDiv",
	BinaryMod:      "Mod",
	BinaryMax:      "Max",
	BinaryMin:      "Min",
	BinaryPow:      "Pow",
	BinaryAtan2:    "Atan2",
	BinaryBitAnd:   "BitAnd",
	BinaryBitOr:    "BitOr",
	BinaryBitXor:   "BitXor",
	BinaryBitShl:   "BitShl",
	BinaryBitShr:   "BitShr",
	BinaryCmpLt:    "CmpLt",
	BinaryCmpLe:    "CmpLe",
	BinaryCmpGt:    "CmpGt",
	BinaryCmpGe:    "CmpGe",
	BinaryCmpEq:    "CmpEq",
	BinaryCmpNe:    "CmpNe",
}

// String implements fmt.Stringer.
func (op BinaryOpType) String() string {
	if op < 0 || int(op) >= len(binaryOpNames) {
		return fmt.Sprintf("BinaryOpType(%d)", int(op))
	}
	return binaryOpNames[op]
}

// IsComparison reports whether op yields a boolean (0/1) result regardless of
// its operand types.
func (op BinaryOpType) IsComparison() bool {
	return op >= BinaryCmpLt && op <= BinaryCmpNe
}

// IsBitwise reports whether op only accepts integer operands.
func (op BinaryOpType) IsBitwise() bool {
	return op >= BinaryBitAnd && op <= BinaryBitShr
}
