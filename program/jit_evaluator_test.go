package program

import (
	"sync"
	"testing"

	"github.com/fieldlang/fieldlang/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalScalarOpBinary(t *testing.T) {
	p := newTestProgram(t)

	id := NewBinaryEvaluatorID(ir.BinaryAdd, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "")
	bits, err := p.EvalScalarOp(id, ir.IntToBits(dtypes.Int32, 40), ir.IntToBits(dtypes.Int32, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(42), ir.BitsToInt64(dtypes.Int32, bits))
}

func TestEvalScalarOpUnaryWithCast(t *testing.T) {
	p := newTestProgram(t)

	id := NewUnaryEvaluatorID(ir.UnaryNeg, dtypes.Int64, dtypes.Int32, "")
	bits, err := p.EvalScalarOp(id, ir.IntToBits(dtypes.Int32, 7))
	require.NoError(t, err)
	assert.Equal(t, int64(-7), ir.BitsToInt64(dtypes.Int64, bits))
}

func TestEvalScalarOpMixedOperandDTypes(t *testing.T) {
	p := newTestProgram(t)

	// The rhs is cast to the lhs dtype before applying the operator.
	id := NewBinaryEvaluatorID(ir.BinaryMul, dtypes.InvalidDType, dtypes.Float64, dtypes.Int32, "")
	bits, err := p.EvalScalarOp(id, ir.ScalarToBits(dtypes.Float64, 1.5), ir.IntToBits(dtypes.Int32, 4))
	require.NoError(t, err)
	assert.Equal(t, 6.0, ir.BitsToFloat64(dtypes.Float64, bits))
}

func TestEvaluatorCacheUniqueness(t *testing.T) {
	p := newTestProgram(t)

	id := NewBinaryEvaluatorID(ir.BinaryAdd, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "")
	k1 := p.GetOrCreateJITEvaluator(id)
	k2 := p.GetOrCreateJITEvaluator(id)
	assert.Same(t, k1, k2, "at most one evaluator per distinct id")

	// Any key component difference yields a distinct evaluator: the traceback
	// tag included.
	other := NewBinaryEvaluatorID(ir.BinaryAdd, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "a.py:3")
	assert.NotSame(t, k1, p.GetOrCreateJITEvaluator(other))
	assert.NotSame(t, k1, p.GetOrCreateJITEvaluator(
		NewBinaryEvaluatorID(ir.BinarySub, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "")))
	assert.Len(t, p.jitEvaluators, 3)
}

func TestEvaluatorsArePerGoroutine(t *testing.T) {
	p := newTestProgram(t)

	mainID := NewBinaryEvaluatorID(ir.BinaryAdd, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "")
	var otherID JITEvaluatorID
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		otherID = NewBinaryEvaluatorID(ir.BinaryAdd, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "")
	}()
	wg.Wait()

	assert.NotEqual(t, mainID, otherID, "same signature from another goroutine is a distinct key")
	assert.NotSame(t, p.GetOrCreateJITEvaluator(mainID), p.GetOrCreateJITEvaluator(otherID))
}

func TestEvalScalarOpWrongGoroutinePanics(t *testing.T) {
	p := newTestProgram(t)

	idCh := make(chan JITEvaluatorID)
	go func() {
		idCh <- NewBinaryEvaluatorID(ir.BinaryAdd, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "")
	}()
	id := <-idCh
	require.Panics(t, func() {
		_, _ = p.EvalScalarOp(id, 1, 2)
	})
}

func TestEvalScalarOpArity(t *testing.T) {
	p := newTestProgram(t)
	id := NewUnaryEvaluatorID(ir.UnaryAbs, dtypes.InvalidDType, dtypes.Int32, "")
	_, err := p.EvalScalarOp(id, 1, 2)
	require.ErrorContains(t, err, "takes 1 operands")
}

func TestEvaluatorKeyAccessors(t *testing.T) {
	unary := NewUnaryEvaluatorID(ir.UnaryNeg, dtypes.InvalidDType, dtypes.Int32, "")
	assert.Equal(t, ir.UnaryNeg, unary.UnaryOp())
	require.Panics(t, func() { unary.BinaryOp() })

	binary := NewBinaryEvaluatorID(ir.BinaryMax, dtypes.InvalidDType, dtypes.Int32, dtypes.Int32, "")
	assert.Equal(t, ir.BinaryMax, binary.BinaryOp())
	require.Panics(t, func() { binary.UnaryOp() })
}
