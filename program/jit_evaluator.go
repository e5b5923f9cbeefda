package program

import (
	"fmt"

	"github.com/fieldlang/fieldlang/ir"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/petermattis/goid"
	"github.com/pkg/errors"
)

// JITEvaluatorID keys the cache of tiny single-operator evaluator kernels
// used by constant folding.
//
// The owning goroutine is part of the key: on some backends generated code is
// bound to the compiling thread's execution context and cannot be invoked
// from another one, so evaluators are never shared across goroutines even
// when the operator signature matches.
type JITEvaluatorID struct {
	GoroutineID int64

	// Op holds a UnaryOpType or BinaryOpType value depending on IsBinary.
	Op       int
	IsBinary bool

	Ret, LHS, RHS dtypes.DType

	// Tb is the frontend traceback tag, kept in the key so diagnostics from
	// distinct source sites don't alias.
	Tb string
}

// NewUnaryEvaluatorID builds the cache key for a unary evaluator owned by the
// calling goroutine.
func NewUnaryEvaluatorID(op ir.UnaryOpType, ret, operand dtypes.DType, tb string) JITEvaluatorID {
	return JITEvaluatorID{GoroutineID: goid.Get(), Op: int(op), Ret: ret, LHS: operand, Tb: tb}
}

// NewBinaryEvaluatorID builds the cache key for a binary evaluator owned by
// the calling goroutine.
func NewBinaryEvaluatorID(op ir.BinaryOpType, ret, lhs, rhs dtypes.DType, tb string) JITEvaluatorID {
	return JITEvaluatorID{GoroutineID: goid.Get(), Op: int(op), IsBinary: true, Ret: ret, LHS: lhs, RHS: rhs, Tb: tb}
}

// UnaryOp returns the operator for a unary evaluator key.
func (id JITEvaluatorID) UnaryOp() ir.UnaryOpType {
	if id.IsBinary {
		exceptions.Panicf("JITEvaluatorID.UnaryOp on binary evaluator key %+v", id)
	}
	return ir.UnaryOpType(id.Op)
}

// BinaryOp returns the operator for a binary evaluator key.
func (id JITEvaluatorID) BinaryOp() ir.BinaryOpType {
	if !id.IsBinary {
		exceptions.Panicf("JITEvaluatorID.BinaryOp on unary evaluator key %+v", id)
	}
	return ir.BinaryOpType(id.Op)
}

// GetOrCreateJITEvaluator returns the evaluator kernel for id, creating and
// caching it on first request. At most one evaluator is ever created per
// distinct id; concurrent callers with the same id serialize on the cache
// mutex. The returned kernel is owned by the Program.
func (p *Program) GetOrCreateJITEvaluator(id JITEvaluatorID) *Kernel {
	p.checkAlive("GetOrCreateJITEvaluator")
	p.jitMu.Lock()
	defer p.jitMu.Unlock()
	if k, found := p.jitEvaluators[id]; found {
		return k
	}

	name := fmt.Sprintf("jit_evaluator_%d", p.jitEvaluatorCount.Add(1)-1)
	k := &Kernel{
		program: p,
		name:    name,
		body:    evaluatorBody(id),
	}
	p.jitEvaluators[id] = k
	return k
}

// evaluatorBody builds the minimal kernel evaluating id's single operator:
// load the operand argument(s), apply the operator, cast to the requested
// return dtype, store into result slot 0.
func evaluatorBody(id JITEvaluatorID) KernelBody {
	return func(b *ir.Builder) {
		var out ir.ValueID
		if id.IsBinary {
			lhs := b.ArgLoad(id.LHS)
			rhs := b.ArgLoad(id.RHS)
			if id.LHS != id.RHS {
				rhs = b.Cast(rhs, id.LHS)
			}
			out = b.Binary(id.BinaryOp(), lhs, rhs)
		} else {
			out = b.Unary(id.UnaryOp(), b.ArgLoad(id.LHS))
		}
		if id.Ret != dtypes.InvalidDType {
			out = b.Cast(out, id.Ret)
		}
		b.StoreResult(out)
	}
}

// EvalScalarOp is the constant folding entry point: it compiles (or reuses)
// the evaluator for id, runs it on the wire-encoded operands, and returns the
// wire-encoded result. The evaluator must be owned by the calling goroutine.
func (p *Program) EvalScalarOp(id JITEvaluatorID, args ...uint64) (uint64, error) {
	if id.GoroutineID != goid.Get() {
		exceptions.Panicf("JIT evaluator for goroutine %d invoked from goroutine %d", id.GoroutineID, goid.Get())
	}
	want := 1
	if id.IsBinary {
		want = 2
	}
	if len(args) != want {
		return 0, errors.Errorf("evaluator %+v takes %d operands, %d given", id, want, len(args))
	}
	k := p.GetOrCreateJITEvaluator(id)
	if err := k.Launch(args...); err != nil {
		return 0, errors.WithMessagef(err, "folding constant with evaluator %q", k.name)
	}
	return p.FetchResultUint64(0), nil
}
