package program

import (
	"fmt"

	"github.com/fieldlang/fieldlang/ir"
)

// FunctionKey identifies a reusable subroutine. Functions with the same key
// are the same logical function regardless of how many call sites request it.
type FunctionKey struct {
	Name string

	// FuncID identifies the frontend declaration; InstanceID distinguishes
	// template-style instantiations of the same declaration.
	FuncID     int
	InstanceID int
}

// String returns the mangled form used in logs and generated code names.
func (k FunctionKey) String() string {
	return fmt.Sprintf("%s_%d_%d", k.Name, k.FuncID, k.InstanceID)
}

// Function is a user-defined reusable subroutine, owned by the Program and
// interned by its key.
type Function struct {
	program *Program
	key     FunctionKey

	kernelIR *ir.KernelIR
}

// Key returns the function's identity key.
func (f *Function) Key() FunctionKey { return f.key }

// SetIR installs the lowered body of the function. The frontend calls this
// once after building; re-setting replaces the previous body.
func (f *Function) SetIR(kernelIR *ir.KernelIR) { f.kernelIR = kernelIR }

// IR returns the function's lowered body, or nil if not set yet.
func (f *Function) IR() *ir.KernelIR { return f.kernelIR }

// CreateFunction interns a Function by key: the first request constructs and
// stores it, later requests with an equal key return the same instance.
// Function bodies may be expensive to lower, and the same logical function is
// commonly requested from many call sites during IR construction.
func (p *Program) CreateFunction(key FunctionKey) *Function {
	p.checkAlive("CreateFunction")
	if f, found := p.functionMap[key]; found {
		return f
	}
	f := &Function{program: p, key: key}
	p.functions = append(p.functions, f)
	p.functionMap[key] = f
	return f
}
