package expr

import (
	"fmt"
	"math"
	"sync"
)

// Registry resolves function names to implementations. The parser asks it
// for every identifier it encounters, so an unknown function name is a
// parse-time error, not an evaluation-time one.
//
// A Registry is safe for concurrent use; Register may be called while
// rules referencing other functions are being evaluated.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry populated with the built-in functions and
// operators of the rule language.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}

	r.install("true", constant(TRUE))
	r.install("false", constant(FALSE))
	r.install("infinity", constant(&Float{Value: math.Inf(1)}))

	r.install("not", unOp(not))
	r.install("neg", unOp(neg))

	r.install("add", binOp(add))
	r.install("sub", binOp(sub))
	r.install("mul", binOp(mul))
	r.install("div", binOp(div))
	r.install("pow", binOp(pow))

	r.install("eq", binOp(func(a, b Value) (Value, error) { return boolValue(valueEq(a, b)), nil }))
	r.install("ne", binOp(func(a, b Value) (Value, error) { return boolValue(!valueEq(a, b)), nil }))
	r.install("lt", binOp(compare("lt", func(a, b float64) bool { return a < b }, func(a, b string) bool { return a < b })))
	r.install("le", binOp(compare("le", func(a, b float64) bool { return a <= b }, func(a, b string) bool { return a <= b })))
	r.install("gt", binOp(compare("gt", func(a, b float64) bool { return a > b }, func(a, b string) bool { return a > b })))
	r.install("ge", binOp(compare("ge", func(a, b float64) bool { return a >= b }, func(a, b string) bool { return a >= b })))
	r.install("match", binOp(match))

	r.install("and", binOp(and))
	r.install("or", binOp(or))
	r.install("if", ifFunc)

	r.install("second", scale(1))
	r.install("minute", scale(60))
	r.install("hour", scale(60*60))
	r.install("day", scale(24*60*60))
	r.install("Kb", scale(1024))
	r.install("Mb", scale(1024*1024))
	r.install("Gb", scale(1024*1024*1024))
	r.install("Tb", scale(1024*1024*1024*1024))

	r.install("numberOfWorkers", numberOfWorkers)
	r.install("user", user)
	r.install("available", available)
	r.install("estimatedSize", estimatedSize)
	r.install("estimatedTime", estimatedTime)
	r.install("request", request)

	return r
}

func (r *Registry) install(name string, fn Func) {
	r.funcs[name] = fn
}

// Register installs a user function under the given name, replacing any
// previous binding. The function receives the evaluation context and the
// pre-evaluated argument values.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the implementation bound to name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// NewCall builds a Function node for name, resolving the implementation in
// the registry. Unknown names are an error.
func (r *Registry) NewCall(name string, args ...Expression) (*Function, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("cannot find a function called %q", name)
	}
	return &Function{Name: name, Args: args, impl: fn}, nil
}
