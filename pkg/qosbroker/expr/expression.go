// Package expr implements the expression language used by broker rules.
// It provides a recursive-descent parser producing an AST of Number,
// String and Function nodes, and a strict, argument-first evaluator over a
// Context of request and environment.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Subject is the view of a request that expressions evaluate against.
// The broker's request bookkeeping implements it; tests may supply fakes.
type Subject interface {
	// User is the identity the request runs as.
	User() string
	// Cost returns the request's estimated size in bytes and estimated
	// duration in seconds.
	Cost() (size float64, seconds float64)
	// Attr looks up an open-ended request attribute, e.g. "dataset".
	// Registered functions use it to expose embedder-specific fields.
	Attr(name string) (any, bool)
	// Workers is the size of the worker pool the request is queued on,
	// zero if the request has not been enqueued.
	Workers() int
}

// Resources is the view of the environment that expressions evaluate
// against.
type Resources interface {
	ResourceEnabled(resource string) bool
}

// Context carries everything an expression may consult during evaluation.
type Context struct {
	Request     Subject
	Environment Resources
}

// Expression is a node of the rule expression AST.
type Expression interface {
	// Evaluate computes the node's value for the given context.
	Evaluate(ctx *Context) (Value, error)
	// String renders the node as parseable rule text.
	String() string
}

// Number is a constant numeric expression, e.g. 42 or 0.5.
type Number struct {
	Value Value // *Integer or *Float
}

func NewInteger(v int64) *Number { return &Number{Value: &Integer{Value: v}} }
func NewFloat(v float64) *Number { return &Number{Value: &Float{Value: v}} }

func (n *Number) Evaluate(*Context) (Value, error) { return n.Value, nil }

func (n *Number) String() string {
	switch v := n.Value.(type) {
	case *Integer:
		return strconv.FormatInt(v.Value, 10)
	case *Float:
		s := strconv.FormatFloat(v.Value, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	}
	return n.Value.Inspect()
}

// StringLiteral is a constant string expression. The quote character is
// preserved so that String() reproduces the source form faithfully.
type StringLiteral struct {
	Value string
	Quote byte
}

func NewString(s string) *StringLiteral { return &StringLiteral{Value: s, Quote: '\''} }

func (s *StringLiteral) Evaluate(*Context) (Value, error) {
	return &String{Value: s.Value}, nil
}

func (s *StringLiteral) String() string {
	q := s.Quote
	if q == 0 {
		q = '\''
	}
	return string(q) + s.Value + string(q)
}

// Func is the implementation behind a Function node. Arguments are
// evaluated before the call; implementations never see unevaluated
// expressions.
type Func func(ctx *Context, args ...Value) (Value, error)

// Function is a named function application. Operators are functions too:
// the parser rewrites a + b into add(a, b).
type Function struct {
	Name string
	Args []Expression
	impl Func
}

// Evaluate evaluates every argument first, then applies the function.
// Failures are wrapped in an *EvalError carrying the function name and
// the evaluated arguments.
func (f *Function) Evaluate(ctx *Context) (Value, error) {
	args := make([]Value, len(f.Args))
	for i, a := range f.Args {
		v, err := a.Evaluate(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	result, err := f.impl(ctx, args...)
	if err != nil {
		return nil, &EvalError{Function: f.Name, Args: args, Err: err}
	}
	return result, nil
}

func (f *Function) String() string {
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.String()
	}
	return f.Name + "(" + strings.Join(args, ",") + ")"
}

// EvalError reports a failure inside a function application. It carries
// the function name and the already-evaluated arguments so operators can
// diagnose bad rules.
type EvalError struct {
	Function string
	Args     []Value
	Err      error
}

func (e *EvalError) Error() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.Inspect()
	}
	return fmt.Sprintf("%s(%s): %v", e.Function, strings.Join(args, ","), e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }
