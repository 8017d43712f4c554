package expr

import (
	"errors"
	"fmt"
	"math"
	"regexp"
)

func wantArgs(n int, args []Value) error {
	if len(args) != n {
		return fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func constant(v Value) Func {
	return func(_ *Context, args ...Value) (Value, error) {
		if err := wantArgs(0, args); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// unOp applies a unary operation.
func unOp(op func(Value) (Value, error)) Func {
	return func(_ *Context, args ...Value) (Value, error) {
		if err := wantArgs(1, args); err != nil {
			return nil, err
		}
		return op(args[0])
	}
}

// binOp applies a binary operation.
func binOp(op func(a, b Value) (Value, error)) Func {
	return func(_ *Context, args ...Value) (Value, error) {
		if err := wantArgs(2, args); err != nil {
			return nil, err
		}
		return op(args[0], args[1])
	}
}

func neg(v Value) (Value, error) {
	switch v := v.(type) {
	case *Integer:
		return &Integer{Value: -v.Value}, nil
	case *Float:
		return &Float{Value: -v.Value}, nil
	}
	return nil, fmt.Errorf("cannot negate %s", v.Type())
}

func not(v Value) (Value, error) {
	return boolValue(!Truthy(v)), nil
}

// arith dispatches an arithmetic operator on two numbers. Two integers
// stay integral, any float spreads.
func arith(name string, ints func(a, b int64) (int64, error), floats func(a, b float64) (float64, error)) func(a, b Value) (Value, error) {
	return func(a, b Value) (Value, error) {
		ai, aok := a.(*Integer)
		bi, bok := b.(*Integer)
		if aok && bok && ints != nil {
			v, err := ints(ai.Value, bi.Value)
			if err != nil {
				return nil, err
			}
			return &Integer{Value: v}, nil
		}
		if !isNumber(a) || !isNumber(b) {
			return nil, fmt.Errorf("cannot %s %s and %s", name, a.Type(), b.Type())
		}
		v, err := floats(toFloat(a), toFloat(b))
		if err != nil {
			return nil, err
		}
		return &Float{Value: v}, nil
	}
}

func add(a, b Value) (Value, error) {
	// "+" on two strings concatenates.
	if as, ok := a.(*String); ok {
		if bs, ok := b.(*String); ok {
			return &String{Value: as.Value + bs.Value}, nil
		}
	}
	return arith("add",
		func(a, b int64) (int64, error) { return a + b, nil },
		func(a, b float64) (float64, error) { return a + b, nil },
	)(a, b)
}

func sub(a, b Value) (Value, error) {
	return arith("sub",
		func(a, b int64) (int64, error) { return a - b, nil },
		func(a, b float64) (float64, error) { return a - b, nil },
	)(a, b)
}

func mul(a, b Value) (Value, error) {
	return arith("mul",
		func(a, b int64) (int64, error) { return a * b, nil },
		func(a, b float64) (float64, error) { return a * b, nil },
	)(a, b)
}

// div always divides exactly, so 1 / 2 is 0.5 and not 0.
func div(a, b Value) (Value, error) {
	return arith("div", nil, func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	})(a, b)
}

func pow(a, b Value) (Value, error) {
	return arith("pow", nil, func(a, b float64) (float64, error) {
		return math.Pow(a, b), nil
	})(a, b)
}

// compare dispatches an ordering operator. Numbers compare numerically,
// strings lexicographically; mixing the two is an error.
func compare(name string, nums func(a, b float64) bool, strs func(a, b string) bool) func(a, b Value) (Value, error) {
	return func(a, b Value) (Value, error) {
		if isNumber(a) && isNumber(b) {
			return boolValue(nums(toFloat(a), toFloat(b))), nil
		}
		as, aok := a.(*String)
		bs, bok := b.(*String)
		if aok && bok {
			return boolValue(strs(as.Value, bs.Value)), nil
		}
		return nil, fmt.Errorf("cannot compare %s and %s with %s", a.Type(), b.Type(), name)
	}
}

// valueEq is the equality used by eq and ne. Values of incompatible types
// are unequal rather than an error.
func valueEq(a, b Value) bool {
	if isNumber(a) && isNumber(b) {
		return toFloat(a) == toFloat(b)
	}
	switch a := a.(type) {
	case *String:
		b, ok := b.(*String)
		return ok && a.Value == b.Value
	case *Boolean:
		b, ok := b.(*Boolean)
		return ok && a.Value == b.Value
	case *Object:
		b, ok := b.(*Object)
		return ok && a.Value == b.Value
	}
	return false
}

func match(a, b Value) (Value, error) {
	s, ok := a.(*String)
	if !ok {
		return nil, fmt.Errorf("cannot match %s against a pattern", a.Type())
	}
	p, ok := b.(*String)
	if !ok {
		return nil, fmt.Errorf("pattern must be a string, got %s", b.Type())
	}
	// Anchored at the start of the subject, like the rest of the rule
	// language expects.
	re, err := regexp.Compile("^(?:" + p.Value + ")")
	if err != nil {
		return nil, err
	}
	return boolValue(re.MatchString(s.Value)), nil
}

// and returns the operand that decided the outcome: the first falsy value,
// or the second operand. Both arguments are already evaluated; the language
// does not short-circuit.
func and(a, b Value) (Value, error) {
	if !Truthy(a) {
		return a, nil
	}
	return b, nil
}

func or(a, b Value) (Value, error) {
	if Truthy(a) {
		return a, nil
	}
	return b, nil
}

// scale builds the unit convertors: second(x), Mb(x) and friends.
func scale(factor int64) Func {
	return unOp(func(v Value) (Value, error) {
		switch v := v.(type) {
		case *Integer:
			return &Integer{Value: factor * v.Value}, nil
		case *Float:
			return &Float{Value: float64(factor) * v.Value}, nil
		}
		return nil, fmt.Errorf("cannot scale %s", v.Type())
	})
}

// ifFunc selects between two pre-evaluated branches.
func ifFunc(_ *Context, args ...Value) (Value, error) {
	if err := wantArgs(3, args); err != nil {
		return nil, err
	}
	if Truthy(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func requireRequest(ctx *Context) (Subject, error) {
	if ctx == nil || ctx.Request == nil {
		return nil, errors.New("no request in context")
	}
	return ctx.Request, nil
}

func user(ctx *Context, args ...Value) (Value, error) {
	if err := wantArgs(0, args); err != nil {
		return nil, err
	}
	r, err := requireRequest(ctx)
	if err != nil {
		return nil, err
	}
	return &String{Value: r.User()}, nil
}

func numberOfWorkers(ctx *Context, args ...Value) (Value, error) {
	if err := wantArgs(0, args); err != nil {
		return nil, err
	}
	r, err := requireRequest(ctx)
	if err != nil {
		return nil, err
	}
	return &Integer{Value: int64(r.Workers())}, nil
}

func available(ctx *Context, args ...Value) (Value, error) {
	if err := wantArgs(1, args); err != nil {
		return nil, err
	}
	if ctx == nil || ctx.Environment == nil {
		return nil, errors.New("no environment in context")
	}
	s, ok := args[0].(*String)
	if !ok {
		return nil, fmt.Errorf("resource name must be a string, got %s", args[0].Type())
	}
	return boolValue(ctx.Environment.ResourceEnabled(s.Value)), nil
}

func estimatedSize(ctx *Context, args ...Value) (Value, error) {
	if err := wantArgs(0, args); err != nil {
		return nil, err
	}
	r, err := requireRequest(ctx)
	if err != nil {
		return nil, err
	}
	size, _ := r.Cost()
	return &Float{Value: size}, nil
}

func estimatedTime(ctx *Context, args ...Value) (Value, error) {
	if err := wantArgs(0, args); err != nil {
		return nil, err
	}
	r, err := requireRequest(ctx)
	if err != nil {
		return nil, err
	}
	_, seconds := r.Cost()
	return &Float{Value: seconds}, nil
}

func request(ctx *Context, args ...Value) (Value, error) {
	if err := wantArgs(0, args); err != nil {
		return nil, err
	}
	r, err := requireRequest(ctx)
	if err != nil {
		return nil, err
	}
	return &Object{Value: r}, nil
}
