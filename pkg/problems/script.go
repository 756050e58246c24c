package problems

import (
	"fmt"
	"math"
	"sync"

	"go.starlark.net/starlark"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/field"
)

// Script is a scalar ODE u' = f(t, u) whose right-hand side is a Starlark
// function. The script must define f(t, u) and may define exact(t) and a
// global u0 (default 1).
//
//	def f(t, u):
//	    return -2.0 * u
//
//	def exact(t):
//	    return math_exp(-2.0 * t)
type Script struct {
	Name   string
	Newton NewtonParams

	u0    float64
	f     starlark.Callable
	exact starlark.Callable

	// mu serializes calls on thread
	mu     sync.Mutex
	thread *starlark.Thread
}

// NewScript executes src and binds its functions.
func NewScript(name, src string, newton NewtonParams) (*Script, error) {
	thread := &starlark.Thread{
		Name:  "pint-problem",
		Print: func(*starlark.Thread, string) {},
	}
	globals, err := starlark.ExecFile(thread, name, src, scriptBuiltins())
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	s := &Script{Name: name, Newton: newton, u0: 1, thread: thread}

	f, ok := globals["f"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s must define a function f(t, u)", name)
	}
	s.f = f
	if ex, ok := globals["exact"].(starlark.Callable); ok {
		s.exact = ex
	}
	if v, ok := globals["u0"]; ok {
		if s.u0, ok = starlark.AsFloat(v); !ok {
			return nil, fmt.Errorf("script %s: u0 must be a number, got %s", name, v.Type())
		}
	}
	return s, nil
}

func scriptBuiltins() starlark.StringDict {
	unary := func(name string, fn func(float64) float64) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var x starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
				return nil, err
			}
			f, ok := starlark.AsFloat(x)
			if !ok {
				return nil, fmt.Errorf("%s: want a number, got %s", b.Name(), x.Type())
			}
			return starlark.Float(fn(f)), nil
		})
	}
	return starlark.StringDict{
		"math_exp": unary("math_exp", math.Exp),
		"math_sin": unary("math_sin", math.Sin),
		"math_cos": unary("math_cos", math.Cos),
	}
}

func (s *Script) call(fn starlark.Callable, args ...float64) (float64, error) {
	tuple := make(starlark.Tuple, len(args))
	for i, a := range args {
		tuple[i] = starlark.Float(a)
	}

	s.mu.Lock()
	v, err := starlark.Call(s.thread, fn, tuple, nil)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("script %s: %w", s.Name, err)
	}
	out, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("script %s: %s returned %s, want a number", s.Name, fn.Name(), v.Type())
	}
	return out, nil
}

func (s *Script) Init() engine.State {
	return field.NewVector(1)
}

func (s *Script) InitialValue() engine.State {
	return field.Scalar(s.u0)
}

func (s *Script) EvalF(u engine.State, t float64) (engine.RHS, error) {
	fu, err := s.call(s.f, t, field.As(u).At(0))
	if err != nil {
		return engine.RHS{}, err
	}
	return engine.RHS{Impl: field.Scalar(fu)}, nil
}

func (s *Script) SolveSystem(rhs engine.State, factor float64, guess engine.State, t float64) (engine.State, error) {
	u, err := newtonScalar(func(u float64) (float64, error) {
		return s.call(s.f, t, u)
	}, field.As(rhs).At(0), factor, field.As(guess).At(0), s.Newton)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", s.Name, err)
	}
	return field.Scalar(u), nil
}

func (s *Script) Exact(t float64) (engine.State, error) {
	if s.exact == nil {
		return nil, ErrNoExactSolution
	}
	u, err := s.call(s.exact, t)
	if err != nil {
		return nil, err
	}
	return field.Scalar(u), nil
}
