package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator runs run-configuration scripts. A script sees the
// struct builtin, the math module and its inputs; its public,
// non-function globals become the output.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator returns an evaluator that gives up on a script after
// timeout. Zero means 30 seconds.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script. On failure the returned result carries the error
// text next to the error itself.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	if err := ctx.Err(); err != nil {
		return &StarlarkResult{Error: err.Error()}, fmt.Errorf("starlark %s: %w", filename, err)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{Name: filename, Print: func(*starlark.Thread, string) {}}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := execScript(thread, filename, script, input)
		done <- outcome{out, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("starlark %s: no result after %v: %w", filename, se.timeout, ctx.Err())
	}
	// A canceled thread returns an interpreter error; report the deadline.
	if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, ctx.Err()) {
		res.err = fmt.Errorf("starlark %s: %w", filename, ctx.Err())
	}

	result := &StarlarkResult{Output: res.output, ExecutionTime: time.Since(start)}
	if res.err != nil {
		result.Output = nil
		result.Error = res.err.Error()
	}
	return result, res.err
}

func execScript(thread *starlark.Thread, filename, script string, input map[string]interface{}) (map[string]interface{}, error) {
	env := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"math":   starmath.Module,
	}
	for name, v := range input {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		env[name] = sv
	}

	globals, err := starlark.ExecFile(thread, filename, script, env)
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, fn := v.(starlark.Callable); fn {
			continue
		}
		gv, err := fromStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		out[name] = gv
	}
	return out, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			sv, err := toStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(x))
		for k, e := range x {
			sv, err := toStarlarkValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("cannot pass %T to starlark", v)
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer %s overflows int64", x)
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return string(x), nil
	case *starlark.Dict:
		m := make(map[string]interface{}, x.Len())
		for _, kv := range x.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is a %s, not a string", kv[0], kv[0].Type())
			}
			e, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = e
		}
		return m, nil
	case *starlarkstruct.Struct:
		m := make(map[string]interface{})
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil || attr == nil {
				continue
			}
			e, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			m[name] = e
		}
		return m, nil
	case starlark.Indexable:
		s := make([]interface{}, x.Len())
		for i := range s {
			e, err := fromStarlarkValue(x.Index(i))
			if err != nil {
				return nil, err
			}
			s[i] = e
		}
		return s, nil
	}
	return nil, fmt.Errorf("cannot convert starlark %s", v.Type())
}
