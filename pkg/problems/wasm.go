package problems

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/field"
)

// WasmConfig configures the sandbox of a WebAssembly problem.
type WasmConfig struct {
	// MemoryLimitPages caps the module memory in 64 KiB pages.
	MemoryLimitPages uint32

	// U0 is the initial value.
	U0 float64

	Newton NewtonParams
}

// Wasm is a scalar ODE whose right-hand side is exported by a WebAssembly
// module as eval_f(t, u f64) f64. A module may also export
// solve_system(rhs, factor, guess, t f64) f64; otherwise implicit solves
// use Newton's method on eval_f.
type Wasm struct {
	cfg WasmConfig

	runtime wazero.Runtime
	module  api.Module
	evalF   api.Function
	solve   api.Function

	// mu serializes calls into the module
	mu sync.Mutex
}

// NewWasm compiles and instantiates module.
func NewWasm(ctx context.Context, module []byte, cfg WasmConfig) (*Wasm, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.Newton.MaxIter == 0 {
		cfg.Newton = DefaultNewtonParams()
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	mod, err := runtime.Instantiate(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	w := &Wasm{cfg: cfg, runtime: runtime, module: mod}
	if w.evalF = mod.ExportedFunction("eval_f"); w.evalF == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("WASM module does not export eval_f")
	}
	w.solve = mod.ExportedFunction("solve_system")
	return w, nil
}

// Close releases the runtime.
func (w *Wasm) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *Wasm) call(fn api.Function, args ...float64) (float64, error) {
	params := make([]uint64, len(args))
	for i, a := range args {
		params[i] = api.EncodeF64(a)
	}

	w.mu.Lock()
	res, err := fn.Call(context.Background(), params...)
	w.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("wasm %s: %w", fn.Definition().Name(), err)
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("wasm %s returned %d values, want 1", fn.Definition().Name(), len(res))
	}
	return api.DecodeF64(res[0]), nil
}

func (w *Wasm) Init() engine.State {
	return field.NewVector(1)
}

func (w *Wasm) InitialValue() engine.State {
	return field.Scalar(w.cfg.U0)
}

func (w *Wasm) EvalF(u engine.State, t float64) (engine.RHS, error) {
	fu, err := w.call(w.evalF, t, field.As(u).At(0))
	if err != nil {
		return engine.RHS{}, err
	}
	return engine.RHS{Impl: field.Scalar(fu)}, nil
}

func (w *Wasm) SolveSystem(rhs engine.State, factor float64, guess engine.State, t float64) (engine.State, error) {
	r := field.As(rhs).At(0)
	g := field.As(guess).At(0)
	if w.solve != nil {
		u, err := w.call(w.solve, r, factor, g, t)
		if err != nil {
			return nil, err
		}
		return field.Scalar(u), nil
	}

	u, err := newtonScalar(func(u float64) (float64, error) {
		return w.call(w.evalF, t, u)
	}, r, factor, g, w.cfg.Newton)
	if err != nil {
		return nil, fmt.Errorf("wasm: %w", err)
	}
	return field.Scalar(u), nil
}

func (w *Wasm) Exact(float64) (engine.State, error) {
	return nil, ErrNoExactSolution
}
