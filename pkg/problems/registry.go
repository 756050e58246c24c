package problems

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/sdc"
)

// Spec selects and parameterizes a problem.
type Spec struct {
	// Name is a registered problem name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Params are numeric parameters; unknown keys are ignored.
	Params map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`

	// Script is inline Starlark source for the script problem.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// File is a Starlark file for the script problem or a module for the
	// wasm problem.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Param returns the named parameter or def.
func (s Spec) Param(key string, def float64) float64 {
	if v, ok := s.Params[key]; ok {
		return v
	}
	return def
}

func (s Spec) newton() NewtonParams {
	d := DefaultNewtonParams()
	return NewtonParams{
		Tol:     s.Param("newton_tol", d.Tol),
		MaxIter: int(s.Param("newton_maxiter", float64(d.MaxIter))),
	}
}

// Constructor builds a problem from a spec.
type Constructor func(ctx context.Context, spec Spec) (engine.Problem, error)

// Initializer is implemented by problems that know their initial value.
type Initializer interface {
	InitialValue() engine.State
}

// Coarsener is implemented by problems that can run on a coarser grid.
type Coarsener interface {
	Coarsen() (engine.Problem, sdc.SpaceTransfer, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		"dahlquist": newDahlquistFromSpec,
		"heat1d":    newHeatFromSpec,
		"vanderpol": newVanDerPolFromSpec,
		"script":    newScriptFromSpec,
		"wasm":      newWasmFromSpec,
	}
)

// Register adds or replaces a problem constructor.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Names returns the registered problem names in order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the problem described by spec.
func New(ctx context.Context, spec Spec) (engine.Problem, error) {
	registryMu.RLock()
	ctor, ok := registry[spec.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown problem %q, have %v", spec.Name, Names())
	}
	return ctor(ctx, spec)
}

// Hierarchy builds the problems of a level hierarchy, finest first, and
// the space transfers between them. With coarsenSpace every coarser level
// runs on a coarser grid when the problem supports it.
func Hierarchy(ctx context.Context, spec Spec, levels int, coarsenSpace bool) ([]engine.Problem, []sdc.SpaceTransfer, error) {
	if levels < 1 {
		return nil, nil, fmt.Errorf("need at least one level, got %d", levels)
	}
	fine, err := New(ctx, spec)
	if err != nil {
		return nil, nil, err
	}

	probs := []engine.Problem{fine}
	var transfers []sdc.SpaceTransfer
	for l := 1; l < levels; l++ {
		prev := probs[l-1]
		if c, ok := prev.(Coarsener); ok && coarsenSpace {
			coarse, tr, err := c.Coarsen()
			if err != nil {
				Close(ctx, probs...)
				return nil, nil, fmt.Errorf("coarsen level %d: %w", l, err)
			}
			probs = append(probs, coarse)
			transfers = append(transfers, tr)
			continue
		}
		probs = append(probs, prev)
		transfers = append(transfers, sdc.Identity{})
	}
	return probs, transfers, nil
}

// Close releases problems that hold resources. Shared instances are
// closed once.
func Close(ctx context.Context, probs ...engine.Problem) {
	seen := make(map[engine.Problem]bool)
	for _, p := range probs {
		if seen[p] {
			continue
		}
		seen[p] = true
		if c, ok := p.(interface{ Close(context.Context) error }); ok {
			_ = c.Close(ctx)
		}
	}
}

func newDahlquistFromSpec(_ context.Context, spec Spec) (engine.Problem, error) {
	return NewDahlquist(spec.Param("lambda", -1), spec.Param("lambda_expl", 0), spec.Param("u0", 1)), nil
}

func newHeatFromSpec(_ context.Context, spec Spec) (engine.Problem, error) {
	return NewHeat1D(int(spec.Param("nvars", 127)), spec.Param("nu", 0.1), int(spec.Param("freq", 1)))
}

func newVanDerPolFromSpec(_ context.Context, spec Spec) (engine.Problem, error) {
	u0 := [2]float64{spec.Param("x0", 2), spec.Param("y0", 0)}
	return NewVanDerPol(spec.Param("mu", 5), u0, spec.newton()), nil
}

func newScriptFromSpec(_ context.Context, spec Spec) (engine.Problem, error) {
	src, name := spec.Script, "problem.star"
	if src == "" {
		if spec.File == "" {
			return nil, fmt.Errorf("script problem needs script or file")
		}
		data, err := os.ReadFile(spec.File)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		src, name = string(data), spec.File
	}
	return NewScript(name, src, spec.newton())
}

func newWasmFromSpec(ctx context.Context, spec Spec) (engine.Problem, error) {
	if spec.File == "" {
		return nil, fmt.Errorf("wasm problem needs a module file")
	}
	module, err := os.ReadFile(spec.File)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return NewWasm(ctx, module, WasmConfig{
		MemoryLimitPages: uint32(spec.Param("memory_pages", 256)),
		U0:               spec.Param("u0", 1),
		Newton:           spec.newton(),
	})
}
