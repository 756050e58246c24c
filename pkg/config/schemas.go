package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.registerBuiltInSchemas(); err != nil {
		panic(err)
	}

	return sr
}

// builtinDefinitions maps schema names to the definitions of runSchema.
var builtinDefinitions = map[string]string{
	"problem":    "#Problem",
	"level":      "#Level",
	"controller": "#Controller",
	"output":     "#Output",
	"run":        "#Run",
}

func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	val := sr.ctx.CompileString(runSchema, cue.Filename(schemaFilename))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile built-in schemas: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range builtinDefinitions {
		sr.schemas[name] = val.LookupPath(cue.ParsePath(def))
	}
	return nil
}

// RegisterSchema compiles schema and registers it under name, replacing any
// schema of the same name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas were compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ValidateAgainstSchema validates data against a named schema. data is
// converted through its JSON form, so struct json tags name the fields.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// JSON is valid CUE; compiling it keeps integers integral.
	dataVal := sr.ctx.CompileBytes(raw)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	_, err = sr.Unify(schemaName, dataVal)
	return err
}

// Unify unifies val with the named schema and checks that the result is
// concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, fmt.Errorf("validation failed: %w", err)
	}
	return unified, nil
}

// ListSchemas returns all registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRun validates a run configuration against the run schema.
func (sr *SchemaRegistry) ValidateRun(ctx context.Context, run *RunConfig) error {
	return sr.ValidateAgainstSchema(ctx, "run", run)
}

const schemaFilename = "schema.cue"

// runSchema describes run configurations. Definitions are closed, so
// misspelled fields are errors.
const runSchema = `
#NodeType: "radau_right" | "equidistant_right" | "lobatto" | "legendre"

#Problem: {
	// name is a registered problem: dahlquist, heat1d, vanderpol, script
	// or wasm.
	name: string & !=""

	// params are numeric problem parameters.
	params?: [string]: number

	// script is inline Starlark source for the script problem.
	script?: string

	// file is a Starlark file or a WebAssembly module.
	file?: string
}

#Level: {
	node_type?:      #NodeType
	num_nodes:       int & >=1
	qi_type?:        "IE" | "LU"
	initial_guess?:  "spread" | "zero"
	sweeps?:         int & >=0
	restol?:         number & >=0
	do_coll_update?: bool
}

#Controller: {
	max_iter:                 int & >=0
	min_iter?:                int & >=0
	predict_type?:            "none" | "fine_only" | "libpfasst_style" | "pfasst_burnin" | "fmg"
	all_to_done?:             bool
	mssdc_jacobi?:            bool
	use_iteration_estimator?: bool
	err_tol?:                 number & >=0
	safety?:                  number & >=0
}

#Output: {
	log_level?:     "trace" | "debug" | "info" | "warn" | "error"
	db?:            string
	plot_dir?:      string
	trace?:         "none" | "stdout" | "otlp"
	otlp_endpoint?: string
	metrics_addr?:  string
	exact_error?:   bool
}

#Run: {
	name?:          string
	problem:        #Problem
	t0:             number | *0
	tend:           number & >t0
	dt:             number & >0
	ranks:          int & >=1 | *1
	coarsen_space?: bool
	levels: [#Level, ...#Level]
	controller: #Controller
	output?:    #Output
}
`
