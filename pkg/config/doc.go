// Package config loads, validates and builds run configurations.
//
// # Overview
//
// A run configuration names the problem, the integration interval, the
// world size, the level hierarchy and the controller parameters of one
// PFASST integration. It can be written in YAML, JSON, CUE or Starlark:
//
//   - YAML is decoded strictly; omitted fields take the defaults of
//     DefaultRunConfig.
//   - CUE files and packages are unified with the closed #Run schema, so a
//     misspelled field is an error with a file position.
//   - JSON is compiled as CUE and checked the same way.
//   - Starlark scripts bind the run as a dict named config; the math module
//     and struct are predeclared.
//
// Every format ends in a RunConfig that passed the schema, the struct tags
// and the consistency checks the controller would otherwise apply at
// construction.
//
// # Components
//
// CUEParser: parses CUE, JSON and Starlark sources into a ParsedConfig.
//
// SchemaRegistry: the built-in CUE schemas (problem, level, controller,
// output and run) plus any registered by the caller.
//
// StarlarkEvaluator: runs configuration scripts under a timeout.
//
// # Usage Example
//
//	run, err := config.Load(ctx, "heat.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	b, err := run.BuildStep(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
// # CUE Configuration Structure
//
//	run: {
//	    problem: {name: "heat1d", params: {nvars: 127, nu: 0.1}}
//	    tend:    0.5
//	    dt:      0.125
//	    ranks:   4
//	    levels: [{num_nodes: 5}, {num_nodes: 3}]
//	    controller: {max_iter: 20, predict_type: "libpfasst_style"}
//	}
//
// # Starlark Configuration
//
//	nodes = [5, 3]
//	config = {
//	    "problem": {"name": "dahlquist", "params": {"lambda": -1.0}},
//	    "tend": 1.0,
//	    "dt": 1.0 / 8,
//	    "ranks": 8,
//	    "levels": [{"num_nodes": n} for n in nodes],
//	    "controller": {"max_iter": 20},
//	}
package config
