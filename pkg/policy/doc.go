// Package policy lints run configurations with Open Policy Agent (OPA).
//
// A configuration can pass schema validation and still describe a run that
// wastes ranks, never iterates, or asks for a predictor the controller will
// refuse. The policy engine evaluates Rego rules against the configuration
// and the block schedule derived from it and reports findings by severity.
//
// # Architecture
//
//  1. Engine - Compiles and evaluates Rego policies
//  2. Loader - Loads policies from files, directories, and bundles
//  3. Types - Policies, violations, and results
//  4. Built-in Policies - Checks every run gets
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, run, "validate")
//	if err != nil {
//	    return err
//	}
//	for _, v := range result.Violations {
//	    fmt.Printf("%s: %s (%s)\n", v.Path, v.Message, v.Policy)
//	}
//
// # Input
//
// Policies see the document
//
//	{
//	    "run":      { ...the RunConfig as JSON... },
//	    "schedule": {"steps": 6, "blocks": 2, "first_window": 4, "last_window": 2},
//	    "context":  {"operation": "validate", "timestamp": "..."}
//	}
//
// # Built-in Policies
//
//  1. window-utilization - More ranks than steps, ragged last block
//  2. iteration-budget - max_iter of zero, min_iter above max_iter
//  3. level-hierarchy - Coarse levels that are not coarser
//  4. predictor - Predictors the controller refuses or ignores
//  5. convergence-criteria - Residual tolerances below round-off
//
// # Custom Policies
//
// Every policy defines a deny set in its own package. Elements are strings
// or objects with message, severity, and path; other keys end up in the
// violation details.
//
//	# Keep runs within the cluster allocation.
//	# severity: error
//	package site.ranks
//
//	import rego.v1
//
//	deny contains v if {
//	    input.run.ranks > 64
//	    v := {"message": "at most 64 ranks", "path": "ranks", "limit": 64}
//	}
//
// # Severity Levels
//
//   - info and warning are reported
//   - error and critical make the result not allowed
//
// # Hot Reload
//
// WatchFiles is a debounced fsnotify loop over files and directory trees.
// "pint validate --watch" uses it to check a configuration again whenever it
// or one of its policies is saved.
package policy
