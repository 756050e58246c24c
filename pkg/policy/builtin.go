package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		windowUtilizationPolicy(),
		iterationBudgetPolicy(),
		levelHierarchyPolicy(),
		predictorPolicy(),
		convergenceCriteriaPolicy(),
	}
}

// windowUtilizationPolicy flags ranks that never or rarely get a step.
func windowUtilizationPolicy() Policy {
	return Policy{
		Name:        "window-utilization",
		Description: "Flags worlds with more ranks than steps and runs whose last block shrinks",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"parallelism", "schedule"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pint.policies.window

import rego.v1

# Ranks beyond the number of steps never become active.
deny contains violation if {
	input.schedule.steps < input.run.ranks
	violation := {
		"message": sprintf("%d ranks for %d steps leaves %d ranks idle", [input.run.ranks, input.schedule.steps, input.run.ranks - input.schedule.steps]),
		"path": "ranks",
	}
}

# The last block runs on fewer ranks than the others.
deny contains violation if {
	input.schedule.blocks > 1
	input.schedule.last_window < input.schedule.first_window
	violation := {
		"message": sprintf("the last block runs on %d of %d ranks", [input.schedule.last_window, input.schedule.first_window]),
		"path": "tend",
		"severity": "info",
	}
}
`,
	}
}

// iterationBudgetPolicy checks the iteration limits.
func iterationBudgetPolicy() Policy {
	return Policy{
		Name:        "iteration-budget",
		Description: "Checks that the iteration limits allow the controller to iterate",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"controller"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pint.policies.iterations

import rego.v1

deny contains violation if {
	input.run.controller.max_iter == 0
	violation := {
		"message": "max_iter 0 only runs the predictor",
		"path": "controller.max_iter",
	}
}

deny contains violation if {
	min_iter := object.get(input.run.controller, "min_iter", 0)
	input.run.controller.max_iter > 0
	min_iter > input.run.controller.max_iter
	violation := {
		"message": sprintf("min_iter %d is above max_iter %d; every block stops at max_iter", [min_iter, input.run.controller.max_iter]),
		"path": "controller.min_iter",
		"severity": "info",
	}
}
`,
	}
}

// levelHierarchyPolicy checks that coarser levels are coarser.
func levelHierarchyPolicy() Policy {
	return Policy{
		Name:        "level-hierarchy",
		Description: "Checks that every coarser level has fewer nodes or a coarser grid",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"levels"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pint.policies.levels

import rego.v1

deny contains violation if {
	some i, level in input.run.levels
	i > 0
	finer := input.run.levels[i - 1]
	level.num_nodes > finer.num_nodes
	violation := {
		"message": sprintf("level %d has more nodes (%d) than level %d (%d)", [i, level.num_nodes, i - 1, finer.num_nodes]),
		"path": sprintf("levels.%d.num_nodes", [i]),
	}
}

deny contains violation if {
	some i, level in input.run.levels
	i > 0
	finer := input.run.levels[i - 1]
	level.num_nodes == finer.num_nodes
	not input.run.coarsen_space
	violation := {
		"message": sprintf("level %d is no coarser than level %d; set coarsen_space or use fewer nodes", [i, i - 1]),
		"path": sprintf("levels.%d.num_nodes", [i]),
	}
}
`,
	}
}

// predictorPolicy checks the predictor against the hierarchy.
func predictorPolicy() Policy {
	return Policy{
		Name:        "predictor",
		Description: "Rejects unimplemented predictors and flags predictors that do nothing",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"controller", "predictor"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pint.policies.predictor

import rego.v1

deny contains violation if {
	input.run.controller.predict_type == "fmg"
	violation := {
		"message": "the fmg predictor is not implemented",
		"path": "controller.predict_type",
		"severity": "critical",
	}
}

deny contains violation if {
	input.run.controller.predict_type in {"libpfasst_style", "pfasst_burnin"}
	count(input.run.levels) == 1
	violation := {
		"message": sprintf("the %s predictor needs a coarse level; with one level it only spreads the initial value", [input.run.controller.predict_type]),
		"path": "controller.predict_type",
		"severity": "info",
	}
}
`,
	}
}

// convergenceCriteriaPolicy checks the residual tolerance.
func convergenceCriteriaPolicy() Policy {
	return Policy{
		Name:        "convergence-criteria",
		Description: "Flags residual tolerances below round-off",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"convergence"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pint.policies.convergence

import rego.v1

deny contains violation if {
	restol := object.get(input.run.levels[0], "restol", 0)
	restol > 0
	restol < 1e-14
	not input.run.controller.use_iteration_estimator
	violation := {
		"message": sprintf("restol %g is below round-off; blocks will run to max_iter", [restol]),
		"path": "levels.0.restol",
	}
}
`,
	}
}
