package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/policy"
)

// validation is the JSON output of validate.
type validation struct {
	Path   string                   `json:"path"`
	Valid  bool                     `json:"valid"`
	Errors []config.ValidationError `json:"errors,omitempty"`
	Policy *policy.Result           `json:"policy,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		policyPaths []string
		disabled    []string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a run configuration",
		Long: `Validate a run configuration against the run schema and the policies.

This command checks:
  - Syntax of YAML, JSON, CUE and Starlark configurations
  - Schema conformance and field constraints
  - Consistency of the controller parameters
  - Policy compliance (OPA/rego), built-in and from --policy`,
		Example: `  # Validate a configuration
  pint validate heat.yaml

  # Add site policies and skip one built-in
  pint validate heat.cue --policy ./policies --disable window-utilization

  # Re-validate on every save
  pint validate heat.yaml --policy ./policies --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no run configuration given")
			}

			log.Info().
				Str("path", path).
				Strs("policies", policyPaths).
				Bool("watch", watch).
				Msg("Validating configuration")

			pe, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}

			check := func() error {
				if err := pe.ReloadPolicies(ctx); err != nil {
					return err
				}
				if len(policyPaths) > 0 {
					if err := pe.LoadPolicies(ctx, policyPaths); err != nil {
						return err
					}
				}
				for _, name := range disabled {
					if err := pe.DisablePolicy(name); err != nil {
						return err
					}
				}
				v, err := validateRun(ctx, pe, path)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := printJSON(v); err != nil {
						return err
					}
				} else {
					printValidation(v)
				}
				if !v.Valid {
					return errInvalid
				}
				return nil
			}

			if !watch {
				return check()
			}

			if err := check(); err != nil && !errors.Is(err, errInvalid) {
				log.Error().Err(err).Msg("Validation failed")
			}
			return policy.WatchFiles(ctx, log.Logger, append([]string{path}, policyPaths...), isWatchedFile, func(name string) {
				log.Info().Str("file", name).Msg("Change detected, validating again")
				if err := check(); err != nil && !errors.Is(err, errInvalid) {
					log.Error().Err(err).Msg("Validation failed")
				}
			})
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "policy files or directories (.rego, .json)")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "policies to skip")
	cmd.Flags().BoolVar(&watch, "watch", false, "validate again whenever the configuration or a policy changes")

	return cmd
}

var errInvalid = errors.New("configuration is invalid")

// validateRun loads path and evaluates the policies. Schema and decoding
// errors are reported in the result rather than returned.
func validateRun(ctx context.Context, pe *policy.Engine, path string) (*validation, error) {
	v := &validation{Path: path}

	run, err := config.Load(ctx, path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			v.Errors = verrs
		} else {
			v.Errors = []config.ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
		}
		return v, nil
	}

	res, err := pe.Evaluate(ctx, run, "validate")
	if err != nil {
		return nil, err
	}
	v.Policy = res
	v.Valid = res.Allowed
	return v, nil
}

func printValidation(v *validation) {
	for _, e := range v.Errors {
		fmt.Printf("✗ %s\n", e.Error())
	}
	if v.Policy != nil {
		for _, viol := range v.Policy.Violations {
			fmt.Printf("✗ [%s] %s: %s\n", viol.Severity, viol.Policy, viol.Message)
		}
		for _, w := range v.Policy.Warnings {
			fmt.Printf("! [%s] %s: %s\n", w.Severity, w.Policy, w.Message)
		}
		for _, f := range v.Policy.Failures {
			fmt.Printf("! policy could not be evaluated: %s\n", f)
		}
	}
	if v.Valid {
		fmt.Printf("✓ %s is valid (%d policies evaluated)\n", v.Path, len(v.Policy.EvaluatedPolicies))
		return
	}
	fmt.Printf("✗ %s is invalid\n", v.Path)
}

func isWatchedFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".cue", ".star", ".rego":
		return true
	}
	return false
}
