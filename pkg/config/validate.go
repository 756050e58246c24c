package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/sdc"
)

// newValidator returns a validator that names fields by their json tags.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var defaultValidator = newValidator()

// Validate checks field constraints and the consistency of the controller
// with the level hierarchy.
func (c *RunConfig) Validate() error {
	if err := defaultValidator.Struct(c); err != nil {
		msgs := make([]string, 0)
		for _, ve := range structErrors(err) {
			msgs = append(msgs, ve.Error())
		}
		return engine.NewConfigurationError(strings.Join(msgs, "; "), err)
	}
	if err := c.checkConsistency(); err != nil {
		return engine.NewConfigurationError(err.Error(), err)
	}
	return nil
}

// checkConsistency rejects combinations the controller would refuse at
// construction, so a bad file fails before any rank starts.
func (c *RunConfig) checkConsistency() error {
	if err := c.ControllerParams().Validate(); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	for i, l := range c.Levels {
		if l.DoCollUpdate && c.Ranks > 1 {
			return fmt.Errorf("levels.%d.do_coll_update is not supported with more than one rank", i)
		}
		if l.NodeType == sdc.Lobatto && l.NumNodes < 2 {
			return fmt.Errorf("levels.%d.num_nodes must be at least 2 for lobatto nodes, got %d", i, l.NumNodes)
		}
	}
	if n := len(c.Levels); n > 1 && !c.Controller.MSSDCJacobi && c.Levels[n-1].Sweeps > 1 {
		return fmt.Errorf("levels.%d.sweeps must be 1 on the coarsest level, got %d", n-1, c.Levels[n-1].Sweeps)
	}
	return nil
}

// structErrors converts validator errors into validation errors.
func structErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:     fieldPath(fe.Namespace()),
			Message:  fieldMessage(fe),
			Severity: "error",
		})
	}
	return out
}

// fieldPath turns "RunConfig.levels[0].num_nodes" into "levels.0.num_nodes".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	ns = strings.ReplaceAll(ns, "[", ".")
	return strings.ReplaceAll(ns, "]", "")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gt", "gte", "min":
		return fmt.Sprintf("must be at least %s (%s), got %v", fe.Param(), fe.Tag(), fe.Value())
	case "max":
		return fmt.Sprintf("must be at most %s, got %v", fe.Param(), fe.Value())
	case "gtfield":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// Error implements error.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(" ")
	}
	b.WriteString(e.Message)
	return b.String()
}
