package policy

import (
	"time"

	"github.com/openpint/openpint/pkg/config"
)

// Severity grades a violation. Error and critical violations reject a
// configuration; info and warning are only reported.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity rejects a configuration.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is one Rego module. Its violations are the members of the
// module's deny set; Severity applies to those that do not set their own.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Violation is one member of a deny set.
type Violation struct {
	Policy string `json:"policy"`

	// Path names the offending field, e.g. "levels.1.num_nodes".
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Details holds the fields of the deny object not mapped above.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of evaluating all enabled policies against one
// configuration.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	// Failures names policies whose evaluation failed.
	Failures          []string      `json:"failures,omitempty"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Run      *config.RunConfig `json:"run"`
	Schedule Schedule          `json:"schedule"`
	Context  Context           `json:"context"`
}

// Schedule summarizes the blocks a run goes through.
type Schedule struct {
	Steps  int `json:"steps"`
	Blocks int `json:"blocks"`

	// Window sizes of the first and the last block.
	FirstWindow int `json:"first_window"`
	LastWindow  int `json:"last_window"`
}

// Context tells policies why they are evaluated.
type Context struct {
	// Operation is validate, run or launch.
	Operation string                 `json:"operation,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Bundle is a versioned set of policies shipped as one JSON file.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
