package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/problems"
	"github.com/openpint/openpint/pkg/sdc"
)

// RunConfig describes one integration: the problem, the time interval, the
// world size and the level hierarchy every rank builds.
type RunConfig struct {
	// Name labels the run in logs and the run store.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Problem selects the right-hand side.
	Problem problems.Spec `json:"problem" yaml:"problem"`

	// T0 and Tend delimit the integration interval.
	T0   float64 `json:"t0" yaml:"t0"`
	Tend float64 `json:"tend" yaml:"tend" validate:"gtfield=T0"`

	// Dt is the step size of every rank.
	Dt float64 `json:"dt" yaml:"dt" validate:"gt=0"`

	// Ranks is the world size.
	Ranks int `json:"ranks" yaml:"ranks" validate:"gte=1"`

	// CoarsenSpace runs coarser levels on coarser grids when the problem
	// supports it.
	CoarsenSpace bool `json:"coarsen_space,omitempty" yaml:"coarsen_space,omitempty"`

	// Levels are ordered finest first.
	Levels []LevelConfig `json:"levels" yaml:"levels" validate:"required,min=1,max=16,dive"`

	// Controller holds the PFASST controller parameters.
	Controller ControllerConfig `json:"controller" yaml:"controller"`

	// Output configures what a run leaves behind.
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// LevelConfig configures the collocation rule and sweeper of one level.
type LevelConfig struct {
	// NodeType is the collocation node family.
	NodeType sdc.NodeType `json:"node_type,omitempty" yaml:"node_type,omitempty" validate:"omitempty,oneof=radau_right equidistant_right lobatto legendre"`

	// NumNodes is M.
	NumNodes int `json:"num_nodes" yaml:"num_nodes" validate:"gte=1"`

	// QIType is the implicit preconditioner.
	QIType string `json:"qi_type,omitempty" yaml:"qi_type,omitempty" validate:"omitempty,oneof=IE LU"`

	// InitialGuess is spread or zero.
	InitialGuess string `json:"initial_guess,omitempty" yaml:"initial_guess,omitempty" validate:"omitempty,oneof=spread zero"`

	// Sweeps is the number of sweeps per visit.
	Sweeps int `json:"sweeps,omitempty" yaml:"sweeps,omitempty" validate:"gte=0"`

	// Restol is the residual tolerance; only the finest level's is used.
	Restol float64 `json:"restol,omitempty" yaml:"restol,omitempty" validate:"gte=0"`

	// DoCollUpdate computes the end point by quadrature.
	DoCollUpdate bool `json:"do_coll_update,omitempty" yaml:"do_coll_update,omitempty"`
}

// ControllerConfig mirrors engine.ControllerParams.
type ControllerConfig struct {
	MaxIter               int     `json:"max_iter" yaml:"max_iter" validate:"gte=0"`
	MinIter               int     `json:"min_iter,omitempty" yaml:"min_iter,omitempty" validate:"gte=0"`
	PredictType           string  `json:"predict_type,omitempty" yaml:"predict_type,omitempty" validate:"omitempty,oneof=none fine_only libpfasst_style pfasst_burnin fmg"`
	AllToDone             bool    `json:"all_to_done,omitempty" yaml:"all_to_done,omitempty"`
	MSSDCJacobi           bool    `json:"mssdc_jacobi,omitempty" yaml:"mssdc_jacobi,omitempty"`
	UseIterationEstimator bool    `json:"use_iteration_estimator,omitempty" yaml:"use_iteration_estimator,omitempty"`
	ErrTol                float64 `json:"err_tol,omitempty" yaml:"err_tol,omitempty" validate:"gte=0"`
	Safety                float64 `json:"safety,omitempty" yaml:"safety,omitempty" validate:"gte=0"`
}

// OutputConfig configures logging, statistics and telemetry of a run.
type OutputConfig struct {
	// LogLevel is trace, debug, info, warn or error.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`

	// DB is the SQLite file runs and statistics are stored in.
	DB string `json:"db,omitempty" yaml:"db,omitempty"`

	// PlotDir receives one residual plot per rank.
	PlotDir string `json:"plot_dir,omitempty" yaml:"plot_dir,omitempty"`

	// Trace selects the span exporter.
	Trace string `json:"trace,omitempty" yaml:"trace,omitempty" validate:"omitempty,oneof=none stdout otlp"`

	// OTLPEndpoint is the collector address of the otlp exporter.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty" validate:"required_if=Trace otlp"`

	// MetricsAddr serves Prometheus metrics while the run lasts.
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`

	// ExactError records the error against the exact solution per step.
	ExactError bool `json:"exact_error,omitempty" yaml:"exact_error,omitempty"`
}

// ParsedConfig is a configuration together with where it came from.
type ParsedConfig struct {
	// Run is nil when Errors is not empty.
	Run *RunConfig `json:"run,omitempty"`

	// SourceFiles are the files that were read.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists schema and decoding errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "levels.0.num_nodes").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// DefaultRunConfig returns a single-rank, single-level run of the Dahlquist
// problem with the controller defaults.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Name:    "dahlquist",
		Problem: problems.Spec{Name: "dahlquist", Params: map[string]float64{"lambda": -1, "u0": 1}},
		T0:      0,
		Tend:    1,
		Dt:      0.25,
		Ranks:   1,
		Levels:  []LevelConfig{defaultLevel(3)},
		Controller: ControllerConfig{
			MaxIter:     20,
			PredictType: string(engine.PredictLibpfasst),
			ErrTol:      1e-7,
			Safety:      1.05,
		},
		Output: OutputConfig{LogLevel: "info", Trace: "none"},
	}
}

func defaultLevel(nodes int) LevelConfig {
	return LevelConfig{
		NodeType:     sdc.RadauRight,
		NumNodes:     nodes,
		QIType:       sdc.QIImplicitEuler,
		InitialGuess: sdc.GuessSpread,
		Sweeps:       1,
		Restol:       1e-10,
	}
}

// ApplyDefaults fills every unset optional field.
func (c *RunConfig) ApplyDefaults() {
	def := DefaultRunConfig()
	if len(c.Levels) == 0 {
		c.Levels = def.Levels
	}
	for i := range c.Levels {
		l := &c.Levels[i]
		d := defaultLevel(l.NumNodes)
		if l.NodeType == "" {
			l.NodeType = d.NodeType
		}
		if l.QIType == "" {
			l.QIType = d.QIType
		}
		if l.InitialGuess == "" {
			l.InitialGuess = d.InitialGuess
		}
		if l.Sweeps == 0 {
			l.Sweeps = d.Sweeps
		}
		if l.Restol == 0 {
			l.Restol = d.Restol
		}
	}
	if c.Ranks == 0 {
		c.Ranks = def.Ranks
	}
	if c.Controller.PredictType == "" {
		c.Controller.PredictType = def.Controller.PredictType
	}
	if c.Controller.ErrTol == 0 {
		c.Controller.ErrTol = def.Controller.ErrTol
	}
	if c.Controller.Safety == 0 {
		c.Controller.Safety = def.Controller.Safety
	}
	if c.Output.LogLevel == "" {
		c.Output.LogLevel = def.Output.LogLevel
	}
	if c.Output.Trace == "" {
		c.Output.Trace = def.Output.Trace
	}
}

// ControllerParams converts the controller section.
func (c *RunConfig) ControllerParams() engine.ControllerParams {
	cc := c.Controller
	return engine.ControllerParams{
		MaxIter:               cc.MaxIter,
		MinIter:               cc.MinIter,
		PredictType:           engine.PredictorType(cc.PredictType),
		AllToDone:             cc.AllToDone,
		MSSDCJacobi:           cc.MSSDCJacobi,
		UseIterationEstimator: cc.UseIterationEstimator,
		ErrTol:                cc.ErrTol,
		Safety:                cc.Safety,
	}
}

// LevelParams returns the engine parameters of level i.
func (c *RunConfig) LevelParams(i int) engine.LevelParams {
	l := c.Levels[i]
	return engine.LevelParams{Sweeps: l.Sweeps, Restol: l.Restol, Dt: c.Dt}
}

// Steps returns the number of time steps the run covers.
func (c *RunConfig) Steps() int {
	blocks, err := engine.PlanBlocks(c.Dts(), c.T0, c.Tend)
	if err != nil {
		return 0
	}
	n := 0
	for _, b := range blocks {
		n += len(b.Ranks)
	}
	return n
}

// Dts returns the step size of every rank.
func (c *RunConfig) Dts() []float64 {
	dts := make([]float64, c.Ranks)
	for i := range dts {
		dts[i] = c.Dt
	}
	return dts
}

// Hash returns a stable digest of the configuration.
func (c *RunConfig) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
