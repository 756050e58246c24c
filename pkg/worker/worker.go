// Package worker runs ranks of a distributed run in separate processes. A
// launcher starts one worker per rank, hands each an assignment over the
// worker's stdin and collects the results from its stdout; the workers
// themselves exchange controller messages over TCP.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/openpint/openpint/pkg/comm"
	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/hooks"
	"github.com/openpint/openpint/pkg/telemetry"
	"github.com/openpint/openpint/pkg/worker/protocol"
)

// Error codes reported in ERROR messages.
const (
	ErrCodeBadAssignment = "BAD_ASSIGNMENT"
	ErrCodeConfig        = "INVALID_CONFIG"
	ErrCodeCommunication = "COMMUNICATION_ERROR"
	ErrCodeRunFailed     = "RUN_FAILED"
)

// Config contains worker configuration options.
type Config struct {
	Version string
	Logger  *telemetry.Logger

	// Telemetry feeds metrics, spans and events of the rank. Nil disables
	// them.
	Telemetry *telemetry.Telemetry

	// ConnectTimeout bounds joining the TCP world.
	ConnectTimeout time.Duration
}

// Worker serves one assignment.
type Worker struct {
	cfg    Config
	logger *telemetry.Logger
}

// New creates a worker.
func New(cfg Config) *Worker {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Worker{cfg: cfg, logger: logger.NewComponentLogger("worker")}
}

// Serve announces the worker on out, reads one assignment from in, runs
// the assigned rank and reports its result. The returned error is the one
// already reported in an ERROR message.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := &syncEncoder{enc: protocol.NewEncoder(out)}
	dec := protocol.NewDecoder(in)

	if err := enc.encode(protocol.MessageTypeReady, &protocol.ReadyMessage{
		Version:  w.cfg.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	assign, err := dec.DecodeAssign()
	if err != nil {
		w.logger.WithError(err).Error("Invalid assignment")
		_ = enc.encode(protocol.MessageTypeError, &protocol.ErrorMessage{
			Rank:    -1,
			Code:    ErrCodeBadAssignment,
			Message: err.Error(),
		})
		_ = enc.encode(protocol.MessageTypeExit, &protocol.ExitMessage{Reason: "bad_assignment", ExitCode: 1})
		return err
	}

	result, err := w.runRank(ctx, assign, enc)
	if err != nil {
		w.logger.WithRunID(assign.RunID).WithRank(assign.Rank).WithError(err).Error("Rank failed")
		if w.cfg.Telemetry != nil {
			w.cfg.Telemetry.Metrics.RecordError(errorClass(err), errorCode(err))
		}
		_ = enc.encode(protocol.MessageTypeError, &protocol.ErrorMessage{
			RunID:   assign.RunID,
			Rank:    assign.Rank,
			Code:    errorCode(err),
			Message: err.Error(),
		})
		_ = enc.encode(protocol.MessageTypeExit, &protocol.ExitMessage{Reason: "error", ExitCode: 1})
		return err
	}

	if err := enc.encode(protocol.MessageTypeResult, result); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}
	return enc.encode(protocol.MessageTypeExit, &protocol.ExitMessage{Reason: "completed"})
}

func (w *Worker) runRank(ctx context.Context, assign *protocol.AssignMessage, enc *syncEncoder) (*protocol.ResultMessage, error) {
	start := time.Now()
	if assign.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(assign.Timeout)*time.Second)
		defer cancel()
	}

	run, err := config.DecodeJSON(ctx, "assignment", assign.Config)
	if err != nil {
		return nil, err
	}
	if run.Ranks != len(assign.Peers) {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("configuration wants %d ranks, assignment lists %d peers", run.Ranks, len(assign.Peers)), nil)
	}
	logger := w.logger.WithRunID(assign.RunID).WithRank(assign.Rank)

	build, err := run.BuildStep(ctx)
	if err != nil {
		return nil, err
	}
	defer build.Close(ctx)
	if build.U0 == nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("problem %q has no initial value", run.Problem.Name), nil)
	}

	world, err := comm.DialTCP(ctx, comm.TCPConfig{
		RunID:          assign.RunID,
		Rank:           assign.Rank,
		Peers:          assign.Peers,
		ConnectTimeout: w.cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, engine.NewCommunicationError("cannot join the world", err)
	}
	defer func() { _ = world.Free() }()

	set := hooks.NewSet(hooks.Options{
		RunID:       assign.RunID,
		Logger:      logger,
		Telemetry:   w.cfg.Telemetry,
		SpanContext: ctx,
		PlotDir:     run.Output.PlotDir,
		ExactError:  run.Output.ExactError,
	})
	if set.Metrics != nil {
		world = comm.Observe(world, set.Metrics)
	}
	progress := &progressHook{enc: enc, runID: assign.RunID}

	ctrl, err := engine.NewController(world, build.Step, run.ControllerParams(),
		engine.WithHooks(append(set.Hooks(), progress)...),
		engine.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	logger.Infof("joined world of %d ranks", len(assign.Peers))
	res, err := ctrl.Run(ctx, build.U0, run.T0, run.Tend)
	if err != nil {
		return nil, err
	}

	end, err := res.UEnd.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode end value: %w", err)
	}
	blocks := make([]protocol.BlockResult, len(res.Blocks))
	for i, b := range res.Blocks {
		blocks[i] = protocol.BlockResult{
			Index:       b.Index,
			Slot:        b.Slot,
			Window:      b.Window,
			TimeStart:   b.TimeStart,
			TimeEnd:     b.TimeStart + run.Dt,
			Iterations:  b.Iterations,
			Residual:    b.Residual,
			Interrupted: b.Interrupted,
		}
	}

	return &protocol.ResultMessage{
		RunID:    assign.RunID,
		Rank:     assign.Rank,
		TimeEnd:  res.Time,
		EndValue: end,
		Blocks:   blocks,
		Duration: time.Since(start).Seconds(),
	}, nil
}

func errorCode(err error) string {
	var ee *engine.EngineError
	switch {
	case engine.IsConfiguration(err):
		return ErrCodeConfig
	case engine.IsCommunication(err):
		return ErrCodeCommunication
	case errors.As(err, &ee) && ee.Code != "":
		return ee.Code
	default:
		return ErrCodeRunFailed
	}
}

func errorClass(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Class)
	}
	return "internal"
}

// syncEncoder serializes writes from the serving goroutine and hooks.
type syncEncoder struct {
	mu  sync.Mutex
	enc *protocol.Encoder
}

func (e *syncEncoder) encode(msgType protocol.MessageType, data interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(msgType, data)
}

// progressHook reports every finished block as an EVENT message.
type progressHook struct {
	enc   *syncEncoder
	runID string
}

func (h *progressHook) OnEvent(ev engine.Event) error {
	if ev.Kind != engine.EventPostStep || ev.Step == nil {
		return nil
	}
	st := ev.Status()
	fine := ev.Step.Fine()
	msg := fmt.Sprintf("block %d done after %d iterations", ev.Block, st.Iter)
	if ev.Interrupted {
		msg = fmt.Sprintf("block %d interrupted after %d iterations", ev.Block, st.Iter)
	}
	// Progress is best effort.
	_ = h.enc.encode(protocol.MessageTypeEvent, &protocol.EventMessage{
		RunID:   h.runID,
		Rank:    ev.Rank,
		Level:   "info",
		Message: msg,
		Metadata: map[string]string{
			"block":    fmt.Sprint(ev.Block),
			"slot":     fmt.Sprint(st.Slot),
			"time":     fmt.Sprint(fine.Time),
			"residual": fmt.Sprint(fine.Residual),
		},
	})
	return nil
}
