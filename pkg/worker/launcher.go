package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/telemetry"
	"github.com/openpint/openpint/pkg/worker/protocol"
)

// Target is where one rank runs.
type Target struct {
	Transport Transport

	// Address is the host:port the rank listens on for its peers.
	Address string
}

// LaunchOptions configures Launch.
type LaunchOptions struct {
	RunID string

	// Command starts a worker on every target.
	Command []string

	// UploadFrom is copied to Command[0] on every target before starting
	// the workers when set.
	UploadFrom string

	StartupTimeout time.Duration

	// Timeout bounds every rank's run; zero means no limit.
	Timeout time.Duration

	// Events receives worker progress when set. Launch never closes it.
	Events chan<- *protocol.EventMessage

	Logger *telemetry.Logger
}

// Launch starts one worker per target, assigns rank i to targets[i] and
// collects the results indexed by rank. The first failing rank cancels the
// others.
func Launch(ctx context.Context, run *config.RunConfig, targets []Target, opts LaunchOptions) ([]*protocol.ResultMessage, error) {
	if len(targets) != run.Ranks {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("run needs %d ranks, got %d targets", run.Ranks, len(targets)), nil)
	}
	if len(opts.Command) == 0 {
		return nil, engine.NewConfigurationError("launch needs a worker command", nil)
	}
	if opts.RunID == "" {
		return nil, engine.NewConfigurationError("launch needs a run id", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("launcher").WithRunID(opts.RunID)

	raw, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run configuration: %w", err)
	}
	peers := make([]string, len(targets))
	for i, t := range targets {
		peers[i] = t.Address
	}

	// Workers live as long as runCtx; transports tie processes to it.
	runCtx, cancel := context.WithCancel(ctx)
	clients := make([]*Client, len(targets))
	staged := uniqueTransports(targets)
	uploaded := opts.UploadFrom != "" && opts.UploadFrom != opts.Command[0]
	defer func() {
		cancel()
		for rank, c := range clients {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil {
				logger.WithRank(rank).WithError(err).Debug("Worker shutdown")
			}
		}
		if !uploaded {
			return
		}
		for _, t := range staged {
			if err := t.Cleanup(ctx, opts.Command[0]); err != nil {
				logger.WithError(err).Warn("Failed to remove uploaded worker")
			}
		}
	}()

	// Ranks sharing a host share one copy of the worker.
	if opts.UploadFrom != "" {
		var uploads errgroup.Group
		for _, t := range staged {
			uploads.Go(func() error {
				if err := t.Upload(runCtx, opts.UploadFrom, opts.Command[0]); err != nil {
					return fmt.Errorf("upload worker: %w", err)
				}
				return nil
			})
		}
		if err := uploads.Wait(); err != nil {
			return nil, err
		}
	}

	// Every worker is up before the first assignment goes out.
	var starts errgroup.Group
	for rank, t := range targets {
		starts.Go(func() error {
			c, err := NewClient(t.Transport)
			if err != nil {
				return err
			}
			clients[rank] = c
			if err := c.Start(runCtx, opts.Command, opts.StartupTimeout); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			logger.WithRank(rank).Debugf("worker ready (pid %d)", c.Ready().PID)
			return nil
		})
	}
	if err := starts.Wait(); err != nil {
		return nil, err
	}

	results := make([]*protocol.ResultMessage, len(targets))
	g, gctx := errgroup.WithContext(runCtx)
	for rank, c := range clients {
		g.Go(func() error {
			res, err := c.Assign(gctx, &protocol.AssignMessage{
				RunID:   opts.RunID,
				Rank:    rank,
				Peers:   peers,
				Config:  raw,
				Timeout: int(opts.Timeout.Seconds()),
			}, opts.Events)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Infof("all %d ranks finished", len(targets))
	return results, nil
}

func uniqueTransports(targets []Target) []Transport {
	var out []Transport
	seen := make(map[Transport]bool)
	for _, t := range targets {
		if !seen[t.Transport] {
			seen[t.Transport] = true
			out = append(out, t.Transport)
		}
	}
	return out
}

// LocalAddresses returns n loopback addresses with ports that were free at
// the time of the call.
func LocalAddresses(n int) ([]string, error) {
	addrs := make([]string, n)
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to reserve a port: %w", err)
		}
		listeners = append(listeners, ln)
		addrs[i] = ln.Addr().String()
	}
	return addrs, nil
}
