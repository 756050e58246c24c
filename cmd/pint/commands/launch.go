package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/stores"
	"github.com/openpint/openpint/pkg/telemetry"
	sshtransport "github.com/openpint/openpint/pkg/transports/ssh"
	"github.com/openpint/openpint/pkg/worker"
	"github.com/openpint/openpint/pkg/worker/protocol"
)

type launchOptions struct {
	hosts     []string
	workerCmd string
	upload    string
	basePort  int
	sshUser   string
	sshKey    string
	password  string
	jump      string
	insecure  bool
	timeout   time.Duration
	dbPath    string
	force     bool
}

func newLaunchCommand() *cobra.Command {
	var opts launchOptions

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Integrate a problem with one worker process per rank",
		Long: `Launch a PFASST integration on worker processes that talk over TCP.

Without --hosts every rank runs as a child process on this machine. With
--hosts ranks are spread round-robin over the hosts and started over SSH;
--upload stages the worker binary first. Rank r listens on base-port + r.`,
		Example: `  # Four local worker processes
  pint launch -c heat.yaml

  # Two hosts, uploading the worker binary
  pint launch -c heat.yaml --hosts node1,node2 --ssh-user pint \
    --upload ./bin/pint-worker --worker /tmp/pint-worker

  # Keep the blocks of every rank
  pint launch -c heat.yaml --db pint.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			run, err := loadRun(ctx)
			if err != nil {
				return err
			}
			if opts.dbPath != "" {
				run.Output.DB = opts.dbPath
			}

			tel, err := newTelemetry(run)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			if err := checkPolicies(ctx, tel.Logger, run, "launch", opts.force); err != nil {
				return err
			}

			var store stores.Store
			if run.Output.DB != "" {
				s, err := openStore(ctx, run.Output.DB)
				if err != nil {
					return err
				}
				defer s.Close()
				store = s
			}

			summary, err := launchRun(tel.WithContext(ctx), tel, store, run, opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(summary)
			}
			printSummary(summary)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.hosts, "hosts", nil, "SSH hosts ([user@]host[:port]) to spread ranks over")
	cmd.Flags().StringVar(&opts.workerCmd, "worker", "", "worker binary on the targets (default: pint-worker next to pint)")
	cmd.Flags().StringVar(&opts.upload, "upload", "", "local worker binary to copy to --worker on every target")
	cmd.Flags().IntVar(&opts.basePort, "base-port", 7400, "port of rank 0 on remote hosts")
	cmd.Flags().StringVar(&opts.sshUser, "ssh-user", os.Getenv("USER"), "SSH user")
	cmd.Flags().StringVar(&opts.sshKey, "ssh-key", "", "SSH private key (default: agent or ~/.ssh keys)")
	cmd.Flags().StringVar(&opts.password, "ssh-password", "", "SSH password")
	cmd.Flags().StringVar(&opts.jump, "ssh-jump", "", "bastion ([user@]host[:port]) to reach the hosts through")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false, "accept unknown SSH host keys")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "limit on the run time of every rank")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database for runs and blocks")
	cmd.Flags().BoolVar(&opts.force, "force", false, "launch even when a policy rejects the configuration")

	return cmd
}

// launchRun starts the workers, waits for every rank and records the
// blocks. ctx must carry tel.
func launchRun(ctx context.Context, tel *telemetry.Telemetry, store stores.Store, run *config.RunConfig, opts launchOptions) (summary *runSummary, err error) {
	id := uuid.New().String()
	logger := tel.Logger.WithRunID(id)

	command, err := workerCommand(opts.workerCmd)
	if err != nil {
		return nil, err
	}
	if verbose {
		command = append(command, "--log-level", "debug")
	}

	var (
		targets   []worker.Target
		transport = "local"
	)
	if len(opts.hosts) == 0 {
		targets, err = localTargets(run.Ranks)
	} else {
		transport = "ssh"
		var hosts []*sshtransport.Host
		hosts, targets, err = sshTargets(ctx, run.Ranks, opts)
		defer func() {
			for _, h := range hosts {
				_ = h.Close()
			}
		}()
	}
	if err != nil {
		return nil, err
	}

	if store != nil {
		if err := store.CreateRun(ctx, newRunRecord(id, run)); err != nil {
			return nil, err
		}
		defer func() { finishRunRecord(ctx, store, id, err) }()
	}

	events := make(chan *protocol.EventMessage, 64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			logger.WithRank(ev.Rank).WithField("block", ev.Metadata["block"]).Info(ev.Message)
		}
	}()

	runCtx := telemetry.WithRunContext(ctx, id, transport, run.Ranks)
	started := time.Now()
	results, err := worker.Launch(runCtx, run, targets, worker.LaunchOptions{
		RunID:      id,
		Command:    command,
		UploadFrom: opts.upload,
		Timeout:    opts.timeout,
		Events:     events,
		Logger:     logger,
	})
	close(events)
	<-printed

	blocks := 0
	if err == nil {
		blocks = len(results[0].Blocks)
	}
	telemetry.EndRunContext(runCtx, id, blocks, err)
	if err != nil {
		return nil, err
	}

	if store != nil {
		for _, res := range results {
			for _, b := range res.Blocks {
				if err := store.AppendBlock(ctx, &stores.Block{
					RunID:       id,
					Rank:        res.Rank,
					Index:       b.Index,
					Slot:        b.Slot,
					Window:      b.Window,
					Iterations:  b.Iterations,
					Residual:    b.Residual,
					TimeStart:   b.TimeStart,
					TimeEnd:     b.TimeEnd,
					Interrupted: b.Interrupted,
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	return summarizeResults(ctx, id, transport, run, results[0], time.Since(started))
}

// summarizeResults decodes the end value of rank 0 with the problem's own
// state type.
func summarizeResults(ctx context.Context, id, transport string, run *config.RunConfig, res *protocol.ResultMessage, took time.Duration) (*runSummary, error) {
	build, err := run.BuildStep(ctx)
	if err != nil {
		return nil, err
	}
	defer build.Close(context.Background())

	uend := build.Problems[0].Init()
	if err := uend.UnmarshalBinary(res.EndValue); err != nil {
		return nil, fmt.Errorf("decode end value: %w", err)
	}

	summary := &runSummary{
		ID:         id,
		Transport:  transport,
		Ranks:      run.Ranks,
		T0:         run.T0,
		Tend:       run.Tend,
		TimeEnd:    res.TimeEnd,
		EndValue:   fmt.Sprint(uend),
		DurationMS: took.Milliseconds(),
	}
	if exact, xerr := build.Problems[0].Exact(run.Tend); xerr == nil {
		e := engine.Distance(uend, exact)
		summary.Error = &e
	}
	for _, b := range res.Blocks {
		summary.Blocks = append(summary.Blocks, blockSummary{
			Index:       b.Index,
			Window:      b.Window,
			TimeStart:   b.TimeStart,
			Iterations:  b.Iterations,
			Residual:    b.Residual,
			Interrupted: b.Interrupted,
		})
	}
	return summary, nil
}

// workerCommand resolves the worker binary. The default is pint-worker in
// the directory of the running executable.
func workerCommand(path string) ([]string, error) {
	if path != "" {
		return []string{path}, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate pint-worker, use --worker: %w", err)
	}
	return []string{filepath.Join(filepath.Dir(self), "pint-worker")}, nil
}

func localTargets(ranks int) ([]worker.Target, error) {
	addrs, err := worker.LocalAddresses(ranks)
	if err != nil {
		return nil, err
	}
	transport := &worker.ExecTransport{Stderr: os.Stderr}
	targets := make([]worker.Target, ranks)
	for r := range targets {
		targets[r] = worker.Target{Transport: transport, Address: addrs[r]}
	}
	return targets, nil
}

// sshTargets connects to every host and assigns rank r to host r mod n.
// The returned hosts are connected even when an error is returned.
func sshTargets(ctx context.Context, ranks int, opts launchOptions) ([]*sshtransport.Host, []worker.Target, error) {
	var jump *sshtransport.Config
	if opts.jump != "" {
		cfg, err := sshConfig(ctx, opts.jump, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("jump host: %w", err)
		}
		jump = cfg
	}

	var hosts []*sshtransport.Host
	for _, spec := range opts.hosts {
		cfg, err := sshConfig(ctx, spec, opts)
		if err != nil {
			return hosts, nil, err
		}
		cfg.Jump = jump
		cfg.Stderr = os.Stderr

		h, err := sshtransport.NewHost(cfg)
		if err != nil {
			return hosts, nil, err
		}
		if err := h.Connect(ctx); err != nil {
			return hosts, nil, err
		}
		hosts = append(hosts, h)
	}

	targets := make([]worker.Target, ranks)
	for r := range targets {
		i := r % len(hosts)
		_, host, _, _ := sshtransport.ParseTarget(opts.hosts[i])
		targets[r] = worker.Target{
			Transport: hosts[i],
			Address:   net.JoinHostPort(host, strconv.Itoa(opts.basePort+r)),
		}
	}
	return hosts, targets, nil
}

// sshConfig builds the configuration of "[user@]host[:port]" from the
// launch flags.
func sshConfig(ctx context.Context, spec string, opts launchOptions) (*sshtransport.Config, error) {
	user, host, port, err := sshtransport.ParseTarget(spec)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = opts.sshUser
	}
	cfg := sshtransport.DefaultConfig(host, user)
	if port != 0 {
		cfg.Port = port
	}
	cfg.Insecure = opts.insecure
	cfg.Logger = telemetry.FromContext(ctx)
	switch {
	case opts.password != "":
		cfg.Auth, cfg.Password = sshtransport.AuthPassword, opts.password
	case opts.sshKey != "":
		cfg.KeyFile = opts.sshKey
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.Auth = sshtransport.AuthAgent
	}
	return cfg, nil
}
