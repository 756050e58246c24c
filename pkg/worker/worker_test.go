package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/field"
	"github.com/openpint/openpint/pkg/worker/protocol"
)

// pipeTransport runs a Worker in a goroutine of the test process.
type pipeTransport struct {
	worker *Worker
}

func (p *pipeTransport) Upload(context.Context, string, string) error { return nil }

func (p *pipeTransport) Cleanup(context.Context, string) error { return nil }

func (p *pipeTransport) Execute(ctx context.Context, _ []string) (io.WriteCloser, io.ReadCloser, func() error, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := p.worker.Serve(ctx, inR, outW)
		outW.Close()
		inR.Close()
		done <- err
	}()
	return inW, outR, func() error { return <-done }, nil
}

// failTransport cannot start anything.
type failTransport struct{}

func (failTransport) Upload(context.Context, string, string) error { return nil }

func (failTransport) Cleanup(context.Context, string) error { return nil }

func (failTransport) Execute(context.Context, []string) (io.WriteCloser, io.ReadCloser, func() error, error) {
	return nil, nil, nil, errors.New("no such host")
}

func localTargets(t *testing.T, n int) []Target {
	t.Helper()
	addrs, err := LocalAddresses(n)
	if err != nil {
		t.Fatalf("LocalAddresses() error = %v", err)
	}
	targets := make([]Target, n)
	for i := range targets {
		targets[i] = Target{
			Transport: &pipeTransport{worker: New(Config{Version: "test", ConnectTimeout: 10 * time.Second})},
			Address:   addrs[i],
		}
	}
	return targets
}

func TestLaunch(t *testing.T) {
	tests := []struct {
		name       string
		ranks      int
		wantBlocks int
	}{
		{name: "single rank", ranks: 1, wantBlocks: 4},
		{name: "two ranks", ranks: 2, wantBlocks: 2},
		{name: "four ranks", ranks: 4, wantBlocks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := config.DefaultRunConfig()
			run.Ranks = tt.ranks

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			events := make(chan *protocol.EventMessage, 64)
			results, err := Launch(ctx, run, localTargets(t, tt.ranks), LaunchOptions{
				RunID:   fmt.Sprintf("launch-%d", tt.ranks),
				Command: []string{"pint-worker"},
				Events:  events,
			})
			if err != nil {
				t.Fatalf("Launch() error = %v", err)
			}
			if len(results) != tt.ranks {
				t.Fatalf("len(results) = %d, want %d", len(results), tt.ranks)
			}

			want := math.Exp(-run.Tend)
			for rank, res := range results {
				if res.Rank != rank {
					t.Errorf("results[%d].Rank = %d", rank, res.Rank)
				}
				if len(res.Blocks) != tt.wantBlocks {
					t.Errorf("rank %d took part in %d blocks, want %d", rank, len(res.Blocks), tt.wantBlocks)
				}
				var u field.Vector
				if err := u.UnmarshalBinary(res.EndValue); err != nil {
					t.Fatalf("rank %d: UnmarshalBinary() error = %v", rank, err)
				}
				if got := u.At(0); math.Abs(got-want) > 1e-6 {
					t.Errorf("rank %d: end value = %v, want %v", rank, got, want)
				}
				if res.TimeEnd != run.Tend {
					t.Errorf("rank %d: TimeEnd = %v, want %v", rank, res.TimeEnd, run.Tend)
				}
			}

			if got := len(events); got != 4 {
				t.Errorf("received %d progress events, want 4", got)
			}
		})
	}
}

func TestLaunchErrors(t *testing.T) {
	run := config.DefaultRunConfig()
	run.Ranks = 2

	t.Run("target count", func(t *testing.T) {
		_, err := Launch(context.Background(), run, localTargets(t, 1), LaunchOptions{RunID: "r", Command: []string{"w"}})
		if !engine.IsConfiguration(err) {
			t.Errorf("Launch() error = %v, want a configuration error", err)
		}
	})

	t.Run("missing command", func(t *testing.T) {
		_, err := Launch(context.Background(), run, localTargets(t, 2), LaunchOptions{RunID: "r"})
		if !engine.IsConfiguration(err) {
			t.Errorf("Launch() error = %v, want a configuration error", err)
		}
	})

	t.Run("worker does not start", func(t *testing.T) {
		targets := localTargets(t, 2)
		targets[1].Transport = failTransport{}
		_, err := Launch(context.Background(), run, targets, LaunchOptions{RunID: "r", Command: []string{"w"}})
		if err == nil || !strings.Contains(err.Error(), "rank 1") {
			t.Errorf("Launch() error = %v, want a failure of rank 1", err)
		}
	})
}

func TestClientReportsRemoteError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewClient(&pipeTransport{worker: New(Config{})})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	if err := c.Start(ctx, []string{"pint-worker"}, 0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ready := c.Ready(); ready == nil || ready.Version != "dev" {
		t.Fatalf("Ready() = %+v", ready)
	}

	_, err = c.Assign(ctx, &protocol.AssignMessage{
		RunID:  "bad-config",
		Rank:   0,
		Peers:  []string{"127.0.0.1:0"},
		Config: []byte(`{"ranks": 1}`),
	}, nil)

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Assign() error = %v, want a RemoteError", err)
	}
	if remote.Code != ErrCodeConfig {
		t.Errorf("Code = %s, want %s", remote.Code, ErrCodeConfig)
	}
}

func TestServeRejectsUnexpectedMessage(t *testing.T) {
	var in bytes.Buffer
	if err := protocol.NewEncoder(&in).EncodeExit(&protocol.ExitMessage{Reason: "nope"}); err != nil {
		t.Fatalf("EncodeExit() error = %v", err)
	}

	var out bytes.Buffer
	if err := New(Config{}).Serve(context.Background(), &in, &out); err == nil {
		t.Fatal("Serve() should fail without an assignment")
	}

	dec := protocol.NewDecoder(&out)
	var types []protocol.MessageType
	for {
		msg, err := dec.Decode()
		if err != nil {
			break
		}
		types = append(types, msg.Type)
		if msg.Type == protocol.MessageTypeError {
			var e protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &e); err != nil {
				t.Fatalf("ParseParams() error = %v", err)
			}
			if e.Code != ErrCodeBadAssignment {
				t.Errorf("Code = %s, want %s", e.Code, ErrCodeBadAssignment)
			}
		}
	}

	want := []protocol.MessageType{protocol.MessageTypeReady, protocol.MessageTypeError, protocol.MessageTypeExit}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("messages = %v, want %v", types, want)
	}
}

func TestExecTransport(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	tr := &ExecTransport{}
	stdin, stdout, wait, err := tr.Execute(context.Background(), []string{"cat"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if _, err := io.WriteString(stdin, "hello\n"); err != nil {
		t.Fatalf("write error = %v", err)
	}
	stdin.Close()

	got, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if string(got) != "hello\n" {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}
	if err := wait(); err != nil {
		t.Errorf("wait() error = %v", err)
	}

	if _, _, _, err := tr.Execute(context.Background(), nil); err == nil {
		t.Error("expected error for an empty command")
	}
}

func TestLocalAddresses(t *testing.T) {
	addrs, err := LocalAddresses(3)
	if err != nil {
		t.Fatalf("LocalAddresses() error = %v", err)
	}
	seen := make(map[string]bool)
	for _, a := range addrs {
		if !strings.HasPrefix(a, "127.0.0.1:") {
			t.Errorf("address %s is not loopback", a)
		}
		if seen[a] {
			t.Errorf("address %s handed out twice", a)
		}
		seen[a] = true
	}
}
