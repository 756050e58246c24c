package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openpint/openpint/pkg/engine"
)

func TestNewLocalSchedulerValidation(t *testing.T) {
	s := dahlquist(1)

	if _, err := engine.NewLocalScheduler(0, engine.DefaultControllerParams(), s.factory()); !engine.IsConfiguration(err) {
		t.Errorf("zero ranks: error = %v, want configuration error", err)
	}
	if _, err := engine.NewLocalScheduler(2, engine.DefaultControllerParams(), nil); !engine.IsConfiguration(err) {
		t.Errorf("nil factory: error = %v, want configuration error", err)
	}
}

func TestSchedulerRunRecord(t *testing.T) {
	s := dahlquist(1)
	sched, err := engine.NewLocalScheduler(2, engine.DefaultControllerParams(), s.factory(),
		engine.WithRunID("run-42"))
	if err != nil {
		t.Fatalf("NewLocalScheduler() error = %v", err)
	}

	run, err := sched.Run(context.Background(), s.initial(t), 0, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.ID != "run-42" {
		t.Errorf("run id = %q, want run-42", run.ID)
	}
	if run.Ranks != 2 || run.T0 != 0 || run.Tend != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.FinishedAt.Before(run.StartedAt) {
		t.Error("run finished before it started")
	}
	if run.Error != "" {
		t.Errorf("run error = %q", run.Error)
	}
	if got := len(sched.Controllers()); got != 2 {
		t.Errorf("controllers = %d, want 2", got)
	}
	for r, res := range run.Results {
		if len(res.Blocks) != 2 {
			t.Errorf("rank %d: blocks = %d, want 2", r, len(res.Blocks))
		}
		if engine.Distance(res.UEnd, run.UEnd()) != 0 {
			t.Errorf("rank %d ends with a different value", r)
		}
	}
}

func TestSchedulerGeneratesRunID(t *testing.T) {
	s := dahlquist(1)
	a, err := engine.NewLocalScheduler(1, engine.DefaultControllerParams(), s.factory())
	if err != nil {
		t.Fatalf("NewLocalScheduler() error = %v", err)
	}
	b, err := engine.NewLocalScheduler(1, engine.DefaultControllerParams(), s.factory())
	if err != nil {
		t.Fatalf("NewLocalScheduler() error = %v", err)
	}

	ra, err := a.Run(context.Background(), s.initial(t), 0, 0.25)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rb, err := b.Run(context.Background(), s.initial(t), 0, 0.25)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ra.ID == "" || ra.ID == rb.ID {
		t.Errorf("run ids %q and %q are not unique", ra.ID, rb.ID)
	}
}

func TestSchedulerCancelled(t *testing.T) {
	s := dahlquist(1)
	sched, err := engine.NewLocalScheduler(2, engine.DefaultControllerParams(), s.factory())
	if err != nil {
		t.Fatalf("NewLocalScheduler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := sched.Run(ctx, s.initial(t), 0, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if run.Status != engine.RunStatusCancelled {
		t.Errorf("run status = %s, want %s", run.Status, engine.RunStatusCancelled)
	}
}

func TestSchedulerFactoryError(t *testing.T) {
	boom := errors.New("no such problem")
	factory := func(rank int) (*engine.Step, []engine.Hook, error) {
		if rank == 1 {
			return nil, nil, boom
		}
		return dahlquist(1).factory()(rank)
	}

	sched, err := engine.NewLocalScheduler(2, engine.DefaultControllerParams(), factory)
	if err != nil {
		t.Fatalf("NewLocalScheduler() error = %v", err)
	}
	run, err := sched.Run(context.Background(), dahlquist(1).initial(t), 0, 1)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if run.Status != engine.RunStatusFailed || run.Error == "" {
		t.Errorf("run = %+v, want a failed run with an error", run)
	}
}

// stepCounter counts post_step events per rank.
type stepCounter struct {
	mu    sync.Mutex
	steps map[int]int
}

func (c *stepCounter) hook(rank int) engine.Hook {
	return engine.HookFunc(func(ev engine.Event) error {
		if ev.Kind != engine.EventPostStep {
			return nil
		}
		if ev.Rank != rank {
			return errors.New("event from another rank")
		}
		c.mu.Lock()
		c.steps[rank]++
		c.mu.Unlock()
		return nil
	})
}

func TestSchedulerHooksPerRank(t *testing.T) {
	counter := &stepCounter{steps: map[int]int{}}
	s := dahlquist(2)

	sched, err := engine.NewLocalScheduler(4, engine.DefaultControllerParams(), s.factory(counter.hook))
	if err != nil {
		t.Fatalf("NewLocalScheduler() error = %v", err)
	}
	run, err := sched.Run(context.Background(), s.initial(t), 0, 1.5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for r, res := range run.Results {
		if counter.steps[r] != len(res.Blocks) {
			t.Errorf("rank %d: %d post_step events for %d blocks", r, counter.steps[r], len(res.Blocks))
		}
	}
	if counter.steps[0] != 2 || counter.steps[3] != 1 {
		t.Errorf("post_step counts = %v", counter.steps)
	}
}
