package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").WithRank(3).WithSlot(3, 7)

	logger.Debug("sweep")

	out := buf.String()
	for _, want := range []string{`"rank":3`, `"slot":3`, `"block":7`, `"message":"sweep"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q does not contain %s", out, want)
		}
	}
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestEventPublisherSynchronousOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4, MaxBatchSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []int
	ep.Subscribe(func(event Event) {
		got = append(got, event.Block)
	}, FilterByRank(1))

	for block := 0; block < 3; block++ {
		if err := ep.PublishBlockCompleted("run", 1, block, 2, float64(block)); err != nil {
			t.Fatalf("PublishBlockCompleted() error = %v", err)
		}
		_ = ep.PublishBlockCompleted("run", 2, block, 2, float64(block))
	}

	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("delivered blocks = %v, want [0 1 2]", got)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	count := 0
	ep.Subscribe(func(event Event) { count++ }, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishStepInterrupted("run", 0, 0, i); err != nil {
			t.Fatalf("PublishStepInterrupted() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if count != 5 {
		t.Fatalf("delivered %d events, want 5", count)
	}
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.PublishRunFailed("run", "boom"); err != nil {
		t.Fatalf("Publish on disabled publisher error = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestMetricsRecordBlockCompleted(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordBlockCompleted(2, 5, 4)
	m.RecordBlockCompleted(2, 3, 4)
	m.RecordForcedTermination(2)

	if got := testutil.ToFloat64(m.blocksCompleted.WithLabelValues("2")); got != 2 {
		t.Errorf("blocks completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.forcedTerminations.WithLabelValues("2")); got != 1 {
		t.Errorf("forced terminations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.windowSize); got != 4 {
		t.Errorf("window size = %v, want 4", got)
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: false})
	m.RecordSweep(0, 1e-3)
	m.RecordError("control", "X")
	m.RankStarted()
	if m.Registry() != nil {
		t.Fatal("disabled metrics should not own a registry")
	}
}

func TestEndRunContextPublishesFailure(t *testing.T) {
	tel := NewNopTelemetry()
	tel.Config.Events.Enabled = true
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4, MaxBatchSize: 4})
	tel.Events = ep

	var types []string
	ep.Subscribe(func(event Event) { types = append(types, event.Type) }, nil)

	ctx := WithRunContext(tel.WithContext(context.Background()), "run-1", "local", 2)
	EndRunContext(ctx, "run-1", 0, errors.New("boom"))

	if len(types) != 2 || types[0] != EventTypeRunStarted || types[1] != EventTypeRunFailed {
		t.Fatalf("event types = %v", types)
	}
}
