package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a run lifecycle notification. Rank is -1 for events of the
// launcher.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RunID     string                 `json:"run_id,omitempty"`
	Rank      int                    `json:"rank"`
	Block     int                    `json:"block,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeBlockCompleted  = "block.completed"
	EventTypeStepInterrupted = "step.interrupted"
	EventTypeWindowShrunk    = "window.shrunk"
	EventTypePolicyViolation = "policy.violation"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event is delivered.
type EventFilter func(event Event) bool

type subscription struct {
	deliver EventSubscriber
	filter  EventFilter
}

// EventPublisher fans events out to subscribers. Synchronous publishers
// deliver on the publishing goroutine; asynchronous ones batch events on a
// background goroutine and deliver them in publishing order.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	tick  chan struct{}
	stop  context.CancelFunc
	ctx   context.Context
	wg    sync.WaitGroup
}

// NewEventPublisher starts a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
		ep.config = cfg
	}

	ep.ctx, ep.stop = context.WithCancel(context.Background())
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.tick = make(chan struct{}, 1)

	ep.wg.Add(1)
	go ep.run()
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.ticker(cfg.FlushInterval)
	}
	return ep, nil
}

func (ep *EventPublisher) async() bool { return ep.queue != nil }

// Publish stamps event with an id and a time when missing and hands it to
// the subscribers. An asynchronous publisher drops the event when its
// buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.async() {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.ctx.Done():
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) launcherEvent(typ, level, runID, msg string, data map[string]interface{}) error {
	return ep.Publish(Event{Type: typ, Source: "launcher", RunID: runID, Rank: -1, Level: level, Message: msg, Data: data})
}

func (ep *EventPublisher) rankEvent(typ, level, runID string, rank, block int, msg string, data map[string]interface{}) error {
	return ep.Publish(Event{Type: typ, Source: "controller", RunID: runID, Rank: rank, Block: block, Level: level, Message: msg, Data: data})
}

// PublishRunStarted announces a run over ranks ranks.
func (ep *EventPublisher) PublishRunStarted(runID string, ranks int) error {
	return ep.launcherEvent(EventTypeRunStarted, EventLevelInfo, runID,
		fmt.Sprintf("run %s started on %d ranks", runID, ranks),
		map[string]interface{}{"ranks": ranks})
}

// PublishRunCompleted announces the end of a successful run.
func (ep *EventPublisher) PublishRunCompleted(runID string, blocks int, elapsed time.Duration) error {
	return ep.launcherEvent(EventTypeRunCompleted, EventLevelInfo, runID,
		fmt.Sprintf("run %s finished %d blocks", runID, blocks),
		map[string]interface{}{"blocks": blocks, "duration": elapsed.Seconds()})
}

// PublishRunFailed announces a failed run.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.launcherEvent(EventTypeRunFailed, EventLevelError, runID,
		fmt.Sprintf("run %s failed: %s", runID, reason),
		map[string]interface{}{"reason": reason})
}

// PublishBlockCompleted announces the end of block on rank.
func (ep *EventPublisher) PublishBlockCompleted(runID string, rank, block, iterations int, timeEnd float64) error {
	return ep.rankEvent(EventTypeBlockCompleted, EventLevelInfo, runID, rank, block,
		fmt.Sprintf("block %d done on rank %d after %d iterations (t=%g)", block, rank, iterations, timeEnd),
		map[string]interface{}{"iterations": iterations, "time_end": timeEnd})
}

// PublishStepInterrupted announces a step stopped by the iteration
// estimator.
func (ep *EventPublisher) PublishStepInterrupted(runID string, rank, block, iteration int) error {
	return ep.rankEvent(EventTypeStepInterrupted, EventLevelWarning, runID, rank, block,
		fmt.Sprintf("rank %d stopped at iteration %d by the estimator", rank, iteration),
		map[string]interface{}{"iteration": iteration})
}

// PublishWindowShrunk announces a smaller active window.
func (ep *EventPublisher) PublishWindowShrunk(runID string, rank, block, from, to int) error {
	return ep.rankEvent(EventTypeWindowShrunk, EventLevelInfo, runID, rank, block,
		fmt.Sprintf("active window shrunk from %d to %d ranks", from, to),
		map[string]interface{}{"from": from, "to": to})
}

// PublishPolicyViolation announces a run configuration rejected or flagged
// by a policy.
func (ep *EventPublisher) PublishPolicyViolation(policyName, severity, reason string) error {
	level := EventLevelWarning
	if severity == "error" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		Rank:    -1,
		Level:   level,
		Message: fmt.Sprintf("policy %s: %s", policyName, reason),
		Data:    map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// Subscribe registers fn for the events filter accepts. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{deliver: fn, filter: filter})
	ep.mu.Unlock()
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.deliver(event)
		}
	}
}

func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			if batch = append(batch, e); len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ep.tick:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) ticker(every time.Duration) {
	defer ep.wg.Done()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case ep.tick <- struct{}{}:
			default:
			}
		case <-ep.ctx.Done():
			return
		}
	}
}

// Shutdown delivers the queued events and stops the background goroutines.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.async() {
		return nil
	}
	ep.stop()

	drained := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool { return set[event.Type] }
}

// FilterByRank accepts events of one rank.
func FilterByRank(rank int) EventFilter {
	return func(event Event) bool { return event.Rank == rank }
}
