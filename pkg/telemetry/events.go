package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeDeploymentStarted   = "deployment.started"
	EventTypeDeploymentSucceeded = "deployment.succeeded"
	EventTypeDeploymentFailed    = "deployment.failed"
	EventTypeDeploymentSkipped   = "deployment.skipped"
	EventTypePhaseCompleted      = "phase.completed"
	EventTypeTeardownCompleted   = "teardown.completed"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// Event records one step of a deployment. AppKey is the "team/app" state key.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	RunID     string         `json:"run_id,omitempty"`
	AppKey    string         `json:"app_key,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type (
	EventSubscriber func(Event)
	EventFilter     func(Event) bool
)

// Errors returned by Publish.
var (
	ErrPublisherClosed = errors.New("event publisher stopped")
	ErrBufferFull      = errors.New("event buffer full, event dropped")
)

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in subscription order. In
// async mode events queue on a bounded buffer drained by one goroutine, so
// subscribers never run concurrently with each other.
type EventPublisher struct {
	enabled bool
	async   bool

	mu     sync.RWMutex
	subs   []subscription
	closed bool

	queue chan Event
	done  chan struct{}
}

// NewEventPublisher starts the delivery goroutine when cfg.EnableAsync is set.
// A disabled publisher accepts and drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{enabled: cfg.Enabled, async: cfg.Enabled && cfg.EnableAsync}
	if !ep.async {
		return ep, nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1000
	}
	ep.queue = make(chan Event, size)
	ep.done = make(chan struct{})
	go ep.drain()
	return ep, nil
}

// Subscribe registers fn for events passing filter. A nil filter passes all.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps an ID and timestamp on e when missing and delivers it.
func (ep *EventPublisher) Publish(e Event) error {
	if ep == nil || !ep.enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if !ep.async {
		ep.deliver(e)
		return nil
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

func (ep *EventPublisher) drain() {
	defer close(ep.done)
	for e := range ep.queue {
		ep.deliver(e)
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()
	for _, s := range subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops accepting events and waits until queued ones are delivered
// or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.async {
		return nil
	}
	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.queue)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

func FilterByType(types ...string) EventFilter {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := want[e.Type]
		return ok
	}
}

func FilterByApp(appKey string) EventFilter {
	return func(e Event) bool { return e.AppKey == appKey }
}
