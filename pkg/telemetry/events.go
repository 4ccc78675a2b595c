package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Plan lifecycle event types.
const (
	EventTypePlanCreated   = "plan.created"
	EventTypePhaseStarted  = "phase.started"
	EventTypePhaseFinished = "phase.finished"
	EventTypePlanHeld      = "plan.held"
	EventTypePlanCompleted = "plan.completed"
	EventTypePlanArchived  = "plan.archived"
	EventTypePlanPaused    = "plan.paused"
	EventTypePlanResumed   = "plan.resumed"
)

// Event is one plan lifecycle transition.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	PlanID    string                 `json:"plan_id"`
	Phase     string                 `json:"phase,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSubscriber receives events in publish order.
type EventSubscriber func(Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

var errPublisherStopped = errors.New("event publisher stopped")

// EventPublisher fans plan events out to in-process subscribers. With
// EnableAsync, Publish never blocks: events go through a bounded buffer
// and are dropped with an error when it is full.
type EventPublisher struct {
	cfg    EventsConfig
	buffer chan Event
	done   chan struct{}
	stop   context.CancelFunc

	mu   sync.RWMutex
	subs []subscription
}

// NewEventPublisher returns a publisher. A disabled publisher accepts and
// discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	if ep.cfg.MaxBatchSize <= 0 {
		ep.cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep.buffer = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	ep.stop = cancel
	go ep.loop(ctx)
	return ep, nil
}

// Subscribe registers fn for events accepted by filter, or for all events
// when filter is nil.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps and delivers e. A nil publisher drops it.
func (ep *EventPublisher) Publish(e Event) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if ep.buffer == nil {
		ep.deliver(e)
		return nil
	}
	select {
	case <-ep.done:
		return errPublisherStopped
	default:
	}
	select {
	case ep.buffer <- e:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s for plan %s", e.Type, e.PlanID)
	}
}

func (ep *EventPublisher) PublishPlanCreated(planID, shard string) error {
	return ep.Publish(Event{
		Type:    EventTypePlanCreated,
		PlanID:  planID,
		Message: "plan created for shard " + shard,
		Data:    map[string]interface{}{"shard": shard},
	})
}

func (ep *EventPublisher) PublishPhaseStarted(planID, phase string) error {
	return ep.Publish(Event{Type: EventTypePhaseStarted, PlanID: planID, Phase: phase, Message: "phase started"})
}

func (ep *EventPublisher) PublishPhaseFinished(planID, phase string, took time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypePhaseFinished,
		PlanID:  planID,
		Phase:   phase,
		Message: "phase finished",
		Data:    map[string]interface{}{"seconds": took.Seconds()},
	})
}

func (ep *EventPublisher) PublishPlanHeld(planID, phase, reason string) error {
	return ep.Publish(Event{Type: EventTypePlanHeld, PlanID: planID, Phase: phase, Message: reason})
}

func (ep *EventPublisher) PublishPlanCompleted(planID string) error {
	return ep.Publish(Event{Type: EventTypePlanCompleted, PlanID: planID, Message: "plan completed"})
}

func (ep *EventPublisher) PublishPlanArchived(planID string) error {
	return ep.Publish(Event{Type: EventTypePlanArchived, PlanID: planID, Message: "plan archived"})
}

// PublishPlanPaused records a pause request. atPhase is empty for a pause
// at the next checkpoint.
func (ep *EventPublisher) PublishPlanPaused(planID, atPhase string) error {
	return ep.Publish(Event{Type: EventTypePlanPaused, PlanID: planID, Phase: atPhase, Message: "pause requested"})
}

func (ep *EventPublisher) PublishPlanResumed(planID string) error {
	return ep.Publish(Event{Type: EventTypePlanResumed, PlanID: planID, Message: "plan resumed"})
}

// loop delivers buffered events in batches of at most MaxBatchSize and
// drains the buffer once stopped.
func (ep *EventPublisher) loop(ctx context.Context) {
	defer close(ep.done)

	batch := make([]Event, 0, ep.cfg.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.buffer:
			batch = append(batch, e)
			if len(batch) >= ep.cfg.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-ep.buffer:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops the delivery goroutine after it drains the buffer.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.stop == nil {
		return nil
	}
	ep.stop()
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

func FilterByPlanID(planID string) EventFilter {
	return func(e Event) bool { return e.PlanID == planID }
}
