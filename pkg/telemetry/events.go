package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a pipeline lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// ExperimentID is the experiment the event belongs to.
	ExperimentID string `json:"experiment_id,omitempty"`

	// Step is the pipeline step, if applicable.
	Step string `json:"step,omitempty"`

	// UnitID is the run unit, if applicable.
	UnitID string `json:"unit_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeExperimentStarted   = "experiment.started"
	EventTypeExperimentCompleted = "experiment.completed"
	EventTypeStepStarted         = "step.started"
	EventTypeStepCompleted       = "step.completed"
	EventTypeStepFailed          = "step.failed"
	EventTypeUnitCompleted       = "unit.completed"
	EventTypeUnitFailed          = "unit.failed"
	EventTypeParseWarning        = "parse.warning"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers in publish order from a
// single background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closed      bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep
	}

	ep.buffer = make(chan Event, cfg.BufferSize)
	ep.wg.Add(1)
	go ep.processEvents()
	return ep
}

// Publish queues an event for delivery. It never blocks: when the buffer is
// full the event is dropped and an error is returned.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return fmt.Errorf("event publisher stopped, event %s dropped", event.Type)
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// PublishStep publishes a step lifecycle event.
func (ep *EventPublisher) PublishStep(experimentID, step, eventType string, err error) error {
	ev := Event{
		Type:         eventType,
		ExperimentID: experimentID,
		Step:         step,
		Message:      fmt.Sprintf("step %s %s", step, eventType),
	}
	if err != nil {
		ev.Level = EventLevelError
		ev.Message = err.Error()
	}
	return ep.Publish(ev)
}

// PublishUnit publishes a unit terminal event.
func (ep *EventPublisher) PublishUnit(experimentID, unitID, status, cause string) error {
	ev := Event{
		Type:         EventTypeUnitCompleted,
		ExperimentID: experimentID,
		UnitID:       unitID,
		Message:      status,
		Data:         map[string]interface{}{"status": status},
	}
	if cause != "" {
		ev.Type = EventTypeUnitFailed
		ev.Level = EventLevelWarning
		ev.Data["cause"] = cause
	}
	return ep.Publish(ev)
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until queued events are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByExperiment creates a filter that only allows events of one experiment.
func FilterByExperiment(experimentID string) EventFilter {
	return func(event Event) bool {
		return event.ExperimentID == experimentID
	}
}
