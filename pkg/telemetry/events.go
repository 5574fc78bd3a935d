package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the Pyrite daemon.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// TransactionID is the associated transaction ID, if applicable.
	TransactionID string `json:"transaction_id,omitempty"`

	// Environment is the associated environment name, if applicable.
	Environment string `json:"environment,omitempty"`

	// Package is the associated package name, if applicable.
	Package string `json:"package,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeSyncStarted        = "sync.started"
	EventTypeSyncCommitted      = "sync.committed"
	EventTypeSyncRolledBack     = "sync.rolled_back"
	EventTypeSyncFailed         = "sync.failed"
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationCompleted = "operation.completed"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeEnvironmentChanged = "environment.status_changed"
	EventTypeExternalChange     = "environment.external_change"
	EventTypeConflictDetected   = "sync.conflict_detected"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishSyncStarted publishes a sync started event.
func (ep *EventPublisher) PublishSyncStarted(txID, environment string, operationCount int) error {
	return ep.Publish(Event{
		Type:          EventTypeSyncStarted,
		Source:        "transaction",
		TransactionID: txID,
		Environment:   environment,
		Message:       fmt.Sprintf("Sync %s started on environment %s (%d operations)", txID, environment, operationCount),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"operation_count": operationCount,
		},
	})
}

// PublishSyncCommitted publishes a sync committed event.
func (ep *EventPublisher) PublishSyncCommitted(txID, environment string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:          EventTypeSyncCommitted,
		Source:        "transaction",
		TransactionID: txID,
		Environment:   environment,
		Message:       fmt.Sprintf("Sync %s committed on environment %s", txID, environment),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishSyncRolledBack publishes a sync rolled back event.
func (ep *EventPublisher) PublishSyncRolledBack(txID, environment, reason string) error {
	return ep.Publish(Event{
		Type:          EventTypeSyncRolledBack,
		Source:        "transaction",
		TransactionID: txID,
		Environment:   environment,
		Message:       fmt.Sprintf("Sync %s rolled back on environment %s: %s", txID, environment, reason),
		Level:         EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishSyncFailed publishes a sync failed event.
func (ep *EventPublisher) PublishSyncFailed(txID, environment, reason string) error {
	return ep.Publish(Event{
		Type:          EventTypeSyncFailed,
		Source:        "transaction",
		TransactionID: txID,
		Environment:   environment,
		Message:       fmt.Sprintf("Sync %s failed on environment %s: %s", txID, environment, reason),
		Level:         EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishOperationCompleted publishes an operation completed event.
func (ep *EventPublisher) PublishOperationCompleted(txID, environment, pkg, kind string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:          EventTypeOperationCompleted,
		Source:        "transaction",
		TransactionID: txID,
		Environment:   environment,
		Package:       pkg,
		Message:       fmt.Sprintf("Operation %s completed for package %s", kind, pkg),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"kind":     kind,
			"duration": duration.Seconds(),
		},
	})
}

// PublishOperationFailed publishes an operation failed event.
func (ep *EventPublisher) PublishOperationFailed(txID, environment, pkg, kind, reason string) error {
	return ep.Publish(Event{
		Type:          EventTypeOperationFailed,
		Source:        "transaction",
		TransactionID: txID,
		Environment:   environment,
		Package:       pkg,
		Message:       fmt.Sprintf("Operation %s failed for package %s: %s", kind, pkg, reason),
		Level:         EventLevelError,
		Data: map[string]interface{}{
			"kind":   kind,
			"reason": reason,
		},
	})
}

// PublishEnvironmentChanged publishes an environment status change event.
func (ep *EventPublisher) PublishEnvironmentChanged(environment, oldStatus, newStatus string) error {
	return ep.Publish(Event{
		Type:        EventTypeEnvironmentChanged,
		Source:      "daemon",
		Environment: environment,
		Message:     fmt.Sprintf("Environment %s status changed from %s to %s", environment, oldStatus, newStatus),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	})
}

// PublishExternalChange publishes an external modification event.
func (ep *EventPublisher) PublishExternalChange(environment, path string) error {
	return ep.Publish(Event{
		Type:        EventTypeExternalChange,
		Source:      "watcher",
		Environment: environment,
		Message:     fmt.Sprintf("Environment %s modified outside the daemon: %s", environment, path),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"path": path,
		},
	})
}

// PublishConflictDetected publishes a conflict detected event.
func (ep *EventPublisher) PublishConflictDetected(environment, conflictType, pkg string) error {
	return ep.Publish(Event{
		Type:        EventTypeConflictDetected,
		Source:      "syncengine",
		Environment: environment,
		Package:     pkg,
		Message:     fmt.Sprintf("Conflict %s detected on package %s in environment %s", conflictType, pkg, environment),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"conflict_type": conflictType,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-time.After(ep.config.FlushInterval):
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByEnvironment creates a filter that only allows events for a specific environment.
func FilterByEnvironment(environment string) EventFilter {
	return func(event Event) bool {
		return event.Environment == environment
	}
}

// FilterByTransactionID creates a filter that only allows events for a specific transaction.
func FilterByTransactionID(txID string) EventFilter {
	return func(event Event) bool {
		return event.TransactionID == txID
	}
}
