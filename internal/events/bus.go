// Package events is the in-process event bus feeding the operator websocket
// and the alert publisher.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderUpdate          EventType = "ORDER_UPDATE"
	EventRiskDenied           EventType = "RISK_DENIED"
	EventPositionUpdate       EventType = "POSITION_UPDATE"
	EventSliceFired           EventType = "SLICE_FIRED"
	EventModificationUpdate   EventType = "MODIFICATION_UPDATE"
	EventOrphanDetected       EventType = "ORPHAN_DETECTED"
	EventQuarantineCleared    EventType = "QUARANTINE_CLEARED"
	EventDriftCorrected       EventType = "DRIFT_CORRECTED"
	EventReconciliationRun    EventType = "RECONCILIATION_RUN"
	EventCircuitBreakerUpdate EventType = "CIRCUIT_BREAKER_UPDATE"
	EventError                EventType = "ERROR"
)

// IsAlert reports whether the event should reach the external alerting system
func (t EventType) IsAlert() bool {
	switch t {
	case EventOrphanDetected, EventDriftCorrected, EventCircuitBreakerUpdate, EventQuarantineCleared:
		return true
	}
	return false
}

// Event represents a system event
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions.
// A nil *EventBus is valid and drops every event.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers without blocking the caller
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderUpdate publishes an order status change
func (eb *EventBus) PublishOrderUpdate(clientOrderID, symbol, status, source string, filledQty int64) {
	eb.Publish(Event{
		Type: EventOrderUpdate,
		Data: map[string]any{
			"client_order_id": clientOrderID,
			"symbol":          symbol,
			"status":          status,
			"source":          source,
			"filled_qty":      filledQty,
		},
	})
}

// PublishRiskDenied publishes a gate denial
func (eb *EventBus) PublishRiskDenied(symbol, strategyID, code, reason string) {
	eb.Publish(Event{
		Type: EventRiskDenied,
		Data: map[string]any{
			"symbol":      symbol,
			"strategy_id": strategyID,
			"code":        code,
			"reason":      reason,
		},
	})
}

// PublishOrphan publishes a newly quarantined broker order
func (eb *EventBus) PublishOrphan(brokerOrderID, symbol, scope string, qty int64) {
	eb.Publish(Event{
		Type: EventOrphanDetected,
		Data: map[string]any{
			"broker_order_id":  brokerOrderID,
			"symbol":           symbol,
			"quarantine_scope": scope,
			"qty":              qty,
		},
	})
}

// PublishDrift publishes a correction made by reconciliation
func (eb *EventBus) PublishDrift(kind, key, detail string) {
	eb.Publish(Event{
		Type: EventDriftCorrected,
		Data: map[string]any{
			"kind":   kind,
			"key":    key,
			"detail": detail,
		},
	})
}

// PublishCircuitBreaker publishes a breaker transition
func (eb *EventBus) PublishCircuitBreaker(state, action, reason, actor string) {
	eb.Publish(Event{
		Type: EventCircuitBreakerUpdate,
		Data: map[string]any{
			"state":  state,
			"action": action,
			"reason": reason,
			"actor":  actor,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]any{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}
