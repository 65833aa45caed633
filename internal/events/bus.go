// Package events carries engine notifications to the API websocket and
// any other interested subscriber.
package events

import (
	"sync"
	"time"
)

// EventType labels the events the engine emits.
type EventType string

const (
	EventOpportunityAccepted EventType = "OPPORTUNITY_ACCEPTED"
	EventOpportunityRejected EventType = "OPPORTUNITY_REJECTED"
	EventPlanCreated         EventType = "PLAN_CREATED"
	EventPlanEnded           EventType = "PLAN_ENDED"
	EventTradeOpened         EventType = "TRADE_OPENED"
	EventTradeClosed         EventType = "TRADE_CLOSED"
	EventRegimeChanged       EventType = "REGIME_CHANGED"
	EventProtectionRaised    EventType = "PROTECTION_RAISED"
	EventBreakerTripped      EventType = "BREAKER_TRIPPED"
	EventBreakerArmed        EventType = "BREAKER_ARMED"
	EventError               EventType = "ERROR"
)

// Event is one bus message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events. Subscribers run on their own goroutine per
// event and must not assume ordering across events.
type Subscriber func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers an event to all matching subscribers without blocking
// the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened reports a batch fill.
func (b *Bus) PublishTradeOpened(positionID, planID, symbol, side string, batch int, fillPrice, quantity float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"plan_id":     planID,
			"symbol":      symbol,
			"side":        side,
			"batch":       batch,
			"fill_price":  fillPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed reports a position close.
func (b *Bus) PublishTradeClosed(positionID, symbol, side, reason string, closePrice, pnl, pnlPercent float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"position_id":  positionID,
			"symbol":       symbol,
			"side":         side,
			"close_reason": reason,
			"close_price":  closePrice,
			"pnl":          pnl,
			"pnl_percent":  pnlPercent,
		},
	})
}

// PublishRegimeChanged reports a new regime snapshot.
func (b *Bus) PublishRegimeChanged(signal string, strength int, aggregate float64) {
	b.Publish(Event{
		Type: EventRegimeChanged,
		Data: map[string]interface{}{
			"signal":    signal,
			"strength":  strength,
			"aggregate": aggregate,
		},
	})
}

// PublishProtectionRaised reports a new or refreshed protection window.
func (b *Bus) PublishProtectionRaised(directionBanned string, expiresAt time.Time) {
	b.Publish(Event{
		Type: EventProtectionRaised,
		Data: map[string]interface{}{
			"direction_banned": directionBanned,
			"expires_at":       expiresAt,
		},
	})
}

// PublishBreakerTripped reports a circuit breaker trip.
func (b *Bus) PublishBreakerTripped(reason string) {
	b.Publish(Event{
		Type: EventBreakerTripped,
		Data: map[string]interface{}{"reason": reason},
	})
}

// PublishBreakerArmed reports the breaker returning to service.
func (b *Bus) PublishBreakerArmed() {
	b.Publish(Event{Type: EventBreakerArmed, Data: map[string]interface{}{}})
}

// PublishError reports a non-fatal engine error.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
