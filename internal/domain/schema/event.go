// Package schema defines the pricefeed domain entities, bus events and wire payloads.
package schema

import (
	"strings"
	"time"

	"github.com/coachpo/pricefeed/errs"
)

// EventType identifies a topic on the in-process event bus.
type EventType string

const (
	// EventTypePriceUpdate carries a PriceUpdateEvent for a single instrument.
	EventTypePriceUpdate EventType = "price_update"
)

// Normalize trims surrounding whitespace from the topic name.
func (t EventType) Normalize() EventType {
	return EventType(strings.TrimSpace(string(t)))
}

// Validate ensures the topic name is usable for subscriptions.
func (t EventType) Validate() error {
	if t.Normalize() == "" {
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	return nil
}

// Event is the envelope delivered through the event bus.
type Event struct {
	Type    EventType
	Payload any
}

// PriceUpdateEvent is the transient notification emitted once per instrument per tick.
type PriceUpdateEvent struct {
	InstrumentID string
	Price        float64
	Timestamp    time.Time
}

// NewPriceUpdate wraps a price update into a bus envelope.
func NewPriceUpdate(instrumentID string, price float64, ts time.Time) Event {
	return Event{
		Type: EventTypePriceUpdate,
		Payload: PriceUpdateEvent{
			InstrumentID: instrumentID,
			Price:        price,
			Timestamp:    ts,
		},
	}
}

// PriceUpdate extracts the price update payload from the envelope.
func (e Event) PriceUpdate() (PriceUpdateEvent, bool) {
	switch payload := e.Payload.(type) {
	case PriceUpdateEvent:
		return payload, true
	case *PriceUpdateEvent:
		if payload == nil {
			return PriceUpdateEvent{}, false
		}
		return *payload, true
	default:
		return PriceUpdateEvent{}, false
	}
}
