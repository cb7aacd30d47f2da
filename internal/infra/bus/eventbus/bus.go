// Package eventbus defines the in-process pub/sub bus that decouples price generation from delivery.
package eventbus

import (
	"context"

	"github.com/coachpo/pricefeed/internal/domain/schema"
)

// DefaultFanoutWorkers bounds handler concurrency for a single publish.
const DefaultFanoutWorkers = 4

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler consumes one event. Returned errors are logged and counted by the bus
// and never reach the publisher.
type Handler func(ctx context.Context, evt schema.Event) error

// Bus delivers events to the handlers subscribed to their topic.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(topic schema.EventType, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = DefaultFanoutWorkers
	}
	return c
}
