package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(MemoryConfig{FanoutWorkers: 2}, zaptest.NewLogger(t))
	t.Cleanup(bus.Close)
	return bus
}

func priceEvent(id string, price float64) schema.Event {
	return schema.NewPriceUpdate(id, price, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestNewMemoryBusDefaults(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()
	if bus.cfg.FanoutWorkers != DefaultFanoutWorkers {
		t.Fatalf("expected default fanout workers %d, got %d", DefaultFanoutWorkers, bus.cfg.FanoutWorkers)
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := newTestBus(t)
	if err := bus.Publish(context.Background(), priceEvent("ITEM_00", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPublishEmptyType(t *testing.T) {
	bus := newTestBus(t)
	err := bus.Publish(context.Background(), schema.Event{Type: "  "})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for empty event type, got %v", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	bus := newTestBus(t)
	if _, err := bus.Subscribe("", func(context.Context, schema.Event) error { return nil }); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for empty topic, got %v", err)
	}
	if _, err := bus.Subscribe(schema.EventTypePriceUpdate, nil); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for nil handler, got %v", err)
	}
}

func TestPublishDeliversToEveryHandler(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	received := make(map[string]schema.PriceUpdateEvent)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := bus.Subscribe(schema.EventTypePriceUpdate, func(_ context.Context, evt schema.Event) error {
			update, ok := evt.PriceUpdate()
			if !ok {
				return errors.New("unexpected payload")
			}
			mu.Lock()
			received[name] = update
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	if err := bus.Publish(context.Background(), priceEvent("ITEM_03", 42.5)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Publish waits for handlers, so results are visible immediately.
	if len(received) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(received))
	}
	for name, update := range received {
		if update.InstrumentID != "ITEM_03" || update.Price != 42.5 {
			t.Fatalf("handler %s got unexpected update %+v", name, update)
		}
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	bus := newTestBus(t)

	var delivered atomic.Int32
	mustSubscribe := func(h Handler) {
		if _, err := bus.Subscribe(schema.EventTypePriceUpdate, h); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	mustSubscribe(func(context.Context, schema.Event) error { return errors.New("boom") })
	mustSubscribe(func(context.Context, schema.Event) error { panic("handler exploded") })
	mustSubscribe(func(context.Context, schema.Event) error {
		delivered.Add(1)
		return nil
	})

	if err := bus.Publish(context.Background(), priceEvent("ITEM_00", 1)); err != nil {
		t.Fatalf("handler failures must not reach the publisher, got %v", err)
	}
	if delivered.Load() != 1 {
		t.Fatalf("healthy handler should still receive the event, got %d deliveries", delivered.Load())
	}
}

func TestTopicsArePartitioned(t *testing.T) {
	bus := newTestBus(t)

	var other atomic.Int32
	if _, err := bus.Subscribe("other", func(context.Context, schema.Event) error {
		other.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := bus.Publish(context.Background(), priceEvent("ITEM_00", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if other.Load() != 0 {
		t.Fatal("handler on a different topic must not be invoked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)

	var calls atomic.Int32
	id, err := bus.Subscribe(schema.EventTypePriceUpdate, func(context.Context, schema.Event) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := bus.SubscriberCount(schema.EventTypePriceUpdate); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	bus.Unsubscribe("")

	if err := bus.Publish(context.Background(), priceEvent("ITEM_00", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", calls.Load())
	}
	if got := bus.SubscriberCount(schema.EventTypePriceUpdate); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, zaptest.NewLogger(t))
	bus.Close()
	bus.Close()

	err := bus.Publish(context.Background(), priceEvent("ITEM_00", 1))
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
	if _, err := bus.Subscribe(schema.EventTypePriceUpdate, func(context.Context, schema.Event) error { return nil }); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable subscribe after close, got %v", err)
	}
}

func TestFanoutRunsHandlersConcurrently(t *testing.T) {
	bus := newTestBus(t)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for range 2 {
		if _, err := bus.Subscribe(schema.EventTypePriceUpdate, func(context.Context, schema.Event) error {
			started.Done()
			<-release
			return nil
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	published := make(chan error, 1)
	go func() {
		published <- bus.Publish(context.Background(), priceEvent("ITEM_00", 1))
	}()

	waited := make(chan struct{})
	go func() {
		started.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not run concurrently")
	}
	close(release)
	if err := <-published; err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}
