package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-memory implementation of Bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[schema.EventType]map[SubscriptionID]Handler
	closed      atomic.Bool
	nextID      atomic.Uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	handlerErrorCounter    metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig, logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := new(MemoryBus)
	bus.cfg = cfg.normalize()
	bus.logger = logger.Named("eventbus")
	bus.subscribers = make(map[schema.EventType]map[SubscriptionID]Handler)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.handlerErrorCounter, _ = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of handler failures, including recovered panics"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish runs every handler subscribed to the event's topic concurrently and
// waits for all of them. Handler failures are isolated and never returned.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := evt.Type.Validate(); err != nil {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"), errs.WithCause(err))
	}
	if b.closed.Load() {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	evt.Type = evt.Type.Normalize()

	eventType := string(evt.Type)
	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus", "publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	// Snapshot handlers so subscribe/unsubscribe never wait on delivery.
	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	handlers := make([]Handler, 0, len(subMap))
	for _, h := range subMap {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	attrs := metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), eventType)...)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(handlers)), attrs)
	}
	if len(handlers) == 0 {
		result = telemetry.ResultNoSubscribers
		return nil
	}

	b.dispatch(ctx, evt, handlers)

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, attrs)
	}
	return nil
}

// Subscribe registers handler for events published on topic.
func (b *MemoryBus) Subscribe(topic schema.EventType, handler Handler) (SubscriptionID, error) {
	if err := topic.Validate(); err != nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"), errs.WithCause(err))
	}
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if b.closed.Load() {
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	topic = topic.Normalize()
	id := SubscriptionID(fmt.Sprintf("sub-%d", b.nextID.Add(1)))

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]Handler)
	}
	b.subscribers[topic][id] = handler
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(topic))...))
	}
	b.logger.Debug("subscribed", zap.String("topic", string(topic)), zap.String("subscription", string(id)))
	return id, nil
}

// Unsubscribe removes the subscription. Unknown ids are ignored.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for topic, subs := range b.subscribers {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1,
					metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(topic))...))
			}
			return
		}
	}
	b.mu.Unlock()
}

// Close drops every subscription. Subsequent publishes fail with CodeUnavailable.
func (b *MemoryBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	for topic := range b.subscribers {
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()
	b.logger.Info("event bus closed")
}

// SubscriberCount reports the number of handlers registered for topic.
func (b *MemoryBus) SubscriberCount(topic schema.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic.Normalize()])
}

func (b *MemoryBus) dispatch(ctx context.Context, evt schema.Event, handlers []Handler) {
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, handler := range handlers {
		h := handler
		p.Go(func() {
			b.invoke(ctx, evt, h)
		})
	}
	p.Wait()
}

func (b *MemoryBus) invoke(ctx context.Context, evt schema.Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.recordHandlerFailure(ctx, evt, telemetry.ResultPanic)
			b.logger.Error("event handler panicked",
				zap.String("topic", string(evt.Type)),
				zap.Any("panic", r))
		}
	}()
	if err := handler(ctx, evt); err != nil {
		b.recordHandlerFailure(ctx, evt, telemetry.ResultError)
		b.logger.Warn("event handler failed",
			zap.String("topic", string(evt.Type)),
			zap.Error(err))
	}
}

func (b *MemoryBus) recordHandlerFailure(ctx context.Context, evt schema.Event, reason string) {
	if b.handlerErrorCounter == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type))
	attrs = append(attrs, telemetry.AttrReason.String(reason))
	b.handlerErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
