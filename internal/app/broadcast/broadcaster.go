// Package broadcast tracks live subscriber connections per instrument and fans
// price updates out to them.
package broadcast

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

// DefaultSendTimeout bounds a single write to one connection.
const DefaultSendTimeout = 2 * time.Second

// Conn is a live duplex channel to one subscriber.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// Config tunes fan-out concurrency.
type Config struct {
	// FanoutWorkers caps concurrent sends per update; <= 0 uses GOMAXPROCS.
	FanoutWorkers int
	SendTimeout   time.Duration
}

// Broadcaster owns the instrument -> connection registry.
type Broadcaster struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]map[string]Conn

	connectionGauge metric.Int64UpDownCounter
	deliveryCounter metric.Int64Counter
	failureCounter  metric.Int64Counter
	fanoutHistogram metric.Int64Histogram
	sendDuration    metric.Float64Histogram
}

// New constructs an empty broadcaster.
func New(cfg Config, logger *zap.Logger) *Broadcaster {
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = runtime.GOMAXPROCS(0)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		cfg:    cfg,
		logger: logger.Named("broadcast"),
		conns:  make(map[string]map[string]Conn),
	}

	meter := otel.Meter("broadcast")
	b.connectionGauge, _ = meter.Int64UpDownCounter("broadcast.connections",
		metric.WithDescription("Number of registered subscriber connections"),
		metric.WithUnit("{connection}"))
	b.deliveryCounter, _ = meter.Int64Counter("broadcast.messages.delivered",
		metric.WithDescription("Number of messages written to subscribers"),
		metric.WithUnit("{message}"))
	b.failureCounter, _ = meter.Int64Counter("broadcast.delivery.failures",
		metric.WithDescription("Number of failed sends that pruned a connection"),
		metric.WithUnit("{error}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("broadcast.fanout.size",
		metric.WithDescription("Number of connections per update"),
		metric.WithUnit("{connection}"))
	b.sendDuration, _ = meter.Float64Histogram("broadcast.send.duration",
		metric.WithDescription("Duration of one fan-out"),
		metric.WithUnit("ms"))
	return b
}

// Register tags conn with instrumentID. Registering the same connection twice is a no-op.
func (b *Broadcaster) Register(conn Conn, instrumentID string) {
	if conn == nil || instrumentID == "" {
		return
	}
	b.mu.Lock()
	set, ok := b.conns[instrumentID]
	if !ok {
		set = make(map[string]Conn)
		b.conns[instrumentID] = set
	}
	_, existed := set[conn.ID()]
	set[conn.ID()] = conn
	total := b.countLocked()
	b.mu.Unlock()

	if existed {
		return
	}
	b.adjustGauge(instrumentID, 1)
	b.logger.Info("connection registered",
		zap.String("instrument", instrumentID),
		zap.String("conn", conn.ID()),
		zap.Int("total", total))
}

// Unregister removes conn from instrumentID, dropping the set once empty.
func (b *Broadcaster) Unregister(conn Conn, instrumentID string) {
	if conn == nil {
		return
	}
	if b.remove(instrumentID, conn.ID()) {
		b.logger.Info("connection unregistered",
			zap.String("instrument", instrumentID),
			zap.String("conn", conn.ID()))
	}
}

// HandleEvent adapts OnPriceUpdate to the event bus handler signature.
func (b *Broadcaster) HandleEvent(ctx context.Context, evt schema.Event) error {
	update, ok := evt.PriceUpdate()
	if !ok {
		return errs.New("broadcast/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload"),
			errs.WithField("type", fmt.Sprintf("%T", evt.Payload)))
	}
	return b.OnPriceUpdate(ctx, update)
}

// OnPriceUpdate delivers the update to every connection subscribed to its
// instrument. The registry lock is never held while sending; failed
// connections are pruned afterwards.
func (b *Broadcaster) OnPriceUpdate(ctx context.Context, evt schema.PriceUpdateEvent) error {
	b.mu.Lock()
	set := b.conns[evt.InstrumentID]
	targets := make([]Conn, 0, len(set))
	for _, conn := range set {
		targets = append(targets, conn)
	}
	b.mu.Unlock()

	attrs := metric.WithAttributes(telemetry.InstrumentAttributes(telemetry.Environment(), evt.InstrumentID)...)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(targets)), attrs)
	}
	if len(targets) == 0 {
		return nil
	}

	payload, err := json.Marshal(schema.NewPriceUpdateMessage(evt))
	if err != nil {
		return errs.New("broadcast/encode", errs.CodeInternal, errs.WithCause(err))
	}

	start := time.Now()
	failed := b.sendAll(ctx, targets, payload)
	if b.sendDuration != nil {
		b.sendDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	if b.deliveryCounter != nil {
		b.deliveryCounter.Add(ctx, int64(len(targets)-len(failed)), attrs)
	}

	for _, conn := range failed {
		if b.remove(evt.InstrumentID, conn.ID()) && b.failureCounter != nil {
			b.failureCounter.Add(ctx, 1, attrs)
		}
	}
	return nil
}

// SendError writes an error envelope to a single connection, best effort.
func (b *Broadcaster) SendError(ctx context.Context, conn Conn, message string) error {
	if conn == nil {
		return nil
	}
	payload, err := json.Marshal(schema.NewErrorMessage(message))
	if err != nil {
		return errs.New("broadcast/encode", errs.CodeInternal, errs.WithCause(err))
	}
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, payload); err != nil {
		b.logger.Debug("error message not delivered", zap.String("conn", conn.ID()), zap.Error(err))
		return errs.New("broadcast/send-error", errs.CodeDelivery,
			errs.WithField("conn", conn.ID()),
			errs.WithCause(err))
	}
	return nil
}

// ConnectionCount returns the number of registered connections across all instruments.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked()
}

// InstrumentConnectionCount returns the number of connections subscribed to instrumentID.
func (b *Broadcaster) InstrumentConnectionCount(instrumentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[instrumentID])
}

// Counts returns a snapshot of connection counts keyed by instrument.
func (b *Broadcaster) Counts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.conns))
	for id, set := range b.conns {
		out[id] = len(set)
	}
	return out
}

func (b *Broadcaster) sendAll(ctx context.Context, targets []Conn, payload []byte) []Conn {
	var mu sync.Mutex
	var failed []Conn

	workers := min(b.cfg.FanoutWorkers, len(targets))
	p := pool.New().WithMaxGoroutines(workers)
	for _, target := range targets {
		conn := target
		p.Go(func() {
			if err := b.send(ctx, conn, payload); err != nil {
				b.logger.Warn("send failed; pruning connection",
					zap.String("conn", conn.ID()),
					zap.Error(err))
				mu.Lock()
				failed = append(failed, conn)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return failed
}

func (b *Broadcaster) send(ctx context.Context, conn Conn, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()
	return conn.Send(sendCtx, payload)
}

func (b *Broadcaster) remove(instrumentID, connID string) bool {
	b.mu.Lock()
	set, ok := b.conns[instrumentID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if _, ok := set[connID]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(b.conns, instrumentID)
	}
	b.mu.Unlock()
	b.adjustGauge(instrumentID, -1)
	return true
}

func (b *Broadcaster) countLocked() int {
	total := 0
	for _, set := range b.conns {
		total += len(set)
	}
	return total
}

func (b *Broadcaster) adjustGauge(instrumentID string, delta int64) {
	if b.connectionGauge == nil {
		return
	}
	b.connectionGauge.Add(context.Background(), delta,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), instrumentID, "registered")...))
}
