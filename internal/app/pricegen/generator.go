package pricegen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/historystore"
	"github.com/coachpo/pricefeed/internal/domain/schema"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

// MinPrice is the floor applied to every generated price.
const MinPrice = 0.01

// Rand supplies uniform samples in [0, 1).
type Rand interface {
	Float64() float64
}

// Publisher receives one event per instrument per tick.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// Options configures the generator.
type Options struct {
	TickerCount          int
	UpdateInterval       time.Duration
	PriceChangeRange     float64
	InitialPriceMin      float64
	InitialPriceMax      float64
	MaxConsecutiveErrors int

	// Rand and Clock default to math/rand/v2 and time.Now.
	Rand  Rand
	Clock func() time.Time
}

func (o Options) normalize() Options {
	if o.TickerCount <= 0 {
		o.TickerCount = 10
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = time.Second
	}
	if o.PriceChangeRange < 0 {
		o.PriceChangeRange = 0
	}
	if o.InitialPriceMin <= 0 {
		o.InitialPriceMin = 50
	}
	if o.InitialPriceMax < o.InitialPriceMin {
		o.InitialPriceMax = o.InitialPriceMin
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 10
	}
	if o.Rand == nil {
		o.Rand = defaultRand{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Generator perturbs every instrument's price on a fixed tick, records the
// sample and publishes a price update.
type Generator struct {
	opts      Options
	registry  *Registry
	store     historystore.Store
	publisher Publisher
	logger    *zap.Logger
	rand      Rand
	clock     func() time.Time

	initialized atomic.Bool

	// mu guards cancel and done; done is non-nil while a loop is running.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	consecutiveErrors int

	tickCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
	tickDuration metric.Float64Histogram
	priceGauge   metric.Float64Gauge
}

// NewGenerator wires a generator over the registry, history store and publisher.
func NewGenerator(opts Options, registry *Registry, store historystore.Store, publisher Publisher, logger *zap.Logger) *Generator {
	opts = opts.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{
		opts:      opts,
		registry:  registry,
		store:     store,
		publisher: publisher,
		logger:    logger.Named("generator"),
		rand:      opts.Rand,
		clock:     opts.Clock,
	}

	meter := otel.Meter("generator")
	g.tickCounter, _ = meter.Int64Counter("generator.ticks",
		metric.WithDescription("Number of completed generator ticks"),
		metric.WithUnit("{tick}"))
	g.errorCounter, _ = meter.Int64Counter("generator.errors",
		metric.WithDescription("Number of per-instrument generation failures"),
		metric.WithUnit("{error}"))
	g.tickDuration, _ = meter.Float64Histogram("generator.tick.duration",
		metric.WithDescription("Duration of one generator tick"),
		metric.WithUnit("ms"))
	g.priceGauge, _ = meter.Float64Gauge("generator.price",
		metric.WithDescription("Latest generated price per instrument"),
		metric.WithUnit("1"))
	return g
}

// Registry exposes the registry the generator mutates.
func (g *Generator) Registry() *Registry {
	return g.registry
}

// Initialize creates the configured instruments with seeded prices and records
// an initial sample for each. It may only run once.
func (g *Generator) Initialize(ctx context.Context) error {
	if !g.initialized.CompareAndSwap(false, true) {
		return errs.New("pricegen/initialize", errs.CodeConflict, errs.WithMessage("instruments already initialized"))
	}
	now := g.clock()
	spread := g.opts.InitialPriceMax - g.opts.InitialPriceMin
	for i := range g.opts.TickerCount {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("initialize instruments: %w", err)
		}
		price := g.opts.InitialPriceMin + g.rand.Float64()*spread
		inst, err := schema.NewInstrument(schema.InstrumentID(i), schema.InstrumentName(i), price, now)
		if err != nil {
			return fmt.Errorf("create instrument %d: %w", i, err)
		}
		if err := g.registry.add(inst); err != nil {
			return err
		}
		sample, err := schema.NewPriceSample(inst.ID, inst.CurrentPrice, now)
		if err != nil {
			return fmt.Errorf("create initial sample %s: %w", inst.ID, err)
		}
		if err := g.store.Append(ctx, sample); err != nil {
			return fmt.Errorf("store initial sample %s: %w", inst.ID, err)
		}
	}
	g.logger.Info("instruments initialized",
		zap.Int("count", g.opts.TickerCount),
		zap.Float64("initial_min", g.opts.InitialPriceMin),
		zap.Float64("initial_max", g.opts.InitialPriceMax))
	return nil
}

// Start launches the tick loop. A second call while running is a no-op.
// The loop also ends when ctx is cancelled, after which Start may be called again.
func (g *Generator) Start(ctx context.Context) error {
	if ctx == nil {
		return errs.New("pricegen/start", errs.CodeInvalid, errs.WithMessage("generator requires context"))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != nil {
		g.logger.Info("price generator already running")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	go g.run(loopCtx, done)
	g.logger.Info("price generator started", zap.Duration("interval", g.opts.UpdateInterval))
	return nil
}

// Stop cancels the loop and waits for it to exit or for ctx to expire.
func (g *Generator) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop generator: %w", ctx.Err())
	}
	g.logger.Info("price generator stopped")
	return nil
}

// Running reports whether the tick loop is active.
func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done != nil
}

func (g *Generator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer g.release(done)
	ticker := time.NewTicker(g.opts.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

// release clears the loop state. It runs before done is closed.
func (g *Generator) release(done chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != done {
		return
	}
	g.cancel()
	g.cancel = nil
	g.done = nil
}

// tick updates every instrument once. Per-instrument failures are logged and
// the remaining instruments are still processed.
func (g *Generator) tick(ctx context.Context) {
	start := time.Now()
	now := g.clock()
	failures := 0
	for _, inst := range g.registry.Instruments() {
		if ctx.Err() != nil {
			return
		}
		if err := g.step(ctx, inst.ID, now); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			failures++
			g.recordError(ctx, inst.ID)
			g.logger.Warn("price update failed", zap.String("instrument", inst.ID), zap.Error(err))
		}
	}

	result := telemetry.ResultSuccess
	if failures > 0 {
		result = telemetry.ResultError
		g.consecutiveErrors++
		fields := []zap.Field{
			zap.Int("failed_instruments", failures),
			zap.Int("consecutive_errors", g.consecutiveErrors),
		}
		if g.consecutiveErrors >= g.opts.MaxConsecutiveErrors {
			g.logger.Error("price generator failing repeatedly", fields...)
		} else {
			g.logger.Warn("price generator tick had failures", fields...)
		}
	} else {
		g.consecutiveErrors = 0
	}

	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "generator", "tick", result)...)
	if g.tickCounter != nil {
		g.tickCounter.Add(ctx, 1, attrs)
	}
	if g.tickDuration != nil {
		g.tickDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}

func (g *Generator) step(ctx context.Context, id string, now time.Time) error {
	updated, err := g.registry.apply(id, g.nextPrice, now)
	if err != nil {
		return fmt.Errorf("update registry: %w", err)
	}
	sample, err := schema.NewPriceSample(id, updated.CurrentPrice, now)
	if err != nil {
		return fmt.Errorf("build sample: %w", err)
	}
	// The registry already holds the new price; finish the unit even if
	// the loop is being cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := g.store.Append(ctx, sample); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if g.priceGauge != nil {
		g.priceGauge.Record(ctx, updated.CurrentPrice,
			metric.WithAttributes(telemetry.InstrumentAttributes(telemetry.Environment(), id)...))
	}
	if g.publisher == nil {
		return nil
	}
	if err := g.publisher.Publish(ctx, schema.NewPriceUpdate(id, updated.CurrentPrice, now)); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// nextPrice applies a uniform delta in [-range, +range], floored at MinPrice.
func (g *Generator) nextPrice(current float64) float64 {
	r := g.opts.PriceChangeRange
	delta := -r + g.rand.Float64()*2*r
	return math.Max(MinPrice, current+delta)
}

func (g *Generator) recordError(ctx context.Context, id string) {
	if g.errorCounter == nil {
		return
	}
	attrs := telemetry.ErrorAttributes(telemetry.Environment(), "generator", "instrument_update")
	attrs = append(attrs, telemetry.AttrInstrument.String(id))
	g.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Describe returns the effective options as log fields.
func (g *Generator) Describe() []zap.Field {
	return []zap.Field{
		zap.Int("tickers", g.opts.TickerCount),
		zap.Duration("interval", g.opts.UpdateInterval),
		zap.Float64("change_range", g.opts.PriceChangeRange),
		zap.Int("max_consecutive_errors", g.opts.MaxConsecutiveErrors),
	}
}
