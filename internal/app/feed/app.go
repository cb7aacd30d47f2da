// Package feed wires the pricefeed components into a runnable service.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/internal/app/broadcast"
	"github.com/coachpo/pricefeed/internal/app/pricegen"
	"github.com/coachpo/pricefeed/internal/app/query"
	"github.com/coachpo/pricefeed/internal/domain/schema"
	"github.com/coachpo/pricefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/pricefeed/internal/infra/config"
	"github.com/coachpo/pricefeed/internal/infra/history"
	httpserver "github.com/coachpo/pricefeed/internal/infra/server/http"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

const (
	httpShutdownTimeout      = 5 * time.Second
	streamShutdownTimeout    = 5 * time.Second
	generatorShutdownTimeout = 3 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

// App owns every long-lived component of a running feed.
type App struct {
	cfg    config.AppConfig
	logger *zap.Logger

	telemetry   *telemetry.Provider
	store       *history.MemoryStore
	generator   *pricegen.Generator
	bus         *eventbus.MemoryBus
	broadcaster *broadcast.Broadcaster
	query       *query.Service
	streams     *httpserver.StreamHost
	server      *http.Server

	subscription eventbus.SubscriptionID
	streamCancel context.CancelFunc

	lifecycle conc.WaitGroup
	ready     chan struct{}

	mu   sync.Mutex
	addr net.Addr
}

// New builds every component from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}

	store, err := history.NewMemoryStore(cfg.History.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{FanoutWorkers: cfg.Eventbus.FanoutWorkers.Count()}, logger)

	generator := pricegen.NewGenerator(pricegen.Options{
		TickerCount:          cfg.Generator.TickerCount,
		UpdateInterval:       cfg.Generator.UpdateInterval,
		PriceChangeRange:     cfg.Generator.PriceChangeRange,
		InitialPriceMin:      cfg.Generator.InitialPriceMin,
		InitialPriceMax:      cfg.Generator.InitialPriceMax,
		MaxConsecutiveErrors: cfg.Generator.MaxConsecutiveErrors,
	}, pricegen.NewRegistry(), store, bus, logger)

	broadcaster := broadcast.New(broadcast.Config{
		FanoutWorkers: cfg.Broadcast.FanoutWorkers.Count(),
		SendTimeout:   cfg.Broadcast.SendTimeout,
	}, logger)

	subscription, err := bus.Subscribe(schema.EventTypePriceUpdate, broadcaster.HandleEvent)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("subscribe broadcaster: %w", err)
	}

	queries := query.NewService(generator.Registry(), store)

	streamCtx, streamCancel := context.WithCancel(context.WithoutCancel(ctx))
	streams := httpserver.NewStreamHost(streamCtx, queries.Lookup, broadcaster, httpserver.StreamOptions{
		AllowedOrigins: cfg.Server.CORSOrigins,
		WriteTimeout:   cfg.Server.StreamWriteTimeout,
		Logger:         logger,
	})

	handler := httpserver.NewHandler(queries, broadcaster, streams, httpserver.Options{
		APIPrefix:         cfg.Server.APIPrefix,
		CORSOrigins:       cfg.Server.CORSOrigins,
		RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
		Burst:             cfg.Server.RateLimit.Burst,
		Logger:            logger,
	})

	return &App{
		cfg:          cfg,
		logger:       logger,
		telemetry:    provider,
		store:        store,
		generator:    generator,
		bus:          bus,
		broadcaster:  broadcaster,
		query:        queries,
		streams:      streams,
		subscription: subscription,
		streamCancel: streamCancel,
		ready:        make(chan struct{}),
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}, nil
}

func initTelemetry(ctx context.Context, logger *zap.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.Telemetry.MetricInterval
	}
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Broadcaster exposes the subscriber registry.
func (a *App) Broadcaster() *broadcast.Broadcaster {
	return a.broadcaster
}

// Generator exposes the price generator.
func (a *App) Generator() *pricegen.Generator {
	return a.generator
}

// Ready is closed once the listener is bound.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound listener address, or nil before Ready.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run initializes instruments, starts generation and serves HTTP until ctx
// ends or the server fails, then performs a staged shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.generator.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize instruments: %w", err)
	}

	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		a.stop()
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.addr = listener.Addr()
	a.mu.Unlock()
	close(a.ready)

	// Generation outlives ctx so the shutdown sequence can stop it in order.
	if err := a.generator.Start(context.WithoutCancel(ctx)); err != nil {
		_ = listener.Close()
		a.stop()
		return fmt.Errorf("start generator: %w", err)
	}

	serveErr := make(chan error, 1)
	a.lifecycle.Go(func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})
	fields := []zap.Field{
		zap.String("addr", listener.Addr().String()),
		zap.String("api_prefix", a.cfg.Server.APIPrefix),
	}
	a.logger.Info("pricefeed started", append(fields, a.generator.Describe()...)...)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		a.logger.Error("http server failed", zap.Error(err))
	}

	a.stop()
	return runErr
}

// stop runs the staged shutdown bounded by the configured timeout.
func (a *App) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	start := time.Now()
	a.shutdown(ctx)
	a.logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(start)))
}

func (a *App) shutdown(ctx context.Context) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		a.logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			a.logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
			return
		}
		a.logger.Debug("shutdown step completed", zap.String("step", name))
	}

	step("stopping http server", httpShutdownTimeout, func(stepCtx context.Context) error {
		if err := a.server.Shutdown(stepCtx); err != nil {
			return err
		}
		return waitGroup(stepCtx, &a.lifecycle)
	})
	step("closing streams", streamShutdownTimeout, func(stepCtx context.Context) error {
		a.streamCancel()
		return a.streams.Wait(stepCtx)
	})
	step("stopping generator", generatorShutdownTimeout, a.generator.Stop)
	step("closing event bus", busShutdownTimeout, func(context.Context) error {
		a.bus.Unsubscribe(a.subscription)
		a.bus.Close()
		return nil
	})
	step("shutting down telemetry", telemetryShutdownTimeout, a.telemetry.Shutdown)
}

func waitGroup(ctx context.Context, wg *conc.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
	}
}
