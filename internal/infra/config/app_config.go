// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP and WebSocket surface.
type ServerConfig struct {
	Addr               string          `yaml:"addr"`
	APIPrefix          string          `yaml:"apiPrefix"`
	CORSOrigins        []string        `yaml:"corsOrigins"`
	RateLimit          RateLimitConfig `yaml:"rateLimit"`
	StreamWriteTimeout time.Duration   `yaml:"streamWriteTimeout"`
	ShutdownTimeout    time.Duration   `yaml:"shutdownTimeout"`
}

// RateLimitConfig configures the global API limiter; zero requests per second disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// GeneratorConfig configures synthetic price generation.
type GeneratorConfig struct {
	TickerCount          int           `yaml:"tickerCount"`
	UpdateInterval       time.Duration `yaml:"updateInterval"`
	PriceChangeRange     float64       `yaml:"priceChangeRange"`
	InitialPriceMin      float64       `yaml:"initialPriceMin"`
	InitialPriceMax      float64       `yaml:"initialPriceMax"`
	MaxConsecutiveErrors int           `yaml:"maxConsecutiveErrors"`
}

// HistoryConfig bounds per-instrument retention.
type HistoryConfig struct {
	MaxSize int `yaml:"maxSize"`
}

// EventbusConfig sets in-memory event bus concurrency.
type EventbusConfig struct {
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

// BroadcastConfig tunes subscriber fan-out.
type BroadcastConfig struct {
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
	SendTimeout   time.Duration       `yaml:"sendTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified pricefeed configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Generator   GeneratorConfig `yaml:"generator"`
	History     HistoryConfig   `yaml:"history"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Broadcast   BroadcastConfig `yaml:"broadcast"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:               "0.0.0.0:8000",
			APIPrefix:          "/api/v1",
			CORSOrigins:        []string{"http://localhost:3000", "http://frontend:3000"},
			RateLimit:          RateLimitConfig{RequestsPerSecond: 0, Burst: 20},
			StreamWriteTimeout: 5 * time.Second,
			ShutdownTimeout:    10 * time.Second,
		},
		Generator: GeneratorConfig{
			TickerCount:          10,
			UpdateInterval:       time.Second,
			PriceChangeRange:     1.0,
			InitialPriceMin:      50,
			InitialPriceMax:      200,
			MaxConsecutiveErrors: 10,
		},
		History:  HistoryConfig{MaxSize: 1000},
		Eventbus: EventbusConfig{FanoutWorkers: FanoutWorkerSetting{kind: fanoutWorkerDefault}},
		Broadcast: BroadcastConfig{
			FanoutWorkers: FanoutWorkersAuto(),
			SendTimeout:   2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			OTLPEndpoint:   "localhost:4318",
			ServiceName:    "pricefeed",
			OTLPInsecure:   true,
			MetricInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at configPath on top of the defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Resolve loads the file (or defaults), applies environment overrides and validates the result.
func Resolve(ctx context.Context, configPath string, lookup func(string) (string, bool)) (AppConfig, error) {
	cfg, err := LoadOrDefault(ctx, configPath)
	if err != nil {
		return AppConfig{}, err
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return AppConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from PRICEFEED_* and OTEL_* variables.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	if v, ok := env.str("PRICEFEED_ENV"); ok {
		c.Environment = Environment(v)
	}
	host, hostOK := env.str("PRICEFEED_HOST")
	port, portOK := env.str("PRICEFEED_PORT")
	if hostOK || portOK {
		curHost, curPort, err := net.SplitHostPort(c.Server.Addr)
		if err != nil {
			curHost, curPort = c.Server.Addr, ""
		}
		if hostOK {
			curHost = host
		}
		if portOK {
			curPort = port
		}
		c.Server.Addr = net.JoinHostPort(curHost, curPort)
	}
	if v, ok := env.str("PRICEFEED_API_PREFIX"); ok {
		c.Server.APIPrefix = v
	}
	if v, ok := env.str("PRICEFEED_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	env.floatVar("PRICEFEED_RATE_LIMIT_RPS", &c.Server.RateLimit.RequestsPerSecond)
	env.intVar("PRICEFEED_RATE_LIMIT_BURST", &c.Server.RateLimit.Burst)

	env.intVar("PRICEFEED_TICKER_COUNT", &c.Generator.TickerCount)
	env.durationVar("PRICEFEED_PRICE_UPDATE_INTERVAL", &c.Generator.UpdateInterval)
	env.floatVar("PRICEFEED_PRICE_CHANGE_RANGE", &c.Generator.PriceChangeRange)
	env.floatVar("PRICEFEED_INITIAL_PRICE_MIN", &c.Generator.InitialPriceMin)
	env.floatVar("PRICEFEED_INITIAL_PRICE_MAX", &c.Generator.InitialPriceMax)
	env.intVar("PRICEFEED_CONSECUTIVE_ERRORS", &c.Generator.MaxConsecutiveErrors)
	env.intVar("PRICEFEED_MAX_HISTORY_SIZE", &c.History.MaxSize)

	env.boolVar("OTEL_ENABLED", &c.Telemetry.Enabled)
	if v, ok := env.str("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		c.Telemetry.OTLPEndpoint = v
	}
	if v, ok := env.str("OTEL_SERVICE_NAME"); ok {
		c.Telemetry.ServiceName = v
	}
	env.boolVar("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.OTLPInsecure)

	if v, ok := env.str("PRICEFEED_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := env.str("PRICEFEED_LOG_FORMAT"); ok {
		c.Logging.Format = v
	}

	c.normalise()
	return errors.Join(env.errs...)
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Server.APIPrefix = normalisePrefix(c.Server.APIPrefix)
	origins := make([]string, 0, len(c.Server.CORSOrigins))
	for _, origin := range c.Server.CORSOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Server.CORSOrigins = origins
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 1
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if !c.Environment.valid() {
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("server rateLimit requestsPerSecond must be >= 0")
	}
	if c.Server.StreamWriteTimeout <= 0 {
		return fmt.Errorf("server streamWriteTimeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdownTimeout must be > 0")
	}
	if c.Generator.TickerCount < 1 {
		return fmt.Errorf("generator tickerCount must be >= 1")
	}
	if c.Generator.UpdateInterval <= 0 {
		return fmt.Errorf("generator updateInterval must be > 0")
	}
	if c.Generator.PriceChangeRange < 0 {
		return fmt.Errorf("generator priceChangeRange must be >= 0")
	}
	if c.Generator.InitialPriceMin <= 0 {
		return fmt.Errorf("generator initialPriceMin must be > 0")
	}
	if c.Generator.InitialPriceMin > c.Generator.InitialPriceMax {
		return fmt.Errorf("generator initialPriceMin must be <= initialPriceMax")
	}
	if c.Generator.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("generator maxConsecutiveErrors must be >= 1")
	}
	if c.History.MaxSize < 1 {
		return fmt.Errorf("history maxSize must be >= 1")
	}
	if c.Eventbus.FanoutWorkers.Count() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be > 0")
	}
	if c.Broadcast.FanoutWorkers.Count() <= 0 {
		return fmt.Errorf("broadcast fanoutWorkers must be > 0")
	}
	if c.Broadcast.SendTimeout <= 0 {
		return fmt.Errorf("broadcast sendTimeout must be > 0")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

func normalisePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) str(key string) (string, bool) {
	if r.lookup == nil {
		return "", false
	}
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) intVar(key string, dst *int) {
	v, ok := r.str(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (r *envReader) floatVar(key string, dst *float64) {
	v, ok := r.str(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return
	}
	*dst = f
}

func (r *envReader) boolVar(key string, dst *bool) {
	v, ok := r.str(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

// durationVar accepts either a plain number of seconds ("1.5") or a Go duration ("1500ms").
func (r *envReader) durationVar(key string, dst *time.Duration) {
	v, ok := r.str(key)
	if !ok {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(f * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}
