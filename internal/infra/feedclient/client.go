// Package feedclient consumes the pricefeed REST API and WebSocket streams.
package feedclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
)

const (
	defaultAPIPrefix            = "/api/v1"
	defaultMaxReconnectAttempts = 5
	defaultInitialInterval      = time.Second
	defaultMaxInterval          = 30 * time.Second
	defaultRequestTimeout       = 10 * time.Second
	streamReadLimit             = 1 << 16
)

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8000.
	BaseURL   string
	APIPrefix string

	HTTPClient *http.Client

	// MaxReconnectAttempts bounds consecutive failed stream sessions.
	MaxReconnectAttempts int
	InitialInterval      time.Duration
	MaxInterval          time.Duration

	Logger *zap.Logger
}

// Client talks to a single pricefeed server.
type Client struct {
	base   *url.URL
	prefix string
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errs.New("feedclient", errs.CodeInvalid, errs.WithMessage("base url required"))
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, errs.New("feedclient", errs.CodeInvalid, errs.WithMessage("invalid base url"), errs.WithCause(err))
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errs.New("feedclient", errs.CodeInvalid,
			errs.WithMessage("base url scheme must be http or https"),
			errs.WithField("url", raw))
	}
	base.Path = strings.TrimRight(base.Path, "/")

	prefix := strings.TrimSpace(cfg.APIPrefix)
	if prefix == "" {
		prefix = defaultAPIPrefix
	}
	prefix = "/" + strings.Trim(prefix, "/")

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(defaultMaxInterval, cfg.InitialInterval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		prefix: prefix,
		http:   cfg.HTTPClient,
		cfg:    cfg,
		logger: logger.Named("feedclient"),
	}, nil
}

// Health checks the server liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	if err := c.get(ctx, "/health", nil, &out); err != nil {
		return err
	}
	if out["status"] != "healthy" {
		return errs.New("feedclient/health", errs.CodeUnavailable, errs.WithMessage("server reported "+strconv.Quote(out["status"])))
	}
	return nil
}

// Tickers lists every instrument.
func (c *Client) Tickers(ctx context.Context) ([]schema.InstrumentView, error) {
	var out []schema.InstrumentView
	if err := c.get(ctx, c.prefix+"/tickers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches an instrument with up to limit recent samples (all when limit <= 0).
func (c *Client) History(ctx context.Context, id string, limit int) (schema.HistoryView, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out schema.HistoryView
	if err := c.get(ctx, c.prefix+"/tickers/"+url.PathEscape(id)+"/history", query, &out); err != nil {
		return schema.HistoryView{}, err
	}
	return out, nil
}

// Stats fetches live subscriber counts.
func (c *Client) Stats(ctx context.Context) (schema.StatsView, error) {
	var out schema.StatsView
	if err := c.get(ctx, c.prefix+"/stats", nil, &out); err != nil {
		return schema.StatsView{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New("feedclient", errs.CodeUnavailable,
			errs.WithMessage("request failed"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func responseError(path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var detail struct {
		Detail string `json:"detail"`
	}
	message := resp.Status
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != "" {
		message = detail.Detail
	}
	return errs.New("feedclient", codeForStatus(resp.StatusCode),
		errs.WithHTTP(resp.StatusCode),
		errs.WithMessage(message),
		errs.WithField("path", path))
}

func codeForStatus(status int) errs.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.CodeInvalid
	case http.StatusNotFound:
		return errs.CodeNotFound
	case http.StatusTooManyRequests:
		return errs.CodeRateLimited
	case http.StatusInternalServerError:
		return errs.CodeInternal
	default:
		return errs.CodeUnavailable
	}
}

func (c *Client) streamURL(id string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/ws/" + url.PathEscape(id)
	u.RawQuery = ""
	return u.String()
}
