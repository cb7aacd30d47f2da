package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/internal/app/broadcast"
)

// StatusTickerNotFound closes streams opened for an unknown instrument.
const StatusTickerNotFound websocket.StatusCode = 4004

// Registrar tracks stream connections per instrument.
type Registrar interface {
	Register(conn broadcast.Conn, instrumentID string)
	Unregister(conn broadcast.Conn, instrumentID string)
}

// StreamOptions configures the WebSocket host.
type StreamOptions struct {
	// AllowedOrigins accepts CORS-style origins ("http://host:port") or "*".
	AllowedOrigins []string
	WriteTimeout   time.Duration
	Logger         *zap.Logger
}

// StreamHost upgrades /ws/{id} requests and keeps each connection registered
// until the peer goes away or the host's lifecycle context ends.
type StreamHost struct {
	lifecycle context.Context
	lookup    func(id string) bool
	registrar Registrar
	opts      StreamOptions
	patterns  []string
	logger    *zap.Logger

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewStreamHost builds a stream host. Cancelling lifecycle closes every open
// stream with StatusGoingAway.
func NewStreamHost(lifecycle context.Context, lookup func(id string) bool, registrar Registrar, opts StreamOptions) *StreamHost {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHost{
		lifecycle: lifecycle,
		lookup:    lookup,
		registrar: registrar,
		opts:      opts,
		patterns:  originPatterns(opts.AllowedOrigins),
		logger:    logger.Named("stream"),
	}
}

func (h *StreamHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instrumentID := r.PathValue("id")
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.patterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("instrument", instrumentID), zap.Error(err))
		return
	}
	if !h.lookup(instrumentID) {
		_ = c.Close(StatusTickerNotFound, "Ticker not found")
		return
	}

	h.wg.Add(1)
	h.active.Add(1)
	defer func() {
		h.active.Add(-1)
		h.wg.Done()
	}()

	conn := &wsConn{id: uuid.NewString(), c: c, writeTimeout: h.opts.WriteTimeout}
	h.registrar.Register(conn, instrumentID)
	defer h.registrar.Unregister(conn, instrumentID)

	stop := context.AfterFunc(h.lifecycle, func() {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	})
	defer stop()

	err = h.readUntilClosed(r.Context(), c)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		h.logger.Info("client disconnected", zap.String("instrument", instrumentID), zap.String("conn", conn.id))
	case errors.Is(err, context.Canceled):
		h.logger.Info("stream cancelled", zap.String("instrument", instrumentID), zap.String("conn", conn.id))
	default:
		h.logger.Warn("stream error", zap.String("instrument", instrumentID), zap.String("conn", conn.id), zap.Error(err))
	}
	_ = c.CloseNow()
}

// readUntilClosed drains inbound frames until the peer disconnects.
func (h *StreamHost) readUntilClosed(ctx context.Context, c *websocket.Conn) error {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return err
		}
	}
}

// Active reports the number of open streams.
func (h *StreamHost) Active() int {
	return int(h.active.Load())
}

// Wait blocks until every stream handler has returned or ctx expires.
func (h *StreamHost) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type wsConn struct {
	id           string
	c            *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) ID() string { return w.id }

func (w *wsConn) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	return w.c.Write(ctx, websocket.MessageText, payload)
}

// originPatterns converts CORS origins into the host patterns websocket.Accept expects.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" || !strings.Contains(origin, "://") {
			patterns = append(patterns, origin)
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
