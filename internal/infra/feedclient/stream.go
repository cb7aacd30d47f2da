package feedclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
)

// StatusTickerNotFound is the close code the server uses for unknown instruments.
const StatusTickerNotFound websocket.StatusCode = 4004

// StreamHandlers receives stream callbacks. Nil callbacks are skipped.
type StreamHandlers struct {
	OnConnect func()
	OnPrice   func(schema.PriceUpdateData)
	OnError   func(message string)
}

// Stream subscribes to price updates for id until ctx ends. Dropped sessions
// are redialed with exponential backoff; the attempt counter resets after every
// successful connect. Stream gives up after MaxReconnectAttempts consecutive
// failures, or immediately when the server reports the instrument unknown.
func (c *Client) Stream(ctx context.Context, id string, handlers StreamHandlers) error {
	target := c.streamURL(id)
	logger := c.logger.With(zap.String("instrument", id))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.session(ctx, target, handlers, func() {
			attempts = 0
			bo.Reset()
			logger.Info("stream connected", zap.String("url", target))
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.CloseStatus(err) == StatusTickerNotFound {
			return errs.NotFound("feedclient/stream", "Ticker", id)
		}

		attempts++
		if attempts >= c.cfg.MaxReconnectAttempts {
			return errs.New("feedclient/stream", errs.CodeUnavailable,
				errs.WithMessage("max reconnect attempts reached"),
				errs.WithField("instrument", id),
				errs.WithField("attempts", fmt.Sprint(attempts)),
				errs.WithCause(err))
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxInterval
		}
		logger.Warn("stream disconnected, reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", sleep),
			zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs a single connection until it fails or the peer closes it.
func (c *Client) session(ctx context.Context, target string, handlers StreamHandlers, connected func()) error {
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(streamReadLimit)

	connected()
	if handlers.OnConnect != nil {
		handlers.OnConnect()
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return err
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		c.dispatch(data, handlers)
	}
}

func (c *Client) dispatch(data []byte, handlers StreamHandlers) {
	var msg schema.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("undecodable stream message", zap.Error(err))
		return
	}
	switch msg.Type {
	case schema.MessageTypePriceUpdate:
		if msg.Data == nil {
			c.logger.Warn("price update without data")
			return
		}
		if handlers.OnPrice != nil {
			handlers.OnPrice(*msg.Data)
		}
	case schema.MessageTypeError:
		if handlers.OnError != nil {
			handlers.OnError(msg.Message)
		}
	default:
		c.logger.Debug("ignoring stream message", zap.String("type", string(msg.Type)))
	}
}
