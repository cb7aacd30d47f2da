// Package history provides the in-memory ring-buffer history store.
package history

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/historystore"
	"github.com/coachpo/pricefeed/internal/domain/schema"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

var _ historystore.Store = (*MemoryStore)(nil)

// MemoryStore keeps one bounded ring per instrument.
//
// The store-level lock only guards the series map and is held briefly. Each
// series owns a sync.RWMutex, so a writer waiting on one instrument blocks new
// readers of that instrument until it has finished and never starves.
type MemoryStore struct {
	capacity int

	mu     sync.RWMutex
	series map[string]*series

	appendCounter   metric.Int64Counter
	evictionCounter metric.Int64Counter
}

type series struct {
	mu   sync.RWMutex
	ring *ring
}

// NewMemoryStore creates a history store retaining at most capacity samples per instrument.
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		return nil, errs.New("history/new", errs.CodeInvalid,
			errs.WithMessage("history capacity must be positive"),
			errs.WithField("capacity", strconv.Itoa(capacity)),
		)
	}
	store := new(MemoryStore)
	store.capacity = capacity
	store.series = make(map[string]*series)

	meter := otel.Meter("history")
	store.appendCounter, _ = meter.Int64Counter("history.samples.appended",
		metric.WithDescription("Number of samples appended to the history store"),
		metric.WithUnit("{sample}"))
	store.evictionCounter, _ = meter.Int64Counter("history.samples.evicted",
		metric.WithDescription("Number of samples evicted by capacity overflow"),
		metric.WithUnit("{sample}"))
	return store, nil
}

// Capacity returns the per-instrument retention limit.
func (s *MemoryStore) Capacity() int {
	return s.capacity
}

// Append inserts the sample into its instrument's ring, creating the ring on first use.
func (s *MemoryStore) Append(ctx context.Context, sample schema.PriceSample) error {
	if err := checkContext(ctx, "append"); err != nil {
		return err
	}
	if sample.InstrumentID == "" {
		return errs.New("history/append", errs.CodeInvalid, errs.WithMessage("instrument id required"))
	}

	ser := s.lookup(sample.InstrumentID)
	if ser == nil {
		s.mu.Lock()
		ser = s.series[sample.InstrumentID]
		if ser == nil {
			ser = &series{ring: newRing(s.capacity)}
			s.series[sample.InstrumentID] = ser
		}
		s.mu.Unlock()
	}

	ser.mu.Lock()
	evicted := ser.ring.push(sample)
	ser.mu.Unlock()

	attrs := metric.WithAttributes(telemetry.InstrumentAttributes(telemetry.Environment(), sample.InstrumentID)...)
	if s.appendCounter != nil {
		s.appendCounter.Add(ctx, 1, attrs)
	}
	if evicted && s.evictionCounter != nil {
		s.evictionCounter.Add(ctx, 1, attrs)
	}
	return nil
}

// Read returns the newest limit samples (all when limit <= 0) in chronological order.
func (s *MemoryStore) Read(ctx context.Context, instrumentID string, limit int) ([]schema.PriceSample, error) {
	if err := checkContext(ctx, "read"); err != nil {
		return nil, err
	}
	ser := s.lookup(instrumentID)
	if ser == nil {
		return []schema.PriceSample{}, nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	return ser.ring.tail(limit), nil
}

// Latest returns the most recent sample for the instrument.
func (s *MemoryStore) Latest(ctx context.Context, instrumentID string) (schema.PriceSample, bool, error) {
	if err := checkContext(ctx, "latest"); err != nil {
		return schema.PriceSample{}, false, err
	}
	ser := s.lookup(instrumentID)
	if ser == nil {
		return schema.PriceSample{}, false, nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	sample, ok := ser.ring.last()
	return sample, ok, nil
}

// Clear empties the instrument's sequence. The ring itself is kept for reuse.
func (s *MemoryStore) Clear(ctx context.Context, instrumentID string) error {
	if err := checkContext(ctx, "clear"); err != nil {
		return err
	}
	ser := s.lookup(instrumentID)
	if ser == nil {
		return nil
	}
	ser.mu.Lock()
	ser.ring.reset()
	ser.mu.Unlock()
	return nil
}

// Len reports how many samples are retained for the instrument.
func (s *MemoryStore) Len(instrumentID string) int {
	ser := s.lookup(instrumentID)
	if ser == nil {
		return 0
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	return ser.ring.len()
}

func (s *MemoryStore) lookup(instrumentID string) *series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[instrumentID]
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("history %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
