// Package query exposes read-only views over the instrument registry and history store.
package query

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/historystore"
	"github.com/coachpo/pricefeed/internal/domain/schema"
)

// InstrumentReader is the read side of the instrument registry.
type InstrumentReader interface {
	Instruments() []schema.Instrument
	Instrument(id string) (schema.Instrument, bool)
}

// Service answers instrument and history queries.
type Service struct {
	instruments InstrumentReader
	history     historystore.Store
}

// NewService builds a query service.
func NewService(instruments InstrumentReader, history historystore.Store) *Service {
	return &Service{instruments: instruments, history: history}
}

// ListInstruments returns every instrument in its external representation.
func (s *Service) ListInstruments() []schema.InstrumentView {
	instruments := s.instruments.Instruments()
	out := make([]schema.InstrumentView, 0, len(instruments))
	for _, inst := range instruments {
		out = append(out, instrumentView(inst))
	}
	return out
}

// Lookup reports whether id names a known instrument.
func (s *Service) Lookup(id string) bool {
	_, ok := s.instruments.Instrument(id)
	return ok
}

// GetHistory returns the instrument with its most recent limit samples (all when limit <= 0).
func (s *Service) GetHistory(ctx context.Context, id string, limit int) (schema.HistoryView, error) {
	inst, ok := s.instruments.Instrument(id)
	if !ok {
		return schema.HistoryView{}, errs.NotFound("query/history", "Ticker", id)
	}
	samples, err := s.history.Read(ctx, id, limit)
	if err != nil {
		return schema.HistoryView{}, fmt.Errorf("read history %s: %w", id, err)
	}
	points := make([]schema.SampleView, 0, len(samples))
	for _, sample := range samples {
		points = append(points, schema.SampleView{
			Value:     Round2(sample.Value),
			Timestamp: schema.FormatTimestamp(sample.Timestamp),
		})
	}
	return schema.HistoryView{Ticker: instrumentView(inst), History: points}, nil
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func instrumentView(inst schema.Instrument) schema.InstrumentView {
	return schema.InstrumentView{
		ID:           inst.ID,
		Name:         inst.Name,
		CurrentPrice: Round2(inst.CurrentPrice),
		InitialPrice: Round2(inst.InitialPrice),
		CreatedAt:    schema.FormatTimestamp(inst.CreatedAt),
		UpdatedAt:    schema.FormatTimestamp(inst.UpdatedAt),
	}
}
