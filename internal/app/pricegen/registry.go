// Package pricegen owns the synthetic instrument registry and the periodic price generator.
package pricegen

import (
	"sync"
	"time"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
)

// Registry is the authoritative in-memory state of every instrument.
// Reads hand out copies; only the Generator mutates entries.
type Registry struct {
	mu          sync.RWMutex
	order       []string
	instruments map[string]schema.Instrument
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]schema.Instrument)}
}

// Instruments returns a copy of every instrument in creation order.
func (r *Registry) Instruments() []schema.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.Instrument, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.instruments[id])
	}
	return out
}

// Instrument returns a copy of the instrument with the given id.
func (r *Registry) Instrument(id string) (schema.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[id]
	return inst, ok
}

// Len reports the number of registered instruments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) add(inst schema.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instruments[inst.ID]; exists {
		return errs.New("pricegen/registry", errs.CodeConflict,
			errs.WithMessage("instrument already registered"),
			errs.WithField("id", inst.ID))
	}
	r.order = append(r.order, inst.ID)
	r.instruments[inst.ID] = inst
	return nil
}

// apply replaces the instrument's current price with next(current) in a single critical section.
func (r *Registry) apply(id string, next func(current float64) float64, ts time.Time) (schema.Instrument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instruments[id]
	if !ok {
		return schema.Instrument{}, errs.NotFound("pricegen/registry", "Ticker", id)
	}
	updated, err := inst.WithPrice(next(inst.CurrentPrice), ts)
	if err != nil {
		return schema.Instrument{}, err
	}
	r.instruments[id] = updated
	return updated, nil
}
