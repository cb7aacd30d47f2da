// Package historystore defines the contract for bounded per-instrument price history.
package historystore

import (
	"context"

	"github.com/coachpo/pricefeed/internal/domain/schema"
)

// Store retains a bounded, chronologically ordered sequence of samples per instrument.
//
// Implementations allow any number of concurrent readers. A writer is exclusive
// against other writers and readers of the same instrument, and readers only
// ever observe the sequence before or after a write.
type Store interface {
	// Append inserts the sample, evicting the oldest one when the sequence is full.
	Append(ctx context.Context, sample schema.PriceSample) error
	// Read returns a copy of the sequence, truncated to the most recent limit
	// entries when limit > 0. Unknown instruments yield an empty slice.
	Read(ctx context.Context, instrumentID string, limit int) ([]schema.PriceSample, error)
	// Latest returns the newest sample, or false when none is retained.
	Latest(ctx context.Context, instrumentID string) (schema.PriceSample, bool, error)
	// Clear drops every retained sample for the instrument.
	Clear(ctx context.Context, instrumentID string) error
}
