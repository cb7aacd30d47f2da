package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/pricefeed/errs"
)

// Instrument is the authoritative in-memory state of one synthetic ticker.
type Instrument struct {
	ID           string
	Name         string
	InitialPrice float64
	CurrentPrice float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InstrumentID returns the stable identifier for the instrument at index i.
func InstrumentID(i int) string {
	return fmt.Sprintf("ITEM_%02d", i)
}

// InstrumentName returns the display name for the instrument at index i.
func InstrumentName(i int) string {
	return fmt.Sprintf("Item %02d", i)
}

// NewInstrument validates and constructs an instrument whose current price equals its initial price.
func NewInstrument(id, name string, initialPrice float64, createdAt time.Time) (Instrument, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Instrument{}, errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument id required"))
	}
	if !(initialPrice > 0) {
		return Instrument{}, errs.New("schema/instrument", errs.CodeInvalid,
			errs.WithMessage("initial price must be positive"),
			errs.WithField("id", id),
			errs.WithField("price", strconv.FormatFloat(initialPrice, 'f', -1, 64)),
		)
	}
	return Instrument{
		ID:           id,
		Name:         strings.TrimSpace(name),
		InitialPrice: initialPrice,
		CurrentPrice: initialPrice,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// WithPrice returns a copy of the instrument carrying the new current price.
func (i Instrument) WithPrice(price float64, ts time.Time) (Instrument, error) {
	if !(price > 0) {
		return Instrument{}, errs.New("schema/instrument", errs.CodeInvalid,
			errs.WithMessage("price must be positive"),
			errs.WithField("id", i.ID),
			errs.WithField("price", strconv.FormatFloat(price, 'f', -1, 64)),
		)
	}
	i.CurrentPrice = price
	i.UpdatedAt = ts
	return i, nil
}
