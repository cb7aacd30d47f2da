package schema

import (
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/pricefeed/errs"
)

// PriceSample is one immutable timestamped price observation.
type PriceSample struct {
	InstrumentID string
	Value        float64
	Timestamp    time.Time
	Volume       *float64
}

// NewPriceSample validates and constructs a price sample.
func NewPriceSample(instrumentID string, value float64, ts time.Time) (PriceSample, error) {
	instrumentID = strings.TrimSpace(instrumentID)
	if instrumentID == "" {
		return PriceSample{}, errs.New("schema/sample", errs.CodeInvalid, errs.WithMessage("instrument id required"))
	}
	if !(value > 0) {
		return PriceSample{}, errs.New("schema/sample", errs.CodeInvalid,
			errs.WithMessage("sample value must be positive"),
			errs.WithField("id", instrumentID),
			errs.WithField("value", strconv.FormatFloat(value, 'f', -1, 64)),
		)
	}
	return PriceSample{InstrumentID: instrumentID, Value: value, Timestamp: ts}, nil
}

// WithVolume returns a copy of the sample carrying the given volume.
func (s PriceSample) WithVolume(volume float64) PriceSample {
	v := volume
	s.Volume = &v
	return s
}
