package schema

import "time"

// TimestampLayout is the textual timestamp format used on every external surface.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTimestamp renders ts in UTC with microsecond precision.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(value string) (time.Time, error) {
	return time.Parse(TimestampLayout, value)
}

// InstrumentView is the external representation of an instrument.
type InstrumentView struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	CurrentPrice float64 `json:"current_price"`
	InitialPrice float64 `json:"initial_price"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// SampleView is the external representation of a history sample.
type SampleView struct {
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// HistoryView pairs an instrument with its retained samples.
type HistoryView struct {
	Ticker  InstrumentView `json:"ticker"`
	History []SampleView   `json:"history"`
}

// StatsView reports live subscriber connection counts.
type StatsView struct {
	Connections int            `json:"connections"`
	ByTicker    map[string]int `json:"by_ticker"`
}
