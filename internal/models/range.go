package models

import (
	"fmt"
	"time"
)

// FetchRange describes a half-open window [Start, End) of candle data that is
// missing from storage for a symbol and must be backfilled from the exchange.
type FetchRange struct {
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Validate checks that the range is well formed.
func (r *FetchRange) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if r.Start.IsZero() {
		return &ValidationError{Field: "start", Message: "start time cannot be zero"}
	}
	if !r.End.After(r.Start) {
		return &ValidationError{Field: "end", Message: "end time must be after start time"}
	}
	return nil
}

// Duration returns the span of the range.
func (r *FetchRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// String returns a human-readable representation of the range.
func (r *FetchRange) String() string {
	return fmt.Sprintf("FetchRange{Symbol: %s, Start: %s, End: %s}",
		r.Symbol, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}
