// Package gaps decides whether a symbol's stored candle series has fallen
// behind "now" and, if so, which window must be backfilled. The decision is a
// pure function over the last stored candle so it can be tested against a
// stubbed store.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
)

// Scanner computes backfill ranges against a candle store.
type Scanner struct {
	store    storage.CandleReader
	interval time.Duration

	// defaultWindowStart is the fallback start when a symbol has no stored
	// candles at all.
	defaultWindowStart time.Time
}

// NewScanner creates a scanner. interval is the configured candle
// granularity. defaultWindowStart may be zero, in which case the start of
// now's UTC year is used at scan time.
func NewScanner(store storage.CandleReader, interval time.Duration, defaultWindowStart time.Time) (*Scanner, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}

	return &Scanner{
		store:              store,
		interval:           interval,
		defaultWindowStart: defaultWindowStart,
	}, nil
}

// Scan returns the range that must be backfilled for the symbol, or nil when
// the store is already current (within one interval of now).
func (s *Scanner) Scan(ctx context.Context, symbol string, now time.Time) (*models.FetchRange, error) {
	last, err := s.store.LastCandle(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read last candle for %s: %w", symbol, err)
	}

	return s.rangeFrom(symbol, last, now), nil
}

// rangeFrom is the side-effect-free core of the scan.
func (s *Scanner) rangeFrom(symbol string, last *models.Candle, now time.Time) *models.FetchRange {
	var start time.Time
	if last == nil {
		start = s.defaultWindowStart
		if start.IsZero() {
			start = time.Date(now.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		}
	} else {
		start = last.CloseTime.Add(time.Millisecond)
	}

	if now.Sub(start) <= s.interval {
		return nil
	}

	return &models.FetchRange{Symbol: symbol, Start: start, End: now}
}
