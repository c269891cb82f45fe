// Package models provides the core data structures for kline ingestion:
// candles keyed by their natural key and the fetch ranges produced by gap
// scanning. All monetary quantities are decimal strings validated through
// shopspring/decimal; binary floating point is never used for OHLCV values.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one trading pair over one
// fixed interval. OpenTime and CloseTime carry millisecond precision and
// together with Symbol form the natural key: a later write with the same key
// replaces the stored row (exchanges revise the candle for an interval still
// in progress, so last-known-good wins).
type Candle struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	OpenTime  time.Time `json:"open_time" db:"open_time"`
	CloseTime time.Time `json:"close_time" db:"close_time"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`
	Volume    string    `json:"volume" db:"volume"`
}

// ValidationError represents a candle validation error with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs comprehensive validation on the candle data.
// It checks the natural key fields (symbol present, close time strictly after
// open time), that all price fields parse as decimals greater than zero, that
// volume is non-negative, and that the OHLC relationships hold
// (high >= max(open, close), low <= min(open, close)).
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}
	if c.CloseTime.IsZero() {
		return &ValidationError{Field: "close_time", Message: "close time cannot be zero"}
	}
	if !c.CloseTime.After(c.OpenTime) {
		return &ValidationError{Field: "close_time", Message: "close time must be after open time"}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	closePrice, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if closePrice.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, closePrice)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}
	minOpenClose := decimal.Min(open, closePrice)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// Key returns the candle's natural key. Two candles with equal keys describe
// the same interval of the same pair and the later write wins in storage.
func (c *Candle) Key() CandleKey {
	return CandleKey{
		Symbol:      c.Symbol,
		OpenTimeMS:  c.OpenTime.UnixMilli(),
		CloseTimeMS: c.CloseTime.UnixMilli(),
	}
}

// CandleKey is the comparable form of the (symbol, openTime, closeTime)
// natural key, usable as a map key.
type CandleKey struct {
	Symbol      string
	OpenTimeMS  int64
	CloseTimeMS int64
}

// OpenDecimal returns the open price as a decimal.Decimal for precise calculations.
func (c *Candle) OpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Open)
}

// HighDecimal returns the high price as a decimal.Decimal for precise calculations.
func (c *Candle) HighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.High)
}

// LowDecimal returns the low price as a decimal.Decimal for precise calculations.
func (c *Candle) LowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Low)
}

// CloseDecimal returns the close price as a decimal.Decimal for precise calculations.
func (c *Candle) CloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Close)
}

// VolumeDecimal returns the volume as a decimal.Decimal for precise calculations.
func (c *Candle) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Volume)
}

// String returns a human-readable representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Open: %s, Close: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.OpenTime.Format(time.RFC3339), c.CloseTime.Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume)
}

// NewCandle creates a validated Candle. Price and volume values are decimal
// strings as received from the exchange wire format.
func NewCandle(symbol string, openTime, closeTime time.Time, open, high, low, closePrice, volume string) (*Candle, error) {
	candle := &Candle{
		Symbol:    symbol,
		OpenTime:  openTime,
		CloseTime: closeTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}

	if err := candle.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return candle, nil
}
