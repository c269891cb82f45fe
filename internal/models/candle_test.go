package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCandle() Candle {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Candle{
		Symbol:    "BTCUSDT",
		OpenTime:  open,
		CloseTime: open.Add(time.Minute).Add(-time.Millisecond),
		Open:      "42000.50",
		High:      "42100.00",
		Low:       "41950.25",
		Close:     "42050.75",
		Volume:    "123.456",
	}
}

func TestCandleValidate(t *testing.T) {
	t.Run("valid candle passes", func(t *testing.T) {
		c := validCandle()
		assert.NoError(t, c.Validate())
	})

	t.Run("empty symbol fails", func(t *testing.T) {
		c := validCandle()
		c.Symbol = ""
		err := c.Validate()
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "symbol", verr.Field)
	})

	t.Run("close time not after open time fails", func(t *testing.T) {
		c := validCandle()
		c.CloseTime = c.OpenTime
		assert.Error(t, c.Validate())
	})

	t.Run("non-numeric price fails", func(t *testing.T) {
		c := validCandle()
		c.Open = "not-a-number"
		assert.Error(t, c.Validate())
	})

	t.Run("negative price fails", func(t *testing.T) {
		c := validCandle()
		c.Low = "-1"
		assert.Error(t, c.Validate())
	})

	t.Run("zero volume is allowed", func(t *testing.T) {
		c := validCandle()
		c.Volume = "0"
		// High/low bounds still hold, only volume changed.
		assert.NoError(t, c.Validate())
	})

	t.Run("high below close fails", func(t *testing.T) {
		c := validCandle()
		c.High = "42000.00"
		assert.Error(t, c.Validate())
	})

	t.Run("low above open fails", func(t *testing.T) {
		c := validCandle()
		c.Low = "42001.00"
		assert.Error(t, c.Validate())
	})
}

func TestCandleKey(t *testing.T) {
	c := validCandle()
	key := c.Key()

	assert.Equal(t, "BTCUSDT", key.Symbol)
	assert.Equal(t, c.OpenTime.UnixMilli(), key.OpenTimeMS)
	assert.Equal(t, c.CloseTime.UnixMilli(), key.CloseTimeMS)

	// Same natural key regardless of price fields.
	other := validCandle()
	other.Close = "99999.99"
	assert.Equal(t, key, other.Key())
}

func TestCandleDecimalAccessors(t *testing.T) {
	c := validCandle()

	open, err := c.OpenDecimal()
	require.NoError(t, err)
	assert.True(t, open.Equal(decimal.RequireFromString("42000.50")))

	volume, err := c.VolumeDecimal()
	require.NoError(t, err)
	assert.True(t, volume.Equal(decimal.RequireFromString("123.456")))

	// Exact string round-trip, no float drift.
	assert.Equal(t, "42000.5", open.String())
}

func TestNewCandle(t *testing.T) {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c, err := NewCandle("ETHUSDT", open, open.Add(time.Minute), "2200", "2210", "2195", "2205", "10.5")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", c.Symbol)

	_, err = NewCandle("", open, open.Add(time.Minute), "2200", "2210", "2195", "2205", "10.5")
	assert.Error(t, err)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		interval string
		want     time.Duration
		wantErr  bool
	}{
		{"1m", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"", 0, true},
		{"7x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.interval, func(t *testing.T) {
			got, err := ParseInterval(tt.interval)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchRangeValidate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r := FetchRange{Symbol: "BTCUSDT", Start: start, End: start.Add(time.Hour)}
	assert.NoError(t, r.Validate())
	assert.Equal(t, time.Hour, r.Duration())

	bad := FetchRange{Symbol: "BTCUSDT", Start: start, End: start}
	assert.Error(t, bad.Validate())
}
