// Binance REST adapter for historical kline backfill.
//
// Klines come back as 12-field JSON tuples:
//
//	[openTime, open, high, low, close, volume, closeTime, quoteVolume,
//	 trades, takerBuyBase, takerBuyQuote, ignore]
//
// Numeric quantities are decimal strings on the wire and stay strings through
// to storage. Rate limiting is handled two ways: a client-side pacer keeps us
// under the request budget, and a 429/418 response triggers a fixed-wait
// retry of the same page, bounded by a configurable attempt count.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

const (
	binanceBaseURL = "https://api.binance.com"

	klinesEndpoint = "/api/v3/klines"
	pingEndpoint   = "/api/v3/ping"

	// usedWeightHeader carries the request-weight consumed in the current window.
	usedWeightHeader = "X-MBX-Used-Weight"

	// Exchange-imposed page bound for the klines endpoint.
	maxKlinesPerRequest = 1000

	// Client-side pacing.
	defaultRequestsPerSecond = 10
	defaultBurstSize         = 1

	// Fixed wait applied when the exchange answers 429 or 418 before the same
	// page is retried.
	defaultThrottleBackoff = 2 * time.Second

	// Upper bound on consecutive throttled retries of one page.
	defaultMaxThrottleRetries = 30

	requestTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
)

// BinanceConfig tunes the adapter. Zero values fall back to the defaults above.
type BinanceConfig struct {
	BaseURL            string
	RequestsPerSecond  int
	ThrottleBackoff    time.Duration
	MaxThrottleRetries int
	Logger             *slog.Logger
}

// BinanceAdapter implements RESTAdapter against the Binance spot API.
type BinanceAdapter struct {
	httpClient         *http.Client
	rateLimiter        *rate.Limiter
	baseURL            string
	throttleBackoff    time.Duration
	maxThrottleRetries int
	logger             *slog.Logger
}

// NewBinanceAdapter creates an adapter with the provided configuration.
func NewBinanceAdapter(cfg BinanceConfig) *BinanceAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = binanceBaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = defaultThrottleBackoff
	}
	if cfg.MaxThrottleRetries <= 0 {
		cfg.MaxThrottleRetries = defaultMaxThrottleRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &BinanceAdapter{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), defaultBurstSize),
		baseURL:            cfg.BaseURL,
		throttleBackoff:    cfg.ThrottleBackoff,
		maxThrottleRetries: cfg.MaxThrottleRetries,
		logger:             cfg.Logger.With("component", "binance_rest"),
	}
}

// FetchKlines implements KlineFetcher. Pages through the klines endpoint
// advancing the window start to the last candle's closeTime until the window
// is covered. Any transport or decode failure fails the whole call; a
// throttled page is waited out and retried, never skipped.
func (b *BinanceAdapter) FetchKlines(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	limit := req.Limit
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}

	b.logger.Debug("fetching klines",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start", req.Start,
		"end", req.End)

	var all []models.Candle
	pageStart := req.Start

	for {
		page, err := b.fetchPage(ctx, req.Symbol, req.Interval, pageStart, req.End, limit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		// Page seams can repeat the boundary candle; keep output strictly
		// increasing by openTime.
		for i := range page {
			if len(all) > 0 && !page[i].OpenTime.After(all[len(all)-1].OpenTime) {
				continue
			}
			all = append(all, page[i])
		}

		// The next page would start at the candle after the last close; once
		// that lands on or past the window end the window is covered.
		last := page[len(page)-1]
		nextStart := last.CloseTime.Add(time.Millisecond)
		if !nextStart.Before(req.End) {
			break
		}
		if len(page) < limit {
			// Exchange has no further data inside the window.
			break
		}
		pageStart = last.CloseTime
	}

	b.logger.Debug("finished fetching klines", "symbol", req.Symbol, "count", len(all))
	return all, nil
}

// fetchPage requests one page, absorbing throttling responses with a fixed
// wait and bounded retry of the same page.
func (b *BinanceAdapter) fetchPage(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))

	requestURL := b.baseURL + klinesEndpoint + "?" + params.Encode()

	for attempt := 0; ; attempt++ {
		if err := b.WaitForLimit(ctx); err != nil {
			return nil, NewTransportError("request", err)
		}

		body, throttled, weight, err := b.doRequest(ctx, requestURL)
		if err != nil {
			return nil, err
		}

		if throttled {
			if attempt+1 >= b.maxThrottleRetries {
				return nil, &RateLimitError{
					WeightUsed: weight,
					Attempts:   attempt + 1,
					Err:        fmt.Errorf("throttle retries exhausted for %s", symbol),
				}
			}

			b.logger.Warn("rate limit exceeded, backing off",
				"symbol", symbol,
				"weight_used", weight,
				"backoff", b.throttleBackoff,
				"attempt", attempt+1)

			select {
			case <-time.After(b.throttleBackoff):
				continue
			case <-ctx.Done():
				return nil, NewTransportError("request", ctx.Err())
			}
		}

		return parseKlines(symbol, body)
	}
}

// doRequest performs one HTTP round trip. throttled reports a 429/418
// response; weight is the used-weight header value when present.
func (b *BinanceAdapter) doRequest(ctx context.Context, requestURL string) (body []byte, throttled bool, weight string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, false, "", NewTransportError("request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, false, "", NewTransportError("request", err)
	}
	defer resp.Body.Close()

	weight = resp.Header.Get(usedWeightHeader)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		io.Copy(io.Discard, resp.Body)
		return nil, true, weight, nil
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, weight, NewTransportError("read", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, weight, NewTransportError("request",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	return body, false, weight, nil
}

// parseKlines decodes the 12-field tuple array into candles.
func parseKlines(symbol string, body []byte) ([]models.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, NewDecodeError(body, fmt.Errorf("failed to parse klines response: %w", err))
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKlineRow(symbol, row)
		if err != nil {
			return nil, NewDecodeError(body, fmt.Errorf("kline row %d: %w", i, err))
		}
		candles = append(candles, *candle)
	}

	return candles, nil
}

func parseKlineRow(symbol string, row []json.RawMessage) (*models.Candle, error) {
	if len(row) < 7 {
		return nil, fmt.Errorf("expected at least 7 fields, got %d", len(row))
	}

	var openMS, closeMS int64
	if err := json.Unmarshal(row[0], &openMS); err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeMS); err != nil {
		return nil, fmt.Errorf("invalid close time: %w", err)
	}

	var open, high, low, closePrice, volume string
	fields := []struct {
		idx  int
		name string
		dst  *string
	}{
		{1, "open", &open},
		{2, "high", &high},
		{3, "low", &low},
		{4, "close", &closePrice},
		{5, "volume", &volume},
	}
	for _, f := range fields {
		if err := json.Unmarshal(row[f.idx], f.dst); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.name, err)
		}
	}

	candle := &models.Candle{
		Symbol:    symbol,
		OpenTime:  time.UnixMilli(openMS).UTC(),
		CloseTime: time.UnixMilli(closeMS).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}

	if err := candle.Validate(); err != nil {
		return nil, err
	}

	return candle, nil
}

// GetLimits implements RateLimitInfo.
func (b *BinanceAdapter) GetLimits() RateLimit {
	return RateLimit{
		RequestsPerSecond: int(b.rateLimiter.Limit()),
		BurstSize:         b.rateLimiter.Burst(),
	}
}

// WaitForLimit implements RateLimitInfo.
func (b *BinanceAdapter) WaitForLimit(ctx context.Context) error {
	return b.rateLimiter.Wait(ctx)
}

// HealthCheck implements HealthChecker via the unauthenticated ping endpoint.
func (b *BinanceAdapter) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, b.baseURL+pingEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	return nil
}
