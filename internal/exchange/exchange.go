// Package exchange defines the adapter interfaces for pulling historical
// klines and streaming live ones from an exchange, together with the error
// taxonomy shared by both paths.
//
// The interfaces are small capability interfaces: the backfill path depends
// only on KlineFetcher, the streaming driver only on StreamTransport. A new
// exchange is integrated by implementing these per exchange; the reconnect
// state machine lives in one generic driver and is never re-implemented.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

// KlineFetcher retrieves historical candles from an exchange REST API.
type KlineFetcher interface {
	// FetchKlines returns every candle in [req.Start, req.End), strictly
	// increasing by openTime, one entry per interval, paging the exchange
	// endpoint as needed. It never silently returns a partial result: any
	// transport or decode failure fails the whole call.
	FetchKlines(ctx context.Context, req FetchRequest) ([]models.Candle, error)
}

// RateLimitInfo exposes the adapter's client-side pacing configuration.
type RateLimitInfo interface {
	// GetLimits returns the rate limiting parameters the adapter enforces.
	GetLimits() RateLimit

	// WaitForLimit blocks until the pacer allows another request, or the
	// context is cancelled.
	WaitForLimit(ctx context.Context) error
}

// HealthChecker verifies exchange reachability with a lightweight call.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RESTAdapter combines the pull-path capabilities of an exchange adapter.
type RESTAdapter interface {
	KlineFetcher
	RateLimitInfo
	HealthChecker
}

// StreamTransport is the per-exchange push connection. Implementations own
// the wire protocol (dial, subscribe framing, message decoding); the generic
// streaming driver owns reconnects, deduplication, and forwarding.
type StreamTransport interface {
	// Connect opens the transport connection. Safe to call again after Close.
	Connect(ctx context.Context) error

	// Subscribe sends a subscription request for the given channels with the
	// given request id. The matching ack arrives via Read.
	Subscribe(ctx context.Context, channels []string, id int64) error

	// Unsubscribe sends an unsubscription request for the given channels.
	Unsubscribe(ctx context.Context, channels []string, id int64) error

	// Read blocks for the next inbound message and decodes it. A malformed
	// payload is reported as a *DecodeError (the connection stays usable);
	// any other error is a transport failure and the connection must be
	// considered dead.
	Read() (*StreamMessage, error)

	// Close tears down the connection. Read calls unblock with an error.
	Close() error
}

// StreamMessage is one decoded inbound message: either a subscription ack or
// a candle event. Exactly one field is non-nil.
type StreamMessage struct {
	Ack    *SubscribeAck
	Candle *models.Candle
}

// SubscribeAck confirms a subscribe/unsubscribe request by its id.
type SubscribeAck struct {
	ID int64
}

// FetchRequest specifies parameters for fetching historical klines.
type FetchRequest struct {
	// Symbol is the trading pair identifier in exchange notation (e.g., "BTCUSDT")
	Symbol string

	// Interval is the candle granularity (e.g., "1m")
	Interval string

	// Start is the beginning of the window (inclusive)
	Start time.Time

	// End is the end of the window (exclusive)
	End time.Time

	// Limit is the maximum rows per page; 0 uses the exchange maximum
	Limit int
}

// Validate checks the request parameters.
func (r *FetchRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if r.Interval == "" {
		return fmt.Errorf("interval cannot be empty")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end times cannot be zero")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end time must be after start time")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	return nil
}

// RateLimit defines client-side pacing for an exchange.
type RateLimit struct {
	RequestsPerSecond int
	BurstSize         int
}

// Error types shared by the pull and push paths.

// TransportError is a connect/read/write failure. The streaming driver
// responds with a reconnect; the backfill fetcher fails the whole call.
type TransportError struct {
	Op  string // "connect", "read", "write", "request"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError creates a TransportError for the given operation.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// RateLimitError reports that the exchange throttled us and local
// wait-and-retry was exhausted.
type RateLimitError struct {
	WeightUsed string // value of the used-weight header, when present
	Attempts   int
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited after %d attempts (weight used: %s): %v", e.Attempts, e.WeightUsed, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// DecodeError is a malformed payload. The streaming driver drops the single
// message; the backfill fetcher treats it as fatal for the call.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError creates a DecodeError carrying a snippet of the payload for
// log context.
func NewDecodeError(payload []byte, err error) *DecodeError {
	const maxSnippet = 256
	snippet := string(payload)
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}
	return &DecodeError{Payload: snippet, Err: err}
}
