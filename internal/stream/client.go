// Package stream implements the persistent streaming client: one long-lived
// push connection per exchange, a reconnect state machine with capped
// exponential backoff, and per-symbol deduplication in front of the candle
// store.
//
// The client is a generic driver over exchange.StreamTransport; everything
// exchange-specific (dialing, subscribe framing, decoding) lives behind that
// interface.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-kline-ingest/internal/cache"
	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
)

// ConnectionState is the streaming client's position in its lifecycle.
// It is rebuilt from scratch on process restart, never persisted.
type ConnectionState string

const (
	StateDisconnected     ConnectionState = "disconnected"
	StateConnecting       ConnectionState = "connecting"
	StateSubscribing      ConnectionState = "subscribing"
	StateStreaming        ConnectionState = "streaming"
	StateReconnectPending ConnectionState = "reconnect_pending"
)

// ErrReconnectExhausted reports that the client gave up reconnecting after
// the configured attempt budget. It is fatal for the client instance and must
// reach the operator rather than be retried forever: an unreachable exchange
// should be observable, not silently degrade to stale data.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

const (
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 60 * time.Second
	defaultMaxReconnects = 10
)

// Config configures a streaming client.
type Config struct {
	// Transport is the per-exchange push connection.
	Transport exchange.StreamTransport

	// Store receives every novel candle event.
	Store storage.CandleUpserter

	// Cache, when non-nil, receives a best-effort copy of each stored candle.
	Cache cache.LatestCache

	// Channels is the subscription set re-sent after every successful
	// connection. Immutable for the client's lifetime.
	Channels []string

	// ReconnectBase is the first reconnect delay; subsequent delays double.
	ReconnectBase time.Duration

	// ReconnectCap bounds the reconnect delay.
	ReconnectCap time.Duration

	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// client fails with ErrReconnectExhausted. The counter resets every time
	// the client reaches Streaming.
	MaxReconnectAttempts int

	Logger *slog.Logger
}

// Metrics is a snapshot of the client's counters.
type Metrics struct {
	EventsForwarded  int64
	DedupSkipped     int64
	MalformedDropped int64
	StoreErrors      int64
	Reconnects       int64
}

// Client drives one push connection through its reconnect state machine and
// forwards deduplicated candle events to storage.
type Client struct {
	transport exchange.StreamTransport
	store     storage.CandleUpserter
	cache     cache.LatestCache
	channels  []string
	logger    *slog.Logger

	reconnectPolicy *backoff.ExponentialBackOff
	maxAttempts     int
	attempt         int
	subID           int64

	// lastSeen maps symbol to the openTime (unix ms) of the last forwarded
	// event. Private to this client; lost on restart, which is fine because
	// storage upserts are idempotent.
	lastSeen map[string]int64

	stateMu sync.RWMutex
	state   ConnectionState

	eventsForwarded  atomic.Int64
	dedupSkipped     atomic.Int64
	malformedDropped atomic.Int64
	storeErrors      atomic.Int64
	reconnects       atomic.Int64

	// sleep is overridable in tests to observe the delay schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a streaming client. The subscription set must not be empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("subscription set cannot be empty")
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// RandomizationFactor 0 and Multiplier 2 make the i-th delay exactly
	// min(base*2^i, cap).
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.ReconnectBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = cfg.ReconnectCap
	policy.MaxElapsedTime = 0
	policy.Reset()

	channels := make([]string, len(cfg.Channels))
	copy(channels, cfg.Channels)

	return &Client{
		transport:       cfg.Transport,
		store:           cfg.Store,
		cache:           cfg.Cache,
		channels:        channels,
		logger:          cfg.Logger.With("component", "stream_client"),
		reconnectPolicy: policy,
		maxAttempts:     cfg.MaxReconnectAttempts,
		lastSeen:        make(map[string]int64),
		state:           StateDisconnected,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, nil
}

// State returns the client's current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		EventsForwarded:  c.eventsForwarded.Load(),
		DedupSkipped:     c.dedupSkipped.Load(),
		MalformedDropped: c.malformedDropped.Load(),
		StoreErrors:      c.storeErrors.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}

// Run drives the state machine until the context is cancelled (returns nil)
// or the reconnect budget is exhausted (returns ErrReconnectExhausted).
//
// Cancellation closes the transport so a blocked Read unblocks; no further
// reconnects are scheduled afterwards.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	// Unblock a pending transport.Read on shutdown.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			c.transport.Close()
		case <-watchDone:
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		if err := c.transport.Connect(ctx); err != nil {
			c.logger.Error("connect failed", "error", err)
			if werr := c.awaitReconnect(ctx); werr != nil {
				return werr
			}
			continue
		}

		c.setState(StateSubscribing)
		c.subID++
		if err := c.transport.Subscribe(ctx, c.channels, c.subID); err != nil {
			c.logger.Error("subscribe failed", "error", err)
			c.transport.Close()
			if werr := c.awaitReconnect(ctx); werr != nil {
				return werr
			}
			continue
		}

		err := c.readLoop(ctx)
		c.transport.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("stream closed", "error", err)
		if werr := c.awaitReconnect(ctx); werr != nil {
			return werr
		}
	}
}

// readLoop consumes inbound messages until the transport fails. It handles
// the Subscribing -> Streaming transition on the matching ack.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		msg, err := c.transport.Read()
		if err != nil {
			var decodeErr *exchange.DecodeError
			if errors.As(err, &decodeErr) {
				// A single bad message never takes the connection down.
				c.malformedDropped.Add(1)
				c.logger.Warn("dropping malformed message", "error", decodeErr.Err, "payload", decodeErr.Payload)
				continue
			}
			return err
		}

		switch {
		case msg.Ack != nil:
			if msg.Ack.ID == c.subID && c.State() == StateSubscribing {
				c.logger.Info("subscription acknowledged", "id", msg.Ack.ID, "channels", len(c.channels))
				c.setState(StateStreaming)
				// A completed connect/subscribe cycle resets the backoff
				// schedule for the next failure streak.
				c.attempt = 0
				c.reconnectPolicy.Reset()
			} else {
				c.logger.Debug("ignoring unexpected ack", "id", msg.Ack.ID)
			}

		case msg.Candle != nil:
			// Events may race the subscribe ack; only a Streaming client
			// forwards them.
			if c.State() != StateStreaming {
				c.logger.Debug("dropping candle before subscription ack",
					"symbol", msg.Candle.Symbol, "open_time", msg.Candle.OpenTime)
				continue
			}
			c.handleCandle(ctx, msg.Candle)
		}
	}
}

// handleCandle applies the dedup rule and forwards novel events to the store.
func (c *Client) handleCandle(ctx context.Context, candle *models.Candle) {
	openMS := candle.OpenTime.UnixMilli()

	if last, ok := c.lastSeen[candle.Symbol]; ok && last == openMS {
		// Same in-progress candle re-sent by the exchange; the store already
		// holds this openTime and a redundant write buys nothing.
		c.dedupSkipped.Add(1)
		return
	}

	if _, err := c.store.UpsertOne(ctx, *candle); err != nil {
		// lastSeen is deliberately not updated: the next tick for this
		// openTime retries the write.
		c.storeErrors.Add(1)
		c.logger.Error("failed to store candle",
			"symbol", candle.Symbol,
			"open_time", candle.OpenTime,
			"error", err)
		return
	}

	c.lastSeen[candle.Symbol] = openMS
	c.eventsForwarded.Add(1)
	c.logger.Debug("stored candle", "symbol", candle.Symbol, "open_time", candle.OpenTime)

	if c.cache != nil {
		if err := c.cache.SetLatest(ctx, *candle); err != nil {
			c.logger.Debug("failed to update latest-candle cache", "symbol", candle.Symbol, "error", err)
		}
	}
}

// awaitReconnect enters ReconnectPending and sleeps the next backoff delay.
// Returns ErrReconnectExhausted when the attempt budget is spent, nil when a
// reconnect should be tried, and nil on context cancellation (Run notices
// the cancelled context on its next iteration).
func (c *Client) awaitReconnect(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	c.setState(StateReconnectPending)
	c.attempt++
	if c.attempt > c.maxAttempts {
		return fmt.Errorf("%w: %d consecutive failures", ErrReconnectExhausted, c.attempt-1)
	}

	delay := c.reconnectPolicy.NextBackOff()
	c.reconnects.Add(1)
	c.logger.Info("scheduling reconnect", "attempt", c.attempt, "delay", delay)

	if err := c.sleep(ctx, delay); err != nil {
		return nil
	}
	return nil
}
