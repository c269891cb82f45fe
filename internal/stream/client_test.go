package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
)

var errConnRefused = errors.New("connection refused")

type readResult struct {
	msg *exchange.StreamMessage
	err error
}

// fakeTransport scripts connect outcomes and inbound messages for the driver.
type fakeTransport struct {
	mu sync.Mutex

	connectErrs  []error // outcome per Connect call; nil past the end
	connectCalls int
	subscribeIDs []int64
	reads        chan readResult
	closed       bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan readResult, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = false
	call := f.connectCalls
	f.connectCalls++
	if call < len(f.connectErrs) {
		return f.connectErrs[call]
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, channels []string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeIDs = append(f.subscribeIDs, id)
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, channels []string, id int64) error {
	return nil
}

func (f *fakeTransport) Read() (*exchange.StreamMessage, error) {
	r := <-f.reads
	return r.msg, r.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		// Unblock a pending Read.
		select {
		case f.reads <- readResult{err: errors.New("use of closed connection")}:
		default:
		}
	}
	return nil
}

func (f *fakeTransport) pushAck(id int64) {
	f.reads <- readResult{msg: &exchange.StreamMessage{Ack: &exchange.SubscribeAck{ID: id}}}
}

func (f *fakeTransport) pushCandle(c models.Candle) {
	f.reads <- readResult{msg: &exchange.StreamMessage{Candle: &c}}
}

func (f *fakeTransport) pushError(err error) {
	f.reads <- readResult{err: err}
}

// flakyStore fails the first failures upserts, then delegates to memory.
type flakyStore struct {
	*storage.MemoryStorage
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpsertOne(ctx context.Context, candle models.Candle) (*models.Candle, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("disk full")
	}
	s.mu.Unlock()
	return s.MemoryStorage.UpsertOne(ctx, candle)
}

// recordingCache captures latest-candle publishes, optionally failing them.
type recordingCache struct {
	mu      sync.Mutex
	symbols []string
	err     error
}

func (c *recordingCache) SetLatest(ctx context.Context, candle models.Candle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.symbols = append(c.symbols, candle.Symbol)
	return nil
}

func (c *recordingCache) GetLatest(ctx context.Context, symbol string) (*models.Candle, error) {
	return nil, nil
}

func (c *recordingCache) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.symbols...)
}

func streamCandle(t *testing.T, openTime time.Time) models.Candle {
	t.Helper()
	c, err := models.NewCandle("BTCUSDT", openTime, openTime.Add(time.Minute).Add(-time.Millisecond),
		"100", "110", "90", "105", "5")
	require.NoError(t, err)
	return *c
}

func newTestClient(t *testing.T, transport exchange.StreamTransport, store storage.CandleUpserter, maxAttempts int) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Transport:            transport,
		Store:                store,
		Channels:             []string{"btcusdt@kline_1m"},
		ReconnectBase:        time.Second,
		ReconnectCap:         4 * time.Second,
		MaxReconnectAttempts: maxAttempts,
	})
	require.NoError(t, err)
	// Tests never sleep real reconnect delays.
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return client
}

func TestNewClientValidation(t *testing.T) {
	store := storage.NewMemoryStorage()
	transport := newFakeTransport()

	_, err := NewClient(Config{Store: store, Channels: []string{"x"}})
	assert.Error(t, err)

	_, err = NewClient(Config{Transport: transport, Channels: []string{"x"}})
	assert.Error(t, err)

	_, err = NewClient(Config{Transport: transport, Store: store})
	assert.Error(t, err)
}

func TestClientForwardsAndDeduplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))
	client := newTestClient(t, transport, store, 3)

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	transport.pushAck(1)
	transport.pushCandle(streamCandle(t, open))
	transport.pushCandle(streamCandle(t, open)) // in-progress re-send
	transport.pushCandle(streamCandle(t, open)) // and again
	transport.pushCandle(streamCandle(t, open.Add(time.Minute)))

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.Metrics().EventsForwarded == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateStreaming, client.State())
	assert.Equal(t, int64(2), client.Metrics().DedupSkipped)

	count, err := store.CountInRange(ctx, "BTCUSDT", open, open.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientReconnectBackoffSchedule(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErrs = []error{errConnRefused, errConnRefused, errConnRefused, errConnRefused, errConnRefused}

	client := newTestClient(t, transport, storage.NewMemoryStorage(), 4)

	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := client.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconnectExhausted)

	// base 1s, cap 4s: 1s, 2s, 4s, 4s.
	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}, delays)
}

func TestClientBackoffResetsAfterStreaming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	// Two failures, then a successful session, then a drop.
	transport.connectErrs = []error{errConnRefused, errConnRefused, nil}

	client := newTestClient(t, transport, storage.NewMemoryStorage(), 10)

	var mu sync.Mutex
	var delays []time.Duration
	client.sleep = func(sctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		n := len(delays)
		mu.Unlock()
		if n >= 3 {
			cancel()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// Third connect succeeds; ack it, then kill the connection.
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.subscribeIDs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	transport.pushAck(1)

	require.Eventually(t, func() bool {
		return client.State() == StateStreaming
	}, 2*time.Second, 5*time.Millisecond)
	transport.pushError(errors.New("connection reset"))

	assert.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 3)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	// Streaming was reached in between, so the schedule starts over.
	assert.Equal(t, time.Second, delays[2])
}

func TestClientStoreFailureKeepsDedupOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(), failures: 1}
	require.NoError(t, store.Initialize(ctx))
	client := newTestClient(t, transport, store, 3)

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	transport.pushAck(1)
	transport.pushCandle(streamCandle(t, open)) // write fails
	transport.pushCandle(streamCandle(t, open)) // same openTime, retried and stored

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.Metrics().EventsForwarded == 1
	}, 2*time.Second, 5*time.Millisecond)

	m := client.Metrics()
	assert.Equal(t, int64(1), m.StoreErrors)
	assert.Equal(t, int64(0), m.DedupSkipped, "a failed write must not count as a duplicate")

	count, err := store.CountInRange(ctx, "BTCUSDT", open, open.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	cancel()
	assert.NoError(t, <-done)
}

func TestClientDropsCandlesBeforeAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))
	client := newTestClient(t, transport, store, 3)

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	transport.pushCandle(streamCandle(t, open)) // races the ack, dropped
	transport.pushAck(1)
	transport.pushCandle(streamCandle(t, open.Add(time.Minute)))

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.Metrics().EventsForwarded == 1
	}, 2*time.Second, 5*time.Millisecond)

	count, err := store.CountInRange(ctx, "BTCUSDT", open, open.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	last, err := store.LastCandle(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, open.Add(time.Minute), last.OpenTime, "only the post-ack event is stored")

	cancel()
	assert.NoError(t, <-done)
}

func TestClientPublishesLatestToCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))
	cache := &recordingCache{}

	client, err := NewClient(Config{
		Transport:            transport,
		Store:                store,
		Cache:                cache,
		Channels:             []string{"btcusdt@kline_1m"},
		MaxReconnectAttempts: 3,
	})
	require.NoError(t, err)
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	transport.pushAck(1)
	transport.pushCandle(streamCandle(t, open))

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(cache.published()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"BTCUSDT"}, cache.published())

	cancel()
	assert.NoError(t, <-done)
}

func TestClientIgnoresCacheFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))
	cache := &recordingCache{err: errors.New("redis: connection refused")}

	client, err := NewClient(Config{
		Transport:            transport,
		Store:                store,
		Cache:                cache,
		Channels:             []string{"btcusdt@kline_1m"},
		MaxReconnectAttempts: 3,
	})
	require.NoError(t, err)
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	transport.pushAck(1)
	transport.pushCandle(streamCandle(t, open))

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// The store write stands regardless of the cache outcome.
	require.Eventually(t, func() bool {
		return client.Metrics().EventsForwarded == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, client.State())

	count, err := store.CountInRange(ctx, "BTCUSDT", open, open.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	cancel()
	assert.NoError(t, <-done)
}

func TestClientDropsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))
	client := newTestClient(t, transport, store, 3)

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	transport.pushAck(1)
	transport.pushError(exchange.NewDecodeError([]byte(`{"garbage":`), errors.New("unexpected end of JSON input")))
	transport.pushCandle(streamCandle(t, open))

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.Metrics().EventsForwarded == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), client.Metrics().MalformedDropped)
	assert.Equal(t, StateStreaming, client.State(), "a malformed message must not drop the connection")

	cancel()
	assert.NoError(t, <-done)
}
