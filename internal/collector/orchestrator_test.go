package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/gaps"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
	"github.com/johnayoung/go-kline-ingest/internal/stream"
)

// fakeFetcher serves minute candles covering each requested range, with
// optional per-symbol failures.
type fakeFetcher struct {
	mu       sync.Mutex
	requests []exchange.FetchRequest
	failFor  map[string]error
}

func (f *fakeFetcher) FetchKlines(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if err := f.failFor[req.Symbol]; err != nil {
		return nil, err
	}

	var candles []models.Candle
	for open := req.Start; !open.Add(time.Minute).After(req.End); open = open.Add(time.Minute) {
		c, err := models.NewCandle(req.Symbol, open, open.Add(time.Minute).Add(-time.Millisecond),
			"100", "110", "90", "105", "5")
		if err != nil {
			return nil, err
		}
		candles = append(candles, *c)
	}
	return candles, nil
}

// flakyBatchStore fails the first UpsertBatch calls, then behaves normally.
type flakyBatchStore struct {
	*storage.MemoryStorage
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyBatchStore) UpsertBatch(ctx context.Context, candles []models.Candle) (int, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.New("database is locked")
	}
	return s.MemoryStorage.UpsertBatch(ctx, candles)
}

type transportRead struct {
	msg *exchange.StreamMessage
	err error
}

// scriptedTransport acks every subscribe immediately and serves pushed events.
type scriptedTransport struct {
	mu     sync.Mutex
	reads  chan transportRead
	closed bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{reads: make(chan transportRead, 16)}
}

func (s *scriptedTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) Subscribe(ctx context.Context, channels []string, id int64) error {
	s.reads <- transportRead{msg: &exchange.StreamMessage{Ack: &exchange.SubscribeAck{ID: id}}}
	return nil
}

func (s *scriptedTransport) Unsubscribe(ctx context.Context, channels []string, id int64) error {
	return nil
}

func (s *scriptedTransport) Read() (*exchange.StreamMessage, error) {
	r := <-s.reads
	return r.msg, r.err
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		select {
		case s.reads <- transportRead{err: errors.New("use of closed connection")}:
		default:
		}
	}
	return nil
}

func (s *scriptedTransport) pushCandle(c models.Candle) {
	s.reads <- transportRead{msg: &exchange.StreamMessage{Candle: &c}}
}

// stubStream records that the streaming phase started and returns a scripted
// error.
type stubStream struct {
	started chan struct{}
	result  error
}

func (s *stubStream) Run(ctx context.Context) error {
	close(s.started)
	return s.result
}

func (s *stubStream) Metrics() stream.Metrics { return stream.Metrics{} }

func newBackfillOrchestrator(t *testing.T, symbols []string, store storage.CandleStore, reader storage.CandleReader, fetcher exchange.KlineFetcher, streamRunner StreamRunner) *Orchestrator {
	t.Helper()
	scanner, err := gaps.NewScanner(reader, time.Minute, time.Time{})
	require.NoError(t, err)

	orch, err := NewOrchestrator(Config{
		Symbols:      symbols,
		IntervalName: "1m",
		Fetcher:      fetcher,
		Store:        store,
		Scanner:      scanner,
		Stream:       streamRunner,
	})
	require.NoError(t, err)
	return orch
}

func TestNewOrchestratorValidation(t *testing.T) {
	store := storage.NewMemoryStorage()
	scanner, err := gaps.NewScanner(store, time.Minute, time.Time{})
	require.NoError(t, err)
	fetcher := &fakeFetcher{}

	base := Config{
		Symbols:      []string{"BTCUSDT"},
		IntervalName: "1m",
		Fetcher:      fetcher,
		Store:        store,
		Scanner:      scanner,
	}

	_, err = NewOrchestrator(base)
	assert.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"bad interval", func(c *Config) { c.IntervalName = "7x" }},
		{"missing fetcher", func(c *Config) { c.Fetcher = nil }},
		{"missing store", func(c *Config) { c.Store = nil }},
		{"missing scanner", func(c *Config) { c.Scanner = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewOrchestrator(cfg)
			assert.Error(t, err)
		})
	}
}

func TestBackfillEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))
	fetcher := &fakeFetcher{}

	orch := newBackfillOrchestrator(t, []string{"BTCUSDT"}, store, store, fetcher, nil)

	// Five and a half minutes into the year with nothing stored: the whole
	// window back to midnight gets backfilled.
	now := time.Date(2024, 1, 1, 0, 5, 30, 0, time.UTC)
	report := orch.Backfill(ctx, now)

	require.Len(t, report.Results, 1)
	result := report.Results[0]
	require.NoError(t, result.Err)
	require.NotNil(t, result.Range)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), result.Range.Start)
	assert.Equal(t, now, result.Range.End)
	assert.Equal(t, 5, result.Fetched)
	assert.Equal(t, 5, result.Stored)
	assert.Equal(t, 5, report.TotalStored())
	assert.Empty(t, report.FailedSymbols())
	assert.NotEmpty(t, report.JobID)

	count, err := store.CountInRange(ctx, "BTCUSDT", result.Range.Start, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	last, err := store.LastCandle(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 4, 0, 0, time.UTC), last.OpenTime)
}

func TestBackfillCurrentStoreSkipsFetch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))

	open := time.Date(2024, 1, 1, 0, 4, 0, 0, time.UTC)
	c, err := models.NewCandle("BTCUSDT", open, open.Add(time.Minute).Add(-time.Millisecond),
		"100", "110", "90", "105", "5")
	require.NoError(t, err)
	_, err = store.UpsertOne(ctx, *c)
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	orch := newBackfillOrchestrator(t, []string{"BTCUSDT"}, store, store, fetcher, nil)

	report := orch.Backfill(ctx, open.Add(time.Minute).Add(30*time.Second))

	require.Len(t, report.Results, 1)
	assert.NoError(t, report.Results[0].Err)
	assert.Nil(t, report.Results[0].Range)
	assert.Empty(t, fetcher.requests, "a current store must not trigger a fetch")
}

func TestBackfillSymbolIsolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))

	fetcher := &fakeFetcher{failFor: map[string]error{
		"BADUSDT": errors.New("symbol delisted"),
	}}
	orch := newBackfillOrchestrator(t, []string{"BADUSDT", "ETHUSDT"}, store, store, fetcher, nil)

	now := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	report := orch.Backfill(ctx, now)

	require.Len(t, report.Results, 2)
	assert.Error(t, report.Results[0].Err)
	assert.NoError(t, report.Results[1].Err)
	assert.Equal(t, []string{"BADUSDT"}, report.FailedSymbols())

	// The failing symbol did not block the healthy one.
	count, err := store.CountInRange(ctx, "ETHUSDT", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestBackfillRetriesStoreWrites(t *testing.T) {
	ctx := context.Background()
	store := &flakyBatchStore{MemoryStorage: storage.NewMemoryStorage(), failures: 1}
	require.NoError(t, store.Initialize(ctx))

	fetcher := &fakeFetcher{}
	orch := newBackfillOrchestrator(t, []string{"BTCUSDT"}, store, store, fetcher, nil)

	now := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	report := orch.Backfill(ctx, now)

	require.Len(t, report.Results, 1)
	require.NoError(t, report.Results[0].Err)
	assert.Equal(t, 5, report.Results[0].Stored)
	assert.Equal(t, 2, store.calls, "failed batch write must be retried")
}

func TestRunStartsStreamingAfterBackfill(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))

	streamRunner := &stubStream{started: make(chan struct{}), result: stream.ErrReconnectExhausted}
	orch := newBackfillOrchestrator(t, []string{"BTCUSDT"}, store, store, &fakeFetcher{}, streamRunner)

	err := orch.Run(ctx)
	assert.ErrorIs(t, err, stream.ErrReconnectExhausted)

	select {
	case <-streamRunner.started:
	default:
		t.Fatal("streaming phase never started")
	}

	require.NotNil(t, orch.LastReport(), "backfill must complete before streaming")
}

// The full pipeline against one store: backfill fills the window, then a
// live event for the last backfilled candle arrives over the stream. The
// streaming dedup state starts empty, so the event is forwarded and
// overwrites the existing row instead of adding one.
func TestRunBackfillThenLiveOverlap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))

	transport := newScriptedTransport()
	client, err := stream.NewClient(stream.Config{
		Transport: transport,
		Store:     store,
		Channels:  []string{"btcusdt@kline_1m"},
	})
	require.NoError(t, err)

	windowStart := time.Now().UTC().Truncate(time.Minute).Add(-5 * time.Minute)
	scanner, err := gaps.NewScanner(store, time.Minute, windowStart)
	require.NoError(t, err)

	orch, err := NewOrchestrator(Config{
		Symbols:      []string{"BTCUSDT"},
		IntervalName: "1m",
		Fetcher:      &fakeFetcher{},
		Store:        store,
		Scanner:      scanner,
		Stream:       client,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// The scripted transport acks the subscribe as soon as Run reaches the
	// streaming phase, so Streaming also means the backfill is finished.
	require.Eventually(t, func() bool {
		return client.State() == stream.StateStreaming
	}, 2*time.Second, 10*time.Millisecond)

	last, err := store.LastCandle(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, last, "backfill stored nothing")
	backfilled, err := store.CountInRange(ctx, "BTCUSDT", windowStart, last.CloseTime)
	require.NoError(t, err)
	require.Positive(t, backfilled)

	live, err := models.NewCandle("BTCUSDT", last.OpenTime, last.CloseTime,
		"100", "112", "90", "104", "7")
	require.NoError(t, err)
	transport.pushCandle(*live)

	require.Eventually(t, func() bool {
		return client.Metrics().EventsForwarded == 1
	}, 2*time.Second, 10*time.Millisecond)

	count, err := store.CountInRange(ctx, "BTCUSDT", windowStart, last.CloseTime)
	require.NoError(t, err)
	assert.Equal(t, backfilled, count, "overlap event must overwrite, not append")

	stored, err := store.LastCandle(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, last.OpenTime.Equal(stored.OpenTime))
	assert.Equal(t, "104", stored.Close)
	assert.Equal(t, "112", stored.High)

	cancel()
	require.NoError(t, <-done)
}

func TestRunWithoutStream(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))

	orch := newBackfillOrchestrator(t, []string{"BTCUSDT"}, store, store, &fakeFetcher{}, nil)

	assert.NoError(t, orch.Run(ctx))
	assert.NotNil(t, orch.LastReport())
}
