package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

// MemoryStorage provides an in-memory implementation of FullStorage.
// It is safe for concurrent use and backs tests and ephemeral deployments.
type MemoryStorage struct {
	mu sync.RWMutex

	// Candle storage: map[symbol][natural key] -> Candle
	candles map[string]map[models.CandleKey]*models.Candle

	initialized bool
	closed      bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[string]map[models.CandleKey]*models.Candle),
	}
}

// UpsertOne implements CandleUpserter. An existing row with the same natural
// key is fully replaced, never merged.
func (m *MemoryStorage) UpsertOne(ctx context.Context, candle models.Candle) (*models.Candle, error) {
	if ctx.Err() != nil {
		return nil, NewUpsertError(candle.Symbol, ctx.Err())
	}
	if err := candle.Validate(); err != nil {
		return nil, NewUpsertError(candle.Symbol, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewUpsertError(candle.Symbol, errors.New("storage is closed"))
	}

	m.upsertLocked(&candle)

	stored := candle
	return &stored, nil
}

// UpsertBatch implements CandleUpserter. All candles are validated before any
// write so a validation failure leaves the store untouched.
func (m *MemoryStorage) UpsertBatch(ctx context.Context, candles []models.Candle) (int, error) {
	if ctx.Err() != nil {
		return 0, NewStorageError("upsert_batch", "", ctx.Err())
	}
	if len(candles) == 0 {
		return 0, nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewUpsertError(candles[i].Symbol, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewStorageError("upsert_batch", "", errors.New("storage is closed"))
	}

	for i := range candles {
		m.upsertLocked(&candles[i])
	}

	return len(candles), nil
}

// upsertLocked stores a copy of the candle under its natural key.
// Caller must hold the write lock.
func (m *MemoryStorage) upsertLocked(candle *models.Candle) {
	bySymbol := m.candles[candle.Symbol]
	if bySymbol == nil {
		bySymbol = make(map[models.CandleKey]*models.Candle)
		m.candles[candle.Symbol] = bySymbol
	}

	candleCopy := *candle
	bySymbol[candle.Key()] = &candleCopy
}

// Query implements CandleReader.
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError(req.Symbol, ctx.Err())
	}
	if req.Symbol == "" {
		return nil, NewQueryError("", errors.New("symbol cannot be empty"))
	}
	if !req.End.After(req.Start) {
		return nil, NewQueryError(req.Symbol, errors.New("end time must be after start time"))
	}
	if req.Limit < 0 {
		return nil, NewQueryError(req.Symbol, errors.New("limit cannot be negative"))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(req.Symbol, errors.New("storage is closed"))
	}

	var matches []models.Candle
	for _, candle := range m.candles[req.Symbol] {
		if !candle.OpenTime.Before(req.Start) && candle.OpenTime.Before(req.End) {
			matches = append(matches, *candle)
		}
	}

	switch req.OrderBy {
	case "open_time_desc":
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].OpenTime.After(matches[j].OpenTime)
		})
	default:
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].OpenTime.Before(matches[j].OpenTime)
		})
	}

	total := len(matches)
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}

	return &QueryResponse{Candles: matches, Total: total}, nil
}

// CountInRange implements CandleReader.
func (m *MemoryStorage) CountInRange(ctx context.Context, symbol string, start, end time.Time) (int64, error) {
	if ctx.Err() != nil {
		return 0, NewQueryError(symbol, ctx.Err())
	}
	if symbol == "" {
		return 0, NewQueryError("", errors.New("symbol cannot be empty"))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, NewQueryError(symbol, errors.New("storage is closed"))
	}

	var count int64
	for _, candle := range m.candles[symbol] {
		if !candle.OpenTime.Before(start) && !candle.CloseTime.After(end) {
			count++
		}
	}

	return count, nil
}

// LastCandle implements CandleReader. Returns (nil, nil) when the symbol has
// no stored candles.
func (m *MemoryStorage) LastCandle(ctx context.Context, symbol string) (*models.Candle, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError(symbol, ctx.Err())
	}
	if symbol == "" {
		return nil, NewQueryError("", errors.New("symbol cannot be empty"))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(symbol, errors.New("storage is closed"))
	}

	var latest *models.Candle
	for _, candle := range m.candles[symbol] {
		if latest == nil || candle.OpenTime.After(latest.OpenTime) {
			latest = candle
		}
	}

	if latest == nil {
		return nil, nil
	}

	result := *latest
	return &result, nil
}

// Initialize implements StoreManager.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", errors.New("storage is closed"))
	}

	m.initialized = true
	return nil
}

// Close implements StoreManager.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck implements StoreManager.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return errors.New("storage is closed")
	}
	if !m.initialized {
		return errors.New("storage is not initialized")
	}

	return nil
}
