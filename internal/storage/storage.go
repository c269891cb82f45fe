// Package storage defines the persistence contract for kline ingestion and
// its backend implementations. Every backend provides idempotent upsert by
// the candle natural key (symbol, openTime, closeTime): writes to the same
// key replace the stored row, which lets the backfill path and the streaming
// path write concurrently without coordination.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

// CandleUpserter handles candle write operations.
//
// Both methods are idempotent by natural key, so a caller that cannot tell
// whether a failed batch partially applied can simply retry the whole batch.
type CandleUpserter interface {
	// UpsertOne replaces any existing row with the same natural key and
	// returns the stored value. It does not retry on failure; retry policy
	// belongs to the caller.
	UpsertOne(ctx context.Context, candle models.Candle) (*models.Candle, error)

	// UpsertBatch upserts all candles as a single logical operation where the
	// backend supports it (a transaction). Partial application is acceptable
	// on failure; the caller must treat a batch error as unknown completion.
	// Returns the number of candles written.
	UpsertBatch(ctx context.Context, candles []models.Candle) (int, error)
}

// CandleReader handles candle retrieval operations.
type CandleReader interface {
	// Query retrieves candles for a symbol within a time range with optional
	// ordering and pagination.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// CountInRange counts stored candles for a symbol whose openTime >= start
	// and closeTime <= end. Used by the gap scanner.
	CountInRange(ctx context.Context, symbol string, start, end time.Time) (int64, error)

	// LastCandle returns the most recent candle for a symbol by openTime,
	// or (nil, nil) when no candle is stored.
	LastCandle(ctx context.Context, symbol string) (*models.Candle, error)
}

// StoreManager handles storage lifecycle concerns.
type StoreManager interface {
	// Initialize prepares the backend for operation (schema, indexes).
	// Idempotent and safe to call multiple times.
	Initialize(ctx context.Context) error

	// Close gracefully shuts down the backend.
	Close() error

	// HealthCheck verifies the backend is reachable and operational.
	HealthCheck(ctx context.Context) error
}

// CandleStore combines the read and write operations used by the ingestion
// pipeline. This is the boundary the gap scanner, backfill path, and
// streaming client depend on.
type CandleStore interface {
	CandleUpserter
	CandleReader
}

// FullStorage is the complete contract a backend implements.
type FullStorage interface {
	CandleStore
	StoreManager
}

// QueryRequest defines parameters for querying stored candles.
type QueryRequest struct {
	// Symbol is the trading pair identifier (e.g., "BTCUSDT")
	Symbol string

	// Start is the earliest openTime to include (inclusive)
	Start time.Time

	// End is the latest openTime to include (exclusive)
	End time.Time

	// Limit is the maximum number of results to return (0 = no limit)
	Limit int

	// OrderBy specifies result ordering ("open_time_asc" or "open_time_desc")
	OrderBy string
}

// QueryResponse contains the results of a candle query.
type QueryResponse struct {
	// Candles contains the query results
	Candles []models.Candle

	// Total is the total number of matches before the limit was applied
	Total int
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "upsert", "query")
	Operation string

	// Symbol is the trading pair involved, when known
	Symbol string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("storage operation %s for %s failed: %v", e.Operation, e.Symbol, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, symbol string, err error) *StorageError {
	return &StorageError{Operation: operation, Symbol: symbol, Err: err}
}

// NewUpsertError creates a StorageError for upsert operations.
func NewUpsertError(symbol string, err error) *StorageError {
	return &StorageError{Operation: "upsert", Symbol: symbol, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(symbol string, err error) *StorageError {
	return &StorageError{Operation: "query", Symbol: symbol, Err: err}
}
