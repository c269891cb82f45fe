package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

// DuckDBStorage implements FullStorage on an embedded DuckDB database.
// OHLCV values are stored as the decimal strings received from the exchange;
// they are never converted through binary floating point.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStorage creates a new DuckDB storage instance. dbPath may be
// ":memory:" for an in-memory database or a file path for persistence.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_storage"),
	}, nil
}

// Initialize implements StoreManager. Creates the candles table keyed by the
// natural key so that upserts replace rather than duplicate.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	query := `
	CREATE TABLE IF NOT EXISTS candles (
		symbol VARCHAR NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		close_time TIMESTAMPTZ NOT NULL,
		open VARCHAR NOT NULL,
		high VARCHAR NOT NULL,
		low VARCHAR NOT NULL,
		close VARCHAR NOT NULL,
		volume VARCHAR NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT candles_pk PRIMARY KEY (symbol, open_time, close_time),
		CONSTRAINT candles_time_order CHECK (close_time > open_time)
	)`

	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return NewStorageError("initialize", "", fmt.Errorf("failed to create candles table: %w", err))
	}

	index := `CREATE INDEX IF NOT EXISTS idx_candles_symbol_open_time ON candles (symbol, open_time)`
	if _, err := d.db.ExecContext(ctx, index); err != nil {
		return NewStorageError("initialize", "", fmt.Errorf("failed to create index: %w", err))
	}

	d.logger.Info("DuckDB storage initialized")
	return nil
}

const upsertCandleSQL = `
	INSERT INTO candles (symbol, open_time, close_time, open, high, low, close, volume, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT (symbol, open_time, close_time) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		updated_at = CURRENT_TIMESTAMP`

// UpsertOne implements CandleUpserter.
func (d *DuckDBStorage) UpsertOne(ctx context.Context, candle models.Candle) (*models.Candle, error) {
	if err := candle.Validate(); err != nil {
		return nil, NewUpsertError(candle.Symbol, err)
	}

	_, err := d.db.ExecContext(ctx, upsertCandleSQL,
		candle.Symbol, candle.OpenTime, candle.CloseTime,
		candle.Open, candle.High, candle.Low, candle.Close, candle.Volume)
	if err != nil {
		return nil, NewUpsertError(candle.Symbol, err)
	}

	stored := candle
	return &stored, nil
}

// UpsertBatch implements CandleUpserter. The batch runs inside a single
// transaction so it applies atomically on this backend.
func (d *DuckDBStorage) UpsertBatch(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewUpsertError(candles[i].Symbol, err)
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStorageError("upsert_batch", "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return 0, NewStorageError("upsert_batch", "", fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer stmt.Close()

	for i := range candles {
		c := &candles[i]
		if _, err := stmt.ExecContext(ctx, c.Symbol, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return 0, NewUpsertError(c.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewStorageError("upsert_batch", "", fmt.Errorf("failed to commit transaction: %w", err))
	}

	return len(candles), nil
}

// Query implements CandleReader.
func (d *DuckDBStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.Symbol == "" {
		return nil, NewQueryError("", errors.New("symbol cannot be empty"))
	}
	if !req.End.After(req.Start) {
		return nil, NewQueryError(req.Symbol, errors.New("end time must be after start time"))
	}

	order := "ASC"
	if req.OrderBy == "open_time_desc" {
		order = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT symbol, open_time, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time %s`, order)

	args := []any{req.Symbol, req.Start, req.End}
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(req.Symbol, err)
	}
	defer rows.Close()

	candles, err := scanCandleRows(rows)
	if err != nil {
		return nil, NewQueryError(req.Symbol, err)
	}

	total := len(candles)
	if req.Limit > 0 {
		countQuery := `SELECT COUNT(*) FROM candles WHERE symbol = ? AND open_time >= ? AND open_time < ?`
		if err := d.db.QueryRowContext(ctx, countQuery, req.Symbol, req.Start, req.End).Scan(&total); err != nil {
			return nil, NewQueryError(req.Symbol, err)
		}
	}

	return &QueryResponse{Candles: candles, Total: total}, nil
}

// CountInRange implements CandleReader.
func (d *DuckDBStorage) CountInRange(ctx context.Context, symbol string, start, end time.Time) (int64, error) {
	if symbol == "" {
		return 0, NewQueryError("", errors.New("symbol cannot be empty"))
	}

	var count int64
	query := `SELECT COUNT(*) FROM candles WHERE symbol = ? AND open_time >= ? AND close_time <= ?`
	if err := d.db.QueryRowContext(ctx, query, symbol, start, end).Scan(&count); err != nil {
		return 0, NewQueryError(symbol, err)
	}

	return count, nil
}

// LastCandle implements CandleReader.
func (d *DuckDBStorage) LastCandle(ctx context.Context, symbol string) (*models.Candle, error) {
	if symbol == "" {
		return nil, NewQueryError("", errors.New("symbol cannot be empty"))
	}

	query := `
		SELECT symbol, open_time, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ?
		ORDER BY open_time DESC
		LIMIT 1`

	var c models.Candle
	err := d.db.QueryRowContext(ctx, query, symbol).Scan(
		&c.Symbol, &c.OpenTime, &c.CloseTime,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError(symbol, err)
	}

	return &c, nil
}

// Close implements StoreManager.
func (d *DuckDBStorage) Close() error {
	return d.db.Close()
}

// HealthCheck implements StoreManager.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// scanCandleRows collects candle rows from a query result.
func scanCandleRows(rows *sql.Rows) ([]models.Candle, error) {
	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Symbol, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
