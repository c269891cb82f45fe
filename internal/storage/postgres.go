package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

// PostgresConfig holds connection parameters for the Postgres backend.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// DSN builds the lib/pq connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// PostgresStorage implements FullStorage on PostgreSQL. Upserts rely on the
// natural-key primary key plus ON CONFLICT DO UPDATE, so concurrent writers
// to the same key resolve to the last writer's value atomically.
type PostgresStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStorage opens a connection pool against the configured database.
func NewPostgresStorage(cfg PostgresConfig, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open database: %w", err))
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	return &PostgresStorage{
		db:     db,
		logger: logger.With("component", "postgres_storage"),
	}, nil
}

// Initialize implements StoreManager.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	p.logger.Info("initializing Postgres storage")

	query := `
	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		close_time TIMESTAMPTZ NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, open_time, close_time),
		CHECK (close_time > open_time)
	)`

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return NewStorageError("initialize", "", fmt.Errorf("failed to create candles table: %w", err))
	}

	index := `CREATE INDEX IF NOT EXISTS idx_candles_symbol_open_time ON candles (symbol, open_time DESC)`
	if _, err := p.db.ExecContext(ctx, index); err != nil {
		return NewStorageError("initialize", "", fmt.Errorf("failed to create index: %w", err))
	}

	return nil
}

const pgUpsertCandleSQL = `
	INSERT INTO candles (symbol, open_time, close_time, open, high, low, close, volume, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (symbol, open_time, close_time) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		updated_at = now()`

// UpsertOne implements CandleUpserter.
func (p *PostgresStorage) UpsertOne(ctx context.Context, candle models.Candle) (*models.Candle, error) {
	if err := candle.Validate(); err != nil {
		return nil, NewUpsertError(candle.Symbol, err)
	}

	_, err := p.db.ExecContext(ctx, pgUpsertCandleSQL,
		candle.Symbol, candle.OpenTime, candle.CloseTime,
		candle.Open, candle.High, candle.Low, candle.Close, candle.Volume)
	if err != nil {
		return nil, NewUpsertError(candle.Symbol, err)
	}

	stored := candle
	return &stored, nil
}

// UpsertBatch implements CandleUpserter inside a single transaction.
func (p *PostgresStorage) UpsertBatch(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewUpsertError(candles[i].Symbol, err)
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStorageError("upsert_batch", "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pgUpsertCandleSQL)
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
func (p *PostgresStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
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
		WHERE symbol = $1 AND open_time >= $2 AND open_time < $3
		ORDER BY open_time %s`, order)

	args := []any{req.Symbol, req.Start, req.End}
	if req.Limit > 0 {
		query += " LIMIT $4"
		args = append(args, req.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
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
		countQuery := `SELECT COUNT(*) FROM candles WHERE symbol = $1 AND open_time >= $2 AND open_time < $3`
		if err := p.db.QueryRowContext(ctx, countQuery, req.Symbol, req.Start, req.End).Scan(&total); err != nil {
			return nil, NewQueryError(req.Symbol, err)
		}
	}

	return &QueryResponse{Candles: candles, Total: total}, nil
}

// CountInRange implements CandleReader.
func (p *PostgresStorage) CountInRange(ctx context.Context, symbol string, start, end time.Time) (int64, error) {
	if symbol == "" {
		return 0, NewQueryError("", errors.New("symbol cannot be empty"))
	}

	var count int64
	query := `SELECT COUNT(*) FROM candles WHERE symbol = $1 AND open_time >= $2 AND close_time <= $3`
	if err := p.db.QueryRowContext(ctx, query, symbol, start, end).Scan(&count); err != nil {
		return 0, NewQueryError(symbol, err)
	}

	return count, nil
}

// LastCandle implements CandleReader.
func (p *PostgresStorage) LastCandle(ctx context.Context, symbol string) (*models.Candle, error) {
	if symbol == "" {
		return nil, NewQueryError("", errors.New("symbol cannot be empty"))
	}

	query := `
		SELECT symbol, open_time, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1
		ORDER BY open_time DESC
		LIMIT 1`

	var c models.Candle
	err := p.db.QueryRowContext(ctx, query, symbol).Scan(
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
func (p *PostgresStorage) Close() error {
	return p.db.Close()
}

// HealthCheck implements StoreManager.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
