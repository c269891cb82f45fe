// Package collector coordinates the ingestion pipeline: a historical
// backfill pass over every configured symbol followed by the long-lived
// streaming phase. Backfill and streaming never race for ordering because
// storage writes are idempotent upserts keyed by (symbol, openTime,
// closeTime).
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
	"github.com/johnayoung/go-kline-ingest/internal/stream"
)

// RangeScanner decides which historical range, if any, a symbol is missing.
type RangeScanner interface {
	Scan(ctx context.Context, symbol string, now time.Time) (*models.FetchRange, error)
}

// StreamRunner is the long-lived streaming phase started after backfill.
type StreamRunner interface {
	Run(ctx context.Context) error
	Metrics() stream.Metrics
}

const (
	defaultStoreRetries = 3
	defaultStoreBackoff = 500 * time.Millisecond
)

// Config configures the ingestion orchestrator.
type Config struct {
	// Symbols is the set of trading pairs to ingest.
	Symbols []string

	// IntervalName is the candle interval in exchange notation, e.g. "1m".
	IntervalName string

	Fetcher exchange.KlineFetcher
	Store   storage.CandleStore
	Scanner RangeScanner

	// Stream, when non-nil, is started once the backfill pass completes.
	Stream StreamRunner

	// StoreRetries bounds retries of a failed batch write during backfill.
	StoreRetries uint64

	Logger *slog.Logger
}

// SymbolResult is the backfill outcome for one symbol.
type SymbolResult struct {
	Symbol  string
	Range   *models.FetchRange
	Fetched int
	Stored  int
	Err     error
}

// BackfillReport aggregates one backfill pass across all symbols.
type BackfillReport struct {
	JobID       string
	StartedAt   time.Time
	CompletedAt time.Time
	Results     []SymbolResult
}

// TotalStored returns the number of candles written across all symbols.
func (r *BackfillReport) TotalStored() int {
	total := 0
	for _, res := range r.Results {
		total += res.Stored
	}
	return total
}

// FailedSymbols returns the symbols whose backfill failed.
func (r *BackfillReport) FailedSymbols() []string {
	var failed []string
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res.Symbol)
		}
	}
	return failed
}

// Orchestrator runs the backfill-then-stream ingestion sequence.
type Orchestrator struct {
	symbols      []string
	intervalName string
	fetcher      exchange.KlineFetcher
	store        storage.CandleStore
	scanner      RangeScanner
	stream       StreamRunner
	storeRetries uint64
	logger       *slog.Logger

	lastReport *BackfillReport
}

// NewOrchestrator creates an orchestrator from the given configuration.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("symbol list cannot be empty")
	}
	if cfg.IntervalName == "" {
		return nil, fmt.Errorf("interval cannot be empty")
	}
	if _, err := models.ParseInterval(cfg.IntervalName); err != nil {
		return nil, err
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("scanner cannot be nil")
	}
	if cfg.StoreRetries == 0 {
		cfg.StoreRetries = defaultStoreRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	symbols := make([]string, len(cfg.Symbols))
	copy(symbols, cfg.Symbols)

	return &Orchestrator{
		symbols:      symbols,
		intervalName: cfg.IntervalName,
		fetcher:      cfg.Fetcher,
		store:        cfg.Store,
		scanner:      cfg.Scanner,
		stream:       cfg.Stream,
		storeRetries: cfg.StoreRetries,
		logger:       cfg.Logger.With("component", "orchestrator"),
	}, nil
}

// Run performs a full backfill pass and then blocks in the streaming phase
// until the context is cancelled or the stream fails fatally
// (stream.ErrReconnectExhausted). A symbol whose backfill fails is reported
// and skipped; it does not abort the run.
func (o *Orchestrator) Run(ctx context.Context) error {
	report := o.Backfill(ctx, time.Now().UTC())
	if err := ctx.Err(); err != nil {
		return nil
	}

	if o.stream == nil {
		o.logger.Info("no streaming phase configured, exiting after backfill")
		return nil
	}

	o.logger.Info("entering streaming phase", "job_id", report.JobID)
	return o.stream.Run(ctx)
}

// Backfill fills historical gaps for every configured symbol sequentially.
// Sequential by design: pagination already saturates the per-IP request
// budget, so concurrent symbols would only trade throughput for 429s.
func (o *Orchestrator) Backfill(ctx context.Context, now time.Time) *BackfillReport {
	report := &BackfillReport{
		JobID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}

	o.logger.Info("starting backfill",
		"job_id", report.JobID,
		"symbols", len(o.symbols),
		"interval", o.intervalName)

	for _, symbol := range o.symbols {
		if ctx.Err() != nil {
			break
		}
		result := o.backfillSymbol(ctx, symbol, now)
		report.Results = append(report.Results, result)
		if result.Err != nil {
			o.logger.Error("backfill failed for symbol", "job_id", report.JobID, "symbol", symbol, "error", result.Err)
		}
	}

	report.CompletedAt = time.Now().UTC()
	o.lastReport = report

	o.logger.Info("backfill complete",
		"job_id", report.JobID,
		"candles_stored", report.TotalStored(),
		"failed_symbols", report.FailedSymbols(),
		"duration", report.CompletedAt.Sub(report.StartedAt))

	return report
}

func (o *Orchestrator) backfillSymbol(ctx context.Context, symbol string, now time.Time) SymbolResult {
	result := SymbolResult{Symbol: symbol}

	fetchRange, err := o.scanner.Scan(ctx, symbol, now)
	if err != nil {
		result.Err = fmt.Errorf("gap scan: %w", err)
		return result
	}
	if fetchRange == nil {
		o.logger.Info("no gap to backfill", "symbol", symbol)
		return result
	}
	result.Range = fetchRange

	o.logger.Info("backfilling gap",
		"symbol", symbol,
		"start", fetchRange.Start,
		"end", fetchRange.End)

	candles, err := o.fetcher.FetchKlines(ctx, exchange.FetchRequest{
		Symbol:   symbol,
		Interval: o.intervalName,
		Start:    fetchRange.Start,
		End:      fetchRange.End,
	})
	if err != nil {
		result.Err = fmt.Errorf("fetch klines: %w", err)
		return result
	}
	result.Fetched = len(candles)
	if len(candles) == 0 {
		return result
	}

	stored, err := o.storeBatch(ctx, candles)
	result.Stored = stored
	if err != nil {
		result.Err = fmt.Errorf("store batch: %w", err)
	}
	return result
}

// storeBatch writes a fetched page set with bounded retries. Upserts are
// idempotent, so retrying a partially applied batch is safe.
func (o *Orchestrator) storeBatch(ctx context.Context, candles []models.Candle) (int, error) {
	var stored int
	op := func() error {
		n, err := o.store.UpsertBatch(ctx, candles)
		if err != nil {
			return err
		}
		stored = n
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(defaultStoreBackoff), o.storeRetries),
		ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return 0, err
	}
	return stored, nil
}

// LastReport returns the most recent backfill report, or nil before the
// first pass.
func (o *Orchestrator) LastReport() *BackfillReport {
	return o.lastReport
}

// StreamMetrics returns a snapshot of the streaming phase counters, or the
// zero value when no stream is configured.
func (o *Orchestrator) StreamMetrics() stream.Metrics {
	if o.stream == nil {
		return stream.Metrics{}
	}
	return o.stream.Metrics()
}
