package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/subscription"
)

// tradeRow is the database representation of one trade.
type tradeRow struct {
	TradeID    uuid.UUID
	Symbol     string
	Price      string
	Size       string
	TakerSide  string
	ExchangeTS int64
	ReceivedAt int64 // µs since epoch
}

// Metrics counts recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Skipped   int64 // payloads that were not trades
}

// TradeRecorder consumes a trades stream handle and writes rows in batches.
type TradeRecorder struct {
	cfg    config.RecorderConfig
	logger *slog.Logger

	handle *subscription.Handle
	db     *pgxpool.Pool

	batch       []tradeRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewTradeRecorder creates a recorder over an open trades handle.
func NewTradeRecorder(
	cfg config.RecorderConfig,
	handle *subscription.Handle,
	db *pgxpool.Pool,
	logger *slog.Logger,
) *TradeRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeRecorder{
		cfg:    cfg,
		handle: handle,
		db:     db,
		logger: logger,
		batch:  make([]tradeRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming the handle and writing to the database.
func (r *TradeRecorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("trade recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder and flushes the final batch.
func (r *TradeRecorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping trade recorder")

	if r.cancel != nil {
		r.cancel()
	}

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("trade recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("trade recorder stop timed out")
	}

	r.flush()

	return nil
}

// Stats returns current metrics.
func (r *TradeRecorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// consumeLoop pulls from the handle until it ends or the recorder stops.
func (r *TradeRecorder) consumeLoop() {
	defer r.wg.Done()

	for {
		msg, err := r.handle.Pull(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				// Stream ended upstream: clean close or terminal failure.
				r.logger.Info("trades stream ended", "error", r.handle.Err())
			}
			return
		}
		r.handleMessage(msg)
	}
}

// flushLoop periodically flushes the batch.
func (r *TradeRecorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush()
		}
	}
}

// handleMessage transforms and adds a message to the batch.
func (r *TradeRecorder) handleMessage(msg subscription.Message) {
	trade, ok := msg.Payload.(model.Trade)
	if !ok {
		r.batchMu.Lock()
		r.metrics.Skipped++
		r.batchMu.Unlock()
		return
	}

	row := transform(trade, msg.ReceivedAt)

	r.batchMu.Lock()
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

// transform converts a decoded trade to its row form.
func transform(trade model.Trade, receivedAt time.Time) tradeRow {
	return tradeRow{
		TradeID:    trade.TradeID,
		Symbol:     trade.Symbol,
		Price:      trade.Price,
		Size:       trade.Size,
		TakerSide:  trade.TakerSide,
		ExchangeTS: trade.ExchangeTS,
		ReceivedAt: receivedAt.UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (r *TradeRecorder) flush() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]tradeRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed trades",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *TradeRecorder) batchInsert(rows []tradeRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO trades (trade_id, symbol, price, size, taker_side, exchange_ts, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (trade_id) DO NOTHING
		`, row.TradeID, row.Symbol, row.Price, row.Size, row.TakerSide, row.ExchangeTS, row.ReceivedAt)
	}

	results := r.db.SendBatch(r.ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
