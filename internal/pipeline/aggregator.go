package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/clock"
	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/metrics"
	"github.com/hamed0406/uptimepipeline/internal/repo"
	"github.com/hamed0406/uptimepipeline/internal/stream"
	"github.com/hamed0406/uptimepipeline/internal/wire"
)

const (
	DefaultAggregatorGroup = "result-aggregators"
	DefaultAggregatorBatch = 50
	DefaultAggregatorWait  = 2 * time.Second
	DefaultAggregatorBlock = 200 * time.Millisecond
)

type AggregatorConfig struct {
	ResultStream string
	Group        string
	Consumer     string
	BatchSize    int
	MaxWait      time.Duration
	// Block bounds each read so the flush deadline is checked regularly.
	// Zero polls without blocking.
	Block        time.Duration
	ErrorBackoff time.Duration
}

type buffered struct {
	entryID string
	result  domain.CheckResult
	// rejected is set for entries that failed to parse; they are acked at
	// flush time without being stored.
	rejected error
}

// Aggregator buffers result entries and writes them to the store in bulk,
// acking only after the write succeeded.
type Aggregator struct {
	Logger  *zap.Logger
	Stream  stream.Stream
	Store   repo.ResultStore
	Clock   clock.Clock
	Metrics *metrics.Pipeline
	Config  AggregatorConfig

	acker     acker
	ready     bool
	buf       []buffered
	lastFlush time.Time
}

func NewAggregator(
	logger *zap.Logger,
	s stream.Stream,
	store repo.ResultStore,
	clk clock.Clock,
	m *metrics.Pipeline,
	cfg AggregatorConfig,
) *Aggregator {
	if cfg.Group == "" {
		cfg.Group = DefaultAggregatorGroup
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultAggregatorBatch
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultAggregatorWait
	}
	if cfg.Block < 0 {
		cfg.Block = DefaultAggregatorBlock
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	return &Aggregator{
		Logger:    logger.With(zap.String("consumer", cfg.Consumer)),
		Stream:    s,
		Store:     store,
		Clock:     clk,
		Metrics:   m,
		Config:    cfg,
		acker:     newAcker(),
		buf:       make([]buffered, 0, cfg.BatchSize),
		lastFlush: clk.Now(),
	}
}

func (a *Aggregator) Run(ctx context.Context) {
	Loop{
		Name:    "aggregator",
		Log:     a.Logger,
		Clock:   a.Clock,
		Backoff: a.Config.ErrorBackoff,
	}.Run(ctx, a.Poll)
}

// Buffered reports how many entries wait for the next flush.
func (a *Aggregator) Buffered() int { return len(a.buf) }

// Poll reads what is available into the buffer and flushes when the batch
// is full or MaxWait has passed since the last flush.
func (a *Aggregator) Poll(ctx context.Context) error {
	if !a.ready {
		if err := a.start(ctx); err != nil {
			return err
		}
	}
	if missing := a.Config.BatchSize - len(a.buf); missing > 0 {
		entries, err := a.Stream.ReadGroup(ctx, a.Config.ResultStream, a.Config.Group, a.Config.Consumer,
			missing, a.Config.Block)
		if err != nil {
			if errors.Is(err, stream.ErrNoGroup) {
				a.ready = false
			}
			return fmt.Errorf("read results: %w", err)
		}
		a.add(entries)
	}
	if len(a.buf) == 0 || !a.shouldFlush(a.Clock.Now()) {
		return nil
	}
	return a.Flush(ctx)
}

func (a *Aggregator) start(ctx context.Context) error {
	if err := a.Stream.EnsureGroup(ctx, a.Config.ResultStream, a.Config.Group, stream.StartBeginning); err != nil {
		return err
	}
	// Pending entries we already hold are re-read only once; the buffer may
	// still hold them after a failed flush.
	if len(a.buf) == 0 {
		pending, err := a.Stream.Pending(ctx, a.Config.ResultStream, a.Config.Group, a.Config.Consumer, 0)
		if err != nil {
			return fmt.Errorf("recover pending results: %w", err)
		}
		if len(pending) > 0 {
			a.Logger.Info("aggregator_recovering_pending", zap.Int("entries", len(pending)))
		}
		a.add(pending)
	}
	a.ready = true
	return nil
}

func (a *Aggregator) add(entries []stream.Entry) {
	for _, e := range entries {
		r, err := wire.ParseResult(e)
		if err == nil {
			err = r.Validate()
		}
		if err != nil {
			a.Logger.Warn("aggregator_rejected_result", zap.String("entry_id", e.ID), zap.Error(err))
		}
		a.buf = append(a.buf, buffered{entryID: e.ID, result: r, rejected: err})
	}
	a.Metrics.AggregatorBuffer.Set(float64(len(a.buf)))
}

func (a *Aggregator) shouldFlush(now time.Time) bool {
	return len(a.buf) >= a.Config.BatchSize || now.Sub(a.lastFlush) > a.Config.MaxWait
}

// Flush persists the valid buffered results and acks every buffered entry.
// On failure nothing is acked and the buffer is kept for the next attempt;
// re-inserting already stored results is a no-op in the store.
func (a *Aggregator) Flush(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	var (
		results  = make([]domain.CheckResult, 0, len(a.buf))
		ids      = make([]string, 0, len(a.buf))
		rejected int
	)
	for _, b := range a.buf {
		ids = append(ids, b.entryID)
		if b.rejected != nil {
			rejected++
			continue
		}
		results = append(results, b.result)
	}

	var inserted int64
	if len(results) > 0 {
		n, err := a.Store.BulkInsertResults(ctx, results)
		if err != nil {
			a.Metrics.FlushFailures.Inc()
			a.Logger.Warn("aggregator_flush_error", zap.Int("results", len(results)), zap.Error(err))
			return fmt.Errorf("persist %d results: %w", len(results), err)
		}
		inserted = n
	}

	if err := a.acker.ack(ctx, a.Stream, a.Config.ResultStream, a.Config.Group, ids); err != nil {
		a.Metrics.AckFailures.WithLabelValues("aggregator").Inc()
		a.Logger.Error("aggregator_ack_error", zap.Int("entries", len(ids)), zap.Error(err))
		return fmt.Errorf("ack results: %w", err)
	}

	a.Metrics.ResultsFlushed.Add(float64(inserted))
	a.Metrics.ResultsDeduped.Add(float64(int64(len(results)) - inserted))
	a.Metrics.ResultsRejected.Add(float64(rejected))
	a.Logger.Info("aggregator_flushed",
		zap.Int("entries", len(ids)),
		zap.Int64("inserted", inserted),
		zap.Int("duplicates", len(results)-int(inserted)),
		zap.Int("rejected", rejected),
	)

	a.buf = a.buf[:0]
	a.lastFlush = a.Clock.Now()
	a.Metrics.AggregatorBuffer.Set(0)
	return nil
}
