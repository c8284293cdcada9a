package pipeline

import (
	"context"
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

const DefaultScanInterval = 3 * time.Minute

type ProducerConfig struct {
	JobStream string
	Interval  time.Duration
}

// Producer enqueues one check job per registered endpoint every Interval.
type Producer struct {
	Logger    *zap.Logger
	Endpoints repo.EndpointStore
	Stream    stream.Stream
	Clock     clock.Clock
	Metrics   *metrics.Pipeline
	Config    ProducerConfig
}

func NewProducer(
	logger *zap.Logger,
	endpoints repo.EndpointStore,
	s stream.Stream,
	clk clock.Clock,
	m *metrics.Pipeline,
	cfg ProducerConfig,
) *Producer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScanInterval
	}
	return &Producer{
		Logger:    logger,
		Endpoints: endpoints,
		Stream:    s,
		Clock:     clk,
		Metrics:   m,
		Config:    cfg,
	}
}

// Run does an immediate scan, then one per interval, until ctx is cancelled.
// A failed scan is retried on the next interval.
func (p *Producer) Run(ctx context.Context) {
	Loop{
		Name:     "producer",
		Log:      p.Logger,
		Clock:    p.Clock,
		Interval: p.Config.Interval,
	}.Run(ctx, func(ctx context.Context) error {
		_, err := p.ScanOnce(ctx)
		return err
	})
}

// ScanOnce lists endpoints and appends a job for each valid one. Every job
// of a scan carries the same scheduledAt.
func (p *Producer) ScanOnce(ctx context.Context) (int, error) {
	endpoints, err := p.Endpoints.ListEndpoints(ctx)
	if err != nil {
		p.Metrics.ProducerScans.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("list endpoints: %w", err)
	}

	scheduledAt := p.Clock.Now().UTC()
	jobs := make([]map[string]string, 0, len(endpoints))
	for _, e := range endpoints {
		if !e.Valid() {
			p.Logger.Warn("producer_skip_invalid_endpoint",
				zap.String("endpoint_id", string(e.ID)),
				zap.String("url", e.URL),
			)
			continue
		}
		jobs = append(jobs, wire.EncodeJob(domain.CheckJob{
			EndpointID:  e.ID,
			URL:         e.URL,
			ScheduledAt: scheduledAt,
		}))
	}
	if len(jobs) == 0 {
		p.Metrics.ProducerScans.WithLabelValues("empty").Inc()
		p.Logger.Debug("producer_scan", zap.Int("jobs", 0))
		return 0, nil
	}

	ids, err := p.Stream.AppendBulk(ctx, p.Config.JobStream, jobs)
	p.Metrics.JobsEnqueued.Add(float64(len(ids)))
	if err != nil {
		p.Metrics.ProducerScans.WithLabelValues("error").Inc()
		return len(ids), fmt.Errorf("enqueue %d jobs: %w", len(jobs), err)
	}
	p.Metrics.ProducerScans.WithLabelValues("ok").Inc()
	p.Logger.Info("producer_scan",
		zap.Int("jobs", len(ids)),
		zap.Int("skipped", len(endpoints)-len(jobs)),
		zap.Time("scheduled_at", scheduledAt),
	)
	return len(ids), nil
}
