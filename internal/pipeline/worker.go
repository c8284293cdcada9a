package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/clock"
	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/metrics"
	"github.com/hamed0406/uptimepipeline/internal/probe"
	"github.com/hamed0406/uptimepipeline/internal/stream"
	"github.com/hamed0406/uptimepipeline/internal/wire"
)

const (
	DefaultWorkerBatch = 5
	DefaultWorkerBlock = 5 * time.Second
)

// MalformedPolicy decides what happens to job entries that cannot be parsed.
type MalformedPolicy string

const (
	// LeavePending never acks a malformed job. It stays in the consumer's
	// pending set where it can be inspected.
	LeavePending MalformedPolicy = "leave-pending"
	// AckMalformed logs and acks the entry so it is dropped.
	AckMalformed MalformedPolicy = "ack"
)

func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch MalformedPolicy(s) {
	case "", LeavePending:
		return LeavePending, nil
	case AckMalformed:
		return AckMalformed, nil
	}
	return "", fmt.Errorf("unknown malformed job policy %q (want %s or %s)", s, LeavePending, AckMalformed)
}

type WorkerConfig struct {
	JobStream    string
	ResultStream string
	// RegionName is the consumer group on the job stream; RegionID is what
	// results carry.
	RegionName   string
	RegionID     domain.RegionID
	WorkerID     string
	BatchSize    int
	Block        time.Duration
	ErrorBackoff time.Duration
	Malformed    MalformedPolicy
}

// Worker consumes jobs for one region, probes them and publishes results.
type Worker struct {
	Logger  *zap.Logger
	Stream  stream.Stream
	Prober  probe.Prober
	Clock   clock.Clock
	Metrics *metrics.Pipeline
	Config  WorkerConfig

	acker acker
	ready bool
}

func NewWorker(
	logger *zap.Logger,
	s stream.Stream,
	prober probe.Prober,
	clk clock.Clock,
	m *metrics.Pipeline,
	cfg WorkerConfig,
) *Worker {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWorkerBatch
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultWorkerBlock
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.Malformed == "" {
		cfg.Malformed = LeavePending
	}
	return &Worker{
		Logger:  logger.With(zap.String("region", cfg.RegionName), zap.String("worker_id", cfg.WorkerID)),
		Stream:  s,
		Prober:  prober,
		Clock:   clk,
		Metrics: m,
		Config:  cfg,
		acker:   newAcker(),
	}
}

func (w *Worker) Run(ctx context.Context) {
	Loop{
		Name:    "worker",
		Log:     w.Logger,
		Clock:   w.Clock,
		Backoff: w.Config.ErrorBackoff,
	}.Run(ctx, w.Poll)
}

// Poll is one iteration: make sure the group exists (recovering this
// consumer's own pending jobs the first time), then read and process one
// batch.
func (w *Worker) Poll(ctx context.Context) error {
	if !w.ready {
		if err := w.start(ctx); err != nil {
			return err
		}
	}
	entries, err := w.Stream.ReadGroup(ctx, w.Config.JobStream, w.Config.RegionName, w.Config.WorkerID,
		w.Config.BatchSize, w.Config.Block)
	if err != nil {
		if errors.Is(err, stream.ErrNoGroup) {
			w.ready = false
		}
		return fmt.Errorf("read jobs: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	return w.ProcessBatch(ctx, entries)
}

func (w *Worker) start(ctx context.Context) error {
	// jobs enqueued before the region existed are not owed to it
	if err := w.Stream.EnsureGroup(ctx, w.Config.JobStream, w.Config.RegionName, stream.StartLatest); err != nil {
		return err
	}
	pending, err := w.Stream.Pending(ctx, w.Config.JobStream, w.Config.RegionName, w.Config.WorkerID, 0)
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}
	if len(pending) > 0 {
		w.Logger.Info("worker_recovering_pending", zap.Int("entries", len(pending)))
	}
	for len(pending) > 0 {
		n := min(len(pending), w.Config.BatchSize)
		if err := w.ProcessBatch(ctx, pending[:n]); err != nil {
			return err
		}
		pending = pending[n:]
	}
	w.ready = true
	return nil
}

type parsedJob struct {
	entryID string
	job     domain.CheckJob
}

type processed struct {
	entryID string
	err     error
}

// ProcessBatch probes every valid job of the batch concurrently, appends a
// result per job and then acks, in one call, every entry whose result was
// appended. Probe failures are results; a failed append withholds the ack.
func (w *Worker) ProcessBatch(ctx context.Context, entries []stream.Entry) error {
	var (
		jobs []parsedJob
		acks []string
	)
	for _, e := range entries {
		job, err := wire.ParseJob(e)
		if err != nil {
			w.Metrics.MalformedJobs.WithLabelValues(string(w.Config.Malformed)).Inc()
			w.Logger.Warn("worker_malformed_job",
				zap.String("entry_id", e.ID),
				zap.String("policy", string(w.Config.Malformed)),
				zap.Error(err),
			)
			if w.Config.Malformed == AckMalformed {
				acks = append(acks, e.ID)
			}
			continue
		}
		jobs = append(jobs, parsedJob{entryID: e.ID, job: job})
	}

	var errs error
	if len(jobs) > 0 {
		mapper := iter.Mapper[parsedJob, processed]{MaxGoroutines: len(jobs)}
		for _, p := range mapper.Map(jobs, func(j *parsedJob) processed {
			return w.check(ctx, *j)
		}) {
			if p.err != nil {
				errs = multierr.Append(errs, p.err)
				continue
			}
			acks = append(acks, p.entryID)
		}
	}

	if err := w.acker.ack(ctx, w.Stream, w.Config.JobStream, w.Config.RegionName, acks); err != nil {
		w.Metrics.AckFailures.WithLabelValues("worker").Inc()
		w.Logger.Error("worker_ack_error", zap.Int("entries", len(acks)), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("ack jobs: %w", err))
	}
	return errs
}

func (w *Worker) check(ctx context.Context, j parsedJob) processed {
	started := w.Clock.Now()
	out := w.Prober.Probe(ctx, j.job.URL)

	observedAt := j.job.ScheduledAt
	if observedAt.IsZero() {
		observedAt = started
	}
	res := domain.CheckResult{
		EndpointID:     j.job.EndpointID,
		RegionID:       w.Config.RegionID,
		Status:         out.Status,
		ResponseTimeMS: out.ResponseTimeMS(),
		ObservedAt:     observedAt.UTC(),
	}
	w.Metrics.Probes.WithLabelValues(w.Config.RegionName, string(res.Status)).Inc()
	w.Metrics.ProbeDuration.WithLabelValues(w.Config.RegionName).Observe(out.Elapsed.Seconds())

	if _, err := w.Stream.Append(ctx, w.Config.ResultStream, wire.EncodeResult(res)); err != nil {
		w.Logger.Warn("worker_append_error",
			zap.String("entry_id", j.entryID),
			zap.String("endpoint_id", string(j.job.EndpointID)),
			zap.Error(err),
		)
		return processed{entryID: j.entryID, err: fmt.Errorf("append result for %s: %w", j.entryID, err)}
	}
	w.Metrics.ResultsSent.Inc()
	w.Logger.Debug("worker_checked",
		zap.String("endpoint_id", string(j.job.EndpointID)),
		zap.String("url", j.job.URL),
		zap.String("status", string(out.Status)),
		zap.Int("http_status", out.StatusCode),
		zap.Int64("response_time_ms", res.ResponseTimeMS),
		zap.String("reason", out.Reason),
	)
	return processed{entryID: j.entryID}
}
