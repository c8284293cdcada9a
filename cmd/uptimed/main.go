// uptimed runs one pipeline role (or all of them) until SIGINT/SIGTERM.
//
//	uptimed --role worker --region eu-central --worker-id eu-1
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/uptimepipeline/internal/app"
	"github.com/hamed0406/uptimepipeline/internal/clock"
	"github.com/hamed0406/uptimepipeline/internal/config"
	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/httpapi"
	"github.com/hamed0406/uptimepipeline/internal/logging"
	"github.com/hamed0406/uptimepipeline/internal/pipeline"
	"github.com/hamed0406/uptimepipeline/internal/probe"
	"github.com/hamed0406/uptimepipeline/internal/repo"
	"github.com/hamed0406/uptimepipeline/internal/repo/postgres"
	"github.com/hamed0406/uptimepipeline/internal/stream"
	redisstream "github.com/hamed0406/uptimepipeline/internal/stream/redis"
)

const startupTimeout = 15 * time.Second

// startupBackoff bounds the delay between connection attempts at startup.
var startupBackoff = struct{ min, max time.Duration }{time.Second, 30 * time.Second}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: .env not loaded: %v", err)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		for _, p := range config.Problems(err) {
			fmt.Fprintln(os.Stderr, "config:", p)
		}
		os.Exit(2)
	}

	logger, err := logging.New("uptimed", cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("uptimed_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("uptimed_stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	res := app.New(cfg, logger)
	defer func() {
		if err := res.Close(); err != nil {
			logger.Warn("close_resources", zap.Error(err))
		}
	}()

	var (
		s        stream.Stream
		store    repo.Store
		regionID domain.RegionID
	)
	err := retryStartup(ctx, logger, func(ctx context.Context) error {
		var err error
		if s, err = res.Stream(ctx); err != nil {
			return err
		}
		if store, err = res.Store(ctx); err != nil {
			return err
		}
		if cfg.Role.Runs(config.RoleWorker) {
			if regionID, err = store.ResolveRegionID(ctx, cfg.RegionName); err != nil {
				return fmt.Errorf("worker region %q: %w", cfg.RegionName, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	policy, err := pipeline.ParseMalformedPolicy(cfg.MalformedJobPolicy)
	if err != nil {
		return err
	}

	clk := clock.Real{}
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Role.Runs(config.RoleProducer) {
		p := pipeline.NewProducer(logger.Named("producer"), store, s, clk, res.Metrics, pipeline.ProducerConfig{
			JobStream: cfg.JobStream,
			Interval:  cfg.ScanInterval,
		})
		g.Go(func() error { p.Run(gctx); return nil })
	}

	if cfg.Role.Runs(config.RoleWorker) {
		prober := probe.NewHTTPChecker(cfg.ProbeTimeout)
		prober.DiagnoseDNS = true
		w := pipeline.NewWorker(logger.Named("worker"), s, prober, clk, res.Metrics, pipeline.WorkerConfig{
			JobStream:    cfg.JobStream,
			ResultStream: cfg.ResultStream,
			RegionName:   cfg.RegionName,
			RegionID:     regionID,
			WorkerID:     cfg.WorkerID,
			BatchSize:    cfg.WorkerBatchSize,
			Block:        cfg.WorkerBlock,
			ErrorBackoff: cfg.ErrorBackoff,
			Malformed:    policy,
		})
		g.Go(func() error { w.Run(gctx); return nil })
	}

	if cfg.Role.Runs(config.RoleAggregator) {
		a := pipeline.NewAggregator(logger.Named("aggregator"), s, store, clk, res.Metrics, pipeline.AggregatorConfig{
			ResultStream: cfg.ResultStream,
			Group:        cfg.AggregatorGroup,
			Consumer:     cfg.WorkerID,
			BatchSize:    cfg.AggregatorBatchSize,
			MaxWait:      cfg.AggregatorMaxWait,
			Block:        cfg.AggregatorBlock,
			ErrorBackoff: cfg.ErrorBackoff,
		})
		g.Go(func() error { a.Run(gctx); return nil })
	}

	if cfg.OpsAddr != "" {
		srv := httpapi.NewServer(logger.Named("ops"), s, res.Registry, cfg.OpsAPIKeys)
		srv.AddCheck("stream", s.Ping)
		srv.AddCheck("store", store.Ping)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.OpsAddr) })
	}

	logger.Info("uptimed_started",
		zap.String("role", string(cfg.Role)),
		zap.String("region", cfg.RegionName),
		zap.String("worker_id", cfg.WorkerID),
		zap.String("stream_backend", cfg.StreamBackend),
	)
	return g.Wait()
}

// retryStartup runs connect until it succeeds or ctx ends. Each attempt gets
// its own startupTimeout. Errors retrying cannot fix end it immediately.
func retryStartup(ctx context.Context, logger *zap.Logger, connect func(context.Context) error) error {
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(startupBackoff.min, startupBackoff.max).
		WithMaxRetries(-1).
		AbortOnErrors(repo.ErrRegionNotFound, redisstream.ErrBadURL, postgres.ErrBadDSN).
		OnRetryScheduled(func(e failsafe.ExecutionScheduledEvent[any]) {
			logger.Warn("startup_retry",
				zap.Int("attempt", e.Attempts()),
				zap.Duration("delay", e.Delay),
				zap.Error(e.LastError()),
			)
		}).
		Build()
	_, err := failsafe.With[any](policy).WithContext(ctx).Get(func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		defer cancel()
		return nil, connect(attemptCtx)
	})
	return err
}
