// Package app owns the process-scoped handles (stream connection, store,
// metrics registry). Each handle is opened on first successful use and
// shared by every role running in the process.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/config"
	"github.com/hamed0406/uptimepipeline/internal/metrics"
	"github.com/hamed0406/uptimepipeline/internal/repo"
	memrepo "github.com/hamed0406/uptimepipeline/internal/repo/memory"
	"github.com/hamed0406/uptimepipeline/internal/repo/postgres"
	"github.com/hamed0406/uptimepipeline/internal/stream"
	memstream "github.com/hamed0406/uptimepipeline/internal/stream/memory"
	redisstream "github.com/hamed0406/uptimepipeline/internal/stream/redis"
)

type Resources struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Pipeline

	mu     sync.Mutex
	stream stream.Stream
	store  repo.Store
}

func New(cfg config.Config, logger *zap.Logger) *Resources {
	reg := metrics.NewRegistry()
	return &Resources{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}
}

// Stream opens the configured stream backend. Once a call succeeds later
// calls return the same handle; a failed call leaves nothing behind so the
// caller can try again.
func (r *Resources) Stream(ctx context.Context) (stream.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return r.stream, nil
	}
	switch r.Config.StreamBackend {
	case config.BackendMemory:
		r.stream = memstream.New(memstream.WithMaxLen(int(r.Config.StreamMaxLen)))
		r.Logger.Warn("stream_in_memory", zap.String("note", "entries are lost on exit"))
	default:
		client, err := redisstream.Dial(ctx, r.Config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect stream: %w", err)
		}
		r.stream = redisstream.New(client, redisstream.WithMaxLen(r.Config.StreamMaxLen))
		r.Logger.Info("stream_connected", zap.String("backend", config.BackendRedis))
	}
	return r.stream, nil
}

// Store opens the store, with the same retry semantics as Stream. Without
// DATABASE_URL an in-memory store seeded with the default regions is used.
func (r *Resources) Store(ctx context.Context) (repo.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		return r.store, nil
	}
	if r.Config.DatabaseURL == "" {
		m := memrepo.New()
		if err := m.EnsureRegions(ctx, repo.DefaultRegions); err != nil {
			return nil, err
		}
		r.store = m
		r.Logger.Warn("store_in_memory", zap.Strings("regions", repo.DefaultRegions))
		return r.store, nil
	}
	pg, err := postgres.New(ctx, r.Config.DatabaseURL, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	r.store = pg
	r.Logger.Info("store_connected")
	return r.store, nil
}

// Close releases every handle that was opened.
func (r *Resources) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.stream != nil {
		err = multierr.Append(err, r.stream.Close())
	}
	if r.store != nil {
		r.store.Close()
	}
	return err
}
