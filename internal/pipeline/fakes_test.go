package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/clock"
	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/metrics"
	"github.com/hamed0406/uptimepipeline/internal/probe"
	memrepo "github.com/hamed0406/uptimepipeline/internal/repo/memory"
	"github.com/hamed0406/uptimepipeline/internal/stream"
	"github.com/hamed0406/uptimepipeline/internal/stream/memory"
	"github.com/hamed0406/uptimepipeline/internal/wire"
)

const (
	jobStream    = "uptime:jobs"
	resultStream = "uptime:results"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeProber struct {
	mu          sync.Mutex
	outcomes    map[string]probe.Outcome
	delay       time.Duration
	calls       []string
	inflight    int
	maxInflight int
}

func (f *fakeProber) Probe(ctx context.Context, target string) probe.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	out, ok := f.outcomes[target]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	if !ok {
		out = probe.Outcome{Status: domain.StatusUp, StatusCode: 200, Elapsed: 12 * time.Millisecond, Reason: "200 OK"}
	}
	return out
}

type fakeEndpoints struct {
	mu     sync.Mutex
	eps    []domain.Endpoint
	errs   []error // consumed one per call
	calls  int
	onList func(call int)
}

func (f *fakeEndpoints) AddEndpoint(ctx context.Context, e *domain.Endpoint) error { return nil }

func (f *fakeEndpoints) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if f.onList != nil {
		f.onList(call)
	}
	if err != nil {
		return nil, err
	}
	return f.eps, nil
}

// flakyStream injects append and ack failures into a working stream.
type flakyStream struct {
	stream.Stream

	mu         sync.Mutex
	failAppend func(values map[string]string) bool
	failAcks   int
	ackCalls   int
}

func (f *flakyStream) Append(ctx context.Context, name string, values map[string]string) (string, error) {
	if f.failAppend != nil && f.failAppend(values) {
		return "", errors.New("append refused")
	}
	return f.Stream.Append(ctx, name, values)
}

func (f *flakyStream) AckBulk(ctx context.Context, name, group string, ids []string) error {
	f.mu.Lock()
	f.ackCalls++
	fail := f.failAcks > 0
	if fail {
		f.failAcks--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("ack refused")
	}
	return f.Stream.AckBulk(ctx, name, group, ids)
}

// failingResults wraps the memory repo so inserts can be made to fail.
type failingResults struct {
	*memrepo.Store

	mu    sync.Mutex
	fail  error
	calls int
}

func (f *failingResults) BulkInsertResults(ctx context.Context, rs []domain.CheckResult) (int64, error) {
	f.mu.Lock()
	f.calls++
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Store.BulkInsertResults(ctx, rs)
}

func (f *failingResults) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *failingResults) insertCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- helpers ---

func newMetrics() *metrics.Pipeline {
	return metrics.New(prometheus.NewRegistry())
}

func newTestStream(t *testing.T) *memory.Stream {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWorker(s stream.Stream, p probe.Prober, clk clock.Clock, region, id string) *Worker {
	return NewWorker(zap.NewNop(), s, p, clk, newMetrics(), WorkerConfig{
		JobStream:    jobStream,
		ResultStream: resultStream,
		RegionName:   region,
		RegionID:     domain.RegionID("rid-" + region),
		WorkerID:     id,
		BatchSize:    5,
		Block:        10 * time.Millisecond,
	})
}

func newTestAggregator(s stream.Stream, store *failingResults, clk clock.Clock, batch int) *Aggregator {
	return NewAggregator(zap.NewNop(), s, store, clk, newMetrics(), AggregatorConfig{
		ResultStream: resultStream,
		Consumer:     "agg-1",
		BatchSize:    batch,
		MaxWait:      2 * time.Second,
	})
}

func appendJob(t *testing.T, s stream.Stream, id, url string, at time.Time) string {
	t.Helper()
	eid, err := s.Append(context.Background(), jobStream, wire.EncodeJob(domain.CheckJob{
		EndpointID: domain.EndpointID(id), URL: url, ScheduledAt: at,
	}))
	if err != nil {
		t.Fatalf("append job: %v", err)
	}
	return eid
}

func appendResult(t *testing.T, s stream.Stream, r domain.CheckResult) {
	t.Helper()
	if _, err := s.Append(context.Background(), resultStream, wire.EncodeResult(r)); err != nil {
		t.Fatalf("append result: %v", err)
	}
}

var readers atomic.Int64

// readAll returns every entry of the stream through a fresh group.
func readAll(t *testing.T, s stream.Stream, name string) []stream.Entry {
	t.Helper()
	ctx := context.Background()
	group := fmt.Sprintf("test-reader-%d", readers.Add(1))
	if err := s.EnsureGroup(ctx, name, group, stream.StartBeginning); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	got, err := s.ReadGroup(ctx, name, group, "reader", 0, 0)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return got
}
