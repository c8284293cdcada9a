package pipeline

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/clock"
	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/wire"
)

func TestProducer_ScanOnce_EnqueuesValidEndpoints(t *testing.T) {
	s := newTestStream(t)
	clk := clock.NewFake(t0)
	eps := &fakeEndpoints{eps: []domain.Endpoint{
		{ID: "e1", URL: "https://a.example"},
		{ID: "", URL: "https://no-id.example"},
		{ID: "e3", URL: "  "},
		{ID: "e4", URL: "https://d.example"},
	}}
	p := NewProducer(zap.NewNop(), eps, s, clk, newMetrics(), ProducerConfig{JobStream: jobStream})

	n, err := p.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 jobs, got %d", n)
	}

	entries := readAll(t, s, jobStream)
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	for i, want := range []string{"e1", "e4"} {
		job, err := wire.ParseJob(entries[i])
		if err != nil {
			t.Fatalf("parse job: %v", err)
		}
		if string(job.EndpointID) != want {
			t.Fatalf("entry %d: want %s, got %s", i, want, job.EndpointID)
		}
		if !job.ScheduledAt.Equal(t0) {
			t.Fatalf("entry %d: scheduledAt %v, want %v", i, job.ScheduledAt, t0)
		}
	}
}

func TestProducer_ScanOnce_ListErrorEnqueuesNothing(t *testing.T) {
	s := newTestStream(t)
	eps := &fakeEndpoints{errs: []error{errors.New("db down")}}
	p := NewProducer(zap.NewNop(), eps, s, clock.NewFake(t0), newMetrics(), ProducerConfig{JobStream: jobStream})

	if _, err := p.ScanOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got := readAll(t, s, jobStream); len(got) != 0 {
		t.Fatalf("want no entries, got %d", len(got))
	}
}

func TestProducer_Run_ScansImmediatelyThenEveryInterval(t *testing.T) {
	s := newTestStream(t)
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eps := &fakeEndpoints{
		eps: []domain.Endpoint{{ID: "e1", URL: "https://a.example"}},
		// a failed scan does not stop the loop
		errs: []error{nil, errors.New("db down")},
		onList: func(call int) {
			if call == 4 {
				cancel()
			}
		},
	}
	p := NewProducer(zap.NewNop(), eps, s, clk, newMetrics(), ProducerConfig{JobStream: jobStream})

	p.Run(ctx)

	if eps.calls != 4 {
		t.Fatalf("want 4 scans, got %d", eps.calls)
	}
	for _, d := range clk.Sleeps() {
		if d != DefaultScanInterval {
			t.Fatalf("want every wait to be %v, got %v", DefaultScanInterval, clk.Sleeps())
		}
	}
	if got := len(clk.Sleeps()); got != 3 {
		t.Fatalf("want 3 waits, got %d", got)
	}

	// scans 1 and 3 enqueued, each with its own scheduledAt
	entries := readAll(t, s, jobStream)
	if len(entries) != 2 {
		t.Fatalf("want 2 jobs, got %d", len(entries))
	}
	a, _ := wire.ParseJob(entries[0])
	b, _ := wire.ParseJob(entries[1])
	if got := b.ScheduledAt.Sub(a.ScheduledAt); got != 2*DefaultScanInterval {
		t.Fatalf("want scans %v apart, got %v", 2*DefaultScanInterval, got)
	}
}
