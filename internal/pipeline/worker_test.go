package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hamed0406/uptimepipeline/internal/clock"
	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/probe"
	"github.com/hamed0406/uptimepipeline/internal/stream"
	"github.com/hamed0406/uptimepipeline/internal/wire"
)

// startWorker runs one empty poll so the region's group exists.
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("initial poll: %v", err)
	}
}

func results(t *testing.T, s stream.Stream) []domain.CheckResult {
	t.Helper()
	var out []domain.CheckResult
	for _, e := range readAll(t, s, resultStream) {
		r, err := wire.ParseResult(e)
		if err != nil {
			t.Fatalf("parse result %s: %v", e.ID, err)
		}
		out = append(out, r)
	}
	return out
}

func TestWorker_ProbesBatchAndAcks(t *testing.T) {
	s := newTestStream(t)
	clk := clock.NewFake(t0)
	p := &fakeProber{outcomes: map[string]probe.Outcome{
		"https://err.example":  {Status: domain.StatusUp, StatusCode: 500, Elapsed: 30 * time.Millisecond},
		"https://dead.example": {Status: domain.StatusDown, Elapsed: 10 * time.Second, Reason: "timeout"},
	}}
	w := newTestWorker(s, p, clk, "us-east", "w1")
	startWorker(t, w)

	scheduled := t0.Add(-time.Minute)
	appendJob(t, s, "e1", "https://ok.example", scheduled)
	appendJob(t, s, "e2", "https://err.example", scheduled)
	appendJob(t, s, "e3", "https://dead.example", scheduled)

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if n := s.PendingCount(jobStream, "us-east", ""); n != 0 {
		t.Fatalf("want all jobs acked, %d pending", n)
	}
	got := results(t, s)
	if len(got) != 3 {
		t.Fatalf("want 3 results, got %d", len(got))
	}
	want := map[domain.EndpointID]struct {
		status domain.Status
		ms     int64
	}{
		"e1": {domain.StatusUp, 12},
		"e2": {domain.StatusUp, 30},
		"e3": {domain.StatusDown, 10000},
	}
	for _, r := range got {
		exp, ok := want[r.EndpointID]
		if !ok {
			t.Fatalf("unexpected result %+v", r)
		}
		if r.Status != exp.status || r.ResponseTimeMS != exp.ms {
			t.Fatalf("%s: got %s/%dms, want %s/%dms", r.EndpointID, r.Status, r.ResponseTimeMS, exp.status, exp.ms)
		}
		if r.RegionID != "rid-us-east" {
			t.Fatalf("region id: %s", r.RegionID)
		}
		if !r.ObservedAt.Equal(scheduled) {
			t.Fatalf("observedAt %v, want scheduledAt %v", r.ObservedAt, scheduled)
		}
	}
}

func TestWorker_ProbesRunConcurrently(t *testing.T) {
	s := newTestStream(t)
	p := &fakeProber{delay: 150 * time.Millisecond}
	w := newTestWorker(s, p, clock.NewFake(t0), "us-west", "w1")
	startWorker(t, w)

	for i := 0; i < 5; i++ {
		appendJob(t, s, "e", "https://slow.example", t0)
	}

	start := time.Now()
	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if el := time.Since(start); el > 600*time.Millisecond {
		t.Fatalf("batch took %v; probes look sequential", el)
	}
	if p.maxInflight != 5 {
		t.Fatalf("want 5 probes in flight, got %d", p.maxInflight)
	}
}

func TestWorker_ObservedAtFallsBackToProbeStart(t *testing.T) {
	s := newTestStream(t)
	clk := clock.NewFake(t0)
	w := newTestWorker(s, &fakeProber{}, clk, "us-east", "w1")
	startWorker(t, w)

	appendJob(t, s, "e1", "https://ok.example", time.Time{})
	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	got := results(t, s)
	if len(got) != 1 || !got[0].ObservedAt.Equal(t0) {
		t.Fatalf("want observedAt %v, got %+v", t0, got)
	}
}

func TestWorker_MalformedJobPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy      MalformedPolicy
		wantPending int
	}{
		{LeavePending, 1},
		{AckMalformed, 0},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			s := newTestStream(t)
			w := newTestWorker(s, &fakeProber{}, clock.NewFake(t0), "eu-central", "w1")
			w.Config.Malformed = tc.policy
			startWorker(t, w)

			if _, err := s.Append(context.Background(), jobStream, map[string]string{wire.FieldEndpointID: "e1"}); err != nil {
				t.Fatal(err)
			}
			appendJob(t, s, "e2", "https://ok.example", t0)

			if err := w.Poll(context.Background()); err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if n := s.PendingCount(jobStream, "eu-central", "w1"); n != tc.wantPending {
				t.Fatalf("pending = %d, want %d", n, tc.wantPending)
			}
			if got := results(t, s); len(got) != 1 || got[0].EndpointID != "e2" {
				t.Fatalf("want only e2 result, got %+v", got)
			}
			if c := testutil.ToFloat64(w.Metrics.MalformedJobs.WithLabelValues(string(tc.policy))); c != 1 {
				t.Fatalf("malformed counter = %v", c)
			}
		})
	}
}

func TestWorker_FailedAppendWithholdsAck(t *testing.T) {
	mem := newTestStream(t)
	s := &flakyStream{Stream: mem, failAppend: func(v map[string]string) bool {
		return v[wire.FieldEndpointID] == "e2"
	}}
	w := newTestWorker(s, &fakeProber{}, clock.NewFake(t0), "us-east", "w1")
	startWorker(t, w)

	appendJob(t, mem, "e1", "https://a.example", t0)
	appendJob(t, mem, "e2", "https://b.example", t0)

	if err := w.Poll(context.Background()); err == nil {
		t.Fatalf("want error for the failed append")
	}
	if n := mem.PendingCount(jobStream, "us-east", "w1"); n != 1 {
		t.Fatalf("want only the e2 job pending, got %d", n)
	}
	if got := results(t, mem); len(got) != 1 || got[0].EndpointID != "e1" {
		t.Fatalf("want only e1 result, got %+v", got)
	}
}

func TestWorker_AckIsRetried(t *testing.T) {
	mem := newTestStream(t)
	s := &flakyStream{Stream: mem, failAcks: 1}
	w := newTestWorker(s, &fakeProber{}, clock.NewFake(t0), "us-east", "w1")
	startWorker(t, w)
	appendJob(t, mem, "e1", "https://a.example", t0)

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if s.ackCalls != 2 {
		t.Fatalf("want 2 ack attempts, got %d", s.ackCalls)
	}
	if n := mem.PendingCount(jobStream, "us-east", ""); n != 0 {
		t.Fatalf("want no pending, got %d", n)
	}
}

func TestWorker_RecoversOwnPendingOnStart(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)
	if err := s.EnsureGroup(ctx, jobStream, "ap-south", stream.StartLatest); err != nil {
		t.Fatal(err)
	}
	appendJob(t, s, "e1", "https://a.example", t0)
	appendJob(t, s, "e2", "https://b.example", t0)

	// a previous incarnation of w1 took the jobs and died before acking
	if got, err := s.ReadGroup(ctx, jobStream, "ap-south", "w1", 10, 0); err != nil || len(got) != 2 {
		t.Fatalf("prime pending: %v (%d)", err, len(got))
	}

	other := newTestWorker(s, &fakeProber{}, clock.NewFake(t0), "ap-south", "w2")
	startWorker(t, other)
	if n := s.PendingCount(jobStream, "ap-south", "w1"); n != 2 {
		t.Fatalf("another consumer must not take w1's jobs, pending=%d", n)
	}

	w := newTestWorker(s, &fakeProber{}, clock.NewFake(t0), "ap-south", "w1")
	startWorker(t, w)
	if n := s.PendingCount(jobStream, "ap-south", "w1"); n != 0 {
		t.Fatalf("want recovered jobs acked, pending=%d", n)
	}
	if got := results(t, s); len(got) != 2 {
		t.Fatalf("want 2 results, got %d", len(got))
	}
}

func TestParseMalformedPolicy(t *testing.T) {
	for in, want := range map[string]MalformedPolicy{"": LeavePending, "leave-pending": LeavePending, "ack": AckMalformed} {
		got, err := ParseMalformedPolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %q, %v", in, got, err)
		}
	}
	if _, err := ParseMalformedPolicy("drop"); err == nil {
		t.Fatalf("want error for unknown policy")
	}
}
