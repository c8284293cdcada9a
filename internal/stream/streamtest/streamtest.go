// Package streamtest is a behavioural suite every stream.Stream backend must
// pass. Backends call Run from their own tests.
package streamtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hamed0406/uptimepipeline/internal/stream"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) stream.Stream

func Run(t *testing.T, newStream Factory) {
	t.Run("EnsureGroupIsIdempotent", func(t *testing.T) { testEnsureGroupIdempotent(t, newStream(t)) })
	t.Run("IDsStrictlyIncrease", func(t *testing.T) { testIDsIncrease(t, newStream(t)) })
	t.Run("CompetingConsumers", func(t *testing.T) { testCompetingConsumers(t, newStream(t)) })
	t.Run("AckDropsPending", func(t *testing.T) { testAck(t, newStream(t)) })
	t.Run("ReadTimesOutEmpty", func(t *testing.T) { testReadTimeout(t, newStream(t)) })
	t.Run("BlockedReadWakesOnAppend", func(t *testing.T) { testBlockedRead(t, newStream(t)) })
	t.Run("PendingIsPerConsumer", func(t *testing.T) { testPending(t, newStream(t)) })
	t.Run("StartLatestSkipsBacklog", func(t *testing.T) { testStartLatest(t, newStream(t)) })
	t.Run("MissingGroup", func(t *testing.T) { testMissingGroup(t, newStream(t)) })
}

func payload(i int) map[string]string {
	return map[string]string{"n": fmt.Sprint(i)}
}

func testEnsureGroupIdempotent(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "us-east", stream.StartBeginning))
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "us-east", stream.StartBeginning))

	info, err := s.Info(ctx, "jobs", "us-east")
	require.NoError(t, err)
	require.Equal(t, "us-east", info.Group)
	require.Zero(t, info.Pending)
	require.Zero(t, info.Length)
}

func testIDsIncrease(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	first, err := s.Append(ctx, "jobs", payload(0))
	require.NoError(t, err)

	rest := make([]map[string]string, 0, 20)
	for i := 1; i <= 20; i++ {
		rest = append(rest, payload(i))
	}
	ids, err := s.AppendBulk(ctx, "jobs", rest)
	require.NoError(t, err)
	require.Len(t, ids, 20)

	prev, err := stream.ParseID(first)
	require.NoError(t, err)
	for _, raw := range ids {
		id, err := stream.ParseID(raw)
		require.NoError(t, err)
		require.True(t, prev.Less(id), "%s should be after %s", id, prev)
		prev = id
	}
}

func testCompetingConsumers(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "eu-central", stream.StartBeginning))
	for i := 0; i < 6; i++ {
		_, err := s.Append(ctx, "jobs", payload(i))
		require.NoError(t, err)
	}

	a, err := s.ReadGroup(ctx, "jobs", "eu-central", "w1", 4, 0)
	require.NoError(t, err)
	require.Len(t, a, 4)
	for i, e := range a {
		require.Equal(t, fmt.Sprint(i), e.Values["n"])
	}

	b, err := s.ReadGroup(ctx, "jobs", "eu-central", "w2", 10, 0)
	require.NoError(t, err)
	require.Len(t, b, 2)
	require.Equal(t, "4", b[0].Values["n"])
	require.Equal(t, "5", b[1].Values["n"])

	// another group sees the whole stream independently
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "ap-south", stream.StartBeginning))
	c, err := s.ReadGroup(ctx, "jobs", "ap-south", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, c, 6)

	info, err := s.Info(ctx, "jobs", "eu-central")
	require.NoError(t, err)
	require.EqualValues(t, 6, info.Pending)
	require.EqualValues(t, 6, info.Length)
	require.Equal(t, b[1].ID, info.LastDeliveredID)
}

func testAck(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "results", "agg", stream.StartBeginning))
	_, err := s.AppendBulk(ctx, "results", []map[string]string{payload(1), payload(2), payload(3)})
	require.NoError(t, err)

	got, err := s.ReadGroup(ctx, "results", "agg", "a1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.NoError(t, s.Ack(ctx, "results", "agg", got[0].ID))
	require.NoError(t, s.AckBulk(ctx, "results", "agg", []string{got[1].ID, got[2].ID}))
	// acking twice or acking garbage is a no-op
	require.NoError(t, s.Ack(ctx, "results", "agg", got[0].ID))
	require.NoError(t, s.AckBulk(ctx, "results", "agg", []string{"1-1", got[2].ID}))

	info, err := s.Info(ctx, "results", "agg")
	require.NoError(t, err)
	require.Zero(t, info.Pending)
}

func testReadTimeout(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "us-west", stream.StartBeginning))

	start := time.Now()
	got, err := s.ReadGroup(ctx, "jobs", "us-west", "w1", 5, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, got)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func testBlockedRead(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "us-east", stream.StartBeginning))

	done := make(chan []stream.Entry, 1)
	errs := make(chan error, 1)
	go func() {
		got, err := s.ReadGroup(ctx, "jobs", "us-east", "w1", 5, 3*time.Second)
		if err != nil {
			errs <- err
			return
		}
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := s.Append(ctx, "jobs", payload(7))
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Len(t, got, 1)
		require.Equal(t, "7", got[0].Values["n"])
	case err := <-errs:
		t.Fatalf("read failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read did not wake up on append")
	}
}

func testPending(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "us-east", stream.StartBeginning))
	_, err := s.AppendBulk(ctx, "jobs", []map[string]string{payload(1), payload(2), payload(3)})
	require.NoError(t, err)

	a, err := s.ReadGroup(ctx, "jobs", "us-east", "w1", 2, 0)
	require.NoError(t, err)
	require.Len(t, a, 2)
	_, err = s.ReadGroup(ctx, "jobs", "us-east", "w2", 1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Ack(ctx, "jobs", "us-east", a[0].ID))

	mine, err := s.Pending(ctx, "jobs", "us-east", "w1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, a[1].ID, mine[0].ID)
	require.Equal(t, "2", mine[0].Values["n"])

	// a pending entry is never handed to a new read
	fresh, err := s.ReadGroup(ctx, "jobs", "us-east", "w3", 10, 0)
	require.NoError(t, err)
	require.Empty(t, fresh)
}

func testStartLatest(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	_, err := s.Append(ctx, "jobs", payload(1))
	require.NoError(t, err)
	require.NoError(t, s.EnsureGroup(ctx, "jobs", "late", stream.StartLatest))
	_, err = s.Append(ctx, "jobs", payload(2))
	require.NoError(t, err)

	got, err := s.ReadGroup(ctx, "jobs", "late", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2", got[0].Values["n"])
}

func testMissingGroup(t *testing.T, s stream.Stream) {
	ctx := context.Background()
	_, err := s.Append(ctx, "jobs", payload(1))
	require.NoError(t, err)

	_, err = s.ReadGroup(ctx, "jobs", "nobody", "w1", 1, 0)
	require.ErrorIs(t, err, stream.ErrNoGroup)

	_, err = s.Info(ctx, "jobs", "nobody")
	require.ErrorIs(t, err, stream.ErrNoGroup)
}
