package pipeline

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/hamed0406/uptimepipeline/internal/stream"
)

// acker retries bulk acks a couple of times before giving up. A lost ack
// leaves entries pending, which only costs a redelivery on recovery.
type acker struct {
	exec failsafe.Executor[any]
}

func newAcker() acker {
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(100*time.Millisecond, time.Second).
		WithMaxRetries(2).
		Build()
	return acker{exec: failsafe.With[any](policy)}
}

func (a acker) ack(ctx context.Context, s stream.Stream, name, group string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := a.exec.WithContext(ctx).Get(func() (any, error) {
		return nil, s.AckBulk(ctx, name, group, ids)
	})
	return err
}
