// Package pipeline holds the three long-running roles: the Producer that
// schedules check jobs, the Worker that probes them per region and the
// Aggregator that persists results in batches.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/clock"
)

// DefaultErrorBackoff is the pause after a failed iteration.
const DefaultErrorBackoff = time.Second

// Loop runs a step until ctx is cancelled. A failing step never ends the
// loop; the error is logged and the next step waits for Backoff.
type Loop struct {
	Name  string
	Log   *zap.Logger
	Clock clock.Clock
	// Interval is the period between step starts. Zero runs steps
	// back-to-back; blocking reads inside the step pace the loop.
	Interval time.Duration
	// Backoff is the pause after a failed step. When it is shorter than
	// what is left of Interval, the loop waits for the interval instead.
	Backoff time.Duration
}

func (l Loop) Run(ctx context.Context, step func(context.Context) error) {
	clk := l.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info(l.Name+"_started", zap.Duration("interval", l.Interval))
	for {
		if ctx.Err() != nil {
			log.Info(l.Name + "_stopped")
			return
		}
		started := clk.Now()
		err := step(ctx)
		if ctx.Err() != nil {
			log.Info(l.Name + "_stopped")
			return
		}

		var wait time.Duration
		if l.Interval > 0 {
			wait = l.Interval - clk.Now().Sub(started)
		}
		if err != nil {
			log.Warn(l.Name+"_error", zap.Error(err))
			if l.Backoff > wait {
				wait = l.Backoff
			}
		}
		if wait > 0 {
			if clk.Sleep(ctx, wait) != nil {
				log.Info(l.Name + "_stopped")
				return
			}
		}
	}
}
