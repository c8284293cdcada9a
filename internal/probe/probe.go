package probe

import (
	"context"
	"time"

	"github.com/hamed0406/uptimepipeline/internal/domain"
)

// Outcome is the classified result of one probe.
//
// Status is strictly binary: any response from the target is up, whatever
// its HTTP status; failing to get a response at all is down.
type Outcome struct {
	Status  domain.Status
	Elapsed time.Duration
	// StatusCode is the HTTP status when a response arrived, 0 otherwise.
	StatusCode int
	Reason     string
}

func (o Outcome) ResponseTimeMS() int64 {
	if o.Elapsed < 0 {
		return 0
	}
	return o.Elapsed.Milliseconds()
}

// Prober performs one bounded check of a target URL. Implementations must
// return once ctx is done.
type Prober interface {
	Probe(ctx context.Context, target string) Outcome
}
