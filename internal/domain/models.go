package domain

import (
	"errors"
	"strings"
	"time"
)

type EndpointID string

type RegionID string

// Endpoint is a monitored URL.
type Endpoint struct {
	ID        EndpointID `json:"id"`
	URL       string     `json:"url"`
	CreatedAt time.Time  `json:"created_at"`
}

// Valid reports whether the endpoint can be turned into a check job.
func (e Endpoint) Valid() bool {
	return strings.TrimSpace(string(e.ID)) != "" && strings.TrimSpace(e.URL) != ""
}

// Region is the geographic origin of probes. Workers resolve their region
// once at startup; the pipeline never creates or mutates regions.
type Region struct {
	ID   RegionID `json:"id"`
	Name string   `json:"name"`
}

type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

func (s Status) Valid() bool {
	return s == StatusUp || s == StatusDown
}

// CheckJob instructs a worker to probe one endpoint. ScheduledAt is the
// scan cycle that produced it; zero when the producer did not stamp one.
type CheckJob struct {
	EndpointID  EndpointID
	URL         string
	ScheduledAt time.Time
}

// CheckResult is one observation of one endpoint from one region.
type CheckResult struct {
	EndpointID     EndpointID `json:"endpoint_id"`
	RegionID       RegionID   `json:"region_id"`
	Status         Status     `json:"status"`
	ResponseTimeMS int64      `json:"response_time_ms"`
	ObservedAt     time.Time  `json:"observed_at"`
}

var (
	ErrMissingEndpoint = errors.New("missing endpoint id")
	ErrMissingRegion   = errors.New("missing region id")
	ErrBadStatus       = errors.New("status must be up or down")
	ErrNegativeLatency = errors.New("response time must be non-negative")
)

func (r CheckResult) Validate() error {
	switch {
	case r.EndpointID == "":
		return ErrMissingEndpoint
	case r.RegionID == "":
		return ErrMissingRegion
	case !r.Status.Valid():
		return ErrBadStatus
	case r.ResponseTimeMS < 0:
		return ErrNegativeLatency
	}
	return nil
}

// Key is the logical identity of an observation. Two results with the same
// key describe the same observation and must be stored once.
func (r CheckResult) Key() string {
	return string(r.EndpointID) + "|" + string(r.RegionID) + "|" + r.ObservedAt.UTC().Format(time.RFC3339Nano)
}
