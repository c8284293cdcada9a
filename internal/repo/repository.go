package repo

import (
	"context"
	"errors"

	"github.com/hamed0406/uptimepipeline/internal/domain"
)

var ErrRegionNotFound = errors.New("region not found")

// DefaultRegions is what `uptimectl seed-regions` provisions.
var DefaultRegions = []string{"us-east", "us-west", "eu-central", "ap-south"}

// Ports (interfaces) — swap in any DB adapter later.
type EndpointStore interface {
	// AddEndpoint assigns an id when empty. Adding a URL that already exists
	// is not an error; e.ID is set to the stored endpoint's id.
	AddEndpoint(ctx context.Context, e *domain.Endpoint) error
	ListEndpoints(ctx context.Context) ([]domain.Endpoint, error)
}

type ResultStore interface {
	// BulkInsertResults stores results and reports how many were new.
	// Results whose Key is already stored are skipped silently. A store that
	// enforces references also skips results whose endpoint or region was
	// deleted while they were in flight, rather than failing the batch.
	BulkInsertResults(ctx context.Context, results []domain.CheckResult) (int64, error)
}

type RegionStore interface {
	// ResolveRegionID returns ErrRegionNotFound for unknown names.
	ResolveRegionID(ctx context.Context, name string) (domain.RegionID, error)
	EnsureRegions(ctx context.Context, names []string) error
	ListRegions(ctx context.Context) ([]domain.Region, error)
}

// Store is everything a process needs from persistence.
type Store interface {
	EndpointStore
	ResultStore
	RegionStore
	Ping(ctx context.Context) error
	Close()
}
