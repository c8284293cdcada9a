package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Schema is applied by Migrate. check_results is unique on the logical key
// of an observation so redelivered results are dropped by the database.
const Schema = `
CREATE TABLE IF NOT EXISTS endpoints (
  id         TEXT PRIMARY KEY,
  url        TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS regions (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS check_results (
  id               BIGSERIAL PRIMARY KEY,
  endpoint_id      TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
  region_id        TEXT NOT NULL REFERENCES regions(id),
  status           TEXT NOT NULL CHECK (status IN ('up', 'down')),
  response_time_ms BIGINT NOT NULL CHECK (response_time_ms >= 0),
  observed_at      TIMESTAMPTZ NOT NULL,
  UNIQUE (endpoint_id, region_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_check_results_observed_at ON check_results (observed_at DESC);
`

// ErrBadDSN means DATABASE_URL cannot be parsed; retrying will not help.
var ErrBadDSN = errors.New("invalid database url")

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDSN, err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ---- EndpointStore ----

func (s *Store) AddEndpoint(ctx context.Context, e *domain.Endpoint) error {
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("insert endpoint: empty url")
	}
	if e.ID == "" {
		e.ID = domain.EndpointID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// the no-op update makes RETURNING yield the existing row on conflict
	err := s.pool.QueryRow(ctx,
		`INSERT INTO endpoints (id, url, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
		 RETURNING id, created_at`,
		string(e.ID), e.URL, e.CreatedAt,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, created_at
		   FROM endpoints
		  ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Endpoint
	for rows.Next() {
		var (
			id        string
			url       string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &url, &createdAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, domain.Endpoint{
			ID:        domain.EndpointID(id),
			URL:       url,
			CreatedAt: createdAt,
		})
	}
	return out, rows.Err()
}

// ---- ResultStore ----

// BulkInsertResults drops rows whose endpoint or region no longer exists
// instead of failing the batch on the foreign key.

func (s *Store) BulkInsertResults(ctx context.Context, results []domain.CheckResult) (int64, error) {
	if len(results) == 0 {
		return 0, nil
	}
	var (
		endpoints = make([]string, len(results))
		regions   = make([]string, len(results))
		statuses  = make([]string, len(results))
		latencies = make([]int64, len(results))
		observed  = make([]time.Time, len(results))
	)
	for i, r := range results {
		endpoints[i] = string(r.EndpointID)
		regions[i] = string(r.RegionID)
		statuses[i] = string(r.Status)
		latencies[i] = r.ResponseTimeMS
		observed[i] = r.ObservedAt.UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO check_results
		   (endpoint_id, region_id, status, response_time_ms, observed_at)
		 SELECT u.endpoint_id, u.region_id, u.status, u.response_time_ms, u.observed_at
		   FROM unnest($1::text[], $2::text[], $3::text[], $4::bigint[], $5::timestamptz[])
		        AS u(endpoint_id, region_id, status, response_time_ms, observed_at)
		  WHERE EXISTS (SELECT 1 FROM endpoints e WHERE e.id = u.endpoint_id)
		    AND EXISTS (SELECT 1 FROM regions r WHERE r.id = u.region_id)
		 ON CONFLICT (endpoint_id, region_id, observed_at) DO NOTHING`,
		endpoints, regions, statuses, latencies, observed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert results: %w", err)
	}
	inserted := tag.RowsAffected()
	if skipped := int64(len(results)) - inserted; skipped > 0 {
		s.log.Debug("results_skipped", zap.Int64("skipped", skipped))
	}
	return inserted, nil
}

// ---- RegionStore ----

func (s *Store) ResolveRegionID(ctx context.Context, name string) (domain.RegionID, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM regions WHERE name = $1`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %q", repo.ErrRegionNotFound, name)
		}
		return "", fmt.Errorf("resolve region: %w", err)
	}
	return domain.RegionID(id), nil
}

func (s *Store) EnsureRegions(ctx context.Context, names []string) error {
	batch := &pgx.Batch{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		batch.Queue(`INSERT INTO regions (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			uuid.NewString(), n)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed regions: %w", err)
	}
	return nil
}

func (s *Store) ListRegions(ctx context.Context) ([]domain.Region, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM regions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()
	var out []domain.Region
	for rows.Next() {
		var r domain.Region
		var id string
		if err := rows.Scan(&id, &r.Name); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		r.ID = domain.RegionID(id)
		out = append(out, r)
	}
	return out, rows.Err()
}
