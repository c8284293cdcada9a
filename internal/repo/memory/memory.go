package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/repo"
)

type Store struct {
	mu        sync.RWMutex
	endpoints map[domain.EndpointID]domain.Endpoint
	byURL     map[string]domain.EndpointID
	regions   map[string]domain.RegionID
	results   []domain.CheckResult
	seen      map[string]struct{}
}

func New() *Store {
	return &Store{
		endpoints: make(map[domain.EndpointID]domain.Endpoint),
		byURL:     make(map[string]domain.EndpointID),
		regions:   make(map[string]domain.RegionID),
		results:   make([]domain.CheckResult, 0, 128),
		seen:      make(map[string]struct{}),
	}
}

func (m *Store) AddEndpoint(ctx context.Context, e *domain.Endpoint) error {
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("add endpoint: empty url")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byURL[e.URL]; ok {
		e.ID = id
		e.CreatedAt = m.endpoints[id].CreatedAt
		return nil
	}
	if e.ID == "" {
		e.ID = domain.EndpointID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.endpoints[e.ID] = *e
	m.byURL[e.URL] = e.ID
	return nil
}

func (m *Store) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Endpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) BulkInsertResults(ctx context.Context, results []domain.CheckResult) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range results {
		k := r.Key()
		if _, dup := m.seen[k]; dup {
			continue
		}
		m.seen[k] = struct{}{}
		r.ObservedAt = r.ObservedAt.UTC()
		m.results = append(m.results, r)
		n++
	}
	return n, nil
}

// Results returns a copy of every stored result in insertion order.
func (m *Store) Results() []domain.CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.CheckResult(nil), m.results...)
}

func (m *Store) ResolveRegionID(ctx context.Context, name string) (domain.RegionID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.regions[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", repo.ErrRegionNotFound, name)
	}
	return id, nil
}

func (m *Store) EnsureRegions(ctx context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := m.regions[n]; !ok {
			m.regions[n] = domain.RegionID(uuid.NewString())
		}
	}
	return nil
}

func (m *Store) ListRegions(ctx context.Context) ([]domain.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Region, 0, len(m.regions))
	for name, id := range m.regions {
		out = append(out, domain.Region{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Store) Close() {}

var _ repo.Store = (*Store)(nil)
