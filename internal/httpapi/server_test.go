package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/metrics"
	"github.com/hamed0406/uptimepipeline/internal/stream"
	"github.com/hamed0406/uptimepipeline/internal/stream/memory"
)

// ---- test helpers ----

type brokenInspector struct{}

func (brokenInspector) Info(ctx context.Context, name, group string) (stream.GroupInfo, error) {
	return stream.GroupInfo{}, errors.New("connection reset")
}

func setupServer(t *testing.T, keys []string) (*Server, *memory.Stream) {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.JobsEnqueued.Add(4)
	return NewServer(zap.NewNop(), s, reg, keys), s
}

func do(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---- tests ----

func TestHealthz(t *testing.T) {
	srv, _ := setupServer(t, nil)
	rec := do(t, srv.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	srv, _ := setupServer(t, nil)
	srv.AddCheck("stream", func(ctx context.Context) error { return nil })
	h := srv.Router()

	rec := do(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	srv.AddCheck("store", func(ctx context.Context) error { return errors.New("dial tcp: refused") })
	rec = do(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rec.Code)
	}
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unavailable" || body.Checks["stream"].Status != "ok" || body.Checks["store"].Error == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)
	rec := do(t, srv.Router(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "uptime_producer_jobs_enqueued_total 4") {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestGroupInfo(t *testing.T) {
	srv, s := setupServer(t, []string{"ops_test"})
	h := srv.Router()
	ctx := context.Background()

	if err := s.EnsureGroup(ctx, "uptime:jobs", "us-east", stream.StartBeginning); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "uptime:jobs", map[string]string{"n": "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ReadGroup(ctx, "uptime:jobs", "us-east", "w1", 2, 0); err != nil {
		t.Fatal(err)
	}

	// auth required
	rec := do(t, h, http.MethodGet, "/api/streams/uptime:jobs/groups/us-east", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 without key, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/streams/uptime:jobs/groups/us-east", map[string]string{"X-API-Key": "ops_test"})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var info stream.GroupInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Length != 3 || info.Pending != 2 || info.Consumers != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}

	rec = do(t, h, http.MethodGet, "/api/streams/uptime:jobs/groups/nobody", map[string]string{"Authorization": "Bearer ops_test"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 for unknown group, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/streams/missing/groups/us-east", map[string]string{"X-API-Key": "ops_test"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 for unknown stream, got %d", rec.Code)
	}
}

func TestGroupInfo_StreamDown(t *testing.T) {
	srv := NewServer(zap.NewNop(), brokenInspector{}, prometheus.NewRegistry(), nil)
	rec := do(t, srv.Router(), http.MethodGet, "/api/streams/a/groups/b", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("want 502, got %d", rec.Code)
	}
}
