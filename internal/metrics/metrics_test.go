package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Probes.WithLabelValues("us-east", "up").Inc()
	m.JobsEnqueued.Add(3)

	if got := testutil.ToFloat64(m.JobsEnqueued); got != 3 {
		t.Fatalf("jobs enqueued = %v, want 3", got)
	}
	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP uptime_worker_probes_total Probes performed by region and status.
# TYPE uptime_worker_probes_total counter
uptime_worker_probes_total{region="us-east",status="up"} 1
`), "uptime_worker_probes_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("registering twice on one registry should panic")
		}
	}()
	New(reg)
}

func TestNewRegistry_HasRuntimeCollectors(t *testing.T) {
	mfs, err := NewRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "go_") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected go_ runtime metrics")
	}
}
