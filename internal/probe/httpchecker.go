package probe

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hamed0406/uptimepipeline/internal/domain"
)

const DefaultTimeout = 10 * time.Second

// at most this much of a response body is read before the connection is
// returned to the pool
const maxDrain = 64 << 10

type HTTPChecker struct {
	Client  *http.Client
	Timeout time.Duration
	// DiagnoseDNS appends a DNS classification to the reason of down outcomes.
	DiagnoseDNS bool
}

func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPChecker{
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (h *HTTPChecker) Probe(ctx context.Context, target string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return h.down(ctx, target, time.Since(start), err)
	}
	req.Header.Set("User-Agent", "uptimepipeline-probe/1")

	resp, err := h.Client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return h.down(ctx, target, elapsed, err)
	}
	defer resp.Body.Close()
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)

	return Outcome{
		Status:     domain.StatusUp,
		Elapsed:    elapsed,
		StatusCode: resp.StatusCode,
		Reason:     resp.Status,
	}
}

func (h *HTTPChecker) down(ctx context.Context, target string, elapsed time.Duration, err error) Outcome {
	reason := err.Error()
	if h.DiagnoseDNS {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dnsTimeout)
		defer cancel()
		if d := CheckDNS(dctx, extractHost(target)); d.Class != "" {
			reason = strings.TrimSpace(reason + " dns=" + string(d.Class))
		}
	}
	return Outcome{Status: domain.StatusDown, Elapsed: elapsed, Reason: reason}
}

func extractHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
