// Package wire converts between stream entry payloads and typed jobs and
// results. Parsing never panics on foreign input; anything unusable comes
// back as a *Rejection.
package wire

import (
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/stream"
)

// Payload keys.
const (
	FieldURL            = "url"
	FieldEndpointID     = "endpointId"
	FieldScheduledAt    = "scheduledAt"
	FieldStatus         = "status"
	FieldResponseTimeMS = "responseTimeMs"
	FieldRegionID       = "regionId"
	FieldObservedAt     = "observedAt"
)

// Rejection explains why a payload could not be used.
type Rejection struct {
	EntryID string
	Field   string
	Reason  string
}

func (r *Rejection) Error() string {
	return "rejected " + r.EntryID + ": " + r.Field + " " + r.Reason
}

func reject(e stream.Entry, field, reason string) error {
	return &Rejection{EntryID: e.ID, Field: field, Reason: reason}
}

func required(e stream.Entry, field string) (string, error) {
	v := strings.TrimSpace(e.Values[field])
	if v == "" {
		return "", reject(e, field, "missing")
	}
	return v, nil
}

func optionalTime(e stream.Entry, field string) (time.Time, error) {
	raw := strings.TrimSpace(e.Values[field])
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, reject(e, field, "not an RFC3339 timestamp")
	}
	return ts.UTC(), nil
}

func EncodeJob(j domain.CheckJob) map[string]string {
	m := map[string]string{
		FieldURL:        j.URL,
		FieldEndpointID: string(j.EndpointID),
	}
	if !j.ScheduledAt.IsZero() {
		m[FieldScheduledAt] = j.ScheduledAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func ParseJob(e stream.Entry) (domain.CheckJob, error) {
	url, err := required(e, FieldURL)
	if err != nil {
		return domain.CheckJob{}, err
	}
	id, err := required(e, FieldEndpointID)
	if err != nil {
		return domain.CheckJob{}, err
	}
	at, err := optionalTime(e, FieldScheduledAt)
	if err != nil {
		return domain.CheckJob{}, err
	}
	return domain.CheckJob{EndpointID: domain.EndpointID(id), URL: url, ScheduledAt: at}, nil
}

func EncodeResult(r domain.CheckResult) map[string]string {
	m := map[string]string{
		FieldStatus:         string(r.Status),
		FieldResponseTimeMS: strconv.FormatInt(r.ResponseTimeMS, 10),
		FieldEndpointID:     string(r.EndpointID),
		FieldRegionID:       string(r.RegionID),
	}
	if !r.ObservedAt.IsZero() {
		m[FieldObservedAt] = r.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// ParseResult decodes a result entry. When the payload carries no
// observedAt, the time encoded in the entry id is used instead.
func ParseResult(e stream.Entry) (domain.CheckResult, error) {
	endpoint, err := required(e, FieldEndpointID)
	if err != nil {
		return domain.CheckResult{}, err
	}
	region, err := required(e, FieldRegionID)
	if err != nil {
		return domain.CheckResult{}, err
	}
	status, err := required(e, FieldStatus)
	if err != nil {
		return domain.CheckResult{}, err
	}
	if !domain.Status(status).Valid() {
		return domain.CheckResult{}, reject(e, FieldStatus, "must be up or down")
	}
	rawMS, err := required(e, FieldResponseTimeMS)
	if err != nil {
		return domain.CheckResult{}, err
	}
	ms, perr := strconv.ParseInt(rawMS, 10, 64)
	if perr != nil || ms < 0 {
		return domain.CheckResult{}, reject(e, FieldResponseTimeMS, "must be a non-negative integer")
	}
	at, err := optionalTime(e, FieldObservedAt)
	if err != nil {
		return domain.CheckResult{}, err
	}
	if at.IsZero() {
		id, ierr := stream.ParseID(e.ID)
		if ierr != nil {
			return domain.CheckResult{}, reject(e, FieldObservedAt, "missing and entry id carries no time")
		}
		at = id.Time()
	}
	return domain.CheckResult{
		EndpointID:     domain.EndpointID(endpoint),
		RegionID:       domain.RegionID(region),
		Status:         domain.Status(status),
		ResponseTimeMS: ms,
		ObservedAt:     at,
	}, nil
}
