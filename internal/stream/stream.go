// Package stream defines the durable, append-only log the pipeline is built
// on: ordered entries with strictly increasing ids, consumed through named
// consumer groups with per-entry pending bookkeeping.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is one record of a stream. Values is a flat string mapping.
type Entry struct {
	ID     string
	Values map[string]string
}

// Start positions for EnsureGroup.
const (
	// StartLatest makes a new group see only entries appended after it exists.
	StartLatest = "$"
	// StartBeginning makes a new group see the whole retained stream.
	StartBeginning = "0"
)

// GroupInfo describes a stream and one of its consumer groups.
type GroupInfo struct {
	Stream          string `json:"stream"`
	Group           string `json:"group"`
	Length          int64  `json:"length"`
	Pending         int64  `json:"pending"`
	Consumers       int64  `json:"consumers"`
	LastDeliveredID string `json:"last_delivered_id"`
}

var (
	ErrNoGroup  = errors.New("stream: no such consumer group")
	ErrNoStream = errors.New("stream: no such stream")
)

// Stream is a partitionable log with competing-consumer delivery.
//
// Delivery is at-least-once: an entry stays pending for the consumer it was
// delivered to until acked, and is never handed to another consumer of the
// same group in the meantime.
type Stream interface {
	Append(ctx context.Context, stream string, values map[string]string) (string, error)
	// AppendBulk appends every payload in order. A non-nil error means the
	// batch as a whole failed; ids holds whatever was appended before that.
	AppendBulk(ctx context.Context, stream string, values []map[string]string) ([]string, error)

	// EnsureGroup creates the group (and the stream) if absent. Creating an
	// existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup returns up to count entries never delivered to the group,
	// blocking up to block when none are available. A timeout yields an
	// empty slice and a nil error. block <= 0 does not wait.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// Pending returns up to count entries already delivered to consumer and
	// not yet acknowledged, oldest first. Pending entries whose payload was
	// trimmed away are acknowledged and left out.
	Pending(ctx context.Context, stream, group, consumer string, count int) ([]Entry, error)

	// Ack and AckBulk drop entries from the group's pending set. Unknown or
	// already acknowledged ids are ignored.
	Ack(ctx context.Context, stream, group, id string) error
	AckBulk(ctx context.Context, stream, group string, ids []string) error

	Info(ctx context.Context, stream, group string) (GroupInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

// ID is a parsed "<ms>-<seq>" entry id.
type ID struct {
	MS  uint64
	Seq uint64
}

func ParseID(s string) (ID, error) {
	ms, seq, found := strings.Cut(s, "-")
	a, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("stream: bad id %q", s)
	}
	if !found {
		return ID{MS: a}, nil
	}
	b, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("stream: bad id %q", s)
	}
	return ID{MS: a, Seq: b}, nil
}

func (id ID) String() string {
	return strconv.FormatUint(id.MS, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

func (id ID) Less(o ID) bool {
	if id.MS != o.MS {
		return id.MS < o.MS
	}
	return id.Seq < o.Seq
}

// Time returns the wall-clock millisecond encoded in the id.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id.MS)).UTC()
}
