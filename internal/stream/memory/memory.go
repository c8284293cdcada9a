// Package memory is an in-process stream.Stream. It keeps the same group
// semantics as the Redis backend but nothing survives the process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hamed0406/uptimepipeline/internal/stream"
)

type pendingEntry struct {
	consumer   string
	deliveries int
	delivered  time.Time
}

type group struct {
	cursor    stream.ID // last delivered id
	pending   map[string]*pendingEntry
	consumers map[string]struct{}
}

type streamLog struct {
	entries []stream.Entry
	ids     []stream.ID
	last    stream.ID
	groups  map[string]*group
}

type Stream struct {
	mu      sync.Mutex
	now     func() time.Time
	maxLen  int
	streams map[string]*streamLog
	// closed and replaced on every append to wake blocked readers
	notify chan struct{}
	closed bool
}

type Option func(*Stream)

// WithMaxLen trims each stream to the newest n entries on append. A trimmed
// entry that is still pending stays counted until its consumer calls
// Pending, which acks it.
func WithMaxLen(n int) Option {
	return func(s *Stream) { s.maxLen = n }
}

func WithNow(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

func New(opts ...Option) *Stream {
	s := &Stream{
		now:     time.Now,
		streams: make(map[string]*streamLog),
		notify:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var errClosed = errors.New("memory stream closed")

func (s *Stream) logFor(name string) *streamLog {
	l, ok := s.streams[name]
	if !ok {
		l = &streamLog{groups: make(map[string]*group)}
		s.streams[name] = l
	}
	return l
}

// nextID must be called with mu held.
func (s *Stream) nextID(l *streamLog) stream.ID {
	ms := uint64(s.now().UnixMilli())
	if ms > l.last.MS {
		l.last = stream.ID{MS: ms}
	} else {
		l.last = stream.ID{MS: l.last.MS, Seq: l.last.Seq + 1}
	}
	return l.last
}

func (s *Stream) appendLocked(name string, values map[string]string) string {
	l := s.logFor(name)
	id := s.nextID(l)
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	l.entries = append(l.entries, stream.Entry{ID: id.String(), Values: cp})
	l.ids = append(l.ids, id)
	return id.String()
}

// trimLocked keeps the newest maxLen entries. The head is resliced, not
// copied; append reallocates the backing array once capacity runs out.
func (s *Stream) trimLocked(name string) {
	l := s.streams[name]
	if s.maxLen <= 0 || l == nil || len(l.entries) <= s.maxLen {
		return
	}
	drop := len(l.entries) - s.maxLen
	clear(l.entries[:drop])
	l.entries = l.entries[drop:]
	l.ids = l.ids[drop:]
}

func (s *Stream) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Stream) Append(ctx context.Context, name string, values map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errClosed
	}
	id := s.appendLocked(name, values)
	s.trimLocked(name)
	s.wakeLocked()
	return id, nil
}

func (s *Stream) AppendBulk(ctx context.Context, name string, values []map[string]string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, s.appendLocked(name, v))
	}
	s.trimLocked(name)
	if len(ids) > 0 {
		s.wakeLocked()
	}
	return ids, nil
}

func (s *Stream) EnsureGroup(ctx context.Context, name, groupName, start string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	l := s.logFor(name)
	if _, ok := l.groups[groupName]; ok {
		return nil
	}
	var cursor stream.ID
	switch start {
	case stream.StartLatest:
		cursor = l.last
	case stream.StartBeginning, "":
	default:
		id, err := stream.ParseID(start)
		if err != nil {
			return err
		}
		cursor = id
	}
	l.groups[groupName] = &group{
		cursor:    cursor,
		pending:   make(map[string]*pendingEntry),
		consumers: make(map[string]struct{}),
	}
	return nil
}

// deliverLocked hands up to count undelivered entries to consumer.
func (s *Stream) deliverLocked(l *streamLog, g *group, consumer string, count int) []stream.Entry {
	var out []stream.Entry
	for i, id := range l.ids {
		if count > 0 && len(out) >= count {
			break
		}
		if !g.cursor.Less(id) {
			continue
		}
		e := l.entries[i]
		g.cursor = id
		g.pending[e.ID] = &pendingEntry{consumer: consumer, deliveries: 1, delivered: s.now()}
		out = append(out, copyEntry(e))
	}
	return out
}

func (s *Stream) ReadGroup(ctx context.Context, name, groupName, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	var timeout <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timeout = t.C
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, errClosed
		}
		l, ok := s.streams[name]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", stream.ErrNoGroup, name, groupName)
		}
		g, ok := l.groups[groupName]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", stream.ErrNoGroup, name, groupName)
		}
		g.consumers[consumer] = struct{}{}
		out := s.deliverLocked(l, g, consumer, count)
		wake := s.notify
		s.mu.Unlock()

		if len(out) > 0 || timeout == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

func (s *Stream) Pending(ctx context.Context, name, groupName, consumer string, count int) ([]stream.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", stream.ErrNoGroup, name, groupName)
	}
	g, ok := l.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", stream.ErrNoGroup, name, groupName)
	}
	s.dropTrimmedLocked(l, g, consumer)
	var out []stream.Entry
	for _, e := range l.entries {
		if count > 0 && len(out) >= count {
			break
		}
		p, ok := g.pending[e.ID]
		if !ok || p.consumer != consumer {
			continue
		}
		p.deliveries++
		p.delivered = s.now()
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// dropTrimmedLocked acks consumer's pending entries whose payload was
// trimmed away; nothing can process them any more.
func (s *Stream) dropTrimmedLocked(l *streamLog, g *group, consumer string) {
	for id, p := range g.pending {
		if p.consumer != consumer {
			continue
		}
		pid, err := stream.ParseID(id)
		if err != nil {
			continue
		}
		if len(l.ids) == 0 || pid.Less(l.ids[0]) {
			delete(g.pending, id)
		}
	}
}

func (s *Stream) Ack(ctx context.Context, name, groupName, id string) error {
	return s.AckBulk(ctx, name, groupName, []string{id})
}

func (s *Stream) AckBulk(ctx context.Context, name, groupName string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.streams[name]
	if !ok {
		return nil
	}
	g, ok := l.groups[groupName]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (s *Stream) Info(ctx context.Context, name, groupName string) (stream.GroupInfo, error) {
	if err := ctx.Err(); err != nil {
		return stream.GroupInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.streams[name]
	if !ok {
		return stream.GroupInfo{}, fmt.Errorf("%w: %s", stream.ErrNoStream, name)
	}
	g, ok := l.groups[groupName]
	if !ok {
		return stream.GroupInfo{}, fmt.Errorf("%w: %s/%s", stream.ErrNoGroup, name, groupName)
	}
	info := stream.GroupInfo{
		Stream:    name,
		Group:     groupName,
		Length:    int64(len(l.entries)),
		Pending:   int64(len(g.pending)),
		Consumers: int64(len(g.consumers)),
	}
	if g.cursor != (stream.ID{}) {
		info.LastDeliveredID = g.cursor.String()
	}
	return info, nil
}

// PendingCount reports how many entries consumer currently holds.
func (s *Stream) PendingCount(name, groupName, consumer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.streams[name]
	if !ok {
		return 0
	}
	g, ok := l.groups[groupName]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range g.pending {
		if consumer == "" || p.consumer == consumer {
			n++
		}
	}
	return n
}

func (s *Stream) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return ctx.Err()
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.wakeLocked()
	}
	return nil
}

func copyEntry(e stream.Entry) stream.Entry {
	v := make(map[string]string, len(e.Values))
	for k, val := range e.Values {
		v[k] = val
	}
	return stream.Entry{ID: e.ID, Values: v}
}

var _ stream.Stream = (*Stream)(nil)
