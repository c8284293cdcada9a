// Package redis implements stream.Stream on Redis Streams.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hamed0406/uptimepipeline/internal/stream"
)

const defaultTimeout = 5 * time.Second

// ErrBadURL means the redis URL cannot be parsed; retrying will not help.
var ErrBadURL = errors.New("invalid redis url")

type Stream struct {
	client goredis.UniversalClient
	maxLen int64
}

type Option func(*Stream)

// WithMaxLen caps every stream at roughly n entries (MAXLEN ~ n). Zero keeps
// everything.
func WithMaxLen(n int64) Option {
	return func(s *Stream) { s.maxLen = n }
}

func New(client goredis.UniversalClient, opts ...Option) *Stream {
	s := &Stream{client: client}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial parses a redis:// URL, applies default timeouts and pings the server.
func Dial(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadURL)
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadURL, err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *Stream) addArgs(name string, values map[string]string) *goredis.XAddArgs {
	v := make(map[string]interface{}, len(values))
	for k, val := range values {
		v[k] = val
	}
	args := &goredis.XAddArgs{Stream: name, ID: "*", Values: v}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args
}

func (s *Stream) Append(ctx context.Context, name string, values map[string]string) (string, error) {
	id, err := s.client.XAdd(ctx, s.addArgs(name, values)).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", name, err)
	}
	return id, nil
}

func (s *Stream) AppendBulk(ctx context.Context, name string, values []map[string]string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.StringCmd, 0, len(values))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, v := range values {
			cmds = append(cmds, pipe.XAdd(ctx, s.addArgs(name, v)))
		}
		return nil
	})
	ids := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if id, cerr := c.Result(); cerr == nil {
			ids = append(ids, id)
		}
	}
	if err != nil {
		return ids, fmt.Errorf("xadd bulk %s: %w", name, err)
	}
	return ids, nil
}

func (s *Stream) EnsureGroup(ctx context.Context, name, group, start string) error {
	if start == "" {
		start = stream.StartBeginning
	}
	err := s.client.XGroupCreateMkStream(ctx, name, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", name, group, err)
	}
	return nil
}

func (s *Stream) ReadGroup(ctx context.Context, name, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	if block <= 0 {
		// go-redis sends BLOCK 0 (wait forever) for a zero duration
		block = -1
	}
	out, _, err := s.readGroup(ctx, name, group, consumer, ">", count, block)
	return out, err
}

func (s *Stream) Pending(ctx context.Context, name, group, consumer string, count int) ([]stream.Entry, error) {
	out, trimmed, err := s.readGroup(ctx, name, group, consumer, "0", count, -1)
	if err != nil {
		return nil, err
	}
	if err := s.AckBulk(ctx, name, group, trimmed); err != nil {
		return nil, fmt.Errorf("ack trimmed entries: %w", err)
	}
	return out, nil
}

// readGroup also returns the ids of entries that come back without a
// payload: they were trimmed by MAXLEN while pending.
func (s *Stream) readGroup(ctx context.Context, name, group, consumer, from string, count int, block time.Duration) ([]stream.Entry, []string, error) {
	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{name, from},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil, nil
		}
		if isNoGroup(err) {
			return nil, nil, fmt.Errorf("%w: %s/%s", stream.ErrNoGroup, name, group)
		}
		return nil, nil, fmt.Errorf("xreadgroup %s/%s: %w", name, group, err)
	}
	var (
		out     []stream.Entry
		trimmed []string
	)
	for _, xs := range res {
		for _, m := range xs.Messages {
			if m.Values == nil {
				trimmed = append(trimmed, m.ID)
				continue
			}
			out = append(out, stream.Entry{ID: m.ID, Values: toStrings(m.Values)})
		}
	}
	return out, trimmed, nil
}

func (s *Stream) Ack(ctx context.Context, name, group, id string) error {
	return s.AckBulk(ctx, name, group, []string{id})
}

func (s *Stream) AckBulk(ctx context.Context, name, group string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, name, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", name, group, err)
	}
	return nil
}

func (s *Stream) Info(ctx context.Context, name, group string) (stream.GroupInfo, error) {
	groups, err := s.client.XInfoGroups(ctx, name).Result()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return stream.GroupInfo{}, fmt.Errorf("%w: %s", stream.ErrNoStream, name)
		}
		return stream.GroupInfo{}, fmt.Errorf("xinfo groups %s: %w", name, err)
	}
	length, err := s.client.XLen(ctx, name).Result()
	if err != nil {
		return stream.GroupInfo{}, fmt.Errorf("xlen %s: %w", name, err)
	}
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		info := stream.GroupInfo{
			Stream:    name,
			Group:     group,
			Length:    length,
			Pending:   g.Pending,
			Consumers: g.Consumers,
		}
		if g.LastDeliveredID != "0-0" {
			info.LastDeliveredID = g.LastDeliveredID
		}
		return info, nil
	}
	return stream.GroupInfo{}, fmt.Errorf("%w: %s/%s", stream.ErrNoGroup, name, group)
}

func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func isNoGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "NOGROUP")
}

func toStrings(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

var _ stream.Stream = (*Stream)(nil)
