package streamlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the Redis Streams backend.
type RedisOptions struct {
	AppendTimeout time.Duration // zero means DefaultAppendTimeout
	MaxLen        int64         // approximate MAXLEN cap on append, zero disables
}

// RedisLog implements Log on Redis Streams.
type RedisLog struct {
	client *redis.Client
	opts   RedisOptions
}

var _ Log = (*RedisLog)(nil)

// NewRedisLog wraps an established client. The caller owns the client.
func NewRedisLog(client *redis.Client, opts RedisOptions) *RedisLog {
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = DefaultAppendTimeout
	}
	return &RedisLog{client: client, opts: opts}
}

func (l *RedisLog) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.AppendTimeout)
	defer cancel()

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: values,
	}
	if l.opts.MaxLen > 0 {
		args.MaxLen = l.opts.MaxLen
		args.Approx = true
	}

	id, err := l.client.XAdd(ctx, args).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s", ErrAppendTimeout, stream)
		}
		return "", fmt.Errorf("streamlog: append to %s: %w", stream, err)
	}
	return id, nil
}

func (l *RedisLog) LastID(ctx context.Context, stream string) (string, error) {
	msgs, err := l.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Beginning, nil
		}
		return Beginning, &ReadError{Op: "lastid", Stream: stream, Err: err}
	}
	if len(msgs) == 0 {
		return Beginning, nil
	}
	return msgs[0].ID, nil
}

func (l *RedisLog) Range(ctx context.Context, stream, start, end string) ([]Entry, error) {
	msgs, err := l.client.XRange(ctx, stream, start, end).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &ReadError{Op: "range", Stream: stream, Err: err}
	}
	return fromMessages(msgs), nil
}

func (l *RedisLog) Read(ctx context.Context, stream, after string, count int64, block time.Duration) ([]Entry, error) {
	if after == "" {
		after = Beginning
	}
	res, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, after},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ReadError{Op: "read", Stream: stream, Err: err}
	}
	var out []Entry
	for _, s := range res {
		out = append(out, fromMessages(s.Messages)...)
	}
	return out, nil
}

func (l *RedisLog) CreateGroup(ctx context.Context, stream, group, start string, mkStream bool) error {
	var err error
	if mkStream {
		err = l.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	} else {
		err = l.client.XGroupCreate(ctx, stream, group, start).Err()
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			slog.Debug("consumer group already exists", "stream", stream, "group", group)
			return nil
		}
		return fmt.Errorf("streamlog: create group %s on %s: %w", group, stream, err)
	}
	slog.Info("created consumer group", "stream", stream, "group", group, "start", start)
	return nil
}

func (l *RedisLog) ReadGroup(ctx context.Context, req GroupRead) ([]StreamEntry, error) {
	if req.Reclaim {
		claimed, err := l.reclaim(ctx, req)
		if err != nil || len(claimed) > 0 {
			return claimed, err
		}
	}

	streams := make([]string, 0, 2*len(req.Streams))
	streams = append(streams, req.Streams...)
	for range req.Streams {
		streams = append(streams, ">")
	}
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  streams,
		Count:    req.Count,
		Block:    req.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("%w: %s", ErrNoGroup, req.Group)
		}
		return nil, &ReadError{Op: "readgroup", Stream: strings.Join(req.Streams, ","), Err: err}
	}

	var out []StreamEntry
	for _, s := range res {
		for _, e := range fromMessages(s.Messages) {
			out = append(out, StreamEntry{Stream: s.Stream, Entry: e})
		}
	}
	return out, nil
}

// reclaim moves entries idle in other consumers' pending lists to the
// requesting consumer.
func (l *RedisLog) reclaim(ctx context.Context, req GroupRead) ([]StreamEntry, error) {
	count := req.Count
	if count <= 0 {
		count = 100
	}
	var out []StreamEntry
	for _, stream := range req.Streams {
		msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    req.Group,
			Consumer: req.Consumer,
			MinIdle:  req.MinIdle,
			Start:    "0-0",
			Count:    count - int64(len(out)),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				return nil, fmt.Errorf("%w: %s", ErrNoGroup, req.Group)
			}
			return nil, &ReadError{Op: "autoclaim", Stream: stream, Err: err}
		}
		for _, e := range fromMessages(msgs) {
			out = append(out, StreamEntry{Stream: stream, Entry: e})
		}
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group, id string) error {
	if err := l.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("streamlog: ack %s on %s/%s: %w", id, stream, group, err)
	}
	return nil
}

// Trim removes entries below minID exactly. An approximate trim would only
// drop whole radix nodes and leave small per-recipient streams untouched.
func (l *RedisLog) Trim(ctx context.Context, stream, minID string) (int64, error) {
	n, err := l.client.XTrimMinID(ctx, stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("streamlog: trim %s: %w", stream, err)
	}
	return n, nil
}

// deleteIfEmpty drops a stream key, and with it every consumer group, only
// while the stream holds no entries.
var deleteIfEmpty = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 and redis.call('XLEN', KEYS[1]) == 0 then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisLog) DeleteIfEmpty(ctx context.Context, stream string) (bool, error) {
	n, err := deleteIfEmpty.Run(ctx, l.client, []string{stream}).Int()
	if err != nil {
		return false, fmt.Errorf("streamlog: delete %s: %w", stream, err)
	}
	return n > 0, nil
}

func (l *RedisLog) Streams(ctx context.Context, pattern string) ([]string, error) {
	var names []string
	iter := l.client.ScanType(ctx, 0, pattern, 100, "stream").Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("streamlog: scan %s: %w", pattern, err)
	}
	return names, nil
}

// Close is a no-op; the client is shared and closed by its owner.
func (l *RedisLog) Close() error { return nil }

func fromMessages(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch v := v.(type) {
			case string:
				fields[k] = v
			default:
				fields[k] = fmt.Sprint(v)
			}
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
