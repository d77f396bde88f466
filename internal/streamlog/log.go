// Package streamlog is a thin client over an ordered, append-only log of
// entries keyed by stream name. The Redis Streams backend is the production
// implementation; MemoryLog mirrors its semantics in-process.
package streamlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Beginning is the id that sorts before every entry of a stream.
const Beginning = "0-0"

// DefaultAppendTimeout bounds how long an append waits for the backend.
const DefaultAppendTimeout = time.Second

var (
	ErrAppendTimeout = errors.New("streamlog: append not acknowledged in time")
	ErrNoGroup       = errors.New("streamlog: consumer group does not exist")
	ErrInvalidID     = errors.New("streamlog: invalid entry id")
	ErrClosed        = errors.New("streamlog: log closed")
)

// Entry is one immutable record of a stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// StreamEntry is an entry claimed through a consumer group, tagged with the
// stream it came from.
type StreamEntry struct {
	Stream string
	Entry
}

// GroupRead describes one blocking consumer-group read.
//
// Block follows Redis: negative never blocks, zero blocks until data
// arrives, positive blocks at most that long. An expired block yields an
// empty result, not an error.
type GroupRead struct {
	Group    string
	Consumer string
	Streams  []string
	Count    int64
	Block    time.Duration

	// Reclaim claims entries left pending by any consumer of the group for
	// at least MinIdle before new entries are read.
	Reclaim bool
	MinIdle time.Duration
}

// Log is the set of operations the relay needs from the backing log.
type Log interface {
	// Append adds an entry and returns the id assigned by the log.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// LastID returns the newest id of the stream, or Beginning when the
	// stream is empty or absent.
	LastID(ctx context.Context, stream string) (string, error)
	// Range returns entries with start <= id <= end. "-" and "+" are open bounds.
	Range(ctx context.Context, stream, start, end string) ([]Entry, error)
	// Read returns up to count entries with id > after, blocking per Block
	// semantics of GroupRead.
	Read(ctx context.Context, stream, after string, count int64, block time.Duration) ([]Entry, error)
	// CreateGroup creates a consumer group. An existing group is not an error.
	CreateGroup(ctx context.Context, stream, group, start string, mkStream bool) error
	ReadGroup(ctx context.Context, req GroupRead) ([]StreamEntry, error)
	Ack(ctx context.Context, stream, group, id string) error
	// Trim drops entries older than minID and returns how many were removed.
	Trim(ctx context.Context, stream, minID string) (int64, error)
	// DeleteIfEmpty removes an empty stream together with its consumer
	// groups. It reports whether the stream was removed.
	DeleteIfEmpty(ctx context.Context, stream string) (bool, error)
	// Streams lists stream names matching a glob pattern.
	Streams(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// ReadError wraps a backend failure during a read. Readers treat it as
// transient and retry.
type ReadError struct {
	Op     string
	Stream string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("streamlog: %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsTransient reports whether err came from a read that may be retried.
func IsTransient(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}

// ParseID splits a "<ms>-<seq>" id. A bare "<ms>" is accepted with seq 0.
func ParseID(id string) (ms, seq uint64, err error) {
	msPart, seqPart, found := strings.Cut(id, "-")
	ms, err = strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if !found {
		return ms, 0, nil
	}
	seq, err = strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return ms, seq, nil
}

// CompareIDs orders two ids. Unparseable ids sort first.
func CompareIDs(a, b string) int {
	ams, aseq, aerr := ParseID(a)
	bms, bseq, berr := ParseID(b)
	switch {
	case aerr != nil && berr != nil:
		return 0
	case aerr != nil:
		return -1
	case berr != nil:
		return 1
	}
	switch {
	case ams < bms:
		return -1
	case ams > bms:
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	}
	return 0
}

// IDAt returns the smallest id that could be assigned at t. Used as a
// MINID threshold for age-based trimming.
func IDAt(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}
