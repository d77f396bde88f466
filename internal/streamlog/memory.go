package streamlog

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryLog is an in-process Log with Redis Streams semantics. It serves
// single-node deployments without Redis and the package tests.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
	wake    chan struct{} // closed and replaced on every append
	lastMs  int64
	seq     uint64
	closed  bool
	now     func() time.Time
}

type memStream struct {
	entries []Entry
	groups  map[string]*memGroup
}

type memGroup struct {
	lastDelivered string
	pending       map[string]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memStream),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

func (l *MemoryLog) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAppendTimeout, stream)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}

	s := l.streamLocked(stream, true)
	id := l.nextIDLocked()
	s.entries = append(s.entries, Entry{ID: id, Fields: maps.Clone(fields)})

	close(l.wake)
	l.wake = make(chan struct{})
	return id, nil
}

func (l *MemoryLog) LastID(ctx context.Context, stream string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(stream, false)
	if s == nil || len(s.entries) == 0 {
		return Beginning, nil
	}
	return s.entries[len(s.entries)-1].ID, nil
}

func (l *MemoryLog) Range(ctx context.Context, stream, start, end string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(stream, false)
	if s == nil {
		return nil, nil
	}
	var out []Entry
	for _, e := range s.entries {
		if start != "-" && CompareIDs(e.ID, start) < 0 {
			continue
		}
		if end != "+" && CompareIDs(e.ID, end) > 0 {
			break
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (l *MemoryLog) Read(ctx context.Context, stream, after string, count int64, block time.Duration) ([]Entry, error) {
	if after == "" {
		after = Beginning
	}
	return waitFor(ctx, l, block, func() ([]Entry, error) {
		s := l.streamLocked(stream, false)
		if s == nil {
			return nil, nil
		}
		var out []Entry
		for _, e := range s.entries {
			if CompareIDs(e.ID, after) <= 0 {
				continue
			}
			out = append(out, cloneEntry(e))
			if count > 0 && int64(len(out)) >= count {
				break
			}
		}
		return out, nil
	})
}

func (l *MemoryLog) CreateGroup(ctx context.Context, stream, group, start string, mkStream bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(stream, mkStream)
	if s == nil {
		return fmt.Errorf("streamlog: create group %s on %s: stream does not exist", group, stream)
	}
	if _, ok := s.groups[group]; ok {
		return nil
	}

	switch start {
	case "$":
		start = Beginning
		if len(s.entries) > 0 {
			start = s.entries[len(s.entries)-1].ID
		}
	case "0", "":
		start = Beginning
	}
	s.groups[group] = &memGroup{
		lastDelivered: start,
		pending:       make(map[string]*memPending),
	}
	return nil
}

func (l *MemoryLog) ReadGroup(ctx context.Context, req GroupRead) ([]StreamEntry, error) {
	return waitFor(ctx, l, req.Block, func() ([]StreamEntry, error) {
		for _, name := range req.Streams {
			if l.groupLocked(name, req.Group) == nil {
				return nil, fmt.Errorf("%w: %s on %s", ErrNoGroup, req.Group, name)
			}
		}
		if req.Reclaim {
			if claimed := l.claimLocked(req); len(claimed) > 0 {
				return claimed, nil
			}
		}
		return l.deliverLocked(req), nil
	})
}

func (l *MemoryLog) Ack(ctx context.Context, stream, group, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g := l.groupLocked(stream, group); g != nil {
		delete(g.pending, id)
	}
	return nil
}

func (l *MemoryLog) Trim(ctx context.Context, stream, minID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(stream, false)
	if s == nil {
		return 0, nil
	}
	keep := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if CompareIDs(e.ID, minID) < 0 {
			removed++
			continue
		}
		keep = append(keep, e)
	}
	s.entries = keep
	return removed, nil
}

func (l *MemoryLog) DeleteIfEmpty(ctx context.Context, stream string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(stream, false)
	if s == nil || len(s.entries) > 0 {
		return false, nil
	}
	delete(l.streams, stream)
	return true, nil
}

func (l *MemoryLog) Streams(ctx context.Context, pattern string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var names []string
	for name := range l.streams {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("streamlog: bad pattern %q: %w", pattern, err)
		}
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Pending returns the ids delivered to group and not yet acknowledged.
func (l *MemoryLog) Pending(stream, group string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.groupLocked(stream, group)
	if g == nil {
		return nil
	}
	ids := slices.Collect(maps.Keys(g.pending))
	slices.SortFunc(ids, CompareIDs)
	return ids
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.wake)
	}
	return nil
}

func (l *MemoryLog) claimLocked(req GroupRead) []StreamEntry {
	now := l.now()
	var out []StreamEntry
	for _, name := range req.Streams {
		s := l.streams[name]
		g := s.groups[req.Group]

		ids := make([]string, 0, len(g.pending))
		for id, p := range g.pending {
			if now.Sub(p.deliveredAt) >= req.MinIdle {
				ids = append(ids, id)
			}
		}
		slices.SortFunc(ids, CompareIDs)

		for _, id := range ids {
			e, ok := findEntry(s.entries, id)
			if !ok {
				// trimmed away; nothing left to redeliver
				delete(g.pending, id)
				continue
			}
			p := g.pending[id]
			p.consumer = req.Consumer
			p.deliveredAt = now
			p.deliveries++
			out = append(out, StreamEntry{Stream: name, Entry: cloneEntry(e)})
			if req.Count > 0 && int64(len(out)) >= req.Count {
				return out
			}
		}
	}
	return out
}

func (l *MemoryLog) deliverLocked(req GroupRead) []StreamEntry {
	now := l.now()
	var out []StreamEntry
	for _, name := range req.Streams {
		s := l.streams[name]
		g := s.groups[req.Group]
		for _, e := range s.entries {
			if CompareIDs(e.ID, g.lastDelivered) <= 0 {
				continue
			}
			g.lastDelivered = e.ID
			g.pending[e.ID] = &memPending{consumer: req.Consumer, deliveredAt: now, deliveries: 1}
			out = append(out, StreamEntry{Stream: name, Entry: cloneEntry(e)})
			if req.Count > 0 && int64(len(out)) >= req.Count {
				return out
			}
		}
	}
	return out
}

func (l *MemoryLog) streamLocked(name string, create bool) *memStream {
	s, ok := l.streams[name]
	if !ok && create {
		s = &memStream{groups: make(map[string]*memGroup)}
		l.streams[name] = s
	}
	return s
}

func (l *MemoryLog) groupLocked(stream, group string) *memGroup {
	s, ok := l.streams[stream]
	if !ok {
		return nil
	}
	return s.groups[group]
}

func (l *MemoryLog) nextIDLocked() string {
	ms := l.now().UnixMilli()
	if ms > l.lastMs {
		l.lastMs = ms
		l.seq = 0
	} else {
		l.seq++
	}
	return strconv.FormatInt(l.lastMs, 10) + "-" + strconv.FormatUint(l.seq, 10)
}

// waitFor runs poll under the lock until it yields a result, the block
// budget expires, the context ends or the log closes.
func waitFor[T any](ctx context.Context, l *MemoryLog, block time.Duration, poll func() ([]T, error)) ([]T, error) {
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		out, err := poll()
		wake := l.wake
		l.mu.Unlock()

		if err != nil || len(out) > 0 || block < 0 {
			return out, err
		}
		select {
		case <-wake:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func findEntry(entries []Entry, id string) (Entry, bool) {
	i := sort.Search(len(entries), func(i int) bool { return CompareIDs(entries[i].ID, id) >= 0 })
	if i < len(entries) && entries[i].ID == id {
		return entries[i], true
	}
	return Entry{}, false
}

func cloneEntry(e Entry) Entry {
	return Entry{ID: e.ID, Fields: maps.Clone(e.Fields)}
}
