package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"streamrelay/internal/logging"
	"streamrelay/internal/session"
	"streamrelay/internal/streamlog"
)

// GroupName is the consumer group serving recipient on streams of base.
func GroupName(base, recipient string) string { return base + "_Grp_" + recipient }

// ConsumerName is the consumer recipient reads as within its group.
func ConsumerName(base, recipient string) string { return base + "_Con_" + recipient }

// Handler processes one claimed entry. Returning nil acknowledges it. Any
// other error leaves it pending and stops the listener, except
// ErrSessionComplete, which acknowledges and stops.
type Handler func(ctx context.Context, e streamlog.StreamEntry) error

// GroupListener reads one or more streams through a consumer group and
// dispatches entries to per-stream handlers.
type GroupListener struct {
	log      streamlog.Log
	group    string
	consumer string
	opts     Options
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewGroupListener(log streamlog.Log, group, consumer string, opts Options) *GroupListener {
	return &GroupListener{
		log:      log,
		group:    group,
		consumer: consumer,
		opts:     opts.normalized(),
		handlers: make(map[string]Handler),
		logger:   slog.With("group", group, "consumer", consumer),
	}
}

// Handle registers h for entries of stream.
func (l *GroupListener) Handle(stream string, h Handler) {
	l.handlers[stream] = h
}

// WithLogger replaces the listener's logger.
func (l *GroupListener) WithLogger(logger *slog.Logger) *GroupListener {
	l.logger = logger.With("group", l.group, "consumer", l.consumer)
	return l
}

// Listen claims and dispatches entries until a handler stops it, check
// returns an error, the idle limit passes or ctx ends. check runs before
// every read and before every dispatch.
func (l *GroupListener) Listen(ctx context.Context, check func() error) error {
	streams := make([]string, 0, len(l.handlers))
	for name := range l.handlers {
		streams = append(streams, name)
	}
	slices.Sort(streams)
	idle := newIdleClock(l.opts.MaxIdle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := check(); err != nil {
			return err
		}
		if idle.expired() {
			l.logger.Warn("group listener idle limit reached")
			return ErrIdleTimeout
		}

		batch, err := l.log.ReadGroup(ctx, streamlog.GroupRead{
			Group:    l.group,
			Consumer: l.consumer,
			Streams:  streams,
			Count:    l.opts.Count,
			Block:    l.opts.Block,
			Reclaim:  l.opts.ClaimIdle > 0,
			MinIdle:  l.opts.ClaimIdle,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !streamlog.IsTransient(err) {
				return err
			}
			l.logger.Warn("group read failed, retrying", "error", err)
			if err := sleepCtx(ctx, l.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}

		for _, se := range batch {
			h, ok := l.handlers[se.Stream]
			if !ok {
				// Left pending so it can be redelivered once a handler exists.
				l.logger.Error("no handler for stream", "stream", se.Stream, "id", se.ID)
				continue
			}
			if err := check(); err != nil {
				return err
			}
			idle.touch()

			herr := h(ctx, se)
			if herr != nil && !errors.Is(herr, ErrSessionComplete) {
				return fmt.Errorf("handle %s on %s: %w", se.ID, se.Stream, herr)
			}
			if err := l.log.Ack(ctx, se.Stream, l.group, se.ID); err != nil {
				l.logger.Warn("ack failed", "stream", se.Stream, "id", se.ID, "error", err)
			}
			if herr != nil {
				return nil
			}
		}
	}
}

// DefaultGroupCacheTTL is how long a created group is remembered before
// Prepare asks the log again.
const DefaultGroupCacheTTL = 10 * time.Minute

// Group relays through a per-recipient consumer group. The group is created
// once per stream, from the beginning of the stream.
type Group struct {
	log    streamlog.Log
	active ActiveChecker
	opts   Options
	base   string

	mu      sync.Mutex
	created *cache.Cache // stream+group -> struct{}, expires so idle recipients are forgotten
}

// NewGroup returns the group strategy for streams named after base.
func NewGroup(log streamlog.Log, active ActiveChecker, base string, opts Options) *Group {
	return &Group{
		log:     log,
		active:  active,
		opts:    opts.normalized(),
		base:    base,
		created: cache.New(DefaultGroupCacheTTL, DefaultGroupCacheTTL/2),
	}
}

func (g *Group) Name() string { return "group" }

// Prepare creates the recipient's consumer group if this process has not
// done so yet. On a shared stream the group starts at the current end so a
// new recipient does not walk the whole history.
func (g *Group) Prepare(ctx context.Context, s *Session) error {
	group := GroupName(g.base, s.recipient())
	key := s.Stream + "\x00" + group

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.created.Get(key); ok {
		return nil
	}
	start := "0"
	if s.Shared {
		start = "$"
	}
	if err := g.log.CreateGroup(ctx, s.Stream, group, start, true); err != nil {
		return fmt.Errorf("group prepare %s: %w", s.Stream, err)
	}
	g.created.SetDefault(key, struct{}{})
	return nil
}

func (g *Group) Relay(ctx context.Context, s Session, deliver Deliver) error {
	logger := logging.WithRelay(logging.WithSession(s.QuestionID, s.ConnID, s.Stream), g.Name())
	recipient := s.recipient()

	l := NewGroupListener(g.log, GroupName(g.base, recipient), ConsumerName(g.base, recipient), g.opts).
		WithLogger(logger)

	l.Handle(s.Stream, func(ctx context.Context, se streamlog.StreamEntry) error {
		kind := session.Classify(se.Entry, s.QuestionID)
		if kind == session.KindForeign {
			// Leftover of an earlier session on this recipient's stream.
			return nil
		}
		if err := deliver(ctx, kind, se.Entry); err != nil {
			return err
		}
		if kind == session.KindEnd {
			return ErrSessionComplete
		}
		return nil
	})

	check := func() error {
		if !g.active.IsActive(s.ConnID) {
			return ErrListenerInactive
		}
		return nil
	}
	err := l.Listen(ctx, check)
	if errors.Is(err, streamlog.ErrNoGroup) {
		// The stream was deleted under us; recreate the group once.
		logger.Warn("consumer group missing, recreating")
		g.forget(s)
		if perr := g.Prepare(ctx, &s); perr != nil {
			return perr
		}
		err = l.Listen(ctx, check)
	}
	if err == nil {
		logger.Debug("relay complete")
	}
	return err
}

func (g *Group) forget(s Session) {
	g.mu.Lock()
	g.created.Delete(s.Stream + "\x00" + GroupName(g.base, s.recipient()))
	g.mu.Unlock()
}
