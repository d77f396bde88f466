package relay

import (
	"context"
	"fmt"

	"streamrelay/internal/logging"
	"streamrelay/internal/session"
	"streamrelay/internal/streamlog"
)

// Tailing relays by reading the stream forward from a cursor.
//
// The relay waits for its START sentinel, then delivers every entry of its
// session up to and including END. Entries of other sessions are skipped at
// any point. The cursor moves past every entry read, skipped or not.
type Tailing struct {
	log    streamlog.Log
	active ActiveChecker
	opts   Options
}

func NewTailing(log streamlog.Log, active ActiveChecker, opts Options) *Tailing {
	return &Tailing{log: log, active: active, opts: opts.normalized()}
}

func (t *Tailing) Name() string { return "tailing" }

// Prepare captures the stream's last id so the relay ignores history but
// cannot miss a START appended after this call.
func (t *Tailing) Prepare(ctx context.Context, s *Session) error {
	id, err := t.log.LastID(ctx, s.Stream)
	if err != nil {
		return fmt.Errorf("tailing prepare %s: %w", s.Stream, err)
	}
	s.After = id
	return nil
}

func (t *Tailing) Relay(ctx context.Context, s Session, deliver Deliver) error {
	logger := logging.WithRelay(logging.WithSession(s.QuestionID, s.ConnID, s.Stream), t.Name())

	cursor := s.After
	if cursor == "" {
		cursor = streamlog.Beginning
	}
	relaying := false
	idle := newIdleClock(t.opts.MaxIdle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.active.IsActive(s.ConnID) {
			return ErrListenerInactive
		}
		if idle.expired() {
			logger.Warn("relay idle limit reached", "cursor", cursor, "relaying", relaying)
			return ErrIdleTimeout
		}

		entries, err := t.log.Read(ctx, s.Stream, cursor, t.opts.Count, t.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !streamlog.IsTransient(err) {
				return err
			}
			logger.Warn("read failed, retrying", "error", err, "cursor", cursor)
			if err := sleepCtx(ctx, t.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}

		for _, e := range entries {
			cursor = e.ID

			kind := session.Classify(e, s.QuestionID)
			switch {
			case kind == session.KindForeign:
				continue
			case kind == session.KindStart:
				relaying = true
			case !relaying:
				continue
			}

			if !t.active.IsActive(s.ConnID) {
				return ErrListenerInactive
			}
			idle.touch()
			if err := deliver(ctx, kind, e); err != nil {
				return fmt.Errorf("deliver %s: %w", e.ID, err)
			}
			if kind == session.KindEnd {
				logger.Debug("relay complete", "end_id", e.ID)
				return nil
			}
		}
	}
}
