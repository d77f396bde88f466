// Package relay forwards one session's entries from the log to a single
// connection. Two strategies exist: Tailing reads the stream from a cursor
// without acknowledgement, Group claims entries through a consumer group and
// acknowledges each one after delivery.
//
// Cancellation is cooperative. A relay checks its listener flag before every
// read and before every delivery, so after a disconnect it stops within one
// block window plus the batch in hand.
package relay

import (
	"context"
	"errors"
	"time"

	"streamrelay/internal/session"
	"streamrelay/internal/streamlog"
)

const (
	DefaultBlock      = 5 * time.Second
	DefaultMaxIdle    = 2 * time.Minute
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultClaimIdle  = 30 * time.Second
)

var (
	ErrListenerInactive = errors.New("relay: listener is no longer active")
	ErrIdleTimeout      = errors.New("relay: no session entry within idle limit")
	// ErrSessionComplete is returned by group handlers to stop listening
	// after the entry has been acknowledged.
	ErrSessionComplete = errors.New("relay: session complete")
)

// Session identifies what a relay serves.
type Session struct {
	ConnID     string
	QuestionID string
	Stream     string
	Recipient  string // names the consumer group; defaults to ConnID
	Shared     bool   // stream is shared by all recipients

	// After is the tailing cursor captured by Prepare.
	After string
}

func (s Session) recipient() string {
	if s.Recipient != "" {
		return s.Recipient
	}
	return s.ConnID
}

// Deliver receives one entry of the session. START and END are delivered
// too; kind tells them apart from fragments.
type Deliver func(ctx context.Context, kind session.Kind, e streamlog.Entry) error

// ActiveChecker reports whether a connection still wants output.
type ActiveChecker interface {
	IsActive(connID string) bool
}

// Options tune both strategies.
type Options struct {
	// Block is the read window. Zero blocks until data arrives, which makes
	// disconnects and idle limits observable only when an entry shows up.
	Block time.Duration
	// Count is the batch size per read.
	Count int64
	// MaxIdle stops a relay that has seen no entry of its session for this
	// long. Zero disables the limit.
	MaxIdle time.Duration
	// RetryDelay is the pause after a transient read error.
	RetryDelay time.Duration
	// ClaimIdle enables redelivery of entries left pending this long by an
	// earlier consumer. Group strategy only; zero disables it.
	ClaimIdle time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Block:      DefaultBlock,
		Count:      1,
		MaxIdle:    DefaultMaxIdle,
		RetryDelay: DefaultRetryDelay,
		ClaimIdle:  DefaultClaimIdle,
	}
}

func (o Options) normalized() Options {
	if o.Count <= 0 {
		o.Count = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Block < 0 {
		o.Block = 0
	}
	return o
}

// Strategy is a way of relaying a session.
type Strategy interface {
	Name() string
	// Prepare runs before the producer starts. It may fill fields of s
	// that Relay depends on.
	Prepare(ctx context.Context, s *Session) error
	// Relay delivers the session's entries until END has been delivered
	// (nil), the listener goes inactive, the idle limit passes, ctx ends or
	// deliver fails.
	Relay(ctx context.Context, s Session, deliver Deliver) error
}

// sleepCtx waits d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleClock tracks time since the last session entry.
type idleClock struct {
	limit time.Duration
	last  time.Time
}

func newIdleClock(limit time.Duration) *idleClock {
	return &idleClock{limit: limit, last: time.Now()}
}

func (c *idleClock) touch() { c.last = time.Now() }

func (c *idleClock) expired() bool {
	return c.limit > 0 && time.Since(c.last) > c.limit
}
