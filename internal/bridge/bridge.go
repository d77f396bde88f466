// Package bridge connects inbound questions to the producer, the log and a
// relay strategy, and pushes relayed entries to the asking connection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamrelay/internal/listeners"
	"streamrelay/internal/logging"
	"streamrelay/internal/models"
	"streamrelay/internal/producer"
	"streamrelay/internal/questions"
	"streamrelay/internal/relay"
	"streamrelay/internal/services"
	"streamrelay/internal/session"
	"streamrelay/internal/streamlog"
)

// Stream modes.
const (
	ModePerUser = "per_user"
	ModeShared  = "shared"
)

var (
	ErrQuestionInFlight = errors.New("bridge: a question is already streaming for this connection")
	ErrShuttingDown     = errors.New("bridge: shutting down")
	ErrConnectionGone   = errors.New("bridge: connection no longer accepts messages")
)

// Pusher delivers a message to one live connection.
type Pusher interface {
	Push(connID string, msg models.ServerMessage) bool
}

// Options configure a Bridge.
type Options struct {
	StreamBase string // e.g. OPENAI_STREAM
	Mode       string // ModePerUser or ModeShared
	Metrics    *services.Metrics
}

// Ask is one streaming question.
type Ask struct {
	ConnID    string
	Recipient string // per-user stream key; ConnID when empty
	Prompt    producer.Prompt
}

// Bridge runs a producer and a relay per question. Producers and relays run
// on the bridge's own context, so a finished request or a dropped socket
// does not abort an answer already being written.
type Bridge struct {
	log      streamlog.Log
	producer producer.Producer
	strategy relay.Strategy
	registry *listeners.Registry
	store    questions.Store
	framer   *session.Framer
	pusher   Pusher
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]relay.Session // in-flight key -> session
	closed   bool
}

func New(log streamlog.Log, prod producer.Producer, strategy relay.Strategy, registry *listeners.Registry,
	store questions.Store, pusher Pusher, opts Options) *Bridge {
	if opts.Mode == "" {
		opts.Mode = ModePerUser
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		log:      log,
		producer: prod,
		strategy: strategy,
		registry: registry,
		store:    store,
		framer:   session.NewFramer(log, store),
		pusher:   pusher,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]relay.Session),
	}
}

// Connect marks a connection active.
func (b *Bridge) Connect(connID string) error {
	return b.registry.Connect(connID)
}

// Disconnect marks a connection inactive. Its relay stops at its next
// check; its producer keeps writing to the log.
func (b *Bridge) Disconnect(connID string) {
	b.registry.Disconnect(connID)
}

// StreamFor returns the stream a recipient's answers are written to.
func (b *Bridge) StreamFor(recipient string) string {
	if b.opts.Mode == ModeShared {
		return b.opts.StreamBase
	}
	return b.opts.StreamBase + ":" + recipient
}

// inflightKey serialises questions that would share relay state. Group
// relays share a consumer per recipient, so they are keyed by recipient.
func (b *Bridge) inflightKey(s relay.Session) string {
	if _, ok := b.strategy.(*relay.Group); ok {
		return "recipient:" + s.Recipient
	}
	return "conn:" + s.ConnID
}

// Ask accepts a streaming question and returns its id. The answer arrives on
// the connection asynchronously.
func (b *Bridge) Ask(ctx context.Context, a Ask) (string, error) {
	if err := a.Prompt.Validate(); err != nil {
		return "", err
	}
	if a.Recipient == "" {
		a.Recipient = a.ConnID
	}

	questionID := uuid.New().String()
	s := relay.Session{
		ConnID:     a.ConnID,
		QuestionID: questionID,
		Stream:     b.StreamFor(a.Recipient),
		Recipient:  a.Recipient,
		Shared:     b.opts.Mode == ModeShared,
	}
	key := b.inflightKey(s)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, busy := b.inflight[key]; busy {
		b.mu.Unlock()
		return "", ErrQuestionInFlight
	}
	b.inflight[key] = s
	// Counted under the lock so Shutdown never waits on a zero group that
	// is about to grow.
	b.wg.Add(2)
	b.mu.Unlock()

	abort := func() {
		b.release(key)
		b.wg.Add(-2)
	}
	if err := b.registry.Connect(a.ConnID); err != nil {
		abort()
		return "", err
	}
	if err := b.strategy.Prepare(ctx, &s); err != nil {
		abort()
		return "", fmt.Errorf("prepare relay: %w", err)
	}

	logger := logging.WithSession(questionID, a.ConnID, s.Stream)
	logger.Info("question accepted", "topic", a.Prompt.Topic, "strategy", b.strategy.Name())
	b.opts.Metrics.RecordQuestion("stream")

	relayCtx, cancelRelay := context.WithCancel(b.ctx)
	go b.produce(s, a.Prompt, cancelRelay, logger)
	go b.relay(relayCtx, cancelRelay, s, key, logger)

	return questionID, nil
}

func (b *Bridge) release(key string) {
	b.mu.Lock()
	delete(b.inflight, key)
	b.mu.Unlock()
}

func (b *Bridge) produce(s relay.Session, prompt producer.Prompt, cancelRelay context.CancelFunc, logger *slog.Logger) {
	defer b.wg.Done()
	started := time.Now()

	req := session.Request{
		QuestionID: s.QuestionID,
		ConnID:     s.ConnID,
		Stream:     s.Stream,
		Prompt:     prompt,
	}
	res, err := b.framer.Run(b.ctx, req, b.producer.Stream(b.ctx, prompt))
	if err != nil {
		// Without both sentinels the relay cannot finish on its own.
		logger.Error("failed to frame answer", "error", err)
		b.pusher.Push(s.ConnID, models.ServerMessage{
			Type:         models.ServerError,
			QuestionID:   s.QuestionID,
			ErrorCode:    "log_unavailable",
			ErrorMessage: "The answer could not be stored",
		})
		cancelRelay()
		return
	}
	b.opts.Metrics.RecordAnswer(time.Since(started).Seconds(), res.Fragments, res.Dropped, res.ProducerErr != nil)
}

func (b *Bridge) relay(ctx context.Context, cancel context.CancelFunc, s relay.Session, key string, logger *slog.Logger) {
	defer b.wg.Done()
	defer cancel()
	defer b.release(key)

	b.opts.Metrics.RecordRelayStart()
	err := b.strategy.Relay(ctx, s, b.deliverTo(s))

	outcome := "complete"
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrListenerInactive):
		outcome = "disconnected"
	case errors.Is(err, relay.ErrIdleTimeout):
		outcome = "idle"
		b.pusher.Push(s.ConnID, models.ServerMessage{
			Type:         models.ServerError,
			QuestionID:   s.QuestionID,
			ErrorCode:    "timeout",
			ErrorMessage: "The answer stopped arriving",
		})
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
		logger.Error("relay failed", "error", err)
	}
	if err != nil && outcome != "error" {
		logger.Info("relay stopped", "outcome", outcome)
	}
	b.opts.Metrics.RecordRelayEnd(b.strategy.Name(), outcome)
}

// deliverTo maps relayed entries to server messages for s.ConnID.
func (b *Bridge) deliverTo(s relay.Session) relay.Deliver {
	return func(ctx context.Context, kind session.Kind, e streamlog.Entry) error {
		msg := models.ServerMessage{QuestionID: s.QuestionID, EntryID: e.ID}
		switch kind {
		case session.KindStart:
			msg.Type = models.ServerStreamStart
		case session.KindFragment:
			msg.Type = models.ServerChunk
			msg.Content = e.Fields[session.FieldChunk]
		case session.KindEnd:
			msg.Type = models.ServerStreamEnd
			if reason := e.Fields[session.FieldError]; reason != "" {
				msg.Type = models.ServerError
				msg.ErrorCode = "producer_failed"
				msg.ErrorMessage = reason
			}
		default:
			return nil
		}
		if !b.pusher.Push(s.ConnID, msg) {
			return ErrConnectionGone
		}
		b.opts.Metrics.RecordDelivery(kind.String())
		return nil
	}
}

// AskSync answers without framing or relaying; the log is not touched.
func (b *Bridge) AskSync(ctx context.Context, prompt producer.Prompt) (string, error) {
	if err := prompt.Validate(); err != nil {
		return "", err
	}
	b.opts.Metrics.RecordQuestion("sync")
	output, err := b.producer.Complete(ctx, prompt)
	if err != nil {
		b.opts.Metrics.RecordProducerError()
		return "", err
	}
	return output, nil
}

// Question returns the stored record of a completed answer. When recipient
// is set the record must have been written to that recipient's stream;
// otherwise it is reported as not found.
func (b *Bridge) Question(ctx context.Context, questionID, recipient string) (*models.Question, error) {
	q, err := b.store.Get(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if !b.ownedBy(q, recipient) {
		return nil, fmt.Errorf("%w: %s", questions.ErrNotFound, questionID)
	}
	return q, nil
}

// ownedBy reports whether recipient may read q. A shared stream carries no
// recipient, so every record on it is readable.
func (b *Bridge) ownedBy(q *models.Question, recipient string) bool {
	if recipient == "" || b.opts.Mode == ModeShared {
		return true
	}
	return q.StreamName == b.StreamFor(recipient)
}

// Replay rebuilds a completed answer from its stream bounds. recipient is
// checked as in Question.
func (b *Bridge) Replay(ctx context.Context, questionID, recipient string) (*models.ReplayResponse, error) {
	q, err := b.Question(ctx, questionID, recipient)
	if err != nil {
		return nil, err
	}
	entries, err := session.Replay(ctx, b.log, q)
	if err != nil {
		return nil, err
	}
	fragments := session.Fragments(entries, questionID)
	if fragments == nil {
		fragments = []string{}
	}
	return &models.ReplayResponse{
		QuestionID: questionID,
		Fragments:  fragments,
		Output:     strings.Join(fragments, ""),
	}, nil
}

// InFlight returns the number of questions being streamed.
func (b *Bridge) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// StreamInUse reports whether a question in flight writes to or relays from
// stream.
func (b *Bridge) StreamInUse(stream string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.inflight {
		if s.Stream == stream {
			return true
		}
	}
	return false
}

// Shutdown stops accepting questions and waits for running producers and
// relays. If ctx ends first they are cancelled.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}
