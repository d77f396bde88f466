// Package session frames one question's answer on a stream. Every answer is
// bracketed by START and END sentinel entries carrying the question id, so
// several sessions can interleave on one stream and still be told apart.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"streamrelay/internal/logging"
	"streamrelay/internal/models"
	"streamrelay/internal/producer"
	"streamrelay/internal/questions"
	"streamrelay/internal/streamlog"
)

// Entry field names.
const (
	FieldChunk         = "chunkOutput"
	FieldQuestionID    = "questionId"
	FieldTopic         = "topic"
	FieldTopicQuestion = "topicQuestion"
	FieldError         = "error" // set on END when the producer failed
)

var ErrNoBounds = errors.New("session: question has no stream bounds")

// StartSentinel is the chunk text that opens a session.
func StartSentinel(questionID string) string { return "START:" + questionID + ";" }

// EndSentinel is the chunk text that closes a session.
func EndSentinel(questionID string) string { return ";END:" + questionID }

// Kind classifies an entry relative to one session.
type Kind int

const (
	KindForeign Kind = iota // belongs to another session
	KindStart
	KindFragment
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindFragment:
		return "fragment"
	case KindEnd:
		return "end"
	}
	return "foreign"
}

// Classify reports what e is to the session questionID. Sentinels match by
// prefix (START) and suffix (END); the questionId field must match as well.
func Classify(e streamlog.Entry, questionID string) Kind {
	if e.Fields[FieldQuestionID] != questionID {
		return KindForeign
	}
	chunk := e.Fields[FieldChunk]
	switch {
	case strings.HasPrefix(chunk, StartSentinel(questionID)):
		return KindStart
	case strings.HasSuffix(chunk, EndSentinel(questionID)):
		return KindEnd
	}
	return KindFragment
}

// Request identifies the session to frame.
type Request struct {
	QuestionID string
	ConnID     string // for logging only
	Stream     string
	Prompt     producer.Prompt
}

// Result describes a framed session.
type Result struct {
	StartID     string
	EndID       string
	Fragments   int   // fragments appended
	Dropped     int   // fragments lost to append failures
	ProducerErr error // producer failure, reported on the END entry
}

// Framer appends a producer's output to the log between sentinels and saves
// the resulting Question record.
type Framer struct {
	log   streamlog.Log
	store questions.Store
	now   func() time.Time
}

// NewFramer returns a Framer. store may be nil to skip persistence.
func NewFramer(log streamlog.Log, store questions.Store) *Framer {
	return &Framer{log: log, store: store, now: time.Now}
}

// Run frames fragments as one session. END is appended even when the
// producer fails or ctx is cancelled, so readers are never left waiting.
// An error is returned only when START or END could not be appended.
func (f *Framer) Run(ctx context.Context, req Request, fragments iter.Seq2[string, error]) (*Result, error) {
	logger := logging.WithSession(req.QuestionID, req.ConnID, req.Stream)
	res := &Result{}

	startID, err := f.log.Append(ctx, req.Stream, f.fields(req, StartSentinel(req.QuestionID)))
	if err != nil {
		return res, fmt.Errorf("session %s: append start: %w", req.QuestionID, err)
	}
	res.StartID = startID

	for fragment, err := range fragments {
		if err != nil {
			res.ProducerErr = err
			logger.Warn("producer failed", "error", err, "fragments", res.Fragments)
			break
		}
		if _, err := f.log.Append(ctx, req.Stream, f.fields(req, fragment)); err != nil {
			res.Dropped++
			logger.Warn("dropped fragment", "error", err)
			continue
		}
		res.Fragments++
	}
	if res.ProducerErr == nil && ctx.Err() != nil {
		res.ProducerErr = ctx.Err()
	}

	detached := context.WithoutCancel(ctx)
	endFields := f.fields(req, EndSentinel(req.QuestionID))
	if res.ProducerErr != nil {
		endFields[FieldError] = res.ProducerErr.Error()
	}
	endID, err := f.log.Append(detached, req.Stream, endFields)
	if err != nil {
		return res, fmt.Errorf("session %s: append end: %w", req.QuestionID, err)
	}
	res.EndID = endID

	logger.Info("session framed",
		"start_id", res.StartID, "end_id", res.EndID,
		"fragments", res.Fragments, "dropped", res.Dropped)

	if f.store != nil {
		q := &models.Question{
			QuestionID:           req.QuestionID,
			Topic:                req.Prompt.Topic,
			TopicQuestion:        req.Prompt.Question,
			StreamName:           req.Stream,
			StreamStartMessageID: res.StartID,
			StreamEndMessageID:   res.EndID,
			Failed:               res.ProducerErr != nil,
			CreatedAt:            f.now(),
		}
		if err := f.store.Save(detached, q); err != nil {
			logger.Error("failed to save question record", "error", err)
		}
	}
	return res, nil
}

func (f *Framer) fields(req Request, chunk string) map[string]string {
	return map[string]string{
		FieldQuestionID:    req.QuestionID,
		FieldTopic:         req.Prompt.Topic,
		FieldTopicQuestion: req.Prompt.Question,
		FieldChunk:         chunk,
	}
}

// Replay reads a completed session back from its stream bounds. Entries of
// other sessions inside the range are skipped. Repeated calls return the same
// entries for as long as the stream retains them.
func Replay(ctx context.Context, log streamlog.Log, q *models.Question) ([]streamlog.Entry, error) {
	if q.StreamStartMessageID == "" || q.StreamEndMessageID == "" {
		return nil, ErrNoBounds
	}
	entries, err := log.Range(ctx, q.StreamName, q.StreamStartMessageID, q.StreamEndMessageID)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if Classify(e, q.QuestionID) != KindForeign {
			out = append(out, e)
		}
	}
	return out, nil
}

// Fragments returns the answer text of a session's entries, without sentinels.
func Fragments(entries []streamlog.Entry, questionID string) []string {
	var out []string
	for _, e := range entries {
		if Classify(e, questionID) == KindFragment {
			out = append(out, e.Fields[FieldChunk])
		}
	}
	return out
}
