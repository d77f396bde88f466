package producer

import (
	"context"
	"iter"
	"strings"
	"time"
)

// EchoProducer answers without a model by repeating the question back word by
// word. It is used in development and tests.
type EchoProducer struct {
	Delay time.Duration // pause between fragments
}

func (e *EchoProducer) answer(p Prompt) string {
	return "[" + p.Topic + "] " + p.Question
}

func (e *EchoProducer) Stream(ctx context.Context, p Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := p.Validate(); err != nil {
			yield("", err)
			return
		}
		for _, word := range strings.SplitAfter(e.answer(p), " ") {
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if !yield(word, nil) {
				return
			}
		}
	}
}

func (e *EchoProducer) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return e.answer(p), nil
}
