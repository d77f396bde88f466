// Package producer turns a question into answer text. Producers know nothing
// about the log; framing is done by the session package.
package producer

import (
	"context"
	"errors"
	"iter"
	"strings"
)

var ErrEmptyPrompt = errors.New("producer: topic and question are required")

// Prompt is one question asked about a topic.
type Prompt struct {
	Topic    string
	Question string
}

// Validate rejects prompts missing either part.
func (p Prompt) Validate() error {
	if strings.TrimSpace(p.Topic) == "" || strings.TrimSpace(p.Question) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// SystemPrompt renders the instruction that keeps answers on topic.
func (p Prompt) SystemPrompt() string {
	return "You are an expert in answering questions about " + p.Topic + ".\n" +
		"All questions are about particular topic \"" + p.Topic + "\".\n" +
		"Make sure your answer is related to " + p.Topic + "."
}

// Producer yields answer fragments in order. The sequence ends when the
// answer is complete; a non-nil error is the last value yielded.
type Producer interface {
	Stream(ctx context.Context, p Prompt) iter.Seq2[string, error]
	// Complete returns the whole answer at once.
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Collect drains a stream into a single string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for fragment, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fragment)
	}
	return sb.String(), nil
}
