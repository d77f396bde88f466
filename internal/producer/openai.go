package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4"

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional, for compatible providers
	Model   string
}

// OpenAIProducer answers questions with chat completions.
type OpenAIProducer struct {
	client openai.Client
	model  string
}

func NewOpenAIProducer(cfg OpenAIConfig) (*OpenAIProducer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("producer: OpenAI API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIProducer{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (p *OpenAIProducer) params(prompt Prompt) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt.SystemPrompt()),
			openai.UserMessage(prompt.Question),
		},
	}
}

func (p *OpenAIProducer) Stream(ctx context.Context, prompt Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := prompt.Validate(); err != nil {
			yield("", err)
			return
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(prompt))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			yield("", fmt.Errorf("openai stream: %w", err))
		}
	}
}

func (p *OpenAIProducer) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := prompt.Validate(); err != nil {
		return "", err
	}
	resp, err := p.client.Chat.Completions.New(ctx, p.params(prompt))
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
