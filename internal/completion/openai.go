package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a backend. baseURL may be empty for api.openai.com; a
// URL without a /v1 suffix gets one.
func NewOpenAI(cfg Config) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		oc.BaseURL = base
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: cfg.Model}
}

func (o *OpenAI) ID() string { return string(ProviderOpenAI) }

// Stream opens a streaming chat completion.
func (o *OpenAI) Stream(ctx context.Context, p Prompt) (<-chan Chunk, error) {
	var msgs []openai.ChatCompletionMessage
	if p.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.User})

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         o.model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, ch, Chunk{Err: fmt.Errorf("openai stream: %w", err)})
				return
			}
			c := Chunk{}
			for _, choice := range resp.Choices {
				c.Text += choice.Delta.Content
			}
			if resp.Usage != nil {
				c.Usage = &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
				}
			}
			if c.Text == "" && c.Usage == nil {
				continue
			}
			if !send(ctx, ch, c) {
				return
			}
		}
	}()
	return ch, nil
}

var _ Service = (*OpenAI)(nil)
