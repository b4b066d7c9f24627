package completion

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Ollama streams completions from a local Ollama server.
type Ollama struct {
	llm *ollama.LLM
}

// NewOllama creates a backend for cfg.Model at cfg.BaseURL.
func NewOllama(cfg Config) (*Ollama, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, ollama.WithHTTPClient(cfg.HTTPClient))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return &Ollama{llm: llm}, nil
}

func (o *Ollama) ID() string { return string(ProviderOllama) }

// Stream runs the generation in the background, forwarding streamed pieces.
func (o *Ollama) Stream(ctx context.Context, p Prompt) (<-chan Chunk, error) {
	var msgs []llms.MessageContent
	if p.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, p.User))

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		resp, err := o.llm.GenerateContent(ctx, msgs,
			llms.WithStreamingFunc(func(ctx context.Context, piece []byte) error {
				if len(piece) == 0 {
					return nil
				}
				if !send(ctx, ch, Chunk{Text: string(piece)}) {
					return ctx.Err()
				}
				return nil
			}),
		)
		if err != nil {
			send(ctx, ch, Chunk{Err: fmt.Errorf("ollama generate: %w", err)})
			return
		}
		if u := generationUsage(resp); u != nil {
			send(ctx, ch, Chunk{Usage: u})
		}
	}()
	return ch, nil
}

func generationUsage(resp *llms.ContentResponse) *Usage {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}
	info := resp.Choices[0].GenerationInfo
	u := &Usage{
		PromptTokens:     intInfo(info, "PromptTokens"),
		CompletionTokens: intInfo(info, "CompletionTokens"),
	}
	if u.Total() == 0 {
		return nil
	}
	return u
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ Service = (*Ollama)(nil)
