// Package completion streams text from language model backends.
package completion

import (
	"context"
	"errors"
	"strings"

	"github.com/joss/fraude/internal/metrics"
)

// ErrUnknownProvider is returned by the factory for an unregistered provider.
var ErrUnknownProvider = errors.New("unknown completion provider")

// Usage is token accounting reported by a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates u into a running total.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Chunk is one streamed piece of output. A chunk with Err set is the last
// one sent.
type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}

// Prompt is a system instruction plus the user message.
type Prompt struct {
	Purpose string
	System  string
	User    string
}

// Service streams completions. The returned channel is closed when the
// stream ends or ctx is cancelled.
type Service interface {
	ID() string
	Stream(ctx context.Context, p Prompt) (<-chan Chunk, error)
}

// Progress receives the running total of streamed text.
type Progress func(total string)

// Result is a fully collected completion.
type Result struct {
	Text  string
	Usage Usage
}

// Collect drains a stream, reporting the running total after every chunk.
// Cancellation is checked per chunk; on cancellation partial output is
// discarded and ctx.Err() returned.
func Collect(ctx context.Context, ch <-chan Chunk, progress Progress) (Result, error) {
	var (
		b     strings.Builder
		usage Usage
	)
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return Result{}, err
				}
				return Result{Text: b.String(), Usage: usage}, nil
			}
			if c.Err != nil {
				return Result{}, c.Err
			}
			if c.Usage != nil {
				usage.Add(*c.Usage)
			}
			if c.Text == "" {
				continue
			}
			b.WriteString(c.Text)
			if progress != nil {
				progress(b.String())
			}
		}
	}
}

// Complete streams p from svc and collects it.
func Complete(ctx context.Context, svc Service, p Prompt, progress Progress) (Result, error) {
	ch, err := svc.Stream(ctx, p)
	if err != nil {
		return Result{}, err
	}
	res, err := Collect(ctx, ch, progress)
	if err != nil {
		return Result{}, err
	}
	m := metrics.Global()
	m.RecordCompletion(p.Purpose, len(res.Text))
	m.RecordUsage(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	return res, nil
}

// send delivers c unless ctx is done. It reports whether the receiver is
// still listening.
func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
