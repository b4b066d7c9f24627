package completion

import (
	"context"
	"sync"
)

// Scripted replays canned responses in order, split into fixed-size pieces.
// The last response repeats once the script is exhausted. It is used for
// offline runs and tests.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	prompts   []Prompt
	pieceSize int
	Usage     *Usage
}

// NewScripted creates a backend replaying responses.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses, pieceSize: 16}
}

func (s *Scripted) ID() string { return "scripted" }

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

// Stream emits the next scripted response.
func (s *Scripted) Stream(ctx context.Context, p Prompt) (<-chan Chunk, error) {
	s.mu.Lock()
	idx := len(s.prompts)
	s.prompts = append(s.prompts, p)
	var text string
	if n := len(s.responses); n > 0 {
		text = s.responses[min(idx, n-1)]
	}
	usage := s.Usage
	s.mu.Unlock()

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for len(text) > 0 {
			n := min(s.pieceSize, len(text))
			if !send(ctx, ch, Chunk{Text: text[:n]}) {
				return
			}
			text = text[n:]
		}
		if usage != nil {
			u := *usage
			send(ctx, ch, Chunk{Usage: &u})
		}
	}()
	return ch, nil
}
