// Package synth turns retrieved context into plans and patch text through a
// completion service.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/gather"
	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/planning"
)

// Mode selects how patches are synthesized.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModePlanning Mode = "planning"
)

// ParseMode maps a configured mode name, defaulting to fast.
func ParseMode(s string) Mode {
	if strings.EqualFold(s, string(ModePlanning)) {
		return ModePlanning
	}
	return ModeFast
}

// Progress receives the running text of the call in flight.
type Progress func(purpose, total string)

// Output is synthesized text and the tokens it cost.
type Output struct {
	Text  string
	Usage completion.Usage
}

// Synthesizer issues completion calls for plans and patches.
type Synthesizer struct {
	svc completion.Service
	log *logging.Logger
}

// New creates a synthesizer backed by svc.
func New(svc completion.Service) *Synthesizer {
	return &Synthesizer{svc: svc, log: logging.New("synth")}
}

func (s *Synthesizer) run(ctx context.Context, p completion.Prompt, progress Progress) (Output, error) {
	var cb completion.Progress
	if progress != nil {
		cb = func(total string) { progress(p.Purpose, total) }
	}
	res, err := completion.Complete(ctx, s.svc, p, cb)
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", p.Purpose, err)
	}
	s.log.Debug("completion_done", map[string]any{
		"purpose": p.Purpose,
		"chars":   len(res.Text),
		"tokens":  res.Usage.Total(),
	})
	return Output{Text: res.Text, Usage: res.Usage}, nil
}

// Plan produces the first plan for query.
func (s *Synthesizer) Plan(ctx context.Context, c *gather.Context, query string, progress Progress) (Output, error) {
	return s.run(ctx, PlanPrompt(c.Dependencies, c.Code(), query), progress)
}

// RevisePlan regenerates the plan with reviewer feedback.
func (s *Synthesizer) RevisePlan(ctx context.Context, c *gather.Context, query, previous, feedback string, progress Progress) (Output, error) {
	return s.run(ctx, RevisePlanPrompt(query, c.Dependencies, c.Code(), previous, feedback), progress)
}

// PatchFast produces patch text for the whole request in one call.
func (s *Synthesizer) PatchFast(ctx context.Context, c *gather.Context, query string, progress Progress) (Output, error) {
	return s.run(ctx, FastPrompt(c.Code(), c.Dependencies, query), progress)
}

// PatchSteps issues one call per step, each scoped to the step's file, and
// concatenates the outputs in step order. Steps whose file is absent from
// the context get a bare FILE header so the model can still address it.
func (s *Synthesizer) PatchSteps(ctx context.Context, c *gather.Context, steps []planning.PlanStep, progress Progress) (Output, error) {
	var (
		out   Output
		parts []string
	)
	for i := range steps {
		step := &steps[i]
		fileCtx := c.ForFile(step.File)
		if fileCtx == "" {
			fileCtx = gather.FileContext(step.File, "")
		}
		res, err := s.run(ctx, StepPrompt(fileCtx, step.Describe()), progress)
		if err != nil {
			step.Status = planning.StepFailed
			return Output{}, fmt.Errorf("step %d (%s): %w", step.Order, step.File, err)
		}
		step.Status = planning.StepCompleted
		out.Usage.Add(res.Usage)
		if t := strings.TrimSpace(res.Text); t != "" {
			parts = append(parts, t)
		}
	}
	out.Text = strings.Join(parts, "\n\n")
	return out, nil
}
