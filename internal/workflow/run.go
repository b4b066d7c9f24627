package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joss/fraude/internal/metrics"
	"github.com/joss/fraude/internal/patch"
	"github.com/joss/fraude/internal/planning"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/synth"
)

var tracer = otel.Tracer("fraude.workflow")

// errPersistFailed marks a persist stage in which no change was written.
var errPersistFailed = errors.New("no pending change could be written")

func (m *Manager) run(ctx context.Context, it *interaction) {
	st := it.snapshot()
	ctx, span := tracer.Start(ctx, "workflow.interaction", trace.WithAttributes(
		attribute.String("interaction.id", st.ID),
		attribute.String("workflow.mode", string(st.Mode)),
	))
	defer span.End()
	defer m.finish(it)

	for {
		s := it.current()
		if s.Terminal() {
			span.SetAttributes(attribute.String("workflow.outcome", string(s)))
			return
		}

		start := time.Now()
		ev, err := m.step(ctx, it, s)
		metrics.Global().RecordStage(string(s), time.Since(start))
		if err != nil {
			ev = Event{Kind: EventFailed}
			if ctx.Err() != nil {
				ev.Kind = EventCancel
				it.log.Info("stage_cancelled", map[string]any{"state": s})
			} else {
				it.log.Error("stage_failed", map[string]any{"state": s}, err)
				span.RecordError(err)
			}
			it.update(func(st *WorkflowState) { st.Error = err.Error() })
		}
		if err := it.fire(ev); err != nil {
			it.log.Error("transition_rejected", map[string]any{"state": s, "event": ev.Kind}, err)
			_ = it.fire(Event{Kind: EventFailed})
		}
	}
}

func (m *Manager) step(ctx context.Context, it *interaction, s State) (ev Event, err error) {
	ctx, span := tracer.Start(ctx, "workflow."+string(s))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch s {
	case StateRetrievingContext:
		return m.retrieve(ctx, it)
	case StateAnalyzingPlan:
		return m.analyzePlan(ctx, it)
	case StatePlanReview:
		return m.reviewPlan(ctx, it)
	case StateGeneratingPatch:
		return m.generatePatch(ctx, it)
	case StateComputingPendingChanges:
		return m.computeChanges(ctx, it)
	case StateAwaitingConfirmation:
		return m.awaitConfirmation(ctx, it)
	case StatePersisting:
		return m.persist(ctx, it)
	case StateReindexing:
		return m.reindex(it)
	}
	return Event{}, fmt.Errorf("no handler for state %s", s)
}

func (m *Manager) progress(it *interaction) synth.Progress {
	return func(purpose, total string) {
		it.publish(Update{Kind: UpdateProgress, Purpose: purpose, Text: total})
	}
}

func (m *Manager) retrieve(ctx context.Context, it *interaction) (Event, error) {
	st := it.snapshot()
	rctx, cancel := context.WithTimeout(ctx, m.retrievalTimeout)
	defer cancel()

	c, err := m.retriever.Retrieve(rctx, st.Collection, st.Query)
	if err != nil {
		return Event{}, fmt.Errorf("retrieve context: %w", err)
	}
	it.update(func(w *WorkflowState) {
		w.Snippets = c.Hits
		w.Structure = c.Nodes
		w.Dependencies = c.Dependencies
		w.CodeContext = c.Files
	})
	for _, w := range c.Warnings {
		it.warn(fmt.Sprintf("%s lookup failed for %q: %s", w.Stage, w.Path, w.Err))
	}
	return Event{Kind: EventContextReady, Mode: st.Mode}, nil
}

func (m *Manager) analyzePlan(ctx context.Context, it *interaction) (Event, error) {
	st := it.snapshot()
	c := contextOf(st)

	var (
		out synth.Output
		err error
	)
	if n := len(st.Feedback); n > 0 && st.Plan != "" {
		out, err = m.synth.RevisePlan(ctx, c, st.Query, st.Plan, st.Feedback[n-1], m.progress(it))
	} else {
		out, err = m.synth.Plan(ctx, c, st.Query, m.progress(it))
	}
	if err != nil {
		return Event{}, err
	}
	it.addUsage(out.Usage)
	it.update(func(w *WorkflowState) { w.Plan = out.Text })
	it.publish(Update{Kind: UpdatePlan, Text: out.Text})
	return Event{Kind: EventPlanReady}, nil
}

func (m *Manager) reviewPlan(ctx context.Context, it *interaction) (Event, error) {
	it.mu.RLock()
	g := it.planGate
	it.mu.RUnlock()

	d := g.wait(ctx, planDecision{outcome: PlanCancel})
	switch d.outcome {
	case PlanProceed:
		steps := planning.ParsePlan(it.snapshot().Plan).Steps
		it.update(func(w *WorkflowState) { w.Steps = steps })
		return Event{Kind: EventPlanProceed}, nil
	case PlanModify:
		it.update(func(w *WorkflowState) { w.Feedback = append(w.Feedback, d.feedback) })
		return Event{Kind: EventPlanModify}, nil
	}
	return Event{Kind: EventPlanCancel}, nil
}

func (m *Manager) generatePatch(ctx context.Context, it *interaction) (Event, error) {
	st := it.snapshot()
	c := contextOf(st)

	var (
		out synth.Output
		err error
	)
	if st.Mode == synth.ModePlanning {
		steps := st.Steps
		out, err = m.synth.PatchSteps(ctx, c, steps, m.progress(it))
		it.update(func(w *WorkflowState) { w.Steps = steps })
	} else {
		out, err = m.synth.PatchFast(ctx, c, st.Query, m.progress(it))
	}
	if err != nil {
		return Event{}, err
	}
	it.addUsage(out.Usage)
	it.update(func(w *WorkflowState) { w.PatchText = out.Text })
	return Event{Kind: EventPatchReady}, nil
}

func (m *Manager) computeChanges(ctx context.Context, it *interaction) (Event, error) {
	st := it.snapshot()
	engine := patch.NewEngine(st.RepoRoot, patch.WithSource(m.store))
	edits, warnings := engine.Compute(st.PatchText)
	for _, w := range warnings {
		if w.Line > 0 {
			it.warn(fmt.Sprintf("%s: section at line %d skipped: %s", w.Path, w.Line, w.Reason))
		} else {
			it.warn(fmt.Sprintf("%s: %s", w.Path, w.Reason))
		}
	}

	var staged []*staging.PendingChange
	for _, e := range edits {
		if err := ctx.Err(); err != nil {
			m.discard(staged)
			return Event{}, err
		}
		change, err := m.store.Stage(e.Path, e.Content, staging.KindEdit)
		if err != nil {
			it.warn(fmt.Sprintf("%s: stage failed: %v", e.Requested, err))
			continue
		}
		staged = append(staged, change)
	}
	it.update(func(w *WorkflowState) { w.PendingChanges = staged })
	it.publish(Update{Kind: UpdateChanges, Text: fmt.Sprintf("%d file(s) changed", len(staged))})
	return Event{Kind: EventChangesComputed}, nil
}

func (m *Manager) awaitConfirmation(ctx context.Context, it *interaction) (Event, error) {
	it.mu.RLock()
	g := it.confirmGate
	it.mu.RUnlock()

	if g.wait(ctx, false) {
		it.update(func(w *WorkflowState) { w.UserConfirmed = ConfirmationAccepted })
		return Event{Kind: EventConfirmed}, nil
	}
	it.update(func(w *WorkflowState) { w.UserConfirmed = ConfirmationRejected })
	return Event{Kind: EventRejected}, nil
}

func (m *Manager) persist(ctx context.Context, it *interaction) (Event, error) {
	st := it.snapshot()

	var changed []string
	var cancelErr error
	for _, c := range st.PendingChanges {
		if m.beforeApply != nil {
			m.beforeApply(c)
		}
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		if err := m.store.Apply(c.ID); err != nil {
			it.warn(fmt.Sprintf("%s: write failed: %v", c.Path, err))
			continue
		}
		changed = append(changed, c.Path)
	}
	it.update(func(w *WorkflowState) { w.ChangedFiles = changed })

	if cancelErr != nil {
		// unwritten changes stay staged for a later apply
		it.mu.Lock()
		it.retain = true
		it.mu.Unlock()
		if left := len(st.PendingChanges) - len(changed); left > 0 {
			it.warn(fmt.Sprintf("cancelled during persist: %d change(s) left staged", left))
		}
		if m.reindexer != nil && len(changed) > 0 {
			m.reindexer.Reanalyze(st.Collection, st.RepoRoot, changed)
		}
		return Event{}, cancelErr
	}

	if len(st.PendingChanges) > 0 && len(changed) == 0 {
		it.mu.Lock()
		it.retain = true
		it.mu.Unlock()
		return Event{}, errPersistFailed
	}
	return Event{Kind: EventPersisted}, nil
}

func (m *Manager) reindex(it *interaction) (Event, error) {
	st := it.snapshot()
	if m.reindexer != nil && len(st.ChangedFiles) > 0 {
		m.reindexer.Reanalyze(st.Collection, st.RepoRoot, st.ChangedFiles)
	}
	return Event{Kind: EventReindexed}, nil
}

// finish discards unwritten changes of a cancelled interaction, archives the
// final state and releases subscribers.
func (m *Manager) finish(it *interaction) {
	st := it.snapshot()
	it.mu.RLock()
	retain := it.retain
	it.mu.RUnlock()

	if st.State == StateCancelled && !retain {
		m.discard(st.PendingChanges)
	}

	mt := metrics.Global()
	mt.Outcomes.WithLabelValues(string(st.State)).Inc()
	mt.ActiveWorkflows.Dec()

	if m.archive != nil {
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.archive.Save(actx, it.snapshot()); err != nil {
			it.log.Warn("archive_failed", nil, err)
		}
		cancel()
	}
	it.log.Info("interaction_finished", map[string]any{
		"state":   st.State,
		"changed": len(st.ChangedFiles),
		"tokens":  st.Usage.Total(),
	})
	it.cancel()
	it.close()
	m.scheduleEviction(st.ID)
}

func (m *Manager) discard(changes []*staging.PendingChange) {
	for _, c := range changes {
		if err := m.store.Reject(c.ID); err != nil && !errors.Is(err, staging.ErrNotFound) {
			m.log.Warn("discard_failed", map[string]any{"id": c.ID}, err)
		}
	}
}
