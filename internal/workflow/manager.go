package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joss/fraude/internal/gather"
	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/metrics"
	"github.com/joss/fraude/internal/planning"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/synth"
)

// ContextSource retrieves the code context for a query.
type ContextSource interface {
	Retrieve(ctx context.Context, collection, query string) (*gather.Context, error)
}

// Synthesizer produces plans and patch text.
type Synthesizer interface {
	Plan(ctx context.Context, c *gather.Context, query string, progress synth.Progress) (synth.Output, error)
	RevisePlan(ctx context.Context, c *gather.Context, query, previous, feedback string, progress synth.Progress) (synth.Output, error)
	PatchFast(ctx context.Context, c *gather.Context, query string, progress synth.Progress) (synth.Output, error)
	PatchSteps(ctx context.Context, c *gather.Context, steps []planning.PlanStep, progress synth.Progress) (synth.Output, error)
}

// Reindexer is notified of persisted files. It must not block.
type Reindexer interface {
	Reanalyze(collection, repoRoot string, files []string)
}

// Archiver stores terminal workflow states.
type Archiver interface {
	Save(ctx context.Context, st *WorkflowState) error
}

// Request starts a modification.
type Request struct {
	Query      string     `json:"query" binding:"required"`
	RepoRoot   string     `json:"repo_root,omitempty"`
	Collection string     `json:"collection,omitempty"`
	Mode       synth.Mode `json:"mode,omitempty" binding:"omitempty,oneof=fast planning"`
}

// Manager runs interactions and exposes their gates.
type Manager struct {
	retriever ContextSource
	synth     Synthesizer
	store     *staging.Store
	reindexer Reindexer
	archive   Archiver

	repoRoot         string
	collection       string
	mode             synth.Mode
	retrievalTimeout time.Duration
	retention        time.Duration

	mu           sync.RWMutex
	interactions map[string]*interaction

	// called before each confirmed change is written
	beforeApply func(*staging.PendingChange)

	log *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithReindexer sets the collaborator notified after persistence.
func WithReindexer(r Reindexer) Option {
	return func(m *Manager) { m.reindexer = r }
}

// WithArchive stores terminal states in a.
func WithArchive(a Archiver) Option {
	return func(m *Manager) { m.archive = a }
}

// WithDefaults sets the repository, collection and mode used when a
// request leaves them empty.
func WithDefaults(repoRoot, collection string, mode synth.Mode) Option {
	return func(m *Manager) {
		m.repoRoot = repoRoot
		m.collection = collection
		m.mode = mode
	}
}

// WithRetrievalTimeout bounds the context retrieval stage.
func WithRetrievalTimeout(d time.Duration) Option {
	return func(m *Manager) { m.retrievalTimeout = d }
}

// WithRetention sets how long a finished interaction stays in memory before
// it is evicted. Evicted interactions are only reachable through the archive.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// NewManager creates a manager. store is shared by every interaction.
func NewManager(retriever ContextSource, s Synthesizer, store *staging.Store, opts ...Option) *Manager {
	m := &Manager{
		retriever:        retriever,
		synth:            s,
		store:            store,
		mode:             synth.ModeFast,
		retrievalTimeout: time.Minute,
		retention:        15 * time.Minute,
		interactions:     make(map[string]*interaction),
		log:              logging.New("workflow"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartModification begins a workflow and returns its interaction ID. The
// workflow outlives ctx; use Cancel to stop it.
func (m *Manager) StartModification(ctx context.Context, req Request) (string, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return "", errors.New("query is required")
	}
	st := &WorkflowState{
		ID:            ulid.Make().String(),
		Query:         query,
		RepoRoot:      firstNonEmpty(req.RepoRoot, m.repoRoot),
		Collection:    firstNonEmpty(req.Collection, m.collection),
		Mode:          m.mode,
		State:         StateRetrievingContext,
		UserConfirmed: ConfirmationPending,
		CreatedAt:     time.Now(),
	}
	if req.Mode != "" {
		st.Mode = synth.ParseMode(string(req.Mode))
	}
	if st.RepoRoot == "" {
		return "", errors.New("repository root is required")
	}
	st.UpdatedAt = st.CreatedAt

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	it := newInteraction(st, cancel)

	m.mu.Lock()
	m.interactions[st.ID] = it
	m.mu.Unlock()

	metrics.Global().ActiveWorkflows.Inc()
	it.log.Info("interaction_started", map[string]any{"mode": st.Mode, "repo": st.RepoRoot})

	logging.SafeGo("workflow", func() { m.run(runCtx, it) })
	return st.ID, nil
}

// ResolvePlanReview answers the plan review gate.
func (m *Manager) ResolvePlanReview(id string, outcome PlanOutcome, feedback string) error {
	it, err := m.get(id)
	if err != nil {
		return err
	}
	if _, err := ParsePlanOutcome(string(outcome)); err != nil {
		return err
	}
	return it.resolvePlan(planDecision{outcome: outcome, feedback: strings.TrimSpace(feedback)})
}

// ResolveConfirmation answers the confirmation gate.
func (m *Manager) ResolveConfirmation(id string, confirmed bool) error {
	it, err := m.get(id)
	if err != nil {
		return err
	}
	return it.resolveConfirmation(confirmed)
}

// PendingChanges returns the changes staged by an interaction.
func (m *Manager) PendingChanges(id string) ([]*staging.PendingChange, error) {
	it, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return it.snapshot().PendingChanges, nil
}

// Cancel stops an interaction. A waiting gate resolves as rejected.
// Cancelling a finished interaction is a no-op.
func (m *Manager) Cancel(id string) error {
	it, err := m.get(id)
	if err != nil {
		return err
	}
	it.cancel()
	return nil
}

// Status returns the UI status and workflow state.
func (m *Manager) Status(id string) (InteractionStatus, State, error) {
	it, err := m.get(id)
	if err != nil {
		return StatusIdle, "", err
	}
	s := it.current()
	return StatusFor(s), s, nil
}

// Snapshot returns a copy of the interaction's state.
func (m *Manager) Snapshot(id string) (*WorkflowState, error) {
	it, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return it.snapshot(), nil
}

// Subscribe streams updates until the interaction ends or stop is called.
func (m *Manager) Subscribe(id string) (<-chan Update, func(), error) {
	it, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, stop := it.subscribe()
	return ch, stop, nil
}

// Done is closed when the interaction reaches a terminal state.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	it, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return it.done, nil
}

// List returns snapshots of every known interaction, newest first.
func (m *Manager) List() []*WorkflowState {
	m.mu.RLock()
	out := make([]*WorkflowState, 0, len(m.interactions))
	for _, it := range m.interactions {
		out = append(out, it.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Shutdown cancels every running interaction and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	its := make([]*interaction, 0, len(m.interactions))
	for _, it := range m.interactions {
		its = append(its, it)
	}
	m.mu.RUnlock()

	for _, it := range its {
		it.cancel()
	}
	for _, it := range its {
		select {
		case <-it.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetChangeFeedback attaches a reviewer note to one of the interaction's
// pending changes.
func (m *Manager) SetChangeFeedback(id, changeID, feedback string) error {
	it, err := m.get(id)
	if err != nil {
		return err
	}
	owned := false
	for _, c := range it.snapshot().PendingChanges {
		if c.ID == changeID {
			owned = true
			break
		}
	}
	if !owned {
		return fmt.Errorf("%s: %w", changeID, staging.ErrNotFound)
	}
	feedback = strings.TrimSpace(feedback)
	if err := m.store.SetFeedback(changeID, feedback); err != nil {
		return err
	}
	it.update(func(w *WorkflowState) {
		for i, c := range w.PendingChanges {
			if c.ID == changeID {
				cp := *c
				cp.Feedback = feedback
				w.PendingChanges[i] = &cp
			}
		}
	})
	return nil
}

// Ledger returns every staged change in the shared store, superseded ones
// included, keyed by path.
func (m *Manager) Ledger(includeHidden bool) map[string][]*staging.PendingChange {
	return m.store.Grouped(includeHidden)
}

// ApplyStaged writes every live change left in the store, such as those
// retained by an interaction cancelled while persisting, and reindexes the
// written files. It refuses while any interaction is still running.
func (m *Manager) ApplyStaged() ([]staging.ApplyResult, error) {
	m.mu.RLock()
	for _, it := range m.interactions {
		if !it.current().Terminal() {
			m.mu.RUnlock()
			return nil, ErrBusy
		}
	}
	m.mu.RUnlock()

	results := m.store.ApplyAll()
	var written []string
	for _, r := range results {
		if r.Err != nil {
			m.log.Warn("apply_failed", map[string]any{"id": r.ID, "path": r.Path}, r.Err)
			continue
		}
		written = append(written, r.Path)
	}
	if m.reindexer != nil && len(written) > 0 {
		m.reindexer.Reanalyze(m.collection, m.repoRoot, written)
	}
	m.log.Info("ledger_applied", map[string]any{"written": len(written), "total": len(results)})
	return results, nil
}

func (m *Manager) scheduleEviction(id string) {
	evict := func() {
		m.mu.Lock()
		delete(m.interactions, id)
		m.mu.Unlock()
	}
	if m.retention <= 0 {
		evict()
		return
	}
	time.AfterFunc(m.retention, evict)
}

func (m *Manager) get(id string) (*interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.interactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInteraction, id)
	}
	return it, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
