package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/gather"
	"github.com/joss/fraude/internal/planning"
	"github.com/joss/fraude/internal/retrieval"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/synth"
)

const utilsPy = `def add(a, b):
    return a + b

def multiply(a, b):
    return a * b

CONSTANT_VALUE = 5
`

const divisionPatch = "FILE: utils.py\nAT LINE 7:\nADD:\n```python\ndef division(a, b):\n    return a / b\n\n```\n"

type recordingReindexer struct {
	mu    sync.Mutex
	files []string
}

func (r *recordingReindexer) Reanalyze(_, _ string, files []string) {
	r.mu.Lock()
	r.files = append(r.files, files...)
	r.mu.Unlock()
}

type memoryArchive struct {
	mu     sync.Mutex
	states []*WorkflowState
}

func (a *memoryArchive) Save(_ context.Context, st *WorkflowState) error {
	a.mu.Lock()
	a.states = append(a.states, st)
	a.mu.Unlock()
	return nil
}

type fixture struct {
	root      string
	store     *staging.Store
	svc       *completion.Scripted
	reindexer *recordingReindexer
	archive   *memoryArchive
	manager   *Manager
}

func newFixture(t *testing.T, mode synth.Mode, responses ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "utils.py"), []byte(utilsPy), 0o644))

	index := retrieval.NewMemory(10)
	require.NoError(t, index.Upsert(context.Background(), "repo", retrieval.ChunkFile("utils.py", utilsPy)))

	f := &fixture{
		root:      root,
		store:     staging.NewStore(root),
		svc:       completion.NewScripted(responses...),
		reindexer: &recordingReindexer{},
		archive:   &memoryArchive{},
	}
	f.manager = NewManager(
		gather.NewRetriever(index),
		synth.New(f.svc),
		f.store,
		WithDefaults(root, "repo", mode),
		WithReindexer(f.reindexer),
		WithArchive(f.archive),
	)
	return f
}

func (f *fixture) start(t *testing.T, query string) string {
	t.Helper()
	id, err := f.manager.StartModification(context.Background(), Request{Query: query})
	require.NoError(t, err)
	return id
}

func waitForState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, s, err := m.Status(id)
		return err == nil && s == want
	}, 5*time.Second, 5*time.Millisecond, "never reached %s", want)
}

func waitDone(t *testing.T, m *Manager, id string) *WorkflowState {
	t.Helper()
	done, err := m.Done(id)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("interaction did not finish")
	}
	st, err := m.Snapshot(id)
	require.NoError(t, err)
	return st
}

func TestFastModeConfirmed(t *testing.T) {
	f := newFixture(t, synth.ModeFast, divisionPatch)
	id := f.start(t, "add a division function to utils")

	waitForState(t, f.manager, id, StateAwaitingConfirmation)
	status, _, err := f.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, status)

	changes, err := f.manager.PendingChanges(id)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	stats := staging.DiffStats(changes[0])
	assert.Equal(t, 2, stats.Added)
	assert.Equal(t, 0, stats.Removed)

	onDisk, _ := os.ReadFile(filepath.Join(f.root, "utils.py"))
	assert.Equal(t, utilsPy, string(onDisk), "nothing written before confirmation")

	require.NoError(t, f.manager.ResolveConfirmation(id, true))
	st := waitDone(t, f.manager, id)

	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, ConfirmationAccepted, st.UserConfirmed)
	onDisk, _ = os.ReadFile(filepath.Join(f.root, "utils.py"))
	assert.Contains(t, string(onDisk), "def division(a, b):\n    return a / b\nCONSTANT_VALUE = 5\n")
	assert.Equal(t, []string{filepath.Join(f.root, "utils.py")}, f.reindexer.files)
	assert.Empty(t, f.store.List(true))

	require.Len(t, f.archive.states, 1)
	assert.Equal(t, StateDone, f.archive.states[0].State)

	var path []State
	for _, h := range st.History {
		path = append(path, h.To)
	}
	assert.Equal(t, []State{StateGeneratingPatch, StateComputingPendingChanges, StateAwaitingConfirmation, StatePersisting, StateReindexing, StateDone}, path)

	prompts := f.svc.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].User, "FILE: utils.py\nCODE:")
}

func TestFastModeRejectedDiscardsChanges(t *testing.T) {
	f := newFixture(t, synth.ModeFast, divisionPatch)
	id := f.start(t, "add a division function")

	waitForState(t, f.manager, id, StateAwaitingConfirmation)
	require.Len(t, f.store.List(true), 1)
	require.NoError(t, f.manager.ResolveConfirmation(id, false))

	st := waitDone(t, f.manager, id)
	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, ConfirmationRejected, st.UserConfirmed)
	assert.Empty(t, f.store.List(true))
	onDisk, _ := os.ReadFile(filepath.Join(f.root, "utils.py"))
	assert.Equal(t, utilsPy, string(onDisk))
	assert.Empty(t, f.reindexer.files)
}

func TestCancelWhileAwaitingConfirmation(t *testing.T) {
	f := newFixture(t, synth.ModeFast, divisionPatch)
	id := f.start(t, "add a division function")
	waitForState(t, f.manager, id, StateAwaitingConfirmation)

	require.NoError(t, f.manager.Cancel(id))
	st := waitDone(t, f.manager, id)

	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, ConfirmationRejected, st.UserConfirmed)
	assert.Empty(t, f.store.List(true))
	assert.ErrorIs(t, f.manager.ResolveConfirmation(id, true), ErrNotAwaiting)
	assert.NoError(t, f.manager.Cancel(id))
}

func TestPlanningModeWithRevision(t *testing.T) {
	firstPlan := "FILE: utils.py\n- [ ] TASK: add subtract\n"
	revised := "FILE: utils.py\n- [ ] TASK: add a division function before CONSTANT_VALUE\n"
	f := newFixture(t, synth.ModePlanning, firstPlan, revised, divisionPatch)
	id := f.start(t, "add division")

	waitForState(t, f.manager, id, StatePlanReview)
	status, _, _ := f.manager.Status(id)
	assert.Equal(t, StatusAwaitingComment, status)
	assert.ErrorIs(t, f.manager.ResolveConfirmation(id, true), ErrNotAwaiting)

	require.NoError(t, f.manager.ResolvePlanReview(id, PlanModify, "it should be division, not subtract"))
	require.Eventually(t, func() bool {
		st, _ := f.manager.Snapshot(id)
		return st.State == StatePlanReview && st.Plan == revised
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.ResolvePlanReview(id, PlanProceed, ""))
	waitForState(t, f.manager, id, StateAwaitingConfirmation)

	st, err := f.manager.Snapshot(id)
	require.NoError(t, err)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, "utils.py", st.Steps[0].File)
	require.Len(t, st.PendingChanges, 1)

	prompts := f.svc.Prompts()
	require.Len(t, prompts, 3)
	assert.Equal(t, "revise_plan", prompts[1].Purpose)
	assert.Contains(t, prompts[1].User, "it should be division, not subtract")
	assert.Contains(t, prompts[2].User, "IN utils.py: add a division function before CONSTANT_VALUE")

	require.NoError(t, f.manager.ResolveConfirmation(id, true))
	assert.Equal(t, StateDone, waitDone(t, f.manager, id).State)
}

func TestPlanCancel(t *testing.T) {
	f := newFixture(t, synth.ModePlanning, "FILE: utils.py\n- [ ] TASK: x\n")
	id := f.start(t, "anything")
	waitForState(t, f.manager, id, StatePlanReview)

	require.NoError(t, f.manager.ResolvePlanReview(id, PlanCancel, ""))
	st := waitDone(t, f.manager, id)
	assert.Equal(t, StateCancelled, st.State)
	assert.Empty(t, st.PendingChanges)
	assert.Len(t, f.svc.Prompts(), 1)
}

func TestUnappliedSectionsBecomeWarnings(t *testing.T) {
	p := divisionPatch + "\nFILE: missing.py\nAT LINE 1:\nADD:\n```\nx\n```\n" +
		"\nFILE: utils.py\nAT LINE 2:\nREMOVE:\n```\nnot in the file\n```\n"
	f := newFixture(t, synth.ModeFast, p)
	id := f.start(t, "division")
	waitForState(t, f.manager, id, StateAwaitingConfirmation)

	st, err := f.manager.Snapshot(id)
	require.NoError(t, err)
	require.Len(t, st.PendingChanges, 1)
	joined := strings.Join(st.Warnings, "\n")
	assert.Contains(t, joined, "missing.py")
	assert.Contains(t, joined, "section at line 2 skipped")

	require.NoError(t, f.manager.Cancel(id))
	waitDone(t, f.manager, id)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	f := newFixture(t, synth.ModePlanning, "FILE: utils.py\n- [ ] TASK: x\n")
	id := f.start(t, "anything")
	updates, stop, err := f.manager.Subscribe(id)
	require.NoError(t, err)
	defer stop()

	waitForState(t, f.manager, id, StatePlanReview)
	require.NoError(t, f.manager.Cancel(id))

	var kinds []UpdateKind
	var last State
	for u := range updates {
		kinds = append(kinds, u.Kind)
		if u.Kind == UpdateTransition {
			last = u.To
		}
	}
	assert.Equal(t, StateCancelled, last)
	assert.Contains(t, kinds, UpdateTransition)
}

type failingSynth struct{}

func (failingSynth) Plan(context.Context, *gather.Context, string, synth.Progress) (synth.Output, error) {
	return synth.Output{}, errors.New("model unavailable")
}

func (failingSynth) RevisePlan(context.Context, *gather.Context, string, string, string, synth.Progress) (synth.Output, error) {
	return synth.Output{}, errors.New("model unavailable")
}

func (failingSynth) PatchFast(context.Context, *gather.Context, string, synth.Progress) (synth.Output, error) {
	return synth.Output{}, errors.New("model unavailable")
}

func (failingSynth) PatchSteps(context.Context, *gather.Context, []planning.PlanStep, synth.Progress) (synth.Output, error) {
	return synth.Output{}, errors.New("model unavailable")
}

func TestStageFailureEndsCancelled(t *testing.T) {
	root := t.TempDir()
	m := NewManager(gather.NewRetriever(retrieval.NewMemory(1)), failingSynth{}, staging.NewStore(root), WithDefaults(root, "repo", synth.ModeFast))
	id, err := m.StartModification(context.Background(), Request{Query: "x"})
	require.NoError(t, err)

	st := waitDone(t, m, id)
	assert.Equal(t, StateCancelled, st.State)
	assert.Contains(t, st.Error, "model unavailable")
}

func TestManagerErrors(t *testing.T) {
	f := newFixture(t, synth.ModeFast, "NO CHANGES")
	_, err := f.manager.StartModification(context.Background(), Request{Query: "  "})
	assert.Error(t, err)

	assert.ErrorIs(t, f.manager.Cancel("nope"), ErrUnknownInteraction)
	_, _, err = f.manager.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownInteraction)
	_, err = f.manager.PendingChanges("nope")
	assert.ErrorIs(t, err, ErrUnknownInteraction)

	id := f.start(t, "x")
	assert.Error(t, f.manager.ResolvePlanReview(id, "later", ""))
	require.NoError(t, f.manager.Shutdown(context.Background()))
	assert.True(t, waitDone(t, f.manager, id).State.Terminal())
}

const twoFilePatch = divisionPatch + "FILE: other.py\nAT LINE 1:\nADD:\n```python\nimport utils\n```\n"

func TestCancelDuringPersistLeavesRestStaged(t *testing.T) {
	f := newFixture(t, synth.ModeFast, twoFilePatch)
	other := filepath.Join(f.root, "other.py")
	require.NoError(t, os.WriteFile(other, []byte("print('hi')\n"), 0o644))

	var id string
	calls := 0
	f.manager.beforeApply = func(*staging.PendingChange) {
		calls++
		if calls == 2 {
			assert.NoError(t, f.manager.Cancel(id))
		}
	}

	id = f.start(t, "add a division function and use it")
	waitForState(t, f.manager, id, StateAwaitingConfirmation)
	changes, err := f.manager.PendingChanges(id)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	require.NoError(t, f.manager.ResolveConfirmation(id, true))
	st := waitDone(t, f.manager, id)

	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, []string{filepath.Join(f.root, "utils.py")}, st.ChangedFiles)
	onDisk, _ := os.ReadFile(filepath.Join(f.root, "utils.py"))
	assert.Contains(t, string(onDisk), "def division(a, b):")
	onDisk, _ = os.ReadFile(other)
	assert.Equal(t, "print('hi')\n", string(onDisk))

	left := f.store.List(true)
	require.Len(t, left, 1)
	assert.Equal(t, other, left[0].Path)
	assert.Contains(t, strings.Join(st.Warnings, "\n"), "1 change(s) left staged")
	assert.Equal(t, []string{filepath.Join(f.root, "utils.py")}, f.reindexer.files)

	// the retained change can be flushed once nothing is running
	results, err := f.manager.ApplyStaged()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	onDisk, _ = os.ReadFile(other)
	assert.True(t, strings.HasPrefix(string(onDisk), "import utils\nprint('hi')"))
	assert.Empty(t, f.store.List(true))
}

func TestApplyStagedRefusesWhileRunning(t *testing.T) {
	f := newFixture(t, synth.ModeFast, divisionPatch)
	id := f.start(t, "add a division function")
	waitForState(t, f.manager, id, StateAwaitingConfirmation)

	_, err := f.manager.ApplyStaged()
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, f.store.List(true), 1)

	require.NoError(t, f.manager.Cancel(id))
	waitDone(t, f.manager, id)
}

func TestSetChangeFeedback(t *testing.T) {
	f := newFixture(t, synth.ModeFast, divisionPatch)
	id := f.start(t, "add a division function")
	waitForState(t, f.manager, id, StateAwaitingConfirmation)

	changes, err := f.manager.PendingChanges(id)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	require.NoError(t, f.manager.SetChangeFeedback(id, changes[0].ID, "  guard against zero  "))
	changes, err = f.manager.PendingChanges(id)
	require.NoError(t, err)
	assert.Equal(t, "guard against zero", changes[0].Feedback)

	stored, err := f.store.Get(changes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "guard against zero", stored.Feedback)

	ledger := f.manager.Ledger(true)
	require.Len(t, ledger[filepath.Join(f.root, "utils.py")], 1)

	assert.ErrorIs(t, f.manager.SetChangeFeedback(id, "not-a-change", "x"), staging.ErrNotFound)
	assert.ErrorIs(t, f.manager.SetChangeFeedback("missing", changes[0].ID, "x"), ErrUnknownInteraction)

	require.NoError(t, f.manager.Cancel(id))
	waitDone(t, f.manager, id)
}

func TestFinishedInteractionsAreEvicted(t *testing.T) {
	f := newFixture(t, synth.ModeFast, divisionPatch)
	WithRetention(20 * time.Millisecond)(f.manager)

	id := f.start(t, "add a division function")
	waitForState(t, f.manager, id, StateAwaitingConfirmation)
	require.NoError(t, f.manager.ResolveConfirmation(id, false))

	require.Eventually(t, func() bool {
		_, err := f.manager.Snapshot(id)
		return errors.Is(err, ErrUnknownInteraction)
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.manager.List())
	f.archive.mu.Lock()
	defer f.archive.mu.Unlock()
	require.Len(t, f.archive.states, 1)
	assert.Equal(t, id, f.archive.states[0].ID)
}
