package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/synth"
	"github.com/joss/fraude/internal/workflow"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "nested", "interactions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func state(id string, s workflow.State, updated time.Time) *workflow.WorkflowState {
	return &workflow.WorkflowState{
		ID:           id,
		Query:        "add division to " + id,
		RepoRoot:     "/repo",
		Mode:         synth.ModeFast,
		State:        s,
		ChangedFiles: []string{"/repo/utils.py"},
		Usage:        completion.Usage{PromptTokens: 120, CompletionTokens: 30},
		Warnings:     []string{"missing.py: file not found"},
		History: []workflow.TransitionRecord{
			{From: workflow.StateRetrievingContext, To: workflow.StateGeneratingPatch, Event: workflow.EventContextReady, At: updated},
		},
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
	}
}

func TestSaveAndGet(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, a.Save(ctx, state("01A", workflow.StateDone, now)))

	got, err := a.Get(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDone, got.State)
	assert.Equal(t, []string{"/repo/utils.py"}, got.ChangedFiles)
	assert.Equal(t, 150, got.Usage.Total())
	require.Len(t, got.History, 1)
	assert.Equal(t, workflow.EventContextReady, got.History[0].Event)
	assert.NoError(t, a.Ping(ctx))
}

func TestGetMissing(t *testing.T) {
	a := openTest(t)
	_, err := a.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)
}

func TestSaveReplaces(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, a.Save(ctx, state("01A", workflow.StateAwaitingConfirmation, now)))
	require.NoError(t, a.Save(ctx, state("01A", workflow.StateCancelled, now.Add(time.Second))))

	list, err := a.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, workflow.StateCancelled, list[0].State)
}

func TestListFilters(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, a.Save(ctx, state("01A", workflow.StateDone, base)))
	require.NoError(t, a.Save(ctx, state("01B", workflow.StateCancelled, base.Add(time.Second))))
	require.NoError(t, a.Save(ctx, state("01C", workflow.StateDone, base.Add(2*time.Second))))

	all, err := a.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "01C", all[0].ID)
	assert.Equal(t, 1, all[0].ChangedFiles)
	assert.Equal(t, 120, all[0].PromptTokens)

	done, err := a.List(ctx, Filter{State: workflow.StateDone})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	page, err := a.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "01B", page[0].ID)

	none, err := a.List(ctx, Filter{RepoRoot: "/elsewhere"})
	require.NoError(t, err)
	assert.Empty(t, none)

	outcomes, err := a.Outcomes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[workflow.State]int{workflow.StateDone: 2, workflow.StateCancelled: 1}, outcomes)
}
