package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/gather"
	"github.com/joss/fraude/internal/render"
	"github.com/joss/fraude/internal/retrieval"
	"github.com/joss/fraude/internal/server"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/synth"
	"github.com/joss/fraude/internal/workflow"
)

const utilsPy = "def add(a, b):\n    return a + b\n\nCONSTANT_VALUE = 5\n"

const divisionPatch = "FILE: utils.py\nAT LINE 4:\nADD:\n```python\ndef division(a, b):\n    return a / b\n```\n"

func newTestManager(t *testing.T, mode synth.Mode, responses ...string) (*workflow.Manager, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "utils.py"), []byte(utilsPy), 0o644))

	index := retrieval.NewMemory(10)
	require.NoError(t, index.Upsert(context.Background(), "repo", retrieval.ChunkFile("utils.py", utilsPy)))

	m := workflow.NewManager(
		gather.NewRetriever(index),
		synth.New(completion.NewScripted(responses...)),
		staging.NewStore(root),
		workflow.WithDefaults(root, "repo", mode),
	)
	return m, root
}

func runDriver(t *testing.T, m *workflow.Manager, input string, interactive, yes bool) (*workflow.WorkflowState, string) {
	t.Helper()
	id, err := m.StartModification(context.Background(), workflow.Request{Query: "add a division function"})
	require.NoError(t, err)

	var out bytes.Buffer
	d := &driver{
		manager: m,
		render:  render.New(false),
		out:     &out,
		prompt:  newPrompter(strings.NewReader(input), io.Discard, interactive),
		yes:     yes,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := d.run(ctx, id)
	require.NoError(t, err)
	return st, out.String()
}

func readFile(t *testing.T, root string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, "utils.py"))
	require.NoError(t, err)
	return string(b)
}

func TestDriverAutoApprove(t *testing.T) {
	m, root := newTestManager(t, synth.ModeFast, divisionPatch)

	st, out := runDriver(t, m, "", false, true)

	assert.Equal(t, workflow.StateDone, st.State)
	assert.Contains(t, readFile(t, root), "def division(a, b):")
	assert.Contains(t, out, "utils.py")
	assert.Contains(t, out, "+2 -0")
	assert.Contains(t, out, "awaiting_confirmation")
}

func TestDriverRejectsWithoutTerminal(t *testing.T) {
	m, root := newTestManager(t, synth.ModeFast, divisionPatch)

	st, out := runDriver(t, m, "y\n", false, false)

	assert.Equal(t, workflow.StateCancelled, st.State)
	assert.Equal(t, utilsPy, readFile(t, root))
	assert.Contains(t, out, "confirmation needs a terminal")
}

func TestDriverInteractivePlanning(t *testing.T) {
	plan := "FILE: utils.py\n- [ ] TASK: add a division function\n"
	revised := "FILE: utils.py\n- [ ] TASK: add a division function before CONSTANT_VALUE\n"
	m, root := newTestManager(t, synth.ModePlanning, plan, revised, divisionPatch)

	st, out := runDriver(t, m, "m\nplace it before the constant\np\nyes\n", true, false)

	assert.Equal(t, workflow.StateDone, st.State)
	assert.Equal(t, []string{"place it before the constant"}, st.Feedback)
	assert.Contains(t, readFile(t, root), "def division(a, b):")
	assert.Contains(t, out, "before CONSTANT_VALUE")
}

func TestDriverInputClosedCancels(t *testing.T) {
	m, root := newTestManager(t, synth.ModeFast, divisionPatch)

	st, _ := runDriver(t, m, "", true, false)

	assert.Equal(t, workflow.StateCancelled, st.State)
	assert.Equal(t, utilsPy, readFile(t, root))
}

func TestDriverContextCancel(t *testing.T) {
	m, root := newTestManager(t, synth.ModeFast, divisionPatch)
	id, err := m.StartModification(context.Background(), workflow.Request{Query: "add a division function"})
	require.NoError(t, err)

	// a reader that never yields keeps the prompt waiting
	pr, pw := io.Pipe()
	defer pw.Close()
	d := &driver{
		manager: m,
		render:  render.New(false),
		out:     io.Discard,
		prompt:  newPrompter(pr, io.Discard, true),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool {
			_, s, _ := m.Status(id)
			return s == workflow.StateAwaitingConfirmation
		}, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()

	st, err := d.run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, st.State)
	assert.Equal(t, utilsPy, readFile(t, root))
}

func TestPrompterConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "maybe\n": false} {
		p := newPrompter(strings.NewReader(input), io.Discard, true)
		got, err := p.confirm(context.Background(), "ok?")
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", input)
	}

	p := newPrompter(strings.NewReader(""), io.Discard, true)
	_, err := p.confirm(context.Background(), "ok?")
	assert.ErrorIs(t, err, errNoInput)
}

func TestChangesOf(t *testing.T) {
	views := []server.ChangeView{
		{ID: "a", Path: "new.py", NewFile: true, Hunks: []staging.Hunk{{Lines: []string{"+x"}}}},
		{ID: "b", Path: "old.py", Hunks: []staging.Hunk{{Lines: []string{"-y", "+z"}}}},
	}
	changes := changesOf(views)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].IsNewFile())
	assert.False(t, changes[1].IsNewFile())

	out := render.New(false).Changes(changes)
	assert.Contains(t, out, "new.py (new file)")
	assert.Contains(t, out, "+1 -1")
}

func TestNewAPIClientBase(t *testing.T) {
	assert.Equal(t, "http://localhost:7420/v1", newAPIClient(":7420").base)
	assert.Equal(t, "http://127.0.0.1:7420/v1", newAPIClient("127.0.0.1:7420").base)
	assert.Equal(t, "https://fraude.internal/v1", newAPIClient("https://fraude.internal/").base)
}

func TestListInteractions(t *testing.T) {
	var buf bytes.Buffer
	listInteractions(render.NewWriter(&buf), []server.InteractionResponse{
		{ID: "01A", Status: workflow.StatusRunning, State: workflow.StateGeneratingPatch},
		{ID: "01B", Status: workflow.StatusAwaitingConfirmation, State: workflow.StateAwaitingConfirmation},
		{ID: "01C", Status: workflow.StatusRunning, State: workflow.StateRetrievingContext},
	})
	assert.Equal(t, "\nRUNNING:\n  • 01A\n    └─ generating_patch\n  • 01C\n    └─ retrieving_context\n"+
		"\nAWAITING CONFIRMATION:\n  ? 01B\n    └─ awaiting_confirmation\n", buf.String())

	buf.Reset()
	listInteractions(render.NewWriter(&buf), nil)
	assert.Equal(t, "No live interactions\n", buf.String())
}

func TestListLedger(t *testing.T) {
	var buf bytes.Buffer
	listLedger(render.NewWriter(&buf), map[string][]server.ChangeView{
		"/repo/b.py": {{ID: "c3", Added: 1}},
		"/repo/a.py": {{ID: "c1", Added: 2, Removed: 1}, {ID: "c2", Added: 3, Feedback: "keep names"}},
	})
	assert.Equal(t, "\nSTAGED:\n"+
		"  /repo/a.py\n    └─ c1 superseded +2 -1\n    └─ c2 live +3 -0 \"keep names\"\n"+
		"  /repo/b.py\n    └─ c3 live +1 -0\n", buf.String())

	buf.Reset()
	listLedger(render.NewWriter(&buf), nil)
	assert.Equal(t, "Nothing staged\n", buf.String())
}

func TestListAppliedReportsFailures(t *testing.T) {
	var buf bytes.Buffer
	err := listApplied(render.NewWriter(&buf), []server.AppliedView{
		{ID: "c1", Path: "/repo/a.py"},
		{ID: "c2", Path: "/repo/b.py", Error: "permission denied"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Equal(t, "\nAPPLIED:\n  ✓ /repo/a.py\n  ✗ /repo/b.py\n    └─ permission denied\n", buf.String())

	buf.Reset()
	require.NoError(t, listApplied(render.NewWriter(&buf), nil))
	assert.Equal(t, "Nothing staged\n", buf.String())
}
