package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/fraude/internal/archive"
	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/gather"
	"github.com/joss/fraude/internal/retrieval"
	"github.com/joss/fraude/internal/runner"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/synth"
	"github.com/joss/fraude/internal/workflow"
)

const utilsPy = `def add(a, b):
    return a + b

def multiply(a, b):
    return a * b

CONSTANT_VALUE = 5
`

const divisionPatch = "FILE: utils.py\nAT LINE 7:\nADD:\n```python\ndef division(a, b):\n    return a / b\n```\n"

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	root    string
	store   *staging.Store
	manager *workflow.Manager
	server  *Server
}

func newEnv(t *testing.T, mode synth.Mode, opts ...Option) *env {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "utils.py"), []byte(utilsPy), 0o644))

	index := retrieval.NewMemory(10)
	require.NoError(t, index.Upsert(context.Background(), "repo", retrieval.ChunkFile("utils.py", utilsPy)))

	responses := []string{divisionPatch}
	if mode == synth.ModePlanning {
		responses = append([]string{"FILE: utils.py\n- [ ] TASK: add a division function\n"}, responses...)
	}
	store := staging.NewStore(root)
	m := workflow.NewManager(
		gather.NewRetriever(index),
		synth.New(completion.NewScripted(responses...)),
		store,
		workflow.WithDefaults(root, "repo", mode),
	)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &env{root: root, store: store, manager: m, server: New(m, opts...)}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *env) start(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/interactions", map[string]any{"query": "add a division function to utils"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func (e *env) waitState(t *testing.T, id string, want workflow.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, s, err := e.manager.Status(id)
		return err == nil && s == want
	}, 5*time.Second, 5*time.Millisecond, "never reached %s", want)
}

func TestHealthAndRequestID(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	w := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "caller-id")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	w := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fraude_")
}

func TestReadyChecks(t *testing.T) {
	e := newEnv(t, synth.ModeFast,
		WithCheck("graph", func(context.Context) error { return nil }),
		WithCheck("retrieval", func(context.Context) error { return errors.New("unreachable") }),
	)
	w := e.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unreachable")
}

func TestStartValidation(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	w := e.do(t, http.MethodPost, "/interactions", map[string]any{"mode": "fast"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/interactions", map[string]any{"query": "x", "mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestFastModeOverHTTP(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	id := e.start(t)
	e.waitState(t, id, workflow.StateAwaitingConfirmation)

	w := e.do(t, http.MethodGet, "/v1/interactions/"+id+"/changes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var changes []ChangeView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, 2, changes[0].Added)
	assert.Equal(t, 0, changes[0].Removed)
	assert.False(t, changes[0].NewFile)

	w = e.do(t, http.MethodPost, "/v1/interactions/"+id+"/plan", map[string]any{"outcome": "proceed"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/v1/interactions/"+id+"/confirm", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "confirmed is required")

	w = e.do(t, http.MethodPost, "/v1/interactions/"+id+"/confirm", map[string]any{"confirmed": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	e.waitState(t, id, workflow.StateDone)

	data, err := os.ReadFile(filepath.Join(e.root, "utils.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "def division(a, b):")

	w = e.do(t, http.MethodGet, "/v1/interactions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "done", detail["state"])
	assert.Equal(t, "done", detail["status"])
	assert.Equal(t, true, detail["live"])
}

func TestPlanningReviewOverHTTP(t *testing.T) {
	e := newEnv(t, synth.ModePlanning)
	id := e.start(t)
	e.waitState(t, id, workflow.StatePlanReview)

	w := e.do(t, http.MethodPost, "/interactions/"+id+"/plan", map[string]any{"outcome": "modify"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "modify needs feedback")

	w = e.do(t, http.MethodPost, "/interactions/"+id+"/plan", map[string]any{"outcome": "later"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/interactions/"+id+"/plan", map[string]any{"outcome": "proceed"})
	require.Equal(t, http.StatusAccepted, w.Code)
	e.waitState(t, id, workflow.StateAwaitingConfirmation)

	w = e.do(t, http.MethodGet, "/interactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestCancelOverHTTP(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	id := e.start(t)
	e.waitState(t, id, workflow.StateAwaitingConfirmation)

	w := e.do(t, http.MethodDelete, "/interactions/"+id, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	e.waitState(t, id, workflow.StateCancelled)
	assert.Empty(t, e.store.List(true))

	data, _ := os.ReadFile(filepath.Join(e.root, "utils.py"))
	assert.Equal(t, utilsPy, string(data))
}

func TestUnknownInteraction(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/interactions/nope"},
		{http.MethodDelete, "/interactions/nope"},
		{http.MethodGet, "/interactions/nope/changes"},
	} {
		w := e.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
		assert.Contains(t, w.Body.String(), "NOT_FOUND")
	}
	w := e.do(t, http.MethodPost, "/interactions/nope/confirm", map[string]any{"confirmed": false})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeHistory struct {
	states map[string]*workflow.WorkflowState
}

func (f *fakeHistory) Get(_ context.Context, id string) (*workflow.WorkflowState, error) {
	if st, ok := f.states[id]; ok {
		return st, nil
	}
	return nil, &archive.NotFoundError{ID: id}
}

func (f *fakeHistory) List(_ context.Context, flt archive.Filter) ([]archive.Summary, error) {
	var out []archive.Summary
	for _, st := range f.states {
		if flt.State == "" || flt.State == st.State {
			out = append(out, archive.Summary{ID: st.ID, State: st.State})
		}
	}
	return out, nil
}

func TestArchivedInteraction(t *testing.T) {
	h := &fakeHistory{states: map[string]*workflow.WorkflowState{
		"01OLD": {ID: "01OLD", State: workflow.StateDone, Query: "old"},
	}}
	e := newEnv(t, synth.ModeFast, WithHistory(h))

	w := e.do(t, http.MethodGet, "/interactions/01OLD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"live":false`)

	w = e.do(t, http.MethodGet, "/interactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/history?state=done", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "01OLD")
}

func TestTestEndpointSeesStagedContent(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	e.server = New(e.manager, WithRunner(runner.NewExecutor(e.store), e.root))

	id := e.start(t)
	e.waitState(t, id, workflow.StateAwaitingConfirmation)

	w := e.do(t, http.MethodPost, "/test", map[string]any{"command": "cat utils.py"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res runner.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Passed())
	assert.Contains(t, res.Output, "def division")

	data, _ := os.ReadFile(filepath.Join(e.root, "utils.py"))
	assert.Equal(t, utilsPy, string(data), "tree restored after the run")

	w = e.do(t, http.MethodPost, "/test", map[string]any{"command": "git reset --hard"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEventStream(t *testing.T) {
	e := newEnv(t, synth.ModePlanning)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	id := e.start(t)
	e.waitState(t, id, workflow.StatePlanReview)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/interactions/" + id + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, e.manager.Cancel(id))

	var last workflow.Update
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var u workflow.Update
		if err := ws.ReadJSON(&u); err != nil {
			break
		}
		if u.Kind == workflow.UpdateTransition {
			last = u
		}
	}
	assert.Equal(t, workflow.StateCancelled, last.To)
	assert.Equal(t, id, last.Interaction)
}

func TestChangeFeedbackLedgerAndApply(t *testing.T) {
	e := newEnv(t, synth.ModeFast)
	id := e.start(t)
	e.waitState(t, id, workflow.StateAwaitingConfirmation)

	var views []ChangeView
	w := e.do(t, http.MethodGet, "/v1/interactions/"+id+"/changes", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	cid := views[0].ID

	w = e.do(t, http.MethodPost, "/v1/interactions/"+id+"/changes/"+cid+"/feedback", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/v1/interactions/"+id+"/changes/nope/feedback", map[string]any{"feedback": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "CHANGE_NOT_FOUND")

	w = e.do(t, http.MethodPost, "/v1/interactions/"+id+"/changes/"+cid+"/feedback", map[string]any{"feedback": "handle zero"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Equal(t, "handle zero", views[0].Feedback)

	var ledger map[string][]ChangeView
	w = e.do(t, http.MethodGet, "/v1/changes?hidden=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ledger))
	path := filepath.Join(e.root, "utils.py")
	require.Len(t, ledger[path], 1)
	assert.Equal(t, cid, ledger[path][0].ID)

	w = e.do(t, http.MethodPost, "/v1/changes/apply", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "BUSY")

	w = e.do(t, http.MethodDelete, "/v1/interactions/"+id, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	done, err := e.manager.Done(id)
	require.NoError(t, err)
	<-done

	var applied []AppliedView
	w = e.do(t, http.MethodPost, "/v1/changes/apply", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &applied))
	assert.Empty(t, applied)
}
