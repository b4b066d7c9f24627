package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joss/fraude/internal/archive"
	"github.com/joss/fraude/internal/runner"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/workflow"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// InteractionResponse reports where an interaction stands.
type InteractionResponse struct {
	ID     string                     `json:"id"`
	Status workflow.InteractionStatus `json:"status"`
	State  workflow.State             `json:"state"`
}

// DetailResponse is the full view of one interaction.
type DetailResponse struct {
	Status workflow.InteractionStatus `json:"status"`
	Live   bool                       `json:"live"`
	*workflow.WorkflowState
}

// PlanRequest answers the plan review gate.
type PlanRequest struct {
	Outcome  workflow.PlanOutcome `json:"outcome" binding:"required,oneof=proceed modify cancel"`
	Feedback string               `json:"feedback"`
}

// ConfirmRequest answers the confirmation gate.
type ConfirmRequest struct {
	Confirmed *bool `json:"confirmed" binding:"required"`
}

// ChangeView is a pending change with its diff statistics.
type ChangeView struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Kind      staging.Kind   `json:"kind"`
	NewFile   bool           `json:"new_file"`
	Added     int            `json:"added"`
	Removed   int            `json:"removed"`
	Patch     string         `json:"patch"`
	Hunks     []staging.Hunk `json:"hunks"`
	Feedback  string         `json:"feedback,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FeedbackRequest attaches a reviewer note to a pending change.
type FeedbackRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

// AppliedView reports the outcome of writing one staged change.
type AppliedView struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// TestRequest runs a command against the staged tree.
type TestRequest struct {
	Command string `json:"command" binding:"required"`
}

func viewOf(c *staging.PendingChange) ChangeView {
	st := staging.DiffStats(c)
	return ChangeView{
		ID:        c.ID,
		Path:      c.Path,
		Kind:      c.Kind,
		NewFile:   c.IsNewFile(),
		Added:     st.Added,
		Removed:   st.Removed,
		Patch:     c.Patch,
		Hunks:     c.Diff,
		Feedback:  c.Feedback,
		CreatedAt: c.CreatedAt,
	}
}

// fail writes the error response matching err.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, workflow.ErrUnknownInteraction), errors.Is(err, archive.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, staging.ErrNotFound):
		status, code = http.StatusNotFound, "CHANGE_NOT_FOUND"
	case errors.Is(err, workflow.ErrNotAwaiting):
		status, code = http.StatusConflict, "NOT_AWAITING"
	case errors.Is(err, workflow.ErrBusy):
		status, code = http.StatusConflict, "BUSY"
	case errors.Is(err, runner.ErrBlocked):
		status, code = http.StatusForbidden, "COMMAND_BLOCKED"
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", map[string]any{"route": c.FullPath()}, err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}

func (s *Server) respondStatus(c *gin.Context, code int, id string) {
	status, state, err := s.manager.Status(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(code, InteractionResponse{ID: id, Status: status, State: state})
}

// handleStart handles POST /interactions.
func (s *Server) handleStart(c *gin.Context) {
	var req workflow.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.manager.StartModification(c.Request.Context(), req)
	if err != nil {
		badRequest(c, err)
		return
	}
	s.respondStatus(c, http.StatusAccepted, id)
}

// handleList handles GET /interactions: live interactions, newest first.
func (s *Server) handleList(c *gin.Context) {
	live := s.manager.List()
	out := make([]InteractionResponse, 0, len(live))
	for _, st := range live {
		out = append(out, InteractionResponse{ID: st.ID, Status: st.Status(), State: st.State})
	}
	c.JSON(http.StatusOK, out)
}

// handleGet handles GET /interactions/:id, falling back to the archive
// for interactions that are no longer held in memory.
func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	st, err := s.manager.Snapshot(id)
	if err == nil {
		c.JSON(http.StatusOK, DetailResponse{Status: st.Status(), Live: true, WorkflowState: st})
		return
	}
	if !errors.Is(err, workflow.ErrUnknownInteraction) || s.history == nil {
		s.fail(c, err)
		return
	}
	st, err = s.history.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DetailResponse{Status: st.Status(), WorkflowState: st})
}

// handleCancel handles DELETE /interactions/:id.
func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Cancel(id); err != nil {
		s.fail(c, err)
		return
	}
	s.respondStatus(c, http.StatusAccepted, id)
}

// handlePlan handles POST /interactions/:id/plan.
func (s *Server) handlePlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Outcome == workflow.PlanModify && req.Feedback == "" {
		badRequest(c, errors.New("feedback is required to modify the plan"))
		return
	}
	id := c.Param("id")
	if err := s.manager.ResolvePlanReview(id, req.Outcome, req.Feedback); err != nil {
		s.fail(c, err)
		return
	}
	s.respondStatus(c, http.StatusAccepted, id)
}

// handleConfirm handles POST /interactions/:id/confirm.
func (s *Server) handleConfirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := s.manager.ResolveConfirmation(id, *req.Confirmed); err != nil {
		s.fail(c, err)
		return
	}
	s.respondStatus(c, http.StatusAccepted, id)
}

// handleChanges handles GET /interactions/:id/changes.
func (s *Server) handleChanges(c *gin.Context) {
	changes, err := s.manager.PendingChanges(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]ChangeView, 0, len(changes))
	for _, ch := range changes {
		out = append(out, viewOf(ch))
	}
	c.JSON(http.StatusOK, out)
}

// handleFeedback handles POST /interactions/:id/changes/:cid/feedback.
func (s *Server) handleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := s.manager.SetChangeFeedback(id, c.Param("cid"), req.Feedback); err != nil {
		s.fail(c, err)
		return
	}
	s.handleChanges(c)
}

// handleLedger handles GET /changes?hidden=: every staged change, superseded
// entries included, keyed by path.
func (s *Server) handleLedger(c *gin.Context) {
	hidden, _ := strconv.ParseBool(c.DefaultQuery("hidden", "false"))
	out := make(map[string][]ChangeView)
	for path, changes := range s.manager.Ledger(hidden) {
		for _, ch := range changes {
			out[path] = append(out[path], viewOf(ch))
		}
	}
	c.JSON(http.StatusOK, out)
}

// handleApply handles POST /changes/apply.
func (s *Server) handleApply(c *gin.Context) {
	results, err := s.manager.ApplyStaged()
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]AppliedView, 0, len(results))
	for _, r := range results {
		v := AppliedView{ID: r.ID, Path: r.Path}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

// handleHistory handles GET /history?state=&limit=&offset=.
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, []archive.Summary{})
		return
	}
	f := archive.Filter{
		State:    workflow.State(c.Query("state")),
		RepoRoot: c.Query("repo"),
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := s.history.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []archive.Summary{}
	}
	c.JSON(http.StatusOK, list)
}

// handleTest handles POST /test.
func (s *Server) handleTest(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "test runner not configured", Code: "UNAVAILABLE"})
		return
	}
	var req TestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.runner.Run(c.Request.Context(), s.testDir, req.Command)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady runs every readiness check with a short deadline.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	checks := make(map[string]string, len(s.checks))
	for name, fn := range s.checks {
		if err := fn(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready, "checks": checks})
}
