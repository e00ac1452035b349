// Package ipc provides the HTTP API over a driving session.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/logging"
	"github.com/spawner/orchestrator/internal/session"
	"github.com/spawner/orchestrator/internal/team"
)

// DefaultPollInterval is how often the event stream checks the bus.
const DefaultPollInterval = time.Second

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Session      *session.Session
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewHandler creates a Handler over s.
func NewHandler(s *session.Session) *Handler {
	return &Handler{
		Session:      s,
		PollInterval: DefaultPollInterval,
		Logger:       logging.WithModule("ipc"),
	}
}

// StartRequest is the body for POST /api/v1/workflows. Exactly one of
// WorkflowID and TeamID is set.
type StartRequest struct {
	WorkflowID string         `json:"workflow_id"`
	TeamID     string         `json:"team_id"`
	Data       map[string]any `json:"data"`
}

// OutputsRequest is the body for POST /api/v1/workflows/{id}/outputs.
type OutputsRequest struct {
	StepIndex int            `json:"step_index"`
	Outputs   map[string]any `json:"outputs"`
}

// GateRequest is the body for POST /api/v1/workflows/{id}/gate. Outputs
// default to the instance's data bag and Iteration to 1.
type GateRequest struct {
	Outputs   map[string]any `json:"outputs"`
	Iteration int            `json:"iteration"`
}

// CancelRequest is the body for POST /api/v1/workflows/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ActivateRequest is the body for POST /api/v1/teams.
type ActivateRequest struct {
	TeamID string         `json:"team_id"`
	Data   map[string]any `json:"data"`
}

// MatchRequest is the body for POST /api/v1/teams/match.
type MatchRequest struct {
	Phrase string `json:"phrase"`
}

// MessageRequest is the body for the delegate and broadcast endpoints.
type MessageRequest struct {
	From    string         `json:"from"`
	To      string         `json:"to,omitempty"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
}

// HandoffRequest is the body for POST /api/v1/handoffs.
type HandoffRequest struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Data    map[string]any `json:"data"`
	Context map[string]any `json:"context,omitempty"`
}

// CompleteRequest is the body for POST /api/v1/teams/{id}/complete.
type CompleteRequest struct {
	Summary string `json:"summary"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": h.Session.ID,
		"open":       len(h.Session.Workflows()),
		"events":     h.Session.Bus.Len(),
	})
}

// ListCatalogWorkflows handles GET /api/v1/catalog/workflows.
func (h *Handler) ListCatalogWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Catalog.Workflows())
}

// ListCatalogTeams handles GET /api/v1/catalog/teams.
func (h *Handler) ListCatalogTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Catalog.Teams())
}

// StartWorkflow handles POST /api/v1/workflows.
func (h *Handler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decode(w, r, &req) {
		return
	}
	if (req.WorkflowID == "") == (req.TeamID == "") {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "exactly one of workflow_id and team_id is required"})
		return
	}

	var (
		wf  *session.Workflow
		err error
	)
	if req.TeamID != "" {
		wf, err = h.Session.RunTeam(r.Context(), req.TeamID, req.Data)
	} else {
		wf, err = h.Session.StartWorkflow(r.Context(), req.WorkflowID, req.Data)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf.Snapshot())
}

// ListActiveWorkflows handles GET /api/v1/workflows?limit=N.
func (h *Handler) ListActiveWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	recs, err := h.Session.ListActive(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.PersistedWorkflowState{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetWorkflow handles GET /api/v1/workflows/{id}.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.workflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// StepWorkflow handles POST /api/v1/workflows/{id}/step. It answers 204 when
// the instance has no step left to run.
func (h *Handler) StepWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.workflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.Session.Step(r.Context(), wf.ID())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecordOutputs handles POST /api/v1/workflows/{id}/outputs.
func (h *Handler) RecordOutputs(w http.ResponseWriter, r *http.Request) {
	var req OutputsRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := h.workflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Session.RecordOutputs(r.Context(), wf.ID(), req.StepIndex, req.Outputs); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckGate handles POST /api/v1/workflows/{id}/gate.
func (h *Handler) CheckGate(w http.ResponseWriter, r *http.Request) {
	var req GateRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := h.workflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if req.Outputs == nil {
		req.Outputs = wf.Snapshot().StateData
	}
	if req.Iteration <= 0 {
		req.Iteration = 1
	}
	res, err := h.Session.Gate(r.Context(), wf.ID(), req.Outputs, req.Iteration)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel.
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := h.workflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Session.Cancel(r.Context(), wf.ID(), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// SaveWorkflow handles POST /api/v1/workflows/{id}/save.
func (h *Handler) SaveWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Save(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateTeam handles POST /api/v1/teams.
func (h *Handler) ActivateTeam(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TeamID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "team_id is required"})
		return
	}
	t, err := h.Session.ActivateTeam(r.Context(), req.TeamID, req.Data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t.Snapshot(h.Session.Now().UTC()))
}

// MatchTeam handles POST /api/v1/teams/match.
func (h *Handler) MatchTeam(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !decode(w, r, &req) {
		return
	}
	t, ok := h.Session.MatchTeam(req.Phrase)
	if !ok {
		h.writeError(w, domain.NewEngineError(domain.ErrTeamNotFound.Code, fmt.Sprintf("no team matches %q", req.Phrase)))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetTeam handles GET /api/v1/teams/{id}.
func (h *Handler) GetTeam(w http.ResponseWriter, r *http.Request) {
	t, err := h.team(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot(h.Session.Now().UTC()))
}

// Delegate handles POST /api/v1/teams/{id}/delegate.
func (h *Handler) Delegate(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	h.withTeam(w, r, func(c *team.Composer, at *domain.ActiveTeam) error {
		return c.Delegate(at, req.From, req.To, req.Message, req.Payload)
	})
}

// Broadcast handles POST /api/v1/teams/{id}/broadcast.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	h.withTeam(w, r, func(c *team.Composer, at *domain.ActiveTeam) error {
		return c.Broadcast(at, req.From, req.Message, req.Payload)
	})
}

// CompleteTeam handles POST /api/v1/teams/{id}/complete.
func (h *Handler) CompleteTeam(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	h.withTeam(w, r, func(c *team.Composer, at *domain.ActiveTeam) error {
		return c.Complete(at, req.Summary)
	})
}

// SaveTeam handles POST /api/v1/teams/{id}/save.
func (h *Handler) SaveTeam(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.SaveTeam(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Brief handles GET /api/v1/teams/{id}/brief/{member}.
func (h *Handler) Brief(w http.ResponseWriter, r *http.Request) {
	t, err := h.team(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var b *team.Brief
	err = h.Session.WithTeam(t.ID(), func(_ *team.Composer, at *domain.ActiveTeam) error {
		var berr error
		b, berr = team.BuildBrief(at, r.PathValue("member"))
		return berr
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CreateHandoff handles POST /api/v1/handoffs. The package is validated
// against the receiver's contract; an unknown receiver yields an unvalidated
// package rather than an error.
func (h *Handler) CreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req HandoffRequest
	if !decode(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "from and to are required"})
		return
	}
	if h.Session.Engine.Contracts == nil {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: "contract checks are disabled"})
		return
	}
	pkg, err := h.Session.Engine.Contracts.CreateHandoffPackage(r.Context(), req.From, req.To, req.Data, req.Context)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

// ListEvents handles GET /api/v1/events?since=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			since = n
		}
	}
	evs := h.Session.Bus.Since(since)
	if evs == nil {
		evs = []domain.OrchestrationEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// Summary handles GET /api/v1/events/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Summary())
}

// StreamEvents handles GET /api/v1/events/stream (SSE). Each event carries its
// bus position as the SSE id.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	next := 0
	if s := r.URL.Query().Get("since"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			next = n
		}
	}
	send := func() {
		for _, ev := range h.Session.Bus.Since(next) {
			next++
			writeSSEEvent(w, flusher, next, ev)
		}
	}
	send()

	interval := h.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (h *Handler) workflow(ctx context.Context, id string) (*session.Workflow, error) {
	wf, err := h.Session.Workflow(id)
	if err == nil || h.Session.Store == nil {
		return wf, err
	}
	return h.Session.ResumeWorkflow(ctx, id)
}

func (h *Handler) team(ctx context.Context, id string) (*session.Team, error) {
	t, err := h.Session.Team(id)
	if err == nil || h.Session.Store == nil {
		return t, err
	}
	return h.Session.ResumeTeam(ctx, id)
}

func (h *Handler) withTeam(w http.ResponseWriter, r *http.Request, fn func(*team.Composer, *domain.ActiveTeam) error) {
	t, err := h.team(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Session.WithTeam(t.ID(), fn); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot(h.Session.Now().UTC()))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrWorkflowNotFound.Code, domain.ErrTeamNotFound.Code, domain.ErrSkillNotFound.Code,
			domain.ErrInstanceNotFound.Code, domain.ErrRecordNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrInstanceExists.Code:
			status = http.StatusConflict
		case domain.ErrWorkflowTerminal.Code, domain.ErrTeamCompleted.Code, domain.ErrNotTeamMember.Code,
			domain.ErrStepOutOfRange.Code, domain.ErrModeUnsupported.Code, domain.ErrDefinitionMismatch.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrNoStore.Code:
			status = http.StatusServiceUnavailable
		}
		if status == http.StatusInternalServerError && h.Logger != nil {
			h.Logger.Error("request failed", "error", err)
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	if h.Logger != nil {
		h.Logger.Error("request failed", "error", err)
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, id int, ev domain.OrchestrationEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, ev.Type, data)
	f.Flush()
}
