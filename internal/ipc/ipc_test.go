package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spawner/orchestrator/internal/catalog"
	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/session"
	"github.com/spawner/orchestrator/internal/skill"
	"github.com/spawner/orchestrator/internal/store"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	reg, err := catalog.New(
		[]domain.WorkflowDefinition{{
			ID: "feature", Name: "Feature", Mode: domain.ModeSequential,
			Steps: []domain.WorkflowStep{
				{Skill: "discovery", Outputs: []string{"requirements"}},
				{Skill: "testing", QualityGate: &domain.QualityGate{
					Validator: "code-review", Criteria: []string{"tests_pass"}, OnFailure: domain.PolicyBlock,
				}},
			},
		}},
		[]domain.SkillTeam{{
			ID: "web", Name: "Web", Members: []string{"discovery", "testing"}, Lead: "discovery",
			Pattern: domain.PatternPipeline, Mode: domain.ModeSequential, Triggers: []string{"web app"},
		}},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	skills := skill.NewMemoryRepository(
		domain.SkillDescriptor{ID: "discovery", Name: "Discovery"},
		domain.SkillDescriptor{ID: "testing", Name: "Testing"},
		domain.SkillDescriptor{ID: "code-review", Name: "Code Review"},
	)
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	s := session.New(reg, skills, st, session.WithUserID("alice"))
	t.Cleanup(func() { s.Close() })

	h := NewHandler(s)
	h.PollInterval = 10 * time.Millisecond
	return h
}

func do(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, r)
	return w
}

func startFeature(t *testing.T, h *Handler) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/workflows", `{"workflow_id":"feature","data":{"goal":"shop"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec domain.PersistedWorkflowState
	json.NewDecoder(w.Body).Decode(&rec)
	return rec.ID
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, h, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), h.Session.ID) {
		t.Errorf("health body lacks session id: %s", w.Body.String())
	}
}

func TestStartWorkflow_Success(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, h, http.MethodPost, "/api/v1/workflows", `{"workflow_id":"feature","data":{"goal":"shop"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec domain.PersistedWorkflowState
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.WorkflowID != "feature" || rec.Status != domain.StatusRunning {
		t.Errorf("got %s %s", rec.WorkflowID, rec.Status)
	}
	if rec.UserID != "alice" {
		t.Errorf("expected user alice, got %q", rec.UserID)
	}
	if rec.StateData["goal"] != "shop" {
		t.Errorf("initial data not applied: %v", rec.StateData)
	}
}

func TestStartWorkflow_BadRequests(t *testing.T) {
	h := newTestHandler(t)
	cases := map[string]struct {
		body string
		want int
	}{
		"invalid json": {"not json", http.StatusBadRequest},
		"neither id":   {`{}`, http.StatusBadRequest},
		"both ids":     {`{"workflow_id":"feature","team_id":"web"}`, http.StatusBadRequest},
		"unknown":      {`{"workflow_id":"nope"}`, http.StatusNotFound},
		"unknown team": {`{"team_id":"nope"}`, http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/workflows", tc.body)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestStepGateAndSave(t *testing.T) {
	h := newTestHandler(t)
	id := startFeature(t, h)

	w := do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/step", "")
	if w.Code != http.StatusOK {
		t.Fatalf("step 1: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/outputs", `{"step_index":0,"outputs":{"requirements":"r1"}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("outputs: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/step", "")
	if w.Code != http.StatusOK {
		t.Fatalf("step 2: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/gate", `{"outputs":{"tests_passed":true}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("gate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var gr domain.GateResult
	json.NewDecoder(w.Body).Decode(&gr)
	if !gr.Passed || gr.Action != domain.ActionContinue || gr.Iteration != 1 {
		t.Errorf("gate result = %+v", gr)
	}

	w = do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/step", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("finished step: expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/save", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("save: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	rec, err := h.Session.Store.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("get saved: %v", err)
	}
	if rec.Status != domain.StatusCompleted || rec.StateData["requirements"] != "r1" {
		t.Errorf("saved record = %s %v", rec.Status, rec.StateData)
	}
}

func TestGate_BlocksWorkflow(t *testing.T) {
	h := newTestHandler(t)
	id := startFeature(t, h)
	do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/step", "")
	do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/step", "")

	w := do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/gate", "")
	var gr domain.GateResult
	json.NewDecoder(w.Body).Decode(&gr)
	if gr.Passed || gr.Action != domain.ActionBlock {
		t.Fatalf("gate result = %+v", gr)
	}

	w = do(t, h, http.MethodGet, "/api/v1/workflows/"+id, "")
	var rec domain.PersistedWorkflowState
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.Status != domain.StatusBlocked {
		t.Errorf("expected blocked, got %s", rec.Status)
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, h, http.MethodGet, "/api/v1/workflows/wf_nope_1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetWorkflow_ResumesFromStore(t *testing.T) {
	h := newTestHandler(t)
	id := startFeature(t, h)
	do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/step", "")
	if w := do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/save", ""); w.Code != http.StatusNoContent {
		t.Fatalf("save: %d", w.Code)
	}

	other := NewHandler(session.New(h.Session.Catalog, skill.NewMemoryRepository(), h.Session.Store))
	w := do(t, other, http.MethodGet, "/api/v1/workflows/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec domain.PersistedWorkflowState
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.CurrentStep != 1 {
		t.Errorf("expected current step 1, got %d", rec.CurrentStep)
	}

	w = do(t, other, http.MethodGet, "/api/v1/workflows", "")
	if !strings.Contains(w.Body.String(), id) {
		t.Errorf("active list lacks %s: %s", id, w.Body.String())
	}
}

func TestCancelWorkflow(t *testing.T) {
	h := newTestHandler(t)
	id := startFeature(t, h)

	w := do(t, h, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", `{"reason":"user abort"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec domain.PersistedWorkflowState
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.Status != domain.StatusCancelled || !strings.Contains(rec.Error, "user abort") {
		t.Errorf("got %s %q", rec.Status, rec.Error)
	}
}

func TestTeams(t *testing.T) {
	h := newTestHandler(t)

	w := do(t, h, http.MethodPost, "/api/v1/teams/match", `{"phrase":"build a web app"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("match: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/api/v1/teams/match", `{"phrase":"quantum"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("no match: expected 404, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/v1/teams", `{"team_id":"web"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("activate: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec domain.PersistedTeamState
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.CurrentLead != "discovery" {
		t.Errorf("lead = %q", rec.CurrentLead)
	}

	w = do(t, h, http.MethodPost, "/api/v1/teams/"+rec.ID+"/delegate", `{"from":"discovery","to":"testing","message":"go"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("delegate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/api/v1/teams/"+rec.ID+"/delegate", `{"from":"discovery","to":"outsider","message":"go"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("non-member: expected 422, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/v1/teams/"+rec.ID+"/complete", `{"summary":"done"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/api/v1/teams/"+rec.ID+"/complete", `{"summary":"again"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("second complete: expected 422, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/v1/teams/"+rec.ID, "")
	json.NewDecoder(w.Body).Decode(&rec)
	if len(rec.CommunicationLog) != 1 || rec.CompletedAt == nil {
		t.Errorf("team record = %+v", rec)
	}
}

func TestListEvents(t *testing.T) {
	h := newTestHandler(t)
	startFeature(t, h)

	w := do(t, h, http.MethodGet, "/api/v1/events", "")
	var evs []domain.OrchestrationEvent
	json.NewDecoder(w.Body).Decode(&evs)
	if len(evs) == 0 || evs[0].Type != domain.EventWorkflowStart {
		t.Fatalf("events = %+v", evs)
	}

	w = do(t, h, http.MethodGet, "/api/v1/events?since=100", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/events/summary", "")
	var sum map[string]int
	json.NewDecoder(w.Body).Decode(&sum)
	if sum["workflows_started"] != 1 {
		t.Errorf("summary = %v", sum)
	}
}

func TestStreamEvents(t *testing.T) {
	h := newTestHandler(t)
	startFeature(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.StreamEvents(w, r)

	body := w.Body.String()
	if !strings.Contains(body, "id: 1\nevent: workflow_start\ndata: ") {
		t.Errorf("stream body = %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, h, http.MethodOptions, "/api/v1/workflows", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestFormatListenURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8787": "http://127.0.0.1:8787",
		":8787":          "http://localhost:8787",
		"0.0.0.0:80":     "http://localhost:80",
		"[::1]:9000":     "http://[::1]:9000",
	}
	for in, want := range cases {
		if got := FormatListenURL(in); got != want {
			t.Errorf("FormatListenURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBriefAndHandoff(t *testing.T) {
	h := newTestHandler(t)

	w := do(t, h, http.MethodPost, "/api/v1/teams", `{"team_id":"web","data":{"goal":"shop"}}`)
	var rec domain.PersistedTeamState
	json.NewDecoder(w.Body).Decode(&rec)
	do(t, h, http.MethodPost, "/api/v1/teams/"+rec.ID+"/delegate", `{"from":"discovery","to":"testing","message":"specs ready"}`)

	w = do(t, h, http.MethodGet, "/api/v1/teams/"+rec.ID+"/brief/testing", "")
	if w.Code != http.StatusOK {
		t.Fatalf("brief: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var b struct {
		Role  domain.TeamRole             `json:"role"`
		Inbox []domain.CommunicationEntry `json:"inbox"`
	}
	json.NewDecoder(w.Body).Decode(&b)
	if b.Role == domain.RoleLead || len(b.Inbox) != 1 {
		t.Errorf("brief = %+v", b)
	}

	w = do(t, h, http.MethodGet, "/api/v1/teams/"+rec.ID+"/brief/stranger", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("non-member brief: expected 422, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/v1/handoffs", `{"from":"discovery","to":"testing","data":{"requirements":"r"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("handoff: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pkg domain.HandoffPackage
	json.NewDecoder(w.Body).Decode(&pkg)
	if pkg.ID == "" || !pkg.Unvalidated || pkg.Data["requirements"] != "r" {
		t.Errorf("handoff = %+v", pkg)
	}

	w = do(t, h, http.MethodPost, "/api/v1/handoffs", `{"from":"discovery"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing receiver: expected 400, got %d", w.Code)
	}
}
