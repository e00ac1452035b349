package domain

import (
	"fmt"
	"time"
)

// EventType tags an OrchestrationEvent. The set is closed.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow:start"
	EventWorkflowStep     EventType = "workflow:step"
	EventWorkflowComplete EventType = "workflow:complete"
	EventWorkflowError    EventType = "workflow:error"
	EventWorkflowGate     EventType = "workflow:gate"
	EventTeamActivate     EventType = "team:activate"
	EventTeamDelegate     EventType = "team:delegate"
	EventTeamComplete     EventType = "team:complete"
	EventContractCheck    EventType = "contract:check"
	EventContractFail     EventType = "contract:fail"
)

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	switch t {
	case EventWorkflowStart, EventWorkflowStep, EventWorkflowComplete, EventWorkflowError, EventWorkflowGate,
		EventTeamActivate, EventTeamDelegate, EventTeamComplete,
		EventContractCheck, EventContractFail:
		return true
	}
	return false
}

// OrchestrationEvent is an immutable record of one state transition.
type OrchestrationEvent struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// PersistedWorkflowState is the durable projection of a WorkflowState.
type PersistedWorkflowState struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       WorkflowStatus `json:"status"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	StateData    map[string]any `json:"state_data"`
	History      []StepResult   `json:"history"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
}

// PersistedTeamState is the durable projection of an ActiveTeam.
type PersistedTeamState struct {
	ID               string               `json:"id"`
	TeamID           string               `json:"team_id"`
	TeamName         string               `json:"team_name"`
	CurrentLead      string               `json:"current_lead"`
	Members          []string             `json:"members"`
	StateData        map[string]any       `json:"state_data"`
	CommunicationLog []CommunicationEntry `json:"communication_log"`
	StartedAt        time.Time            `json:"started_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	UserID           string               `json:"user_id,omitempty"`
}

// WorkflowPatch is a partial update of a persisted workflow record.
// Nil fields are left unchanged.
type WorkflowPatch struct {
	Status      *WorkflowStatus
	CurrentStep *int
	Error       *string
	CompletedAt *time.Time
}

// ListFilter narrows "list active" scans.
type ListFilter struct {
	UserID string
	Limit  int
}

// DefaultListLimit bounds list scans when ListFilter.Limit is zero.
const DefaultListLimit = 20

// EffectiveLimit returns Limit or DefaultListLimit.
func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// ActiveWorkflowStatuses are the non-terminal statuses matched by list-active scans.
// Blocked instances stay listed so a driver can inspect and discard them.
var ActiveWorkflowStatuses = []WorkflowStatus{StatusPending, StatusRunning, StatusBlocked}

// WorkflowRecordID builds wf_<workflow_id>_<started_at unix millis>.
func WorkflowRecordID(workflowID string, startedAt time.Time) string {
	return fmt.Sprintf("wf_%s_%d", workflowID, startedAt.UnixMilli())
}

// TeamRecordID builds team_<team_id>_<started_at unix millis>.
func TeamRecordID(teamID string, startedAt time.Time) string {
	return fmt.Sprintf("team_%s_%d", teamID, startedAt.UnixMilli())
}

// ToRecord projects a WorkflowState into its persisted form.
func (s *WorkflowState) ToRecord() PersistedWorkflowState {
	return PersistedWorkflowState{
		ID:           s.InstanceID(),
		WorkflowID:   s.WorkflowID,
		WorkflowName: s.WorkflowName,
		Status:       s.Status,
		CurrentStep:  s.CurrentStep,
		TotalSteps:   s.TotalSteps,
		StateData:    s.Data,
		History:      s.History,
		StartedAt:    s.StartedAt,
		UpdatedAt:    s.UpdatedAt,
		CompletedAt:  s.CompletedAt,
		Error:        s.Error,
		UserID:       s.UserID,
	}
}

// ToRecord projects an ActiveTeam into its persisted form.
func (t *ActiveTeam) ToRecord(updatedAt time.Time) PersistedTeamState {
	members := make([]string, len(t.Members))
	for i, m := range t.Members {
		members[i] = m.Skill
	}
	lead := t.Team.Lead
	if l := t.Lead(); l != nil {
		lead = l.Skill
	}
	return PersistedTeamState{
		ID:               t.InstanceID(),
		TeamID:           t.Team.ID,
		TeamName:         t.Team.Name,
		CurrentLead:      lead,
		Members:          members,
		StateData:        t.State,
		CommunicationLog: t.CommunicationLog,
		StartedAt:        t.StartedAt,
		UpdatedAt:        updatedAt,
		CompletedAt:      t.CompletedAt,
		UserID:           t.UserID,
	}
}
