package events

import (
	"fmt"
	"strings"

	"github.com/spawner/orchestrator/internal/domain"
)

// Summary aggregates a session's events.
type Summary struct {
	WorkflowsStarted   int `json:"workflows_started"`
	WorkflowsCompleted int `json:"workflows_completed"`
	TeamsActivated     int `json:"teams_activated"`
	TeamsCompleted     int `json:"teams_completed"`
	StepsDispatched    int `json:"steps_dispatched"`
	GatesPassed        int `json:"gates_passed"`
	GatesFailed        int `json:"gates_failed"`
	Errors             int `json:"errors"`
	ContractFailures   int `json:"contract_failures"`
}

// Summarize counts outcomes across events.
func Summarize(evs []domain.OrchestrationEvent) Summary {
	var s Summary
	for _, e := range evs {
		switch e.Type {
		case domain.EventWorkflowStart:
			s.WorkflowsStarted++
		case domain.EventWorkflowComplete:
			s.WorkflowsCompleted++
		case domain.EventWorkflowStep:
			if str(e.Data, "status") != string(domain.StepSkipped) {
				s.StepsDispatched++
			}
		case domain.EventWorkflowGate:
			if b, _ := e.Data["passed"].(bool); b {
				s.GatesPassed++
			} else {
				s.GatesFailed++
			}
		case domain.EventWorkflowError:
			s.Errors++
		case domain.EventTeamActivate:
			s.TeamsActivated++
		case domain.EventTeamComplete:
			s.TeamsCompleted++
		case domain.EventContractFail:
			s.ContractFailures++
		}
	}
	return s
}

// String renders the summary as a short multi-line report.
func (s Summary) String() string {
	var sb strings.Builder
	sb.WriteString("Session summary\n")
	fmt.Fprintf(&sb, "  Workflows: %d started, %d completed\n", s.WorkflowsStarted, s.WorkflowsCompleted)
	fmt.Fprintf(&sb, "  Teams:     %d activated, %d completed\n", s.TeamsActivated, s.TeamsCompleted)
	fmt.Fprintf(&sb, "  Steps:     %d dispatched\n", s.StepsDispatched)
	fmt.Fprintf(&sb, "  Gates:     %d passed, %d failed\n", s.GatesPassed, s.GatesFailed)
	fmt.Fprintf(&sb, "  Errors:    %d\n", s.Errors)
	fmt.Fprintf(&sb, "  Contract failures: %d\n", s.ContractFailures)
	return sb.String()
}
