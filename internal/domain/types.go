// Package domain defines the core types shared by the orchestrator packages.
package domain

import "time"

// ExecutionMode declares how a workflow intends its steps to run.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModeConditional ExecutionMode = "conditional"
	ModeSupervised  ExecutionMode = "supervised"
)

// WorkflowStatus represents the current status of a workflow instance.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusBlocked   WorkflowStatus = "blocked"
	StatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further steps may execute in this status.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the outcome recorded for one step attempt.
type StepStatus string

const (
	StepSuccess  StepStatus = "success"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
	StepRetrying StepStatus = "retrying"
)

// FailurePolicy decides what a failed quality gate does.
type FailurePolicy string

const (
	PolicyRetry FailurePolicy = "retry"
	PolicyBlock FailurePolicy = "block"
	PolicyWarn  FailurePolicy = "warn"
)

// GateAction is the decision produced by a quality gate check.
type GateAction string

const (
	ActionContinue GateAction = "continue"
	ActionRetry    GateAction = "retry"
	ActionBlock    GateAction = "block"
	ActionWarn     GateAction = "warn"
)

// Severity grades a validation pattern match.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// DefaultMaxIterations is used when a gate leaves MaxIterations unset.
const DefaultMaxIterations = 3

// QualityGate is a post-step checkpoint.
type QualityGate struct {
	Validator     string        `json:"validator" yaml:"validator" validate:"required"`
	Criteria      []string      `json:"criteria,omitempty" yaml:"criteria"`
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations" validate:"gte=0"`
	OnFailure     FailurePolicy `json:"on_failure" yaml:"on_failure" validate:"omitempty,oneof=retry block warn"`
}

// Iterations returns MaxIterations or the default when unset.
func (g QualityGate) Iterations() int {
	if g.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return g.MaxIterations
}

// Policy returns OnFailure, defaulting to retry.
func (g QualityGate) Policy() FailurePolicy {
	if g.OnFailure == "" {
		return PolicyRetry
	}
	return g.OnFailure
}

// WorkflowStep is one immutable entry of a WorkflowDefinition.
type WorkflowStep struct {
	Skill       string       `json:"skill" yaml:"skill" validate:"required"`
	Inputs      []string     `json:"inputs,omitempty" yaml:"inputs"`
	Outputs     []string     `json:"outputs,omitempty" yaml:"outputs"`
	Condition   string       `json:"condition,omitempty" yaml:"condition"`
	QualityGate *QualityGate `json:"quality_gate,omitempty" yaml:"quality_gate"`
	TimeoutSec  int          `json:"timeout_sec,omitempty" yaml:"timeout_sec" validate:"gte=0"`
}

// WorkflowDefinition is an immutable workflow template.
type WorkflowDefinition struct {
	ID           string         `json:"id" yaml:"id" validate:"required"`
	Name         string         `json:"name" yaml:"name" validate:"required"`
	Description  string         `json:"description,omitempty" yaml:"description"`
	Mode         ExecutionMode  `json:"mode" yaml:"mode" validate:"required,oneof=sequential parallel conditional supervised"`
	Steps        []WorkflowStep `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	InitialState map[string]any `json:"initial_state,omitempty" yaml:"initial_state"`
	Outputs      []string       `json:"outputs,omitempty" yaml:"outputs"`
}

// Skills returns the skill sequence of the definition.
func (d *WorkflowDefinition) Skills() []string {
	out := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = s.Skill
	}
	return out
}

// StepResult is an append-only record of one ExecuteStep outcome. A result is
// never edited after it is appended, so what happens to the step later lives
// in WorkflowState.Data instead: the outputs passed to RecordOutputs are
// merged into the bag and also kept whole under "<skill>_output", and each
// gate check writes {passed, action, iteration} under "<skill>_gate".
type StepResult struct {
	StepIndex  int            `json:"step_index"`
	Skill      string         `json:"skill"`
	Status     StepStatus     `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// WorkflowState is the single mutable record of a running workflow instance.
type WorkflowState struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	Status       WorkflowStatus `json:"status"`
	Data         map[string]any `json:"data"`
	History      []StepResult   `json:"history"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	UserID       string         `json:"user_id,omitempty"`

	// DispatchedAt is when the step at CurrentStep-1 was dispatched.
	DispatchedAt time.Time `json:"-"`
}

// InstanceID returns the composite persistence id wf_<workflow_id>_<started_at>.
func (s *WorkflowState) InstanceID() string {
	return WorkflowRecordID(s.WorkflowID, s.StartedAt)
}

// ValidationError is one recorded pattern match or gate problem.
type ValidationError struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Match    string   `json:"match,omitempty"`
}

// CriterionResult is the outcome of one named gate criterion.
type CriterionResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// GateResult is returned by a quality gate check.
type GateResult struct {
	Passed    bool              `json:"passed"`
	Action    GateAction        `json:"action"`
	Iteration int               `json:"iteration"`
	Criteria  []CriterionResult `json:"criteria,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Feedback  string            `json:"feedback"`
}

// CommunicationPattern is a team's declared communication topology.
type CommunicationPattern string

const (
	PatternHubSpoke   CommunicationPattern = "hub-spoke"
	PatternPipeline   CommunicationPattern = "pipeline"
	PatternRoundRobin CommunicationPattern = "round-robin"
	PatternBroadcast  CommunicationPattern = "broadcast"
	PatternMesh       CommunicationPattern = "mesh"
)

// TeamRole is the role a member plays in an active team.
type TeamRole string

const (
	RoleLead       TeamRole = "lead"
	RoleSpecialist TeamRole = "specialist"
	RoleSupport    TeamRole = "support"
)

// SkillTeam is an immutable catalog entry grouping skills.
type SkillTeam struct {
	ID          string               `json:"id" yaml:"id" validate:"required"`
	Name        string               `json:"name" yaml:"name" validate:"required"`
	Description string               `json:"description,omitempty" yaml:"description"`
	Members     []string             `json:"members" yaml:"members" validate:"required,min=1,dive,required"`
	Lead        string               `json:"lead" yaml:"lead" validate:"required"`
	Pattern     CommunicationPattern `json:"pattern" yaml:"pattern" validate:"required,oneof=hub-spoke pipeline round-robin broadcast mesh"`
	Mode        ExecutionMode        `json:"mode" yaml:"mode" validate:"required,oneof=sequential parallel conditional supervised"`
	Triggers    []string             `json:"triggers,omitempty" yaml:"triggers"`
	UseCases    []string             `json:"use_cases,omitempty" yaml:"use_cases"`
}

// TeamMember is a resolved member of an active team.
type TeamMember struct {
	Skill string           `json:"skill"`
	Name  string           `json:"name"`
	Role  TeamRole         `json:"role"`
	Desc  *SkillDescriptor `json:"-"`
}

// CommunicationEntry is one append-only entry of a team's communication log.
type CommunicationEntry struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActiveTeam is a live instantiation of a SkillTeam.
type ActiveTeam struct {
	Team             SkillTeam            `json:"team"`
	Members          []TeamMember         `json:"members"`
	State            map[string]any       `json:"state"`
	CommunicationLog []CommunicationEntry `json:"communication_log"`
	StartedAt        time.Time            `json:"started_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	UserID           string               `json:"user_id,omitempty"`
}

// InstanceID returns the composite persistence id team_<team_id>_<started_at>.
func (t *ActiveTeam) InstanceID() string {
	return TeamRecordID(t.Team.ID, t.StartedAt)
}

// Lead returns the member holding the lead role, or nil.
func (t *ActiveTeam) Lead() *TeamMember {
	for i := range t.Members {
		if t.Members[i].Role == RoleLead {
			return &t.Members[i]
		}
	}
	return nil
}

// ContractRequirement is one normalized data key a receiver expects.
type ContractRequirement struct {
	Key         string         `json:"key"`
	Description string         `json:"description"`
	Required    bool           `json:"required"`
	Validator   func(any) bool `json:"-"`
}

// StateContract lists the requirements of a receiving skill.
type StateContract struct {
	Receiver     string                `json:"receiver"`
	Sender       string                `json:"sender,omitempty"`
	Requirements []ContractRequirement `json:"requirements"`
}

// ContractValidation is the result of checking a contract against a data bag.
type ContractValidation struct {
	Valid        bool           `json:"valid"`
	Missing      []string       `json:"missing"`
	Warnings     []string       `json:"warnings"`
	DataReceived map[string]any `json:"data_received"`
}

// HandoffPackage bundles data transferred from one skill to the next.
type HandoffPackage struct {
	ID          string              `json:"id"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        map[string]any      `json:"data"`
	Context     map[string]any      `json:"context,omitempty"`
	Validation  *ContractValidation `json:"validation,omitempty"`
	Unvalidated bool                `json:"unvalidated,omitempty"`
	Warning     string              `json:"warning,omitempty"`
}
