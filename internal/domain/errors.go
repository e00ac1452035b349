package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the orchestrator.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("orchestrator error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an EngineError with the same code, so derived
// errors built with NewEngineError still match their sentinel.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Engine / workflow errors (-32010 to -32039) ----

var (
	ErrWorkflowNotFound   = &EngineError{Code: -32010, Message: "workflow definition not found"}
	ErrWorkflowTerminal   = &EngineError{Code: -32011, Message: "workflow is in a terminal state"}
	ErrModeUnsupported    = &EngineError{Code: -32012, Message: "workflow execution mode is not supported"}
	ErrInvalidDefinition  = &EngineError{Code: -32013, Message: "invalid workflow definition"}
	ErrNilState           = &EngineError{Code: -32014, Message: "workflow state is nil"}
	ErrStepOutOfRange     = &EngineError{Code: -32015, Message: "step index out of range"}
	ErrConditionSyntax    = &EngineError{Code: -32016, Message: "condition expression is malformed"}
	ErrConditionEval      = &EngineError{Code: -32017, Message: "condition expression could not be evaluated"}
	ErrDefinitionMismatch = &EngineError{Code: -32018, Message: "persisted state does not belong to this definition"}
	ErrInstanceNotFound   = &EngineError{Code: -32019, Message: "instance is not open in this session"}
	ErrInstanceExists     = &EngineError{Code: -32020, Message: "instance is already open in this session"}
)

// ---- Skill / team errors (-32040 to -32069) ----

var (
	ErrSkillNotFound    = &EngineError{Code: -32040, Message: "skill not found"}
	ErrTeamNotFound     = &EngineError{Code: -32041, Message: "team not found"}
	ErrNotTeamMember    = &EngineError{Code: -32042, Message: "skill is not a member of the team"}
	ErrTeamCompleted    = &EngineError{Code: -32043, Message: "team has already completed"}
	ErrInvalidTeam      = &EngineError{Code: -32044, Message: "invalid team definition"}
	ErrInvalidSkillFile = &EngineError{Code: -32045, Message: "invalid skill descriptor"}
)

// ---- Contract / gate errors (-32070 to -32099) ----

var (
	ErrContractMissing = &EngineError{Code: -32070, Message: "required contract data missing"}
	ErrInvalidSchema   = &EngineError{Code: -32071, Message: "invalid contract schema"}
	ErrInvalidPattern  = &EngineError{Code: -32072, Message: "invalid validation pattern"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrRecordNotFound  = &EngineError{Code: -32134, Message: "persisted record not found"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrUnknownDriver   = &EngineError{Code: -32137, Message: "unknown store driver"}
	ErrNoStore         = &EngineError{Code: -32138, Message: "session has no state store"}
)
