package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spawner/orchestrator/internal/contract"
	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/expr"
	"github.com/spawner/orchestrator/internal/gate"
	"github.com/spawner/orchestrator/internal/logging"
)

// Engine advances workflow instances. It holds no per-instance state; callers
// own each WorkflowState and must serialize access to it.
type Engine struct {
	Skills    domain.SkillRepository
	Bus       *events.Bus
	Gates     *gate.Evaluator
	Contracts *contract.Validator
	Modes     *ModeRegistry
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Now       func() time.Time

	// FailClosedConditions skips a step whose condition cannot be parsed or
	// evaluated. The default runs it.
	FailClosedConditions bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithFailClosedConditions makes malformed conditions skip their step.
func WithFailClosedConditions() Option {
	return func(e *Engine) { e.FailClosedConditions = true }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.Tracer = t }
}

// WithoutContractChecks disables the advisory per-step contract validation.
func WithoutContractChecks() Option {
	return func(e *Engine) { e.Contracts = nil }
}

// NewEngine creates an Engine with all collaborators wired.
func NewEngine(skills domain.SkillRepository, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		Skills:    skills,
		Bus:       bus,
		Gates:     gate.NewEvaluator(skills),
		Contracts: contract.NewValidator(skills, bus),
		Modes:     NewModeRegistry(),
		Logger:    logging.WithModule("workflow"),
		Tracer:    defaultTracer(),
		Now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.Contracts != nil {
		e.Contracts.Now = e.Now
	}
	return e
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

// Start creates a running instance of def. initialData is merged over the
// definition's initial state.
func (e *Engine) Start(ctx context.Context, def *domain.WorkflowDefinition, initialData map[string]any) (*domain.WorkflowState, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, domain.ErrInvalidDefinition
	}
	_, span := startSpan(ctx, e.Tracer, "workflow.Start", attribute.String(WorkflowIDKey, def.ID))
	defer span.End()

	policy, err := e.Modes.Get(def.Mode)
	if err != nil {
		setSpanError(span, err)
		return nil, err
	}
	if err := policy.Admit(def); err != nil {
		setSpanError(span, err)
		return nil, err
	}

	data := make(map[string]any, len(def.InitialState)+len(initialData))
	for k, v := range def.InitialState {
		data[k] = v
	}
	for k, v := range initialData {
		data[k] = v
	}

	now := e.now()
	state := &domain.WorkflowState{
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		CurrentStep:  0,
		TotalSteps:   len(def.Steps),
		Status:       domain.StatusRunning,
		Data:         data,
		History:      []domain.StepResult{},
		StartedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(attribute.String(InstanceIDKey, state.InstanceID()))

	e.Bus.Emit(domain.EventWorkflowStart, map[string]any{
		"workflow_id":   def.ID,
		"workflow_name": def.Name,
		"instance_id":   state.InstanceID(),
		"mode":          policy.Name(),
		"total_steps":   len(def.Steps),
		"skills":        def.Skills(),
	})
	e.Logger.Debug("workflow started", "workflow", def.ID, "instance", state.InstanceID(), "steps", len(def.Steps))
	return state, nil
}

// ExecuteStep performs one step attempt on state. It returns a nil result
// when there is nothing to execute: the instance is terminal, or it has just
// been completed. Expected failures are returned as a failed StepResult with
// a nil error.
func (e *Engine) ExecuteStep(ctx context.Context, def *domain.WorkflowDefinition, state *domain.WorkflowState) (*domain.StepResult, error) {
	if state == nil {
		return nil, domain.ErrNilState
	}
	if def == nil {
		return nil, domain.ErrInvalidDefinition
	}
	if def.ID != state.WorkflowID {
		return nil, domain.NewEngineError(domain.ErrDefinitionMismatch.Code,
			fmt.Sprintf("definition %s cannot drive instance of %s", def.ID, state.WorkflowID))
	}
	if state.Status != domain.StatusRunning {
		return nil, nil
	}

	if state.CurrentStep >= len(def.Steps) {
		e.complete(def, state)
		return nil, nil
	}

	idx := state.CurrentStep
	step := def.Steps[idx]
	ctx, span := startSpan(ctx, e.Tracer, "workflow.ExecuteStep",
		attribute.String(WorkflowIDKey, def.ID),
		attribute.String(InstanceIDKey, state.InstanceID()),
		attribute.Int(StepIndexKey, idx),
		attribute.String(SkillKey, step.Skill),
	)
	defer span.End()

	started := e.now()

	if step.Condition != "" && !e.conditionHolds(state, idx, step.Condition) {
		res := domain.StepResult{
			StepIndex: idx,
			Skill:     step.Skill,
			Status:    domain.StepSkipped,
			Timestamp: started,
		}
		e.append(state, res, true)
		e.Bus.Emit(domain.EventWorkflowStep, map[string]any{
			"workflow_id": def.ID,
			"instance_id": state.InstanceID(),
			"step_index":  idx,
			"total_steps": len(def.Steps),
			"skill":       step.Skill,
			"status":      string(domain.StepSkipped),
			"condition":   step.Condition,
		})
		return &res, nil
	}

	inputs := make(map[string]any, len(step.Inputs))
	var missing []string
	for _, key := range step.Inputs {
		_, v, ok := contract.Lookup(state.Data, key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		inputs[key] = v
	}
	if len(missing) > 0 {
		return e.fail(def, state, idx, step, started, "Missing required inputs: "+strings.Join(missing, ", "),
			map[string]any{"missing": missing}), nil
	}

	desc, err := e.Skills.GetSkill(ctx, step.Skill)
	if err != nil {
		if !errors.Is(err, domain.ErrSkillNotFound) {
			setSpanError(span, err)
			return nil, fmt.Errorf("resolve skill %s: %w", step.Skill, err)
		}
		return e.fail(def, state, idx, step, started, "Skill not found: "+step.Skill, nil), nil
	}

	payload := map[string]any{
		"workflow_id": def.ID,
		"instance_id": state.InstanceID(),
		"step_index":  idx,
		"total_steps": len(def.Steps),
		"skill":       step.Skill,
		"skill_name":  desc.Name,
		"inputs":      sortedKeys(inputs),
		"status":      string(domain.StepSuccess),
	}
	if e.Contracts != nil {
		e.checkContract(ctx, state, step.Skill, payload)
	}
	e.Bus.Emit(domain.EventWorkflowStep, payload)

	res := domain.StepResult{
		StepIndex:  idx,
		Skill:      step.Skill,
		Status:     domain.StepSuccess,
		Inputs:     inputs,
		DurationMS: e.now().Sub(started).Milliseconds(),
		Timestamp:  started,
	}
	e.append(state, res, true)
	state.DispatchedAt = started
	e.Logger.Debug("step dispatched", "instance", state.InstanceID(), "step", idx, "skill", step.Skill)
	return &res, nil
}

// checkContract validates the receiver's declared contract against the data
// bag. The outcome is advisory and attached to the step event.
func (e *Engine) checkContract(ctx context.Context, state *domain.WorkflowState, receiver string, payload map[string]any) {
	sender := ""
	for i := len(state.History) - 1; i >= 0; i-- {
		if state.History[i].Status == domain.StepSuccess {
			sender = state.History[i].Skill
			break
		}
	}
	c, err := e.Contracts.ExtractContract(ctx, receiver, sender)
	if err != nil {
		e.Logger.Warn("contract extraction failed", "skill", receiver, "error", err)
		return
	}
	if len(c.Requirements) == 0 {
		return
	}
	v := e.Contracts.ValidateContract(c, state.Data)
	payload["contract_valid"] = v.Valid
	if len(v.Missing) > 0 {
		payload["contract_missing"] = v.Missing
	}
}

// RecordOutputs merges the real outputs of the dispatched step at stepIndex
// into the data bag. The outputs are also stored under "<skill>_output".
func (e *Engine) RecordOutputs(state *domain.WorkflowState, stepIndex int, outputs map[string]any) error {
	if state == nil {
		return domain.ErrNilState
	}
	if state.Status.Terminal() {
		return domain.NewEngineError(domain.ErrWorkflowTerminal.Code,
			fmt.Sprintf("instance %s is %s", state.InstanceID(), state.Status))
	}
	skill := ""
	for i := len(state.History) - 1; i >= 0; i-- {
		h := state.History[i]
		if h.StepIndex == stepIndex && h.Status == domain.StepSuccess {
			skill = h.Skill
			break
		}
	}
	if skill == "" {
		return domain.NewEngineError(domain.ErrStepOutOfRange.Code,
			fmt.Sprintf("step %d has not been dispatched", stepIndex))
	}

	if state.Data == nil {
		state.Data = make(map[string]any)
	}
	for k, v := range outputs {
		state.Data[k] = v
	}
	key := skill + "_output"
	if _, ok := outputs[key]; !ok {
		state.Data[key] = copyMap(outputs)
	}
	if stepIndex == state.CurrentStep-1 {
		state.DispatchedAt = time.Time{}
	}
	state.UpdatedAt = e.now()
	return nil
}

// CheckQualityGate evaluates the gate of step against outputs. When state is
// non-nil the outcome is applied: block makes the instance terminal, and the
// result is recorded in the data bag under "<skill>_gate". workflow:error is
// emitted only by the call that blocks the instance.
func (e *Engine) CheckQualityGate(ctx context.Context, state *domain.WorkflowState, step domain.WorkflowStep, outputs map[string]any, iteration int) domain.GateResult {
	ctx, span := startSpan(ctx, e.Tracer, "workflow.CheckQualityGate", attribute.String(SkillKey, step.Skill))
	defer span.End()

	res := e.Gates.Check(ctx, step.QualityGate, outputs, iteration)
	span.SetAttributes(attribute.String(GateActionKey, string(res.Action)))
	if step.QualityGate == nil {
		return res
	}

	payload := map[string]any{
		"skill":          step.Skill,
		"validator":      step.QualityGate.Validator,
		"passed":         res.Passed,
		"action":         string(res.Action),
		"iteration":      res.Iteration,
		"max_iterations": step.QualityGate.Iterations(),
		"errors":         len(res.Errors),
	}
	if res.Action == domain.ActionRetry {
		payload["step_status"] = string(domain.StepRetrying)
	}

	blocked := false
	if state != nil {
		payload["workflow_id"] = state.WorkflowID
		payload["instance_id"] = state.InstanceID()
		if state.Data == nil {
			state.Data = make(map[string]any)
		}
		state.Data[step.Skill+"_gate"] = map[string]any{
			"passed":    res.Passed,
			"action":    string(res.Action),
			"iteration": res.Iteration,
		}
		now := e.now()
		state.UpdatedAt = now
		if res.Action == domain.ActionBlock && !state.Status.Terminal() {
			state.Status = domain.StatusBlocked
			state.Error = fmt.Sprintf("Quality gate blocked %s after iteration %d", step.Skill, res.Iteration)
			state.CompletedAt = &now
			blocked = true
		}
	}

	e.Bus.Emit(domain.EventWorkflowGate, payload)
	if blocked {
		e.Bus.Emit(domain.EventWorkflowError, map[string]any{
			"workflow_id":   state.WorkflowID,
			"workflow_name": state.WorkflowName,
			"instance_id":   state.InstanceID(),
			"skill":         step.Skill,
			"status":        string(state.Status),
			"error":         state.Error,
		})
	}
	return res
}

// Cancel terminates an instance with status cancelled. Blocked instances
// may be cancelled to discard them; cancelling any other terminal instance
// is a no-op.
func (e *Engine) Cancel(_ context.Context, state *domain.WorkflowState, reason string) error {
	if state == nil {
		return domain.ErrNilState
	}
	if state.Status.Terminal() && state.Status != domain.StatusBlocked {
		return nil
	}
	now := e.now()
	state.Status = domain.StatusCancelled
	state.Error = "Cancelled: " + reason
	state.UpdatedAt = now
	state.CompletedAt = &now
	state.DispatchedAt = time.Time{}

	e.Bus.Emit(domain.EventWorkflowError, map[string]any{
		"workflow_id":   state.WorkflowID,
		"workflow_name": state.WorkflowName,
		"instance_id":   state.InstanceID(),
		"status":        string(domain.StatusCancelled),
		"cancelled":     true,
		"error":         state.Error,
	})
	e.Logger.Info("workflow cancelled", "instance", state.InstanceID(), "reason", reason)
	return nil
}

// Resume rebuilds a live instance from its persisted record.
func (e *Engine) Resume(def *domain.WorkflowDefinition, rec *domain.PersistedWorkflowState) (*domain.WorkflowState, error) {
	if def == nil || rec == nil {
		return nil, domain.ErrInvalidDefinition
	}
	if def.ID != rec.WorkflowID || len(def.Steps) != rec.TotalSteps {
		return nil, domain.NewEngineError(domain.ErrDefinitionMismatch.Code,
			fmt.Sprintf("record %s (%s, %d steps) does not match definition %s (%d steps)",
				rec.ID, rec.WorkflowID, rec.TotalSteps, def.ID, len(def.Steps)))
	}
	if rec.CurrentStep < 0 || rec.CurrentStep > len(def.Steps) {
		return nil, domain.NewEngineError(domain.ErrStepOutOfRange.Code,
			fmt.Sprintf("record %s has current step %d of %d", rec.ID, rec.CurrentStep, len(def.Steps)))
	}

	data := rec.StateData
	if data == nil {
		data = make(map[string]any)
	}
	history := rec.History
	if history == nil {
		history = []domain.StepResult{}
	}
	return &domain.WorkflowState{
		WorkflowID:   rec.WorkflowID,
		WorkflowName: rec.WorkflowName,
		CurrentStep:  rec.CurrentStep,
		TotalSteps:   rec.TotalSteps,
		Status:       rec.Status,
		Data:         data,
		History:      history,
		StartedAt:    rec.StartedAt,
		UpdatedAt:    rec.UpdatedAt,
		CompletedAt:  rec.CompletedAt,
		Error:        rec.Error,
		UserID:       rec.UserID,
	}, nil
}

func (e *Engine) conditionHolds(state *domain.WorkflowState, idx int, cond string) bool {
	ok, err := expr.Evaluate(cond, state.Data)
	if err == nil {
		return ok
	}
	if e.FailClosedConditions {
		e.Logger.Warn("condition failed; skipping step", "instance", state.InstanceID(), "step", idx, "condition", cond, "error", err)
		return false
	}
	e.Logger.Warn("condition failed; running step", "instance", state.InstanceID(), "step", idx, "condition", cond, "error", err)
	return true
}

func (e *Engine) append(state *domain.WorkflowState, res domain.StepResult, advance bool) {
	state.History = append(state.History, res)
	if advance {
		state.CurrentStep++
	}
	state.UpdatedAt = e.now()
}

func (e *Engine) fail(def *domain.WorkflowDefinition, state *domain.WorkflowState, idx int, step domain.WorkflowStep, started time.Time, msg string, extra map[string]any) *domain.StepResult {
	res := domain.StepResult{
		StepIndex:  idx,
		Skill:      step.Skill,
		Status:     domain.StepFailed,
		DurationMS: e.now().Sub(started).Milliseconds(),
		Error:      msg,
		Timestamp:  started,
	}
	e.append(state, res, false)
	now := state.UpdatedAt
	state.Status = domain.StatusFailed
	state.Error = msg
	state.CompletedAt = &now
	state.DispatchedAt = time.Time{}

	payload := map[string]any{
		"workflow_id":   def.ID,
		"workflow_name": def.Name,
		"instance_id":   state.InstanceID(),
		"step_index":    idx,
		"skill":         step.Skill,
		"status":        string(domain.StatusFailed),
		"error":         msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.Bus.Emit(domain.EventWorkflowError, payload)
	e.Logger.Debug("step failed", "instance", state.InstanceID(), "step", idx, "error", msg)
	return &res
}

func (e *Engine) complete(def *domain.WorkflowDefinition, state *domain.WorkflowState) {
	now := e.now()
	state.Status = domain.StatusCompleted
	state.UpdatedAt = now
	state.CompletedAt = &now
	state.DispatchedAt = time.Time{}

	dispatched, skipped := 0, 0
	for _, h := range state.History {
		switch h.Status {
		case domain.StepSuccess:
			dispatched++
		case domain.StepSkipped:
			skipped++
		}
	}
	payload := map[string]any{
		"workflow_id":     def.ID,
		"workflow_name":   def.Name,
		"instance_id":     state.InstanceID(),
		"duration_ms":     now.Sub(state.StartedAt).Milliseconds(),
		"steps_completed": dispatched,
		"steps_skipped":   skipped,
	}
	if len(def.Outputs) > 0 {
		out := make(map[string]any, len(def.Outputs))
		for _, k := range def.Outputs {
			if v, ok := state.Data[k]; ok {
				out[k] = v
			}
		}
		payload["outputs"] = out
	}
	e.Bus.Emit(domain.EventWorkflowComplete, payload)
	e.Logger.Debug("workflow completed", "instance", state.InstanceID(), "steps", dispatched)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
