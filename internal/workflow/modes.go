// Package workflow drives WorkflowDefinitions step by step, enforcing input
// contracts and quality gates and recording an append-only history.
package workflow

import (
	"fmt"

	"github.com/spawner/orchestrator/internal/domain"
)

// ModePolicy decides whether a definition's execution mode can be driven by
// the engine.
type ModePolicy interface {
	Name() string
	Admit(def *domain.WorkflowDefinition) error
}

// StepwisePolicy admits modes the engine drives one step per ExecuteStep call.
type StepwisePolicy struct {
	Mode domain.ExecutionMode
}

// Name returns the mode name.
func (p *StepwisePolicy) Name() string { return string(p.Mode) }

// Admit accepts every definition.
func (p *StepwisePolicy) Admit(*domain.WorkflowDefinition) error { return nil }

// UnsupportedPolicy rejects a declared mode the engine cannot honour.
type UnsupportedPolicy struct {
	Mode   domain.ExecutionMode
	Reason string
}

// Name returns the mode name.
func (p *UnsupportedPolicy) Name() string { return string(p.Mode) }

// Admit always fails with ErrModeUnsupported.
func (p *UnsupportedPolicy) Admit(def *domain.WorkflowDefinition) error {
	return domain.NewEngineError(domain.ErrModeUnsupported.Code,
		fmt.Sprintf("workflow %s declares mode %q: %s", def.ID, p.Mode, p.Reason))
}

// ModeRegistry maps each execution mode to its policy.
type ModeRegistry struct {
	policies map[domain.ExecutionMode]ModePolicy
}

// NewModeRegistry creates a registry where sequential, conditional and
// supervised definitions step one at a time and parallel is rejected.
func NewModeRegistry() *ModeRegistry {
	return &ModeRegistry{policies: map[domain.ExecutionMode]ModePolicy{
		domain.ModeSequential:  &StepwisePolicy{Mode: domain.ModeSequential},
		domain.ModeConditional: &StepwisePolicy{Mode: domain.ModeConditional},
		domain.ModeSupervised:  &StepwisePolicy{Mode: domain.ModeSupervised},
		domain.ModeParallel: &UnsupportedPolicy{
			Mode:   domain.ModeParallel,
			Reason: "fan-out/join scheduling is not implemented; declare sequential instead",
		},
	}}
}

// Register sets a custom policy for a mode.
func (r *ModeRegistry) Register(mode domain.ExecutionMode, p ModePolicy) {
	r.policies[mode] = p
}

// Get returns the policy for a mode. An empty mode means sequential.
func (r *ModeRegistry) Get(mode domain.ExecutionMode) (ModePolicy, error) {
	if mode == "" {
		mode = domain.ModeSequential
	}
	p, ok := r.policies[mode]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrModeUnsupported.Code,
			fmt.Sprintf("unknown execution mode %q", mode))
	}
	return p, nil
}
