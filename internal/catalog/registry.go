// Package catalog holds the immutable registries of workflow definitions and
// skill teams the engine and composer are constructed with.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/spawner/orchestrator/internal/domain"
)

// Registry is an immutable, ordered set of workflows and teams. Lookups
// return copies so callers cannot alter catalog entries.
type Registry struct {
	workflows     map[string]domain.WorkflowDefinition
	workflowOrder []string
	teams         map[string]domain.SkillTeam
	teamOrder     []string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New validates the records and builds a Registry. Ids must be unique per kind.
func New(workflows []domain.WorkflowDefinition, teams []domain.SkillTeam) (*Registry, error) {
	r := &Registry{
		workflows: make(map[string]domain.WorkflowDefinition, len(workflows)),
		teams:     make(map[string]domain.SkillTeam, len(teams)),
	}

	var problems []string
	for _, w := range workflows {
		if err := ValidateWorkflow(w); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := r.workflows[w.ID]; dup {
			problems = append(problems, fmt.Sprintf("workflow %s: duplicate id", w.ID))
			continue
		}
		r.workflows[w.ID] = cloneWorkflow(w)
		r.workflowOrder = append(r.workflowOrder, w.ID)
	}
	for _, t := range teams {
		if err := ValidateTeam(t); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := r.teams[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("team %s: duplicate id", t.ID))
			continue
		}
		r.teams[t.ID] = cloneTeam(t)
		r.teamOrder = append(r.teamOrder, t.ID)
	}

	if len(problems) > 0 {
		return nil, domain.NewEngineError(domain.ErrInvalidDefinition.Code, strings.Join(problems, "; "))
	}
	return r, nil
}

// ValidateWorkflow checks struct tags and that every gate names a validator.
func ValidateWorkflow(w domain.WorkflowDefinition) error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("workflow %s: %s", w.ID, describe(err))
	}
	return nil
}

// ValidateTeam checks struct tags, member uniqueness and that the lead is a member.
func ValidateTeam(t domain.SkillTeam) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("team %s: %s", t.ID, describe(err))
	}
	seen := make(map[string]bool, len(t.Members))
	for _, m := range t.Members {
		if seen[m] {
			return fmt.Errorf("team %s: member %s listed twice", t.ID, m)
		}
		seen[m] = true
	}
	if !seen[t.Lead] {
		return fmt.Errorf("team %s: lead %s is not a member", t.ID, t.Lead)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

// Workflow returns a copy of the definition with the given id.
func (r *Registry) Workflow(id string) (*domain.WorkflowDefinition, error) {
	w, ok := r.workflows[id]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrWorkflowNotFound.Code, fmt.Sprintf("workflow not found: %s", id))
	}
	c := cloneWorkflow(w)
	return &c, nil
}

// Team returns a copy of the team with the given id.
func (r *Registry) Team(id string) (*domain.SkillTeam, error) {
	t, ok := r.teams[id]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrTeamNotFound.Code, fmt.Sprintf("team not found: %s", id))
	}
	c := cloneTeam(t)
	return &c, nil
}

// Workflows returns copies of all definitions in catalog order.
func (r *Registry) Workflows() []domain.WorkflowDefinition {
	out := make([]domain.WorkflowDefinition, 0, len(r.workflowOrder))
	for _, id := range r.workflowOrder {
		out = append(out, cloneWorkflow(r.workflows[id]))
	}
	return out
}

// Teams returns copies of all teams in catalog order.
func (r *Registry) Teams() []domain.SkillTeam {
	out := make([]domain.SkillTeam, 0, len(r.teamOrder))
	for _, id := range r.teamOrder {
		out = append(out, cloneTeam(r.teams[id]))
	}
	return out
}

func cloneWorkflow(w domain.WorkflowDefinition) domain.WorkflowDefinition {
	c := w
	c.Steps = make([]domain.WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		s.Inputs = append([]string(nil), s.Inputs...)
		s.Outputs = append([]string(nil), s.Outputs...)
		if s.QualityGate != nil {
			g := *s.QualityGate
			g.Criteria = append([]string(nil), g.Criteria...)
			s.QualityGate = &g
		}
		c.Steps[i] = s
	}
	if w.InitialState != nil {
		c.InitialState = make(map[string]any, len(w.InitialState))
		for k, v := range w.InitialState {
			c.InitialState[k] = v
		}
	}
	c.Outputs = append([]string(nil), w.Outputs...)
	return c
}

func cloneTeam(t domain.SkillTeam) domain.SkillTeam {
	c := t
	c.Members = append([]string(nil), t.Members...)
	c.Triggers = append([]string(nil), t.Triggers...)
	c.UseCases = append([]string(nil), t.UseCases...)
	return c
}
