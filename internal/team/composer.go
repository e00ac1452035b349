// Package team composes skills into pre-wired teams, activates them and
// translates them into executable workflows.
package team

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spawner/orchestrator/internal/catalog"
	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/logging"
)

// Composer activates catalog teams and drives their communication log.
// Callers must serialize access to each ActiveTeam.
type Composer struct {
	Catalog *catalog.Registry
	Skills  domain.SkillRepository
	Bus     *events.Bus
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewComposer creates a Composer over an immutable catalog.
func NewComposer(reg *catalog.Registry, skills domain.SkillRepository, bus *events.Bus) *Composer {
	return &Composer{
		Catalog: reg,
		Skills:  skills,
		Bus:     bus,
		Logger:  logging.WithModule("team"),
		Now:     time.Now,
	}
}

// FindTeamByTrigger returns the first team in catalog order with a trigger
// contained in phrase, case-insensitively. A phrase that is itself a
// fragment of a trigger also matches.
func (c *Composer) FindTeamByTrigger(phrase string) (*domain.SkillTeam, bool) {
	p := strings.ToLower(strings.TrimSpace(phrase))
	if p == "" {
		return nil, false
	}
	for _, t := range c.Catalog.Teams() {
		for _, trig := range t.Triggers {
			tr := strings.ToLower(strings.TrimSpace(trig))
			if tr == "" {
				continue
			}
			if strings.Contains(p, tr) || strings.Contains(tr, p) {
				team := t
				return &team, true
			}
		}
	}
	return nil, false
}

// ActivateTeam resolves every member skill and returns a live team. The
// declared lead gets RoleLead, every other member RoleSpecialist.
func (c *Composer) ActivateTeam(ctx context.Context, teamID string, initial map[string]any) (*domain.ActiveTeam, error) {
	t, err := c.Catalog.Team(teamID)
	if err != nil {
		return nil, err
	}

	members := make([]domain.TeamMember, 0, len(t.Members))
	for _, id := range t.Members {
		desc, err := c.Skills.GetSkill(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("activate team %s: %w", teamID, err)
		}
		role := domain.RoleSpecialist
		if id == t.Lead {
			role = domain.RoleLead
		}
		members = append(members, domain.TeamMember{Skill: id, Name: desc.Name, Role: role, Desc: desc})
	}

	state := make(map[string]any, len(initial))
	for k, v := range initial {
		state[k] = v
	}
	at := &domain.ActiveTeam{
		Team:             *t,
		Members:          members,
		State:            state,
		CommunicationLog: []domain.CommunicationEntry{},
		StartedAt:        c.Now().UTC(),
	}

	c.Bus.Emit(domain.EventTeamActivate, map[string]any{
		"team_id":     t.ID,
		"team_name":   t.Name,
		"instance_id": at.InstanceID(),
		"lead":        t.Lead,
		"members":     append([]string(nil), t.Members...),
		"pattern":     string(t.Pattern),
	})
	if t.Pattern != domain.PatternPipeline {
		c.Logger.Info("team pattern is advisory; steps run in member order", "team", t.ID, "pattern", t.Pattern)
	}
	return at, nil
}

// ResumeTeam rebuilds a live team from its persisted record.
func (c *Composer) ResumeTeam(ctx context.Context, rec *domain.PersistedTeamState) (*domain.ActiveTeam, error) {
	t, err := c.Catalog.Team(rec.TeamID)
	if err != nil {
		return nil, err
	}
	members := make([]domain.TeamMember, 0, len(rec.Members))
	for _, id := range rec.Members {
		desc, err := c.Skills.GetSkill(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resume team %s: %w", rec.ID, err)
		}
		role := domain.RoleSpecialist
		if id == rec.CurrentLead {
			role = domain.RoleLead
		}
		members = append(members, domain.TeamMember{Skill: id, Name: desc.Name, Role: role, Desc: desc})
	}
	state := rec.StateData
	if state == nil {
		state = map[string]any{}
	}
	log := rec.CommunicationLog
	if log == nil {
		log = []domain.CommunicationEntry{}
	}
	return &domain.ActiveTeam{
		Team:             *t,
		Members:          members,
		State:            state,
		CommunicationLog: log,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
		UserID:           rec.UserID,
	}, nil
}

// Delegate appends a message from one member to another.
func (c *Composer) Delegate(at *domain.ActiveTeam, from, to, message string, payload map[string]any) error {
	if at.CompletedAt != nil {
		return domain.NewEngineError(domain.ErrTeamCompleted.Code,
			fmt.Sprintf("team %s already completed", at.InstanceID()))
	}
	for _, id := range []string{from, to} {
		if !isMember(at.Team, id) {
			return domain.NewEngineError(domain.ErrNotTeamMember.Code,
				fmt.Sprintf("%s is not a member of team %s", id, at.Team.ID))
		}
	}

	entry := domain.CommunicationEntry{
		From:      from,
		To:        to,
		Message:   message,
		Payload:   payload,
		Timestamp: c.Now().UTC(),
	}
	at.CommunicationLog = append(at.CommunicationLog, entry)

	c.Bus.Emit(domain.EventTeamDelegate, map[string]any{
		"team_id":     at.Team.ID,
		"instance_id": at.InstanceID(),
		"from":        from,
		"to":          to,
		"message":     message,
	})
	return nil
}

// Broadcast delegates message from sender to every other member.
func (c *Composer) Broadcast(at *domain.ActiveTeam, from, message string, payload map[string]any) error {
	for _, to := range GetBroadcastTargets(at.Team, from) {
		if err := c.Delegate(at, from, to, message, payload); err != nil {
			return err
		}
	}
	return nil
}

// Complete marks the team finished.
func (c *Composer) Complete(at *domain.ActiveTeam, summary string) error {
	if at.CompletedAt != nil {
		return domain.NewEngineError(domain.ErrTeamCompleted.Code,
			fmt.Sprintf("team %s already completed", at.InstanceID()))
	}
	now := c.Now().UTC()
	at.CompletedAt = &now

	c.Bus.Emit(domain.EventTeamComplete, map[string]any{
		"team_id":     at.Team.ID,
		"team_name":   at.Team.Name,
		"instance_id": at.InstanceID(),
		"messages":    len(at.CommunicationLog),
		"duration_ms": now.Sub(at.StartedAt).Milliseconds(),
		"summary":     summary,
	})
	return nil
}

// TeamToWorkflow translates team into a definition with one step per member
// in declared order, logging when the team's pattern is only advisory.
func (c *Composer) TeamToWorkflow(team domain.SkillTeam) *domain.WorkflowDefinition {
	if team.Pattern != domain.PatternPipeline {
		c.Logger.Info("translating advisory pattern as plain sequential steps", "team", team.ID, "pattern", team.Pattern)
	}
	return TeamToWorkflow(team)
}

// TeamToWorkflow translates team into a definition with one step per member
// in declared order. Only pipeline teams get data dependencies: each step
// after the first requires "<previous member>_output".
func TeamToWorkflow(team domain.SkillTeam) *domain.WorkflowDefinition {
	def := &domain.WorkflowDefinition{
		ID:          "team-" + team.ID,
		Name:        team.Name,
		Description: fmt.Sprintf("%s (%s team, lead %s)", team.Description, team.Pattern, team.Lead),
		Mode:        team.Mode,
		Steps:       make([]domain.WorkflowStep, 0, len(team.Members)),
	}
	for i, m := range team.Members {
		step := domain.WorkflowStep{Skill: m, Outputs: []string{m + "_output"}}
		if team.Pattern == domain.PatternPipeline && i > 0 {
			step.Inputs = []string{team.Members[i-1] + "_output"}
		}
		def.Steps = append(def.Steps, step)
	}
	if n := len(team.Members); n > 0 {
		def.Outputs = []string{team.Members[n-1] + "_output"}
	}
	return def
}

// GetNextInPipeline returns the member after current in declared order.
func GetNextInPipeline(team domain.SkillTeam, current string) (string, bool) {
	for i, m := range team.Members {
		if m == current && i+1 < len(team.Members) {
			return team.Members[i+1], true
		}
	}
	return "", false
}

// GetBroadcastTargets returns every member except sender.
func GetBroadcastTargets(team domain.SkillTeam, sender string) []string {
	out := make([]string, 0, len(team.Members))
	for _, m := range team.Members {
		if m != sender {
			out = append(out, m)
		}
	}
	return out
}

func isMember(team domain.SkillTeam, id string) bool {
	for _, m := range team.Members {
		if m == id {
			return true
		}
	}
	return false
}
