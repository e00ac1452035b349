package team

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawner/orchestrator/internal/catalog"
	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/skill"
)

func testCatalog(t *testing.T) *catalog.Registry {
	t.Helper()
	r, err := catalog.New(nil, []domain.SkillTeam{
		{
			ID: "web", Name: "Web", Members: []string{"discovery", "backend", "frontend"}, Lead: "backend",
			Pattern: domain.PatternPipeline, Mode: domain.ModeSequential,
			Triggers: []string{"web app", "full stack"},
		},
		{
			ID: "sec", Name: "Security", Members: []string{"audit", "backend"}, Lead: "audit",
			Pattern: domain.PatternHubSpoke, Mode: domain.ModeSupervised,
			Triggers: []string{"security", "web app audit"},
		},
		{
			ID: "ghosts", Name: "Ghosts", Members: []string{"phantom"}, Lead: "phantom",
			Pattern: domain.PatternMesh, Mode: domain.ModeSequential,
		},
	})
	require.NoError(t, err)
	return r
}

func newComposer(t *testing.T) (*Composer, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	skills := skill.NewMemoryRepository(
		domain.SkillDescriptor{ID: "discovery", Name: "Discovery"},
		domain.SkillDescriptor{ID: "backend", Name: "Backend"},
		domain.SkillDescriptor{ID: "frontend", Name: "Frontend"},
		domain.SkillDescriptor{ID: "audit", Name: "Audit"},
	)
	return NewComposer(testCatalog(t), skills, bus), bus
}

func TestFindTeamByTrigger(t *testing.T) {
	c, _ := newComposer(t)
	tests := []struct {
		phrase string
		want   string
		ok     bool
	}{
		{"I need to build a Web App for my shop", "web", true},
		{"FULL STACK please", "web", true},
		// Catalog order decides ties: "web app audit" contains "web app".
		{"web app audit", "web", true},
		{"run a security review", "sec", true},
		{"stack", "web", true},
		{"bake a cake", "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			team, ok := c.FindTeamByTrigger(tt.phrase)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, team.ID)
			}
		})
	}
}

func TestActivateTeam(t *testing.T) {
	c, bus := newComposer(t)
	at, err := c.ActivateTeam(context.Background(), "web", map[string]any{"goal": "shop"})
	require.NoError(t, err)

	require.Len(t, at.Members, 3)
	assert.Equal(t, domain.RoleSpecialist, at.Members[0].Role)
	assert.Equal(t, domain.RoleLead, at.Members[1].Role)
	assert.Equal(t, "Backend", at.Lead().Name)
	assert.Empty(t, at.CommunicationLog)
	assert.Equal(t, "shop", at.State["goal"])
	assert.Nil(t, at.CompletedAt)

	evs := bus.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventTeamActivate, evs[0].Type)
	assert.Equal(t, "backend", evs[0].Data["lead"])
}

func TestActivateTeam_Errors(t *testing.T) {
	c, bus := newComposer(t)
	_, err := c.ActivateTeam(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, domain.ErrTeamNotFound))

	_, err = c.ActivateTeam(context.Background(), "ghosts", nil)
	assert.True(t, errors.Is(err, domain.ErrSkillNotFound))
	assert.Zero(t, bus.Len())
}

func TestTeamToWorkflow_Pipeline(t *testing.T) {
	c, _ := newComposer(t)
	team, err := c.Catalog.Team("web")
	require.NoError(t, err)

	def := c.TeamToWorkflow(*team)
	require.Len(t, def.Steps, 3)
	assert.Empty(t, def.Steps[0].Inputs)
	assert.Equal(t, []string{"discovery_output"}, def.Steps[1].Inputs)
	assert.Equal(t, []string{"backend_output"}, def.Steps[2].Inputs)
	assert.Equal(t, domain.ModeSequential, def.Mode)
	assert.NoError(t, catalog.ValidateWorkflow(*def))
}

func TestTeamToWorkflow_AdvisoryPatterns(t *testing.T) {
	for _, p := range []domain.CommunicationPattern{
		domain.PatternHubSpoke, domain.PatternBroadcast, domain.PatternRoundRobin, domain.PatternMesh,
	} {
		t.Run(string(p), func(t *testing.T) {
			def := TeamToWorkflow(domain.SkillTeam{ID: "x", Name: "X", Members: []string{"a", "b", "c"}, Lead: "a", Pattern: p, Mode: domain.ModeSequential})
			require.Len(t, def.Steps, 3)
			for _, s := range def.Steps {
				assert.Empty(t, s.Inputs)
			}
		})
	}
}

func TestPipelineHelpers(t *testing.T) {
	team := domain.SkillTeam{Members: []string{"a", "b", "c"}}

	next, ok := GetNextInPipeline(team, "a")
	assert.True(t, ok)
	assert.Equal(t, "b", next)
	_, ok = GetNextInPipeline(team, "c")
	assert.False(t, ok)
	_, ok = GetNextInPipeline(team, "z")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "c"}, GetBroadcastTargets(team, "b"))
	assert.Equal(t, []string{"a", "b", "c"}, GetBroadcastTargets(team, "outsider"))
}

func TestDelegateAndComplete(t *testing.T) {
	c, bus := newComposer(t)
	at, err := c.ActivateTeam(context.Background(), "web", nil)
	require.NoError(t, err)

	require.NoError(t, c.Delegate(at, "backend", "frontend", "API ready", map[string]any{"spec": "openapi.yaml"}))
	err = c.Delegate(at, "backend", "designer", "hi", nil)
	assert.True(t, errors.Is(err, domain.ErrNotTeamMember))

	require.NoError(t, c.Broadcast(at, "backend", "standup", nil))
	assert.Len(t, at.CommunicationLog, 3)

	require.NoError(t, c.Complete(at, "shipped"))
	assert.NotNil(t, at.CompletedAt)
	assert.True(t, errors.Is(c.Complete(at, "again"), domain.ErrTeamCompleted))
	assert.True(t, errors.Is(c.Delegate(at, "backend", "frontend", "late", nil), domain.ErrTeamCompleted))

	s := events.Summarize(bus.Events())
	assert.Equal(t, 1, s.TeamsActivated)
	assert.Equal(t, 1, s.TeamsCompleted)
}

func TestResumeTeam(t *testing.T) {
	c, _ := newComposer(t)
	at, err := c.ActivateTeam(context.Background(), "web", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, c.Delegate(at, "discovery", "backend", "requirements done", nil))

	rec := at.ToRecord(at.StartedAt)
	resumed, err := c.ResumeTeam(context.Background(), &rec)
	require.NoError(t, err)
	assert.Equal(t, at.InstanceID(), resumed.InstanceID())
	assert.Equal(t, "backend", resumed.Lead().Skill)
	assert.Len(t, resumed.CommunicationLog, 1)
	assert.Equal(t, "v", resumed.State["k"])
}

func TestBuildBrief(t *testing.T) {
	c, _ := newComposer(t)
	at, err := c.ActivateTeam(context.Background(), "web", map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.NoError(t, c.Delegate(at, "discovery", "backend", "requirements done", nil))
	require.NoError(t, c.Delegate(at, "backend", "frontend", "api done", nil))

	b, err := BuildBrief(at, "backend")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleLead, b.Role)
	assert.Equal(t, "frontend", b.Next)
	assert.Equal(t, []string{"discovery", "frontend"}, b.Peers)
	require.Len(t, b.Inbox, 1)
	assert.Equal(t, "discovery", b.Inbox[0].From)
	assert.Equal(t, []string{"a", "b"}, b.StateKeys)

	_, err = BuildBrief(at, "stranger")
	assert.True(t, errors.Is(err, domain.ErrNotTeamMember))
}
