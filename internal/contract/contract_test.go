package contract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/skill"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"API design", "api_design"},
		{"User-Stories", "user_stories"},
		{"  user   email  ", "user_email"},
		{"schema (SQL)!", "schema_sql"},
		{"__already_snake__", "already_snake"},
		{"", ""},
		{"a very long description of the data item that keeps going on and on", "a_very_long_description_of_the_data_item_that_keep"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeKey(tt.in)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), MaxKeyLength)
		})
	}
}

func TestKeyVariants(t *testing.T) {
	assert.Equal(t,
		[]string{"user_email", "user-email", "useremail", "userEmail", "User Email"},
		KeyVariants("user_email", "User Email"))
	assert.Equal(t, []string{"requirements"}, KeyVariants("requirements", "requirements"))
}

func newValidator(descs ...domain.SkillDescriptor) (*Validator, *events.Bus) {
	bus := events.NewBus()
	return NewValidator(skill.NewMemoryRepository(descs...), bus), bus
}

func TestExtractContract(t *testing.T) {
	v, _ := newValidator(domain.SkillDescriptor{
		ID: "backend",
		Prerequisites: domain.Prerequisites{
			RequiredData: []string{"Requirements"},
			OptionalData: []string{"Tech stack", "requirements"},
		},
		ReceivesFrom: []domain.Handoff{
			{Skill: "discovery", Receives: []string{"User stories", "Requirements"}},
			{Skill: "design", Receives: []string{"Mockups"}},
		},
	})

	c, err := v.ExtractContract(context.Background(), "backend", "discovery")
	require.NoError(t, err)
	assert.Equal(t, "backend", c.Receiver)
	assert.Equal(t, "discovery", c.Sender)

	keys := make(map[string]bool)
	for _, r := range c.Requirements {
		keys[r.Key] = r.Required
	}
	assert.Equal(t, map[string]bool{
		"user_stories": true,
		"requirements": true,
		"tech_stack":   false,
	}, keys)

	noSender, err := v.ExtractContract(context.Background(), "backend", "")
	require.NoError(t, err)
	assert.Len(t, noSender.Requirements, 2)

	_, err = v.ExtractContract(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, domain.ErrSkillNotFound)
}

func TestValidateContract_CamelCaseSatisfiesSnake(t *testing.T) {
	v, bus := newValidator()
	c := &domain.StateContract{
		Receiver: "mailer",
		Requirements: []domain.ContractRequirement{
			{Key: NormalizeKey("User Email"), Description: "User Email", Required: true},
		},
	}
	res := v.ValidateContract(c, map[string]any{"userEmail": "a@b.c"})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Missing)
	assert.Equal(t, map[string]any{"user_email": "a@b.c"}, res.DataReceived)

	evs := bus.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventContractCheck, evs[0].Type)
}

func TestValidateContract_Failures(t *testing.T) {
	v, bus := newValidator()
	isString := func(x any) bool { _, ok := x.(string); return ok }
	c := &domain.StateContract{
		Receiver: "frontend",
		Sender:   "backend",
		Requirements: []domain.ContractRequirement{
			{Key: "api_design", Required: true},
			{Key: "endpoint", Required: true, Validator: isString},
			{Key: "style_guide", Required: false},
		},
	}
	res := v.ValidateContract(c, map[string]any{"endpoint": 42})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"api_design", "endpoint (invalid format)"}, res.Missing)
	assert.Equal(t, []string{"Optional data not provided: style_guide"}, res.Warnings)
	assert.Empty(t, res.DataReceived)

	evs := bus.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventContractCheck, evs[0].Type)
	assert.Equal(t, domain.EventContractFail, evs[1].Type)
	assert.Equal(t, "backend", evs[1].Data["sender"])
}

func TestSchemaValidator(t *testing.T) {
	v, _ := newValidator(domain.SkillDescriptor{
		ID: "frontend",
		Prerequisites: domain.Prerequisites{
			RequiredData: []string{"API design"},
			Schemas: map[string]map[string]any{
				"API design": {
					"type":     "object",
					"required": []any{"endpoints"},
				},
			},
		},
	})
	c, err := v.ExtractContract(context.Background(), "frontend", "")
	require.NoError(t, err)
	require.Len(t, c.Requirements, 1)
	require.NotNil(t, c.Requirements[0].Validator)

	ok := v.ValidateContract(c, map[string]any{"apiDesign": map[string]any{"endpoints": []any{"/users"}}})
	assert.True(t, ok.Valid)

	bad := v.ValidateContract(c, map[string]any{"api_design": "just text"})
	assert.Equal(t, []string{"api_design (invalid format)"}, bad.Missing)
}

func TestSchemaPredicate_Invalid(t *testing.T) {
	_, err := SchemaPredicate(map[string]any{"type": 12})
	assert.ErrorIs(t, err, domain.ErrInvalidSchema)
}

func TestCreateHandoffPackage(t *testing.T) {
	v, _ := newValidator(
		domain.SkillDescriptor{ID: "backend", Prerequisites: domain.Prerequisites{RequiredData: []string{"requirements"}}},
		domain.SkillDescriptor{ID: "notes"},
	)
	ctx := context.Background()

	pkg, err := v.CreateHandoffPackage(ctx, "discovery", "backend", map[string]any{"requirements": "r"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, pkg.ID)
	assert.False(t, pkg.Unvalidated)
	require.NotNil(t, pkg.Validation)
	assert.True(t, pkg.Validation.Valid)

	pkg, err = v.CreateHandoffPackage(ctx, "discovery", "notes", map[string]any{"x": 1}, map[string]any{"why": "fyi"})
	require.NoError(t, err)
	assert.True(t, pkg.Unvalidated)
	assert.Contains(t, pkg.Warning, "unvalidated")
	assert.Nil(t, pkg.Validation)
	assert.Equal(t, "fyi", pkg.Context["why"])

	pkg, err = v.CreateHandoffPackage(ctx, "discovery", "unknown-skill", nil, nil)
	require.NoError(t, err)
	assert.True(t, pkg.Unvalidated)
}
