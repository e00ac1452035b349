package catalog

import "github.com/spawner/orchestrator/internal/domain"

// BuiltinWorkflows returns the definitions shipped with the orchestrator.
func BuiltinWorkflows() []domain.WorkflowDefinition {
	return []domain.WorkflowDefinition{
		{
			ID:          "feature-build",
			Name:        "Feature Build",
			Description: "Take a feature from requirements to tested code.",
			Mode:        domain.ModeSequential,
			Steps: []domain.WorkflowStep{
				{Skill: "discovery", Outputs: []string{"requirements", "user_stories"}},
				{Skill: "backend", Inputs: []string{"requirements"}, Outputs: []string{"api_design", "schema"}},
				{Skill: "frontend", Inputs: []string{"api_design"}, Outputs: []string{"components"}},
				{
					Skill:   "testing",
					Outputs: []string{"tests", "tests_passed"},
					QualityGate: &domain.QualityGate{
						Validator:     "code-review",
						Criteria:      []string{"no_critical", "tests_pass"},
						MaxIterations: 3,
						OnFailure:     domain.PolicyRetry,
					},
				},
			},
			Outputs: []string{"api_design", "components", "tests"},
		},
		{
			ID:          "bug-fix",
			Name:        "Bug Fix",
			Description: "Reproduce, diagnose and fix a defect with a regression test.",
			Mode:        domain.ModeSequential,
			Steps: []domain.WorkflowStep{
				{Skill: "debugging", Inputs: []string{"bug_report"}, Outputs: []string{"root_cause", "fix"}},
				{
					Skill:   "testing",
					Inputs:  []string{"fix"},
					Outputs: []string{"tests", "tests_passed"},
					QualityGate: &domain.QualityGate{
						Validator: "code-review",
						Criteria:  []string{"tests_pass", "has_tests"},
						OnFailure: domain.PolicyRetry,
					},
				},
			},
			Outputs: []string{"root_cause", "fix"},
		},
		{
			ID:          "security-review",
			Name:        "Security Review",
			Description: "Audit code, fix findings and re-audit before release.",
			Mode:        domain.ModeSupervised,
			Steps: []domain.WorkflowStep{
				{
					Skill:      "security-audit",
					Outputs:    []string{"findings"},
					TimeoutSec: 1800,
					QualityGate: &domain.QualityGate{
						Validator: "security-audit",
						Criteria:  []string{"no_critical"},
						OnFailure: domain.PolicyBlock,
					},
				},
				{Skill: "backend", Condition: "findings_count > 0", Inputs: []string{"findings"}},
				{Skill: "code-review"},
			},
			InitialState: map[string]any{"findings_count": 0},
		},
		{
			ID:          "launch-prep",
			Name:        "Launch Preparation",
			Description: "Document, deploy and announce a release.",
			Mode:        domain.ModeConditional,
			Steps: []domain.WorkflowStep{
				{Skill: "docs", Condition: "needs_docs != false", Outputs: []string{"docs"}},
				{
					Skill:   "devops",
					Outputs: []string{"deployment_url"},
					QualityGate: &domain.QualityGate{
						Validator: "devops",
						Criteria:  []string{"no_high", "deployed"},
						OnFailure: domain.PolicyWarn,
					},
				},
				{Skill: "marketing", Condition: "announce == true", Inputs: []string{"deployment_url"}},
			},
			Outputs: []string{"deployment_url"},
		},
	}
}

// BuiltinTeams returns the teams shipped with the orchestrator.
func BuiltinTeams() []domain.SkillTeam {
	return []domain.SkillTeam{
		{
			ID:          "web-app",
			Name:        "Web App Team",
			Description: "Full-stack delivery of a web feature.",
			Members:     []string{"discovery", "backend", "frontend", "testing"},
			Lead:        "backend",
			Pattern:     domain.PatternPipeline,
			Mode:        domain.ModeSequential,
			Triggers:    []string{"build a web app", "full stack", "web application", "new feature"},
			UseCases:    []string{"CRUD apps", "dashboards", "customer portals"},
		},
		{
			ID:          "security",
			Name:        "Security Team",
			Description: "Audit and harden an existing codebase.",
			Members:     []string{"security-audit", "backend", "devops"},
			Lead:        "security-audit",
			Pattern:     domain.PatternHubSpoke,
			Mode:        domain.ModeSupervised,
			Triggers:    []string{"security audit", "harden", "vulnerability", "pentest"},
			UseCases:    []string{"pre-launch audit", "incident follow-up"},
		},
		{
			ID:          "launch",
			Name:        "Launch Team",
			Description: "Ship and announce a release.",
			Members:     []string{"docs", "devops", "marketing"},
			Lead:        "devops",
			Pattern:     domain.PatternBroadcast,
			Mode:        domain.ModeSequential,
			Triggers:    []string{"launch", "ship it", "release"},
			UseCases:    []string{"product launch", "major version release"},
		},
		{
			ID:          "ai-product",
			Name:        "AI Product Team",
			Description: "Design and build an LLM-backed feature.",
			Members:     []string{"llm-architect", "backend", "frontend"},
			Lead:        "llm-architect",
			Pattern:     domain.PatternMesh,
			Mode:        domain.ModeSequential,
			Triggers:    []string{"ai feature", "llm", "chatbot", "rag"},
			UseCases:    []string{"assistants", "semantic search"},
		},
	}
}

// Builtin returns a Registry of the shipped catalog.
func Builtin() *Registry {
	r, err := New(BuiltinWorkflows(), BuiltinTeams())
	if err != nil {
		panic("catalog: invalid built-in catalog: " + err.Error())
	}
	return r
}
