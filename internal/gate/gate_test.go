package gate

import (
	"context"
	"strings"
	"testing"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/skill"
)

func reviewSkill() domain.SkillDescriptor {
	return domain.SkillDescriptor{
		ID: "code-review",
		Validations: []domain.ValidationRule{
			{ID: "hardcoded-secret", Pattern: domain.PatternList{`(?i)api[_-]?key\s*=\s*"[^"]+"`}, Severity: domain.SeverityCritical, Message: "Hardcoded API key"},
			{ID: "console-log", Pattern: domain.PatternList{`console\.log\(`}, Severity: domain.SeverityWarning, Message: "Debug logging left in"},
			{ID: "sql-concat", Pattern: domain.PatternList{`"SELECT .*" \+`}, Severity: domain.SeverityError, Message: "SQL built by concatenation"},
		},
	}
}

func newEvaluator() *Evaluator {
	return NewEvaluator(skill.NewMemoryRepository(reviewSkill()))
}

func TestCheck_NoGate(t *testing.T) {
	res := newEvaluator().Check(context.Background(), nil, nil, 1)
	if !res.Passed || res.Action != domain.ActionContinue {
		t.Fatalf("expected pass/continue, got %v/%s", res.Passed, res.Action)
	}
}

func TestCheck_CleanPass(t *testing.T) {
	g := &domain.QualityGate{Validator: "code-review", Criteria: []string{"no_critical", "tests_pass"}}
	res := newEvaluator().Check(context.Background(), g, map[string]any{
		"code":         "func main() {}",
		"tests_passed": true,
	}, 1)
	if !res.Passed {
		t.Fatalf("expected pass, feedback:\n%s", res.Feedback)
	}
	if res.Action != domain.ActionContinue {
		t.Errorf("expected continue, got %s", res.Action)
	}
	if len(res.Criteria) != 2 {
		t.Errorf("expected 2 criteria results, got %d", len(res.Criteria))
	}
	if !strings.Contains(res.Feedback, "PASSED") {
		t.Errorf("feedback missing verdict: %s", res.Feedback)
	}
}

func TestCheck_CriticalMatchFailsWithoutCriteria(t *testing.T) {
	g := &domain.QualityGate{Validator: "code-review", OnFailure: domain.PolicyBlock}
	res := newEvaluator().Check(context.Background(), g, map[string]any{
		"code": `const apiKey = "sk-123"`,
	}, 1)
	if res.Passed {
		t.Fatal("expected failure on critical match")
	}
	if res.Action != domain.ActionBlock {
		t.Errorf("expected block, got %s", res.Action)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "hardcoded-secret" {
		t.Fatalf("unexpected errors: %+v", res.Errors)
	}
	if res.Errors[0].Match == "" {
		t.Error("expected match text recorded")
	}
}

func TestCheck_RetryThenBlock(t *testing.T) {
	g := &domain.QualityGate{
		Validator:     "code-review",
		Criteria:      []string{"coverage_ok"},
		MaxIterations: 3,
		OnFailure:     domain.PolicyRetry,
	}
	ev := newEvaluator()
	outputs := map[string]any{"coverage_ok": false}

	want := []domain.GateAction{domain.ActionRetry, domain.ActionRetry, domain.ActionBlock}
	for i, w := range want {
		res := ev.Check(context.Background(), g, outputs, i+1)
		if res.Passed {
			t.Fatalf("iteration %d: expected failure", i+1)
		}
		if res.Action != w {
			t.Errorf("iteration %d: expected %s, got %s", i+1, w, res.Action)
		}
		if res.Iteration > g.MaxIterations {
			t.Errorf("iteration %d exceeds max", res.Iteration)
		}
	}
}

func TestCheck_IterationClamped(t *testing.T) {
	g := &domain.QualityGate{Validator: "code-review", Criteria: []string{"ok"}}
	res := newEvaluator().Check(context.Background(), g, map[string]any{"ok": 0}, 9)
	if res.Iteration != domain.DefaultMaxIterations {
		t.Errorf("expected iteration clamped to %d, got %d", domain.DefaultMaxIterations, res.Iteration)
	}
	if res.Action != domain.ActionBlock {
		t.Errorf("expected block, got %s", res.Action)
	}
}

func TestCheck_WarnPolicy(t *testing.T) {
	g := &domain.QualityGate{Validator: "code-review", Criteria: []string{"no_warnings"}, OnFailure: domain.PolicyWarn}
	res := newEvaluator().Check(context.Background(), g, map[string]any{"code": "console.log(x)"}, 1)
	if res.Passed {
		t.Fatal("expected no_warnings to fail")
	}
	if res.Action != domain.ActionWarn {
		t.Errorf("expected warn, got %s", res.Action)
	}
}

func TestCheck_ValidatorNotFound(t *testing.T) {
	g := &domain.QualityGate{Validator: "missing-validator", OnFailure: domain.PolicyWarn}
	res := newEvaluator().Check(context.Background(), g, map[string]any{}, 1)
	if res.Passed || res.Action != domain.ActionBlock {
		t.Fatalf("expected block, got passed=%v action=%s", res.Passed, res.Action)
	}
	if len(res.Errors) != 1 || res.Errors[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected one critical error, got %+v", res.Errors)
	}
}

func TestCriteria(t *testing.T) {
	found := []domain.ValidationError{
		{ID: "w", Severity: domain.SeverityWarning},
		{ID: "e", Severity: domain.SeverityError},
	}
	tests := []struct {
		name    string
		outputs map[string]any
		found   []domain.ValidationError
		want    bool
	}{
		{"no_critical", nil, found, true},
		{"no_high", nil, found, false},
		{"no_warnings", nil, found, false},
		{"no_warnings", nil, nil, true},
		{"tests_pass", map[string]any{"tests_passed": true}, nil, true},
		{"tests_pass", map[string]any{"tests_passed": "yes"}, nil, false},
		{"has_tests", map[string]any{"tests": []any{"a_test.go"}}, nil, true},
		{"has_tests", map[string]any{}, nil, false},
		{"has_docs", map[string]any{"documentation": "README"}, nil, true},
		{"review.approved", map[string]any{"review": map[string]any{"approved": true}}, nil, true},
		{"lint_clean", map[string]any{"lint_clean": ""}, nil, false},
		{"never_reported", map[string]any{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluateCriterion(tt.name, tt.outputs, tt.found)
			if got.Passed != tt.want {
				t.Errorf("%s: expected %v, got %v (%s)", tt.name, tt.want, got.Passed, got.Reason)
			}
		})
	}
}

func TestInvalidPatternRecorded(t *testing.T) {
	ev := NewEvaluator(skill.NewMemoryRepository(domain.SkillDescriptor{
		ID:          "broken",
		Validations: []domain.ValidationRule{{ID: "bad", Pattern: domain.PatternList{"("}, Severity: domain.SeverityCritical}},
	}))
	res := ev.Check(context.Background(), &domain.QualityGate{Validator: "broken"}, map[string]any{"x": "("}, 1)
	if len(res.Errors) != 1 || res.Errors[0].Severity != domain.SeverityError {
		t.Fatalf("expected one error-severity entry, got %+v", res.Errors)
	}
	if !res.Passed {
		t.Error("an invalid pattern alone should not fail the gate")
	}
}

func TestFeedback_TruncatesPreview(t *testing.T) {
	var errs []domain.ValidationError
	for i := 0; i < 8; i++ {
		errs = append(errs, domain.ValidationError{ID: "w", Severity: domain.SeverityWarning, Message: "m"})
	}
	fb := Feedback(domain.GateResult{Action: domain.ActionRetry, Iteration: 1, Errors: errs}, 3)
	if !strings.Contains(fb, "... and 3 more") {
		t.Errorf("expected truncation marker, got:\n%s", fb)
	}
	if strings.Count(fb, "[WARNING]") != MaxFeedbackErrors {
		t.Errorf("expected %d listed errors", MaxFeedbackErrors)
	}
	if !strings.Contains(fb, "2 attempt(s) left") {
		t.Errorf("expected remaining attempts, got:\n%s", fb)
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"b":    2,
		"a":    "text",
		"nest": map[string]any{"k": "v"},
	})
	want := "a: text\nb: 2\nnest: {\"k\":\"v\"}\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
