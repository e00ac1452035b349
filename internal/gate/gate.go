// Package gate evaluates post-step quality gates: validator patterns run over
// the step's outputs, named criteria are checked, and the gate's failure
// policy decides the action.
package gate

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/expr"
)

// Built-in criterion names.
const (
	CriterionNoCritical = "no_critical"
	CriterionNoHigh     = "no_high"
	CriterionTestsPass  = "tests_pass"
	CriterionNoWarnings = "no_warnings"
	CriterionHasTests   = "has_tests"
	CriterionHasDocs    = "has_docs"
)

// MaxFeedbackErrors bounds how many validation errors the feedback lists.
const MaxFeedbackErrors = 5

type compiledRule struct {
	rule     domain.ValidationRule
	patterns []*regexp.Regexp
	errs     []domain.ValidationError
}

// Evaluator checks quality gates. Compiled validator patterns are cached per
// descriptor.
type Evaluator struct {
	Skills domain.SkillRepository

	mu    sync.Mutex
	cache map[*domain.SkillDescriptor][]compiledRule
}

// NewEvaluator creates an Evaluator resolving validators through skills.
func NewEvaluator(skills domain.SkillRepository) *Evaluator {
	return &Evaluator{
		Skills: skills,
		cache:  make(map[*domain.SkillDescriptor][]compiledRule),
	}
}

// Check evaluates g against outputs for the given 1-based iteration.
// A nil gate always passes.
func (e *Evaluator) Check(ctx context.Context, g *domain.QualityGate, outputs map[string]any, iteration int) domain.GateResult {
	if g == nil {
		return domain.GateResult{
			Passed:    true,
			Action:    domain.ActionContinue,
			Iteration: max(iteration, 1),
			Feedback:  "No quality gate configured; step passes.",
		}
	}

	maxIter := g.Iterations()
	iteration = min(max(iteration, 1), maxIter)

	desc, err := e.Skills.GetSkill(ctx, g.Validator)
	if err != nil {
		res := domain.GateResult{
			Passed:    false,
			Action:    domain.ActionBlock,
			Iteration: iteration,
			Errors: []domain.ValidationError{{
				ID:       "validator_not_found",
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("Validator skill not found: %s", g.Validator),
			}},
		}
		res.Feedback = Feedback(res, maxIter)
		return res
	}

	text := Flatten(outputs)
	var found []domain.ValidationError
	for _, cr := range e.rules(desc) {
		found = append(found, cr.errs...)
		for _, re := range cr.patterns {
			for _, m := range re.FindAllString(text, -1) {
				found = append(found, domain.ValidationError{
					ID:       cr.rule.ID,
					Severity: cr.rule.Severity,
					Message:  cr.rule.Message,
					Match:    m,
				})
			}
		}
	}

	criteria := make([]domain.CriterionResult, 0, len(g.Criteria))
	allPassed := true
	for _, name := range g.Criteria {
		cr := evaluateCriterion(name, outputs, found)
		if !cr.Passed {
			allPassed = false
		}
		criteria = append(criteria, cr)
	}

	passed := countSeverity(found, domain.SeverityCritical) == 0 && allPassed
	res := domain.GateResult{
		Passed:    passed,
		Action:    decide(passed, g.Policy(), iteration, maxIter),
		Iteration: iteration,
		Criteria:  criteria,
		Errors:    found,
	}
	res.Feedback = Feedback(res, maxIter)
	return res
}

func decide(passed bool, policy domain.FailurePolicy, iteration, maxIter int) domain.GateAction {
	if passed {
		return domain.ActionContinue
	}
	switch policy {
	case domain.PolicyWarn:
		return domain.ActionWarn
	case domain.PolicyBlock:
		return domain.ActionBlock
	}
	if iteration < maxIter {
		return domain.ActionRetry
	}
	return domain.ActionBlock
}

func (e *Evaluator) rules(desc *domain.SkillDescriptor) []compiledRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rules, ok := e.cache[desc]; ok {
		return rules
	}

	rules := make([]compiledRule, 0, len(desc.Validations))
	for _, v := range desc.Validations {
		cr := compiledRule{rule: v}
		for _, p := range v.Pattern {
			re, err := regexp.Compile(p)
			if err != nil {
				cr.errs = append(cr.errs, domain.ValidationError{
					ID:       v.ID,
					Severity: domain.SeverityError,
					Message:  fmt.Sprintf("invalid validation pattern %q: %v", p, err),
				})
				continue
			}
			cr.patterns = append(cr.patterns, re)
		}
		rules = append(rules, cr)
	}
	e.cache[desc] = rules
	return rules
}

func evaluateCriterion(name string, outputs map[string]any, found []domain.ValidationError) domain.CriterionResult {
	res := domain.CriterionResult{Name: name, Passed: true}
	switch name {
	case CriterionNoCritical:
		if n := countSeverity(found, domain.SeverityCritical); n > 0 {
			res.Passed, res.Reason = false, fmt.Sprintf("%d critical issue(s) found", n)
		}
	case CriterionNoHigh:
		if n := countSeverity(found, domain.SeverityCritical) + countSeverity(found, domain.SeverityError); n > 0 {
			res.Passed, res.Reason = false, fmt.Sprintf("%d critical or error issue(s) found", n)
		}
	case CriterionTestsPass:
		if !flagTrue(outputs, "tests_passed", "tests_pass", "testsPassed") {
			res.Passed, res.Reason = false, "tests_passed is not true"
		}
	case CriterionNoWarnings:
		if len(found) > 0 {
			res.Passed, res.Reason = false, fmt.Sprintf("%d validation issue(s) found", len(found))
		}
	case CriterionHasTests:
		if !present(outputs, "tests", "test_files", "testFiles") {
			res.Passed, res.Reason = false, "no tests in outputs"
		}
	case CriterionHasDocs:
		if !present(outputs, "docs", "documentation", "doc_files") {
			res.Passed, res.Reason = false, "no documentation in outputs"
		}
	default:
		v := expr.Lookup(outputs, name)
		if v == nil {
			res.Reason = "not reported; passed by default"
			return res
		}
		if !expr.Truthy(v) {
			res.Passed, res.Reason = false, fmt.Sprintf("%s is falsy", name)
		}
	}
	return res
}

func countSeverity(found []domain.ValidationError, sev domain.Severity) int {
	n := 0
	for _, f := range found {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

func flagTrue(outputs map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := outputs[k].(bool); ok {
			return b
		}
	}
	return false
}

func present(outputs map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := outputs[k]; ok && v != nil {
			return true
		}
	}
	return false
}
