package gate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spawner/orchestrator/internal/domain"
)

// Flatten renders outputs as sorted "key: value" lines so validator patterns
// can scan them. Nested values are rendered as JSON.
func Flatten(outputs map[string]any) string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		switch v := outputs[k].(type) {
		case string:
			sb.WriteString(v)
		case nil:
			sb.WriteString("null")
		case map[string]any, []any, []string, []map[string]any:
			b, err := json.Marshal(v)
			if err != nil {
				fmt.Fprint(&sb, v)
			} else {
				sb.Write(b)
			}
		default:
			fmt.Fprint(&sb, v)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Feedback summarizes a gate result for the driving agent.
func Feedback(res domain.GateResult, maxIter int) string {
	var sb strings.Builder
	verdict := "PASSED"
	if !res.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(&sb, "Quality gate %s (iteration %d/%d)\n", verdict, res.Iteration, maxIter)

	if len(res.Criteria) > 0 {
		sb.WriteString("Criteria:\n")
		for _, c := range res.Criteria {
			mark := "✓"
			if !c.Passed {
				mark = "✗"
			}
			fmt.Fprintf(&sb, "  %s %s", mark, c.Name)
			if c.Reason != "" {
				fmt.Fprintf(&sb, ": %s", c.Reason)
			}
			sb.WriteByte('\n')
		}
	}

	if len(res.Errors) > 0 {
		fmt.Fprintf(&sb, "Validation issues (%d):\n", len(res.Errors))
		for i, e := range res.Errors {
			if i == MaxFeedbackErrors {
				fmt.Fprintf(&sb, "  ... and %d more\n", len(res.Errors)-MaxFeedbackErrors)
				break
			}
			fmt.Fprintf(&sb, "  [%s] %s: %s", strings.ToUpper(string(e.Severity)), e.ID, e.Message)
			if e.Match != "" {
				fmt.Fprintf(&sb, " (matched %q)", e.Match)
			}
			sb.WriteByte('\n')
		}
	}

	switch res.Action {
	case domain.ActionContinue:
		sb.WriteString("Action: continue to the next step.")
	case domain.ActionRetry:
		fmt.Fprintf(&sb, "Action: retry. Address the issues above and resubmit (%d attempt(s) left).", maxIter-res.Iteration)
	case domain.ActionBlock:
		sb.WriteString("Action: block. The workflow cannot proceed until this is resolved.")
	case domain.ActionWarn:
		sb.WriteString("Action: warn. Continuing despite the issues above.")
	}
	return sb.String()
}
