package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/spawner/orchestrator/internal/domain"
)

var (
	styleStart   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	styleStep    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	stylePass    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	styleTeam    = lipgloss.NewStyle().Foreground(lipgloss.Color("#B388FF")).Bold(true)
	styleDetail  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	styleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

// Render returns a one-line human rendering of e for a live status display.
func Render(e domain.OrchestrationEvent) string {
	d := e.Data
	switch e.Type {
	case domain.EventWorkflowStart:
		return styleStart.Render("▶ Workflow "+str(d, "workflow_name", "workflow_id")) +
			styleDetail.Render(fmt.Sprintf(" started · %d steps: %s", num(d, "total_steps"), strings.Join(strs(d, "skills"), " → ")))

	case domain.EventWorkflowStep:
		progress := renderProgress(num(d, "step_index")+1, num(d, "total_steps"))
		if str(d, "status") == string(domain.StepSkipped) {
			return styleSkipped.Render(fmt.Sprintf("%s ↷ %s skipped", progress, str(d, "skill")))
		}
		line := styleStep.Render(fmt.Sprintf("%s ● %s", progress, str(d, "skill")))
		if keys := strs(d, "inputs"); len(keys) > 0 {
			line += styleDetail.Render(" ← " + strings.Join(keys, ", "))
		}
		return line

	case domain.EventWorkflowComplete:
		dur := time.Duration(num(d, "duration_ms")) * time.Millisecond
		return stylePass.Render("✓ Workflow "+str(d, "workflow_name", "workflow_id")+" completed") +
			styleDetail.Render(fmt.Sprintf(" · %d steps in %s", num(d, "steps_completed"), dur))

	case domain.EventWorkflowError:
		return styleFail.Render("✗ Workflow "+str(d, "workflow_name", "workflow_id")+" "+str(d, "status")) +
			styleDetail.Render(": "+str(d, "error"))

	case domain.EventWorkflowGate:
		iter := fmt.Sprintf(" (iteration %d/%d)", num(d, "iteration"), num(d, "max_iterations"))
		if b, _ := d["passed"].(bool); b {
			return stylePass.Render("✓ Gate passed: "+str(d, "skill")) + styleDetail.Render(iter)
		}
		action := str(d, "action")
		style := styleFail
		if action == string(domain.ActionRetry) || action == string(domain.ActionWarn) {
			style = styleWarn
		}
		return style.Render(fmt.Sprintf("✗ Gate failed: %s → %s", str(d, "skill"), action)) + styleDetail.Render(iter)

	case domain.EventTeamActivate:
		return styleTeam.Render("◆ Team "+str(d, "team_name", "team_id")+" activated") +
			styleDetail.Render(fmt.Sprintf(" · lead %s · %s · %s", str(d, "lead"), strings.Join(strs(d, "members"), ", "), str(d, "pattern")))

	case domain.EventTeamDelegate:
		return styleTeam.Render(fmt.Sprintf("→ %s ⇒ %s", str(d, "from"), str(d, "to"))) +
			styleDetail.Render(": "+str(d, "message"))

	case domain.EventTeamComplete:
		return stylePass.Render("✓ Team "+str(d, "team_name", "team_id")+" completed") +
			styleDetail.Render(fmt.Sprintf(" · %d messages", num(d, "messages")))

	case domain.EventContractCheck:
		label := fmt.Sprintf("⇄ Contract %s → %s", orDash(str(d, "sender")), str(d, "receiver"))
		if b, _ := d["valid"].(bool); b {
			return stylePass.Render(label + " ok")
		}
		return styleWarn.Render(label) + styleDetail.Render(fmt.Sprintf(" · %d missing", len(strs(d, "missing"))))

	case domain.EventContractFail:
		return styleFail.Render(fmt.Sprintf("✗ Contract %s → %s failed", orDash(str(d, "sender")), str(d, "receiver"))) +
			styleDetail.Render(": missing "+strings.Join(strs(d, "missing"), ", "))
	}
	return styleDetail.Render(fmt.Sprintf("%s %v", e.Type, d))
}

func renderProgress(cur, total int) string {
	const width = 10
	if total <= 0 {
		return fmt.Sprintf("[%d/?]", cur)
	}
	filled := cur * width / total
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %d/%d", strings.Repeat("█", filled), strings.Repeat("░", width-filled), cur, total)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// str returns the first non-empty string value among keys.
func str(d map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := d[k]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// num reads an integer that may have round-tripped through JSON as float64.
func num(d map[string]any, key string) int {
	switch n := d[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// strs reads a string list that may have round-tripped through JSON as []any.
func strs(d map[string]any, key string) []string {
	switch v := d[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}
