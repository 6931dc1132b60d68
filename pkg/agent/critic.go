package agent

import (
	"strings"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// Verdict is the critic's judgment of the last tool result.
type Verdict string

const (
	// VerdictProceed marks the step complete; planning continues.
	VerdictProceed Verdict = "proceed"
	// VerdictFeedback marks the step insufficient; the reason is fed back
	// into the next planning turn.
	VerdictFeedback Verdict = "feedback"
	// VerdictSuccess declares the overall goal achieved.
	VerdictSuccess Verdict = "success"
)

// parseVerdict reads the critic's reply. The verdict marker is expected
// on the first non-empty line; an unparseable reply defaults to proceed
// so a rambling critic can never wedge the loop.
func parseVerdict(text string) (Verdict, string) {
	line := firstNonEmptyLine(text)
	upper := strings.ToUpper(line)

	switch {
	case strings.HasPrefix(upper, "SUCCESS"):
		return VerdictSuccess, strings.TrimSpace(trimMarker(line, "SUCCESS"))
	case strings.HasPrefix(upper, "FEEDBACK"):
		reason := strings.TrimSpace(trimMarker(line, "FEEDBACK"))
		if reason == "" {
			// A bare FEEDBACK with the reason on following lines.
			reason = strings.TrimSpace(remainderAfterFirstLine(text))
		}
		return VerdictFeedback, reason
	case strings.HasPrefix(upper, "PROCEED"):
		return VerdictProceed, ""
	default:
		return VerdictProceed, ""
	}
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func remainderAfterFirstLine(text string) string {
	seenFirst := false
	var rest []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !seenFirst {
			if trimmed != "" {
				seenFirst = true
			}
			continue
		}
		rest = append(rest, line)
	}
	return strings.Join(rest, "\n")
}

// trimMarker removes the marker and any separator punctuation after it.
func trimMarker(line, marker string) string {
	rest := line[len(marker):]
	return strings.TrimLeft(rest, ":- \t")
}

// skipsCritic reports whether a tool's results are deterministic enough
// that reflection adds nothing. Plan management falls in this bucket; a
// plan update cannot fail in a way the model needs to reason about.
func skipsCritic(executor *toolexecutor.ToolExecutor, toolName string) bool {
	def := executor.GetTool(toolName)
	if def == nil {
		return false
	}
	return def.Category == toolexecutor.CategoryPlanning
}
