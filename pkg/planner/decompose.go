package planner

import "strings"

// DecomposeGoal produces a starter checklist for a goal using keyword
// heuristics. The model refines or replaces it through the planning tool;
// this only seeds the first draft.
func DecomposeGoal(goal string) []string {
	lower := strings.ToLower(goal)

	switch {
	case containsAny(lower, "research", "find", "investigate", "compare", "look up"):
		return []string{
			"Clarify what exactly needs to be found out about: " + goal,
			"Search for primary sources and authoritative references",
			"Extract the relevant facts from each source",
			"Cross-check findings for contradictions",
			"Summarize conclusions with sources cited",
		}
	case containsAny(lower, "build", "create", "implement", "write", "develop", "make"):
		return []string{
			"Break down the requirements for: " + goal,
			"Sketch the structure before producing anything",
			"Produce a first working version",
			"Test the result against the requirements",
			"Refine until the requirements are met",
		}
	case containsAny(lower, "fix", "debug", "resolve", "repair", "error", "broken"):
		return []string{
			"Reproduce the problem described in: " + goal,
			"Narrow down the cause",
			"Apply the smallest change that fixes it",
			"Verify the fix and check for regressions",
		}
	case containsAny(lower, "analyze", "review", "audit", "evaluate", "assess"):
		return []string{
			"Collect the material to be analyzed for: " + goal,
			"Examine it systematically, noting observations",
			"Identify patterns, risks, and outliers",
			"Write up the assessment with evidence",
		}
	default:
		return []string{
			"Understand the goal and its constraints: " + goal,
			"Gather whatever information or material is needed",
			"Do the main work",
			"Verify the outcome matches the goal",
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
