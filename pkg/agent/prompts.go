package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

const systemPromptTemplate = `You are Manus-Cu-Sen, an all-capable AI assistant, aimed at solving any task presented by the user. You have various tools at your disposal that you can call upon to efficiently complete complex requests. Whether it's programming, information retrieval, file processing, web browsing, or human interaction, you can handle it all.

Execution principles:
1. Once the user states a goal, do not ask for permission for individual steps. Execute.
2. If a tool fails, look for an alternative approach before reporting failure. The terminal tool can accomplish most things.
3. Use ask_human only for high-risk or irreversible actions.
4. Always answer in the same language as the user's goal.

The working directory is: %s
When the goal is complete, call the terminate tool with your final answer.`

const nextStepPrompt = `Based on the progress so far, proactively select the most appropriate tool for the next step. For complex goals, break the problem down and use different tools step by step. After each tool result, explain what it means for the goal.

Call exactly one tool. When the goal is fully complete, call terminate with the final answer.`

const criticPrompt = `Review the last tool result above. Did it accomplish what the step intended?

Answer with exactly one line:
- "PROCEED" if the step succeeded and the goal needs more work.
- "FEEDBACK: <reason>" if the step failed or the approach should change. State what to do differently.
- "SUCCESS" if the overall goal is now fully achieved.`

const textOnlyNudge = `Reply by calling a tool. If the goal is complete, call terminate with your final answer.`

// systemPrompt renders the session system prompt. A note recalled from a
// previous run of the same goal is appended when present.
func systemPrompt(workingDir, memoryNote string) string {
	if workingDir == "" {
		workingDir = "."
	}
	prompt := fmt.Sprintf(systemPromptTemplate, workingDir)
	if memoryNote != "" {
		prompt += "\n\nNotes from a previous run of this goal:\n" + memoryNote
	}
	return prompt
}

// externalContextBlock renders a stateful tool's live state for the next
// planning turn.
func externalContextBlock(ec *toolexecutor.ExternalContext) string {
	if ec == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current %s state:", ec.Tool)
	if ec.URL != "" {
		fmt.Fprintf(&b, "\n  URL: %s", ec.URL)
	}
	if ec.Title != "" {
		fmt.Fprintf(&b, "\n  Title: %s", ec.Title)
	}
	if ec.Summary != "" {
		fmt.Fprintf(&b, "\n  Page: %s", ec.Summary)
	}
	if ec.ScreenshotRef != "" {
		fmt.Fprintf(&b, "\n  Screenshot: %s", ec.ScreenshotRef)
	}
	return b.String()
}

// omittedTurnsBridge marks elided transcript turns in the prompt view.
func omittedTurnsBridge(n int) string {
	return fmt.Sprintf("[%d earlier turns omitted to fit the context window]", n)
}

// toolInstructions summarizes the advertised tools, one line each.
func toolInstructions(executor *toolexecutor.ToolExecutor) string {
	names := executor.ListTools()
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		def := executor.GetTool(name)
		if def == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, def.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
