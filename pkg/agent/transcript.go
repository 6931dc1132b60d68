package agent

import (
	"strings"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/provider"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/session"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/truncate"
)

// roleCritic marks verdict turns in the stored transcript. Stored turns
// are the session's record; only feedback verdicts are replayed to the
// model, reframed as a user instruction.
const roleCritic = "critic"

// sessionState is the in-memory view of one running session. turns only
// ever grows; prompt assembly derives bounded views from it.
type sessionState struct {
	key  string
	goal string

	turns       []session.Turn
	pendingCall *provider.ToolCall

	cycles     int
	toolCalls  int
	usage      provider.TokenUsage
	memoryNote string
	nudge      bool
}

// messagesFromTurns maps stored turns into provider wire order. Critic
// turns carrying feedback become user messages so the next planning turn
// revises its approach; other critic turns are session bookkeeping and
// are not replayed.
func messagesFromTurns(turns []session.Turn) []provider.Message {
	messages := make([]provider.Message, 0, len(turns))

	for _, turn := range turns {
		switch turn.Role {
		case provider.RoleUser:
			messages = append(messages, provider.Message{
				Role:    provider.RoleUser,
				Content: turn.Content,
			})

		case provider.RoleAssistant:
			msg := provider.Message{
				Role:    provider.RoleAssistant,
				Content: turn.Content,
			}
			if tc := turn.ToolCall; tc != nil {
				msg.ToolCalls = []provider.ToolCall{{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				}}
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			messages = append(messages, msg)

		case provider.RoleTool:
			tr := turn.ToolResult
			if tr == nil {
				continue
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    tr.Output,
				ToolCallID: tr.ID,
			})

		case roleCritic:
			if turn.Metadata == nil || turn.Metadata["verdict"] != string(VerdictFeedback) {
				continue
			}
			messages = append(messages, provider.Message{
				Role:    provider.RoleUser,
				Content: "The last result was reviewed and judged insufficient: " + turn.Content + "\nRevise the approach instead of repeating the same action.",
			})
		}
	}

	return messages
}

// boundMessages keeps the prompt view within budget bytes of content. The
// first message (the goal) is always kept; the newest suffix that fits is
// kept whole, and a bridge message states how many turns were elided.
// Tool results never survive without the assistant call that produced
// them, so a kept window never starts with an orphan tool message.
func boundMessages(messages []provider.Message, budget int, policy truncate.Policy) []provider.Message {
	if budget <= 0 || len(messages) <= 2 {
		return messages
	}

	// A single runaway message must not defeat the whole-transcript bound.
	perMessage := budget / 2
	sized := make([]provider.Message, len(messages))
	total := 0
	for i, msg := range messages {
		if len(msg.Content) > perMessage {
			msg.Content = policy.Cap(msg.Content, perMessage)
		}
		sized[i] = msg
		total += len(msg.Content)
	}
	if total <= budget {
		return sized
	}

	first := sized[0]
	bridgeCost := 80
	remaining := budget - len(first.Content) - bridgeCost

	start := len(sized)
	used := 0
	for i := len(sized) - 1; i >= 1; i-- {
		used += len(sized[i].Content)
		if used > remaining {
			break
		}
		start = i
	}
	for start < len(sized) && sized[start].Role == provider.RoleTool {
		start++
	}

	omitted := start - 1
	if omitted <= 0 {
		return sized
	}

	bounded := make([]provider.Message, 0, len(sized)-omitted+1)
	bounded = append(bounded, first)
	bounded = append(bounded, provider.Message{
		Role:    provider.RoleUser,
		Content: omittedTurnsBridge(omitted),
	})
	bounded = append(bounded, sized[start:]...)
	return bounded
}

// recentStatefulTools lists stateful tools called within the last
// lookback turns, most recent first.
func recentStatefulTools(executor *toolexecutor.ToolExecutor, turns []session.Turn, lookback int) []string {
	start := len(turns) - lookback
	if start < 0 {
		start = 0
	}

	var names []string
	seen := make(map[string]bool)
	for i := len(turns) - 1; i >= start; i-- {
		tc := turns[i].ToolCall
		if tc == nil || seen[tc.Name] {
			continue
		}
		seen[tc.Name] = true
		def := executor.GetTool(tc.Name)
		if def == nil || !def.Stateful {
			continue
		}
		names = append(names, tc.Name)
	}
	return names
}

// lastAssistantText returns the most recent assistant narration.
func lastAssistantText(turns []session.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == provider.RoleAssistant && strings.TrimSpace(turns[i].Content) != "" {
			return turns[i].Content
		}
	}
	return ""
}

// lastToolOutput returns the most recent tool result payload.
func lastToolOutput(turns []session.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == provider.RoleTool && turns[i].ToolResult != nil {
			return turns[i].ToolResult.Output
		}
	}
	return ""
}
