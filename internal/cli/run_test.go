package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
)

func TestRunCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()

		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == "run" {
				found = true
				assert.Contains(t, c.Short, "foreground")
				break
			}
		}
		assert.True(t, found, "run command should be registered")
	})

	t.Run("requires a goal argument", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"run"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)
		cmd.SetErr(output)

		err := cmd.Execute()
		assert.ErrorContains(t, err, "accepts 1 arg")
	})
}

func TestRenderEvent(t *testing.T) {
	tests := []struct {
		name string
		evt  events.Event
		want string
	}{
		{
			name: "session started",
			evt: events.Event{
				Type:      events.TypeSessionStarted,
				SessionID: "run-abc",
				Payload:   map[string]interface{}{"goal": "summarize the report"},
			},
			want: "session run-abc started: summarize the report",
		},
		{
			name: "phase changed",
			evt: events.Event{
				Type:    events.TypePhaseChanged,
				Phase:   "execute",
				Payload: map[string]interface{}{"cycle": 2, "from": "plan"},
			},
			want: "[cycle 2] phase plan -> execute",
		},
		{
			name: "tool call with arguments",
			evt: events.Event{
				Type: events.TypeToolCall,
				Payload: map[string]interface{}{
					"tool":      "terminal",
					"arguments": map[string]interface{}{"command": "ls"},
				},
			},
			want: `-> terminal {"command":"ls"}`,
		},
		{
			name: "tool call without arguments",
			evt: events.Event{
				Type: events.TypeToolCall,
				Payload: map[string]interface{}{
					"tool":      "terminate",
					"arguments": map[string]interface{}{},
				},
			},
			want: "-> terminate",
		},
		{
			name: "tool result ok",
			evt: events.Event{
				Type: events.TypeToolResult,
				Payload: map[string]interface{}{
					"tool":    "terminal",
					"success": true,
					"preview": "3 files",
				},
			},
			want: "<- terminal ok: 3 files",
		},
		{
			name: "tool result failed",
			evt: events.Event{
				Type: events.TypeToolResult,
				Payload: map[string]interface{}{
					"tool":    "web_search",
					"success": false,
					"preview": "request timed out",
				},
			},
			want: "<- web_search failed: request timed out",
		},
		{
			name: "critic verdict with detail",
			evt: events.Event{
				Type:    events.TypeCriticVerdict,
				Payload: map[string]interface{}{"verdict": "feedback", "detail": "the source is not cited"},
			},
			want: "critic: feedback (the source is not cited)",
		},
		{
			name: "provider failover",
			evt: events.Event{
				Type:    events.TypeProviderFailover,
				Payload: map[string]interface{}{"profile": "anthropic-primary", "kind": "rate_limited"},
			},
			want: "provider failover: anthropic-primary (rate_limited)",
		},
		{
			name: "session finished successfully",
			evt: events.Event{
				Type:    events.TypeSessionFinished,
				Payload: map[string]interface{}{"success": true, "final_answer": "Done."},
			},
			want: "\nFinal answer:\nDone.",
		},
		{
			name: "session finished without success",
			evt: events.Event{
				Type:    events.TypeSessionFinished,
				Payload: map[string]interface{}{"success": false, "reason": "budget_exhausted"},
			},
			want: "\nSession failed: budget_exhausted",
		},
		{
			// Questions are prompted by the stdin bridge, so the bus
			// event itself stays off the transcript.
			name: "human request stays silent",
			evt: events.Event{
				Type:    events.TypeHumanRequest,
				Payload: map[string]interface{}{"question": "which account?"},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderEvent(tt.evt))
		})
	}
}
