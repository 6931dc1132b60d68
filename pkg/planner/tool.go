package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// ToolName is how the model addresses plan management.
const ToolName = "planning"

// NewTool exposes the plan store to the model. Pure plan bookkeeping does
// not change the outside world, so the engine treats calls to it as
// planning steps rather than executions to critique.
func NewTool(store *Store) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: ToolName,
		Description: "Manage the step-by-step plan for the current goal. " +
			"Commands: create (new plan, supersedes the old one), update (rewrite title/steps), " +
			"mark_step (set a step's status), get (show the plan), next (show the step to work on), " +
			"validate (check the plan for inconsistencies).",
		Category: toolexecutor.CategoryPlanning,
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "command",
				Type:        "string",
				Description: "One of: create, update, mark_step, get, next, validate",
				Required:    true,
			},
			{
				Name:        "title",
				Type:        "string",
				Description: "Plan title (create, update)",
			},
			{
				Name:        "steps",
				Type:        "array",
				Description: "Step descriptions in order (create, update). Omit on create to derive a starter plan from the title.",
			},
			{
				Name:        "step_index",
				Type:        "integer",
				Description: "Zero-based step to modify (mark_step)",
			},
			{
				Name:        "step_status",
				Type:        "string",
				Description: "One of: not_started, in_progress, completed, blocked, skipped (mark_step)",
			},
			{
				Name:        "step_notes",
				Type:        "string",
				Description: "Free-form note to attach to the step (mark_step)",
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			sessionKey := ""
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				sessionKey = execCtx.SessionKey
			}
			if sessionKey == "" {
				return nil, fmt.Errorf("planning requires a session")
			}

			command, _ := params["command"].(string)
			switch command {
			case "create":
				title, _ := params["title"].(string)
				steps := stringSlice(params["steps"])
				if len(steps) == 0 {
					steps = DecomposeGoal(title)
				}
				plan, err := store.Create(sessionKey, title, steps)
				if err != nil {
					return nil, err
				}
				return plan.Render(), nil

			case "update":
				title, _ := params["title"].(string)
				plan, err := store.Update(sessionKey, title, stringSlice(params["steps"]))
				if err != nil {
					return nil, err
				}
				return plan.Render(), nil

			case "mark_step":
				index, ok := intArg(params, "step_index")
				if !ok {
					return nil, fmt.Errorf("mark_step requires step_index")
				}
				status, _ := params["step_status"].(string)
				notes, _ := params["step_notes"].(string)
				plan, err := store.MarkStep(sessionKey, index, StepStatus(status), notes)
				if err != nil {
					return nil, err
				}
				return plan.Render(), nil

			case "get":
				plan, ok := store.Get(sessionKey)
				if !ok {
					return "No active plan. Use the create command to start one.", nil
				}
				return plan.Render(), nil

			case "next":
				plan, ok := store.Get(sessionKey)
				if !ok {
					return "No active plan. Use the create command to start one.", nil
				}
				index, remaining := plan.NextStep()
				if !remaining {
					return "All plan steps are finished.", nil
				}
				step := plan.Steps[index]
				return fmt.Sprintf("Next step %d (%s): %s", index, step.Status, step.Description), nil

			case "validate":
				findings, err := store.Validate(sessionKey)
				if err != nil {
					return nil, err
				}
				if len(findings) == 0 {
					return "Plan looks consistent.", nil
				}
				return "Plan issues found:\n- " + strings.Join(findings, "\n- "), nil

			default:
				return nil, fmt.Errorf("unknown planning command: %s", command)
			}
		},
	}
}

func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intArg(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
