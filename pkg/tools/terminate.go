package tools

import (
	"context"
	"fmt"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// terminateTool defines the reserved terminate tool. It exists so the
// schema catalog advertises it to providers; clients decode a call to
// this name into the terminate signal before dispatch, so the handler
// only runs if a caller bypasses that boundary.
func terminateTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "terminate",
		Description: "Finish the session with a final answer. Use this when the goal is " +
			"complete or when you cannot make further progress.",
		Category: toolexecutor.CategoryControl,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "answer", Type: "string", Description: "The final answer, including all necessary details", Required: true},
			{Name: "status", Type: "string", Description: "Outcome of the goal: 'success' or 'failure'", Required: false, Default: "success"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			answer, _ := params["answer"].(string)
			return fmt.Sprintf("Task Completed. Final Answer: %s", answer), nil
		},
	}
}
