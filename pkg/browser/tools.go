package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// RegisterTools registers the browser tools into the executor. All six
// share the manager's snapshot and release hooks, so whichever of them a
// session touched last, the engine sees the same live page state and the
// session teardown closes the same page.
func RegisterTools(executor *toolexecutor.ToolExecutor, manager *Manager) error {
	tools := []toolexecutor.ToolDefinition{
		navigateTool(manager),
		clickTool(manager),
		inputTool(manager),
		scrollTool(manager),
		extractTool(manager),
		screenshotTool(manager),
	}

	for _, tool := range tools {
		tool.Category = toolexecutor.CategoryBrowser
		tool.Stateful = true
		tool.Snapshot = manager.Snapshot
		tool.Release = manager.Release

		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}

	return nil
}

// sessionFrom pulls the owning session's key out of the handler context.
func sessionFrom(ctx context.Context) (string, error) {
	execCtx := toolexecutor.ExecContextFromContext(ctx)
	if execCtx == nil || execCtx.SessionKey == "" {
		return "", &BrowserError{Code: ErrCodeValidation, Message: "browser tools require a session"}
	}
	return execCtx.SessionKey, nil
}

// openPage returns the session's live instance, or an error telling the
// model to navigate first.
func openPage(ctx context.Context, manager *Manager) (*Instance, error) {
	sessionKey, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}

	inst := manager.Get(sessionKey)
	if inst == nil {
		return nil, &BrowserError{
			Code:    ErrCodeNoPage,
			Message: "no browser page is open for this session, use browser_navigate first",
		}
	}
	return inst, nil
}

func navigateTool(manager *Manager) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "browser_navigate",
		Description: "Open a URL in this session's browser page. Only http and https URLs are allowed.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "url",
				Type:        "string",
				Description: "URL to open",
				Required:    true,
			},
			{
				Name:        "timeout",
				Type:        "integer",
				Description: "Navigation timeout in seconds (default: 30)",
				Required:    false,
				Default:     30,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			rawURL, ok := params["url"].(string)
			if !ok {
				return nil, &BrowserError{Code: ErrCodeValidation, Message: "url parameter is required"}
			}
			// Reject bad URLs before a page (or the browser itself) is
			// created for the session.
			if err := validateURL(rawURL); err != nil {
				return nil, err
			}

			sessionKey, err := sessionFrom(ctx)
			if err != nil {
				return nil, err
			}

			inst, err := manager.Acquire(ctx, sessionKey)
			if err != nil {
				return nil, err
			}

			if err := inst.Navigate(ctx, rawURL, intParam(params, "timeout")); err != nil {
				return nil, err
			}

			pageURL, title, err := inst.Info()
			if err != nil {
				return nil, err
			}
			if title != "" {
				return fmt.Sprintf("Opened %s (%s).", pageURL, title), nil
			}
			return fmt.Sprintf("Opened %s.", pageURL), nil
		},
	}
}

func clickTool(manager *Manager) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "browser_click",
		Description: "Click the first element matching a CSS selector on the open page.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "selector",
				Type:        "string",
				Description: "CSS selector of the element to click",
				Required:    true,
			},
			{
				Name:        "timeout",
				Type:        "integer",
				Description: "Timeout in seconds (default: 30)",
				Required:    false,
				Default:     30,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			selector, ok := params["selector"].(string)
			if !ok {
				return nil, &BrowserError{Code: ErrCodeValidation, Message: "selector parameter is required"}
			}

			inst, err := openPage(ctx, manager)
			if err != nil {
				return nil, err
			}

			if err := inst.Click(ctx, selector, intParam(params, "timeout")); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Clicked %s.", selector), nil
		},
	}
}

func inputTool(manager *Manager) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "browser_input",
		Description: "Type text into the first element matching a CSS selector, replacing its current value.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "selector",
				Type:        "string",
				Description: "CSS selector of the input element",
				Required:    true,
			},
			{
				Name:        "value",
				Type:        "string",
				Description: "Text to type",
				Required:    true,
			},
			{
				Name:        "timeout",
				Type:        "integer",
				Description: "Timeout in seconds (default: 30)",
				Required:    false,
				Default:     30,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			selector, ok := params["selector"].(string)
			if !ok {
				return nil, &BrowserError{Code: ErrCodeValidation, Message: "selector parameter is required"}
			}
			value, ok := params["value"].(string)
			if !ok {
				return nil, &BrowserError{Code: ErrCodeValidation, Message: "value parameter is required"}
			}

			inst, err := openPage(ctx, manager)
			if err != nil {
				return nil, err
			}

			if err := inst.Input(ctx, selector, value, intParam(params, "timeout")); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Typed %d characters into %s.", len(value), selector), nil
		},
	}
}

func scrollTool(manager *Manager) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "browser_scroll",
		Description: "Scroll the open page up or down.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "direction",
				Type:        "string",
				Description: "Scroll direction: 'up' or 'down' (default: 'down')",
				Required:    false,
				Default:     "down",
			},
			{
				Name:        "amount",
				Type:        "integer",
				Description: "Pixels to scroll (default: 600)",
				Required:    false,
				Default:     600,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			direction, _ := params["direction"].(string)
			if direction == "" {
				direction = "down"
			}
			amount := intParam(params, "amount")
			if amount <= 0 {
				amount = 600
			}

			inst, err := openPage(ctx, manager)
			if err != nil {
				return nil, err
			}

			if err := inst.Scroll(ctx, direction, amount); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Scrolled %s %d pixels.", strings.ToLower(direction), amount), nil
		},
	}
}

func extractTool(manager *Manager) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "browser_extract",
		Description: "Extract content from the open page: 'text' for visible text, 'html' for markup, 'links' for all anchors, 'selector' for one element's text.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "kind",
				Type:        "string",
				Description: "Extraction kind: 'text', 'html', 'links', or 'selector'",
				Required:    false,
				Default:     "text",
			},
			{
				Name:        "selector",
				Type:        "string",
				Description: "CSS selector, required for the 'selector' kind",
				Required:    false,
			},
			{
				Name:        "timeout",
				Type:        "integer",
				Description: "Timeout in seconds (default: 30)",
				Required:    false,
				Default:     30,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			kind, _ := params["kind"].(string)
			if kind == "" {
				kind = "text"
			}

			inst, err := openPage(ctx, manager)
			if err != nil {
				return nil, err
			}

			switch kind {
			case "text":
				return inst.ExtractText(ctx)
			case "html":
				return inst.ExtractHTML(ctx)
			case "links":
				links, err := inst.ExtractLinks(ctx)
				if err != nil {
					return nil, err
				}
				return formatLinks(links), nil
			case "selector":
				selector, ok := params["selector"].(string)
				if !ok || selector == "" {
					return nil, &BrowserError{Code: ErrCodeValidation, Message: "selector parameter is required for the 'selector' kind"}
				}
				return inst.ExtractSelector(ctx, selector, intParam(params, "timeout"))
			default:
				return nil, &BrowserError{
					Code:    ErrCodeValidation,
					Message: fmt.Sprintf("unknown extraction kind %q, use text, html, links, or selector", kind),
				}
			}
		},
	}
}

func screenshotTool(manager *Manager) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "browser_screenshot",
		Description: "Capture the open page to an image file and return its path.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "full_page",
				Type:        "boolean",
				Description: "Capture the whole page instead of the viewport (default: false)",
				Required:    false,
				Default:     false,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			fullPage, _ := params["full_page"].(bool)

			inst, err := openPage(ctx, manager)
			if err != nil {
				return nil, err
			}

			path, err := inst.Screenshot(ctx, fullPage)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Saved screenshot to %s.", path), nil
		},
	}
}

// intParam reads an integer argument. JSON numbers decode as float64, so
// both forms are accepted.
func intParam(params map[string]interface{}, name string) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// formatLinks renders anchors one per line for the transcript.
func formatLinks(links []Link) string {
	if len(links) == 0 {
		return "No links found on the page."
	}

	lines := make([]string, 0, len(links))
	for _, link := range links {
		text := link.Text
		if text == "" {
			text = "(no text)"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", text, link.Href))
	}
	return strings.Join(lines, "\n")
}
