package provider

import (
	"context"
	"strings"
	"time"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/sanitize"
)

// Message roles used in the transcript sent to providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider vendors supported by the factory.
const (
	VendorAnthropic        = "anthropic"
	VendorOpenAI           = "openai"
	VendorOpenAICompatible = "openai_compatible"
)

// TerminateToolName is the reserved tool the model calls to end a session.
// Clients decode it into a terminate turn instead of a tool call.
const TerminateToolName = "terminate"

// Message is one conversation entry in provider wire order.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a structured request from the model to run a registered tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSpec advertises one tool to the model. Schema is a JSON schema object
// describing the arguments.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"input_schema"`
}

// Request bundles everything needed for a single model exchange.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// TurnKind tags the variants a decoded provider response can take.
type TurnKind string

const (
	// TurnText is a plain assistant reply with no tool call.
	TurnText TurnKind = "text"
	// TurnToolCall carries exactly one tool invocation to execute.
	TurnToolCall TurnKind = "tool_call"
	// TurnTerminate is the model declaring the session finished.
	TurnTerminate TurnKind = "terminate"
)

// ModelTurn is one decoded provider response.
type ModelTurn struct {
	Kind     TurnKind    `json:"kind"`
	Text     string      `json:"text,omitempty"`
	ToolCall *ToolCall   `json:"tool_call,omitempty"`
	Status   string      `json:"status,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`
	Provider string      `json:"provider,omitempty"`
}

// TokenUsage tracks token consumption for one exchange.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Profile is one immutable provider endpoint configuration. Lower priority
// numbers are tried first.
type Profile struct {
	ID             string        `json:"id"`
	Provider       string        `json:"provider"`
	APIKey         string        `json:"api_key"`
	BaseURL        string        `json:"base_url,omitempty"`
	Model          string        `json:"model"`
	Priority       int           `json:"priority"`
	SupportsTools  bool          `json:"supports_tools"`
	SupportsVision bool          `json:"supports_vision"`
	Timeout        time.Duration `json:"-"`
}

// Client issues a single request against one provider endpoint. Failed
// exchanges return a *ClientError so the router can classify them.
type Client interface {
	// Send performs one exchange and decodes the response into a ModelTurn.
	Send(ctx context.Context, req Request) (*ModelTurn, error)

	// Name returns the profile ID this client was built from.
	Name() string

	// Vendor returns the provider vendor ("anthropic", "openai", ...).
	Vendor() string
}

// assembleTurn folds decoded provider output into a ModelTurn. Model text is
// cleaned here so control tokens never reach the transcript, and tool names
// that were never advertised are rejected as malformed.
func assembleTurn(providerID string, req Request, text string, calls []ToolCall, usage *TokenUsage) (*ModelTurn, error) {
	text = sanitize.Clean(text)

	if len(calls) == 0 {
		return &ModelTurn{
			Kind:     TurnText,
			Text:     text,
			Usage:    usage,
			Provider: providerID,
		}, nil
	}

	known := make(map[string]bool, len(req.Tools))
	for _, spec := range req.Tools {
		known[spec.Name] = true
	}

	// One operation runs per cycle, so only the first call is honored.
	call := calls[0]
	if !known[call.Name] {
		return nil, &ClientError{
			Kind:     KindMalformed,
			Provider: providerID,
			Message:  "response cited unknown tool " + call.Name,
		}
	}

	if call.Name == TerminateToolName {
		status, _ := call.Arguments["status"].(string)
		if status != "failure" {
			status = "success"
		}
		// The answer argument is the designated final answer; narration
		// text around the call is secondary.
		if answer, ok := call.Arguments["answer"].(string); ok && strings.TrimSpace(answer) != "" {
			text = sanitize.Clean(answer)
		}
		return &ModelTurn{
			Kind:     TurnTerminate,
			Text:     text,
			Status:   status,
			Usage:    usage,
			Provider: providerID,
		}, nil
	}

	return &ModelTurn{
		Kind:     TurnToolCall,
		Text:     text,
		ToolCall: &call,
		Usage:    usage,
		Provider: providerID,
	}, nil
}
