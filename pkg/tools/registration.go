// Package tools holds the built-in tool catalog: shell, arithmetic,
// workspace file access, web search, audio transcription, the operator
// question bridge, and the reserved terminate definition. Stateful
// browser, planning, and memory tools live in their own packages and
// register themselves the same way.
package tools

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// Options configures built-in tool registration.
type Options struct {
	// WorkspaceRoot is the directory file tools are confined to and the
	// default working directory for terminal commands.
	WorkspaceRoot string

	// TavilyAPIKey enables web_search. The tool is registered either way
	// and reports a configuration error when called without a key.
	TavilyAPIKey string
	// TavilyBaseURL overrides the search endpoint, used by tests.
	TavilyBaseURL string

	// OpenAIAPIKey enables transcribe_audio.
	OpenAIAPIKey string
	// OpenAIBaseURL points transcription at a compatible server.
	OpenAIBaseURL string

	// Bridge carries ask_human questions to the operator. When nil the
	// ask_human tool is not registered.
	Bridge *HumanBridge

	// Enabled restricts registration to the named tools. Empty enables
	// everything. terminate is always registered; without it no session
	// can finish.
	Enabled []string
}

// Register registers the built-in tools.
func Register(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	defs := []toolexecutor.ToolDefinition{
		terminalTool(opts),
		calculatorTool(),
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		webSearchTool(opts),
		transcribeTool(opts),
		terminateTool(),
	}
	if opts.Bridge != nil {
		defs = append(defs, askHumanTool(opts.Bridge))
	}

	var allow map[string]bool
	if len(opts.Enabled) > 0 {
		allow = make(map[string]bool, len(opts.Enabled))
		for _, name := range opts.Enabled {
			allow[strings.TrimSpace(name)] = true
		}
	}

	for _, def := range defs {
		if allow != nil && !allow[def.Name] && def.Name != "terminate" {
			continue
		}
		if err := executor.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// resolveWorkspaceRoot picks the per-call working directory over the
// configured default.
func resolveWorkspaceRoot(execCtx *toolexecutor.ExecutionContext, opts Options) (string, error) {
	if execCtx != nil && strings.TrimSpace(execCtx.WorkingDir) != "" {
		return filepath.Clean(execCtx.WorkingDir), nil
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Clean(opts.WorkspaceRoot), nil
	}
	return "", errors.New("workspace root is not configured")
}

// resolvePathInWorkspace resolves a tool-supplied path and rejects
// anything that escapes the workspace root.
func resolvePathInWorkspace(workspaceRoot, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", errors.New("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", errors.New("path must be a local file")
	}

	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace root", pathValue)
	}
	return candidate, nil
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
