package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/truncate"
)

// Tool categories. The engine treats some categories specially: planning
// tools skip the critic phase, shell tools get argument quoting
// normalization, and stateful tools participate in pre-plan snapshots.
const (
	CategoryShell    = "shell"
	CategoryFiles    = "files"
	CategoryBrowser  = "browser"
	CategoryPlanning = "planning"
	CategoryMemory   = "memory"
	CategorySearch   = "search"
	CategoryAudio    = "audio"
	CategoryControl  = "control"
)

// Tool-layer error classifications carried on failed ToolResults.
const (
	// ErrorInvalidArguments means validation rejected the call before the
	// handler ran. No side effects occurred.
	ErrorInvalidArguments = "invalid_arguments"
	// ErrorExecutionFailed means the handler ran and faulted, panicked, or
	// timed out.
	ErrorExecutionFailed = "execution_failed"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Stateful    bool            `json:"stateful,omitempty"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`

	// NoTimeout exempts the tool from the execution deadline. The call
	// still ends when the session's context is cancelled. Used by tools
	// that legitimately block, like an operator question.
	NoTimeout bool `json:"-"`

	// Snapshot reports the live external state of a stateful tool, keyed
	// by session. Only set when Stateful is true.
	Snapshot SnapshotFunc `json:"-"`

	// Release tears down per-session state. Called on every session exit
	// path, including failure and cancellation.
	Release ReleaseFunc `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionKey string
	WorkingDir string
	Timeout    time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Text renders the result for the transcript.
func (r ToolResult) Text() string {
	if !r.Success {
		return fmt.Sprintf("Error (%s): %s", r.ErrorKind, r.Error)
	}
	switch out := r.Output.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		encoded, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(encoded)
	}
}

// ToolExecutor holds the tool registry and dispatches calls against it.
// The registry is populated at startup and frozen before the first session
// runs; after Freeze it is read-only.
type ToolExecutor struct {
	tools      map[string]*ToolDefinition
	schemas    map[string]*gojsonschema.Schema
	schemaMaps map[string]map[string]interface{}
	frozen     bool
	mu         sync.RWMutex

	truncation     truncate.Policy
	diagnosticCap  int
	defaultTimeout time.Duration
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	te := &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		schemaMaps:     make(map[string]map[string]interface{}),
		truncation:     truncate.DefaultPolicy(),
		diagnosticCap:  2000,
		defaultTimeout: 30 * time.Second,
	}

	log.Info().Msg("Tool executor initialized")

	return te
}

// SetTruncation overrides the head/tail policy applied to tool output.
func (te *ToolExecutor) SetTruncation(policy truncate.Policy) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.truncation = policy
}

// SetDiagnosticBudget overrides the size cap on fault diagnostics.
func (te *ToolExecutor) SetDiagnosticBudget(budget int) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if budget > 0 {
		te.diagnosticCap = budget
	}
}

// SetDefaultTimeout overrides the fallback execution timeout.
func (te *ToolExecutor) SetDefaultTimeout(timeout time.Duration) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if timeout > 0 {
		te.defaultTimeout = timeout
	}
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	// Validate tool definition
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	// Generate JSON Schema
	schemaMap := schemaObjectFor(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.frozen {
		return fmt.Errorf("tool registry is frozen")
	}
	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.schemaMaps[def.Name] = schemaMap

	log.Info().Str("tool", def.Name).Str("category", def.Category).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool. Rejected once the registry is frozen.
func (te *ToolExecutor) UnregisterTool(name string) error {
	te.mu.Lock()
	defer te.mu.Unlock()

	if te.frozen {
		return fmt.Errorf("tool registry is frozen")
	}

	delete(te.tools, name)
	delete(te.schemas, name)
	delete(te.schemaMaps, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
	return nil
}

// Freeze seals the registry. Every session dispatches against the same
// catalog from here on.
func (te *ToolExecutor) Freeze() {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.frozen = true
	log.Info().Int("tools", len(te.tools)).Msg("Tool registry frozen")
}

// Frozen reports whether the registry has been sealed.
func (te *ToolExecutor) Frozen() bool {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.frozen
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// SchemaObject returns the JSON schema advertised for a tool's arguments.
func (te *ToolExecutor) SchemaObject(name string) map[string]interface{} {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.schemaMaps[name]
}

// ListTools returns all registered tool names
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}

	return tools
}

// ToolsByCategory returns the names of registered tools in a category.
func (te *ToolExecutor) ToolsByCategory(category string) []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := []string{}
	for name, def := range te.tools {
		if def.Category == category {
			names = append(names, name)
		}
	}
	return names
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Execute dispatches a tool call. Validation runs before the handler, so an
// invalid call never causes side effects; faults from the handler are caught
// here and never unwind into the engine.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.toolexecutor",
		"tool.execute",
		attribute.String("tool", toolName),
	)
	defer span.End()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	truncation := te.truncation
	diagnosticCap := te.diagnosticCap
	timeout := te.defaultTimeout
	te.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", toolName).Msg("Tool not found")
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		span.SetStatus(codes.Error, "tool not found")
		return ToolResult{
			Success:   false,
			Error:     fmt.Sprintf("tool not found: %s", toolName),
			ErrorKind: ErrorInvalidArguments,
		}
	}

	// Shell commands with path-like arguments get quoting normalization
	// before validation, so the handler sees the corrected form.
	if tool.Category == CategoryShell {
		params = normalizeShellParams(params)
	}

	// Validate parameters
	if err := te.validateParameters(schema, params); err != nil {
		log.Error().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "parameter validation failed")
		return ToolResult{
			Success:   false,
			Error:     fmt.Sprintf("parameter validation failed: %v", err),
			ErrorKind: ErrorInvalidArguments,
		}
	}

	log.Debug().Str("tool", toolName).Msg("Executing tool")

	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	var timeoutCtx context.Context
	var cancel context.CancelFunc
	if tool.NoTimeout {
		timeoutCtx, cancel = context.WithCancel(ctx)
	} else {
		timeoutCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	timeoutCtx = ContextWithExecContext(timeoutCtx, execCtx)

	// Execute tool
	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	// Wait for result or timeout
	select {
	case result := <-resultChan:
		duration := time.Since(startTime)

		// Truncate output if too large
		output, truncated := truncateOutput(result, truncation)
		if truncated {
			observability.RecordTruncation("tool_output")
		}
		observability.RecordToolExecution(toolName, duration, true)

		log.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}

	case err := <-errChan:
		duration := time.Since(startTime)
		observability.RecordToolExecution(toolName, duration, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		log.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")

		return ToolResult{
			Success:   false,
			Error:     truncation.Cap(err.Error(), diagnosticCap),
			ErrorKind: ErrorExecutionFailed,
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)
		observability.RecordToolExecution(toolName, duration, false)

		message := fmt.Sprintf("tool execution timeout after %v", timeout)
		if errors.Is(timeoutCtx.Err(), context.Canceled) {
			message = "tool execution cancelled"
		}
		span.SetStatus(codes.Error, message)

		log.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool execution did not complete")

		return ToolResult{
			Success:   false,
			Error:     message,
			ErrorKind: ErrorExecutionFailed,
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}
	}
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.Stateful && def.Release == nil {
		return fmt.Errorf("stateful tool %s must define a release function", def.Name)
	}

	// Validate parameters
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}

		// Validate type
		validTypes := map[string]bool{
			"string": true, "number": true, "boolean": true,
			"object": true, "array": true, "integer": true,
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// schemaObjectFor builds the JSON schema object for a tool's parameters.
func schemaObjectFor(def ToolDefinition) map[string]interface{} {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}

		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	paramsLoader := gojsonschema.NewGoLoader(params)
	result, err := schema.Validate(paramsLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

// truncateOutput bounds tool output with the head/tail policy. Non-string
// output is measured and truncated in its JSON form.
func truncateOutput(output interface{}, policy truncate.Policy) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		if output == nil {
			return output, false
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			return output, false
		}
		str = string(encoded)
		if bounded := policy.Apply(str); len(bounded) < len(str) {
			log.Warn().
				Int("original", len(str)).
				Int("bounded", len(bounded)).
				Msg("Output truncated")
			return bounded, true
		}
		return output, false
	}

	bounded := policy.Apply(str)
	if len(bounded) >= len(str) {
		return output, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("bounded", len(bounded)).
		Msg("Output truncated")

	return bounded, true
}
