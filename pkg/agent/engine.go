package agent

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/provider"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/sanitize"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/session"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/truncate"
)

// Phase names the state machine's states.
type Phase string

const (
	PhasePlan       Phase = "plan"
	PhaseExecute    Phase = "execute"
	PhaseCritic     Phase = "critic"
	PhaseTerminated Phase = "terminated"
)

// Terminal classifications reported in Result.Reason.
const (
	ReasonCompleted          = "completed"
	ReasonModelFailure       = "model_declared_failure"
	ReasonBudgetExhausted    = "budget_exhausted"
	ReasonProvidersExhausted = "all_providers_exhausted"
	ReasonCancelled          = "cancelled"
)

// ErrBudgetExhausted ends a session whose Plan/Critic loop hit the cycle
// ceiling without terminating. Callers can test for it with errors.Is; the
// matching condition for a dead provider chain is
// provider.ErrAllProvidersExhausted.
var ErrBudgetExhausted = errors.New("cycle budget exhausted")

const (
	// DefaultMaxCycles bounds Plan/Critic iterations per session.
	DefaultMaxCycles = 20

	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7

	// defaultContextBudget bounds the assembled prompt view in bytes.
	defaultContextBudget = 60000

	// snapshotLookback is how many transcript turns back a stateful tool
	// call keeps its live state injected, about three tool exchanges.
	snapshotLookback = 6

	releaseTimeout = 10 * time.Second
)

// Memory tool names the engine drives through the regular tool contract.
const (
	memoryRecallTool = "memory_recall"
	memorySaveTool   = "memory_save"
)

// Config wires an Engine. Router, Executor and Sessions are required.
type Config struct {
	Router   *provider.Router
	Executor *toolexecutor.ToolExecutor
	Sessions *session.Manager
	Bus      *events.Bus
	Logger   zerolog.Logger

	MaxCycles     int
	Temperature   float64
	MaxTokens     int
	ContextBudget int
	WorkingDir    string

	// Truncation overrides the per-result head/tail shares. Zero means
	// the default policy.
	Truncation truncate.Policy

	// UseMemory reads a goal-keyed note before planning starts and writes
	// the outcome when the session terminates, through the memory tools.
	UseMemory bool
}

// RunParams identifies the session and the goal to pursue.
type RunParams struct {
	SessionKey string `json:"session_key"`
	Goal       string `json:"goal"`
}

// Result is the terminal outcome of a session.
type Result struct {
	SessionKey  string              `json:"session_key"`
	Success     bool                `json:"success"`
	FinalAnswer string              `json:"final_answer,omitempty"`
	Reason      string              `json:"reason"`
	Cycles      int                 `json:"cycles"`
	ToolCalls   int                 `json:"tool_calls"`
	Usage       provider.TokenUsage `json:"usage"`
	Duration    time.Duration       `json:"duration"`
}

// Engine drives one session through the state machine. The provider
// router it holds carries session-scoped failover state, so an Engine
// runs exactly once; build a fresh one per goal.
type Engine struct {
	router   *provider.Router
	executor *toolexecutor.ToolExecutor
	sessions *session.Manager
	bus      *events.Bus
	logger   zerolog.Logger

	maxCycles     int
	temperature   float64
	maxTokens     int
	contextBudget int
	workingDir    string
	useMemory     bool
	truncation    truncate.Policy

	mu  sync.Mutex
	ran bool
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Router == nil {
		return nil, fmt.Errorf("provider router is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	maxCycles := cfg.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	contextBudget := cfg.ContextBudget
	if contextBudget <= 0 {
		contextBudget = defaultContextBudget
	}
	truncation := cfg.Truncation
	if truncation.Head <= 0 && truncation.Tail <= 0 {
		truncation = truncate.DefaultPolicy()
	}

	return &Engine{
		router:        cfg.Router,
		executor:      cfg.Executor,
		sessions:      cfg.Sessions,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		maxCycles:     maxCycles,
		temperature:   temperature,
		maxTokens:     maxTokens,
		contextBudget: contextBudget,
		workingDir:    cfg.WorkingDir,
		useMemory:     cfg.UseMemory,
		truncation:    truncation,
	}, nil
}

// Run pursues the goal until a terminal phase. The returned Result is
// always populated with the terminal classification; the error is non-nil
// for kernel faults (budget exhausted, all providers exhausted,
// cancellation, persistence failures) and nil when the session completed,
// whether the model declared success or failure.
func (e *Engine) Run(ctx context.Context, params RunParams) (Result, error) {
	if params.SessionKey == "" {
		return Result{}, fmt.Errorf("session key is required")
	}
	if strings.TrimSpace(params.Goal) == "" {
		return Result{}, fmt.Errorf("goal is required")
	}

	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("engine already ran a session; build a fresh one per goal")
	}
	e.ran = true
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx = tracing.NewRunContext(ctx, params.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.agent",
		"agent.run",
		attribute.String("session_key", params.SessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("session_key", params.SessionKey).Logger()

	st := &sessionState{key: params.SessionKey, goal: params.Goal}

	// Continue an existing transcript when the session key was seen before.
	entries, err := e.sessions.LoadWithContext(ctx, st.key)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load session transcript: %w", err)
	}
	for _, entry := range entries {
		st.turns = append(st.turns, entry.Turn)
	}

	// A crash between a call and its result leaves a dangling tool call;
	// close the pair before any new turn is requested.
	if n := len(st.turns); n > 0 && st.turns[n-1].Role == provider.RoleAssistant && st.turns[n-1].ToolCall != nil {
		dangling := st.turns[n-1].ToolCall
		logger.Warn().Str("tool", dangling.Name).Msg("Closing tool call left dangling by an interrupted run")
		if err := e.appendTurn(ctx, st, session.Turn{
			Role:  provider.RoleTool,
			Phase: string(PhaseExecute),
			ToolResult: &session.ToolResultRecord{
				ID:        dangling.ID,
				Name:      dangling.Name,
				Success:   false,
				Output:    "The session was interrupted before this tool call completed.",
				ErrorKind: toolexecutor.ErrorExecutionFailed,
			},
		}); err != nil {
			return Result{}, err
		}
	}

	// Stateful tools are torn down on every exit path. The fresh context
	// matters: the run context is already cancelled on the abort path.
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := e.executor.ReleaseSession(relCtx, st.key); err != nil {
			logger.Warn().Err(err).Msg("Failed to release session tools")
		}
	}()

	e.emit(events.TypeSessionStarted, st, string(PhasePlan), map[string]interface{}{
		"goal": params.Goal,
	})
	logger.Info().Str("goal", truncate.HeadTail(params.Goal, 120, 0)).Msg("Session started")
	logger.Debug().Str("tools", toolInstructions(e.executor)).Msg("Advertised tools")

	if err := e.appendTurn(ctx, st, session.Turn{
		Role:    provider.RoleUser,
		Phase:   string(PhasePlan),
		Content: params.Goal,
	}); err != nil {
		return Result{}, err
	}

	if e.useMemory {
		st.memoryNote = e.recallGoalNote(ctx, st)
	}

	result, runErr := e.loop(ctx, logger, st)
	result.SessionKey = st.key
	result.Cycles = st.cycles
	result.ToolCalls = st.toolCalls
	result.Usage = st.usage
	result.Duration = time.Since(start)
	observability.RecordSessionRun(result.Reason, result.Duration, result.Cycles)

	if e.useMemory {
		e.saveGoalNote(st, result)
	}

	e.emit(events.TypeSessionFinished, st, string(PhaseTerminated), map[string]interface{}{
		"success":      result.Success,
		"reason":       result.Reason,
		"cycles":       result.Cycles,
		"final_answer": result.FinalAnswer,
	})

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	logger.Info().
		Bool("success", result.Success).
		Str("reason", result.Reason).
		Int("cycles", result.Cycles).
		Int("tool_calls", result.ToolCalls).
		Dur("duration", result.Duration).
		Msg("Session terminated")

	return result, runErr
}

// loop walks the state machine until a phase handler reports a terminal
// result.
func (e *Engine) loop(ctx context.Context, logger zerolog.Logger, st *sessionState) (Result, error) {
	phase := PhasePlan

	for {
		if err := ctx.Err(); err != nil {
			return Result{Reason: ReasonCancelled}, err
		}

		var (
			next Phase
			res  *Result
			err  error
		)
		switch phase {
		case PhasePlan:
			next, res, err = e.planPhase(ctx, logger, st)
		case PhaseExecute:
			next, res, err = e.executePhase(ctx, logger, st)
		case PhaseCritic:
			next, res, err = e.criticPhase(ctx, logger, st)
		default:
			return Result{}, fmt.Errorf("engine reached unknown phase %q", phase)
		}

		if res != nil || err != nil {
			if res == nil {
				res = &Result{}
			}
			return *res, err
		}
		if next != phase {
			e.emit(events.TypePhaseChanged, st, string(next), map[string]interface{}{
				"from":  string(phase),
				"cycle": st.cycles,
			})
			phase = next
		}
	}
}

// planPhase asks the model for the next step. A tool call moves to
// Execute, a terminate signal ends the session directly, and a plain text
// reply stays in Plan with a nudge to act.
func (e *Engine) planPhase(ctx context.Context, logger zerolog.Logger, st *sessionState) (Phase, *Result, error) {
	if st.cycles >= e.maxCycles {
		logger.Warn().Int("max_cycles", e.maxCycles).Msg("Cycle budget exhausted")
		return PhaseTerminated, &Result{Reason: ReasonBudgetExhausted},
			fmt.Errorf("session %s: %w", st.key, ErrBudgetExhausted)
	}
	st.cycles++

	turn, err := e.dispatch(ctx, st, e.buildPlanRequest(ctx, st))
	if err != nil {
		return e.dispatchFailure(st, err)
	}

	switch turn.Kind {
	case provider.TurnTerminate:
		content := turn.Text
		if content == "" {
			content = "Task completed."
		}
		if err := e.appendTurn(ctx, st, session.Turn{
			Role:     provider.RoleAssistant,
			Phase:    string(PhasePlan),
			Content:  content,
			Provider: turn.Provider,
			Metadata: map[string]interface{}{"terminate": true, "status": turn.Status},
		}); err != nil {
			return PhaseTerminated, &Result{}, err
		}
		res := &Result{Success: true, FinalAnswer: turn.Text, Reason: ReasonCompleted}
		if turn.Status == "failure" {
			res.Success = false
			res.Reason = ReasonModelFailure
		}
		return PhaseTerminated, res, nil

	case provider.TurnToolCall:
		call := *turn.ToolCall
		if call.ID == "" {
			call.ID = fmt.Sprintf("call-%d", st.cycles)
		}
		if err := e.appendTurn(ctx, st, session.Turn{
			Role:     provider.RoleAssistant,
			Phase:    string(PhasePlan),
			Content:  turn.Text,
			Provider: turn.Provider,
			ToolCall: &session.ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments},
		}); err != nil {
			return PhaseTerminated, &Result{}, err
		}
		st.pendingCall = &call
		e.emit(events.TypeToolCall, st, string(PhaseExecute), map[string]interface{}{
			"tool":      call.Name,
			"call_id":   call.ID,
			"arguments": call.Arguments,
		})
		return PhaseExecute, nil, nil

	default:
		if turn.Text != "" {
			if err := e.appendTurn(ctx, st, session.Turn{
				Role:     provider.RoleAssistant,
				Phase:    string(PhasePlan),
				Content:  turn.Text,
				Provider: turn.Provider,
			}); err != nil {
				return PhaseTerminated, &Result{}, err
			}
		}
		logger.Debug().Msg("Model replied without a tool call, nudging")
		st.nudge = true
		return PhasePlan, nil, nil
	}
}

// executePhase dispatches the pending tool call and records exactly one
// result for it before any further provider turn.
func (e *Engine) executePhase(ctx context.Context, logger zerolog.Logger, st *sessionState) (Phase, *Result, error) {
	call := st.pendingCall
	if call == nil {
		return PhaseTerminated, &Result{}, fmt.Errorf("execute phase reached with no pending tool call")
	}
	st.pendingCall = nil

	result := e.executor.Execute(ctx, call.Name, call.Arguments, e.execContext(st))
	st.toolCalls++

	framed := sanitize.Clean(result.Text())
	if err := e.appendTurn(ctx, st, session.Turn{
		Role:  provider.RoleTool,
		Phase: string(PhaseExecute),
		ToolResult: &session.ToolResultRecord{
			ID:        call.ID,
			Name:      call.Name,
			Success:   result.Success,
			Output:    framed,
			ErrorKind: result.ErrorKind,
			Truncated: result.Truncated,
		},
	}); err != nil {
		return PhaseTerminated, &Result{}, err
	}
	e.emit(events.TypeToolResult, st, string(PhaseExecute), map[string]interface{}{
		"tool":       call.Name,
		"success":    result.Success,
		"error_kind": result.ErrorKind,
		"preview":    truncate.HeadTail(framed, 200, 0),
	})

	if err := ctx.Err(); err != nil {
		return PhaseTerminated, &Result{Reason: ReasonCancelled}, err
	}

	if skipsCritic(e.executor, call.Name) {
		logger.Debug().Str("tool", call.Name).Msg("Deterministic step, skipping critic")
		return PhasePlan, nil, nil
	}
	return PhaseCritic, nil, nil
}

// criticPhase asks the model to judge the last tool result against the
// step it served.
func (e *Engine) criticPhase(ctx context.Context, logger zerolog.Logger, st *sessionState) (Phase, *Result, error) {
	turn, err := e.dispatch(ctx, st, e.buildCriticRequest(st))
	if err != nil {
		return e.dispatchFailure(st, err)
	}

	verdict, detail := parseVerdict(turn.Text)
	e.emit(events.TypeCriticVerdict, st, string(PhaseCritic), map[string]interface{}{
		"verdict": string(verdict),
		"detail":  detail,
	})

	content := detail
	if content == "" {
		content = strings.ToUpper(string(verdict))
	}
	if err := e.appendTurn(ctx, st, session.Turn{
		Role:     roleCritic,
		Phase:    string(PhaseCritic),
		Content:  content,
		Provider: turn.Provider,
		Metadata: map[string]interface{}{"verdict": string(verdict)},
	}); err != nil {
		return PhaseTerminated, &Result{}, err
	}

	switch verdict {
	case VerdictSuccess:
		answer := detail
		if answer == "" {
			answer = lastAssistantText(st.turns)
		}
		if answer == "" {
			answer = lastToolOutput(st.turns)
		}
		return PhaseTerminated, &Result{Success: true, FinalAnswer: answer, Reason: ReasonCompleted}, nil
	case VerdictFeedback:
		logger.Info().Str("feedback", truncate.HeadTail(detail, 160, 0)).Msg("Critic requested a revised approach")
		return PhasePlan, nil, nil
	default:
		return PhasePlan, nil, nil
	}
}

// dispatch performs one provider exchange and keeps the session's usage
// bookkeeping. Failover events come from the router's OnFailover hook,
// not from here.
func (e *Engine) dispatch(ctx context.Context, st *sessionState, req provider.Request) (*provider.ModelTurn, error) {
	turn, err := e.router.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if turn.Usage != nil {
		st.usage.InputTokens += turn.Usage.InputTokens
		st.usage.OutputTokens += turn.Usage.OutputTokens
	}
	return turn, nil
}

// dispatchFailure classifies a failed provider exchange into a terminal
// result.
func (e *Engine) dispatchFailure(st *sessionState, err error) (Phase, *Result, error) {
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) {
		return PhaseTerminated, &Result{Reason: ReasonProvidersExhausted},
			fmt.Errorf("session %s: %w", st.key, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return PhaseTerminated, &Result{Reason: ReasonCancelled}, err
	}
	return PhaseTerminated, &Result{}, err
}

// buildPlanRequest assembles the next planning exchange: the bounded
// transcript view, the next-step instruction, and the live state of any
// recently used stateful tool.
func (e *Engine) buildPlanRequest(ctx context.Context, st *sessionState) provider.Request {
	prompt := nextStepPrompt
	if st.nudge {
		prompt += "\n\n" + textOnlyNudge
		st.nudge = false
	}
	if blocks := e.statefulContext(ctx, st); blocks != "" {
		prompt += "\n\n" + blocks
	}

	messages := messagesFromTurns(st.turns)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})
	messages = boundMessages(messages, e.contextBudget, e.truncation)

	return provider.Request{
		System:      systemPrompt(e.workingDir, st.memoryNote),
		Messages:    messages,
		Tools:       e.toolSpecs(),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
}

// buildCriticRequest assembles the reflection exchange. No tools are
// advertised; the critic answers with a verdict line only.
func (e *Engine) buildCriticRequest(st *sessionState) provider.Request {
	messages := messagesFromTurns(st.turns)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: criticPrompt})
	messages = boundMessages(messages, e.contextBudget, e.truncation)

	return provider.Request{
		System:      systemPrompt(e.workingDir, st.memoryNote),
		Messages:    messages,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
}

// toolSpecs advertises every registered tool in a stable order.
func (e *Engine) toolSpecs() []provider.ToolSpec {
	names := e.executor.ListTools()
	sort.Strings(names)

	specs := make([]provider.ToolSpec, 0, len(names))
	for _, name := range names {
		def := e.executor.GetTool(name)
		if def == nil {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:        name,
			Description: def.Description,
			Schema:      e.executor.SchemaObject(name),
		})
	}
	return specs
}

// statefulContext snapshots stateful tools used within the lookback
// window so the next planning turn sees their live state instead of a
// stale memory of it. Snapshots are de-duplicated by the reported tool.
func (e *Engine) statefulContext(ctx context.Context, st *sessionState) string {
	names := recentStatefulTools(e.executor, st.turns, snapshotLookback)
	if len(names) == 0 {
		return ""
	}
	logger := tracing.LoggerFromContext(ctx, e.logger)

	seen := make(map[string]bool)
	var blocks []string
	for _, name := range names {
		ec, err := e.executor.Snapshot(ctx, name, st.key)
		if err != nil {
			logger.Warn().Err(err).Str("tool", name).Msg("Failed to snapshot tool state")
			continue
		}
		if ec == nil || seen[ec.Tool] {
			continue
		}
		seen[ec.Tool] = true
		blocks = append(blocks, externalContextBlock(ec))
	}
	return strings.Join(blocks, "\n\n")
}

// recallGoalNote reads the note a previous run of this goal left behind.
func (e *Engine) recallGoalNote(ctx context.Context, st *sessionState) string {
	if e.executor.GetTool(memoryRecallTool) == nil {
		return ""
	}
	result := e.executor.Execute(ctx, memoryRecallTool, map[string]interface{}{
		"key": goalNoteKey(st.goal),
	}, e.execContext(st))
	if !result.Success {
		return ""
	}
	text := result.Text()
	if strings.HasPrefix(text, "No note stored") {
		return ""
	}
	return text
}

// saveGoalNote records the outcome for the next run of the same goal. The
// session context may already be cancelled here, so the write gets its
// own deadline.
func (e *Engine) saveGoalNote(st *sessionState, res Result) {
	if e.executor.GetTool(memorySaveTool) == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	outcome := "succeeded"
	if !res.Success {
		outcome = fmt.Sprintf("failed (%s)", res.Reason)
	}
	value := fmt.Sprintf("Last attempt %s after %d cycles and %d tool calls.", outcome, res.Cycles, res.ToolCalls)
	if res.FinalAnswer != "" {
		value += " Final answer: " + truncate.HeadTail(res.FinalAnswer, 400, 0)
	}

	result := e.executor.Execute(ctx, memorySaveTool, map[string]interface{}{
		"key":   goalNoteKey(st.goal),
		"value": value,
	}, e.execContext(st))
	if !result.Success {
		e.logger.Warn().Str("error", result.Error).Msg("Failed to save goal note")
	}
}

// appendTurn persists a turn and mirrors it into the in-memory view. The
// stored transcript only ever grows.
func (e *Engine) appendTurn(ctx context.Context, st *sessionState, turn session.Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	if err := e.sessions.AppendWithContext(ctx, st.key, turn); err != nil {
		return fmt.Errorf("failed to persist turn: %w", err)
	}
	st.turns = append(st.turns, turn)
	return nil
}

func (e *Engine) execContext(st *sessionState) *toolexecutor.ExecutionContext {
	return &toolexecutor.ExecutionContext{
		SessionKey: st.key,
		WorkingDir: e.workingDir,
	}
}

func (e *Engine) emit(eventType string, st *sessionState, phase string, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventType, st.key, phase, payload)
}

// goalNoteKey derives a stable opaque key from the goal text, so a rerun
// of the same goal finds the note regardless of session key.
func goalNoteKey(goal string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(goal), " "))))
	return fmt.Sprintf("goal:%016x", h.Sum64())
}
