package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/provider"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/session"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// stubClient answers from a responder function and records every request
// it served.
type stubClient struct {
	name string

	mu      sync.Mutex
	reqs    []provider.Request
	respond func(call int, req provider.Request) (*provider.ModelTurn, error)
}

func (c *stubClient) Send(ctx context.Context, req provider.Request) (*provider.ModelTurn, error) {
	c.mu.Lock()
	call := len(c.reqs)
	c.reqs = append(c.reqs, req)
	fn := c.respond
	c.mu.Unlock()
	return fn(call, req)
}

func (c *stubClient) Name() string   { return c.name }
func (c *stubClient) Vendor() string { return "stub" }

func (c *stubClient) requests() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Request(nil), c.reqs...)
}

// scripted plays the given turns in order. A request past the end of the
// script fails, so a runaway loop surfaces as a test failure instead of
// hanging.
func scripted(name string, turns ...*provider.ModelTurn) *stubClient {
	c := &stubClient{name: name}
	c.respond = func(call int, _ provider.Request) (*provider.ModelTurn, error) {
		if call < len(turns) {
			return turns[call], nil
		}
		return nil, &provider.ClientError{Kind: provider.KindUnavailable, Provider: name, Message: "script exhausted"}
	}
	return c
}

func alwaysFailing(name string, kind provider.ErrorKind) *stubClient {
	c := &stubClient{name: name}
	c.respond = func(int, provider.Request) (*provider.ModelTurn, error) {
		return nil, &provider.ClientError{Kind: kind, Provider: name, Message: "scripted failure"}
	}
	return c
}

func callTurn(tool string, args map[string]interface{}) *provider.ModelTurn {
	return &provider.ModelTurn{
		Kind:     provider.TurnToolCall,
		ToolCall: &provider.ToolCall{Name: tool, Arguments: args},
		Provider: "stub",
	}
}

func textTurn(text string) *provider.ModelTurn {
	return &provider.ModelTurn{Kind: provider.TurnText, Text: text, Provider: "stub"}
}

func terminateTurn(answer, status string) *provider.ModelTurn {
	return &provider.ModelTurn{Kind: provider.TurnTerminate, Text: answer, Status: status, Provider: "stub"}
}

// eventLog collects everything published on the bus.
type eventLog struct {
	mu   sync.Mutex
	list []events.Event
}

func (l *eventLog) record(evt events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, evt)
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.list...)
}

func (l *eventLog) types() []string {
	var out []string
	for _, evt := range l.all() {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	engine   *Engine
	executor *toolexecutor.ToolExecutor
	sessions *session.Manager
	bus      *events.Bus
	events   *eventLog
}

func newFixture(t *testing.T, clients []provider.Client, mutate func(*Config)) *fixture {
	t.Helper()

	sessions, err := session.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	router, err := provider.NewRouter(provider.RouterConfig{Clients: clients, Logger: zerolog.Nop()})
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	log := &eventLog{}
	bus.Subscribe(log.record)

	executor := toolexecutor.New()

	cfg := Config{
		Router:   router,
		Executor: executor,
		Sessions: sessions,
		Bus:      bus,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := New(cfg)
	require.NoError(t, err)

	return &fixture{engine: engine, executor: executor, sessions: sessions, bus: bus, events: log}
}

func registerCalculator(t *testing.T, executor *toolexecutor.ToolExecutor, calls *int32) {
	t.Helper()
	require.NoError(t, executor.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "expression", Type: "string", Description: "Expression to evaluate", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return "4", nil
		},
	}))
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	sessions, err := session.New(t.TempDir())
	require.NoError(t, err)
	defer sessions.Close()

	router, err := provider.NewRouter(provider.RouterConfig{
		Clients: []provider.Client{scripted("p", terminateTurn("x", "success"))},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	executor := toolexecutor.New()

	_, err = New(Config{Executor: executor, Sessions: sessions})
	assert.ErrorContains(t, err, "router")

	_, err = New(Config{Router: router, Sessions: sessions})
	assert.ErrorContains(t, err, "executor")

	_, err = New(Config{Router: router, Executor: executor})
	assert.ErrorContains(t, err, "session")
}

func TestRun_RejectsEmptyParams(t *testing.T) {
	fx := newFixture(t, []provider.Client{scripted("p", terminateTurn("x", "success"))}, nil)

	_, err := fx.engine.Run(context.Background(), RunParams{Goal: "do something"})
	assert.ErrorContains(t, err, "session key")

	_, err = fx.engine.Run(context.Background(), RunParams{SessionKey: "k", Goal: "   "})
	assert.ErrorContains(t, err, "goal")
}

func TestRun_ToolCallThenTerminate(t *testing.T) {
	client := scripted("primary",
		callTurn("calculator", map[string]interface{}{"expression": "2+2"}),
		textTurn("PROCEED"),
		terminateTurn("2+2 = 4. DONE", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	var calcCalls int32
	registerCalculator(t, fx.executor, &calcCalls)

	res, err := fx.engine.Run(context.Background(), RunParams{
		SessionKey: "calc-1",
		Goal:       "What is 2+2? Reply DONE when finished.",
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, "2+2 = 4. DONE", res.FinalAnswer)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 2, res.Cycles)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calcCalls))

	entries, err := fx.sessions.Load("calc-1")
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, provider.RoleUser, entries[0].Turn.Role)
	assert.Equal(t, "What is 2+2? Reply DONE when finished.", entries[0].Turn.Content)

	require.NotNil(t, entries[1].Turn.ToolCall)
	assert.Equal(t, "call-1", entries[1].Turn.ToolCall.ID)
	assert.Equal(t, "calculator", entries[1].Turn.ToolCall.Name)

	require.NotNil(t, entries[2].Turn.ToolResult)
	assert.Equal(t, "call-1", entries[2].Turn.ToolResult.ID)
	assert.True(t, entries[2].Turn.ToolResult.Success)
	assert.Equal(t, "4", entries[2].Turn.ToolResult.Output)

	assert.Equal(t, roleCritic, entries[3].Turn.Role)
	assert.Equal(t, provider.RoleAssistant, entries[4].Turn.Role)

	// Exactly one call and one result in the whole transcript.
	var calls, results int
	for _, entry := range entries {
		if entry.Turn.ToolCall != nil {
			calls++
		}
		if entry.Turn.ToolResult != nil {
			results++
		}
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, results)
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	client := scripted("primary",
		callTurn("calculator", map[string]interface{}{"expression": "2+2"}),
		textTurn("PROCEED"),
		terminateTurn("4", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	registerCalculator(t, fx.executor, nil)

	_, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "evt", Goal: "What is 2+2?"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		events.TypeSessionStarted,
		events.TypeToolCall,
		events.TypePhaseChanged,
		events.TypeToolResult,
		events.TypePhaseChanged,
		events.TypeCriticVerdict,
		events.TypePhaseChanged,
		events.TypeSessionFinished,
	}, fx.events.types())

	var lastSeq uint64
	for _, evt := range fx.events.all() {
		assert.Greater(t, evt.Seq, lastSeq)
		assert.Equal(t, "evt", evt.SessionID)
		lastSeq = evt.Seq
	}

	finished := fx.events.all()[len(fx.events.all())-1]
	assert.Equal(t, true, finished.Payload["success"])
	assert.Equal(t, ReasonCompleted, finished.Payload["reason"])
}

func TestRun_TerminateBypassesCritic(t *testing.T) {
	client := scripted("primary", terminateTurn("Nothing to do.", "success"))
	fx := newFixture(t, []provider.Client{client}, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "noop", Goal: "Do nothing."})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ToolCalls)
	assert.Len(t, client.requests(), 1)

	for _, evt := range fx.events.all() {
		assert.NotEqual(t, events.TypeCriticVerdict, evt.Type)
	}
}

func TestRun_ModelDeclaredFailure(t *testing.T) {
	client := scripted("primary", terminateTurn("The site is unreachable, I cannot verify the price.", "failure"))
	fx := newFixture(t, []provider.Client{client}, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "fail", Goal: "Check the price."})

	// The model giving up is a completed session, not a kernel fault.
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonModelFailure, res.Reason)
	assert.Contains(t, res.FinalAnswer, "unreachable")
}

func TestRun_AllProvidersUnauthorized(t *testing.T) {
	primary := alwaysFailing("primary", provider.KindUnauthorized)
	backup := alwaysFailing("backup", provider.KindUnauthorized)
	fx := newFixture(t, []provider.Client{primary, backup}, nil)
	var calcCalls int32
	registerCalculator(t, fx.executor, &calcCalls)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "auth", Goal: "What is 2+2?"})

	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAllProvidersExhausted)
	var exhausted *provider.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)

	assert.False(t, res.Success)
	assert.Equal(t, ReasonProvidersExhausted, res.Reason)
	assert.Equal(t, 0, res.ToolCalls)
	assert.Zero(t, atomic.LoadInt32(&calcCalls), "no tool may run when every provider is ruled out")
}

func TestRun_FailsOverToHealthyBackup(t *testing.T) {
	primary := alwaysFailing("primary", provider.KindRateLimited)
	backup := scripted("backup", terminateTurn("All set.", "success"))
	fx := newFixture(t, []provider.Client{primary, backup}, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "failover", Goal: "Say hello."})

	// The rate limit never surfaces to the session outcome.
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "All set.", res.FinalAnswer)
	assert.Len(t, primary.requests(), 1)
	assert.Len(t, backup.requests(), 1)
}

func TestRun_CycleBudgetExhausted(t *testing.T) {
	client := &stubClient{name: "primary"}
	client.respond = func(call int, req provider.Request) (*provider.ModelTurn, error) {
		if len(req.Tools) > 0 {
			return callTurn("calculator", map[string]interface{}{"expression": "1+1"}), nil
		}
		return textTurn("FEEDBACK: the result does not answer the goal"), nil
	}
	fx := newFixture(t, []provider.Client{client}, func(cfg *Config) { cfg.MaxCycles = 3 })
	registerCalculator(t, fx.executor, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "budget", Goal: "An impossible goal."})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonBudgetExhausted, res.Reason)
	assert.Equal(t, 3, res.Cycles)
	assert.Equal(t, 3, res.ToolCalls)

	// One plan and one critic exchange per cycle, nothing after the budget.
	assert.Len(t, client.requests(), 6)
}

func TestRun_FeedbackReachesNextPlan(t *testing.T) {
	client := scripted("primary",
		callTurn("calculator", map[string]interface{}{"expression": "2+3"}),
		textTurn("FEEDBACK: wrong expression, the goal says 2+2"),
		callTurn("calculator", map[string]interface{}{"expression": "2+2"}),
		textTurn("PROCEED"),
		terminateTurn("4", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	registerCalculator(t, fx.executor, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "feedback", Goal: "What is 2+2?"})

	require.NoError(t, err)
	assert.True(t, res.Success)

	reqs := client.requests()
	require.Len(t, reqs, 5)

	// The plan turn after the pushback sees the critic's reason as a user
	// instruction.
	var replayed bool
	for _, msg := range reqs[2].Messages {
		if msg.Role == provider.RoleUser && strings.Contains(msg.Content, "wrong expression, the goal says 2+2") {
			replayed = true
			assert.Contains(t, msg.Content, "judged insufficient")
		}
	}
	assert.True(t, replayed, "feedback should be replayed to the next planning turn")

	// The first plan turn had no feedback to see.
	for _, msg := range reqs[0].Messages {
		assert.NotContains(t, msg.Content, "judged insufficient")
	}
}

func TestRun_PlanningToolSkipsCritic(t *testing.T) {
	client := scripted("primary",
		callTurn("plan_update", map[string]interface{}{"step": "done"}),
		terminateTurn("Plan recorded.", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	require.NoError(t, fx.executor.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "plan_update",
		Description: "Record plan progress",
		Category:    toolexecutor.CategoryPlanning,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "step", Type: "string", Description: "Step note", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "plan", Goal: "Track the plan."})

	require.NoError(t, err)
	assert.True(t, res.Success)
	// Two plan exchanges, no critic exchange in between.
	assert.Len(t, client.requests(), 2)
	for _, evt := range fx.events.all() {
		assert.NotEqual(t, events.TypeCriticVerdict, evt.Type)
	}
}

func TestRun_TextOnlyReplyGetsNudged(t *testing.T) {
	client := scripted("primary",
		textTurn("I think I should use the calculator for this."),
		terminateTurn("Done thinking.", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "nudge", Goal: "Ponder."})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Cycles)

	reqs := client.requests()
	require.Len(t, reqs, 2)

	first := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.NotContains(t, first.Content, "Reply by calling a tool")

	second := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, second.Content, "Reply by calling a tool")

	// The narration itself is preserved in the transcript.
	entries, err := fx.sessions.Load("nudge")
	require.NoError(t, err)
	var narrated bool
	for _, entry := range entries {
		if entry.Turn.Role == provider.RoleAssistant && strings.Contains(entry.Turn.Content, "use the calculator") {
			narrated = true
		}
	}
	assert.True(t, narrated)
}

func TestRun_CancellationReleasesStatefulTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	released := make(chan string, 1)
	client := scripted("primary", callTurn("watcher", map[string]interface{}{"target": "feed"}))
	fx := newFixture(t, []provider.Client{client}, nil)
	require.NoError(t, fx.executor.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "watcher",
		Description: "Watch an external feed",
		Stateful:    true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "target", Type: "string", Description: "Feed to watch", Required: true},
		},
		Handler: func(hctx context.Context, params map[string]interface{}) (interface{}, error) {
			cancel()
			<-hctx.Done()
			return nil, hctx.Err()
		},
		Release: func(rctx context.Context, sessionKey string) error {
			released <- sessionKey
			return nil
		},
	}))

	res, err := fx.engine.Run(ctx, RunParams{SessionKey: "abort", Goal: "Watch the feed."})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.False(t, res.Success)

	select {
	case key := <-released:
		assert.Equal(t, "abort", key)
	default:
		t.Fatal("stateful tool was not released on the cancellation path")
	}

	// The interrupted call still has its result recorded, so the pairing
	// holds on a later continuation.
	entries, err := fx.sessions.Load("abort")
	require.NoError(t, err)
	var paired bool
	for _, entry := range entries {
		if tr := entry.Turn.ToolResult; tr != nil && tr.Name == "watcher" {
			paired = true
			assert.False(t, tr.Success)
		}
	}
	assert.True(t, paired)
}

func TestRun_StatefulSnapshotInjectedIntoNextPlan(t *testing.T) {
	client := scripted("primary",
		callTurn("browser_open", map[string]interface{}{"url": "https://example.com/pricing"}),
		textTurn("PROCEED"),
		terminateTurn("The price is $10.", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	require.NoError(t, fx.executor.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "browser_open",
		Description: "Open a page",
		Stateful:    true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "url", Type: "string", Description: "Page URL", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "Opened https://example.com/pricing", nil
		},
		Snapshot: func(ctx context.Context, sessionKey string) (*toolexecutor.ExternalContext, error) {
			return &toolexecutor.ExternalContext{
				Tool:  "browser",
				URL:   "https://example.com/pricing",
				Title: "Pricing",
			}, nil
		},
		Release: func(ctx context.Context, sessionKey string) error { return nil },
	}))

	_, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "snap", Goal: "Find the price."})
	require.NoError(t, err)

	reqs := client.requests()
	require.Len(t, reqs, 3)

	// First plan turn: nothing to snapshot yet.
	first := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.NotContains(t, first.Content, "Current browser state")

	// Plan turn after the call sees the live page, not a stale memory of it.
	third := reqs[2].Messages[len(reqs[2].Messages)-1]
	assert.Contains(t, third.Content, "Current browser state")
	assert.Contains(t, third.Content, "https://example.com/pricing")
	assert.Contains(t, third.Content, "Pricing")
}

// prefixWatch reloads the transcript on every event and fails the test if
// an already stored entry ever changes or disappears.
type prefixWatch struct {
	t        *testing.T
	sessions *session.Manager
	key      string

	mu   sync.Mutex
	prev []session.Entry
}

func (w *prefixWatch) check(events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.sessions.Load(w.key)
	if err != nil {
		w.t.Errorf("load during run: %v", err)
		return
	}
	if len(entries) < len(w.prev) {
		w.t.Errorf("transcript shrank from %d to %d entries", len(w.prev), len(entries))
		return
	}
	assert.Equal(w.t, w.prev, entries[:len(w.prev)])
	w.prev = entries
}

func TestRun_TranscriptIsAppendOnly(t *testing.T) {
	client := scripted("primary",
		callTurn("calculator", map[string]interface{}{"expression": "2+2"}),
		textTurn("FEEDBACK: show the working"),
		callTurn("calculator", map[string]interface{}{"expression": "2+2"}),
		textTurn("SUCCESS"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	registerCalculator(t, fx.executor, nil)

	watch := &prefixWatch{t: t, sessions: fx.sessions, key: "append-only", prev: []session.Entry{}}
	fx.bus.Subscribe(watch.check)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "append-only", Goal: "What is 2+2?"})

	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRun_CriticSuccessEndsSession(t *testing.T) {
	client := scripted("primary",
		callTurn("calculator", map[string]interface{}{"expression": "2+2"}),
		textTurn("SUCCESS: the goal is answered, 2+2 is 4"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	registerCalculator(t, fx.executor, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "critic-done", Goal: "What is 2+2?"})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, "the goal is answered, 2+2 is 4", res.FinalAnswer)
	assert.Len(t, client.requests(), 2)
}

func TestRun_ClosesDanglingCallOnContinuation(t *testing.T) {
	client := scripted("primary", terminateTurn("Recovered.", "success"))
	fx := newFixture(t, []provider.Client{client}, nil)

	// A transcript left behind by an interrupted run, cut off between a
	// tool call and its result.
	require.NoError(t, fx.sessions.Append("resume", session.Turn{
		Role:    provider.RoleUser,
		Phase:   "plan",
		Content: "Summarize the report.",
	}))
	require.NoError(t, fx.sessions.Append("resume", session.Turn{
		Role:  provider.RoleAssistant,
		Phase: "plan",
		ToolCall: &session.ToolCallRecord{
			ID:        "call-7",
			Name:      "read_file",
			Arguments: map[string]interface{}{"path": "report.txt"},
		},
	}))

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "resume", Goal: "Summarize the report."})

	require.NoError(t, err)
	assert.True(t, res.Success)

	entries, err := fx.sessions.Load("resume")
	require.NoError(t, err)

	require.NotNil(t, entries[2].Turn.ToolResult)
	assert.Equal(t, "call-7", entries[2].Turn.ToolResult.ID)
	assert.False(t, entries[2].Turn.ToolResult.Success)
	assert.Contains(t, entries[2].Turn.ToolResult.Output, "interrupted")

	// The provider view pairs the synthetic result with the old call.
	reqs := client.requests()
	require.Len(t, reqs, 1)
	var pairedResult bool
	for i, msg := range reqs[0].Messages {
		if msg.Role == provider.RoleTool && msg.ToolCallID == "call-7" {
			pairedResult = true
			require.Greater(t, i, 0)
			prev := reqs[0].Messages[i-1]
			require.NotEmpty(t, prev.ToolCalls)
			assert.Equal(t, "call-7", prev.ToolCalls[0].ID)
		}
	}
	assert.True(t, pairedResult)
}

func TestRun_GoalNotesRoundTrip(t *testing.T) {
	client := scripted("primary", terminateTurn("done", "success"))
	fx := newFixture(t, []provider.Client{client}, func(cfg *Config) { cfg.UseMemory = true })

	var mu sync.Mutex
	var recalledKey, savedKey, savedValue string
	require.NoError(t, fx.executor.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "memory_recall",
		Description: "Recall a note",
		Category:    toolexecutor.CategoryMemory,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "key", Type: "string", Description: "Note key", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			mu.Lock()
			recalledKey, _ = params["key"].(string)
			mu.Unlock()
			return "Last attempt failed (budget_exhausted) after 20 cycles and 12 tool calls.", nil
		},
	}))
	require.NoError(t, fx.executor.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "memory_save",
		Description: "Save a note",
		Category:    toolexecutor.CategoryMemory,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "key", Type: "string", Description: "Note key", Required: true},
			{Name: "value", Type: "string", Description: "Note body", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			mu.Lock()
			savedKey, _ = params["key"].(string)
			savedValue, _ = params["value"].(string)
			mu.Unlock()
			return "Saved.", nil
		},
	}))

	goal := "Transcribe the meeting notes."
	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "mem", Goal: goal})
	require.NoError(t, err)
	assert.True(t, res.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, goalNoteKey(goal), recalledKey)
	assert.Equal(t, goalNoteKey(goal), savedKey)
	assert.Contains(t, savedValue, "Last attempt succeeded")
	assert.Contains(t, savedValue, "Final answer: done")

	// The recalled note surfaced in the system prompt.
	reqs := client.requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "Notes from a previous run of this goal:")
	assert.Contains(t, reqs[0].System, "Last attempt failed (budget_exhausted)")
}

func TestRun_EngineRunsExactlyOnce(t *testing.T) {
	client := scripted("primary",
		terminateTurn("first run", "success"),
		terminateTurn("second run", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)

	_, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "once-a", Goal: "First."})
	require.NoError(t, err)

	_, err = fx.engine.Run(context.Background(), RunParams{SessionKey: "once-b", Goal: "Second."})
	assert.ErrorContains(t, err, "already ran")
	assert.Len(t, client.requests(), 1)
}

func TestRun_UnknownToolResultFedBack(t *testing.T) {
	client := scripted("primary",
		callTurn("no_such_tool", map[string]interface{}{"x": "y"}),
		textTurn("FEEDBACK: that tool does not exist, use the calculator"),
		terminateTurn("ok", "success"),
	)
	fx := newFixture(t, []provider.Client{client}, nil)
	registerCalculator(t, fx.executor, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "unknown-tool", Goal: "Try a bad tool."})

	require.NoError(t, err)
	assert.True(t, res.Success)

	entries, err := fx.sessions.Load("unknown-tool")
	require.NoError(t, err)
	var sawFailure bool
	for _, entry := range entries {
		if tr := entry.Turn.ToolResult; tr != nil && tr.Name == "no_such_tool" {
			sawFailure = true
			assert.False(t, tr.Success)
			assert.Contains(t, tr.Output, "Error")
		}
	}
	assert.True(t, sawFailure, "a failed dispatch still records a result for the call")
}

func TestGoalNoteKey(t *testing.T) {
	a := goalNoteKey("What is 2+2?")
	b := goalNoteKey("  what   is 2+2?  ")
	c := goalNoteKey("What is 3+3?")

	assert.Equal(t, a, b, "case and whitespace do not change the key")
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "goal:"))
}

func TestRun_UsageAccumulatesAcrossDispatches(t *testing.T) {
	turns := []*provider.ModelTurn{
		callTurn("calculator", map[string]interface{}{"expression": "2+2"}),
		textTurn("PROCEED"),
		terminateTurn("4", "success"),
	}
	for _, turn := range turns {
		turn.Usage = &provider.TokenUsage{InputTokens: 100, OutputTokens: 10}
	}
	client := scripted("primary", turns...)
	fx := newFixture(t, []provider.Client{client}, nil)
	registerCalculator(t, fx.executor, nil)

	res, err := fx.engine.Run(context.Background(), RunParams{SessionKey: "usage", Goal: "What is 2+2?"})

	require.NoError(t, err)
	assert.Equal(t, 300, res.Usage.InputTokens)
	assert.Equal(t, 30, res.Usage.OutputTokens)
	assert.Greater(t, res.Duration, time.Duration(0))
}
