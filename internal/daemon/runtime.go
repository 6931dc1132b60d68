// Package daemon assembles the engine stack from configuration and runs
// it as a long-lived service: run queue, job scheduler, and the operator
// gateway. The Runtime half of the package is the stack alone, reused by
// the CLI for foreground runs.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/config"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/logger"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/agent"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/browser"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/memory"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/planner"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/provider"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/session"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/tools"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/truncate"
)

// Runtime is everything needed to run one goal through a session:
// providers, tools, stores, and the event bus. The daemon wraps it with
// the queue, scheduler, and gateway; `manus run` drives it directly.
type Runtime struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus      *events.Bus
	sessions *session.Manager
	store    *memory.Store
	browser  *browser.Manager
	executor *toolexecutor.ToolExecutor
	bridge   *tools.HumanBridge
	clients  []provider.Client
}

// NewRuntime builds the stack in dependency order: session store, memory
// store, tool catalog, provider chain. On error whatever was already
// opened is closed again.
func NewRuntime(cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	zl := log.GetZerolog()
	rt := &Runtime{cfg: cfg, logger: zl, bus: events.NewBus(zl)}

	sessions, err := session.New(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	rt.sessions = sessions

	var embedder memory.EmbeddingProvider
	if strings.EqualFold(cfg.Memory.EmbeddingProvider, "openai") {
		embedder = memory.NewOpenAIProvider(cfg.Memory.EmbeddingAPIKey, cfg.Memory.EmbeddingModel)
		zl.Info().Str("model", cfg.Memory.EmbeddingModel).Msg("Embedding provider configured")
	}
	store, err := memory.NewStore(memory.Config{
		DBPath:            cfg.Memory.DBPath,
		KnowledgeDir:      cfg.Memory.KnowledgeDir,
		Logger:            zl,
		EmbeddingProvider: embedder,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	rt.store = store

	executor := toolexecutor.New()
	if cfg.Tools.TimeoutSeconds > 0 {
		executor.SetDefaultTimeout(time.Duration(cfg.Tools.TimeoutSeconds) * time.Second)
	}
	rt.executor = executor
	rt.bridge = tools.NewHumanBridge()

	// The enabled list scopes the built-in catalog only. Memory and
	// browser tools follow their own config sections, and the planning
	// tool is always on.
	if err := tools.Register(executor, tools.Options{
		WorkspaceRoot: cfg.Tools.WorkspacePath,
		TavilyAPIKey:  cfg.Tools.TavilyAPIKey,
		OpenAIAPIKey:  firstKeyFor(cfg, provider.VendorOpenAI),
		Bridge:        rt.bridge,
		Enabled:       cfg.Tools.Enabled,
	}); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := memory.RegisterTools(executor, store); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to register memory tools: %w", err)
	}
	if err := executor.RegisterTool(planner.NewTool(planner.NewStore())); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to register planning tool: %w", err)
	}

	if cfg.Browser.Enabled {
		rt.browser = browser.NewManager(browser.Config{
			Headless:   cfg.Browser.Headless,
			ChromePath: cfg.Browser.ChromePath,
			NoSandbox:  cfg.Browser.NoSandbox,
			Logger:     zl,
		})
		if err := browser.RegisterTools(executor, rt.browser); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to register browser tools: %w", err)
		}
	}

	clients, err := provider.NewChain(providerProfiles(cfg))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build provider chain: %w", err)
	}
	rt.clients = clients

	zl.Info().
		Int("providers", len(clients)).
		Int("tools", executor.GetToolCount()).
		Bool("browser", rt.browser != nil).
		Msg("Runtime assembled")

	return rt, nil
}

// RunGoal runs one goal to a terminal phase. The router and the engine
// are built per call: both carry state scoped to a single session.
func (rt *Runtime) RunGoal(ctx context.Context, goal, sessionKey string) (agent.Result, error) {
	router, err := provider.NewRouter(provider.RouterConfig{
		Clients:        rt.clients,
		Cooldown:       time.Duration(rt.cfg.Agent.CooldownSeconds) * time.Second,
		MalformedLimit: rt.cfg.Agent.MalformedThreshold,
		Logger:         rt.logger,
		OnFailover: func(profile string, kind provider.ErrorKind) {
			rt.bus.Emit(events.TypeProviderFailover, sessionKey, "", map[string]interface{}{
				"profile": profile,
				"kind":    string(kind),
			})
		},
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("failed to build provider router: %w", err)
	}

	engine, err := agent.New(agent.Config{
		Router:        router,
		Executor:      rt.executor,
		Sessions:      rt.sessions,
		Bus:           rt.bus,
		Logger:        rt.logger,
		MaxCycles:     rt.cfg.Agent.MaxCycles,
		Temperature:   rt.cfg.Agent.Temperature,
		MaxTokens:     rt.cfg.Agent.MaxTokens,
		ContextBudget: rt.cfg.Agent.ContextBudget,
		WorkingDir:    rt.cfg.Tools.WorkspacePath,
		Truncation:    truncate.Policy{Head: rt.cfg.Agent.TruncateHead, Tail: rt.cfg.Agent.TruncateTail},
		UseMemory:     rt.cfg.Agent.UseMemory,
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("failed to build engine: %w", err)
	}

	return engine.Run(ctx, agent.RunParams{SessionKey: sessionKey, Goal: goal})
}

// Bus exposes the event stream for subscribers.
func (rt *Runtime) Bus() *events.Bus {
	return rt.bus
}

// Bridge exposes the operator question bridge.
func (rt *Runtime) Bridge() *tools.HumanBridge {
	return rt.bridge
}

// Sessions exposes the transcript store for maintenance services.
func (rt *Runtime) Sessions() *session.Manager {
	return rt.sessions
}

// Close tears the stateful components down in reverse dependency order.
// Safe on a partially built Runtime.
func (rt *Runtime) Close() error {
	var firstErr error

	if rt.browser != nil {
		if err := rt.browser.Close(); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to close browser")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to close memory store")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if rt.sessions != nil {
		if err := rt.sessions.Close(); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to close session store")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// providerProfiles maps config profiles onto provider profiles, with the
// shared request timeout applied to each.
func providerProfiles(cfg *config.Config) []provider.Profile {
	timeout := time.Duration(cfg.Agent.ProviderTimeoutSeconds) * time.Second
	profiles := make([]provider.Profile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, provider.Profile{
			ID:             p.ID,
			Provider:       p.Provider,
			APIKey:         p.APIKey,
			BaseURL:        p.BaseURL,
			Model:          p.Model,
			Priority:       p.Priority,
			SupportsTools:  p.SupportsTools,
			SupportsVision: p.SupportsVision,
			Timeout:        timeout,
		})
	}
	return profiles
}

// firstKeyFor returns the API key of the highest-priority profile for a
// vendor, for tools that need a vendor key outside the chat chain.
func firstKeyFor(cfg *config.Config, vendor string) string {
	key := ""
	best := 0
	for _, p := range cfg.AI.Profiles {
		if p.Provider != vendor || p.APIKey == "" {
			continue
		}
		if key == "" || p.Priority < best {
			key = p.APIKey
			best = p.Priority
		}
	}
	return key
}
