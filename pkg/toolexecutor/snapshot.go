package toolexecutor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ExternalContext summarizes the live state of a stateful tool so the next
// planning turn sees the world as it is now, not as the transcript
// remembers it.
type ExternalContext struct {
	Tool          string `json:"tool"`
	URL           string `json:"url,omitempty"`
	Title         string `json:"title,omitempty"`
	ScreenshotRef string `json:"screenshot_ref,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// SnapshotFunc reports the observable state a stateful tool holds for one
// session.
type SnapshotFunc func(ctx context.Context, sessionKey string) (*ExternalContext, error)

// ReleaseFunc tears down per-session state held by a stateful tool.
type ReleaseFunc func(ctx context.Context, sessionKey string) error

// Snapshot returns the live external state of a stateful tool for the
// given session.
func (te *ToolExecutor) Snapshot(ctx context.Context, toolName, sessionKey string) (*ExternalContext, error) {
	te.mu.RLock()
	tool := te.tools[toolName]
	te.mu.RUnlock()

	if tool == nil {
		return nil, fmt.Errorf("tool not found: %s", toolName)
	}
	if tool.Snapshot == nil {
		return nil, fmt.Errorf("tool %s does not expose external state", toolName)
	}

	return tool.Snapshot(ctx, sessionKey)
}

// StatefulTools lists the registered tools that hold external state.
func (te *ToolExecutor) StatefulTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := []string{}
	for name, def := range te.tools {
		if def.Stateful {
			names = append(names, name)
		}
	}
	return names
}

// ReleaseSession tears down everything stateful tools hold for a session.
// All release hooks run even when some fail; their errors are joined.
func (te *ToolExecutor) ReleaseSession(ctx context.Context, sessionKey string) error {
	te.mu.RLock()
	releases := make(map[string]ReleaseFunc)
	for name, def := range te.tools {
		if def.Release != nil {
			releases[name] = def.Release
		}
	}
	te.mu.RUnlock()

	var errs []error
	for name, release := range releases {
		if err := release(ctx, sessionKey); err != nil {
			log.Warn().
				Str("tool", name).
				Str("session_key", sessionKey).
				Err(err).
				Msg("Tool release failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
