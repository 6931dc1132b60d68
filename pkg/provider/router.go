package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
)

// DefaultCooldown is the base cooldown window after a rate limit. The window
// grows linearly with consecutive failures and resets on success.
const DefaultCooldown = 60 * time.Second

// DefaultMalformedLimit is how many malformed responses a provider may
// return before it is skipped for the rest of the session.
const DefaultMalformedLimit = 2

// RouterConfig configures a failover router.
type RouterConfig struct {
	Clients        []Client
	Cooldown       time.Duration
	MalformedLimit int
	Logger         zerolog.Logger

	// OnFailover, when set, is called after a provider attempt fails and
	// the router moves on to the next entry in the chain.
	OnFailover func(profile string, kind ErrorKind)
}

// Router walks an ordered provider chain for each logical request. The
// cursor restarts at the primary every time, skipping providers that are
// cooling down or have been ruled out for the session. Skip and cooldown
// state is scoped to one session, so a Router must not be shared across
// sessions.
type Router struct {
	clients        []Client
	cooldown       time.Duration
	malformedLimit int
	logger         zerolog.Logger
	onFailover     func(profile string, kind ErrorKind)

	mu    sync.Mutex
	state map[string]*providerState
}

type providerState struct {
	cooldownUntil time.Time
	failures      int
	malformed     int
	skipped       bool
	skipReason    string
}

// ProviderStatus is a point-in-time view of one chain entry.
type ProviderStatus struct {
	Name              string        `json:"name"`
	Vendor            string        `json:"vendor"`
	Skipped           bool          `json:"skipped"`
	SkipReason        string        `json:"skip_reason,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
	Failures          int           `json:"failures,omitempty"`
}

// NewRouter creates a router over the given chain.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if len(cfg.Clients) == 0 {
		return nil, fmt.Errorf("router needs at least one client")
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	limit := cfg.MalformedLimit
	if limit <= 0 {
		limit = DefaultMalformedLimit
	}
	return &Router{
		clients:        cfg.Clients,
		cooldown:       cooldown,
		malformedLimit: limit,
		logger:         cfg.Logger,
		onFailover:     cfg.OnFailover,
		state:          make(map[string]*providerState),
	}, nil
}

// Dispatch performs one logical request, failing over across the chain.
// Each provider is tried at most once, so a full pass makes at most
// len(chain) attempts before reporting ErrAllProvidersExhausted.
func (r *Router) Dispatch(ctx context.Context, req Request) (*ModelTurn, error) {
	ctx, span := tracing.StartSpan(ctx, "manus.provider", "provider.dispatch")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	attempts := 0
	var last error

	for _, client := range r.clients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := client.Name()
		skipped, reason, cooling := r.eligibility(name)
		if skipped {
			logger.Debug().
				Str("profile", name).
				Str("reason", reason).
				Msg("Skipping provider for this session")
			continue
		}
		if cooling > 0 {
			observability.SetProviderCooldown(name, true)
			logger.Debug().
				Str("profile", name).
				Dur("remaining", cooling).
				Msg("Skipping provider in cooldown")
			continue
		}
		observability.SetProviderCooldown(name, false)

		attempts++
		start := time.Now()
		turn, err := client.Send(ctx, req)
		if err == nil {
			r.markSuccess(name)
			observability.RecordProviderAttempt(name, "success")
			if attempts > 1 {
				logger.Info().
					Str("profile", name).
					Int("attempt", attempts).
					Msg("Request served by backup provider")
			}
			return turn, nil
		}
		if ctx.Err() != nil {
			// The session was cancelled mid-flight, not the provider's fault.
			return nil, ctx.Err()
		}

		last = err
		kind := KindOf(err)
		observability.RecordProviderAttempt(name, string(kind))
		observability.RecordFailover(name)
		if r.onFailover != nil {
			r.onFailover(name, kind)
		}
		logger.Warn().
			Err(err).
			Str("profile", name).
			Str("kind", string(kind)).
			Dur("elapsed", time.Since(start)).
			Msg("Provider attempt failed")

		switch kind {
		case KindRateLimited:
			r.beginCooldown(name, retryAfterOf(err))
		case KindUnauthorized:
			r.skipForSession(name, "unauthorized")
		case KindMalformed:
			r.recordMalformed(name)
		}
		// Unavailable and PayloadRejected advance with no extra bookkeeping.
	}

	return nil, &ExhaustedError{Attempts: attempts, Last: last}
}

// Status reports the chain in priority order.
func (r *Router) Status() []ProviderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	statuses := make([]ProviderStatus, 0, len(r.clients))
	for _, client := range r.clients {
		st := r.stateLocked(client.Name())
		status := ProviderStatus{
			Name:       client.Name(),
			Vendor:     client.Vendor(),
			Skipped:    st.skipped,
			SkipReason: st.skipReason,
			Failures:   st.failures,
		}
		if remaining := st.cooldownUntil.Sub(now); remaining > 0 {
			status.CooldownRemaining = remaining
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (r *Router) eligibility(name string) (skipped bool, reason string, cooling time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	if st.skipped {
		return true, st.skipReason, 0
	}
	if remaining := time.Until(st.cooldownUntil); remaining > 0 {
		return false, "", remaining
	}
	return false, "", 0
}

func (r *Router) markSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	st.failures = 0
	st.malformed = 0
	st.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(name, false)
}

func (r *Router) beginCooldown(name string, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	st.failures++
	window := r.cooldown * time.Duration(st.failures)
	if retryAfter > window {
		window = retryAfter
	}
	st.cooldownUntil = time.Now().Add(window)
	observability.SetProviderCooldown(name, true)
}

func (r *Router) skipForSession(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	st.skipped = true
	st.skipReason = reason
}

func (r *Router) recordMalformed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	st.malformed++
	if st.malformed >= r.malformedLimit {
		st.skipped = true
		st.skipReason = "repeated malformed responses"
	}
}

func (r *Router) stateLocked(name string) *providerState {
	st, ok := r.state[name]
	if !ok {
		st = &providerState{}
		r.state[name] = st
	}
	return st
}

func retryAfterOf(err error) time.Duration {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
