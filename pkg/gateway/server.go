package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/commandqueue"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/cron"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/tools"
)

const (
	// authTimeout bounds how long a fresh websocket client may take to
	// answer the challenge before the read loop gives up on it.
	authTimeout = 30 * time.Second

	// shutdownTimeout bounds the HTTP server drain on Stop.
	shutdownTimeout = 5 * time.Second

	// idempotencyTTL is how long an accepted goal is replayed for a
	// repeated Idempotency-Key instead of being enqueued again.
	idempotencyTTL = 5 * time.Minute

	// maxBodyBytes caps request bodies on the mutating endpoints.
	maxBodyBytes = 1 << 20
)

// DefaultAddr is where the gateway listens unless configured otherwise.
// Loopback only; exposing the daemon further is a deliberate act.
const DefaultAddr = "127.0.0.1:7360"

// RunGoalFunc executes one goal to completion. The gateway calls it from
// the run queue, so it may block for the length of a whole session.
type RunGoalFunc func(ctx context.Context, goal, sessionKey string) error

// Config holds gateway configuration.
type Config struct {
	// Addr is the listen address. Defaults to DefaultAddr; ":0" style
	// addresses work, Addr() reports the bound port.
	Addr string
	// SharedSecret authenticates HTTP callers and websocket subscribers.
	SharedSecret string
	Queue        *commandqueue.CommandQueue
	Bus          *events.Bus
	Humans       *tools.HumanBridge
	// Scheduler backs the /jobs surface. Optional; without it the jobs
	// endpoints answer 503.
	Scheduler *cron.Service
	RunGoal   RunGoalFunc
	// RateLimit is requests per minute per IP on mutating endpoints.
	// Defaults to 60.
	RateLimit int
	Logger    zerolog.Logger
}

// Server is the daemon's operator surface: a small REST API for control
// and a websocket stream for observation. Goals come in over POST /goals
// and run asynchronously on the main queue lane; everything that happens
// after the 202 is watched over /ws.
type Server struct {
	addr        string
	auth        *authenticator
	clients     *ClientRegistry
	broadcaster *Broadcaster
	limiter     *ipLimiter
	upgrader    websocket.Upgrader

	queue     *commandqueue.CommandQueue
	bus       *events.Bus
	humans    *tools.HumanBridge
	scheduler *cron.Service
	runGoal   RunGoalFunc
	logger    zerolog.Logger

	httpServer  *http.Server
	listener    net.Listener
	unsubscribe func()
	startedAt   time.Time

	mu       sync.Mutex
	stopping bool
	accepted map[string]acceptedGoal
}

// acceptedGoal caches a 202 response so a retried request with the same
// Idempotency-Key does not enqueue the goal twice.
type acceptedGoal struct {
	response GoalAccepted
	at       time.Time
}

// NewServer validates the wiring and builds a stopped server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("run queue is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.Humans == nil {
		return nil, fmt.Errorf("human bridge is required")
	}
	if cfg.RunGoal == nil {
		return nil, fmt.Errorf("run goal callback is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}

	clients := NewClientRegistry()
	return &Server{
		addr:        cfg.Addr,
		auth:        newAuthenticator(cfg.SharedSecret),
		clients:     clients,
		broadcaster: NewBroadcaster(clients, cfg.Logger),
		limiter:     newIPLimiter(cfg.RateLimit),
		queue:       cfg.Queue,
		bus:         cfg.Bus,
		humans:      cfg.Humans,
		scheduler:   cfg.Scheduler,
		runGoal:     cfg.RunGoal,
		logger:      cfg.Logger,
		accepted:    make(map[string]acceptedGoal),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Subscribers authenticate over the socket itself.
				return true
			},
		},
	}, nil
}

// Start binds the listener and begins serving. The bind happens here, so
// an address already in use fails Start rather than a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("POST /goals", s.requireAuth(s.limited(s.handleGoals)))
	mux.HandleFunc("POST /human-reply", s.requireAuth(s.limited(s.handleHumanReply)))
	mux.HandleFunc("GET /questions", s.requireAuth(s.handleQuestions))
	mux.HandleFunc("GET /jobs", s.requireAuth(s.handleListJobs))
	mux.HandleFunc("POST /jobs", s.requireAuth(s.limited(s.handleAddJob)))
	mux.HandleFunc("PATCH /jobs/{id}", s.requireAuth(s.limited(s.handlePatchJob)))
	mux.HandleFunc("DELETE /jobs/{id}", s.requireAuth(s.limited(s.handleDeleteJob)))
	mux.HandleFunc("POST /jobs/{id}/run", s.requireAuth(s.limited(s.handleRunJob)))

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.startedAt = time.Now()
	s.unsubscribe = s.bus.Subscribe(s.broadcaster.Publish)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Gateway listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr reports the bound listen address once Start has run.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop detaches from the bus, closes websocket clients and drains the
// HTTP server. Safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	for _, client := range s.clients.All() {
		client.sendClose("server shutting down")
		client.close()
		s.clients.Remove(client.ID)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown gateway: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to mint client ID")
		_ = conn.Close()
		return
	}

	client := newClient(clientID, conn, r.RemoteAddr)
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("remote_addr", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		client.close()
		s.clients.Remove(clientID)
		return
	}

	go s.readLoop(client)
}

func (s *Server) sendChallenge(client *Client) error {
	challenge, err := s.auth.challenge()
	if err != nil {
		return err
	}
	client.setChallenge(challenge)

	// Unauthenticated sockets do not get to linger.
	_ = client.conn.SetReadDeadline(time.Now().Add(authTimeout))

	return client.send(AuthChallenge{Type: MsgAuthChallenge, Challenge: challenge})
}

// readLoop drains client frames. The stream is one-way after auth, so the
// only frame that matters is the challenge answer; everything else counts
// only as liveness.
func (s *Server) readLoop(client *Client) {
	defer func() {
		client.close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Websocket read ended")
			}
			return
		}

		client.touch()

		var frame AuthReply
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type != MsgAuth {
			continue
		}
		s.handleAuthMessage(client, frame)
	}
}

func (s *Server) handleAuthMessage(client *Client, reply AuthReply) {
	if client.Authenticated() {
		return
	}

	if s.auth.verify(client.getChallenge(), reply.Signature) {
		client.markAuthenticated()
		// Authenticated subscribers stay connected indefinitely.
		_ = client.conn.SetReadDeadline(time.Time{})
		_ = client.send(AuthResult{Type: MsgAuthResult, Success: true})
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		return
	}

	attempts := client.failAuth()
	_ = client.send(AuthResult{Type: MsgAuthResult, Success: false, Message: "invalid signature"})
	s.logger.Warn().
		Str("client_id", client.ID).
		Int("attempts", attempts).
		Msg("Client failed authentication")

	if attempts >= maxAuthAttempts {
		client.sendClose("too many failed authentication attempts")
		client.close()
		s.clients.Remove(client.ID)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	jobs := 0
	if s.scheduler != nil {
		jobs = len(s.scheduler.ListJobs())
	}
	writeJSON(w, http.StatusOK, StatusPayload{
		Status:           "ok",
		Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
		Clients:          s.clients.Count(),
		PendingQuestions: len(s.humans.Pending()),
		Jobs:             jobs,
		Queues:           s.queue.Stats(),
	})
}

// handleGoals accepts a goal and answers 202 immediately; the run itself
// is queued on the main lane and observed over the websocket stream.
func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	var req GoalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if resp, ok := s.replayAccepted(idemKey); ok {
			w.Header().Set("X-Idempotent-Replay", "true")
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
	}

	runID := tracing.NewRunID()
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = "run-" + runID
	}

	// The queue dedup key doubles as the idempotency key when the caller
	// supplied one, so even a cache miss cannot start a second run.
	requestID := idemKey
	if requestID == "" {
		requestID = runID
	}

	goal := req.Goal
	// The queue owns the run's lifetime. Deriving this context from the
	// HTTP request would abort the session as soon as the caller hung up.
	runCtx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	runCtx = tracing.WithRunID(runCtx, runID)
	runCtx = tracing.WithSessionKey(runCtx, sessionKey)

	go func() {
		_, err := s.queue.EnqueueDeduped(runCtx, commandqueue.LaneMain, requestID, func(ctx context.Context) (interface{}, error) {
			return nil, s.runGoal(ctx, goal, sessionKey)
		}, nil)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("run_id", runID).
				Str("session_key", sessionKey).
				Msg("Goal run failed")
		}
	}()

	resp := GoalAccepted{
		RunID:      runID,
		SessionKey: sessionKey,
		Lane:       commandqueue.LaneMain,
		Status:     "accepted",
	}
	if idemKey != "" {
		s.rememberAccepted(idemKey, resp)
	}

	s.logger.Info().
		Str("run_id", runID).
		Str("session_key", sessionKey).
		Msg("Goal accepted")

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) replayAccepted(key string) (GoalAccepted, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.accepted[key]
	if !ok || time.Since(entry.at) > idempotencyTTL {
		delete(s.accepted, key)
		return GoalAccepted{}, false
	}
	return entry.response, true
}

func (s *Server) rememberAccepted(key string, resp GoalAccepted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, entry := range s.accepted {
		if time.Since(entry.at) > idempotencyTTL {
			delete(s.accepted, k)
		}
	}
	s.accepted[key] = acceptedGoal{response: resp, at: time.Now()}
}

// handleHumanReply resolves one pending ask_human question, unblocking
// the engine goroutine waiting on it.
func (s *Server) handleHumanReply(w http.ResponseWriter, r *http.Request) {
	var req HumanReply
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	sessionKey := ""
	for _, q := range s.humans.Pending() {
		if q.ID == req.ID {
			sessionKey = q.SessionKey
			break
		}
	}

	if err := s.humans.Answer(req.ID, req.Answer); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.bus.Emit(events.TypeHumanReply, sessionKey, "", map[string]interface{}{
		"id": req.ID,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

func (s *Server) handleQuestions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"questions": s.humans.Pending(),
	})
}

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.scheduler.ListJobs()})
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var params cron.AddParams
	if err := decodeJSON(w, r, &params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.scheduler.AddJob(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var patch cron.JobPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.scheduler.UpdateJob(r.PathValue("id"), patch)
	if err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	if err := s.scheduler.RemoveJob(r.PathValue("id")); err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	if err := s.scheduler.RunJob(r.PathValue("id"), cron.RunModeForce); err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.authorizeRequest(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiter.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
