package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/commandqueue"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/cron"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/tools"
)

const testSecret = "gateway-test-secret"

type recordedRun struct {
	goal       string
	sessionKey string
}

// runRecorder stands in for the daemon's engine callback.
type runRecorder struct {
	mu    sync.Mutex
	calls []recordedRun
	err   error
}

func (r *runRecorder) run(_ context.Context, goal, sessionKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedRun{goal: goal, sessionKey: sessionKey})
	return r.err
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *runRecorder) last() recordedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return recordedRun{}
	}
	return r.calls[len(r.calls)-1]
}

type testGateway struct {
	server *Server
	bus    *events.Bus
	humans *tools.HumanBridge
	runs   *runRecorder
}

func startTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()

	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	runs := &runRecorder{}
	bus := events.NewBus(zerolog.Nop())
	humans := tools.NewHumanBridge()

	cfg := Config{
		Addr:         "127.0.0.1:0",
		SharedSecret: testSecret,
		Queue:        queue,
		Bus:          bus,
		Humans:       humans,
		RunGoal:      runs.run,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	return &testGateway{server: server, bus: bus, humans: humans, runs: runs}
}

func (g *testGateway) url(path string) string {
	return "http://" + g.server.Addr() + path
}

func (g *testGateway) wsURL() string {
	return "ws://" + g.server.Addr() + "/ws"
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewServerValidation(t *testing.T) {
	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })
	bus := events.NewBus(zerolog.Nop())
	humans := tools.NewHumanBridge()
	noop := func(context.Context, string, string) error { return nil }

	valid := Config{
		SharedSecret: testSecret,
		Queue:        queue,
		Bus:          bus,
		Humans:       humans,
		RunGoal:      noop,
		Logger:       zerolog.Nop(),
	}

	t.Run("should accept a complete config", func(t *testing.T) {
		_, err := NewServer(valid)
		assert.NoError(t, err)
	})

	t.Run("should require a shared secret", func(t *testing.T) {
		cfg := valid
		cfg.SharedSecret = ""
		_, err := NewServer(cfg)
		assert.ErrorContains(t, err, "shared secret")
	})

	t.Run("should require the run queue", func(t *testing.T) {
		cfg := valid
		cfg.Queue = nil
		_, err := NewServer(cfg)
		assert.ErrorContains(t, err, "run queue")
	})

	t.Run("should require the event bus", func(t *testing.T) {
		cfg := valid
		cfg.Bus = nil
		_, err := NewServer(cfg)
		assert.ErrorContains(t, err, "event bus")
	})

	t.Run("should require the human bridge", func(t *testing.T) {
		cfg := valid
		cfg.Humans = nil
		_, err := NewServer(cfg)
		assert.ErrorContains(t, err, "human bridge")
	})

	t.Run("should require the run goal callback", func(t *testing.T) {
		cfg := valid
		cfg.RunGoal = nil
		_, err := NewServer(cfg)
		assert.ErrorContains(t, err, "run goal")
	})
}

func TestHealthz(t *testing.T) {
	gw := startTestGateway(t, nil)

	resp, err := http.Get(gw.url("/healthz"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeResponse(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPAuth(t *testing.T) {
	gw := startTestGateway(t, nil)

	t.Run("should reject missing credentials", func(t *testing.T) {
		resp, err := http.Get(gw.url("/status"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject the wrong secret", func(t *testing.T) {
		req, err := http.NewRequest("GET", gw.url("/status"), nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should accept the shared secret", func(t *testing.T) {
		resp := doJSON(t, "GET", gw.url("/status"), nil, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSubmitGoal(t *testing.T) {
	gw := startTestGateway(t, nil)

	t.Run("should accept and run a goal", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/goals"), GoalRequest{Goal: "summarize the quarterly report"}, nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		var accepted GoalAccepted
		decodeResponse(t, resp, &accepted)
		assert.NotEmpty(t, accepted.RunID)
		assert.Equal(t, "run-"+accepted.RunID, accepted.SessionKey)
		assert.Equal(t, commandqueue.LaneMain, accepted.Lane)
		assert.Equal(t, "accepted", accepted.Status)

		waitUntil(t, func() bool { return gw.runs.count() == 1 }, "goal never reached the engine callback")
		run := gw.runs.last()
		assert.Equal(t, "summarize the quarterly report", run.goal)
		assert.Equal(t, accepted.SessionKey, run.sessionKey)
	})

	t.Run("should honor an explicit session key", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/goals"), GoalRequest{Goal: "continue the research", SessionKey: "research-1"}, nil)
		var accepted GoalAccepted
		decodeResponse(t, resp, &accepted)
		assert.Equal(t, "research-1", accepted.SessionKey)

		waitUntil(t, func() bool { return gw.runs.count() == 2 }, "second goal never ran")
		assert.Equal(t, "research-1", gw.runs.last().sessionKey)
	})

	t.Run("should reject an empty goal", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/goals"), GoalRequest{Goal: "   "}, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should reject a body that is not JSON", func(t *testing.T) {
		req, err := http.NewRequest("POST", gw.url("/goals"), bytes.NewReader([]byte("not json")))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testSecret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGoalIdempotency(t *testing.T) {
	gw := startTestGateway(t, nil)
	headers := map[string]string{"Idempotency-Key": "retry-abc"}

	first := doJSON(t, "POST", gw.url("/goals"), GoalRequest{Goal: "file the expense report"}, headers)
	var one GoalAccepted
	decodeResponse(t, first, &one)
	assert.Empty(t, first.Header.Get("X-Idempotent-Replay"))

	second := doJSON(t, "POST", gw.url("/goals"), GoalRequest{Goal: "file the expense report"}, headers)
	var two GoalAccepted
	decodeResponse(t, second, &two)

	assert.Equal(t, http.StatusAccepted, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	assert.Equal(t, one.RunID, two.RunID)
	assert.Equal(t, one.SessionKey, two.SessionKey)

	waitUntil(t, func() bool { return gw.runs.count() >= 1 }, "goal never ran")
	// Give a duplicate enqueue time to surface before asserting there
	// was exactly one run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, gw.runs.count())
}

func TestHumanReplyFlow(t *testing.T) {
	gw := startTestGateway(t, nil)

	type askResult struct {
		answer string
		err    error
	}
	got := make(chan askResult, 1)
	go func() {
		answer, err := gw.humans.Ask(context.Background(), "sess-7", "Deploy to production?")
		got <- askResult{answer: answer, err: err}
	}()

	waitUntil(t, func() bool { return len(gw.humans.Pending()) == 1 }, "question never became pending")

	resp := doJSON(t, "GET", gw.url("/questions"), nil, nil)
	var listing struct {
		Questions []tools.Request `json:"questions"`
	}
	decodeResponse(t, resp, &listing)
	require.Len(t, listing.Questions, 1)
	question := listing.Questions[0]
	assert.Equal(t, "Deploy to production?", question.Question)
	assert.Equal(t, "sess-7", question.SessionKey)

	t.Run("should reject an unknown question id", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/human-reply"), HumanReply{ID: "missing", Answer: "yes"}, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should unblock the waiting session", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/human-reply"), HumanReply{ID: question.ID, Answer: "yes, ship it"}, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		select {
		case result := <-got:
			require.NoError(t, result.err)
			assert.Equal(t, "yes, ship it", result.answer)
		case <-time.After(2 * time.Second):
			t.Fatal("Ask never returned")
		}
		assert.Empty(t, gw.humans.Pending())
	})
}

func TestJobsEndpoints(t *testing.T) {
	t.Run("should answer 503 without a scheduler", func(t *testing.T) {
		gw := startTestGateway(t, nil)
		resp := doJSON(t, "GET", gw.url("/jobs"), nil, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	fired := make(chan string, 8)
	scheduler, err := cron.NewService(cron.ServiceOptions{
		StorePath: filepath.Join(t.TempDir(), "jobs.json"),
		Run: func(_ context.Context, job cron.Job) error {
			fired <- job.ID
			return nil
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = scheduler.Stop() })

	gw := startTestGateway(t, func(cfg *Config) { cfg.Scheduler = scheduler })

	var created cron.Job

	t.Run("should create a job", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/jobs"), cron.AddParams{
			Name:    "nightly digest",
			Goal:    "compile the news digest",
			Enabled: true,
			Schedule: cron.Schedule{
				Kind:  cron.ScheduleKindEvery,
				Every: "1h",
			},
		}, nil)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		decodeResponse(t, resp, &created)
		assert.NotEmpty(t, created.ID)
		assert.True(t, created.Enabled)
		require.NotNil(t, created.State.NextRun)
	})

	t.Run("should list jobs", func(t *testing.T) {
		resp := doJSON(t, "GET", gw.url("/jobs"), nil, nil)
		var listing struct {
			Jobs []cron.Job `json:"jobs"`
		}
		decodeResponse(t, resp, &listing)
		require.Len(t, listing.Jobs, 1)
		assert.Equal(t, created.ID, listing.Jobs[0].ID)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/jobs"), cron.AddParams{
			Goal:     "never runs",
			Enabled:  true,
			Schedule: cron.Schedule{Kind: cron.ScheduleKindEvery, Every: "soon"},
		}, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should patch a job", func(t *testing.T) {
		enabled := false
		resp := doJSON(t, "PATCH", gw.url("/jobs/"+created.ID), cron.JobPatch{Enabled: &enabled}, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var patched cron.Job
		decodeResponse(t, resp, &patched)
		assert.False(t, patched.Enabled)
	})

	t.Run("should answer 404 for an unknown job", func(t *testing.T) {
		enabled := true
		resp := doJSON(t, "PATCH", gw.url("/jobs/nope"), cron.JobPatch{Enabled: &enabled}, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should force-run a disabled job", func(t *testing.T) {
		resp := doJSON(t, "POST", gw.url("/jobs/"+created.ID+"/run"), nil, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		select {
		case id := <-fired:
			assert.Equal(t, created.ID, id)
		case <-time.After(2 * time.Second):
			t.Fatal("forced run never fired")
		}
	})

	t.Run("should remove a job", func(t *testing.T) {
		resp := doJSON(t, "DELETE", gw.url("/jobs/"+created.ID), nil, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		listResp := doJSON(t, "GET", gw.url("/jobs"), nil, nil)
		var listing struct {
			Jobs []cron.Job `json:"jobs"`
		}
		decodeResponse(t, listResp, &listing)
		assert.Empty(t, listing.Jobs)
	})
}

func TestStatusPayload(t *testing.T) {
	gw := startTestGateway(t, nil)

	resp := doJSON(t, "GET", gw.url("/status"), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusPayload
	decodeResponse(t, resp, &status)
	assert.Equal(t, "ok", status.Status)
	assert.Contains(t, status.Queues, commandqueue.LaneMain)
	assert.Contains(t, status.Queues, commandqueue.LaneCron)
	assert.Equal(t, 0, status.PendingQuestions)
}

func TestRateLimit(t *testing.T) {
	gw := startTestGateway(t, func(cfg *Config) { cfg.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		resp := doJSON(t, "POST", gw.url("/human-reply"), HumanReply{ID: "x", Answer: "y"}, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	resp := doJSON(t, "POST", gw.url("/human-reply"), HumanReply{ID: "x", Answer: "y"}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func dialWS(t *testing.T, gw *testGateway) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(gw.wsURL(), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func authenticateWS(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, MsgAuthChallenge, challenge.Type)
	require.Len(t, challenge.Challenge, 64)

	require.NoError(t, conn.WriteJSON(AuthReply{
		Type:      MsgAuth,
		Signature: SignChallenge(challenge.Challenge, testSecret),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, MsgAuthResult, result.Type)
	require.True(t, result.Success)
}

func TestWebsocketStream(t *testing.T) {
	gw := startTestGateway(t, nil)

	t.Run("should stream bus events to an authenticated client", func(t *testing.T) {
		conn := dialWS(t, gw)
		authenticateWS(t, conn)

		gw.bus.Emit(events.TypeSessionStarted, "sess-9", "plan", map[string]interface{}{"goal": "audit the logs"})
		gw.bus.Emit(events.TypePhaseChanged, "sess-9", "execute", nil)

		var first EventEnvelope
		require.NoError(t, conn.ReadJSON(&first))
		assert.Equal(t, MsgEvent, first.Type)
		assert.Equal(t, events.TypeSessionStarted, first.Event.Type)
		assert.Equal(t, "sess-9", first.Event.SessionID)
		assert.Equal(t, "audit the logs", first.Event.Payload["goal"])

		var second EventEnvelope
		require.NoError(t, conn.ReadJSON(&second))
		assert.Equal(t, events.TypePhaseChanged, second.Event.Type)
		assert.Greater(t, second.Event.Seq, first.Event.Seq)
	})

	t.Run("should not stream to an unauthenticated client", func(t *testing.T) {
		conn := dialWS(t, gw)

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		gw.bus.Emit(events.TypeSessionStarted, "sess-10", "plan", nil)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		var frame json.RawMessage
		err := conn.ReadJSON(&frame)
		assert.Error(t, err, "unauthenticated client should see no events")
	})

	t.Run("should reject a bad signature and allow a retry", func(t *testing.T) {
		conn := dialWS(t, gw)

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		require.NoError(t, conn.WriteJSON(AuthReply{Type: MsgAuth, Signature: "bogus"}))
		var result AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)

		require.NoError(t, conn.WriteJSON(AuthReply{
			Type:      MsgAuth,
			Signature: SignChallenge(challenge.Challenge, testSecret),
		}))
		require.NoError(t, conn.ReadJSON(&result))
		assert.True(t, result.Success)
	})

	t.Run("should drop a client after repeated bad signatures", func(t *testing.T) {
		conn := dialWS(t, gw)

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		for i := 0; i < maxAuthAttempts; i++ {
			require.NoError(t, conn.WriteJSON(AuthReply{Type: MsgAuth, Signature: fmt.Sprintf("bogus-%d", i)}))
			var result AuthResult
			require.NoError(t, conn.ReadJSON(&result))
			assert.False(t, result.Success)
		}

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame json.RawMessage
		err := conn.ReadJSON(&frame)
		assert.Error(t, err, "connection should be closed after too many attempts")
	})
}
