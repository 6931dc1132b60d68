package gateway

import (
	"time"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/commandqueue"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
)

// Websocket message discriminators. Every frame the gateway sends or
// accepts is a JSON object whose "type" field holds one of these.
const (
	MsgAuthChallenge = "auth.challenge"
	MsgAuth          = "auth"
	MsgAuthResult    = "auth.result"
	MsgEvent         = "event"
)

// AuthChallenge is the first frame sent to a new websocket client.
type AuthChallenge struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// AuthReply is the client's answer: an HMAC-SHA256 of the challenge
// keyed with the shared secret, hex encoded.
type AuthReply struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

// AuthResult reports whether the signature checked out.
type AuthResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// EventEnvelope wraps a bus event for the stream. The event keeps the
// bus-assigned sequence number, so clients can detect gaps after a
// reconnect.
type EventEnvelope struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

// GoalRequest is the body of POST /goals.
type GoalRequest struct {
	Goal       string `json:"goal"`
	SessionKey string `json:"session_key,omitempty"`
}

// GoalAccepted is the 202 body for an enqueued goal. The run itself is
// observed over the websocket stream.
type GoalAccepted struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
	Lane       string `json:"lane"`
	Status     string `json:"status"`
}

// HumanReply is the body of POST /human-reply, resolving one pending
// ask_human question.
type HumanReply struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

// StatusPayload is the GET /status body.
type StatusPayload struct {
	Status           string                            `json:"status"`
	Uptime           string                            `json:"uptime"`
	Clients          int                               `json:"clients"`
	PendingQuestions int                               `json:"pending_questions"`
	Jobs             int                               `json:"jobs"`
	Queues           map[string]commandqueue.LaneStats `json:"queues"`
}

// ClientInfo describes one websocket subscriber for the status surface.
type ClientInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
}
