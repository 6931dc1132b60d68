package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// Request is one pending operator question.
type Request struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key,omitempty"`
	Question   string    `json:"question"`
	AskedAt    time.Time `json:"asked_at"`
}

// HumanBridge carries ask_human questions to whoever is operating the
// agent: the CLI prompts on stdin, the gateway accepts POST /human-reply.
// Ask blocks with no timeout; only answering or cancelling the session
// releases it.
type HumanBridge struct {
	mu      sync.Mutex
	pending map[string]*pendingQuestion
	notify  func(Request)
}

type pendingQuestion struct {
	request Request
	answer  chan string
}

// NewHumanBridge creates an empty bridge.
func NewHumanBridge() *HumanBridge {
	return &HumanBridge{pending: make(map[string]*pendingQuestion)}
}

// SetNotify installs a callback invoked for every new question, used to
// publish human.request events and to prompt interactive frontends.
func (b *HumanBridge) SetNotify(fn func(Request)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// Ask registers a question and blocks until an answer arrives or the
// context is cancelled.
func (b *HumanBridge) Ask(ctx context.Context, sessionKey, question string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate question id: %w", err)
	}

	pending := &pendingQuestion{
		request: Request{
			ID:         id,
			SessionKey: sessionKey,
			Question:   question,
			AskedAt:    time.Now(),
		},
		answer: make(chan string, 1),
	}

	b.mu.Lock()
	b.pending[id] = pending
	notify := b.notify
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if notify != nil {
		notify(pending.request)
	}

	select {
	case answer := <-pending.answer:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Answer resolves a pending question by id.
func (b *HumanBridge) Answer(id, answer string) error {
	b.mu.Lock()
	pending, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending question with id %s", id)
	}
	pending.answer <- answer
	return nil
}

// Pending lists unanswered questions, oldest first.
func (b *HumanBridge) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	requests := make([]Request, 0, len(b.pending))
	for _, pending := range b.pending {
		requests = append(requests, pending.request)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].AskedAt.Before(requests[j].AskedAt)
	})
	return requests
}

func askHumanTool(bridge *HumanBridge) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "ask_human",
		Description: "Ask the human operator for clarification, permission, or help " +
			"when you are stuck or need specific information. Blocks until they answer.",
		Category: toolexecutor.CategoryControl,
		// The operator answers on their own schedule; only session
		// cancellation may interrupt the wait.
		NoTimeout: true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "question", Type: "string", Description: "The question to show the operator", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			question, _ := params["question"].(string)

			sessionKey := ""
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				sessionKey = execCtx.SessionKey
			}

			return bridge.Ask(ctx, sessionKey, question)
		},
	}
}
