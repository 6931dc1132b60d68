package planner

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps the active plan per session. Creating a new plan supersedes
// the session's current one; superseded plans stay readable until the
// session is cleared.
type Store struct {
	mu         sync.RWMutex
	active     map[string]*Plan
	superseded map[string][]*Plan
}

// NewStore creates an empty plan store.
func NewStore() *Store {
	return &Store{
		active:     make(map[string]*Plan),
		superseded: make(map[string][]*Plan),
	}
}

// Create builds a new plan for the session and makes it the active one.
func (s *Store) Create(sessionKey, title string, steps []string) (*Plan, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("session key cannot be empty")
	}
	if title == "" {
		return nil, fmt.Errorf("plan title cannot be empty")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan must have at least one step")
	}
	for i, desc := range steps {
		if desc == "" {
			return nil, fmt.Errorf("step %d has an empty description", i)
		}
	}

	now := time.Now()
	plan := &Plan{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		Title:      title,
		Steps:      make([]Step, len(steps)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, desc := range steps {
		plan.Steps[i] = Step{Description: desc, Status: StepNotStarted}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.active[sessionKey]; ok {
		s.superseded[sessionKey] = append(s.superseded[sessionKey], old)
	}
	s.active[sessionKey] = plan

	return plan, nil
}

// Update rewrites the active plan's title and steps. A step keeps its
// status and notes when its description is unchanged at the same position;
// anything else starts over as not_started.
func (s *Store) Update(sessionKey, title string, steps []string) (*Plan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan must have at least one step")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.active[sessionKey]
	if !ok {
		return nil, fmt.Errorf("no active plan for session")
	}

	updated := make([]Step, len(steps))
	for i, desc := range steps {
		if desc == "" {
			return nil, fmt.Errorf("step %d has an empty description", i)
		}
		updated[i] = Step{Description: desc, Status: StepNotStarted}
		if i < len(plan.Steps) && plan.Steps[i].Description == desc {
			updated[i].Status = plan.Steps[i].Status
			updated[i].Notes = plan.Steps[i].Notes
		}
	}

	if title != "" {
		plan.Title = title
	}
	plan.Steps = updated
	plan.UpdatedAt = time.Now()

	return plan, nil
}

// MarkStep transitions one step of the active plan.
func (s *Store) MarkStep(sessionKey string, index int, status StepStatus, notes string) (*Plan, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown step status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.active[sessionKey]
	if !ok {
		return nil, fmt.Errorf("no active plan for session")
	}
	if index < 0 || index >= len(plan.Steps) {
		return nil, fmt.Errorf("step index %d out of range (plan has %d steps)", index, len(plan.Steps))
	}

	plan.Steps[index].Status = status
	if notes != "" {
		plan.Steps[index].Notes = notes
	}
	plan.UpdatedAt = time.Now()

	return plan, nil
}

// Get returns the session's active plan.
func (s *Store) Get(sessionKey string) (*Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.active[sessionKey]
	return plan, ok
}

// Clear drops all plan state for a session.
func (s *Store) Clear(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionKey)
	delete(s.superseded, sessionKey)
}

// Validate inspects the active plan for inconsistencies worth telling the
// model about. An empty result means the plan is coherent.
func (s *Store) Validate(sessionKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.active[sessionKey]
	if !ok {
		return nil, fmt.Errorf("no active plan for session")
	}

	findings := []string{}

	inProgress := 0
	for i, step := range plan.Steps {
		if step.Status == StepInProgress {
			inProgress++
		}
		if step.Status == StepBlocked && step.Notes == "" {
			findings = append(findings, fmt.Sprintf("step %d is blocked without a note explaining why", i))
		}
	}
	if inProgress > 1 {
		findings = append(findings, fmt.Sprintf("%d steps are in progress at once; work runs one step at a time", inProgress))
	}

	// A completed step after unfinished ones usually means the order no
	// longer reflects reality.
	seenUnfinished := false
	for i, step := range plan.Steps {
		switch step.Status {
		case StepNotStarted, StepInProgress, StepBlocked:
			seenUnfinished = true
		case StepCompleted:
			if seenUnfinished {
				findings = append(findings, fmt.Sprintf("step %d is completed but earlier steps are unfinished", i))
			}
		}
	}

	return findings, nil
}
