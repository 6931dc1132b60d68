package planner

import (
	"fmt"
	"strings"
	"time"
)

// StepStatus represents the execution status of a plan step
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepBlocked    StepStatus = "blocked"
	StepSkipped    StepStatus = "skipped"
)

// Valid reports whether the status is one of the known values.
func (s StepStatus) Valid() bool {
	switch s {
	case StepNotStarted, StepInProgress, StepCompleted, StepBlocked, StepSkipped:
		return true
	}
	return false
}

func (s StepStatus) mark() string {
	switch s {
	case StepCompleted:
		return "[✓]"
	case StepInProgress:
		return "[→]"
	case StepBlocked:
		return "[!]"
	case StepSkipped:
		return "[-]"
	default:
		return "[ ]"
	}
}

// Step is a single entry in a plan's checklist.
type Step struct {
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Notes       string     `json:"notes,omitempty"`
}

// Plan is an ordered checklist the model maintains for one session.
type Plan struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	Title      string    `json:"title"`
	Steps      []Step    `json:"steps"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Progress counts finished steps. Skipped steps count as finished since
// nothing remains to do for them.
func (p *Plan) Progress() (done, total int) {
	for _, step := range p.Steps {
		if step.Status == StepCompleted || step.Status == StepSkipped {
			done++
		}
	}
	return done, len(p.Steps)
}

// NextStep returns the first step still requiring work, preferring one
// already in progress. The second return is false when every step is
// finished.
func (p *Plan) NextStep() (int, bool) {
	for i, step := range p.Steps {
		if step.Status == StepInProgress {
			return i, true
		}
	}
	for i, step := range p.Steps {
		if step.Status == StepNotStarted || step.Status == StepBlocked {
			return i, true
		}
	}
	return 0, false
}

// Render formats the plan for the transcript.
func (p *Plan) Render() string {
	var b strings.Builder
	done, total := p.Progress()

	fmt.Fprintf(&b, "Plan: %s (id: %s)\n", p.Title, p.ID)
	fmt.Fprintf(&b, "Progress: %d/%d steps completed\n\n", done, total)

	for i, step := range p.Steps {
		fmt.Fprintf(&b, "%d. %s %s\n", i, step.Status.mark(), step.Description)
		if step.Notes != "" {
			fmt.Fprintf(&b, "   note: %s\n", step.Notes)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
