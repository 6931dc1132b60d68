// Package cron schedules standing goals. A job pairs a goal string with a
// schedule (a one-shot instant, a fixed interval, or a cron expression);
// when the job fires the goal is handed to a runner callback, which the
// daemon points at the run queue's cron lane.
package cron

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
)

// ScheduleKind selects how a job's next fire time is derived.
type ScheduleKind string

const (
	// ScheduleKindAt fires once at an absolute RFC3339 instant.
	ScheduleKindAt ScheduleKind = "at"
	// ScheduleKindEvery fires on a fixed interval.
	ScheduleKindEvery ScheduleKind = "every"
	// ScheduleKindCron fires per a 5-field cron expression.
	ScheduleKindCron ScheduleKind = "cron"
)

// Schedule describes when a job fires. Only the fields matching Kind are
// consulted.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// At is the RFC3339 instant for one-shot jobs.
	At string `json:"at,omitempty"`

	// Every is a Go duration string ("90s", "5m", "1h30m").
	Every string `json:"every,omitempty"`

	// Anchor aligns interval fires to a fixed RFC3339 origin instead of
	// whenever the job happened to be added. Optional.
	Anchor string `json:"anchor,omitempty"`

	// Expr is a 5-field cron expression (minute hour dom month dow).
	Expr string `json:"expr,omitempty"`

	// TZ names the zone Expr is evaluated in. Defaults to local time.
	TZ string `json:"tz,omitempty"`
}

// Run outcome values recorded in JobState.LastStatus.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// JobState is the run history the scheduler maintains for a job. Whether a
// job is currently executing is tracked in memory only, so a crash mid-run
// never leaves a job wedged in the registry file.
type JobState struct {
	NextRun           *time.Time `json:"nextRun,omitempty"`
	LastRun           *time.Time `json:"lastRun,omitempty"`
	LastDuration      string     `json:"lastDuration,omitempty"`
	LastStatus        string     `json:"lastStatus,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrors,omitempty"`
}

// Job is one scheduled goal.
type Job struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Goal           string    `json:"goal"`
	Enabled        bool      `json:"enabled"`
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Schedule       Schedule  `json:"schedule"`
	State          JobState  `json:"state"`
}

// AddParams is the payload for Service.AddJob.
type AddParams struct {
	Name           string   `json:"name,omitempty"`
	Goal           string   `json:"goal"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule `json:"schedule"`
}

// JobPatch updates a job in place. Nil fields are left unchanged.
type JobPatch struct {
	Name           *string   `json:"name,omitempty"`
	Goal           *string   `json:"goal,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
}

// RunMode selects whether a manual trigger honors the Enabled flag.
type RunMode string

const (
	// RunModeDue skips disabled jobs.
	RunModeDue RunMode = "due"
	// RunModeForce runs the job regardless of Enabled.
	RunModeForce RunMode = "force"
)

// ErrJobNotFound is wrapped by every lookup miss so callers can map it to
// a 404 without string matching.
var ErrJobNotFound = errors.New("job not found")

// RunFunc executes a fired job's goal. The context is cancelled when the
// service stops. The job is a snapshot; mutating it does not reach the
// registry.
type RunFunc func(ctx context.Context, job Job) error

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// StorePath is the jobs registry file, usually <datadir>/cron/jobs.json.
	StorePath string

	// Run executes a fired job's goal. Required.
	Run RunFunc

	// Bus receives a cron.fired event per execution. Optional.
	Bus *events.Bus

	// Logger for scheduler activity.
	Logger zerolog.Logger
}
