package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
)

// goalRecorder is a RunFunc that records every fired job and can be told
// to fail or to block until released.
type goalRecorder struct {
	mu    sync.Mutex
	fired []Job
	err   error
	block chan struct{}
}

func (r *goalRecorder) run(ctx context.Context, job Job) error {
	r.mu.Lock()
	r.fired = append(r.fired, job)
	err := r.err
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *goalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func (r *goalRecorder) last() (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fired) == 0 {
		return Job{}, false
	}
	return r.fired[len(r.fired)-1], true
}

func (r *goalRecorder) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *goalRecorder) setBlock(ch chan struct{}) {
	r.mu.Lock()
	r.block = ch
	r.mu.Unlock()
}

func newTestServiceOpts(t *testing.T, mutate func(*ServiceOptions)) (*Service, *goalRecorder, string) {
	t.Helper()

	storePath := filepath.Join(t.TempDir(), "jobs.json")
	rec := &goalRecorder{}
	opts := ServiceOptions{
		StorePath: storePath,
		Run:       rec.run,
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc, err := NewService(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })

	return svc, rec, storePath
}

func newTestService(t *testing.T) (*Service, *goalRecorder, string) {
	t.Helper()
	return newTestServiceOpts(t, nil)
}

func hourlyJob() AddParams {
	return AddParams{
		Name:    "inbox sweep",
		Goal:    "Summarize unread mail and file action items",
		Enabled: true,
		Schedule: Schedule{
			Kind:  ScheduleKindEvery,
			Every: "1h",
		},
	}
}

func hasTimer(svc *Service, id string) bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	_, ok := svc.timers[id]
	return ok
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNewService(t *testing.T) {
	t.Run("starts with an empty registry", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		assert.Empty(t, svc.ListJobs())
	})

	t.Run("requires a store path", func(t *testing.T) {
		_, err := NewService(ServiceOptions{Run: func(context.Context, Job) error { return nil }})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store path")
	})

	t.Run("requires a run callback", func(t *testing.T) {
		_, err := NewService(ServiceOptions{StorePath: filepath.Join(t.TempDir(), "jobs.json")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run callback")
	})
}

func TestAddJob(t *testing.T) {
	t.Run("assigns id and timestamps", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, job.CreatedAt, job.UpdatedAt)
		assert.WithinDuration(t, time.Now(), job.CreatedAt, time.Minute)
	})

	t.Run("computes the first fire time", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		require.NotNil(t, job.State.NextRun)
		assert.True(t, job.State.NextRun.After(time.Now()))
	})

	t.Run("rejects an invalid schedule", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		params := hourlyJob()
		params.Schedule = Schedule{Kind: ScheduleKindAt, At: "soon"}

		_, err := svc.AddJob(params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid schedule")
	})

	t.Run("requires a goal", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		params := hourlyJob()
		params.Goal = ""

		_, err := svc.AddJob(params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "goal is required")
	})

	t.Run("persists the job to disk", func(t *testing.T) {
		svc, _, storePath := newTestService(t)

		added, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		data, err := os.ReadFile(storePath)
		require.NoError(t, err)

		var jobs []Job
		require.NoError(t, json.Unmarshal(data, &jobs))
		require.Len(t, jobs, 1)
		assert.Equal(t, added.ID, jobs[0].ID)
		assert.Equal(t, added.Goal, jobs[0].Goal)
	})

	t.Run("arms a timer for an enabled job", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		assert.True(t, hasTimer(svc, job.ID))
	})

	t.Run("leaves a disabled job unarmed", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		params := hourlyJob()
		params.Enabled = false

		job, err := svc.AddJob(params)
		require.NoError(t, err)

		assert.False(t, hasTimer(svc, job.ID))
		assert.NotNil(t, job.State.NextRun)
	})

	t.Run("rejects jobs after stop", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		require.NoError(t, svc.Stop())

		_, err := svc.AddJob(hourlyJob())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stopped")
	})
}

func TestUpdateJob(t *testing.T) {
	t.Run("patches name and goal", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		name := "evening sweep"
		goal := "Summarize mail received after 17:00"
		updated, err := svc.UpdateJob(job.ID, JobPatch{Name: &name, Goal: &goal})
		require.NoError(t, err)

		assert.Equal(t, name, updated.Name)
		assert.Equal(t, goal, updated.Goal)
		assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
	})

	t.Run("recomputes next run when the schedule changes", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)
		firstNext := *job.State.NextRun

		updated, err := svc.UpdateJob(job.ID, JobPatch{
			Schedule: &Schedule{Kind: ScheduleKindEvery, Every: "3h"},
		})
		require.NoError(t, err)

		require.NotNil(t, updated.State.NextRun)
		assert.True(t, updated.State.NextRun.After(firstNext.Add(time.Hour)))
	})

	t.Run("disabling cancels the timer", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)
		require.True(t, hasTimer(svc, job.ID))

		enabled := false
		_, err = svc.UpdateJob(job.ID, JobPatch{Enabled: &enabled})
		require.NoError(t, err)

		assert.False(t, hasTimer(svc, job.ID))
	})

	t.Run("enabling arms the timer", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		params := hourlyJob()
		params.Enabled = false
		job, err := svc.AddJob(params)
		require.NoError(t, err)
		require.False(t, hasTimer(svc, job.ID))

		enabled := true
		_, err = svc.UpdateJob(job.ID, JobPatch{Enabled: &enabled})
		require.NoError(t, err)

		assert.True(t, hasTimer(svc, job.ID))
	})

	t.Run("rejects an empty goal", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		empty := ""
		_, err = svc.UpdateJob(job.ID, JobPatch{Goal: &empty})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "goal is required")
	})

	t.Run("unknown job", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.UpdateJob("nope", JobPatch{})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestRemoveJob(t *testing.T) {
	t.Run("removes the job and its timer", func(t *testing.T) {
		svc, _, storePath := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		require.NoError(t, svc.RemoveJob(job.ID))

		_, ok := svc.GetJob(job.ID)
		assert.False(t, ok)
		assert.False(t, hasTimer(svc, job.ID))

		data, err := os.ReadFile(storePath)
		require.NoError(t, err)
		var jobs []Job
		require.NoError(t, json.Unmarshal(data, &jobs))
		assert.Empty(t, jobs)
	})

	t.Run("unknown job", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		assert.ErrorIs(t, svc.RemoveJob("nope"), ErrJobNotFound)
	})
}

func TestRunJob(t *testing.T) {
	t.Run("force runs a disabled job", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		params := hourlyJob()
		params.Enabled = false
		job, err := svc.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, svc.RunJob(job.ID, RunModeForce))
		waitUntil(t, func() bool { return rec.count() == 1 })

		fired, ok := rec.last()
		require.True(t, ok)
		assert.Equal(t, job.Goal, fired.Goal)
	})

	t.Run("due skips a disabled job", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		params := hourlyJob()
		params.Enabled = false
		job, err := svc.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, svc.RunJob(job.ID, RunModeDue))
		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, rec.count())
	})

	t.Run("due runs an enabled job", func(t *testing.T) {
		svc, rec, _ := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		require.NoError(t, svc.RunJob(job.ID, RunModeDue))
		waitUntil(t, func() bool { return rec.count() == 1 })
	})

	t.Run("unknown job", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		assert.ErrorIs(t, svc.RunJob("nope", RunModeForce), ErrJobNotFound)
	})

	t.Run("records a successful outcome", func(t *testing.T) {
		svc, rec, _ := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		require.NoError(t, svc.RunJob(job.ID, RunModeForce))
		waitUntil(t, func() bool {
			got, ok := svc.GetJob(job.ID)
			return ok && got.State.LastStatus == StatusOK
		})

		got, ok := svc.GetJob(job.ID)
		require.True(t, ok)
		assert.NotNil(t, got.State.LastRun)
		assert.NotEmpty(t, got.State.LastDuration)
		assert.Zero(t, got.State.ConsecutiveErrors)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("counts consecutive failures and resets on success", func(t *testing.T) {
		svc, rec, _ := newTestService(t)
		job, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		rec.setErr(errors.New("provider down"))
		require.NoError(t, svc.RunJob(job.ID, RunModeForce))
		waitUntil(t, func() bool {
			got, _ := svc.GetJob(job.ID)
			return got.State.ConsecutiveErrors == 1
		})
		got, _ := svc.GetJob(job.ID)
		assert.Equal(t, StatusError, got.State.LastStatus)
		assert.Contains(t, got.State.LastError, "provider down")

		require.NoError(t, svc.RunJob(job.ID, RunModeForce))
		waitUntil(t, func() bool {
			got, _ := svc.GetJob(job.ID)
			return got.State.ConsecutiveErrors == 2
		})

		rec.setErr(nil)
		require.NoError(t, svc.RunJob(job.ID, RunModeForce))
		waitUntil(t, func() bool {
			got, _ := svc.GetJob(job.ID)
			return got.State.LastStatus == StatusOK
		})
		got, _ = svc.GetJob(job.ID)
		assert.Zero(t, got.State.ConsecutiveErrors)
		assert.Empty(t, got.State.LastError)
	})
}

func TestJobFiresOnSchedule(t *testing.T) {
	var (
		evMu sync.Mutex
		evs  []events.Event
	)
	bus := events.NewBus(zerolog.Nop())
	bus.Subscribe(func(e events.Event) {
		evMu.Lock()
		evs = append(evs, e)
		evMu.Unlock()
	})

	svc, rec, _ := newTestServiceOpts(t, func(o *ServiceOptions) { o.Bus = bus })

	params := hourlyJob()
	params.Schedule = Schedule{Kind: ScheduleKindEvery, Every: "25ms"}
	job, err := svc.AddJob(params)
	require.NoError(t, err)

	// Two fires prove the job re-arms itself after each run.
	waitUntil(t, func() bool { return rec.count() >= 2 })

	got, ok := svc.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusOK, got.State.LastStatus)

	evMu.Lock()
	defer evMu.Unlock()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeCronFired, evs[0].Type)
	assert.Equal(t, job.ID, evs[0].Payload["job_id"])
	assert.Equal(t, job.Goal, evs[0].Payload["goal"])
}

func TestOneShotJobs(t *testing.T) {
	t.Run("at job fires once then disables", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		params := hourlyJob()
		params.Schedule = Schedule{
			Kind: ScheduleKindAt,
			At:   time.Now().Add(20 * time.Millisecond).UTC().Format(time.RFC3339Nano),
		}
		job, err := svc.AddJob(params)
		require.NoError(t, err)

		waitUntil(t, func() bool { return rec.count() == 1 })
		waitUntil(t, func() bool {
			got, ok := svc.GetJob(job.ID)
			return ok && !got.Enabled
		})

		got, _ := svc.GetJob(job.ID)
		assert.Nil(t, got.State.NextRun)

		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("delete after run removes the job", func(t *testing.T) {
		svc, rec, _ := newTestService(t)

		params := hourlyJob()
		params.DeleteAfterRun = true
		params.Schedule = Schedule{
			Kind: ScheduleKindAt,
			At:   time.Now().Add(20 * time.Millisecond).UTC().Format(time.RFC3339Nano),
		}
		job, err := svc.AddJob(params)
		require.NoError(t, err)

		waitUntil(t, func() bool { return rec.count() == 1 })
		waitUntil(t, func() bool {
			_, ok := svc.GetJob(job.ID)
			return !ok
		})
	})

	t.Run("failed one-shot is kept for inspection", func(t *testing.T) {
		svc, rec, _ := newTestService(t)
		rec.setErr(errors.New("browser crashed"))

		params := hourlyJob()
		params.DeleteAfterRun = true
		params.Schedule = Schedule{
			Kind: ScheduleKindAt,
			At:   time.Now().Add(20 * time.Millisecond).UTC().Format(time.RFC3339Nano),
		}
		job, err := svc.AddJob(params)
		require.NoError(t, err)

		waitUntil(t, func() bool {
			got, ok := svc.GetJob(job.ID)
			return ok && got.State.LastStatus == StatusError && !got.Enabled
		})

		got, _ := svc.GetJob(job.ID)
		assert.Contains(t, got.State.LastError, "browser crashed")
	})
}

func TestOverlappingFireSkipped(t *testing.T) {
	svc, rec, _ := newTestService(t)

	release := make(chan struct{})
	rec.setBlock(release)

	params := hourlyJob()
	params.Enabled = false
	job, err := svc.AddJob(params)
	require.NoError(t, err)

	require.NoError(t, svc.RunJob(job.ID, RunModeForce))
	waitUntil(t, func() bool { return rec.count() == 1 })

	// Second trigger lands while the first run is still in flight.
	require.NoError(t, svc.RunJob(job.ID, RunModeForce))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	close(release)
	waitUntil(t, func() bool {
		got, _ := svc.GetJob(job.ID)
		return got.State.LastStatus == StatusOK
	})

	// Job is runnable again once the previous fire settled.
	require.NoError(t, svc.RunJob(job.ID, RunModeForce))
	waitUntil(t, func() bool { return rec.count() == 2 })
}

func TestRegistryRoundTrip(t *testing.T) {
	t.Run("jobs survive a restart", func(t *testing.T) {
		dir := t.TempDir()
		storePath := filepath.Join(dir, "jobs.json")

		rec := &goalRecorder{}
		svc, err := NewService(ServiceOptions{
			StorePath: storePath,
			Run:       rec.run,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)

		first, err := svc.AddJob(hourlyJob())
		require.NoError(t, err)

		second := hourlyJob()
		second.Name = "night sweep"
		second.Enabled = false
		disabled, err := svc.AddJob(second)
		require.NoError(t, err)

		require.NoError(t, svc.Stop())

		reloaded, err := NewService(ServiceOptions{
			StorePath: storePath,
			Run:       rec.run,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)
		defer func() { _ = reloaded.Stop() }()

		jobs := reloaded.ListJobs()
		require.Len(t, jobs, 2)
		assert.Equal(t, first.ID, jobs[0].ID)
		assert.Equal(t, disabled.ID, jobs[1].ID)
		assert.True(t, hasTimer(reloaded, first.ID))
		assert.False(t, hasTimer(reloaded, disabled.ID))
	})

	t.Run("past-due work fires as catch-up on load", func(t *testing.T) {
		dir := t.TempDir()
		storePath := filepath.Join(dir, "jobs.json")

		stale := time.Now().UTC().Add(-time.Minute)
		created := stale.Add(-time.Hour)
		seed := []Job{{
			ID:        "job-stale",
			Goal:      "Rebuild the search index",
			Enabled:   true,
			CreatedAt: created,
			UpdatedAt: created,
			Schedule:  Schedule{Kind: ScheduleKindEvery, Every: "1h"},
			State:     JobState{NextRun: &stale},
		}}
		data, err := json.Marshal(seed)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(storePath, data, 0o644))

		rec := &goalRecorder{}
		svc, err := NewService(ServiceOptions{
			StorePath: storePath,
			Run:       rec.run,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)
		defer func() { _ = svc.Stop() }()

		waitUntil(t, func() bool { return rec.count() == 1 })
		fired, ok := rec.last()
		require.True(t, ok)
		assert.Equal(t, "Rebuild the search index", fired.Goal)

		waitUntil(t, func() bool {
			got, ok := svc.GetJob("job-stale")
			return ok && got.State.NextRun != nil && got.State.NextRun.After(time.Now())
		})
	})

	t.Run("corrupt registry starts empty", func(t *testing.T) {
		dir := t.TempDir()
		storePath := filepath.Join(dir, "jobs.json")
		require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0o644))

		rec := &goalRecorder{}
		svc, err := NewService(ServiceOptions{
			StorePath: storePath,
			Run:       rec.run,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)
		defer func() { _ = svc.Stop() }()

		assert.Empty(t, svc.ListJobs())
	})
}

func TestStop(t *testing.T) {
	t.Run("aborts an in-flight run", func(t *testing.T) {
		svc, rec, _ := newTestService(t)
		rec.setBlock(make(chan struct{}))

		params := hourlyJob()
		params.Enabled = false
		job, err := svc.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, svc.RunJob(job.ID, RunModeForce))
		waitUntil(t, func() bool { return rec.count() == 1 })

		require.NoError(t, svc.Stop())

		got, ok := svc.GetJob(job.ID)
		require.True(t, ok)
		assert.Equal(t, StatusError, got.State.LastStatus)
		assert.Contains(t, got.State.LastError, "context canceled")
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		require.NoError(t, svc.Stop())
		require.NoError(t, svc.Stop())
	})
}
