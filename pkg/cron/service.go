package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
)

// Service owns the job registry and a timer per enabled job. Fires are
// handed to the Run callback; overlapping fires of the same job are
// skipped, and concurrency across jobs is bounded downstream by the run
// queue's cron lane.
type Service struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	running map[string]bool
	stopped bool

	opts   ServiceOptions
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService loads the registry from disk and arms timers for every
// enabled job. Past-due jobs fire immediately as catch-up.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if opts.Run == nil {
		return nil, errors.New("run callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		running: make(map[string]bool),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.load(); err != nil {
		opts.Logger.Warn().Err(err).Msg("Could not load job registry, starting empty")
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleLocked(job)
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	opts.Logger.Info().Int("jobs", count).Str("store", opts.StorePath).Msg("Scheduler ready")
	return s, nil
}

// AddJob validates the schedule, persists the job, and arms its timer if
// enabled.
func (s *Service) AddJob(params AddParams) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Job{}, errors.New("scheduler is stopped")
	}
	if params.Goal == "" {
		return Job{}, errors.New("job goal is required")
	}

	now := time.Now().UTC()
	next, err := NextRun(params.Schedule, now)
	if err != nil {
		return Job{}, fmt.Errorf("invalid schedule: %w", err)
	}

	job := &Job{
		ID:             uuid.New().String(),
		Name:           params.Name,
		Goal:           params.Goal,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAt:      now,
		UpdatedAt:      now,
		Schedule:       params.Schedule,
		State:          JobState{NextRun: &next},
	}
	s.jobs[job.ID] = job

	if err := s.persist(); err != nil {
		delete(s.jobs, job.ID)
		return Job{}, fmt.Errorf("persist job: %w", err)
	}

	if job.Enabled {
		s.scheduleLocked(job)
	}

	s.opts.Logger.Info().
		Str("job_id", job.ID).
		Str("goal", job.Goal).
		Bool("enabled", job.Enabled).
		Time("next_run", next).
		Msg("Job added")

	return *job, nil
}

// UpdateJob applies the patch, recomputes the next run when the schedule
// changed, and re-arms or cancels the timer as needed.
func (s *Service) UpdateJob(id string, patch JobPatch) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Job{}, errors.New("scheduler is stopped")
	}
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	scheduleChanged := false
	enabledChanged := false

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Goal != nil {
		if *patch.Goal == "" {
			return Job{}, errors.New("job goal is required")
		}
		job.Goal = *patch.Goal
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		enabledChanged = true
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	job.UpdatedAt = time.Now().UTC()

	if scheduleChanged {
		next, err := NextRun(job.Schedule, job.UpdatedAt)
		if err != nil {
			return Job{}, fmt.Errorf("invalid schedule: %w", err)
		}
		job.State.NextRun = &next
	}

	if err := s.persist(); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}

	if scheduleChanged || enabledChanged {
		s.cancelTimerLocked(id)
		if job.Enabled {
			s.scheduleLocked(job)
		}
	}

	s.opts.Logger.Info().
		Str("job_id", id).
		Bool("schedule_changed", scheduleChanged).
		Bool("enabled", job.Enabled).
		Msg("Job updated")

	return *job, nil
}

// RemoveJob cancels the job's timer and drops it from the registry.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("scheduler is stopped")
	}
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.cancelTimerLocked(id)
	delete(s.jobs, id)

	if err := s.persist(); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}

	s.opts.Logger.Info().Str("job_id", id).Msg("Job removed")
	return nil
}

// RunJob triggers a job outside its schedule. RunModeDue honors the
// Enabled flag; RunModeForce ignores it.
func (s *Service) RunJob(id string, mode RunMode) error {
	s.mu.RLock()
	job, ok := s.jobs[id]
	var enabled bool
	if ok {
		enabled = job.Enabled
	}
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if mode == RunModeDue && !enabled {
		s.opts.Logger.Debug().Str("job_id", id).Msg("Skipping disabled job")
		return nil
	}

	go s.fire(id)
	return nil
}

// ListJobs returns registry snapshots ordered by creation time.
func (s *Service) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// GetJob returns a snapshot of one job.
func (s *Service) GetJob(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Stop cancels all timers, aborts in-flight runs via their context, waits
// for them to settle, and persists final state.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id := range s.timers {
		s.cancelTimerLocked(id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(); err != nil {
		s.opts.Logger.Error().Err(err).Msg("Could not persist registry on shutdown")
		return err
	}

	s.opts.Logger.Info().Msg("Scheduler stopped")
	return nil
}

// scheduleLocked arms the job's timer, replacing any timer already armed
// so a job can never hold two. Caller holds mu.
func (s *Service) scheduleLocked(job *Job) {
	s.cancelTimerLocked(job.ID)
	if job.State.NextRun == nil {
		s.opts.Logger.Warn().Str("job_id", job.ID).Msg("Job has no next run time, not scheduled")
		return
	}

	delay := time.Until(*job.State.NextRun)
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })

	s.opts.Logger.Debug().
		Str("job_id", id).
		Time("next_run", *job.State.NextRun).
		Dur("delay", delay).
		Msg("Job timer armed")
}

// cancelTimerLocked stops and forgets the job's timer. Caller holds mu.
func (s *Service) cancelTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire brackets one execution with the shutdown waitgroup. The Add
// happens under the same lock Stop uses to flip stopped, so a timer
// racing a shutdown either registers before the wait or not at all.
func (s *Service) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	if s.running[id] {
		s.mu.Unlock()
		s.opts.Logger.Debug().Str("job_id", id).Msg("Job still running, fire skipped")
		return
	}
	s.running[id] = true
	s.wg.Add(1)
	snapshot := *job
	s.mu.Unlock()

	defer s.wg.Done()
	s.execute(snapshot)
}

// execute runs the goal, records the outcome, and arms the next fire.
func (s *Service) execute(job Job) {
	start := time.Now()
	s.opts.Logger.Info().Str("job_id", job.ID).Str("goal", job.Goal).Msg("Job fired")

	if s.opts.Bus != nil {
		s.opts.Bus.Emit(events.TypeCronFired, "", "", map[string]interface{}{
			"job_id": job.ID,
			"name":   job.Name,
			"goal":   job.Goal,
		})
	}

	err := s.opts.Run(s.ctx, job)
	duration := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, job.ID)
	current, ok := s.jobs[job.ID]
	if !ok {
		// Removed while running.
		return
	}

	lastRun := start.UTC()
	current.State.LastRun = &lastRun
	current.State.LastDuration = duration.Round(time.Millisecond).String()
	if err != nil {
		current.State.LastStatus = StatusError
		current.State.LastError = err.Error()
		current.State.ConsecutiveErrors++
		s.opts.Logger.Error().
			Str("job_id", job.ID).
			Err(err).
			Int("consecutive_errors", current.State.ConsecutiveErrors).
			Msg("Job run failed")
	} else {
		current.State.LastStatus = StatusOK
		current.State.LastError = ""
		current.State.ConsecutiveErrors = 0
		s.opts.Logger.Info().
			Str("job_id", job.ID).
			Dur("duration", duration).
			Msg("Job run finished")
	}

	if current.DeleteAfterRun && err == nil {
		s.cancelTimerLocked(job.ID)
		delete(s.jobs, job.ID)
		if perr := s.persist(); perr != nil {
			s.opts.Logger.Error().Err(perr).Msg("Could not persist registry after delete")
		}
		s.opts.Logger.Info().Str("job_id", job.ID).Msg("One-shot job removed after run")
		return
	}

	if current.Schedule.Kind == ScheduleKindAt {
		// A fixed instant never comes around again.
		current.Enabled = false
		current.State.NextRun = nil
	} else if next, cerr := NextRun(current.Schedule, time.Now().UTC()); cerr != nil {
		s.opts.Logger.Error().Str("job_id", job.ID).Err(cerr).Msg("Could not compute next run")
		current.State.NextRun = nil
	} else {
		current.State.NextRun = &next
	}

	if perr := s.persist(); perr != nil {
		s.opts.Logger.Error().Err(perr).Msg("Could not persist job state")
	}

	if !s.stopped && current.Enabled && current.State.NextRun != nil {
		s.scheduleLocked(current)
	}
}

// load reads the registry file. A missing file is a fresh install, not an
// error.
func (s *Service) load() error {
	data, err := os.ReadFile(s.opts.StorePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read job registry: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse job registry: %w", err)
	}

	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

// persist writes the registry atomically via a temp file rename. Jobs are
// sorted so the file is stable across saves. Caller holds mu.
func (s *Service) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.opts.StorePath), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp := s.opts.StorePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := os.Rename(tmp, s.opts.StorePath); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
