package daemon

import (
	"context"
	"fmt"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/config"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/logger"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/commandqueue"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/cron"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/gateway"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/session"
)

// Daemon wires the Runtime to the long-running services: the run queue,
// the job scheduler, the operator gateway, and transcript maintenance.
type Daemon struct {
	cfg *config.Config
	log *logger.Logger

	runtime   *Runtime
	queue     *commandqueue.CommandQueue
	scheduler *cron.Service
	gateway   *gateway.Server
	archiver  *session.Archiver
	cleanup   *session.Cleanup

	lifecycle *lifecycle

	tracingEnabled bool
}

// New builds the daemon object graph. The scheduler is armed here, so
// past-due jobs start catching up immediately; the gateway does not
// listen until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{cfg: cfg, log: log}
	if err := tracing.InitOpenTelemetry("manus"); err != nil {
		log.Warn().Err(err).Msg("Tracing init failed, continuing without span export")
	} else {
		d.tracingEnabled = true
	}

	runtime, err := NewRuntime(cfg, log)
	if err != nil {
		d.shutdownTracing()
		return nil, err
	}
	d.runtime = runtime
	d.queue = commandqueue.New()
	d.archiver = session.NewArchiver(runtime.Sessions(), session.DefaultIdleTimeout)
	d.cleanup = session.NewCleanup(runtime.Sessions(), session.DefaultCleanupAge)
	d.lifecycle = newLifecycle(d)

	if cfg.Cron.Enabled {
		scheduler, err := cron.NewService(cron.ServiceOptions{
			StorePath: cfg.Cron.StorePath,
			Run:       d.runJob,
			Bus:       runtime.Bus(),
			Logger:    log.GetZerolog(),
		})
		if err != nil {
			d.closeCore()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
		d.scheduler = scheduler
	}

	server, err := gateway.NewServer(gateway.Config{
		Addr:         cfg.Gateway.Addr(),
		SharedSecret: cfg.Gateway.SharedSecret,
		Queue:        d.queue,
		Bus:          runtime.Bus(),
		Humans:       runtime.Bridge(),
		Scheduler:    d.scheduler,
		RunGoal: func(ctx context.Context, goal, sessionKey string) error {
			_, err := runtime.RunGoal(ctx, goal, sessionKey)
			return err
		},
		RateLimit: cfg.Gateway.RateLimit,
		Logger:    log.GetZerolog(),
	})
	if err != nil {
		if d.scheduler != nil {
			_ = d.scheduler.Stop()
		}
		d.closeCore()
		return nil, fmt.Errorf("failed to build gateway: %w", err)
	}
	d.gateway = server

	return d, nil
}

// runJob hands a fired job to the cron lane and waits the run out, so
// the scheduler's per-job overlap guard spans the whole session. The
// run context derives from the scheduler's, which lets Stop abort
// in-flight jobs.
func (d *Daemon) runJob(ctx context.Context, job cron.Job) error {
	runID := tracing.NewRunID()
	sessionKey := "cron-" + job.ID

	runCtx := tracing.WithTraceID(ctx, tracing.NewTraceID())
	runCtx = tracing.WithRunID(runCtx, runID)
	runCtx = tracing.WithSessionKey(runCtx, sessionKey)

	_, err := d.queue.EnqueueDeduped(runCtx, commandqueue.LaneCron, runID, func(taskCtx context.Context) (interface{}, error) {
		return d.runtime.RunGoal(taskCtx, job.Goal, sessionKey)
	}, nil)
	if err != nil {
		d.log.Error().Err(err).
			Str("job_id", job.ID).
			Str("run_id", runID).
			Msg("Scheduled goal failed")
	}
	return err
}

// Addr reports the gateway's bound address once started.
func (d *Daemon) Addr() string {
	return d.gateway.Addr()
}

// closeCore releases what New had built when a later step fails.
func (d *Daemon) closeCore() {
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.runtime != nil {
		_ = d.runtime.Close()
	}
	d.shutdownTracing()
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shut down tracing")
	}
	d.tracingEnabled = false
}
