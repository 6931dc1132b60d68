package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// drainTimeout bounds how long Stop waits for in-flight sessions
	// before the queue cancels them.
	drainTimeout = 30 * time.Second

	shutdownTimeout = 5 * time.Second
)

// lifecycle owns the running flag, the PID file, and the ordered
// start/stop of the daemon's services.
type lifecycle struct {
	daemon  *Daemon
	pidFile string

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

func newLifecycle(d *Daemon) *lifecycle {
	return &lifecycle{
		daemon:  d,
		pidFile: filepath.Join(d.cfg.DataDir, "manus.pid"),
	}
}

// Status reports daemon liveness.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Start writes the PID file and opens the gateway listener. The
// scheduler was armed at construction, so scheduled work may already be
// flowing through the queue by the time the gateway accepts operators.
func (d *Daemon) Start() error {
	l := d.lifecycle

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	l.running = true
	l.startTime = time.Now()
	l.mu.Unlock()

	if err := l.writePIDFile(); err != nil {
		d.log.Warn().Err(err).Str("pid_file", l.pidFile).Msg("Could not write PID file")
	}

	if err := d.gateway.Start(); err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		l.removePIDFile()
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if err := d.archiver.Start(); err != nil {
		d.log.Warn().Err(err).Msg("Could not start session archiver")
	}
	if err := d.cleanup.Start(); err != nil {
		d.log.Warn().Err(err).Msg("Could not start session cleanup")
	}

	d.log.Info().
		Str("addr", d.gateway.Addr()).
		Int("pid", os.Getpid()).
		Bool("scheduler", d.scheduler != nil).
		Msg("Daemon started")

	return nil
}

// Stop tears the services down in reverse order: stop accepting
// operator work, abort scheduled runs, let in-flight sessions drain,
// then close the stateful stores.
func (d *Daemon) Stop() error {
	l := d.lifecycle

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	l.running = false
	l.mu.Unlock()

	d.log.Info().Msg("Stopping daemon")

	if err := d.gateway.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop gateway")
	}
	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop scheduler")
		}
	}
	if err := d.archiver.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop session archiver")
	}
	if err := d.cleanup.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop session cleanup")
	}

	if !d.queue.Drain(drainTimeout) {
		d.log.Warn().Msg("Active sessions did not drain, cancelling")
	}
	if err := d.queue.Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close run queue")
	}

	if err := d.runtime.Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close runtime")
	}
	d.shutdownTracing()
	l.removePIDFile()

	d.log.Info().Msg("Daemon stopped")
	return nil
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Shutdown failed")
	}
}

// Status reports whether the daemon is running and for how long.
func (d *Daemon) Status() Status {
	l := d.lifecycle

	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Status{Running: l.running}
	if l.running {
		st.StartTime = l.startTime
		st.Uptime = time.Since(l.startTime)
	}
	return st
}

func (l *lifecycle) writePIDFile() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (l *lifecycle) removePIDFile() {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		l.daemon.log.Warn().Err(err).Str("pid_file", l.pidFile).Msg("Could not remove PID file")
	}
}
