package daemon

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron.Enabled = true

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	t.Run("should not report running before start", func(t *testing.T) {
		assert.False(t, d.Status().Running)
	})

	require.NoError(t, d.Start())

	t.Run("should report running with uptime", func(t *testing.T) {
		st := d.Status()
		assert.True(t, st.Running)
		assert.False(t, st.StartTime.IsZero())
		assert.GreaterOrEqual(t, st.Uptime, time.Duration(0))
	})

	t.Run("should write the pid file", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(cfg.DataDir, "manus.pid"))
		require.NoError(t, err)

		pid, err := strconv.Atoi(string(data))
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("should serve the gateway health endpoint", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", d.Addr()))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should reject a second start", func(t *testing.T) {
		require.ErrorContains(t, d.Start(), "already running")
	})

	require.NoError(t, d.Stop())

	t.Run("should clean up on stop", func(t *testing.T) {
		assert.False(t, d.Status().Running)

		_, err := os.Stat(filepath.Join(cfg.DataDir, "manus.pid"))
		assert.True(t, os.IsNotExist(err))

		_, err = http.Get(fmt.Sprintf("http://%s/healthz", d.Addr()))
		assert.Error(t, err)
	})

	t.Run("should reject a second stop", func(t *testing.T) {
		require.ErrorContains(t, d.Stop(), "not running")
	})
}

func TestDaemonWithoutScheduler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron.Enabled = false

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer func() { require.NoError(t, d.Stop()) }()

	// Without a scheduler the jobs surface answers 503.
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/jobs", d.Addr()), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+cfg.Gateway.SharedSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDaemonNewFailsWithoutProfiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Profiles = nil

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider profile")
}
