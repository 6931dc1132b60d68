package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// recordSamples touches every helper so vector families have at least one
// child and show up in Gather output.
func recordSamples() {
	RecordQueueEnqueue("main", 1)
	RecordQueueCompletion("main", 250*time.Millisecond, true, 0)
	SetQueueSize("cron", 2)
	SetActiveSessions(3)
	RecordSessionLoad(10 * time.Millisecond)
	RecordSessionSave(5 * time.Millisecond)
	RecordMemorySearch(20 * time.Millisecond)
	RecordMemoryWrite(15 * time.Millisecond)
	SetMemoryEntries(12)
	RecordToolExecution("terminal", 100*time.Millisecond, true)
	RecordToolExecution("web_search", 300*time.Millisecond, false)
	RecordTruncation("tool_result")
	RecordProviderAttempt("anthropic-primary", "success")
	SetProviderCooldown("openai-backup", true)
	RecordFailover("anthropic-primary")
	RecordSessionRun("completed", 2*time.Second, 3)
}

func TestEnsureRegistered(t *testing.T) {
	// Double registration in the default registry panics; the sync.Once
	// guard must make repeated calls safe.
	EnsureRegistered()
	EnsureRegistered()

	if getMetrics() == nil {
		t.Fatal("getMetrics returned nil after EnsureRegistered")
	}
}

func TestAllMetricFamiliesRegistered(t *testing.T) {
	recordSamples()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	names := make(map[string]bool)
	for _, mf := range families {
		names[*mf.Name] = true
	}

	expected := []string{
		"queue_size",
		"enqueue_total",
		"dequeue_total",
		"task_duration_seconds",
		"active_sessions",
		"session_load_duration_seconds",
		"session_save_duration_seconds",
		"memory_search_duration_seconds",
		"memory_write_duration_seconds",
		"memory_entries_total",
		"tool_execution_total",
		"tool_execution_duration_seconds",
		"tool_errors_total",
		"truncations_total",
		"provider_attempts_total",
		"provider_cooldown_active",
		"provider_failover_total",
		"session_runs_total",
		"session_run_duration_seconds",
		"session_cycles",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("Metric family missing: %s", name)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	recordSamples()

	handler := MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler returned nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"provider_attempts_total",
		"tool_execution_total",
		"session_runs_total",
		"queue_size",
		"active_sessions",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Metrics output missing: %s", name)
		}
	}
}

func TestGaugeValues(t *testing.T) {
	SetActiveSessions(7)
	SetQueueSize("main", 4)
	SetProviderCooldown("anthropic-primary", true)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		switch *mf.Name {
		case "active_sessions":
			if v := *mf.Metric[0].Gauge.Value; v != 7 {
				t.Errorf("active_sessions: expected 7, got %f", v)
			}
		case "provider_cooldown_active":
			for _, metric := range mf.Metric {
				for _, label := range metric.Label {
					if *label.Value == "anthropic-primary" && *metric.Gauge.Value != 1 {
						t.Errorf("provider_cooldown_active: expected 1, got %f", *metric.Gauge.Value)
					}
				}
			}
		}
	}

	// The cooldown gauge must drop back to zero when the window ends.
	SetProviderCooldown("anthropic-primary", false)
	families, err = prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if *mf.Name != "provider_cooldown_active" {
			continue
		}
		for _, metric := range mf.Metric {
			for _, label := range metric.Label {
				if *label.Value == "anthropic-primary" && *metric.Gauge.Value != 0 {
					t.Errorf("provider_cooldown_active: expected 0 after reset, got %f", *metric.Gauge.Value)
				}
			}
		}
	}
}

func TestToolErrorCounting(t *testing.T) {
	RecordToolExecution("browser_navigate", 50*time.Millisecond, false)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range families {
		if *mf.Name != "tool_errors_total" {
			continue
		}
		for _, metric := range mf.Metric {
			for _, label := range metric.Label {
				if *label.Value == "browser_navigate" {
					found = true
					if *metric.Counter.Value < 1 {
						t.Errorf("tool_errors_total: expected at least 1, got %f", *metric.Counter.Value)
					}
				}
			}
		}
	}
	if !found {
		t.Error("tool_errors_total has no entry for the failed tool")
	}
}
