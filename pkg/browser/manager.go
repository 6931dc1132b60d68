// Package browser gives sessions a controlled Chrome page. Each session
// owns at most one Instance; the manager launches Chrome lazily on the
// first Acquire and tears per-session state down through Release, which
// the engine calls on every session exit path. Snapshot reports the live
// page state so planning sees the world as it is now, not as the
// transcript remembers it.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// Error codes carried on BrowserError.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNavigation      = "NAVIGATION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeElementNotFound = "ELEMENT_NOT_FOUND"
	ErrCodeScriptExecution = "SCRIPT_EXECUTION_ERROR"
	ErrCodeSecurity        = "SECURITY_ERROR"
	ErrCodeBrowserCrash    = "BROWSER_CRASH"
	ErrCodeNoPage          = "NO_PAGE"
)

// BrowserError classifies a browser failure for the transcript.
type BrowserError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *BrowserError) Error() string {
	return e.Message
}

// Config controls how the shared Chrome process is launched.
type Config struct {
	// Headless runs Chrome without a window. Defaults to true in daemon use.
	Headless bool
	// ChromePath overrides the binary rod's launcher would pick.
	ChromePath string
	// NoSandbox disables the Chrome sandbox, needed in most containers.
	NoSandbox bool
	// ScreenshotDir is where captures are written. Defaults to a
	// manus-screenshots directory under the OS temp dir.
	ScreenshotDir string
	Logger        zerolog.Logger
}

// Manager owns the Chrome process and the per-session page instances.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	browser   *rod.Browser
	launcher  *launcher.Launcher
	instances map[string]*Instance
}

// NewManager creates a manager. Chrome is not launched until a session
// first acquires a page.
func NewManager(cfg Config) *Manager {
	if cfg.ScreenshotDir == "" {
		cfg.ScreenshotDir = filepath.Join(os.TempDir(), "manus-screenshots")
	}
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		instances: make(map[string]*Instance),
	}
}

// ensureBrowser launches Chrome and connects over CDP. Caller holds mu.
func (m *Manager) ensureBrowser() error {
	if m.browser != nil {
		return nil
	}

	l := launcher.New().Headless(m.cfg.Headless)
	if m.cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	if m.cfg.ChromePath != "" {
		l = l.Bin(m.cfg.ChromePath)
	}

	cdpURL, err := l.Launch()
	if err != nil {
		return &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("Failed to launch Chrome: %v", err),
		}
	}

	browser := rod.New().ControlURL(cdpURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("Failed to connect to Chrome: %v", err),
		}
	}

	m.launcher = l
	m.browser = browser
	m.logger.Info().Bool("headless", m.cfg.Headless).Msg("Browser launched")
	return nil
}

// Acquire returns the session's page instance, creating the page (and the
// browser itself, on first use) when the session has none yet.
func (m *Manager) Acquire(ctx context.Context, sessionKey string) (*Instance, error) {
	if sessionKey == "" {
		return nil, &BrowserError{Code: ErrCodeValidation, Message: "session key is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[sessionKey]; ok {
		return inst, nil
	}

	if err := m.ensureBrowser(); err != nil {
		return nil, err
	}

	page, err := m.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("Failed to open page: %v", err),
		}
	}

	inst := &Instance{
		sessionKey:    sessionKey,
		page:          page,
		screenshotDir: m.cfg.ScreenshotDir,
		logger:        m.logger.With().Str("session_key", sessionKey).Logger(),
	}
	m.instances[sessionKey] = inst

	m.logger.Debug().Str("session_key", sessionKey).Msg("Browser page opened")
	return inst, nil
}

// Get returns the session's instance, or nil when the session has not
// opened a page.
func (m *Manager) Get(sessionKey string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[sessionKey]
}

// Release closes the session's page. Safe to call for sessions that never
// touched the browser.
func (m *Manager) Release(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	inst := m.instances[sessionKey]
	delete(m.instances, sessionKey)
	m.mu.Unlock()

	if inst == nil {
		return nil
	}

	if err := inst.Close(); err != nil {
		m.logger.Warn().Str("session_key", sessionKey).Err(err).Msg("Failed to close browser page")
		return err
	}

	m.logger.Debug().Str("session_key", sessionKey).Msg("Browser page released")
	return nil
}

// Snapshot reports the live page state for the session, or nil when the
// session has no open page. The engine injects the result before planning
// turns while the browser is in active use.
func (m *Manager) Snapshot(ctx context.Context, sessionKey string) (*toolexecutor.ExternalContext, error) {
	inst := m.Get(sessionKey)
	if inst == nil {
		return nil, nil
	}

	pageURL, title, err := inst.Info()
	if err != nil {
		return nil, err
	}

	summary, err := inst.ElementSummary(ctx)
	if err != nil {
		// A summary failure should not hide the URL and title.
		m.logger.Warn().Str("session_key", sessionKey).Err(err).Msg("Element summary failed")
		summary = ""
	}

	return &toolexecutor.ExternalContext{
		Tool:          "browser",
		URL:           pageURL,
		Title:         title,
		ScreenshotRef: inst.LastScreenshot(),
		Summary:       summary,
	}, nil
}

// Close releases every instance and shuts the Chrome process down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, inst := range m.instances {
		if err := inst.Close(); err != nil {
			m.logger.Warn().Str("session_key", key).Err(err).Msg("Failed to close browser page")
		}
		delete(m.instances, key)
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close browser")
		}
		m.browser = nil
	}
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher = nil
	}

	return nil
}

// ActiveSessions lists sessions that currently hold a page.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.instances))
	for key := range m.instances {
		keys = append(keys, key)
	}
	return keys
}

// validateURL rejects anything but http and https targets. Chrome would
// happily open file:// and javascript: URLs, which a model-authored
// argument must never reach.
func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("Invalid URL format: %s", rawURL),
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return &BrowserError{
			Code:    ErrCodeSecurity,
			Message: fmt.Sprintf("URL scheme %q is not allowed, use http or https", parsed.Scheme),
			Details: map[string]interface{}{"url": rawURL},
		}
	}
	if parsed.Host == "" {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("URL has no host: %s", rawURL),
		}
	}

	return nil
}

// clampTimeout bounds a model-supplied timeout to 5..120 seconds, with a
// 30 second default for zero or negative values.
func clampTimeout(seconds int) time.Duration {
	switch {
	case seconds <= 0:
		return 30 * time.Second
	case seconds < 5:
		return 5 * time.Second
	case seconds > 120:
		return 120 * time.Second
	default:
		return time.Duration(seconds) * time.Second
	}
}
