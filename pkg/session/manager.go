package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ToolCallRecord captures the operation an assistant turn requested.
type ToolCallRecord struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResultRecord captures the framed outcome fed back to the model.
// ID matches the ToolCallRecord the result answers.
type ToolResultRecord struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Turn represents a single transcript entry: a user goal, a model reply,
// a tool invocation, or a tool result.
type Turn struct {
	Role       string                 `json:"role"`
	Phase      string                 `json:"phase,omitempty"`
	Content    string                 `json:"content"`
	ToolCall   *ToolCallRecord        `json:"tool_call,omitempty"`
	ToolResult *ToolResultRecord      `json:"tool_result,omitempty"`
	Provider   string                 `json:"provider,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Entry represents a turn with its session key.
type Entry struct {
	SessionKey string `json:"sessionKey"`
	Turn       Turn   `json:"turn"`
}

// Info summarizes a stored transcript.
type Info struct {
	SessionKey   string
	Size         int64
	LastModified time.Time
	TurnCount    int
}

// Manager persists transcripts using one JSONL file per session.
type Manager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.RWMutex
}

// New creates a Manager rooted at sessionsDir. An empty dir defaults to
// ~/.manus/sessions.
func New(sessionsDir string) (*Manager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".manus", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	m := &Manager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", sessionsDir).Msg("Session manager initialized")
	m.updateActiveSessionsMetric()

	return m, nil
}

// validateSessionKey rejects keys that could escape the sessions directory.
func (m *Manager) validateSessionKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (m *Manager) transcriptPath(sessionKey string) string {
	return filepath.Join(m.sessionsDir, sessionKey+".jsonl")
}

func (m *Manager) updateActiveSessionsMetric() {
	sessions, err := m.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

// getWriteLock gets or creates a write lock for a session
func (m *Manager) getWriteLock(sessionKey string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if lock, exists := m.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.writeLocks[sessionKey] = lock
	return lock
}

func (m *Manager) releaseWriteLock(sessionKey string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.writeLocks, sessionKey)
}

// Create creates an empty transcript file for the session.
func (m *Manager) Create(sessionKey string) error {
	return m.CreateWithContext(context.Background(), sessionKey)
}

// CreateWithContext creates an empty transcript file with tracing context.
func (m *Manager) CreateWithContext(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.session",
		"session.create",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	path := m.transcriptPath(sessionKey)

	if _, err := os.Stat(path); err == nil {
		logger.Debug().Msg("Session already exists")
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create session file: %w", err)
	}
	file.Close()

	m.updateActiveSessionsMetric()
	logger.Info().Msg("Session created")

	return nil
}

// Append appends a turn to a session transcript.
func (m *Manager) Append(sessionKey string, turn Turn) error {
	return m.AppendWithContext(context.Background(), sessionKey, turn)
}

// AppendWithContext appends a turn to a session transcript with tracing
// context. The transcript only ever grows; existing lines are not touched.
func (m *Manager) AppendWithContext(ctx context.Context, sessionKey string, turn Turn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.session",
		"session.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", turn.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if turn.Role == "" {
		return fmt.Errorf("turn role cannot be empty")
	}
	if turn.Content == "" && turn.ToolCall == nil && turn.ToolResult == nil {
		return fmt.Errorf("turn carries no content or tool payload")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := m.transcriptPath(sessionKey)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := m.CreateWithContext(ctx, sessionKey); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entry := Entry{
		SessionKey: sessionKey,
		Turn:       turn,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write turn: %w", err)
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Debug().
		Str("role", turn.Role).
		Str("phase", turn.Phase).
		Msg("Turn appended")

	return nil
}

// Load loads all turns from a session transcript.
func (m *Manager) Load(sessionKey string) ([]Entry, error) {
	return m.LoadWithContext(context.Background(), sessionKey)
}

// LoadWithContext loads all turns from a session transcript with tracing
// context. Lines that fail to parse are skipped with a warning so a single
// corrupt write cannot wedge the session.
func (m *Manager) LoadWithContext(ctx context.Context, sessionKey string) ([]Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.session",
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	path := m.transcriptPath(sessionKey)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug().Msg("Session does not exist")
		return []Entry{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}

		if entry.Turn.Role == "" {
			logger.Warn().
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().
		Int("turns", len(entries)).
		Msg("Session loaded")

	return entries, nil
}

// Delete deletes a session transcript.
func (m *Manager) Delete(sessionKey string) error {
	return m.DeleteWithContext(context.Background(), sessionKey)
}

// DeleteWithContext deletes a session transcript with tracing context.
func (m *Manager) DeleteWithContext(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.session",
		"session.delete",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Wait for any in-progress writes
	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := m.transcriptPath(sessionKey)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	m.releaseWriteLock(sessionKey)
	m.updateActiveSessionsMetric()

	logger.Info().Msg("Session deleted")

	return nil
}

// List lists all stored session keys.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// Replace atomically rewrites a transcript with the given entries. It backs
// Repair and retention pruning; the engine itself never calls it.
func (m *Manager) Replace(sessionKey string, entries []Entry) error {
	if err := m.validateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := m.transcriptPath(sessionKey)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, entry := range entries {
		entry.SessionKey = sessionKey
		data, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	return nil
}

// Repair rewrites a transcript keeping only the lines that still parse.
func (m *Manager) Repair(sessionKey string) error {
	entries, err := m.Load(sessionKey)
	if err != nil {
		return err
	}

	if err := m.Replace(sessionKey, entries); err != nil {
		return err
	}

	log.Info().
		Str("session_key", sessionKey).
		Int("entries", len(entries)).
		Msg("Session repaired")

	return nil
}

// GetInfo returns metadata about a stored transcript.
func (m *Manager) GetInfo(sessionKey string) (Info, error) {
	if err := m.validateSessionKey(sessionKey); err != nil {
		return Info{}, err
	}

	path := m.transcriptPath(sessionKey)

	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("session does not exist")
		}
		return Info{}, fmt.Errorf("failed to stat session file: %w", err)
	}

	entries, err := m.Load(sessionKey)
	if err != nil {
		return Info{}, err
	}

	return Info{
		SessionKey:   sessionKey,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		TurnCount:    len(entries),
	}, nil
}

// Close releases the manager's in-memory state.
func (m *Manager) Close() error {
	m.locksMu.Lock()
	m.writeLocks = make(map[string]*sync.Mutex)
	m.locksMu.Unlock()

	log.Info().Msg("Session manager closed")

	return nil
}
