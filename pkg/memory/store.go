package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// embedCap bounds the text sent to the embedding provider per entry.
const embedCap = 8000

// Note is a key-value record the agent persists across runs.
type Note struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	SessionKey string    `json:"session_key,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Entry is a long-form knowledge record.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult represents a knowledge search hit with relevance score.
type SearchResult struct {
	EntryID      string   `json:"entry_id"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Source       string   `json:"source,omitempty"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// SearchOptions configures knowledge search behavior.
type SearchOptions struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// Status represents the current state of the store.
type Status struct {
	TotalNotes            int        `json:"total_notes"`
	TotalEntries          int        `json:"total_entries"`
	IsDirty               bool       `json:"is_dirty"`
	IsSyncing             bool       `json:"is_syncing"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty"`
	LastSyncTime          *time.Time `json:"last_sync_time,omitempty"`
}

// Store holds notes and knowledge entries in a sqlite database.
type Store struct {
	db           *sql.DB
	knowledgeDir string
	logger       zerolog.Logger
	embedder     EmbeddingProvider
	watcher      *FileWatcher
	mu           sync.RWMutex
	isDirty      bool
	isSyncing    bool
	lastSyncTime *time.Time
	stats        struct {
		cacheHits   int
		cacheMisses int
	}
}

// Config holds store configuration.
type Config struct {
	DBPath            string
	KnowledgeDir      string            // Optional, markdown documents indexed as knowledge entries
	Logger            zerolog.Logger
	EmbeddingProvider EmbeddingProvider // Optional, if nil search is keyword-only
}

// NewStore opens the database, prepares the schema, and starts watching
// the knowledge directory when one is configured.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	// Open database with FTS5 support
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:           db,
		knowledgeDir: cfg.KnowledgeDir,
		logger:       cfg.Logger,
		embedder:     cfg.EmbeddingProvider,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.KnowledgeDir != "" {
		if err := os.MkdirAll(cfg.KnowledgeDir, 0755); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
		}

		watcher, err := NewFileWatcher(cfg.Logger, func() {
			s.MarkDirty()
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		if err := watcher.Watch(cfg.KnowledgeDir); err != nil {
			watcher.Stop()
			db.Close()
			return nil, fmt.Errorf("failed to watch knowledge directory: %w", err)
		}

		s.watcher = watcher
		// Start dirty so the first search indexes existing documents.
		s.isDirty = true
	}

	s.logger.Info().Msg("Memory store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS notes (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			session_key TEXT,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT,
			content_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_knowledge_hash ON knowledge(content_hash);

		CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
			entry_id UNINDEXED,
			title,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_created ON embedding_cache(created_at);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Create vector table if an embedding provider is available
	if s.embedder != nil {
		dimension := s.embedder.Dimension()
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				entry_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, dimension)

		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// SaveNote writes or overwrites a key-value note.
func (s *Store) SaveNote(ctx context.Context, key, value, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.memory",
		"memory.note_save",
		attribute.String("key", key),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	if key == "" {
		return errors.New("note key is required")
	}
	if value == "" {
		return errors.New("note value is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (key, value, session_key, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			session_key = excluded.session_key,
			updated_at = excluded.updated_at
	`, key, value, sessionKey, time.Now().Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to save note: %w", err)
	}

	return nil
}

// GetNote fetches a note by exact key. A missing key returns (nil, nil).
func (s *Store) GetNote(ctx context.Context, key string) (*Note, error) {
	if key == "" {
		return nil, errors.New("note key is required")
	}

	var note Note
	var updatedAt int64
	var sessionKey sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value, session_key, updated_at FROM notes WHERE key = ?", key,
	).Scan(&note.Key, &note.Value, &sessionKey, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read note: %w", err)
	}

	note.SessionKey = sessionKey.String
	note.UpdatedAt = time.Unix(updatedAt, 0)
	return &note, nil
}

// SearchNotes finds notes whose key contains the fragment, newest first.
func (s *Store) SearchNotes(ctx context.Context, fragment string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, session_key, updated_at
		FROM notes
		WHERE key LIKE '%' || ? || '%'
		ORDER BY updated_at DESC
		LIMIT ?
	`, fragment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		var updatedAt int64
		var sessionKey sql.NullString
		if err := rows.Scan(&note.Key, &note.Value, &sessionKey, &updatedAt); err != nil {
			return nil, err
		}
		note.SessionKey = sessionKey.String
		note.UpdatedAt = time.Unix(updatedAt, 0)
		notes = append(notes, note)
	}

	return notes, rows.Err()
}

// SaveKnowledge stores a knowledge entry and indexes it for search.
// An empty ID gets a generated one; an existing ID is overwritten.
func (s *Store) SaveKnowledge(ctx context.Context, entry Entry) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.memory",
		"memory.knowledge_save",
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	if entry.Title == "" {
		return "", errors.New("knowledge title is required")
	}
	if entry.Content == "" {
		return "", errors.New("knowledge content is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	hash := sha256.Sum256([]byte(entry.Title + "\n" + entry.Content))

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if err := s.upsertEntry(ctx, tx, entry, hex.EncodeToString(hash[:])); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.updateEntriesMetric()
	return entry.ID, nil
}

// upsertEntry replaces the row, its FTS index, and its embedding inside
// the given transaction.
func (s *Store) upsertEntry(ctx context.Context, tx *sql.Tx, entry Entry, contentHash string) error {
	if _, err := tx.Exec("DELETE FROM knowledge WHERE id = ?", entry.ID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM knowledge_fts WHERE entry_id = ?", entry.ID); err != nil {
		return err
	}

	_, err := tx.Exec(
		"INSERT INTO knowledge (id, title, content, source, content_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		entry.ID, entry.Title, entry.Content, entry.Source, contentHash, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO knowledge_fts (entry_id, title, content) VALUES (?, ?, ?)",
		entry.ID, entry.Title, entry.Content,
	)
	if err != nil {
		return err
	}

	if s.embedder != nil {
		input := entry.Title + "\n\n" + entry.Content
		if len(input) > embedCap {
			input = input[:embedCap]
		}
		if err := s.storeEmbedding(ctx, tx, entry.ID, input); err != nil {
			// Keyword search still covers the entry.
			s.logger.Warn().Err(err).Str("entry", entry.ID).Msg("Failed to store embedding")
		}
	}

	return nil
}

// storeEmbedding generates (or recalls from cache) and stores the vector
// for an entry.
func (s *Store) storeEmbedding(ctx context.Context, tx *sql.Tx, entryID, content string) error {
	contentHashBytes := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(contentHashBytes[:])

	var cachedEmbedding []byte
	err := tx.QueryRow("SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cachedEmbedding)

	var embedding []float32
	if err == nil {
		s.stats.cacheHits++
		if err := json.Unmarshal(cachedEmbedding, &embedding); err != nil {
			return fmt.Errorf("failed to unmarshal cached embedding: %w", err)
		}
	} else {
		s.stats.cacheMisses++
		embedding, err = s.embedder.GenerateEmbedding(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}

		embeddingJSON, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}

		_, err = tx.Exec(
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, embeddingJSON, len(embedding), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding for storage: %w", err)
	}

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO embeddings (entry_id, embedding) VALUES (?, ?)",
		entryID, string(embeddingJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to store embedding in vector table: %w", err)
	}

	return nil
}

// SearchKnowledge performs hybrid search (vector + keyword) over entries.
func (s *Store) SearchKnowledge(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.memory",
		"memory.search",
		attribute.String("query", query),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if query == "" {
		return []SearchResult{}, nil
	}

	if opts == nil {
		opts = &SearchOptions{
			Limit:         20,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		}
	}

	// Re-index the knowledge directory if documents changed
	s.mu.RLock()
	dirty := s.isDirty
	s.mu.RUnlock()
	if dirty && s.knowledgeDir != "" {
		if err := s.Sync(); err != nil {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var vectorResults []vectorSearchResult
	var keywordResults []keywordSearchResult
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if s.embedder != nil {
			vectorResults, vectorErr = s.vectorSearch(ctx, query, 200)
		}
	}()

	go func() {
		defer wg.Done()
		keywordResults, keywordErr = s.keywordSearch(query, 200)
	}()

	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}

	if s.embedder == nil && keywordErr != nil {
		span.RecordError(keywordErr)
		span.SetStatus(codes.Error, keywordErr.Error())
		return nil, keywordErr
	}
	if vectorErr != nil && keywordErr != nil {
		span.RecordError(vectorErr)
		span.RecordError(keywordErr)
		span.SetStatus(codes.Error, "both search methods failed")
		return nil, fmt.Errorf("both search methods failed")
	}

	results := s.mergeResults(vectorResults, keywordResults, opts)

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Msg("Knowledge search completed")

	return results, nil
}

type vectorSearchResult struct {
	entryID    string
	similarity float64
}

type keywordSearchResult struct {
	entryID   string
	bm25Score float64
}

func (s *Store) vectorSearch(ctx context.Context, query string, limit int) ([]vectorSearchResult, error) {
	embedding, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			entry_id,
			vec_distance_cosine(embedding, ?) as distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vectorSearchResult
	for rows.Next() {
		var entryID string
		var distance float64
		if err := rows.Scan(&entryID, &distance); err != nil {
			return nil, err
		}

		results = append(results, vectorSearchResult{
			entryID:    entryID,
			similarity: 1.0 - distance,
		})
	}

	return results, nil
}

func (s *Store) keywordSearch(query string, limit int) ([]keywordSearchResult, error) {
	rows, err := s.db.Query(`
		SELECT entry_id, bm25(knowledge_fts) as score
		FROM knowledge_fts
		WHERE knowledge_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, matchExpression(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []keywordSearchResult
	for rows.Next() {
		var entryID string
		var score float64
		if err := rows.Scan(&entryID, &score); err != nil {
			return nil, err
		}

		// BM25 scores are negative, convert to positive
		results = append(results, keywordSearchResult{
			entryID:   entryID,
			bm25Score: -score,
		})
	}

	return results, rows.Err()
}

// matchExpression quotes each term so user queries cannot trip FTS5
// operator syntax.
func matchExpression(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// mergeResults combines vector and keyword hits into weighted scores.
func (s *Store) mergeResults(vectorResults []vectorSearchResult, keywordResults []keywordSearchResult, opts *SearchOptions) []SearchResult {
	vectorMap := make(map[string]float64)
	keywordMap := make(map[string]float64)

	var maxKeyword float64
	for _, r := range vectorResults {
		vectorMap[r.entryID] = r.similarity
	}
	for _, r := range keywordResults {
		keywordMap[r.entryID] = r.bm25Score
		if r.bm25Score > maxKeyword {
			maxKeyword = r.bm25Score
		}
	}

	entryIDs := make(map[string]bool)
	for id := range vectorMap {
		entryIDs[id] = true
	}
	for id := range keywordMap {
		entryIDs[id] = true
	}

	type scoredResult struct {
		entryID      string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}

	var scored []scoredResult
	for entryID := range entryIDs {
		var normalizedVector, normalizedKeyword float64

		// Map cosine similarity [-1, 1] to [0, 1]
		if vectorScore, ok := vectorMap[entryID]; ok {
			normalizedVector = (vectorScore + 1) / 2
		}

		if keywordScore, ok := keywordMap[entryID]; ok && maxKeyword > 0 {
			normalizedKeyword = keywordScore / maxKeyword
		}

		combinedScore := (normalizedVector * opts.VectorWeight) + (normalizedKeyword * opts.KeywordWeight)

		if opts.MinScore > 0 && combinedScore < opts.MinScore {
			continue
		}

		var vecPtr, keyPtr *float64
		if _, ok := vectorMap[entryID]; ok {
			v := normalizedVector
			vecPtr = &v
		}
		if _, ok := keywordMap[entryID]; ok {
			k := normalizedKeyword
			keyPtr = &k
		}

		scored = append(scored, scoredResult{
			entryID:      entryID,
			score:        combinedScore,
			vectorScore:  vecPtr,
			keywordScore: keyPtr,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	results := make([]SearchResult, 0, len(scored))
	for _, sc := range scored {
		var title, content string
		var source sql.NullString
		err := s.db.QueryRow(
			"SELECT title, content, source FROM knowledge WHERE id = ?", sc.entryID,
		).Scan(&title, &content, &source)
		if err != nil {
			s.logger.Warn().Err(err).Str("entry", sc.entryID).Msg("Failed to fetch entry details")
			continue
		}

		results = append(results, SearchResult{
			EntryID:      sc.entryID,
			Title:        title,
			Content:      content,
			Source:       source.String,
			Score:        sc.score,
			VectorScore:  sc.vectorScore,
			KeywordScore: sc.keywordScore,
		})
	}

	return results
}

// ListKnowledge returns entries newest first, without content bodies.
func (s *Store) ListKnowledge(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, source, created_at
		FROM knowledge
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var source sql.NullString
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.Title, &source, &createdAt); err != nil {
			return nil, err
		}
		entry.Source = source.String
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Sync indexes the knowledge directory: new and changed markdown
// documents become entries, removed documents are pruned.
func (s *Store) Sync() error {
	ctx := context.Background()
	ctx, span := tracing.StartSpan(ctx, "manus.memory", "memory.sync")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if s.knowledgeDir == "" {
		return nil
	}

	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		span.SetStatus(codes.Error, "sync already in progress")
		return errors.New("sync already in progress")
	}
	s.isSyncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		s.isDirty = false
		now := time.Now()
		s.lastSyncTime = &now
		s.mu.Unlock()
	}()

	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	var docs []string
	err := filepath.WalkDir(s.knowledgeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			relPath, _ := filepath.Rel(s.knowledgeDir, path)
			docs = append(docs, relPath)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to walk knowledge directory: %w", err)
	}

	indexed := 0
	skipped := 0
	for _, relPath := range docs {
		changed, err := s.indexDocument(ctx, relPath)
		if err != nil {
			logger.Warn().Err(err).Str("doc", relPath).Msg("Failed to index document")
			span.RecordError(err)
			continue
		}
		if changed {
			indexed++
		} else {
			skipped++
		}
	}

	pruned, err := s.pruneRemovedDocuments(docs)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune removed documents")
		span.RecordError(err)
	}

	logger.Info().
		Int("indexed", indexed).
		Int("skipped", skipped).
		Int("pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Knowledge sync completed")

	s.updateEntriesMetric()

	return nil
}

// indexDocument upserts one markdown file as a knowledge entry keyed by
// its path. Unchanged content is skipped via the stored hash.
func (s *Store) indexDocument(ctx context.Context, relPath string) (bool, error) {
	fullPath := filepath.Join(s.knowledgeDir, relPath)
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return false, err
	}

	entryID := "doc:" + relPath
	title := firstHeading(string(content), relPath)
	hash := sha256.Sum256([]byte(title + "\n" + string(content)))
	contentHash := hex.EncodeToString(hash[:])

	var existingHash string
	err = s.db.QueryRow("SELECT content_hash FROM knowledge WHERE id = ?", entryID).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	entry := Entry{
		ID:        entryID,
		Title:     title,
		Content:   string(content),
		Source:    relPath,
		CreatedAt: time.Now(),
	}
	if err := s.upsertEntry(ctx, tx, entry, contentHash); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	return true, nil
}

// pruneRemovedDocuments drops doc-backed entries whose file is gone.
func (s *Store) pruneRemovedDocuments(existing []string) (int, error) {
	existingSet := make(map[string]bool)
	for _, relPath := range existing {
		existingSet["doc:"+relPath] = true
	}

	rows, err := s.db.Query("SELECT id FROM knowledge WHERE id LIKE 'doc:%'")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var toDelete []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		if !existingSet[id] {
			toDelete = append(toDelete, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range toDelete {
		if _, err := s.db.Exec("DELETE FROM knowledge WHERE id = ?", id); err != nil {
			return 0, err
		}
		if _, err := s.db.Exec("DELETE FROM knowledge_fts WHERE entry_id = ?", id); err != nil {
			return 0, err
		}
		if s.embedder != nil {
			if _, err := s.db.Exec("DELETE FROM embeddings WHERE entry_id = ?", id); err != nil {
				return 0, err
			}
		}
	}

	return len(toDelete), nil
}

// firstHeading extracts a display title from markdown content.
func firstHeading(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
		if len(line) > 80 {
			return line[:80]
		}
		return line
	}
	return fallback
}

func (s *Store) updateEntriesMetric() {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM knowledge").Scan(&total); err == nil {
		observability.SetMemoryEntries(total)
	}
}

// GetStatus returns current store state.
func (s *Store) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status Status
	status.IsDirty = s.isDirty
	status.IsSyncing = s.isSyncing
	status.LastSyncTime = s.lastSyncTime

	s.db.QueryRow("SELECT COUNT(*) FROM notes").Scan(&status.TotalNotes)
	s.db.QueryRow("SELECT COUNT(*) FROM knowledge").Scan(&status.TotalEntries)

	total := s.stats.cacheHits + s.stats.cacheMisses
	if total > 0 {
		rate := float64(s.stats.cacheHits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}

	return status
}

// MarkDirty flags the knowledge directory for re-indexing.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isDirty = true
}

// Close stops the watcher and closes the database.
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing memory store")

	if s.watcher != nil {
		s.watcher.Stop()
	}

	return s.db.Close()
}
