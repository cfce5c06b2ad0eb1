// Package knowledge indexes per-tenant markdown document sets and serves
// hybrid (vector + keyword) search over them.
package knowledge

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
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/observability"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Manager indexes tenant document directories and answers searches.
// Documents live under <root>/<tenantID>/*.md; the first path segment is the
// owning tenant and search never crosses tenants.
type Manager struct {
	db       *sql.DB
	rootDir  string
	logger   zerolog.Logger
	embedder Embedder
	watcher  *docWatcher

	mu        sync.RWMutex
	dirty     bool
	syncing   bool
	lastSync  *time.Time
	cacheHits int
	cacheMiss int
}

// Config holds knowledge manager configuration.
type Config struct {
	RootDir  string
	DBPath   string
	Logger   zerolog.Logger
	Embedder Embedder // optional; nil disables vector search
}

// NewManager creates a knowledge manager and starts watching the root
// directory for document changes.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.RootDir == "" {
		return nil, errors.New("root dir is required")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	m := &Manager{
		db:       db,
		rootDir:  cfg.RootDir,
		logger:   cfg.Logger.With().Str("component", "knowledge").Logger(),
		embedder: cfg.Embedder,
		dirty:    true, // trigger initial sync lazily
	}

	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize knowledge schema: %w", err)
	}

	watcher, err := newDocWatcher(m.logger, cfg.RootDir, m.MarkDirty)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to watch knowledge root: %w", err)
	}
	m.watcher = watcher

	m.logger.Info().Str("root", cfg.RootDir).Msg("Knowledge manager initialized")
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id INTEGER NOT NULL,
			tenant_id TEXT NOT NULL,
			content TEXT NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON chunks(tenant_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			tenant_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return err
	}

	if m.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, m.embedder.Dimension())
		if _, err := m.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// MarkDirty flags the index for resync before the next search.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
}

// Sync walks the root directory and reindexes changed documents. Files under
// a tenant subdirectory belong to that tenant; anything at the top level is
// ignored.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return errors.New("sync already in progress")
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.dirty = false
		now := time.Now()
		m.lastSync = &now
		m.mu.Unlock()
	}()

	start := time.Now()
	var docs []string
	err := filepath.WalkDir(m.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		relPath, err := filepath.Rel(m.rootDir, path)
		if err != nil {
			return err
		}
		// Top-level files have no owning tenant.
		if !strings.ContainsRune(relPath, filepath.Separator) {
			return nil
		}
		docs = append(docs, relPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk knowledge root: %w", err)
	}

	indexed, skipped, chunksCreated := 0, 0, 0
	for _, relPath := range docs {
		tenantID := strings.SplitN(filepath.ToSlash(relPath), "/", 2)[0]
		changed, chunks, err := m.indexDocument(ctx, tenantID, relPath)
		if err != nil {
			m.logger.Warn().Err(err).Str("document", relPath).Msg("Failed to index document")
			continue
		}
		if changed {
			indexed++
			chunksCreated += chunks
		} else {
			skipped++
		}
	}

	pruned, err := m.pruneDeleted(docs)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to prune deleted documents")
	}

	m.logger.Info().
		Int("indexed", indexed).
		Int("skipped", skipped).
		Int("chunks", chunksCreated).
		Int("pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Knowledge sync completed")
	return nil
}

func (m *Manager) indexDocument(ctx context.Context, tenantID, relPath string) (bool, int, error) {
	content, err := os.ReadFile(filepath.Join(m.rootDir, relPath))
	if err != nil {
		return false, 0, err
	}

	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])

	var existingHash string
	err = m.db.QueryRow("SELECT content_hash FROM documents WHERE path = ?", relPath).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, 0, nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := m.deleteDocumentTx(tx, relPath); err != nil {
		return false, 0, err
	}

	result, err := tx.Exec(
		"INSERT INTO documents (tenant_id, path, content_hash, indexed_at) VALUES (?, ?, ?, ?)",
		tenantID, relPath, contentHash, time.Now().Unix(),
	)
	if err != nil {
		return false, 0, err
	}
	docID, _ := result.LastInsertId()

	chunks := splitChunks(string(content))
	for i, text := range chunks {
		chunkID := fmt.Sprintf("%s#%d", relPath, i)

		if _, err := tx.Exec(
			"INSERT INTO chunks (id, document_id, tenant_id, content) VALUES (?, ?, ?, ?)",
			chunkID, docID, tenantID, text,
		); err != nil {
			return false, 0, err
		}
		if _, err := tx.Exec(
			"INSERT INTO chunks_fts (chunk_id, tenant_id, content) VALUES (?, ?, ?)",
			chunkID, tenantID, text,
		); err != nil {
			return false, 0, err
		}

		if m.embedder != nil {
			if err := m.storeEmbedding(ctx, tx, chunkID, text); err != nil {
				m.logger.Warn().Err(err).Str("chunk", chunkID).Msg("Failed to store embedding")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

// deleteDocumentTx removes a document, its chunks, and their search entries.
func (m *Manager) deleteDocumentTx(tx *sql.Tx, relPath string) error {
	rows, err := tx.Query("SELECT c.id FROM chunks c JOIN documents d ON c.document_id = d.id WHERE d.path = ?", relPath)
	if err != nil {
		return err
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		chunkIDs = append(chunkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range chunkIDs {
		if _, err := tx.Exec("DELETE FROM chunks_fts WHERE chunk_id = ?", id); err != nil {
			return err
		}
		if m.embedder != nil {
			if _, err := tx.Exec("DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec("DELETE FROM chunks WHERE id IN (SELECT c.id FROM chunks c JOIN documents d ON c.document_id = d.id WHERE d.path = ?)", relPath); err != nil {
		return err
	}
	_, err = tx.Exec("DELETE FROM documents WHERE path = ?", relPath)
	return err
}

func (m *Manager) storeEmbedding(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	hashBytes := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(hashBytes[:])

	var cached []byte
	err := tx.QueryRow("SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)

	var embedding []float32
	if err == nil {
		m.cacheHits++
		if err := json.Unmarshal(cached, &embedding); err != nil {
			return fmt.Errorf("failed to unmarshal cached embedding: %w", err)
		}
	} else {
		m.cacheMiss++
		embedding, err = m.embedder.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}

		encoded, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, created_at) VALUES (?, ?, ?)",
			contentHash, encoded, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	encoded, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
		chunkID, string(encoded),
	); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func (m *Manager) pruneDeleted(existing []string) (int, error) {
	rows, err := m.db.Query("SELECT path FROM documents")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	existingSet := make(map[string]bool, len(existing))
	for _, p := range existing {
		existingSet[p] = true
	}

	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return 0, err
		}
		if !existingSet[path] {
			stale = append(stale, path)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, path := range stale {
		tx, err := m.db.Begin()
		if err != nil {
			return 0, err
		}
		if err := m.deleteDocumentTx(tx, path); err != nil {
			tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// splitChunks breaks a document into search units, roughly a kilobyte each,
// split at line boundaries.
func splitChunks(content string) []string {
	const maxSize = 1000

	var chunks []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		if current.Len() > 0 && current.Len()+len(line)+1 > maxSize {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if text := strings.TrimSpace(current.String()); text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Close stops the watcher and closes the database.
func (m *Manager) Close() error {
	if m.watcher != nil {
		m.watcher.stop()
	}
	return m.db.Close()
}
