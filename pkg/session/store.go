package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/rs/zerolog"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Store is the session resolver and message log, backed by SQLite. Message
// append is a single transaction, so a persisted message and the session's
// last-activity bump are atomic. The store itself is safe for concurrent use;
// per-contact ordering is the caller's job (one lane per contact).
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds store configuration.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// NewStore opens (or creates) the session database.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create session db directory: %w", err)
	}

	// Fan-out synthesis appends race with laned inbound appends on the same
	// database, so writers wait out a locked page instead of failing busy.
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Session store initialized")
	s.updateActiveSessionsMetric(context.Background())

	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			external_contact_id TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'direct',
			status TEXT NOT NULL DEFAULT 'active',
			active_fanout_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_contact
			ON sessions(tenant_id, channel, external_contact_id)
			WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			author TEXT NOT NULL,
			body TEXT NOT NULL,
			tool_calls TEXT,
			draft INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			UNIQUE(session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_seq
			ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Resolve maps (tenant, channel, external contact) to the active session,
// creating one on first contact.
func (s *Store) Resolve(ctx context.Context, tenantID, channel, externalContactID string) (*Session, error) {
	if tenantID == "" || channel == "" || externalContactID == "" {
		return nil, fmt.Errorf("tenant, channel and external contact id are required")
	}

	sess, err := s.findActive(ctx, tenantID, channel, externalContactID)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, channel, external_contact_id, mode, status, active_fanout_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		id, tenantID, channel, externalContactID, string(ModeDirect), string(StatusActive), now, now,
	)
	if err != nil {
		// Lost a create race: another resolver inserted first, reuse its row.
		if existing, lookupErr := s.findActive(ctx, tenantID, channel, externalContactID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", id).
		Str("tenant_id", tenantID).
		Str("channel", channel).
		Msg("Session created")
	s.updateActiveSessionsMetric(ctx)

	return &Session{
		ID:                id,
		TenantID:          tenantID,
		Channel:           channel,
		ExternalContactID: externalContactID,
		Mode:              ModeDirect,
		Status:            StatusActive,
		CreatedAt:         now,
		LastActivityAt:    now,
	}, nil
}

func (s *Store) findActive(ctx context.Context, tenantID, channel, externalContactID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, channel, external_contact_id, mode, status, active_fanout_id, created_at, last_activity_at
		FROM sessions
		WHERE tenant_id = ? AND channel = ? AND external_contact_id = ? AND status = 'active'`,
		tenantID, channel, externalContactID,
	)
	return scanSession(row)
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, channel, external_contact_id, mode, status, active_fanout_id, created_at, last_activity_at
		FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var mode, status string
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.Channel, &sess.ExternalContactID,
		&mode, &status, &sess.ActiveFanOutID, &sess.CreatedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, err
	}
	sess.Mode = Mode(mode)
	sess.Status = Status(status)
	return &sess, nil
}

// Append writes one message and bumps the session's last-activity timestamp in
// a single transaction. The returned message carries its assigned seq.
func (s *Store) Append(ctx context.Context, sessionID string, msg Message) (*Message, error) {
	if msg.Role != RoleInbound && msg.Role != RoleAgentReply {
		return nil, fmt.Errorf("invalid message role: %s", msg.Role)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		observability.RecordSessionAppendFailure()
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	// Bump the session row first: zero rows affected means the session does
	// not exist, which must surface as the sentinel rather than a foreign-key
	// failure from the message insert.
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		observability.RecordSessionAppendFailure()
		return nil, fmt.Errorf("failed to update session activity: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		observability.RecordSessionAppendFailure()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		observability.RecordSessionAppendFailure()
		return nil, fmt.Errorf("failed to assign message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, author, body, tool_calls, draft, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, seq, string(msg.Role), msg.Author, msg.Body, toolCalls, msg.Draft, now,
	); err != nil {
		observability.RecordSessionAppendFailure()
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		observability.RecordSessionAppendFailure()
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	observability.RecordSessionAppend(string(msg.Role))

	msg.ID = id
	msg.SessionID = sessionID
	msg.Seq = seq
	msg.CreatedAt = now
	return &msg, nil
}

// History returns the most recent messages of a session in seq order. A limit
// of zero returns the full history.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, seq, role, author, body, tool_calls, draft, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []interface{}{sessionID}

	if limit > 0 {
		// Window from the tail, delivered in ascending order.
		query = `
			SELECT id, session_id, seq, role, author, body, tool_calls, draft, created_at
			FROM (
				SELECT id, session_id, seq, role, author, body, tool_calls, draft, created_at
				FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var role string
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &msg.Author,
			&msg.Body, &toolCalls, &msg.Draft, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return messages, nil
}

// SetMode updates the session's conversation mode.
func (s *Store) SetMode(ctx context.Context, sessionID string, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid session mode: %s", mode)
	}
	return s.exec(ctx, sessionID, `UPDATE sessions SET mode = ? WHERE id = ?`, string(mode), sessionID)
}

// SetActiveFanOut records the running fan-out execution on the session.
func (s *Store) SetActiveFanOut(ctx context.Context, sessionID, fanOutID string) error {
	return s.exec(ctx, sessionID, `UPDATE sessions SET active_fanout_id = ? WHERE id = ?`, fanOutID, sessionID)
}

// ClearActiveFanOut removes the fan-out pointer once the execution is terminal.
func (s *Store) ClearActiveFanOut(ctx context.Context, sessionID string) error {
	return s.exec(ctx, sessionID, `UPDATE sessions SET active_fanout_id = '' WHERE id = ?`, sessionID)
}

// Archive moves a session out of the active set. Its messages stay readable.
func (s *Store) Archive(ctx context.Context, sessionID string) error {
	err := s.exec(ctx, sessionID, `UPDATE sessions SET status = 'archived' WHERE id = ?`, sessionID)
	if err == nil {
		s.updateActiveSessionsMetric(ctx)
	}
	return err
}

// ArchiveIdle archives every active session with no activity since the cutoff.
func (s *Store) ArchiveIdle(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'archived' WHERE status = 'active' AND last_activity_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to archive idle sessions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if affected > 0 {
		s.logger.Info().Int64("archived", affected).Msg("Idle sessions archived")
		s.updateActiveSessionsMetric(ctx)
	}
	return int(affected), nil
}

// CountActive returns the number of active sessions.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = 'active'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

func (s *Store) exec(ctx context.Context, sessionID, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func (s *Store) updateActiveSessionsMetric(ctx context.Context) {
	count, err := s.CountActive(ctx)
	if err != nil {
		return
	}
	observability.SetActiveSessions(count)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
