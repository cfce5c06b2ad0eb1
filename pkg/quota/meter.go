// Package quota enforces per-tenant daily spend limits and keeps a usage ledger.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/observability"
)

// ErrQuotaExceeded is returned when a tenant's daily limit is exhausted.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Limits holds the effective limits for one tenant.
// Zero means "use the platform default"; -1 means unlimited.
type Limits struct {
	DailyMessages int
	DailyTokens   int
}

// Usage is the token consumption of one dispatch.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Config holds meter configuration.
type Config struct {
	DBPath string

	// Platform defaults, applied when a tenant has no override.
	DefaultDailyMessages int
	DefaultDailyTokens   int

	Logger zerolog.Logger
}

type dayCounter struct {
	messages int
	tokens   int
}

// Meter is the atomic check-and-increment quota gate plus the usage ledger.
// Counters reset at UTC midnight and are rebuilt from the ledger on startup.
type Meter struct {
	db       *sql.DB
	defaults Limits
	logger   zerolog.Logger

	mu       sync.Mutex
	counters map[string]*dayCounter // tenantID|day
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	channel       TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	day           TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_tenant_day ON usage_records(tenant_id, day);

CREATE TABLE IF NOT EXISTS usage_daily (
	tenant_id     TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	day           TEXT NOT NULL,
	messages      INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, agent_id, day)
);
`

// NewMeter creates a quota meter backed by a SQLite ledger.
func NewMeter(cfg Config) (*Meter, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open usage ledger: %w", err)
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize usage ledger schema: %w", err)
	}

	m := &Meter{
		db: db,
		defaults: Limits{
			DailyMessages: cfg.DefaultDailyMessages,
			DailyTokens:   cfg.DefaultDailyTokens,
		},
		logger:   cfg.Logger.With().Str("component", "quota").Logger(),
		counters: make(map[string]*dayCounter),
	}

	if err := m.loadToday(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

// loadToday rebuilds in-memory counters from the ledger so a restart does not
// reset the daily gate.
func (m *Meter) loadToday(ctx context.Context) error {
	day := dayOf(time.Now())

	rows, err := m.db.QueryContext(ctx, `
		SELECT tenant_id, COUNT(*), COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM usage_records WHERE day = ? GROUP BY tenant_id
	`, day)
	if err != nil {
		return fmt.Errorf("failed to load usage counters: %w", err)
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	for rows.Next() {
		var tenantID string
		var counter dayCounter
		if err := rows.Scan(&tenantID, &counter.messages, &counter.tokens); err != nil {
			return fmt.Errorf("failed to scan usage counter: %w", err)
		}
		m.counters[tenantID+"|"+day] = &counter
	}
	return rows.Err()
}

// effectiveLimits resolves a tenant override against the platform defaults.
func (m *Meter) effectiveLimits(override Limits) Limits {
	out := m.defaults
	if override.DailyMessages != 0 {
		out.DailyMessages = override.DailyMessages
	}
	if override.DailyTokens != 0 {
		out.DailyTokens = override.DailyTokens
	}
	return out
}

// Reserve performs the atomic check-and-increment of the tenant's daily
// message count. Concurrent dispatches cannot overspend: the check and the
// increment happen under one lock.
func (m *Meter) Reserve(ctx context.Context, tenantID, agentID, channel string, override Limits) (*Reservation, error) {
	limits := m.effectiveLimits(override)
	day := dayOf(time.Now())
	key := tenantID + "|" + day

	m.mu.Lock()
	counter, ok := m.counters[key]
	if !ok {
		counter = &dayCounter{}
		m.counters[key] = counter
	}

	if limits.DailyMessages > 0 && counter.messages >= limits.DailyMessages {
		m.mu.Unlock()
		observability.RecordQuotaRejection(tenantID)
		observability.RecordQuotaAudit(ctx, tenantID, "reserve:"+channel, "failure", map[string]interface{}{
			"limit": limits.DailyMessages,
			"kind":  "messages",
		})
		m.logger.Warn().
			Str("tenantId", tenantID).
			Int("limit", limits.DailyMessages).
			Msg("Daily message quota exhausted")
		return nil, fmt.Errorf("%w: daily message limit %d reached", ErrQuotaExceeded, limits.DailyMessages)
	}
	if limits.DailyTokens > 0 && counter.tokens >= limits.DailyTokens {
		m.mu.Unlock()
		observability.RecordQuotaRejection(tenantID)
		observability.RecordQuotaAudit(ctx, tenantID, "reserve:"+channel, "failure", map[string]interface{}{
			"limit": limits.DailyTokens,
			"kind":  "tokens",
		})
		m.logger.Warn().
			Str("tenantId", tenantID).
			Int("limit", limits.DailyTokens).
			Msg("Daily token quota exhausted")
		return nil, fmt.Errorf("%w: daily token limit %d reached", ErrQuotaExceeded, limits.DailyTokens)
	}

	counter.messages++
	m.mu.Unlock()

	return &Reservation{
		meter:    m,
		tenantID: tenantID,
		agentID:  agentID,
		channel:  channel,
		day:      day,
	}, nil
}

// Reservation is one admitted dispatch waiting to report its usage.
type Reservation struct {
	meter    *Meter
	tenantID string
	agentID  string
	channel  string
	day      string

	once sync.Once
}

// Record attributes token usage after the reasoning call and persists a
// ledger row. Safe to call once; later calls are no-ops.
func (r *Reservation) Record(ctx context.Context, usage Usage) error {
	var err error
	r.once.Do(func() {
		err = r.meter.record(ctx, r, usage)
	})
	return err
}

func (m *Meter) record(ctx context.Context, r *Reservation, usage Usage) error {
	m.mu.Lock()
	if counter, ok := m.counters[r.tenantID+"|"+r.day]; ok {
		counter.tokens += usage.InputTokens + usage.OutputTokens
	}
	m.mu.Unlock()

	observability.RecordTokens(r.tenantID, usage.InputTokens, usage.OutputTokens)

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("failed to generate usage record id: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, tenant_id, agent_id, channel, input_tokens, output_tokens, day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, r.tenantID, r.agentID, r.channel,
		usage.InputTokens, usage.OutputTokens, r.day,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to persist usage record: %w", err)
	}

	m.logger.Debug().
		Str("tenantId", r.tenantID).
		Str("agentId", r.agentID).
		Int("inputTokens", usage.InputTokens).
		Int("outputTokens", usage.OutputTokens).
		Msg("Recorded usage")
	return nil
}

// Remaining returns how many messages the tenant may still send today.
// A negative result means unlimited.
func (m *Meter) Remaining(tenantID string, override Limits) int {
	limits := m.effectiveLimits(override)
	if limits.DailyMessages <= 0 {
		return -1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	counter, ok := m.counters[tenantID+"|"+dayOf(time.Now())]
	if !ok {
		return limits.DailyMessages
	}
	remaining := limits.DailyMessages - counter.messages
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Close closes the ledger database.
func (m *Meter) Close() error {
	return m.db.Close()
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
