package quota

import (
	"context"
	"fmt"
	"time"
)

// StatsFilter narrows an aggregate query. Zero values mean "no filter".
type StatsFilter struct {
	TenantID string
	AgentID  string
	Since    time.Time
	Until    time.Time
}

// Stats is the aggregate over matching ledger rows.
type Stats struct {
	Messages     int `json:"messages"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stats aggregates persisted usage with optional filters.
func (m *Meter) Stats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0)
		FROM usage_records
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	var stats Stats
	err := m.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Messages, &stats.InputTokens, &stats.OutputTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return &stats, nil
}

// Rollup compacts raw ledger rows older than the cutoff into per-day
// aggregates and deletes the raw rows. Returns the number of rows compacted.
func (m *Meter) Rollup(ctx context.Context, before time.Time) (int, error) {
	cutoffDay := dayOf(before)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rollup transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_daily (tenant_id, agent_id, day, messages, input_tokens, output_tokens)
		SELECT tenant_id, agent_id, day, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		FROM usage_records
		WHERE day < ?
		GROUP BY tenant_id, agent_id, day
		ON CONFLICT (tenant_id, agent_id, day) DO UPDATE SET
			messages = messages + excluded.messages,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens
	`, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate usage rows: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM usage_records WHERE day < ?`, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("failed to delete compacted usage rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rollup: %w", err)
	}

	compacted, _ := result.RowsAffected()
	if compacted > 0 {
		m.logger.Info().
			Int64("rows", compacted).
			Str("before", cutoffDay).
			Msg("Compacted usage ledger")
	}
	return int(compacted), nil
}
