package quota

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMeter(t *testing.T, defaults Limits) (*Meter, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "quota-test-*")
	require.NoError(t, err)

	meter, err := NewMeter(Config{
		DBPath:               filepath.Join(tmpDir, "usage.db"),
		DefaultDailyMessages: defaults.DailyMessages,
		DefaultDailyTokens:   defaults.DailyTokens,
		Logger:               zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)

	return meter, func() {
		meter.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestMeterReserve(t *testing.T) {
	t.Run("should admit dispatches under the limit", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{DailyMessages: 3})
		defer cleanup()

		for i := 0; i < 3; i++ {
			res, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
			require.NoError(t, err)
			assert.NotNil(t, res)
		}
	})

	t.Run("should reject dispatches over the limit", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{DailyMessages: 2})
		defer cleanup()

		_, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)
		_, err = meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)

		_, err = meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})

	t.Run("should count tenants independently", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{DailyMessages: 1})
		defer cleanup()

		_, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)

		_, err = meter.Reserve(context.Background(), "t2", "a1", "telegram", Limits{})
		assert.NoError(t, err)
	})

	t.Run("should honor tenant overrides", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{DailyMessages: 1})
		defer cleanup()

		override := Limits{DailyMessages: 2}
		_, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", override)
		require.NoError(t, err)
		_, err = meter.Reserve(context.Background(), "t1", "a1", "telegram", override)
		require.NoError(t, err)
		_, err = meter.Reserve(context.Background(), "t1", "a1", "telegram", override)
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})

	t.Run("should treat negative override as unlimited", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{DailyMessages: 1})
		defer cleanup()

		for i := 0; i < 10; i++ {
			_, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{DailyMessages: -1})
			require.NoError(t, err)
		}
	})

	t.Run("should never overspend under concurrent dispatches", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{DailyMessages: 50})
		defer cleanup()

		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0

		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := meter.Reserve(context.Background(), "t1", "a1", "webchat", Limits{}); err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, admitted)
	})

	t.Run("should enforce token limits from recorded usage", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{DailyTokens: 100})
		defer cleanup()

		res, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)
		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 80, OutputTokens: 40}))

		_, err = meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})
}

func TestReservationRecord(t *testing.T) {
	t.Run("should record usage only once", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{})
		defer cleanup()

		res, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)

		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 10, OutputTokens: 5}))
		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 99, OutputTokens: 99}))

		stats, err := meter.Stats(context.Background(), StatsFilter{TenantID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Messages)
		assert.Equal(t, 10, stats.InputTokens)
		assert.Equal(t, 5, stats.OutputTokens)
	})
}

func TestMeterRestart(t *testing.T) {
	t.Run("should rebuild counters from the ledger", func(t *testing.T) {
		tmpDir, err := os.MkdirTemp("", "quota-test-*")
		require.NoError(t, err)
		defer os.RemoveAll(tmpDir)

		dbPath := filepath.Join(tmpDir, "usage.db")
		logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

		meter, err := NewMeter(Config{DBPath: dbPath, DefaultDailyMessages: 2, Logger: logger})
		require.NoError(t, err)

		res, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)
		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 1, OutputTokens: 1}))
		res, err = meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)
		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 1, OutputTokens: 1}))
		require.NoError(t, meter.Close())

		reopened, err := NewMeter(Config{DBPath: dbPath, DefaultDailyMessages: 2, Logger: logger})
		require.NoError(t, err)
		defer reopened.Close()

		_, err = reopened.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})
}

func TestMeterStats(t *testing.T) {
	t.Run("should filter by agent", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{})
		defer cleanup()

		res, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)
		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 7, OutputTokens: 3}))

		res, err = meter.Reserve(context.Background(), "t1", "a2", "telegram", Limits{})
		require.NoError(t, err)
		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 20, OutputTokens: 10}))

		stats, err := meter.Stats(context.Background(), StatsFilter{TenantID: "t1", AgentID: "a2"})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Messages)
		assert.Equal(t, 20, stats.InputTokens)
	})
}

func TestMeterRollup(t *testing.T) {
	t.Run("should compact rows older than the cutoff", func(t *testing.T) {
		meter, cleanup := setupMeter(t, Limits{})
		defer cleanup()

		// Backdate a row so the rollup has something to compact.
		_, err := meter.db.Exec(`
			INSERT INTO usage_records (id, tenant_id, agent_id, channel, input_tokens, output_tokens, day, created_at)
			VALUES ('old1', 't1', 'a1', 'telegram', 100, 50, '2020-01-01', '2020-01-01T00:00:00Z')
		`)
		require.NoError(t, err)

		res, err := meter.Reserve(context.Background(), "t1", "a1", "telegram", Limits{})
		require.NoError(t, err)
		require.NoError(t, res.Record(context.Background(), Usage{InputTokens: 1, OutputTokens: 1}))

		compacted, err := meter.Rollup(context.Background(), time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, compacted)

		var days int
		require.NoError(t, meter.db.QueryRow(`SELECT COUNT(*) FROM usage_daily`).Scan(&days))
		assert.Equal(t, 1, days)

		stats, err := meter.Stats(context.Background(), StatsFilter{TenantID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Messages)
	})
}
