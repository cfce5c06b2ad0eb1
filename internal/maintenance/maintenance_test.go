package maintenance

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/config"
)

type stubArchiver struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (a *stubArchiver) ArchiveIdle(_ context.Context, cutoff time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.cutoffs = append(a.cutoffs, cutoff)
	return 3, nil
}

type stubGC struct {
	mu    sync.Mutex
	calls int
}

func (g *stubGC) GCSnapshots(time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return 1, nil
}

type stubCompactor struct {
	mu      sync.Mutex
	befores []time.Time
}

func (c *stubCompactor) Rollup(_ context.Context, before time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.befores = append(c.befores, before)
	return 10, nil
}

func testConfig() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		SessionIdleHours: 72,
		ArchiveCron:      "*/30 * * * *",
		FanOutGCCron:     "15 * * * *",
		UsageRollupCron:  "5 0 * * *",
	}
}

func TestNewService(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

	t.Run("should schedule sweeps for the provided collaborators", func(t *testing.T) {
		svc, err := NewService(Config{
			Maintenance: testConfig(),
			Sessions:    &stubArchiver{},
			Snapshots:   &stubGC{},
			Usage:       &stubCompactor{},
			Logger:      logger,
		})
		require.NoError(t, err)
		svc.Start()
		svc.Stop()
	})

	t.Run("should reject an invalid cron expression", func(t *testing.T) {
		cfg := testConfig()
		cfg.ArchiveCron = "not a cron"
		_, err := NewService(Config{
			Maintenance: cfg,
			Sessions:    &stubArchiver{},
			Logger:      logger,
		})
		require.Error(t, err)
	})

	t.Run("should reject a non-positive idle window", func(t *testing.T) {
		cfg := testConfig()
		cfg.SessionIdleHours = 0
		_, err := NewService(Config{Maintenance: cfg, Logger: logger})
		require.Error(t, err)
	})
}

func TestSweeps(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

	t.Run("should archive with the configured idle cutoff", func(t *testing.T) {
		archiver := &stubArchiver{}
		svc, err := NewService(Config{
			Maintenance: testConfig(),
			Sessions:    archiver,
			Logger:      logger,
		})
		require.NoError(t, err)

		svc.archiveIdleSessions()

		require.Len(t, archiver.cutoffs, 1)
		expected := time.Now().Add(-72 * time.Hour)
		assert.WithinDuration(t, expected, archiver.cutoffs[0], time.Minute)
	})

	t.Run("should survive a failing sweep", func(t *testing.T) {
		archiver := &stubArchiver{err: errors.New("db locked")}
		svc, err := NewService(Config{
			Maintenance: testConfig(),
			Sessions:    archiver,
			Logger:      logger,
		})
		require.NoError(t, err)

		svc.archiveIdleSessions() // must not panic
	})

	t.Run("should compact usage older than a week", func(t *testing.T) {
		compactor := &stubCompactor{}
		svc, err := NewService(Config{
			Maintenance: testConfig(),
			Usage:       compactor,
			Logger:      logger,
		})
		require.NoError(t, err)

		svc.rollupUsage()

		require.Len(t, compactor.befores, 1)
		expected := time.Now().AddDate(0, 0, -7)
		assert.WithinDuration(t, expected, compactor.befores[0], time.Minute)
	})

	t.Run("should sweep snapshots", func(t *testing.T) {
		gc := &stubGC{}
		svc, err := NewService(Config{
			Maintenance: testConfig(),
			Snapshots:   gc,
			Logger:      logger,
		})
		require.NoError(t, err)

		svc.gcSnapshots()
		assert.Equal(t, 1, gc.calls)
	})
}
