package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/config"
)

// SessionArchiver archives sessions idle past the cutoff.
type SessionArchiver interface {
	ArchiveIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// SnapshotGC removes terminal fan-out snapshots older than the cutoff.
type SnapshotGC interface {
	GCSnapshots(before time.Time) (int, error)
}

// UsageCompactor rolls raw usage records into daily aggregates.
type UsageCompactor interface {
	Rollup(ctx context.Context, before time.Time) (int, error)
}

// Config holds the sweep schedules and collaborators.
type Config struct {
	Maintenance config.MaintenanceConfig
	Sessions    SessionArchiver
	Snapshots   SnapshotGC
	Usage       UsageCompactor
	Logger      zerolog.Logger
}

// Service runs the background sweeps on cron schedules: idle-session
// archival, fan-out snapshot garbage collection, and usage rollup.
type Service struct {
	cfg       config.MaintenanceConfig
	sessions  SessionArchiver
	snapshots SnapshotGC
	usage     UsageCompactor
	logger    zerolog.Logger
	cron      *cron.Cron
}

// NewService creates the maintenance service. Collaborators left nil have
// their sweep skipped.
func NewService(cfg Config) (*Service, error) {
	if cfg.Maintenance.SessionIdleHours <= 0 {
		return nil, fmt.Errorf("session idle hours must be positive")
	}

	s := &Service{
		cfg:       cfg.Maintenance,
		sessions:  cfg.Sessions,
		snapshots: cfg.Snapshots,
		usage:     cfg.Usage,
		logger:    cfg.Logger.With().Str("component", "maintenance").Logger(),
		cron:      cron.New(),
	}

	if s.sessions != nil {
		if _, err := s.cron.AddFunc(cfg.Maintenance.ArchiveCron, s.archiveIdleSessions); err != nil {
			return nil, fmt.Errorf("invalid archive cron %q: %w", cfg.Maintenance.ArchiveCron, err)
		}
	}
	if s.snapshots != nil {
		if _, err := s.cron.AddFunc(cfg.Maintenance.FanOutGCCron, s.gcSnapshots); err != nil {
			return nil, fmt.Errorf("invalid fanout gc cron %q: %w", cfg.Maintenance.FanOutGCCron, err)
		}
	}
	if s.usage != nil {
		if _, err := s.cron.AddFunc(cfg.Maintenance.UsageRollupCron, s.rollupUsage); err != nil {
			return nil, fmt.Errorf("invalid usage rollup cron %q: %w", cfg.Maintenance.UsageRollupCron, err)
		}
	}

	return s, nil
}

// Start begins running the scheduled sweeps.
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info().
		Str("archive", s.cfg.ArchiveCron).
		Str("fanout_gc", s.cfg.FanOutGCCron).
		Str("usage_rollup", s.cfg.UsageRollupCron).
		Msg("Maintenance sweeps scheduled")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance sweeps stopped")
}

func (s *Service) archiveIdleSessions() {
	cutoff := time.Now().Add(-time.Duration(s.cfg.SessionIdleHours) * time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	archived, err := s.sessions.ArchiveIdle(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Idle session sweep failed")
		return
	}
	if archived > 0 {
		s.logger.Info().Int("archived", archived).Msg("Archived idle sessions")
	}
}

func (s *Service) gcSnapshots() {
	// Terminal snapshots only matter for short-term inspection.
	removed, err := s.snapshots.GCSnapshots(time.Now().Add(-24 * time.Hour))
	if err != nil {
		s.logger.Error().Err(err).Msg("Snapshot sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Removed old fan-out snapshots")
	}
}

func (s *Service) rollupUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Keep a week of raw records for per-record inspection.
	compacted, err := s.usage.Rollup(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		s.logger.Error().Err(err).Msg("Usage rollup failed")
		return
	}
	if compacted > 0 {
		s.logger.Info().Int("compacted", compacted).Msg("Compacted usage records")
	}
}
