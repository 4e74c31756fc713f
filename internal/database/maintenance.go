package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// MaintenanceService periodically purges completed queue entries past the
// retention window. Failed and conflicted entries are left for the review
// screen regardless of age.
type MaintenanceService struct {
	db       *DB
	interval time.Duration
	maxAge   time.Duration
	logger   *zerolog.Logger
}

func NewMaintenanceService(db *DB, interval, maxAge time.Duration, logger *zerolog.Logger) *MaintenanceService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &MaintenanceService{db: db, interval: interval, maxAge: maxAge, logger: logger}
}

// Start runs the purge loop until ctx is done. The first purge runs
// immediately so restarts do not postpone cleanup by a full interval.
func (s *MaintenanceService) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Dur("max_age", s.maxAge).Msg("queue maintenance started")
	defer s.logger.Info().Msg("queue maintenance stopped")

	s.purge(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *MaintenanceService) purge(ctx context.Context) {
	purged, err := s.db.PurgeExpired(ctx, s.maxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("queue purge failed")
		return
	}
	if purged > 0 {
		s.logger.Info().Int64("purged", purged).Msg("purged completed queue entries")
	}
}
