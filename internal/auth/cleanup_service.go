package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CleanupService periodically removes expired keys, prunes the negative cache
// and refreshes the active-key gauge. It runs under a suture supervisor.
type CleanupService struct {
	keys     *KeyService
	interval time.Duration
	limit    int
	logger   zerolog.Logger
}

func NewCleanupService(keys *KeyService, interval time.Duration, limit int, logger zerolog.Logger) *CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupService{keys: keys, interval: interval, limit: limit, logger: logger}
}

func (s *CleanupService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.keys.CleanupExpired(ctx, s.limit); err != nil {
				s.logger.Warn().Err(err).Msg("expired key cleanup failed")
			}
		}
	}
}

func (s *CleanupService) String() string {
	return "api-key-cleanup"
}
