package codes

import (
	"context"
	"log"
	"time"
)

const DefaultCleanInterval = time.Hour

// StartCleaner launches a background sweep deleting expired session codes.
func (s *Service) StartCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpired(ctx); err != nil {
				log.Printf("cleanup session codes error: %v", err)
			}
		}
	}
}

func (s *Service) cleanupExpired(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_codes WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("removed %d expired session codes", n)
	}
	return nil
}
