package session

import (
	"context"
	"time"
)

// Run sweeps the store periodically until ctx is cancelled. Meant to
// be launched as a goroutine at startup.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 4
	if interval > 15*time.Minute {
		interval = 15 * time.Minute
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
