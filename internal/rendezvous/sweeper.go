package rendezvous

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically evicts dead entries from the Hub's waiting queue.
type Sweeper struct {
	hub      *Hub
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(hub *Hub, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{hub: hub, interval: interval, log: log}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.hub.SweepQueue(); removed > 0 {
				s.log.Info("swept dead queue entries", "removed", removed)
			}
		}
	}
}
