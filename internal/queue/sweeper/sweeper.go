// Package sweeper is the unack reclaimer: a ticker-driven daemon that
// periodically returns expired leases to the visible state. It is started
// eagerly by Engine.Start and must be stopped by Engine.Close so tests and
// embedding processes can deterministically quiesce it -- the source this
// engine is modeled on starts an equivalent task at construction with no
// shutdown hook at all.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relqueue/relqueue/internal/metrics"
)

// Reclaimer is the one operation the sweeper needs from the engine: sweep
// every queue for expired leases and report how many were recycled.
type Reclaimer interface {
	ProcessAllUnacks(ctx context.Context) (int64, error)
}

type Sweeper struct {
	reclaimer Reclaimer
	interval  time.Duration
	stopCh    chan struct{}
}

func New(reclaimer Reclaimer, interval time.Duration) *Sweeper {
	return &Sweeper{
		reclaimer: reclaimer,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. It
// blocks, so callers run it in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("unack sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("unack sweeper stopped (context cancelled)")
			return
		case <-s.stopCh:
			log.Info().Msg("unack sweeper stopped (stop signal)")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	count, err := s.reclaimer.ProcessAllUnacks(ctx)
	metrics.UnackSweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// A failed sweep must not crash the periodic task; log and try
		// again on the next tick.
		metrics.UnackSweepErrors.Inc()
		log.Error().Err(err).Msg("unack sweep failed")
		return
	}
	if count > 0 {
		metrics.MessagesReclaimed.Add(float64(count))
		log.Debug().Int64("count", count).Msg("unack sweep reclaimed expired leases")
	}
}

// Stop signals the loop started by Start to exit. Safe to call once.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}
