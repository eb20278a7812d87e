/*
scheduler.go - Automated balance audit scheduler

PURPOSE:
  Periodically replays every balance row from its request history and
  repairs rows that drifted (see ledger.Auditor). Drift should never happen;
  the sweep is how we find out if it did.

DESIGN:
  - Runs in the caller's goroutine until the context is cancelled, so it
    fits under an errgroup next to the HTTP server
  - Sweeps once on start, then every Interval
  - A failed sweep is logged and the schedule continues

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether the scheduler runs at all (AUDIT_ENABLED)

USAGE:
  s := NewAuditScheduler(auditor, time.Hour, logger)
  g.Go(func() error { return s.Run(ctx) })

SEE ALSO:
  - ledger/replay.go: Auditor.Sweep
  - POST /api/balances/rebuild: one row on demand
*/
package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/ledger"
)

// Sweeper is the part of ledger.Auditor the scheduler uses.
type Sweeper interface {
	Sweep(ctx context.Context) (ledger.Report, error)
}

// AuditScheduler runs balance sweeps on an interval.
type AuditScheduler struct {
	sweeper  Sweeper
	Interval time.Duration
	Enabled  bool
	log      *zap.Logger

	runs int
}

// NewAuditScheduler creates an enabled scheduler.
func NewAuditScheduler(s Sweeper, interval time.Duration, log *zap.Logger) *AuditScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.L()
	}
	return &AuditScheduler{sweeper: s, Interval: interval, Enabled: true, log: log.Named("audit")}
}

// Run sweeps until ctx is done. It returns nil on shutdown.
func (s *AuditScheduler) Run(ctx context.Context) error {
	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return nil
	}

	s.log.Info("started", zap.Duration("interval", s.Interval))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			s.log.Info("stopped", zap.Int("runs", s.runs))
			return nil
		}
	}
}

// RunNow performs one sweep and returns its report.
func (s *AuditScheduler) RunNow(ctx context.Context) ledger.Report {
	s.runs++
	start := time.Now()
	rep, err := s.sweeper.Sweep(ctx)
	fields := []zap.Field{
		zap.Int("checked", rep.Checked),
		zap.Int("repaired", len(rep.Repaired)),
		zap.Int("failed", rep.Failed),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case err != nil && ctx.Err() == nil:
		s.log.Error("sweep failed", append(fields, zap.Error(err))...)
	case len(rep.Repaired) > 0:
		for _, d := range rep.Repaired {
			s.log.Warn("balance drift repaired",
				zap.String("balance", d.Key.String()),
				zap.Int64("stored_pending", int64(d.Stored.Pending)),
				zap.Int64("replay_pending", int64(d.Replay.Pending)),
				zap.Int64("stored_consumed", int64(d.Stored.Consumed)),
				zap.Int64("replay_consumed", int64(d.Replay.Consumed)))
		}
		s.log.Info("sweep completed", fields...)
	default:
		s.log.Debug("sweep completed", fields...)
	}
	return rep
}
