// Package pipeline runs the periodic housekeeping jobs of auctiond.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulk/clock"
	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// ArchiveLockKey serializes archive runs across replicas.
const ArchiveLockKey = "archive:auction_events"

const archiveLockTTL = 30 * time.Minute

// Archiver moves the history of long-settled auctions to cold storage.
type Archiver struct {
	blob          domain.Archiver
	locks         domain.LockManager
	retentionDays int
	clock         clock.Clock
	logger        *slog.Logger
}

// NewArchiver creates an Archiver. locks may be nil for single-instance
// deployments.
func NewArchiver(blob domain.Archiver, locks domain.LockManager, retentionDays int, clk clock.Clock, logger *slog.Logger) *Archiver {
	if clk == nil {
		clk = clock.New()
	}
	return &Archiver{
		blob:          blob,
		locks:         locks,
		retentionDays: retentionDays,
		clock:         clk,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Cutoff is the settlement time before which history is archived.
func (a *Archiver) Cutoff() time.Time {
	return a.clock.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
}

// Run executes one archive run. A run already in progress elsewhere is
// skipped without error.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, ArchiveLockKey, archiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive run skipped, lock held elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.Cutoff()
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blob.ArchiveAuctionEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive auction events before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("events_archived", n))
	return nil
}

// RunCron runs the archiver on a standard 5-field cron schedule until ctx is
// cancelled. A failing run is logged and the schedule continues.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("pipeline: parse cron %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", expr))

	for {
		now := a.clock.Now()
		next := sched.Next(now)
		a.logger.DebugContext(ctx, "archiver waiting for next trigger",
			slog.Time("next_run", next),
		)

		timer := a.clock.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
