package recon

import (
	"context"
	"log/slog"
	"time"

	"payday/config"
)

// Nightly triggers one reconciliation run per day at the wall-clock time
// taken from the recon configuration. The hour and minute are validated by
// config.Load, so they arrive here already in range.
type Nightly struct {
	reconciler *Reconciler
	window     time.Duration
	hour       int
	minute     int
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// NewNightly wires a reconciler to its configured daily slot. The reconciled
// window defaults to the past 24 hours and times are evaluated in UTC.
func NewNightly(reconciler *Reconciler, cfg config.ReconConfig, logger *slog.Logger) *Nightly {
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Nightly{
		reconciler: reconciler,
		window:     window,
		hour:       cfg.RunHour,
		minute:     cfg.RunMinute,
		loc:        time.UTC,
		logger:     logger,
		now:        time.Now,
	}
}

// Start blocks until the context is cancelled, running the reconciler each
// time the daily slot comes around.
func (n *Nightly) Start(ctx context.Context) {
	if n == nil || n.reconciler == nil {
		return
	}
	for {
		now := n.now().In(n.loc)
		next := nextDailySlot(now, n.hour, n.minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := n.reconciler.Run(ctx, RunOptions{Start: next.Add(-n.window), End: next}); err != nil {
				n.logger.Error("scheduled reconciliation failed", slog.String("error", err.Error()))
			}
		}
	}
}

// nextDailySlot returns the first hh:mm instant strictly after t, in t's
// location.
func nextDailySlot(t time.Time, hour, minute int) time.Time {
	slot := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
	if !slot.After(t) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot
}
