package workers

import (
	"context"
	"log/slog"
	"time"
)

type Sweepable interface {
	Sweep() int
}

// ReservationSweeper periodically reclaims abandoned reservations so the
// table stays bounded when claimants vanish without resolving. Correctness
// never depends on this worker: expiry is also evaluated lazily on every
// reservation access.
type ReservationSweeper struct {
	log      *slog.Logger
	target   Sweepable
	interval time.Duration
}

func NewReservationSweeper(log *slog.Logger, target Sweepable, interval time.Duration) *ReservationSweeper {
	return &ReservationSweeper{log: log, target: target, interval: interval}
}

func (w *ReservationSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping reservation sweep")
			return nil
		case <-ticker.C:
			if reclaimed := w.target.Sweep(); reclaimed > 0 {
				w.log.Debug("Expired reservations reclaimed", "count", reclaimed)
			}
		}
	}
}
