package broadcast

import (
	"context"
	"log/slog"
	"time"
)

// Sweep defaults.
const (
	// DefaultSweepSpec runs the recovery sweep every minute.
	DefaultSweepSpec = "@every 1m"
	// DefaultSweepGrace is how far past its fire time a SCHEDULED broadcast
	// must be before the sweep picks it up. Within the grace window the
	// expiry notification is still expected to arrive.
	DefaultSweepGrace = 2 * time.Minute
)

// Sweep re-fires SCHEDULED broadcasts whose fire time passed more than the
// grace period ago. Keyspace expiry notifications are delivered best-effort;
// a missed one must not strand a broadcast.
func (s *Scheduler) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-DefaultSweepGrace)
	overdue, err := s.rel.ListOverdueScheduled(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, b := range overdue {
		slog.Warn("re-firing overdue broadcast", "broadcast_id", b.ID, "scheduled_time", b.ScheduledTime)
		if err := s.OnFire(ctx, b.ID); err != nil {
			slog.Error("overdue broadcast fire failed", "error", err, "broadcast_id", b.ID)
		}
	}
	return nil
}
