package broadcast

import (
	"context"
	"log/slog"
	"strings"
)

const (
	triggerPrefix = "broadcast:"
	triggerSuffix = ":schedule"
)

// ParseTriggerKey extracts the broadcast id from an expired key of the shape
// broadcast:{id}:schedule. ok is false for any other key.
func ParseTriggerKey(key string) (string, bool) {
	if !strings.HasPrefix(key, triggerPrefix) || !strings.HasSuffix(key, triggerSuffix) {
		return "", false
	}
	id := key[len(triggerPrefix) : len(key)-len(triggerSuffix)]
	if id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}

// Listen consumes key-expiry notifications and fires broadcasts whose
// trigger key expired. Non-trigger keys are ignored. Returns when the
// channel closes or ctx is cancelled.
func (s *Scheduler) Listen(ctx context.Context, events <-chan string) {
	slog.Debug("broadcast expiry listener started")
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-events:
			if !ok {
				return
			}
			id, ok := ParseTriggerKey(key)
			if !ok {
				continue
			}
			slog.Debug("broadcast trigger expired", "broadcast_id", id)
			if err := s.OnFire(ctx, id); err != nil {
				slog.Error("broadcast fire failed", "error", err, "broadcast_id", id)
			}
		}
	}
}
