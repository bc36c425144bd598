package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/models"
)

// Retry defaults per the error handling design: sends retry up to five
// times, expensive or non-idempotent handlers once.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 2 * time.Second
	// DefaultVisibilityTimeout bounds one handler invocation.
	DefaultVisibilityTimeout = 300 * time.Second
)

// Handler processes one task envelope. Returning nil acks the task; a
// models.PermanentError dead-letters it without retry; any other error
// triggers retry with backoff until MaxRetries is exhausted.
type Handler func(ctx context.Context, env models.TaskEnvelope) error

// TaskDef declares a task's queue, retry policy, and handler.
type TaskDef struct {
	Queue      string
	MaxRetries int
	RetryDelay time.Duration
	Handler    Handler
}

// Registry maps task names to definitions. It is populated at startup and
// read-only afterwards.
type Registry struct {
	defs map[string]TaskDef
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]TaskDef)}
}

// Register adds a task definition, filling retry defaults.
func (r *Registry) Register(name string, def TaskDef) error {
	if def.Handler == nil {
		return fmt.Errorf("task %s registered without handler", name)
	}
	if _, err := FindBinding(def.Queue); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	if def.MaxRetries < 0 {
		def.MaxRetries = 0
	}
	if def.RetryDelay <= 0 {
		def.RetryDelay = DefaultRetryDelay
	}
	r.defs[name] = def
	slog.Debug("task registered", "task", name, "queue", def.Queue, "max_retries", def.MaxRetries)
	return nil
}

// Lookup returns the definition for a task name.
func (r *Registry) Lookup(name string) (TaskDef, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Queues returns the distinct queue names with at least one registered task.
func (r *Registry) Queues() []string {
	seen := make(map[string]bool)
	var queues []string
	for _, def := range r.defs {
		if !seen[def.Queue] {
			seen[def.Queue] = true
			queues = append(queues, def.Queue)
		}
	}
	return queues
}
