package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/kv"
	"github.com/chatwire/chatwire/internal/models"
)

// Broker is the slice of the broker client the worker needs.
type Broker interface {
	broker.Publisher
	DeclareQueue(exchange, queue, routingKey string) error
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
}

// Countdown computes the delay before a retry attempt:
// delay * 2^retries plus a uniform jitter of up to the same amount again.
func Countdown(delay time.Duration, retries int) time.Duration {
	if retries > 30 {
		retries = 30
	}
	base := delay << uint(retries)
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int64N(int64(base)))
}

// Worker consumes one queue with prefetch 1 and a single in-flight handler,
// which keeps per-conversation ordering tractable without a lock.
type Worker struct {
	broker   Broker
	registry *Registry
	queue    string
	timeout  time.Duration
}

// NewWorker creates a worker for one queue.
func NewWorker(b Broker, reg *Registry, queueName string) *Worker {
	return &Worker{broker: b, registry: reg, queue: queueName, timeout: DefaultVisibilityTimeout}
}

// DeclareAll declares every exchange, queue, binding, and dead-letter queue
// in the routing table. Called once at startup before workers run.
func DeclareAll(b Broker) error {
	for _, binding := range Bindings {
		if err := b.DeclareQueue(binding.Exchange, binding.Queue, binding.Key); err != nil {
			return err
		}
		if err := b.DeclareQueue(binding.Exchange, DLQ(binding.Queue), DLQ(binding.Key)); err != nil {
			return err
		}
	}
	slog.Info("queue topology declared", "queues", len(Bindings))
	return nil
}

// Run consumes deliveries until ctx is cancelled. Acks are late: a delivery
// is acked only after its handler returned or its failure was routed to a
// retry or the dead-letter queue.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.broker.Consume(w.queue, 1)
	if err != nil {
		return err
	}
	slog.Info("worker started", "queue", w.queue)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", "queue", w.queue)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				slog.Warn("worker delivery channel closed", "queue", w.queue)
				return nil
			}
			w.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery decodes, waits out the ETA, runs the handler, and settles
// the delivery. Decode failures are permanent by definition.
func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var env models.TaskEnvelope
	if err := kv.Unmarshal(d.Body, &env); err != nil {
		slog.Error("worker: undecodable delivery", "error", err, "queue", w.queue)
		w.deadLetter(ctx, models.TaskEnvelope{ID: d.MessageId, Task: "?"}, err)
		d.Ack(false)
		return
	}
	if err := env.Validate(); err != nil {
		slog.Error("worker: invalid envelope", "error", err, "queue", w.queue)
		w.deadLetter(ctx, env, err)
		d.Ack(false)
		return
	}

	def, ok := w.registry.Lookup(env.Task)
	if !ok {
		slog.Error("worker: no handler for task", "task", env.Task, "queue", w.queue)
		w.deadLetter(ctx, env, models.Permanent(nil))
		d.Ack(false)
		return
	}

	// Honor the ETA set by a retry republish.
	if env.ETA != nil {
		if wait := time.Until(*env.ETA); wait > 0 {
			slog.Debug("worker delaying task until eta", "task", env.Task, "task_id", env.ID, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				d.Nack(false, true)
				return
			}
		}
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.timeout)
	err := def.Handler(taskCtx, env)
	cancel()

	switch {
	case err == nil:
		d.Ack(false)
		slog.Debug("task succeeded", "task", env.Task, "task_id", env.ID, "retries", env.Retries)
	case models.IsPermanent(err):
		slog.Error("task failed permanently", "error", err, "task", env.Task, "task_id", env.ID)
		w.deadLetter(ctx, env, err)
		d.Ack(false)
	case env.Retries >= def.MaxRetries:
		slog.Error("task exhausted retries", "error", err, "task", env.Task, "task_id", env.ID, "retries", env.Retries)
		w.deadLetter(ctx, env, err)
		d.Ack(false)
	default:
		countdown := Countdown(def.RetryDelay, env.Retries)
		if rerr := w.requeue(ctx, env, def, countdown); rerr != nil {
			// Republish failed; leave the delivery for broker redelivery.
			slog.Error("task requeue failed, nacking", "error", rerr, "task", env.Task, "task_id", env.ID)
			d.Nack(false, true)
			return
		}
		slog.Warn("task retrying", "error", err, "task", env.Task, "task_id", env.ID, "retries", env.Retries+1, "countdown", countdown)
		d.Ack(false)
	}
}

// requeue republishes the envelope with an incremented retry count and an
// ETA countdown into the future. The id is reused so the retry stays
// idempotent.
func (w *Worker) requeue(ctx context.Context, env models.TaskEnvelope, def TaskDef, countdown time.Duration) error {
	binding, err := FindBinding(def.Queue)
	if err != nil {
		return err
	}
	eta := time.Now().Add(countdown)
	env.Retries++
	env.ETA = &eta
	return w.broker.Publish(ctx, binding.Exchange, binding.Key, env)
}

// deadLetter routes an exhausted or permanently failed envelope to the
// queue's dead-letter queue and emits a structured error event.
func (w *Worker) deadLetter(ctx context.Context, env models.TaskEnvelope, cause error) {
	binding, err := FindBinding(w.queue)
	if err == nil {
		if perr := w.broker.Publish(ctx, binding.Exchange, DLQ(binding.Key), env); perr != nil {
			slog.Error("dead-letter publish failed", "error", perr, "task", env.Task, "task_id", env.ID)
		}
	}
	EmitError(ctx, w.broker, env, cause)
}

// EmitError publishes a structured error event on the system_logs exchange.
// Failures are logged only; error reporting never masks the original fault.
func EmitError(ctx context.Context, pub broker.Publisher, env models.TaskEnvelope, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	event := models.ErrorEvent{
		Task:    env.Task,
		TaskID:  env.ID,
		Error:   msg,
		Retries: env.Retries,
		At:      time.Now().UTC(),
	}
	errEnv := models.TaskEnvelope{
		ID:     env.ID,
		Task:   models.TaskSystemLog,
		Kwargs: map[string]interface{}{"event": event},
	}
	if err := pub.Publish(ctx, ExchangeSystemLogs, ExchangeSystemLogs, errEnv); err != nil {
		slog.Error("error event publish failed", "error", err, "task", env.Task, "task_id", env.ID)
	}
}
