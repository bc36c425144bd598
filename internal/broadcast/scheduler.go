// Package broadcast schedules and executes template broadcasts.
//
// A scheduled broadcast is armed as a TTL trigger key in the key-value
// store; its expiry notification is the firing signal. Recipients and
// parameters are parked under sibling keys that outlive the trigger by a
// safety margin. Firing fans out one durable task per recipient; each send
// is retried independently of the others.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/kv"
	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/msglog"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/util"
	"github.com/chatwire/chatwire/internal/whatsapp"
)

// Scheduling defaults.
const (
	// DefaultSafetyMargin is how long the data keys outlive the trigger key.
	DefaultSafetyMargin = 10 * time.Minute
	// DefaultImmediateTTL bounds the data keys of an is_now broadcast.
	DefaultImmediateTTL = time.Hour + DefaultSafetyMargin
)

// ErrAlreadyArmed indicates a trigger key already exists for the broadcast.
var ErrAlreadyArmed = errors.New("broadcast trigger already armed")

// User identifies who schedules a broadcast and carries the provider
// credentials the sends will use.
type User struct {
	ID            string
	TenantID      string
	Token         string
	PhoneNumberID string
}

// KV is the key-value surface the scheduler needs. Satisfied by *kv.Store.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration, mode kv.SetMode) (bool, error)
	GetInto(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

func triggerKey(id string) string { return "broadcast:" + id + ":schedule" }
func dataKey(id string) string    { return "broadcast:" + id + ":data" }
func numbersKey(id string) string { return "broadcast:" + id + ":numbers" }

// broadcastData is the parameter bundle parked in the key-value store
// between scheduling and firing.
type broadcastData struct {
	TemplateID    string   `msgpack:"template_id"`
	Parameters    []string `msgpack:"parameters"`
	TenantID      string   `msgpack:"tenant_id"`
	OwnerID       string   `msgpack:"owner_id"`
	Token         string   `msgpack:"token"`
	PhoneNumberID string   `msgpack:"phone_number_id"`
}

// Scheduler owns the broadcast lifecycle: schedule, cancel, fire, execute,
// and the per-recipient send task.
type Scheduler struct {
	rel       msglog.RelationalStore
	templates TemplateStore
	store     KV
	pub       broker.Publisher
	provider  whatsapp.Sender
	log       *msglog.Log
	now       func() time.Time
	newID     func() string
}

// Opts holds test seams for the Scheduler.
type Opts struct {
	Now   func() time.Time
	NewID func() string
}

// Option configures the Scheduler.
type Option func(*Opts)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithNewID overrides id generation.
func WithNewID(newID func() string) Option {
	return func(o *Opts) { o.NewID = newID }
}

// NewScheduler assembles a broadcast scheduler.
func NewScheduler(rel msglog.RelationalStore, templates TemplateStore, store KV, pub broker.Publisher, provider whatsapp.Sender, log *msglog.Log, opts ...Option) *Scheduler {
	cfg := Opts{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: util.NewID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		rel:       rel,
		templates: templates,
		store:     store,
		pub:       pub,
		provider:  provider,
		log:       log,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
}

// Schedule validates the request, persists the broadcast record, parks
// recipients and parameters in the key-value store, and either executes
// immediately or arms the trigger key.
func (s *Scheduler) Schedule(ctx context.Context, req models.BroadcastRequest, user User) (*models.Broadcast, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	immediate := req.IsNow || req.ScheduledTime == nil

	b := &models.Broadcast{
		ID:            s.newID(),
		TenantID:      user.TenantID,
		OwnerID:       user.ID,
		TemplateID:    req.TemplateID,
		Recipients:    req.Recipients,
		TotalContacts: len(req.Recipients),
		Status:        models.BroadcastStatusScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !immediate {
		b.ScheduledTime = req.ScheduledTime
	}
	if err := s.rel.CreateBroadcast(ctx, b); err != nil {
		return nil, err
	}

	dataTTL := DefaultImmediateTTL
	var delay time.Duration
	if !immediate {
		delay = req.ScheduledTime.Sub(now)
		dataTTL = delay + DefaultSafetyMargin
	}
	data := broadcastData{
		TemplateID:    req.TemplateID,
		Parameters:    req.Parameters,
		TenantID:      user.TenantID,
		OwnerID:       user.ID,
		Token:         user.Token,
		PhoneNumberID: user.PhoneNumberID,
	}
	if _, err := s.store.Set(ctx, dataKey(b.ID), data, dataTTL, kv.SetModeAlways); err != nil {
		return nil, err
	}
	if _, err := s.store.Set(ctx, numbersKey(b.ID), req.Recipients, dataTTL, kv.SetModeAlways); err != nil {
		return nil, err
	}

	if immediate {
		if err := s.Execute(ctx, b.ID); err != nil {
			return nil, err
		}
		return s.rel.GetBroadcast(ctx, b.ID)
	}

	// Set-if-absent prevents a retried schedule call from double-arming.
	armed, err := s.store.Set(ctx, triggerKey(b.ID), b.ID, delay, kv.SetModeNX)
	if err != nil {
		return nil, err
	}
	if !armed {
		return nil, fmt.Errorf("broadcast %s: %w", b.ID, ErrAlreadyArmed)
	}
	slog.Debug("broadcast armed", "broadcast_id", b.ID, "fires_in", delay, "recipients", b.TotalContacts)
	return b, nil
}

// Cancel aborts a broadcast. Only SCHEDULED broadcasts can be cancelled;
// anything else returns ErrNotScheduled with the status untouched.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	b, err := s.rel.GetBroadcast(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != models.BroadcastStatusScheduled {
		return fmt.Errorf("broadcast %s is %s: %w", id, b.Status, models.ErrNotScheduled)
	}
	if err := s.rel.UpdateBroadcastStatus(ctx, id, models.BroadcastStatusScheduled, models.BroadcastStatusCancelled); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, triggerKey(id), dataKey(id), numbersKey(id)); err != nil {
		slog.Warn("failed to delete broadcast keys on cancel", "error", err, "broadcast_id", id)
	}
	slog.Debug("broadcast cancelled", "broadcast_id", id)
	return nil
}

// ListByTenant pages a tenant's broadcasts, newest first.
func (s *Scheduler) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]models.Broadcast, error) {
	return s.rel.ListBroadcastsByTenant(ctx, tenantID, limit, offset)
}

// OnFire handles a trigger-key expiry. Anything not SCHEDULED is ignored:
// the notification may be a replay, or the broadcast was cancelled after the
// key was armed but before the deletion landed.
func (s *Scheduler) OnFire(ctx context.Context, id string) error {
	b, err := s.rel.GetBroadcast(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrBroadcastNotFound) {
			slog.Warn("fire for unknown broadcast ignored", "broadcast_id", id)
			return nil
		}
		return err
	}
	if b.Status != models.BroadcastStatusScheduled {
		slog.Debug("fire for non-scheduled broadcast ignored", "broadcast_id", id, "status", b.Status)
		return nil
	}
	return s.Execute(ctx, id)
}

// Execute moves the broadcast to PROCESSING, renders the template, and
// publishes one send task per recipient. Any failure after the PROCESSING
// transition stamps the broadcast FAILED before the error is returned.
func (s *Scheduler) Execute(ctx context.Context, id string) error {
	if err := s.rel.UpdateBroadcastStatus(ctx, id, models.BroadcastStatusScheduled, models.BroadcastStatusProcessing); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Another fire won the race.
			slog.Debug("broadcast already picked up", "broadcast_id", id)
			return nil
		}
		return err
	}

	if err := s.fanOut(ctx, id); err != nil {
		if ferr := s.rel.UpdateBroadcastStatus(ctx, id, models.BroadcastStatusProcessing, models.BroadcastStatusFailed); ferr != nil {
			slog.Error("failed to stamp broadcast FAILED", "error", ferr, "broadcast_id", id)
		}
		return err
	}
	if err := s.rel.UpdateBroadcastStatus(ctx, id, models.BroadcastStatusProcessing, models.BroadcastStatusSent); err != nil {
		return err
	}
	slog.Debug("broadcast executed", "broadcast_id", id)
	return nil
}

func (s *Scheduler) fanOut(ctx context.Context, id string) error {
	var data broadcastData
	if err := s.store.GetInto(ctx, dataKey(id), &data); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("broadcast %s: parameter data expired", id)
		}
		return err
	}
	var recipients []string
	if err := s.store.GetInto(ctx, numbersKey(id), &recipients); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("broadcast %s: recipient list expired", id)
		}
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("broadcast %s: %w", id, models.ErrEmptyRecipients)
	}

	tpl, err := s.templates.GetTemplate(ctx, data.TemplateID)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", id, err)
	}
	payload := RenderTemplate(tpl, data.Parameters)

	for _, recipient := range recipients {
		env := models.TaskEnvelope{
			ID:   s.newID(),
			Task: models.TaskBroadcast,
			Kwargs: map[string]interface{}{
				"broadcast_id":    id,
				"recipient":       recipient,
				"tenant_id":       data.TenantID,
				"owner_id":        data.OwnerID,
				"token":           data.Token,
				"phone_number_id": data.PhoneNumberID,
				"template":        payload,
			},
		}
		if err := s.pub.Publish(ctx, queue.ExchangeMessageBroadcast, queue.ExchangeMessageBroadcast, env); err != nil {
			return fmt.Errorf("broadcast %s: fan-out failed at %s: %w", id, recipient, err)
		}
	}
	slog.Debug("broadcast fanned out", "broadcast_id", id, "recipients", len(recipients))
	return nil
}

// RenderTemplate builds the provider template object from the stored
// template document and the positional body parameters.
func RenderTemplate(tpl *models.MessageTemplate, params []string) map[string]interface{} {
	payload := map[string]interface{}{
		"name":     tpl.Name,
		"language": map[string]interface{}{"code": tpl.Language},
	}
	components := make([]interface{}, 0, len(tpl.Components)+1)
	for _, c := range tpl.Components {
		components = append(components, c)
	}
	if len(params) > 0 {
		values := make([]interface{}, 0, len(params))
		for _, p := range params {
			values = append(values, map[string]interface{}{"type": "text", "text": p})
		}
		components = append(components, map[string]interface{}{
			"type":       "body",
			"parameters": values,
		})
	}
	if len(components) > 0 {
		payload["components"] = components
	}
	return payload
}

// Handler returns the per-recipient broadcast task handler: send the
// template, register the broadcast conversation, and record the message
// through the durable log.
func (s *Scheduler) Handler() queue.Handler {
	return func(ctx context.Context, env models.TaskEnvelope) error {
		broadcastID := env.StringKwarg("broadcast_id")
		recipient := env.StringKwarg("recipient")
		if broadcastID == "" || recipient == "" {
			return models.Permanent(errors.New("broadcast task missing broadcast_id or recipient"))
		}
		payload, ok := env.Kwargs["template"].(map[string]interface{})
		if !ok {
			return models.Permanent(fmt.Errorf("broadcast %s: task missing template payload", broadcastID))
		}
		creds := whatsapp.Credentials{
			Token:         env.StringKwarg("token"),
			PhoneNumberID: env.StringKwarg("phone_number_id"),
		}

		res, err := s.provider.SendTemplate(ctx, creds, recipient, payload)
		if err != nil {
			if errors.Is(err, whatsapp.ErrUnsupportedByProvider) {
				return models.Permanent(err)
			}
			return err
		}

		// Reuse the task id as the message id so a retried delivery
		// coalesces onto the same rows.
		messageID := env.ID
		tenantID := env.StringKwarg("tenant_id")
		conversationID, err := s.rel.BroadcastMessaging(ctx, tenantID, recipient, messageID, env.StringKwarg("owner_id"))
		if err != nil {
			return err
		}
		m := models.OutboundMessage{
			ID:             messageID,
			ConversationID: conversationID,
			ContactID:      recipient,
			Kind:           models.MessageKindTemplate,
			Status:         models.MessageStatusSent,
			MemberID:       env.StringKwarg("owner_id"),
			Content:        payload,
		}
		if len(res.Messages) > 0 {
			m.WhatsAppMessageID = res.Messages[0].ID
		}
		return s.log.Record(ctx, m)
	}
}
