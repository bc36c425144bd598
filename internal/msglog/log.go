package msglog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/queue"
)

// Log is the write-through message log: relational row first, document
// second, reply event last. The three steps form an eventually-consistent
// triad; callers retry on failure and every step tolerates a replay.
type Log struct {
	rel RelationalStore
	doc DocumentStore
	pub broker.Publisher
}

// NewLog assembles the write-through log.
func NewLog(rel RelationalStore, doc DocumentStore, pub broker.Publisher) *Log {
	return &Log{rel: rel, doc: doc, pub: pub}
}

// Relational exposes the relational side for callers that need conversation
// flags or broadcast records.
func (l *Log) Relational() RelationalStore {
	return l.rel
}

// Record persists one outbound message to both stores and publishes the
// chatbot_reply event. Safe to replay: both writes are upserts on the
// message id and the event reuses it as the envelope id.
func (l *Log) Record(ctx context.Context, m models.OutboundMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if err := l.rel.InsertMessage(ctx, m); err != nil {
		return err
	}
	if err := l.doc.UpsertMessage(ctx, m); err != nil {
		return err
	}

	event := models.ReplyEvent{
		Kind:           models.ReplyEventMessage,
		ConversationID: m.ConversationID,
		ChatbotID:      m.MemberID,
		MessageID:      m.ID,
		At:             time.Now().UTC(),
	}
	if err := l.PublishReply(ctx, event); err != nil {
		return err
	}
	slog.Debug("message recorded", "message_id", m.ID, "conversation_id", m.ConversationID, "kind", m.Kind)
	return nil
}

// PublishReply publishes a reply event on the chatbot_replies exchange.
func (l *Log) PublishReply(ctx context.Context, event models.ReplyEvent) error {
	env := models.TaskEnvelope{
		ID:   replyEnvelopeID(event),
		Task: string(event.Kind),
		Kwargs: map[string]interface{}{
			"event": event,
		},
	}
	return l.pub.Publish(ctx, queue.ExchangeChatbotReplies, queue.ExchangeChatbotReplies, env)
}

// replyEnvelopeID derives a stable envelope id so replayed records do not
// fan out as distinct events. Flow-level events have no message id and key
// on conversation and node instead.
func replyEnvelopeID(event models.ReplyEvent) string {
	if event.MessageID != "" {
		return event.MessageID
	}
	return string(event.Kind) + ":" + event.ConversationID + ":" + event.NodeID
}

// UpdateStatus applies a provider delivery-status update to both stores.
// The relational update runs first; a missing row means the status arrived
// before the send task finished recording and the caller should retry.
func (l *Log) UpdateStatus(ctx context.Context, whatsappMessageID string, status models.MessageStatus) error {
	if err := l.rel.UpdateMessageStatus(ctx, whatsappMessageID, status); err != nil {
		return err
	}
	if err := l.doc.UpdateMessageStatus(ctx, whatsappMessageID, status); err != nil && !errors.Is(err, ErrMessageNotFound) {
		return err
	}
	return nil
}

// StatusHandler returns the status_whatsapp_message task handler. It expects
// kwargs whatsapp_message_id and status.
func (l *Log) StatusHandler() queue.Handler {
	return func(ctx context.Context, env models.TaskEnvelope) error {
		waID := env.StringKwarg("whatsapp_message_id")
		status := models.MessageStatus(env.StringKwarg("status"))
		if waID == "" || status == "" {
			return models.Permanent(errors.New("status task missing whatsapp_message_id or status"))
		}
		switch status {
		case models.MessageStatusSent, models.MessageStatusDelivered, models.MessageStatusRead, models.MessageStatusFailed:
		default:
			return models.Permanent(errors.New("invalid message status " + string(status)))
		}
		return l.UpdateStatus(ctx, waID, status)
	}
}
