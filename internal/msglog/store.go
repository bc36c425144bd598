// Package msglog provides the durable message log.
//
// Every outbound message is written to a relational messages table and a
// document store collection under the same caller-supplied time-sortable id,
// then announced with a reply event on the chatbot_replies exchange. The
// relational write happens first inside a transaction; the document write
// follows; consumers of reply events tolerate either record appearing
// slightly later.
package msglog

import (
	"context"
	"errors"
	"time"

	"github.com/chatwire/chatwire/internal/models"
)

// Error variables for the message log.
var (
	ErrMessageNotFound      = errors.New("message not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// RelationalStore is the SQL side of the message log. Implementations exist
// for Postgres (production) and SQLite (development and tests).
type RelationalStore interface {
	// InsertMessage upserts a message row keyed on its id; a pre-existing
	// row from an earlier attempt of the same task is not an error.
	InsertMessage(ctx context.Context, m models.OutboundMessage) error
	// UpdateMessageStatus updates the delivery status by provider message id.
	UpdateMessageStatus(ctx context.Context, whatsappMessageID string, status models.MessageStatus) error
	// IsConversationOpen reads the conversation's is_open flag.
	IsConversationOpen(ctx context.Context, conversationID string) (bool, error)
	// SetConversationChatbot flips whether the conversation is chatbot-driven.
	SetConversationChatbot(ctx context.Context, conversationID string, driven bool) error
	// BroadcastMessaging creates (or finds) the conversation for a broadcast
	// recipient and inserts a fresh template message row, returning both ids.
	BroadcastMessaging(ctx context.Context, tenantID, contactID, messageID, memberID string) (conversationID string, err error)

	// CreateBroadcast persists a new broadcast record.
	CreateBroadcast(ctx context.Context, b *models.Broadcast) error
	// GetBroadcast fetches a broadcast by id.
	GetBroadcast(ctx context.Context, id string) (*models.Broadcast, error)
	// UpdateBroadcastStatus transitions a broadcast from one status to
	// another; it fails with models.ErrInvalidTransition when the stored
	// status no longer matches from.
	UpdateBroadcastStatus(ctx context.Context, id string, from, to models.BroadcastStatus) error
	// ListBroadcastsByTenant pages a tenant's broadcasts, newest first.
	ListBroadcastsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]models.Broadcast, error)
	// ListOverdueScheduled returns SCHEDULED broadcasts whose fire time
	// passed before the cutoff. Used by the recovery sweep.
	ListOverdueScheduled(ctx context.Context, cutoff time.Time) ([]models.Broadcast, error)

	Close() error
}

// DocumentStore is the document side of the message log.
type DocumentStore interface {
	// UpsertMessage replaces the message document keyed on the same id as
	// the relational row.
	UpsertMessage(ctx context.Context, m models.OutboundMessage) error
	// UpdateMessageStatus updates the status field by provider message id.
	UpdateMessageStatus(ctx context.Context, whatsappMessageID string, status models.MessageStatus) error
}
