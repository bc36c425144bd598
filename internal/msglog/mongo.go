package msglog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chatwire/chatwire/internal/models"
)

// Mongo defaults.
const (
	// DefaultDatabase is the document database name.
	DefaultDatabase = "chatwire"
	// DefaultMessagesCollection holds one document per outbound message.
	DefaultMessagesCollection = "messages"
	// defaultMongoTimeout bounds one document operation.
	defaultMongoTimeout = 5 * time.Second
)

// MongoStore is the document side of the message log.
type MongoStore struct {
	coll *mongo.Collection
}

var _ DocumentStore = (*MongoStore)(nil)

// NewMongoStore creates a document store over the messages collection.
// dbName defaults to "chatwire", collName to "messages".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = DefaultDatabase
	}
	if collName == "" {
		collName = DefaultMessagesCollection
	}
	return &MongoStore{coll: client.Database(dbName).Collection(collName)}
}

// UpsertMessage replaces the message document keyed on _id. Replays of the
// same task overwrite with identical content, so partial prior success is
// harmless.
func (s *MongoStore) UpsertMessage(ctx context.Context, m models.OutboundMessage) error {
	opCtx, cancel := context.WithTimeout(ctx, defaultMongoTimeout)
	defer cancel()

	_, err := s.coll.ReplaceOne(opCtx,
		bson.M{"_id": m.ID}, m,
		options.Replace().SetUpsert(true))
	if err != nil {
		slog.Error("MongoStore UpsertMessage failed", "error", err, "message_id", m.ID)
		return fmt.Errorf("failed to upsert message document %s: %w", m.ID, err)
	}
	slog.Debug("MongoStore UpsertMessage succeeded", "message_id", m.ID)
	return nil
}

// UpdateMessageStatus updates the status field by provider message id.
func (s *MongoStore) UpdateMessageStatus(ctx context.Context, whatsappMessageID string, status models.MessageStatus) error {
	opCtx, cancel := context.WithTimeout(ctx, defaultMongoTimeout)
	defer cancel()

	res, err := s.coll.UpdateOne(opCtx,
		bson.M{"whatsapp_message_id": whatsappMessageID},
		bson.M{"$set": bson.M{"message_status": status, "updated_at": time.Now().UTC()}})
	if err != nil {
		slog.Error("MongoStore UpdateMessageStatus failed", "error", err, "whatsapp_message_id", whatsappMessageID)
		return fmt.Errorf("failed to update message document %s: %w", whatsappMessageID, err)
	}
	if res.MatchedCount == 0 {
		return ErrMessageNotFound
	}
	return nil
}
