package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/chatwire/chatwire/internal/models"
)

// DefaultTemplatesCollection holds one document per message template.
const DefaultTemplatesCollection = "message_templates"

// defaultTemplateTimeout bounds one template read.
const defaultTemplateTimeout = 5 * time.Second

// ErrTemplateNotFound indicates the template document does not exist.
var ErrTemplateNotFound = errors.New("message template not found")

// TemplateStore loads template documents for broadcast rendering.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*models.MessageTemplate, error)
}

// MongoTemplates reads templates from the document store.
type MongoTemplates struct {
	coll *mongo.Collection
}

var _ TemplateStore = (*MongoTemplates)(nil)

// NewMongoTemplates creates a template store. dbName defaults to
// "chatwire", collName to "message_templates".
func NewMongoTemplates(client *mongo.Client, dbName, collName string) *MongoTemplates {
	if dbName == "" {
		dbName = "chatwire"
	}
	if collName == "" {
		collName = DefaultTemplatesCollection
	}
	return &MongoTemplates{coll: client.Database(dbName).Collection(collName)}
}

// GetTemplate loads one template document by id.
func (s *MongoTemplates) GetTemplate(ctx context.Context, id string) (*models.MessageTemplate, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultTemplateTimeout)
	defer cancel()

	var tpl models.MessageTemplate
	err := s.coll.FindOne(opCtx, bson.M{"_id": id}).Decode(&tpl)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("template %s: %w", id, ErrTemplateNotFound)
	}
	if err != nil {
		slog.Error("MongoTemplates GetTemplate failed", "error", err, "template_id", id)
		return nil, fmt.Errorf("failed to load template %s: %w", id, err)
	}
	return &tpl, nil
}
