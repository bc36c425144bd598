package flowgraph

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

// Document store defaults.
const (
	// DefaultDatabase is the document database name.
	DefaultDatabase = "chatwire"
	// DefaultChatbotsCollection holds one document per chatbot graph.
	DefaultChatbotsCollection = "chatbots"
	// defaultOpTimeout bounds one document read.
	defaultOpTimeout = 5 * time.Second
)

// chatbotDoc is the stored shape: nodes live as an array inside the chatbot
// document and are indexed into a map on load.
type chatbotDoc struct {
	ID        string            `bson:"_id"`
	TenantID  string            `bson:"tenant_id"`
	Name      string            `bson:"name,omitempty"`
	IsDefault bool              `bson:"is_default"`
	Nodes     []models.FlowNode `bson:"nodes"`
}

// Store reads chatbot graphs from the chatbots collection. Graphs are
// authored elsewhere; this side only loads and validates.
type Store struct {
	coll *mongo.Collection
}

// NewStore creates a flow graph store. dbName defaults to "chatwire",
// collName to "chatbots".
func NewStore(client *mongo.Client, dbName, collName string) *Store {
	if dbName == "" {
		dbName = DefaultDatabase
	}
	if collName == "" {
		collName = DefaultChatbotsCollection
	}
	return &Store{coll: client.Database(dbName).Collection(collName)}
}

// GetChatbot loads a chatbot by id, indexes its nodes by id, and validates
// the graph. A malformed stored graph is surfaced as an error rather than
// dispatched.
func (s *Store) GetChatbot(ctx context.Context, chatbotID string) (*models.Chatbot, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var doc chatbotDoc
	err := s.coll.FindOne(opCtx, bson.M{"_id": chatbotID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrChatbotNotFound
	}
	if err != nil {
		slog.Error("flowgraph GetChatbot failed", "error", err, "chatbot_id", chatbotID)
		return nil, fmt.Errorf("failed to load chatbot %s: %w", chatbotID, err)
	}
	bot, err := index(&doc)
	if err != nil {
		return nil, err
	}
	slog.Debug("chatbot loaded", "chatbot_id", bot.ID, "tenant_id", bot.TenantID, "nodes", len(bot.Nodes))
	return bot, nil
}

// GetDefaultChatbot loads the tenant's default chatbot, the one a
// trigger without an explicit chatbot id falls back to.
func (s *Store) GetDefaultChatbot(ctx context.Context, tenantID string) (*models.Chatbot, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var doc chatbotDoc
	err := s.coll.FindOne(opCtx, bson.M{"tenant_id": tenantID, "is_default": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrChatbotNotFound
	}
	if err != nil {
		slog.Error("flowgraph GetDefaultChatbot failed", "error", err, "tenant_id", tenantID)
		return nil, fmt.Errorf("failed to load default chatbot for %s: %w", tenantID, err)
	}
	return index(&doc)
}

// GetNode loads one node from a chatbot.
func (s *Store) GetNode(ctx context.Context, chatbotID, nodeID string) (*models.FlowNode, error) {
	bot, err := s.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	n, ok := bot.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("chatbot %s node %s: %w", chatbotID, nodeID, models.ErrNodeNotFound)
	}
	return n, nil
}

// GetFirstNode loads the entry node of a chatbot.
func (s *Store) GetFirstNode(ctx context.Context, chatbotID string) (*models.FlowNode, error) {
	bot, err := s.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	n := bot.FirstNode()
	if n == nil {
		return nil, fmt.Errorf("chatbot %s: %w", chatbotID, models.ErrNoFirstNode)
	}
	return n, nil
}

func index(doc *chatbotDoc) (*models.Chatbot, error) {
	bot := &models.Chatbot{
		ID:        doc.ID,
		TenantID:  doc.TenantID,
		Name:      doc.Name,
		IsDefault: doc.IsDefault,
		Nodes:     make(map[string]*models.FlowNode, len(doc.Nodes)),
	}
	for i := range doc.Nodes {
		n := doc.Nodes[i]
		if n.ChatbotID == "" {
			n.ChatbotID = doc.ID
		}
		bot.Nodes[n.ID] = &n
	}
	if err := Validate(bot); err != nil {
		return nil, fmt.Errorf("stored chatbot %s is invalid: %w", doc.ID, err)
	}
	return bot, nil
}
