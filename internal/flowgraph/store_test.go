package flowgraph

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set; skipping document store integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	return NewStore(client, "chatwire_test", "chatbots_"+util.NewID()[:8])
}

func seed(t *testing.T, s *Store, doc chatbotDoc) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		t.Fatalf("failed to seed chatbot: %v", err)
	}
	t.Cleanup(func() { s.coll.DeleteOne(context.Background(), bson.M{"_id": doc.ID}) })
}

func TestStoreLoadsAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, chatbotDoc{
		ID: "bot-load", TenantID: "t1", IsDefault: true,
		Nodes: []models.FlowNode{
			{ID: "n1", Kind: models.NodeKindMessage, Body: &models.NodeBody{TextBody: "hi"}, NextNodeID: "n2", IsFirst: true},
			{ID: "n2", Kind: models.NodeKindMessage, Body: &models.NodeBody{TextBody: "bye"}, IsFinal: true},
		},
	})

	bot, err := s.GetChatbot(ctx, "bot-load")
	if err != nil {
		t.Fatalf("GetChatbot failed: %v", err)
	}
	if len(bot.Nodes) != 2 {
		t.Errorf("expected 2 indexed nodes, got %d", len(bot.Nodes))
	}

	first, err := s.GetFirstNode(ctx, "bot-load")
	if err != nil {
		t.Fatalf("GetFirstNode failed: %v", err)
	}
	if first.ID != "n1" {
		t.Errorf("first node = %s, want n1", first.ID)
	}

	def, err := s.GetDefaultChatbot(ctx, "t1")
	if err != nil {
		t.Fatalf("GetDefaultChatbot failed: %v", err)
	}
	if def.ID != "bot-load" {
		t.Errorf("default chatbot = %s", def.ID)
	}

	if _, err := s.GetNode(ctx, "bot-load", "missing"); !errors.Is(err, models.ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
	if _, err := s.GetChatbot(ctx, "nope"); !errors.Is(err, models.ErrChatbotNotFound) {
		t.Errorf("expected ErrChatbotNotFound, got %v", err)
	}
}

func TestStoreRejectsMalformedGraph(t *testing.T) {
	s := newTestStore(t)

	seed(t, s, chatbotDoc{
		ID: "bot-broken", TenantID: "t1",
		Nodes: []models.FlowNode{
			{ID: "n1", Kind: models.NodeKindMessage, NextNodeID: "ghost", IsFirst: true},
		},
	})
	if _, err := s.GetChatbot(context.Background(), "bot-broken"); !errors.Is(err, models.ErrDanglingNextNode) {
		t.Errorf("expected ErrDanglingNextNode, got %v", err)
	}
}
