// Package session manages per-conversation flow state in the key-value
// store: the chatbot context, the contact capture log, cached button
// transitions, and the business data bundle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/kv"
	"github.com/chatwire/chatwire/internal/models"
)

// DefaultContextTTL is how long an idle session survives. Every mutation
// refreshes it, so only truly abandoned conversations expire.
const DefaultContextTTL = time.Hour

// ErrNoSession indicates the conversation has no active flow.
var ErrNoSession = errors.New("no active session for conversation")

// KV is the subset of the key-value store the session manager needs.
// Satisfied by *kv.Store.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration, mode kv.SetMode) (bool, error)
	GetInto(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Key shapes. Everything is scoped by conversation id except button
// transitions, which are shared per chatbot graph.
func ctxKey(conversationID string) string      { return "chatbot:ctx:" + conversationID }
func captureKey(conversationID string) string  { return "chatbot:contact:" + conversationID }
func businessKey(conversationID string) string { return "business:conv:" + conversationID }
func buttonKey(chatbotID, nodeID, buttonID string) string {
	return "chatbot:btn:" + chatbotID + ":" + nodeID + ":" + buttonID
}

// Manager reads and writes session state. All reads of optional state are
// best-effort: a missing capture log or cache entry is not an error.
type Manager struct {
	store KV
	ttl   time.Duration
	now   func() time.Time
}

// Opts holds configuration for the Manager.
type Opts struct {
	TTL time.Duration
	Now func() time.Time
}

// Option configures the Manager.
type Option func(*Opts)

// WithTTL overrides the idle-session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// NewManager creates a session manager over the given store.
func NewManager(store KV, opts ...Option) *Manager {
	cfg := Opts{TTL: DefaultContextTTL, Now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{store: store, ttl: cfg.TTL, now: cfg.Now}
}

// GetContext returns the conversation's flow context, or ErrNoSession when
// no flow is active.
func (m *Manager) GetContext(ctx context.Context, conversationID string) (*models.ChatbotContext, error) {
	var c models.ChatbotContext
	err := m.store.GetInto(ctx, ctxKey(conversationID), &c)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", conversationID, err)
	}
	return &c, nil
}

// CreateContext starts a session at the flow's entry node. An existing
// session for the conversation is overwritten; triggering a chatbot restarts
// the flow.
func (m *Manager) CreateContext(ctx context.Context, conversationID, chatbotID string, first *models.FlowNode) (*models.ChatbotContext, error) {
	now := m.now()
	c := &models.ChatbotContext{
		ConversationID: conversationID,
		ChatbotID:      chatbotID,
		CurrentNodeID:  first.ID,
		NodeKind:       first.Kind,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.save(ctx, c); err != nil {
		return nil, err
	}
	slog.Debug("session created", "conversation_id", conversationID, "chatbot_id", chatbotID, "node_id", first.ID)
	return c, nil
}

// Advance moves the session to the given node and clears any waiting state.
func (m *Manager) Advance(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode) error {
	c.PreviousNodeID = c.CurrentNodeID
	c.CurrentNodeID = node.ID
	c.NodeKind = node.Kind
	c.WaitingForResponse = false
	c.WaitingSince = nil
	c.UpdatedAt = m.now()
	if err := m.save(ctx, c); err != nil {
		return err
	}
	slog.Debug("session advanced", "conversation_id", c.ConversationID, "node_id", node.ID, "kind", node.Kind)
	return nil
}

// SetWaiting marks the session as waiting for a contact response.
func (m *Manager) SetWaiting(ctx context.Context, c *models.ChatbotContext) error {
	now := m.now()
	c.WaitingForResponse = true
	c.WaitingSince = &now
	c.UpdatedAt = now
	return m.save(ctx, c)
}

// ClearWaiting clears the waiting flag without moving the session.
func (m *Manager) ClearWaiting(ctx context.Context, c *models.ChatbotContext) error {
	c.WaitingForResponse = false
	c.WaitingSince = nil
	c.UpdatedAt = m.now()
	return m.save(ctx, c)
}

func (m *Manager) save(ctx context.Context, c *models.ChatbotContext) error {
	if _, err := m.store.Set(ctx, ctxKey(c.ConversationID), c, m.ttl, kv.SetModeAlways); err != nil {
		return fmt.Errorf("failed to save session for %s: %w", c.ConversationID, err)
	}
	// The capture log lives and dies with the session.
	if _, err := m.store.Expire(ctx, captureKey(c.ConversationID), m.ttl); err != nil {
		slog.Warn("failed to refresh capture log ttl", "error", err, "conversation_id", c.ConversationID)
	}
	return nil
}

// StoreResponse appends a free-text answer to the contact capture log.
func (m *Manager) StoreResponse(ctx context.Context, conversationID string, entry models.ResponseEntry) error {
	return m.appendCapture(ctx, conversationID, func(cap *models.ContactCapture) {
		cap.Responses = append(cap.Responses, entry)
	})
}

// StoreSelection appends a button selection to the contact capture log.
func (m *Manager) StoreSelection(ctx context.Context, conversationID string, entry models.SelectionEntry) error {
	return m.appendCapture(ctx, conversationID, func(cap *models.ContactCapture) {
		cap.Selections = append(cap.Selections, entry)
	})
}

// GetCapture returns the contact capture log, empty when none exists.
func (m *Manager) GetCapture(ctx context.Context, conversationID string) (*models.ContactCapture, error) {
	cap := &models.ContactCapture{ConversationID: conversationID}
	err := m.store.GetInto(ctx, captureKey(conversationID), cap)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("failed to load capture log for %s: %w", conversationID, err)
	}
	return cap, nil
}

func (m *Manager) appendCapture(ctx context.Context, conversationID string, mutate func(*models.ContactCapture)) error {
	cap, err := m.GetCapture(ctx, conversationID)
	if err != nil {
		return err
	}
	mutate(cap)
	if _, err := m.store.Set(ctx, captureKey(conversationID), cap, m.ttl, kv.SetModeAlways); err != nil {
		return fmt.Errorf("failed to save capture log for %s: %w", conversationID, err)
	}
	return nil
}

// CacheButtonTarget stores a (chatbot, node, button) -> next node mapping so
// the advance on a button press skips the graph read.
func (m *Manager) CacheButtonTarget(ctx context.Context, chatbotID, nodeID string, b models.Button) error {
	t := models.ButtonTransition{
		ChatbotID:  chatbotID,
		NodeID:     nodeID,
		ButtonID:   b.ID,
		NextNodeID: b.NextNodeID,
		CachedAt:   m.now(),
	}
	if _, err := m.store.Set(ctx, buttonKey(chatbotID, nodeID, b.ID), t, m.ttl, kv.SetModeAlways); err != nil {
		return fmt.Errorf("failed to cache button transition %s/%s/%s: %w", chatbotID, nodeID, b.ID, err)
	}
	return nil
}

// LookupButtonTarget returns the cached next node for a button press, or
// empty string on a cache miss. Misses are expected; the caller falls back
// to the graph.
func (m *Manager) LookupButtonTarget(ctx context.Context, chatbotID, nodeID, buttonID string) string {
	var t models.ButtonTransition
	err := m.store.GetInto(ctx, buttonKey(chatbotID, nodeID, buttonID), &t)
	if errors.Is(err, kv.ErrNotFound) {
		return ""
	}
	if err != nil {
		slog.Warn("button transition lookup failed", "error", err, "node_id", nodeID, "button_id", buttonID)
		return ""
	}
	return t.NextNodeID
}

// SetBusinessData stores the provider bundle for a conversation.
func (m *Manager) SetBusinessData(ctx context.Context, conversationID string, bd models.BusinessData) error {
	if _, err := m.store.Set(ctx, businessKey(conversationID), bd, m.ttl, kv.SetModeAlways); err != nil {
		return fmt.Errorf("failed to save business data for %s: %w", conversationID, err)
	}
	return nil
}

// GetBusinessData returns the provider bundle, or ErrNoSession when the
// conversation has none.
func (m *Manager) GetBusinessData(ctx context.Context, conversationID string) (*models.BusinessData, error) {
	var bd models.BusinessData
	err := m.store.GetInto(ctx, businessKey(conversationID), &bd)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load business data for %s: %w", conversationID, err)
	}
	return &bd, nil
}

// Clear removes the session, capture log, and business data of a
// conversation. Cached button transitions are left to expire on their own
// since they are keyed by graph, not conversation.
func (m *Manager) Clear(ctx context.Context, conversationID string) error {
	if err := m.store.Delete(ctx, ctxKey(conversationID), captureKey(conversationID), businessKey(conversationID)); err != nil {
		return fmt.Errorf("failed to clear session for %s: %w", conversationID, err)
	}
	slog.Debug("session cleared", "conversation_id", conversationID)
	return nil
}
