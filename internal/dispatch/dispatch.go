// Package dispatch turns flow nodes into provider traffic and session
// mutations.
//
// Given a node, the session context, and the conversation's business data,
// the dispatcher renders and sends the node through the provider, records
// every sent message in the durable log, updates the session, and publishes
// the continuation task for nodes that advance on their own. Nodes that wait
// for contact input publish nothing; the next inbound message advances them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/msglog"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/util"
	"github.com/chatwire/chatwire/internal/whatsapp"
)

// ErrEmptyNode indicates a node with nothing to render.
var ErrEmptyNode = errors.New("node has no renderable body")

// Outcome reports what dispatching a node did to the conversation.
type Outcome struct {
	// Waiting is set when the session now waits for contact input.
	Waiting bool
	// Completed is set when the node was terminal: final, or with no
	// outgoing edge.
	Completed bool
	// NextNodeID is the node a continuation task was published for.
	NextNodeID string
}

// Dispatcher executes one node per call. It owns continuation publishing;
// callers never enqueue the follow-up themselves.
type Dispatcher struct {
	provider whatsapp.Sender
	log      *msglog.Log
	sessions *session.Manager
	pub      broker.Publisher
	now      func() time.Time
	newID    func() string
}

// Opts holds test seams for the Dispatcher.
type Opts struct {
	Now   func() time.Time
	NewID func() string
}

// Option configures the Dispatcher.
type Option func(*Opts)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithNewID overrides message id generation.
func WithNewID(newID func() string) Option {
	return func(o *Opts) { o.NewID = newID }
}

// NewDispatcher assembles a dispatcher.
func NewDispatcher(provider whatsapp.Sender, log *msglog.Log, sessions *session.Manager, pub broker.Publisher, opts ...Option) *Dispatcher {
	cfg := Opts{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: util.NewID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{provider: provider, log: log, sessions: sessions, pub: pub, now: cfg.Now, newID: cfg.NewID}
}

// Dispatch executes the node the session currently points at.
func (d *Dispatcher) Dispatch(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode, bd *models.BusinessData) (*Outcome, error) {
	slog.Debug("dispatching node", "conversation_id", c.ConversationID, "node_id", node.ID, "kind", node.Kind)
	switch node.Kind {
	case models.NodeKindMessage:
		return d.dispatchMessage(ctx, c, node, bd)
	case models.NodeKindQuestion:
		return d.dispatchQuestion(ctx, c, node, bd)
	case models.NodeKindInteractiveButtons:
		return d.dispatchInteractive(ctx, c, node, bd)
	case models.NodeKindOperation:
		return d.dispatchOperation(ctx, c, node, bd)
	default:
		return nil, fmt.Errorf("node %s: kind %q: %w", node.ID, node.Kind, models.ErrUnknownNodeKind)
	}
}

func creds(bd *models.BusinessData) whatsapp.Credentials {
	return whatsapp.Credentials{Token: bd.Token, PhoneNumberID: bd.PhoneNumberID}
}

// dispatchMessage sends the node's content items in order, then publishes
// the continuation unless the node is terminal.
func (d *Dispatcher) dispatchMessage(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode, bd *models.BusinessData) (*Outcome, error) {
	items, err := renderItems(node)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var res *whatsapp.SendResult
		kind := models.MessageKindText
		if item.Text != "" {
			res, err = d.provider.SendText(ctx, creds(bd), bd.Recipient, item.Text)
		} else {
			media := models.MediaKind(item.ContentType, item.MimeType)
			kind = models.MessageKind(media)
			res, err = d.provider.SendMedia(ctx, creds(bd), bd.Recipient, media, whatsapp.MediaRef{
				MediaID: item.MediaID,
				Link:    item.CDNURL,
				Caption: item.Caption,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("node %s: provider send failed: %w", node.ID, err)
		}
		if err := d.record(ctx, c, bd, node, kind, res, item); err != nil {
			return nil, err
		}
	}

	if node.IsFinal || node.NextNodeID == "" {
		return &Outcome{Completed: true}, nil
	}
	if err := d.publishContinuation(ctx, c, node.NextNodeID); err != nil {
		return nil, err
	}
	return &Outcome{NextNodeID: node.NextNodeID}, nil
}

// dispatchQuestion sends the prompt and parks the session waiting for a
// free-text answer.
func (d *Dispatcher) dispatchQuestion(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode, bd *models.BusinessData) (*Outcome, error) {
	prompt := ""
	if node.Body != nil {
		prompt = node.Body.Prompt
		if prompt == "" {
			prompt = node.Body.TextBody
		}
	}
	if prompt == "" {
		return nil, fmt.Errorf("node %s: %w", node.ID, ErrEmptyNode)
	}
	res, err := d.provider.SendText(ctx, creds(bd), bd.Recipient, prompt)
	if err != nil {
		return nil, fmt.Errorf("node %s: provider send failed: %w", node.ID, err)
	}
	if err := d.record(ctx, c, bd, node, models.MessageKindQuestion, res, models.ContentItem{Text: prompt}); err != nil {
		return nil, err
	}
	if err := d.sessions.SetWaiting(ctx, c); err != nil {
		return nil, err
	}
	return &Outcome{Waiting: true}, nil
}

// dispatchInteractive sends the button payload, caches each button's target
// for the upcoming press, and parks the session waiting.
func (d *Dispatcher) dispatchInteractive(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode, bd *models.BusinessData) (*Outcome, error) {
	payload, err := interactivePayload(node)
	if err != nil {
		return nil, err
	}
	res, err := d.provider.SendInteractive(ctx, creds(bd), bd.Recipient, payload)
	if err != nil {
		return nil, fmt.Errorf("node %s: provider send failed: %w", node.ID, err)
	}
	if err := d.record(ctx, c, bd, node, models.MessageKindInteractive, res, models.ContentItem{}); err != nil {
		return nil, err
	}
	for _, b := range node.Buttons {
		if err := d.sessions.CacheButtonTarget(ctx, c.ChatbotID, node.ID, b); err != nil {
			slog.Warn("failed to cache button transition", "error", err, "node_id", node.ID, "button_id", b.ID)
		}
	}
	if err := d.sessions.SetWaiting(ctx, c); err != nil {
		return nil, err
	}
	return &Outcome{Waiting: true}, nil
}

// dispatchOperation performs no provider traffic: it publishes the
// operation_executed event and either continues or completes.
func (d *Dispatcher) dispatchOperation(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode, bd *models.BusinessData) (*Outcome, error) {
	event := models.ReplyEvent{
		Kind:           models.ReplyEventOperation,
		ConversationID: c.ConversationID,
		ChatbotID:      c.ChatbotID,
		NodeID:         node.ID,
		At:             d.now(),
	}
	if node.Body != nil {
		event.Body = node.Body.Operation
	}
	if err := d.log.PublishReply(ctx, event); err != nil {
		return nil, err
	}

	if node.IsFinal || node.NextNodeID == "" {
		return &Outcome{Completed: true}, nil
	}
	if err := d.publishContinuation(ctx, c, node.NextNodeID); err != nil {
		return nil, err
	}
	return &Outcome{NextNodeID: node.NextNodeID}, nil
}

// record writes the send through the durable log, one row per provider
// message id so later status callbacks find every id. Each row is keyed by a
// fresh time-sortable id.
func (d *Dispatcher) record(ctx context.Context, c *models.ChatbotContext, bd *models.BusinessData, node *models.FlowNode, kind models.MessageKind, res *whatsapp.SendResult, item models.ContentItem) error {
	now := d.now()
	base := models.OutboundMessage{
		ConversationID: bd.ConversationID,
		ContactID:      bd.ContactID,
		Kind:           kind,
		Status:         models.MessageStatusSent,
		MemberID:       c.ChatbotID,
		Content:        item,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(res.Messages) == 0 {
		m := base
		m.ID = d.newID()
		if err := d.log.Record(ctx, m); err != nil {
			return fmt.Errorf("node %s: failed to record message: %w", node.ID, err)
		}
		return nil
	}
	for _, sent := range res.Messages {
		m := base
		m.ID = d.newID()
		m.WhatsAppMessageID = sent.ID
		if err := d.log.Record(ctx, m); err != nil {
			return fmt.Errorf("node %s: failed to record message: %w", node.ID, err)
		}
	}
	return nil
}

// publishContinuation enqueues the chatbot_flow task that advances the
// conversation to the next node.
func (d *Dispatcher) publishContinuation(ctx context.Context, c *models.ChatbotContext, nextNodeID string) error {
	env := models.TaskEnvelope{
		ID:   d.newID(),
		Task: models.TaskChatbotFlow,
		Kwargs: map[string]interface{}{
			"conversation_id": c.ConversationID,
			"chatbot_id":      c.ChatbotID,
			"node_id":         nextNodeID,
			"from_node_id":    c.CurrentNodeID,
		},
	}
	if err := d.pub.Publish(ctx, queue.ExchangeChatbotFlow, queue.ExchangeChatbotFlow, env); err != nil {
		return fmt.Errorf("failed to publish flow continuation for %s: %w", c.ConversationID, err)
	}
	slog.Debug("continuation published", "conversation_id", c.ConversationID, "next_node_id", nextNodeID)
	return nil
}

// renderItems returns the ordered content of a MESSAGE node. A node with
// content items uses them sorted by order; otherwise the body's single text
// or media field is wrapped as one item.
func renderItems(node *models.FlowNode) ([]models.ContentItem, error) {
	if node.Body == nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, ErrEmptyNode)
	}
	if len(node.Body.ContentItems) > 0 {
		items := make([]models.ContentItem, len(node.Body.ContentItems))
		copy(items, node.Body.ContentItems)
		sort.SliceStable(items, func(i, j int) bool { return items[i].Order < items[j].Order })
		return items, nil
	}
	if node.Body.TextBody != "" {
		return []models.ContentItem{{Text: node.Body.TextBody}}, nil
	}
	if node.Body.MediaID != "" || node.Body.CDNURL != "" {
		return []models.ContentItem{{
			MediaID:     node.Body.MediaID,
			CDNURL:      node.Body.CDNURL,
			ContentType: node.Body.ContentType,
			MimeType:    node.Body.MimeType,
		}}, nil
	}
	return nil, fmt.Errorf("node %s: %w", node.ID, ErrEmptyNode)
}

// interactivePayload builds the provider interactive object. An authored
// payload in the body is passed through untouched; otherwise a reply-button
// payload is built from the node's buttons.
func interactivePayload(node *models.FlowNode) (map[string]interface{}, error) {
	if node.Body != nil && node.Body.Interactive != nil {
		return node.Body.Interactive, nil
	}
	if len(node.Buttons) == 0 {
		return nil, fmt.Errorf("node %s: %w", node.ID, ErrEmptyNode)
	}
	buttons := make([]interface{}, 0, len(node.Buttons))
	for _, b := range node.Buttons {
		buttons = append(buttons, map[string]interface{}{
			"type":  "reply",
			"reply": map[string]interface{}{"id": b.ID, "title": b.Title},
		})
	}
	body := ""
	if node.Body != nil {
		body = node.Body.TextBody
	}
	return map[string]interface{}{
		"type":   "button",
		"body":   map[string]interface{}{"text": body},
		"action": map[string]interface{}{"buttons": buttons},
	}, nil
}
