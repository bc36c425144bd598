// Package runner drives conversations through chatbot flow graphs.
//
// It owns the three flow-facing task handlers: trigger_chatbot starts a
// flow at its entry node, chatbot_flow advances to a named node, and
// message_hook_received maps inbound contact traffic onto the session state
// machine. Rendering and provider traffic are delegated to the dispatcher.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/dispatch"
	"github.com/chatwire/chatwire/internal/kv"
	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/msglog"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/session"
)

// DefaultActiveTTL is how long the conversation liveness marker survives
// after the last inbound event.
const DefaultActiveTTL = 24 * time.Hour

// Graph is the flow definition surface the runner reads. Satisfied by
// *flowgraph.Store.
type Graph interface {
	GetChatbot(ctx context.Context, chatbotID string) (*models.Chatbot, error)
	GetDefaultChatbot(ctx context.Context, tenantID string) (*models.Chatbot, error)
}

// Dispatcher executes one node. Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode, bd *models.BusinessData) (*dispatch.Outcome, error)
}

// KV is the liveness-marker surface. Satisfied by *kv.Store.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration, mode kv.SetMode) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

func activeKey(conversationID string) string {
	return "conversation:" + conversationID + ":active"
}

// errUnknownButton marks a button press that maps to no transition on the
// current node; the press is ignored and the session stays put.
var errUnknownButton = errors.New("button does not map to a transition")

// Runner is the per-conversation flow state machine.
type Runner struct {
	graph      Graph
	sessions   *session.Manager
	dispatcher Dispatcher
	log        *msglog.Log
	store      KV
	activeTTL  time.Duration
	now        func() time.Time
}

// Opts holds configuration for the Runner.
type Opts struct {
	ActiveTTL time.Duration
	Now       func() time.Time
}

// Option configures the Runner.
type Option func(*Opts)

// WithActiveTTL overrides the conversation liveness TTL.
func WithActiveTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.ActiveTTL = ttl }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// NewRunner assembles a flow runner.
func NewRunner(graph Graph, sessions *session.Manager, dispatcher Dispatcher, log *msglog.Log, store KV, opts ...Option) *Runner {
	cfg := Opts{ActiveTTL: DefaultActiveTTL, Now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runner{
		graph:      graph,
		sessions:   sessions,
		dispatcher: dispatcher,
		log:        log,
		store:      store,
		activeTTL:  cfg.ActiveTTL,
		now:        cfg.Now,
	}
}

// TriggerFlow starts (or restarts) a flow for the conversation at the
// chatbot's entry node. An empty chatbotID selects the tenant's default
// chatbot.
func (r *Runner) TriggerFlow(ctx context.Context, conversationID, chatbotID string, bd *models.BusinessData) error {
	var bot *models.Chatbot
	var err error
	if chatbotID != "" {
		bot, err = r.graph.GetChatbot(ctx, chatbotID)
	} else {
		bot, err = r.graph.GetDefaultChatbot(ctx, bd.TenantID)
	}
	if err != nil {
		if errors.Is(err, models.ErrChatbotNotFound) {
			return models.Permanent(err)
		}
		return err
	}
	first := bot.FirstNode()
	if first == nil {
		return models.Permanent(fmt.Errorf("chatbot %s: %w", bot.ID, models.ErrNoFirstNode))
	}

	bd.ChatbotID = bot.ID
	bd.ConversationID = conversationID
	if err := r.sessions.SetBusinessData(ctx, conversationID, *bd); err != nil {
		return err
	}
	c, err := r.sessions.CreateContext(ctx, conversationID, bot.ID, first)
	if err != nil {
		return err
	}
	if _, err := r.store.Set(ctx, activeKey(conversationID), r.now(), r.activeTTL, kv.SetModeAlways); err != nil {
		slog.Warn("failed to mark conversation active", "error", err, "conversation_id", conversationID)
	}
	slog.Debug("flow triggered", "conversation_id", conversationID, "chatbot_id", bot.ID, "first_node", first.ID)
	return r.dispatchNode(ctx, c, first, bd)
}

// Advance moves the conversation forward from its current node. Exactly one
// of buttonID and userResponse may be set; both empty follows the default
// edge.
func (r *Runner) Advance(ctx context.Context, conversationID, buttonID, userResponse string) error {
	c, err := r.sessions.GetContext(ctx, conversationID)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			slog.Debug("advance without session ignored", "conversation_id", conversationID)
			return nil
		}
		return err
	}
	bot, err := r.graph.GetChatbot(ctx, c.ChatbotID)
	if err != nil {
		if errors.Is(err, models.ErrChatbotNotFound) {
			return models.Permanent(err)
		}
		return err
	}
	current, ok := bot.Nodes[c.CurrentNodeID]
	if !ok {
		return models.Permanent(fmt.Errorf("chatbot %s node %s: %w", c.ChatbotID, c.CurrentNodeID, models.ErrNodeNotFound))
	}

	nextID, err := r.resolveNext(ctx, c, current, buttonID, userResponse)
	if err != nil {
		if errors.Is(err, errUnknownButton) {
			slog.Debug("unknown button ignored", "conversation_id", conversationID, "node_id", current.ID, "button_id", buttonID)
			return nil
		}
		return err
	}
	if nextID == "" {
		return r.complete(ctx, c, current.ID)
	}
	return r.advanceTo(ctx, c, bot, nextID)
}

// resolveNext picks the next node id per the resolution order: button cache,
// button scan, question response, default edge. The capture log is updated
// as a side effect.
func (r *Runner) resolveNext(ctx context.Context, c *models.ChatbotContext, current *models.FlowNode, buttonID, userResponse string) (string, error) {
	if buttonID != "" {
		next := r.sessions.LookupButtonTarget(ctx, c.ChatbotID, current.ID, buttonID)
		if next == "" {
			next = current.ButtonTarget(buttonID)
		}
		if next == "" {
			return "", errUnknownButton
		}
		entry := models.SelectionEntry{NodeID: current.ID, Kind: "button", Data: buttonID, At: r.now()}
		if err := r.sessions.StoreSelection(ctx, c.ConversationID, entry); err != nil {
			return "", err
		}
		return next, nil
	}
	if userResponse != "" && current.Kind == models.NodeKindQuestion {
		question := ""
		if current.Body != nil {
			question = current.Body.Prompt
			if question == "" {
				question = current.Body.TextBody
			}
		}
		entry := models.ResponseEntry{NodeID: current.ID, Question: question, Response: userResponse, At: r.now()}
		if err := r.sessions.StoreResponse(ctx, c.ConversationID, entry); err != nil {
			return "", err
		}
		return current.NextNodeID, nil
	}
	return current.NextNodeID, nil
}

// advanceTo moves the session to the named node and dispatches it.
func (r *Runner) advanceTo(ctx context.Context, c *models.ChatbotContext, bot *models.Chatbot, nodeID string) error {
	node, ok := bot.Nodes[nodeID]
	if !ok {
		return models.Permanent(fmt.Errorf("chatbot %s node %s: %w", bot.ID, nodeID, models.ErrNodeNotFound))
	}
	bd, err := r.sessions.GetBusinessData(ctx, c.ConversationID)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return models.Permanent(fmt.Errorf("conversation %s has no business data", c.ConversationID))
		}
		return err
	}
	// A retried continuation finds the session already on the node after the
	// failed attempt advanced it; advancing again would clobber the
	// previous-node pointer.
	if c.CurrentNodeID != node.ID {
		if err := r.sessions.Advance(ctx, c, node); err != nil {
			return err
		}
	}
	return r.dispatchNode(ctx, c, node, bd)
}

func (r *Runner) dispatchNode(ctx context.Context, c *models.ChatbotContext, node *models.FlowNode, bd *models.BusinessData) error {
	out, err := r.dispatcher.Dispatch(ctx, c, node, bd)
	if err != nil {
		return err
	}
	if out.Completed {
		return r.complete(ctx, c, node.ID)
	}
	return nil
}

// complete ends the flow: the session is cleared, a flow_completion event is
// emitted with the last node id, and the conversation is handed back from
// the chatbot.
func (r *Runner) complete(ctx context.Context, c *models.ChatbotContext, lastNodeID string) error {
	if err := r.sessions.Clear(ctx, c.ConversationID); err != nil {
		return err
	}
	event := models.ReplyEvent{
		Kind:           models.ReplyEventFlowCompletion,
		ConversationID: c.ConversationID,
		ChatbotID:      c.ChatbotID,
		NodeID:         lastNodeID,
		At:             r.now(),
	}
	if err := r.log.PublishReply(ctx, event); err != nil {
		return err
	}
	if err := r.log.Relational().SetConversationChatbot(ctx, c.ConversationID, false); err != nil {
		slog.Warn("failed to clear chatbot-driven flag", "error", err, "conversation_id", c.ConversationID)
	}
	slog.Debug("flow completed", "conversation_id", c.ConversationID, "chatbot_id", c.ChatbotID, "last_node", lastNodeID)
	return nil
}

// TriggerHandler returns the trigger_chatbot task handler. Kwargs carry the
// conversation id, an optional chatbot id, and the business data bundle.
func (r *Runner) TriggerHandler() queue.Handler {
	return func(ctx context.Context, env models.TaskEnvelope) error {
		conversationID := env.StringKwarg("conversation_id")
		if conversationID == "" {
			return models.Permanent(errors.New("trigger task missing conversation_id"))
		}
		bd := businessDataFromKwargs(env)
		return r.TriggerFlow(ctx, conversationID, env.StringKwarg("chatbot_id"), bd)
	}
}

// FlowHandler returns the chatbot_flow task handler. A continuation is
// dropped as stale only when neither its origin nor its target matches the
// session: when the target equals the session's current node, a failed
// dispatch already advanced the session and this delivery is its retry, so
// the node is dispatched again.
func (r *Runner) FlowHandler() queue.Handler {
	return func(ctx context.Context, env models.TaskEnvelope) error {
		conversationID := env.StringKwarg("conversation_id")
		nodeID := env.StringKwarg("node_id")
		if conversationID == "" || nodeID == "" {
			return models.Permanent(errors.New("flow task missing conversation_id or node_id"))
		}
		c, err := r.sessions.GetContext(ctx, conversationID)
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				slog.Debug("flow continuation for ended session dropped", "conversation_id", conversationID, "node_id", nodeID)
				return nil
			}
			return err
		}
		if from := env.StringKwarg("from_node_id"); from != "" && from != c.CurrentNodeID && nodeID != c.CurrentNodeID {
			slog.Debug("stale flow continuation dropped",
				"conversation_id", conversationID, "from_node_id", from, "node_id", nodeID, "current_node_id", c.CurrentNodeID)
			return nil
		}
		bot, err := r.graph.GetChatbot(ctx, c.ChatbotID)
		if err != nil {
			if errors.Is(err, models.ErrChatbotNotFound) {
				return models.Permanent(err)
			}
			return err
		}
		return r.advanceTo(ctx, c, bot, nodeID)
	}
}

// InboundHandler returns the message_hook_received task handler. Inbound
// traffic either answers a waiting node, presses a button, or revives an
// expired conversation with the tenant's default chatbot.
func (r *Runner) InboundHandler() queue.Handler {
	return func(ctx context.Context, env models.TaskEnvelope) error {
		conversationID := env.StringKwarg("conversation_id")
		if conversationID == "" {
			return models.Permanent(errors.New("inbound task missing conversation_id"))
		}
		expired, err := r.refreshActive(ctx, conversationID)
		if err != nil {
			return err
		}
		if expired {
			bd, err := r.sessions.GetBusinessData(ctx, conversationID)
			if err != nil {
				if errors.Is(err, session.ErrNoSession) {
					bd = businessDataFromKwargs(env)
				} else {
					return err
				}
			}
			if bd.TenantID == "" {
				bd.TenantID = env.StringKwarg("tenant_id")
			}
			slog.Debug("expired conversation revived with default chatbot", "conversation_id", conversationID)
			return r.TriggerFlow(ctx, conversationID, "", bd)
		}

		if buttonID := env.StringKwarg("button_id"); buttonID != "" {
			return r.Advance(ctx, conversationID, buttonID, "")
		}
		text := env.StringKwarg("text")
		if text == "" {
			return nil
		}
		c, err := r.sessions.GetContext(ctx, conversationID)
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				return nil
			}
			return err
		}
		if !c.WaitingForResponse || c.NodeKind != models.NodeKindQuestion {
			slog.Debug("inbound text ignored", "conversation_id", conversationID, "node_kind", c.NodeKind)
			return nil
		}
		return r.Advance(ctx, conversationID, "", text)
	}
}

// refreshActive implements the conversation liveness check: a present marker
// means active; an absent one falls back to the relational is_open flag.
// Only a conversation that is known closed counts as expired.
func (r *Runner) refreshActive(ctx context.Context, conversationID string) (expired bool, err error) {
	present, err := r.store.Exists(ctx, activeKey(conversationID))
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}
	open, err := r.log.Relational().IsConversationOpen(ctx, conversationID)
	if err != nil {
		if errors.Is(err, msglog.ErrConversationNotFound) {
			return true, nil
		}
		return false, err
	}
	if !open {
		return true, nil
	}
	if _, err := r.store.Set(ctx, activeKey(conversationID), r.now(), r.activeTTL, kv.SetModeAlways); err != nil {
		slog.Warn("failed to mark conversation active", "error", err, "conversation_id", conversationID)
	}
	return false, nil
}

func businessDataFromKwargs(env models.TaskEnvelope) *models.BusinessData {
	return &models.BusinessData{
		Token:          env.StringKwarg("token"),
		PhoneNumberID:  env.StringKwarg("phone_number_id"),
		Recipient:      env.StringKwarg("recipient"),
		ContactID:      env.StringKwarg("contact_id"),
		ChatbotID:      env.StringKwarg("chatbot_id"),
		TenantID:       env.StringKwarg("tenant_id"),
		ConversationID: env.StringKwarg("conversation_id"),
	}
}
