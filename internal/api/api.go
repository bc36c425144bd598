// Package api exposes the HTTP management surface of chatwire.
//
// It covers broadcast scheduling and the ingest endpoints that feed the
// task queue: webhook message hooks, provider status callbacks, and manual
// chatbot triggers. Flow execution itself happens on the workers; every
// ingest handler only validates and publishes an envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chatwire/chatwire/internal/broadcast"
	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/util"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// BroadcastScheduler is the broadcast surface the API fronts. Satisfied by
// *broadcast.Scheduler.
type BroadcastScheduler interface {
	Schedule(ctx context.Context, req models.BroadcastRequest, user broadcast.User) (*models.Broadcast, error)
	Cancel(ctx context.Context, id string) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]models.Broadcast, error)
}

// Server is the chatwire HTTP server.
type Server struct {
	broadcasts BroadcastScheduler
	pub        broker.Publisher
	addr       string
}

// Opts holds configuration for the Server.
type Opts struct {
	Addr string
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// NewServer creates the HTTP server.
func NewServer(broadcasts BroadcastScheduler, pub broker.Publisher, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{broadcasts: broadcasts, pub: pub, addr: cfg.Addr}
}

// Handler returns the route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /broadcasts", s.scheduleBroadcastHandler)
	mux.HandleFunc("POST /broadcasts/{id}/cancel", s.cancelBroadcastHandler)
	mux.HandleFunc("GET /broadcasts", s.listBroadcastsHandler)
	mux.HandleFunc("POST /chatbots/trigger", s.triggerChatbotHandler)
	mux.HandleFunc("POST /hooks/messages", s.messageHookHandler)
	mux.HandleFunc("POST /hooks/statuses", s.statusHookHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	slog.Info("chatwire API listening", "addr", s.addr)
	return srv.ListenAndServe()
}

// scheduleBroadcastRequest is the POST /broadcasts payload: the broadcast
// request plus the scheduling user's identity and provider credentials.
type scheduleBroadcastRequest struct {
	models.BroadcastRequest
	TenantID      string `json:"tenant_id"`
	OwnerID       string `json:"owner_id"`
	Token         string `json:"token"`
	PhoneNumberID string `json:"phone_number_id"`
}

func (s *Server) scheduleBroadcastHandler(w http.ResponseWriter, r *http.Request) {
	var req scheduleBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" || req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and owner_id are required")
		return
	}
	user := broadcast.User{
		ID:            req.OwnerID,
		TenantID:      req.TenantID,
		Token:         req.Token,
		PhoneNumberID: req.PhoneNumberID,
	}
	b, err := s.broadcasts.Schedule(r.Context(), req.BroadcastRequest, user)
	if err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("broadcast schedule failed", "error", err, "tenant_id", req.TenantID)
		writeError(w, http.StatusInternalServerError, "failed to schedule broadcast")
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) cancelBroadcastHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.broadcasts.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(models.BroadcastStatusCancelled)})
	case errors.Is(err, models.ErrBroadcastNotFound):
		writeError(w, http.StatusNotFound, "broadcast not found")
	case errors.Is(err, models.ErrNotScheduled):
		writeError(w, http.StatusBadRequest, "only scheduled broadcasts can be cancelled")
	default:
		slog.Error("broadcast cancel failed", "error", err, "broadcast_id", id)
		writeError(w, http.StatusInternalServerError, "failed to cancel broadcast")
	}
}

func (s *Server) listBroadcastsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := s.broadcasts.ListByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		slog.Error("broadcast list failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "failed to list broadcasts")
		return
	}
	if list == nil {
		list = []models.Broadcast{}
	}
	writeJSON(w, http.StatusOK, list)
}

// triggerRequest starts a chatbot flow for a conversation.
type triggerRequest struct {
	ConversationID string `json:"conversation_id"`
	ChatbotID      string `json:"chatbot_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	ContactID      string `json:"contact_id"`
	Recipient      string `json:"recipient"`
	Token          string `json:"token"`
	PhoneNumberID  string `json:"phone_number_id"`
}

func (s *Server) triggerChatbotHandler(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and tenant_id are required")
		return
	}
	env := models.TaskEnvelope{
		ID:   util.NewID(),
		Task: models.TaskTriggerChatbot,
		Kwargs: map[string]interface{}{
			"conversation_id": req.ConversationID,
			"chatbot_id":      req.ChatbotID,
			"tenant_id":       req.TenantID,
			"contact_id":      req.ContactID,
			"recipient":       req.Recipient,
			"token":           req.Token,
			"phone_number_id": req.PhoneNumberID,
		},
	}
	if err := s.pub.Publish(r.Context(), queue.ExchangeTriggerChatbot, queue.ExchangeTriggerChatbot, env); err != nil {
		slog.Error("trigger publish failed", "error", err, "conversation_id", req.ConversationID)
		writeError(w, http.StatusInternalServerError, "failed to enqueue trigger")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": env.ID})
}

// messageHookRequest is the inbound message webhook payload.
type messageHookRequest struct {
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`
	ContactID      string `json:"contact_id"`
	Recipient      string `json:"recipient"`
	Token          string `json:"token"`
	PhoneNumberID  string `json:"phone_number_id"`
	Text           string `json:"text,omitempty"`
	ButtonID       string `json:"button_id,omitempty"`
}

func (s *Server) messageHookHandler(w http.ResponseWriter, r *http.Request) {
	var req messageHookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	env := models.TaskEnvelope{
		ID:   util.NewID(),
		Task: models.TaskMessageHookReceived,
		Kwargs: map[string]interface{}{
			"conversation_id": req.ConversationID,
			"tenant_id":       req.TenantID,
			"contact_id":      req.ContactID,
			"recipient":       req.Recipient,
			"token":           req.Token,
			"phone_number_id": req.PhoneNumberID,
			"text":            req.Text,
			"button_id":       req.ButtonID,
		},
	}
	if err := s.pub.Publish(r.Context(), queue.ExchangeMessageHookReceived, queue.ExchangeMessageHookReceived, env); err != nil {
		slog.Error("message hook publish failed", "error", err, "conversation_id", req.ConversationID)
		writeError(w, http.StatusInternalServerError, "failed to enqueue message hook")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": env.ID})
}

// statusHookRequest is the provider delivery-status callback payload.
type statusHookRequest struct {
	WhatsAppMessageID string `json:"whatsapp_message_id"`
	Status            string `json:"status"`
}

func (s *Server) statusHookHandler(w http.ResponseWriter, r *http.Request) {
	var req statusHookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WhatsAppMessageID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "whatsapp_message_id and status are required")
		return
	}
	env := models.TaskEnvelope{
		ID:   util.NewID(),
		Task: models.TaskStatusMessage,
		Kwargs: map[string]interface{}{
			"whatsapp_message_id": req.WhatsAppMessageID,
			"status":              req.Status,
		},
	}
	if err := s.pub.Publish(r.Context(), queue.ExchangeWhatsAppDefault, queue.ExchangeWhatsAppDefault, env); err != nil {
		slog.Error("status hook publish failed", "error", err, "whatsapp_message_id", req.WhatsAppMessageID)
		writeError(w, http.StatusInternalServerError, "failed to enqueue status update")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": env.ID})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// isValidationError reports whether the scheduling failure is the caller's
// fault.
func isValidationError(err error) bool {
	return errors.Is(err, models.ErrMissingTemplate) ||
		errors.Is(err, models.ErrEmptyRecipients) ||
		errors.Is(err, models.ErrScheduledTimePassed) ||
		errors.Is(err, broadcast.ErrTemplateNotFound)
}
