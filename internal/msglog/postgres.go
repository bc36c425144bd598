package msglog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/chatwire/chatwire/internal/models"
)

// Relational pool configuration.
const (
	// DefaultMaxOpenConns is the pool size plus overflow headroom.
	DefaultMaxOpenConns = 60
	// DefaultMaxIdleConns keeps the base pool warm.
	DefaultMaxIdleConns = 20
	// DefaultConnMaxLifetime is the maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Opts holds configuration for relational stores.
type Opts struct {
	DSN string
}

// Option configures a relational store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// PostgresStore is the production relational backend.
type PostgresStore struct {
	db *sql.DB
}

var _ RelationalStore = (*PostgresStore)(nil)

// NewPostgresStore opens the Postgres pool, pings it, and applies
// migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("msglog.NewPostgresStore: creating store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied")
	return &PostgresStore{db: db}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m models.OutboundMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, contact_id, message_type, message_status, whatsapp_message_id, is_from_contact, member_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			message_status = EXCLUDED.message_status,
			whatsapp_message_id = EXCLUDED.whatsapp_message_id,
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.ConversationID, m.ContactID, m.Kind, m.Status, m.WhatsAppMessageID, m.FromContact, m.MemberID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore InsertMessage failed", "error", err, "message_id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message %s: %w", m.ID, err)
	}
	slog.Debug("PostgresStore InsertMessage succeeded", "message_id", m.ID, "conversation_id", m.ConversationID)
	return nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, whatsappMessageID string, status models.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET message_status = $2, updated_at = now() WHERE whatsapp_message_id = $1`,
		whatsappMessageID, status)
	if err != nil {
		slog.Error("PostgresStore UpdateMessageStatus failed", "error", err, "whatsapp_message_id", whatsappMessageID)
		return fmt.Errorf("failed to update status of %s: %w", whatsappMessageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) IsConversationOpen(ctx context.Context, conversationID string) (bool, error) {
	var open bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_open FROM conversations WHERE id = $1`, conversationID).Scan(&open)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrConversationNotFound
	}
	if err != nil {
		slog.Error("PostgresStore IsConversationOpen failed", "error", err, "conversation_id", conversationID)
		return false, fmt.Errorf("failed to read conversation %s: %w", conversationID, err)
	}
	return open, nil
}

func (s *PostgresStore) SetConversationChatbot(ctx context.Context, conversationID string, driven bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET chatbot_driven = $2, updated_at = now() WHERE id = $1`,
		conversationID, driven)
	if err != nil {
		slog.Error("PostgresStore SetConversationChatbot failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("failed to update conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *PostgresStore) BroadcastMessaging(ctx context.Context, tenantID, contactID, messageID, memberID string) (string, error) {
	var convID string
	var msgID string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, message_id FROM broadcast_messaging($1, $2, $3, $4)`,
		tenantID, contactID, messageID, memberID).Scan(&convID, &msgID)
	if err != nil {
		slog.Error("PostgresStore BroadcastMessaging failed", "error", err, "tenant_id", tenantID, "contact_id", contactID)
		return "", fmt.Errorf("broadcast_messaging failed for %s: %w", contactID, err)
	}
	slog.Debug("PostgresStore BroadcastMessaging succeeded", "conversation_id", convID, "message_id", msgID)
	return convID, nil
}

// UpsertConversation creates or updates a conversation row. Conversation
// authoring is owned by the user-management surface; this exists for webhook
// ingest and tests.
func (s *PostgresStore) UpsertConversation(ctx context.Context, id, tenantID, contactID string, isOpen bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, contact_id, is_open)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET is_open = EXCLUDED.is_open, updated_at = now()`,
		id, tenantID, contactID, isOpen)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CreateBroadcast(ctx context.Context, b *models.Broadcast) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.TenantID, b.OwnerID, b.TemplateID, b.TotalContacts, b.ScheduledTime, b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateBroadcast failed", "error", err, "broadcast_id", b.ID)
		return fmt.Errorf("failed to create broadcast %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetBroadcast(ctx context.Context, id string) (*models.Broadcast, error) {
	b := &models.Broadcast{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at
		FROM broadcasts WHERE id = $1`, id).
		Scan(&b.ID, &b.TenantID, &b.OwnerID, &b.TemplateID, &b.TotalContacts, &b.ScheduledTime, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrBroadcastNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetBroadcast failed", "error", err, "broadcast_id", id)
		return nil, fmt.Errorf("failed to read broadcast %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBroadcastStatus(ctx context.Context, id string, from, to models.BroadcastStatus) error {
	if !models.CanTransition(from, to) {
		return models.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		slog.Error("PostgresStore UpdateBroadcastStatus failed", "error", err, "broadcast_id", id, "to", to)
		return fmt.Errorf("failed to update broadcast %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The stored status moved under us; the transition is stale.
		return models.ErrInvalidTransition
	}
	slog.Debug("broadcast status updated", "broadcast_id", id, "from", from, "to", to)
	return nil
}

func (s *PostgresStore) ListBroadcastsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]models.Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at
		FROM broadcasts WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		slog.Error("PostgresStore ListBroadcastsByTenant failed", "error", err, "tenant_id", tenantID)
		return nil, fmt.Errorf("failed to list broadcasts for %s: %w", tenantID, err)
	}
	defer rows.Close()
	return scanBroadcasts(rows)
}

func (s *PostgresStore) ListOverdueScheduled(ctx context.Context, cutoff time.Time) ([]models.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at
		FROM broadcasts WHERE status = $1 AND scheduled_time IS NOT NULL AND scheduled_time < $2`,
		models.BroadcastStatusScheduled, cutoff)
	if err != nil {
		slog.Error("PostgresStore ListOverdueScheduled failed", "error", err)
		return nil, fmt.Errorf("failed to list overdue broadcasts: %w", err)
	}
	defer rows.Close()
	return scanBroadcasts(rows)
}

func scanBroadcasts(rows *sql.Rows) ([]models.Broadcast, error) {
	var out []models.Broadcast
	for rows.Next() {
		var b models.Broadcast
		if err := rows.Scan(&b.ID, &b.TenantID, &b.OwnerID, &b.TemplateID, &b.TotalContacts, &b.ScheduledTime, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
