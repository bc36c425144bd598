package msglog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/util"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the development and test relational backend. SQLite has no
// stored procedures, so broadcast_messaging is emulated inside a
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

var _ RelationalStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path
// or :memory:). Missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("msglog.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if !strings.Contains(cfg.DSN, ":memory:") {
		dir := filepath.Dir(cfg.DSN)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m models.OutboundMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, contact_id, message_type, message_status, whatsapp_message_id, is_from_contact, member_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			message_status = excluded.message_status,
			whatsapp_message_id = excluded.whatsapp_message_id,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.ContactID, m.Kind, m.Status, m.WhatsAppMessageID, m.FromContact, m.MemberID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore InsertMessage failed", "error", err, "message_id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, whatsappMessageID string, status models.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET message_status = ?, updated_at = ? WHERE whatsapp_message_id = ?`,
		status, time.Now().UTC(), whatsappMessageID)
	if err != nil {
		slog.Error("SQLiteStore UpdateMessageStatus failed", "error", err, "whatsapp_message_id", whatsappMessageID)
		return fmt.Errorf("failed to update status of %s: %w", whatsappMessageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) IsConversationOpen(ctx context.Context, conversationID string) (bool, error) {
	var open bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_open FROM conversations WHERE id = ?`, conversationID).Scan(&open)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrConversationNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore IsConversationOpen failed", "error", err, "conversation_id", conversationID)
		return false, fmt.Errorf("failed to read conversation %s: %w", conversationID, err)
	}
	return open, nil
}

func (s *SQLiteStore) SetConversationChatbot(ctx context.Context, conversationID string, driven bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET chatbot_driven = ?, updated_at = ? WHERE id = ?`,
		driven, time.Now().UTC(), conversationID)
	if err != nil {
		slog.Error("SQLiteStore SetConversationChatbot failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("failed to update conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *SQLiteStore) BroadcastMessaging(ctx context.Context, tenantID, contactID, messageID, memberID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var convID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE tenant_id = ? AND contact_id = ? LIMIT 1`,
		tenantID, contactID).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		convID = util.NewID()
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, tenant_id, contact_id, is_open, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			convID, tenantID, contactID, now, now); err != nil {
			return "", fmt.Errorf("failed to create conversation for %s: %w", contactID, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to look up conversation for %s: %w", contactID, err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, contact_id, message_type, message_status, is_from_contact, member_id, created_at, updated_at)
		VALUES (?, ?, ?, 'template', 'sent', 0, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		messageID, convID, contactID, memberID, now, now); err != nil {
		return "", fmt.Errorf("failed to insert broadcast message %s: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit broadcast messaging: %w", err)
	}
	return convID, nil
}

// UpsertConversation creates or updates a conversation row. Conversation
// authoring is owned by the user-management surface; this exists for webhook
// ingest and tests.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, id, tenantID, contactID string, isOpen bool) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, contact_id, is_open, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET is_open = excluded.is_open, updated_at = excluded.updated_at`,
		id, tenantID, contactID, isOpen, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CreateBroadcast(ctx context.Context, b *models.Broadcast) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.OwnerID, b.TemplateID, b.TotalContacts, b.ScheduledTime, b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateBroadcast failed", "error", err, "broadcast_id", b.ID)
		return fmt.Errorf("failed to create broadcast %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetBroadcast(ctx context.Context, id string) (*models.Broadcast, error) {
	b := &models.Broadcast{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at
		FROM broadcasts WHERE id = ?`, id).
		Scan(&b.ID, &b.TenantID, &b.OwnerID, &b.TemplateID, &b.TotalContacts, &b.ScheduledTime, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrBroadcastNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetBroadcast failed", "error", err, "broadcast_id", id)
		return nil, fmt.Errorf("failed to read broadcast %s: %w", id, err)
	}
	return b, nil
}

func (s *SQLiteStore) UpdateBroadcastStatus(ctx context.Context, id string, from, to models.BroadcastStatus) error {
	if !models.CanTransition(from, to) {
		return models.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		slog.Error("SQLiteStore UpdateBroadcastStatus failed", "error", err, "broadcast_id", id, "to", to)
		return fmt.Errorf("failed to update broadcast %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

func (s *SQLiteStore) ListBroadcastsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]models.Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at
		FROM broadcasts WHERE tenant_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		slog.Error("SQLiteStore ListBroadcastsByTenant failed", "error", err, "tenant_id", tenantID)
		return nil, fmt.Errorf("failed to list broadcasts for %s: %w", tenantID, err)
	}
	defer rows.Close()
	return scanBroadcasts(rows)
}

func (s *SQLiteStore) ListOverdueScheduled(ctx context.Context, cutoff time.Time) ([]models.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, owner_id, template_id, total_contacts, scheduled_time, status, created_at, updated_at
		FROM broadcasts WHERE status = ? AND scheduled_time IS NOT NULL AND scheduled_time < ?`,
		models.BroadcastStatusScheduled, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListOverdueScheduled failed", "error", err)
		return nil, fmt.Errorf("failed to list overdue broadcasts: %w", err)
	}
	defer rows.Close()
	return scanBroadcasts(rows)
}
