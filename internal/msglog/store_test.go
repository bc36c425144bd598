package msglog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/util"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(WithDSN("file:" + t.Name() + "?mode=memory&cache=shared"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBroadcastStatusGuard(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	b := &models.Broadcast{
		ID: util.NewID(), TenantID: "t1", OwnerID: "u1", TemplateID: "tpl1",
		TotalContacts: 3, Status: models.BroadcastStatusScheduled,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateBroadcast(ctx, b); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := st.UpdateBroadcastStatus(ctx, b.ID, models.BroadcastStatusScheduled, models.BroadcastStatusProcessing); err != nil {
		t.Fatalf("scheduled->processing failed: %v", err)
	}
	// A second fire attempt sees PROCESSING and must be refused.
	err := st.UpdateBroadcastStatus(ctx, b.ID, models.BroadcastStatusScheduled, models.BroadcastStatusProcessing)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on stale transition, got %v", err)
	}
	// Backwards transitions are refused before touching the database.
	err = st.UpdateBroadcastStatus(ctx, b.ID, models.BroadcastStatusProcessing, models.BroadcastStatusScheduled)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition going backwards, got %v", err)
	}

	got, err := st.GetBroadcast(ctx, b.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.BroadcastStatusProcessing {
		t.Errorf("status = %s, want PROCESSING", got.Status)
	}
}

func TestListOverdueScheduled(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := now.Add(-10 * time.Minute)
	upcoming := now.Add(10 * time.Minute)
	for i, sched := range []*time.Time{&overdue, &upcoming, nil} {
		b := &models.Broadcast{
			ID: util.NewID(), TenantID: "t1", OwnerID: "u1", TemplateID: "tpl1",
			ScheduledTime: sched, Status: models.BroadcastStatusScheduled,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond), UpdatedAt: now,
		}
		if err := st.CreateBroadcast(ctx, b); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	got, err := st.ListOverdueScheduled(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 overdue broadcast, got %d", len(got))
	}
	if got[0].ScheduledTime == nil || !got[0].ScheduledTime.Before(now) {
		t.Errorf("unexpected overdue broadcast: %+v", got[0])
	}
}

func TestBroadcastMessagingReusesConversation(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()

	first, err := st.BroadcastMessaging(ctx, "t1", "contact-9", util.NewID(), "bot-1")
	if err != nil {
		t.Fatalf("broadcast messaging failed: %v", err)
	}
	second, err := st.BroadcastMessaging(ctx, "t1", "contact-9", util.NewID(), "bot-1")
	if err != nil {
		t.Fatalf("broadcast messaging failed: %v", err)
	}
	if first != second {
		t.Errorf("expected same conversation for same contact: %s != %s", first, second)
	}

	open, err := st.IsConversationOpen(ctx, first)
	if err != nil {
		t.Fatalf("is open failed: %v", err)
	}
	if !open {
		t.Error("broadcast conversation should start open")
	}
}

func TestConversationFlags(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()

	if _, err := st.IsConversationOpen(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
	if err := st.UpsertConversation(ctx, "conv-5", "t1", "c5", true); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := st.SetConversationChatbot(ctx, "conv-5", true); err != nil {
		t.Fatalf("set chatbot failed: %v", err)
	}
	if err := st.UpsertConversation(ctx, "conv-5", "t1", "c5", false); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	open, err := st.IsConversationOpen(ctx, "conv-5")
	if err != nil {
		t.Fatalf("is open failed: %v", err)
	}
	if open {
		t.Error("conversation should be closed after upsert")
	}
}
