package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/kv"
	"github.com/chatwire/chatwire/internal/models"
)

// memKV is an in-memory stand-in for the key-value store. TTLs are recorded
// but never enforced.
type memKV struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memKV) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, mode kv.SetMode) (bool, error) {
	_, exists := m.data[key]
	if mode == kv.SetModeNX && exists {
		return false, nil
	}
	if mode == kv.SetModeXX && !exists {
		return false, nil
	}
	data, err := kv.Marshal(value)
	if err != nil {
		return false, err
	}
	m.data[key] = data
	m.ttls[key] = ttl
	return true, nil
}

func (m *memKV) GetInto(ctx context.Context, key string, dest interface{}) error {
	data, ok := m.data[key]
	if !ok {
		return kv.ErrNotFound
	}
	return kv.Unmarshal(data, dest)
}

func (m *memKV) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
		delete(m.ttls, k)
	}
	return nil
}

func (m *memKV) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if _, ok := m.data[key]; !ok {
		return false, nil
	}
	m.ttls[key] = ttl
	return true, nil
}

func firstNode() *models.FlowNode {
	return &models.FlowNode{ID: "n1", ChatbotID: "bot-1", Kind: models.NodeKindMessage, IsFirst: true}
}

func newTestManager() (*Manager, *memKV) {
	store := newMemKV()
	return NewManager(store), store
}

func TestGetContextNoSession(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.GetContext(context.Background(), "conv-1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestCreateAndAdvance(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	c, err := m.CreateContext(ctx, "conv-1", "bot-1", firstNode())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if c.CurrentNodeID != "n1" || c.NodeKind != models.NodeKindMessage {
		t.Errorf("unexpected initial context: %+v", c)
	}
	if store.ttls[ctxKey("conv-1")] != DefaultContextTTL {
		t.Errorf("ttl = %v, want %v", store.ttls[ctxKey("conv-1")], DefaultContextTTL)
	}

	next := &models.FlowNode{ID: "n2", ChatbotID: "bot-1", Kind: models.NodeKindQuestion}
	if err := m.Advance(ctx, c, next); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	got, err := m.GetContext(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.CurrentNodeID != "n2" || got.PreviousNodeID != "n1" {
		t.Errorf("advance not persisted: %+v", got)
	}
	if got.WaitingForResponse {
		t.Error("advance must clear waiting state")
	}
}

func TestWaitingState(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	c, err := m.CreateContext(ctx, "conv-1", "bot-1", firstNode())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := m.SetWaiting(ctx, c); err != nil {
		t.Fatalf("set waiting failed: %v", err)
	}

	got, err := m.GetContext(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.WaitingForResponse || got.WaitingSince == nil {
		t.Errorf("waiting state not persisted: %+v", got)
	}

	if err := m.ClearWaiting(ctx, got); err != nil {
		t.Fatalf("clear waiting failed: %v", err)
	}
	got, _ = m.GetContext(ctx, "conv-1")
	if got.WaitingForResponse || got.WaitingSince != nil {
		t.Errorf("waiting state not cleared: %+v", got)
	}
}

func TestCaptureLogAppends(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.StoreResponse(ctx, "conv-1", models.ResponseEntry{NodeID: "n2", Question: "name?", Response: "Ada", At: now}); err != nil {
		t.Fatalf("store response failed: %v", err)
	}
	if err := m.StoreSelection(ctx, "conv-1", models.SelectionEntry{NodeID: "n3", Kind: "button", Data: "b1", At: now}); err != nil {
		t.Fatalf("store selection failed: %v", err)
	}
	if err := m.StoreResponse(ctx, "conv-1", models.ResponseEntry{NodeID: "n4", Question: "city?", Response: "Lagos", At: now}); err != nil {
		t.Fatalf("store response failed: %v", err)
	}

	cap, err := m.GetCapture(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get capture failed: %v", err)
	}
	if len(cap.Responses) != 2 || len(cap.Selections) != 1 {
		t.Errorf("capture log = %d responses, %d selections", len(cap.Responses), len(cap.Selections))
	}
	if cap.Responses[0].Response != "Ada" || cap.Responses[1].Response != "Lagos" {
		t.Error("responses out of order")
	}
}

func TestButtonTransitionCache(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if got := m.LookupButtonTarget(ctx, "bot-1", "n2", "b1"); got != "" {
		t.Errorf("expected cache miss, got %q", got)
	}
	b := models.Button{ID: "b1", Title: "Yes", NextNodeID: "n3"}
	if err := m.CacheButtonTarget(ctx, "bot-1", "n2", b); err != nil {
		t.Fatalf("cache failed: %v", err)
	}
	if got := m.LookupButtonTarget(ctx, "bot-1", "n2", "b1"); got != "n3" {
		t.Errorf("lookup = %q, want n3", got)
	}
	// A different button on the same node is still a miss.
	if got := m.LookupButtonTarget(ctx, "bot-1", "n2", "b2"); got != "" {
		t.Errorf("expected miss for other button, got %q", got)
	}
}

func TestBusinessDataRoundTrip(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.GetBusinessData(ctx, "conv-1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
	bd := models.BusinessData{
		Token: "tok", PhoneNumberID: "pn-1", Recipient: "+15550001111",
		ContactID: "c1", ChatbotID: "bot-1", TenantID: "t1", ConversationID: "conv-1",
	}
	if err := m.SetBusinessData(ctx, "conv-1", bd); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := m.GetBusinessData(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if *got != bd {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestClearRemovesConversationState(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	c, _ := m.CreateContext(ctx, "conv-1", "bot-1", firstNode())
	_ = m.SetWaiting(ctx, c)
	_ = m.StoreResponse(ctx, "conv-1", models.ResponseEntry{NodeID: "n1", Response: "hi"})
	_ = m.SetBusinessData(ctx, "conv-1", models.BusinessData{ConversationID: "conv-1"})
	_ = m.CacheButtonTarget(ctx, "bot-1", "n2", models.Button{ID: "b1", NextNodeID: "n3"})

	if err := m.Clear(ctx, "conv-1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := m.GetContext(ctx, "conv-1"); !errors.Is(err, ErrNoSession) {
		t.Error("context survived clear")
	}
	if _, err := m.GetBusinessData(ctx, "conv-1"); !errors.Is(err, ErrNoSession) {
		t.Error("business data survived clear")
	}
	cap, _ := m.GetCapture(ctx, "conv-1")
	if len(cap.Responses) != 0 {
		t.Error("capture log survived clear")
	}
	// Button transitions are graph-scoped and stay.
	if _, ok := store.data[buttonKey("bot-1", "n2", "b1")]; !ok {
		t.Error("button transition should survive clear")
	}
}
