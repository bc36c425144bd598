package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/kv"
	"github.com/chatwire/chatwire/internal/models"
	"github.com/chatwire/chatwire/internal/msglog"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/whatsapp"
)

// fakeProvider records sends and hands out sequential provider message ids.
// extraIDs adds additional message ids to every response.
type fakeProvider struct {
	calls    []providerCall
	fail     error
	extraIDs int
}

type providerCall struct {
	method  string
	to      string
	body    string
	kind    string
	payload map[string]interface{}
}

func (f *fakeProvider) result() *whatsapp.SendResult {
	msgs := []whatsapp.SentMessage{{ID: fmt.Sprintf("wamid.%d", len(f.calls))}}
	for i := 0; i < f.extraIDs; i++ {
		msgs = append(msgs, whatsapp.SentMessage{ID: fmt.Sprintf("wamid.%d-%d", len(f.calls), i+1)})
	}
	return &whatsapp.SendResult{Messages: msgs}
}

func (f *fakeProvider) SendText(ctx context.Context, creds whatsapp.Credentials, to, body string) (*whatsapp.SendResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, providerCall{method: "text", to: to, body: body})
	return f.result(), nil
}

func (f *fakeProvider) SendMedia(ctx context.Context, creds whatsapp.Credentials, to, kind string, media whatsapp.MediaRef) (*whatsapp.SendResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, providerCall{method: "media", to: to, kind: kind, body: media.Caption})
	return f.result(), nil
}

func (f *fakeProvider) SendInteractive(ctx context.Context, creds whatsapp.Credentials, to string, payload map[string]interface{}) (*whatsapp.SendResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, providerCall{method: "interactive", to: to, payload: payload})
	return f.result(), nil
}

func (f *fakeProvider) SendTemplate(ctx context.Context, creds whatsapp.Credentials, to string, payload map[string]interface{}) (*whatsapp.SendResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, providerCall{method: "template", to: to, payload: payload})
	return f.result(), nil
}

// fakePublisher records envelopes by exchange.
type fakePublisher struct {
	published []publishedEnv
}

type publishedEnv struct {
	exchange string
	env      models.TaskEnvelope
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, key string, env models.TaskEnvelope) error {
	f.published = append(f.published, publishedEnv{exchange: exchange, env: env})
	return nil
}

func (f *fakePublisher) byExchange(exchange string) []models.TaskEnvelope {
	var out []models.TaskEnvelope
	for _, p := range f.published {
		if p.exchange == exchange {
			out = append(out, p.env)
		}
	}
	return out
}

// fakeDocStore keeps message documents in memory.
type fakeDocStore struct {
	docs map[string]models.OutboundMessage
}

func (f *fakeDocStore) UpsertMessage(ctx context.Context, m models.OutboundMessage) error {
	f.docs[m.ID] = m
	return nil
}

func (f *fakeDocStore) UpdateMessageStatus(ctx context.Context, waID string, status models.MessageStatus) error {
	return nil
}

// memKV is an in-memory session backend.
type memKV struct {
	data map[string][]byte
}

func (m *memKV) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, mode kv.SetMode) (bool, error) {
	data, err := kv.Marshal(value)
	if err != nil {
		return false, err
	}
	m.data[key] = data
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
	}
	return nil
}

func (m *memKV) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, ok := m.data[key]
	return ok, nil
}

type harness struct {
	d        *Dispatcher
	provider *fakeProvider
	pub      *fakePublisher
	doc      *fakeDocStore
	sessions *session.Manager
	c        *models.ChatbotContext
	bd       *models.BusinessData
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rel, err := msglog.NewSQLiteStore(msglog.WithDSN("file:" + t.Name() + "?mode=memory&cache=shared"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { rel.Close() })

	provider := &fakeProvider{}
	pub := &fakePublisher{}
	doc := &fakeDocStore{docs: make(map[string]models.OutboundMessage)}
	sessions := session.NewManager(&memKV{data: make(map[string][]byte)})
	log := msglog.NewLog(rel, doc, pub)

	seq := 0
	d := NewDispatcher(provider, log, sessions, pub, WithNewID(func() string {
		seq++
		return fmt.Sprintf("id-%04d", seq)
	}))

	ctx := context.Background()
	c, err := sessions.CreateContext(ctx, "conv-1", "bot-1", &models.FlowNode{ID: "n1", Kind: models.NodeKindMessage})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	bd := &models.BusinessData{
		Token: "tok", PhoneNumberID: "pn-1", Recipient: "+15550001111",
		ContactID: "c1", ChatbotID: "bot-1", TenantID: "t1", ConversationID: "conv-1",
	}
	return &harness{d: d, provider: provider, pub: pub, doc: doc, sessions: sessions, c: c, bd: bd}
}

func TestMessageNodeSendsItemsInOrder(t *testing.T) {
	h := newHarness(t)
	node := &models.FlowNode{
		ID: "n1", ChatbotID: "bot-1", Kind: models.NodeKindMessage, NextNodeID: "n2",
		Body: &models.NodeBody{ContentItems: []models.ContentItem{
			{Order: 2, MediaID: "m-1", ContentType: "image"},
			{Order: 1, Text: "hello"},
			{Order: 3, CDNURL: "https://cdn/x.pdf", MimeType: "application/pdf"},
		}},
	}

	out, err := h.d.Dispatch(context.Background(), h.c, node, h.bd)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if out.Waiting || out.Completed || out.NextNodeID != "n2" {
		t.Errorf("unexpected outcome: %+v", out)
	}

	if len(h.provider.calls) != 3 {
		t.Fatalf("expected 3 provider calls, got %d", len(h.provider.calls))
	}
	if h.provider.calls[0].method != "text" || h.provider.calls[0].body != "hello" {
		t.Errorf("first call = %+v, want the order-1 text", h.provider.calls[0])
	}
	if h.provider.calls[1].kind != "image" {
		t.Errorf("second call kind = %q, want image", h.provider.calls[1].kind)
	}
	if h.provider.calls[2].kind != "document" {
		t.Errorf("third call kind = %q, want document from mime fallback", h.provider.calls[2].kind)
	}
	if len(h.doc.docs) != 3 {
		t.Errorf("expected 3 recorded messages, got %d", len(h.doc.docs))
	}

	conts := h.pub.byExchange(queue.ExchangeChatbotFlow)
	if len(conts) != 1 {
		t.Fatalf("expected 1 continuation, got %d", len(conts))
	}
	if conts[0].Task != models.TaskChatbotFlow || conts[0].StringKwarg("node_id") != "n2" {
		t.Errorf("continuation = %+v", conts[0])
	}
	if conts[0].StringKwarg("conversation_id") != "conv-1" {
		t.Error("continuation missing conversation id")
	}
}

func TestFinalMessageNodeCompletesWithoutContinuation(t *testing.T) {
	h := newHarness(t)
	node := &models.FlowNode{
		ID: "n9", ChatbotID: "bot-1", Kind: models.NodeKindMessage, IsFinal: true,
		Body: &models.NodeBody{TextBody: "goodbye"},
	}

	out, err := h.d.Dispatch(context.Background(), h.c, node, h.bd)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !out.Completed {
		t.Error("final node must report completion")
	}
	if got := h.pub.byExchange(queue.ExchangeChatbotFlow); len(got) != 0 {
		t.Errorf("final node published %d continuations", len(got))
	}
}

func TestQuestionNodeWaits(t *testing.T) {
	h := newHarness(t)
	node := &models.FlowNode{
		ID: "n2", ChatbotID: "bot-1", Kind: models.NodeKindQuestion, NextNodeID: "n3",
		Body: &models.NodeBody{Prompt: "What is your name?"},
	}

	out, err := h.d.Dispatch(context.Background(), h.c, node, h.bd)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !out.Waiting {
		t.Error("question node must wait")
	}
	if len(h.provider.calls) != 1 || h.provider.calls[0].body != "What is your name?" {
		t.Errorf("provider calls = %+v", h.provider.calls)
	}
	got, err := h.sessions.GetContext(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get context failed: %v", err)
	}
	if !got.WaitingForResponse || got.WaitingSince == nil {
		t.Error("session not marked waiting")
	}
	// Waiting nodes never self-advance.
	if got := h.pub.byExchange(queue.ExchangeChatbotFlow); len(got) != 0 {
		t.Errorf("question node published %d continuations", len(got))
	}
}

func TestInteractiveNodeCachesButtonTargets(t *testing.T) {
	h := newHarness(t)
	node := &models.FlowNode{
		ID: "n3", ChatbotID: "bot-1", Kind: models.NodeKindInteractiveButtons,
		Body: &models.NodeBody{TextBody: "Pick one"},
		Buttons: []models.Button{
			{ID: "b1", Title: "Yes", NextNodeID: "n4"},
			{ID: "b2", Title: "No", NextNodeID: "n5"},
		},
	}

	out, err := h.d.Dispatch(context.Background(), h.c, node, h.bd)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !out.Waiting {
		t.Error("interactive node must wait")
	}
	if h.provider.calls[0].method != "interactive" {
		t.Errorf("provider method = %q", h.provider.calls[0].method)
	}
	action, ok := h.provider.calls[0].payload["action"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload missing action: %+v", h.provider.calls[0].payload)
	}
	if buttons, _ := action["buttons"].([]interface{}); len(buttons) != 2 {
		t.Errorf("payload buttons = %+v", action["buttons"])
	}

	if got := h.sessions.LookupButtonTarget(context.Background(), "bot-1", "n3", "b1"); got != "n4" {
		t.Errorf("cached target for b1 = %q, want n4", got)
	}
	if got := h.sessions.LookupButtonTarget(context.Background(), "bot-1", "n3", "b2"); got != "n5" {
		t.Errorf("cached target for b2 = %q, want n5", got)
	}
}

func TestOperationNodePublishesEventAndContinues(t *testing.T) {
	h := newHarness(t)
	node := &models.FlowNode{
		ID: "n4", ChatbotID: "bot-1", Kind: models.NodeKindOperation, NextNodeID: "n5",
		Body: &models.NodeBody{Operation: map[string]interface{}{"name": "tag_contact"}},
	}

	out, err := h.d.Dispatch(context.Background(), h.c, node, h.bd)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if out.NextNodeID != "n5" {
		t.Errorf("outcome = %+v", out)
	}
	if len(h.provider.calls) != 0 {
		t.Errorf("operation node made %d provider calls", len(h.provider.calls))
	}

	replies := h.pub.byExchange(queue.ExchangeChatbotReplies)
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply event, got %d", len(replies))
	}
	if replies[0].Task != string(models.ReplyEventOperation) {
		t.Errorf("reply task = %q", replies[0].Task)
	}
	if len(h.pub.byExchange(queue.ExchangeChatbotFlow)) != 1 {
		t.Error("operation node with next must publish a continuation")
	}
}

func TestMultiMessageResponseRecordsEveryID(t *testing.T) {
	h := newHarness(t)
	h.provider.extraIDs = 1
	node := &models.FlowNode{
		ID: "n1", ChatbotID: "bot-1", Kind: models.NodeKindMessage, NextNodeID: "n2",
		Body: &models.NodeBody{TextBody: "hello"},
	}

	if _, err := h.d.Dispatch(context.Background(), h.c, node, h.bd); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(h.doc.docs) != 2 {
		t.Fatalf("expected one row per provider message id, got %d", len(h.doc.docs))
	}
	seen := make(map[string]bool)
	for _, m := range h.doc.docs {
		seen[m.WhatsAppMessageID] = true
	}
	if !seen["wamid.1"] || !seen["wamid.1-1"] {
		t.Errorf("recorded provider ids = %v", seen)
	}
	// One item was sent, so exactly one continuation regardless of id count.
	if got := h.pub.byExchange(queue.ExchangeChatbotFlow); len(got) != 1 {
		t.Errorf("continuations = %d, want 1", len(got))
	}
}

func TestProviderFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.provider.fail = errors.New("provider down")
	node := &models.FlowNode{
		ID: "n1", ChatbotID: "bot-1", Kind: models.NodeKindMessage, NextNodeID: "n2",
		Body: &models.NodeBody{TextBody: "hello"},
	}

	if _, err := h.d.Dispatch(context.Background(), h.c, node, h.bd); err == nil {
		t.Fatal("expected error from provider")
	}
	if len(h.doc.docs) != 0 {
		t.Error("failed send must not be recorded")
	}
	if len(h.pub.published) != 0 {
		t.Error("failed send must not publish anything")
	}
}

func TestEmptyNodeRejected(t *testing.T) {
	h := newHarness(t)
	node := &models.FlowNode{ID: "n1", ChatbotID: "bot-1", Kind: models.NodeKindMessage}
	if _, err := h.d.Dispatch(context.Background(), h.c, node, h.bd); !errors.Is(err, ErrEmptyNode) {
		t.Errorf("expected ErrEmptyNode, got %v", err)
	}
}
