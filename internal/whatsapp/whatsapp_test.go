package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testCreds() Credentials {
	return Credentials{Token: "tok", PhoneNumberID: "12345"}
}

func newServerClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL), WithRetryBase(time.Millisecond), WithMaxRetries(3))
}

func okResponse(w http.ResponseWriter, ids ...string) {
	msgs := make([]map[string]string, len(ids))
	for i, id := range ids {
		msgs[i] = map[string]string{"id": id}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"messages": msgs})
}

func TestSendTextPayloadAndAuth(t *testing.T) {
	var captured map[string]interface{}
	var path, auth string
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&captured)
		okResponse(w, "wamid.1")
	})

	res, err := c.SendText(context.Background(), testCreds(), "+15550001111", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != "wamid.1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if path != "/12345/messages" {
		t.Errorf("path = %q", path)
	}
	if auth != "Bearer tok" {
		t.Errorf("auth = %q", auth)
	}
	if captured["type"] != "text" {
		t.Errorf("type = %v", captured["type"])
	}
	text, _ := captured["text"].(map[string]interface{})
	if text["body"] != "hello" {
		t.Errorf("body = %v", text["body"])
	}
}

func TestSendRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		okResponse(w, "wamid.2")
	})

	res, err := c.SendText(context.Background(), testCreds(), "+15550001111", "retry me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if res.Messages[0].ID != "wamid.2" {
		t.Errorf("unexpected id: %s", res.Messages[0].ID)
	}
}

func TestSendDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.SendText(context.Background(), testCreds(), "+15550001111", "bad")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", calls.Load())
	}
}

func TestSendFailsOnEmptyMessages(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": []interface{}{}})
	})
	_, err := c.SendText(context.Background(), testCreds(), "+15550001111", "void")
	if !errors.Is(err, ErrNoMessages) {
		t.Errorf("expected ErrNoMessages, got %v", err)
	}
}

func TestSendMediaPrefersMediaID(t *testing.T) {
	var captured map[string]interface{}
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		okResponse(w, "wamid.3")
	})

	_, err := c.SendMedia(context.Background(), testCreds(), "+15550001111", "image", MediaRef{MediaID: "m-1", Link: "https://cdn/x.png", Caption: "pic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img, _ := captured["image"].(map[string]interface{})
	if img["id"] != "m-1" {
		t.Errorf("expected media id reference, got %v", img)
	}
	if _, hasLink := img["link"]; hasLink {
		t.Error("link must be omitted when a media id is present")
	}
	if img["caption"] != "pic" {
		t.Errorf("caption = %v", img["caption"])
	}
}

func TestSendInteractivePassesPayloadAsIs(t *testing.T) {
	var captured map[string]interface{}
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		okResponse(w, "wamid.4")
	})

	payload := map[string]interface{}{"type": "button", "body": map[string]interface{}{"text": "pick"}}
	if _, err := c.SendInteractive(context.Background(), testCreds(), "+15550001111", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inner, _ := captured["interactive"].(map[string]interface{})
	if inner["type"] != "button" {
		t.Errorf("interactive payload altered: %v", inner)
	}
}
