// Package whatsapp wraps the WhatsApp Cloud API for provider traffic in
// chatwire.
//
// The orchestrator core never speaks the provider protocol itself; this is
// the thin client it calls. Requests that fail with a 5xx are retried with
// exponential backoff before the error is surfaced as retryable.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client configuration defaults.
const (
	// DefaultBaseURL is the Cloud API endpoint prefix.
	DefaultBaseURL = "https://graph.facebook.com/v19.0"
	// DefaultMaxRetries is the number of retries on 5xx responses.
	DefaultMaxRetries = 5
	// DefaultRetryBase is the initial backoff between retries.
	DefaultRetryBase = 500 * time.Millisecond
	// DefaultRequestTimeout bounds one HTTP attempt.
	DefaultRequestTimeout = 30 * time.Second
)

// Error variables for provider calls.
var (
	ErrNoMessages            = errors.New("provider returned no messages")
	ErrUnsupportedByProvider = errors.New("message kind not supported by provider")
)

// SentMessage is one provider-assigned message in a send response.
type SentMessage struct {
	ID string `json:"id"`
}

// SendResult is the provider response to any send call.
type SendResult struct {
	Messages []SentMessage `json:"messages"`
}

// MediaRef points at media either by provider media id or by URL.
type MediaRef struct {
	MediaID string
	Link    string
	Caption string
}

// Credentials carry the per-tenant provider token and phone number id.
type Credentials struct {
	Token         string
	PhoneNumberID string
}

// Sender is the provider surface the dispatcher and broadcast workers call.
// All methods return the provider message ids on success.
type Sender interface {
	SendText(ctx context.Context, creds Credentials, to, body string) (*SendResult, error)
	SendMedia(ctx context.Context, creds Credentials, to, kind string, media MediaRef) (*SendResult, error)
	SendInteractive(ctx context.Context, creds Credentials, to string, payload map[string]interface{}) (*SendResult, error)
	SendTemplate(ctx context.Context, creds Credentials, to string, payload map[string]interface{}) (*SendResult, error)
}

// Opts holds configuration for the Client.
type Opts struct {
	BaseURL    string
	MaxRetries int
	RetryBase  time.Duration
	HTTPClient *http.Client
}

// Option configures the Client.
type Option func(*Opts)

// WithBaseURL overrides the Cloud API endpoint (used by tests).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithMaxRetries sets the 5xx retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithRetryBase sets the initial retry backoff.
func WithRetryBase(d time.Duration) Option {
	return func(o *Opts) { o.RetryBase = d }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is the Cloud API implementation of Sender.
type Client struct {
	baseURL    string
	maxRetries int
	retryBase  time.Duration
	http       *http.Client
}

// NewClient creates a Cloud API client from the provided options.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		http:       cfg.HTTPClient,
	}
}

var _ Sender = (*Client)(nil)

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, creds Credentials, to, body string) (*SendResult, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]interface{}{"body": body},
	}
	return c.send(ctx, creds, payload)
}

// SendMedia sends an image, video, audio, or document message. The media is
// referenced by provider media id when available, else by link.
func (c *Client) SendMedia(ctx context.Context, creds Credentials, to, kind string, media MediaRef) (*SendResult, error) {
	ref := map[string]interface{}{}
	if media.MediaID != "" {
		ref["id"] = media.MediaID
	} else {
		ref["link"] = media.Link
	}
	if media.Caption != "" && (kind == "image" || kind == "video" || kind == "document") {
		ref["caption"] = media.Caption
	}
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              kind,
		kind:                ref,
	}
	return c.send(ctx, creds, payload)
}

// SendInteractive sends a pre-built interactive payload as-is.
func (c *Client) SendInteractive(ctx context.Context, creds Credentials, to string, payload map[string]interface{}) (*SendResult, error) {
	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive":       payload,
	}
	return c.send(ctx, creds, body)
}

// SendTemplate sends a rendered template object.
func (c *Client) SendTemplate(ctx context.Context, creds Credentials, to string, payload map[string]interface{}) (*SendResult, error) {
	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template":          payload,
	}
	return c.send(ctx, creds, body)
}

// send posts the payload to the messages endpoint, retrying on 5xx with
// exponential backoff. 4xx responses are returned immediately: they will not
// improve with retries.
func (c *Client) send(ctx context.Context, creds Credentials, payload map[string]interface{}) (*SendResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, creds.PhoneNumberID)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBase << uint(attempt-1)
			slog.Warn("whatsapp send retrying", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to build provider request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+creds.Token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("provider request failed: %w", err)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read provider response: %w", readErr)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(body, 256))
			continue
		}
		if resp.StatusCode >= 400 {
			slog.Error("whatsapp send rejected", "status", resp.StatusCode, "body", truncate(body, 256))
			return nil, fmt.Errorf("provider rejected request with %d: %s", resp.StatusCode, truncate(body, 256))
		}

		var result SendResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode provider response: %w", err)
		}
		if len(result.Messages) == 0 {
			return nil, ErrNoMessages
		}
		slog.Debug("whatsapp send succeeded", "to_messages", len(result.Messages))
		return &result, nil
	}
	slog.Error("whatsapp send exhausted retries", "error", lastErr)
	return nil, lastErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
