// Package twiliowhatsapp provides the Twilio-backed alternative to the
// Cloud API provider client.
//
// Twilio's Go SDK covers text and media sends; interactive and template
// payloads are not expressible through it and are reported as unsupported so
// flows relying on them fail permanently instead of retrying.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chatwire/chatwire/internal/whatsapp"
)

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender number in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client implements whatsapp.Sender over the Twilio REST API. Provider
// credentials per tenant are ignored; Twilio authenticates with the account
// SID and token instead.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

var _ whatsapp.Sender = (*Client)(nil)

// NewClient creates a Twilio client, falling back to the TWILIO_* environment
// variables for any option not provided.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

func (c *Client) create(to string, params *twilioApi.CreateMessageParams) (*whatsapp.SendResult, error) {
	params.SetTo("whatsapp:" + to)
	params.SetFrom(c.fromWhats)
	msg, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return nil, fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return &whatsapp.SendResult{Messages: []whatsapp.SentMessage{{ID: sid}}}, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, _ whatsapp.Credentials, to, body string) (*whatsapp.SendResult, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetBody(body)
	return c.create(to, params)
}

// SendMedia sends media by URL. Twilio has no media-id upload path, so a
// provider media id without a link is unsupported.
func (c *Client) SendMedia(ctx context.Context, _ whatsapp.Credentials, to, kind string, media whatsapp.MediaRef) (*whatsapp.SendResult, error) {
	if media.Link == "" {
		return nil, fmt.Errorf("twilio media send requires a url: %w", whatsapp.ErrUnsupportedByProvider)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetMediaUrl([]string{media.Link})
	if media.Caption != "" {
		params.SetBody(media.Caption)
	}
	return c.create(to, params)
}

// SendInteractive is not supported by the Twilio Go SDK.
func (c *Client) SendInteractive(ctx context.Context, _ whatsapp.Credentials, to string, _ map[string]interface{}) (*whatsapp.SendResult, error) {
	slog.Debug("Twilio SendInteractive unsupported", "to", to)
	return nil, whatsapp.ErrUnsupportedByProvider
}

// SendTemplate is not supported by the Twilio Go SDK.
func (c *Client) SendTemplate(ctx context.Context, _ whatsapp.Credentials, to string, _ map[string]interface{}) (*whatsapp.SendResult, error) {
	slog.Debug("Twilio SendTemplate unsupported", "to", to)
	return nil, whatsapp.ErrUnsupportedByProvider
}
