// Package channels wraps the Twilio API for WhatsApp delivery.
package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/cartloop/notifier/internal/models"
)

// Compile-time check that TwilioWhatsAppProvider implements Provider.
var _ Provider = (*TwilioWhatsAppProvider)(nil)

// TwilioWhatsAppProvider delivers WhatsApp notifications through the Twilio
// API using "whatsapp:" addressing.
type TwilioWhatsAppProvider struct {
	api  twilioMessageCreator
	from string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewTwilioWhatsAppProvider creates a WhatsApp provider, falling back to
// the TWILIO_* environment variables for anything not set via options.
func NewTwilioWhatsAppProvider(opts ...TwilioOption) (*TwilioWhatsAppProvider, error) {
	cfg, err := resolveTwilioOpts("TWILIO_WHATSAPP_FROM", opts)
	if err != nil {
		return nil, err
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	from := cfg.From
	if len(from) < len("whatsapp:") || from[:len("whatsapp:")] != "whatsapp:" {
		from = "whatsapp:" + from
	}
	return &TwilioWhatsAppProvider{api: client.Api, from: from}, nil
}

// Send delivers one WhatsApp message.
func (p *TwilioWhatsAppProvider) Send(ctx context.Context, req models.SendRequest) (*models.SendResponse, error) {
	to, err := canonicalizePhoneNumber(req.To)
	if err != nil {
		return nil, err
	}
	if req.Body == "" {
		return nil, models.ErrEmptyBody
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(p.from)
	params.SetBody(req.Body)

	resp, err := p.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioWhatsAppProvider.Send failed", "to", to, "error", err)
		return nil, fmt.Errorf("failed to send WhatsApp message to %s: %w", to, err)
	}

	var sid string
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioWhatsAppProvider.Send: message sent", "to", to, "sid", sid)
	return &models.SendResponse{ProviderMessageID: sid}, nil
}

// SupportedChannels reports WhatsApp.
func (p *TwilioWhatsAppProvider) SupportedChannels() []models.Channel {
	return []models.Channel{models.ChannelWhatsApp}
}

// IsAvailable reports whether the provider has a usable API client.
func (p *TwilioWhatsAppProvider) IsAvailable() bool {
	return p.api != nil
}
