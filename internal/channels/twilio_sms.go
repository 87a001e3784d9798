// Package channels wraps the Twilio API for SMS delivery.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/cartloop/notifier/internal/models"
)

// TwilioOpts holds configuration options for the Twilio providers.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioOption defines a configuration option for the Twilio providers.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sender number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// twilioMessageCreator is the slice of the Twilio REST API the providers
// use; tests substitute a fake.
type twilioMessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Compile-time check that TwilioSMSProvider implements Provider.
var _ Provider = (*TwilioSMSProvider)(nil)

// TwilioSMSProvider delivers SMS notifications through the Twilio API.
type TwilioSMSProvider struct {
	api  twilioMessageCreator
	from string
}

// NewTwilioSMSProvider creates an SMS provider, falling back to the
// TWILIO_* environment variables for anything not set via options.
func NewTwilioSMSProvider(opts ...TwilioOption) (*TwilioSMSProvider, error) {
	cfg, err := resolveTwilioOpts("TWILIO_FROM_NUMBER", opts)
	if err != nil {
		return nil, err
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMSProvider{api: client.Api, from: cfg.From}, nil
}

func resolveTwilioOpts(fromEnv string, opts []TwilioOption) (TwilioOpts, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv(fromEnv)
	}
	slog.Debug("Twilio provider config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return cfg, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return cfg, fmt.Errorf("sender number must be provided")
	}
	return cfg, nil
}

// Send delivers one SMS message.
func (p *TwilioSMSProvider) Send(ctx context.Context, req models.SendRequest) (*models.SendResponse, error) {
	to, err := canonicalizePhoneNumber(req.To)
	if err != nil {
		return nil, err
	}
	if req.Body == "" {
		return nil, models.ErrEmptyBody
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + to)
	params.SetFrom(p.from)
	params.SetBody(req.Body)

	resp, err := p.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioSMSProvider.Send failed", "to", to, "error", err)
		return nil, fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}

	var sid string
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioSMSProvider.Send: message sent", "to", to, "sid", sid)
	return &models.SendResponse{ProviderMessageID: sid}, nil
}

// SupportedChannels reports SMS.
func (p *TwilioSMSProvider) SupportedChannels() []models.Channel {
	return []models.Channel{models.ChannelSMS}
}

// IsAvailable reports whether the provider has a usable API client.
func (p *TwilioSMSProvider) IsAvailable() bool {
	return p.api != nil
}
