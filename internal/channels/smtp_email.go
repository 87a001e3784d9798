// Package channels provides an SMTP-backed email provider.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/cartloop/notifier/internal/models"
)

// SMTPOpts holds configuration options for the SMTP email provider.
type SMTPOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPOption defines a configuration option for the SMTP email provider.
type SMTPOption func(*SMTPOpts)

// WithSMTPServer sets the relay host and port.
func WithSMTPServer(host string, port int) SMTPOption {
	return func(o *SMTPOpts) {
		o.Host = host
		o.Port = port
	}
}

// WithSMTPAuth sets the relay credentials. Leave unset for an open relay.
func WithSMTPAuth(username, password string) SMTPOption {
	return func(o *SMTPOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithSMTPFrom sets the sender address.
func WithSMTPFrom(from string) SMTPOption {
	return func(o *SMTPOpts) { o.From = from }
}

// sendMailFunc matches smtp.SendMail; tests substitute a fake.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Compile-time check that SMTPEmailProvider implements Provider.
var _ Provider = (*SMTPEmailProvider)(nil)

// SMTPEmailProvider delivers email notifications through an SMTP relay.
type SMTPEmailProvider struct {
	host     string
	port     int
	auth     smtp.Auth
	from     string
	sendMail sendMailFunc
}

// NewSMTPEmailProvider creates an email provider for the configured relay.
func NewSMTPEmailProvider(opts ...SMTPOption) (*SMTPEmailProvider, error) {
	var cfg SMTPOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("SMTP from address must be provided")
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	slog.Debug("SMTPEmailProvider config loaded", "host", cfg.Host, "port", cfg.Port, "auth_set", auth != nil)
	return &SMTPEmailProvider{
		host:     cfg.Host,
		port:     cfg.Port,
		auth:     auth,
		from:     cfg.From,
		sendMail: smtp.SendMail,
	}, nil
}

// Send delivers one email message.
func (p *SMTPEmailProvider) Send(ctx context.Context, req models.SendRequest) (*models.SendResponse, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return nil, models.ErrEmptyRecipient
	}
	if !strings.Contains(to, "@") {
		return nil, fmt.Errorf("invalid email address: %q", to)
	}
	if req.Body == "" {
		return nil, models.ErrEmptyBody
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", p.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", req.Subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(req.Body)

	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	if err := p.sendMail(addr, p.auth, p.from, []string{to}, []byte(msg.String())); err != nil {
		slog.Error("SMTPEmailProvider.Send failed", "to", to, "error", err)
		return nil, fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	slog.Debug("SMTPEmailProvider.Send: message sent", "to", to)
	// SMTP has no provider message id to report.
	return &models.SendResponse{}, nil
}

// SupportedChannels reports email.
func (p *SMTPEmailProvider) SupportedChannels() []models.Channel {
	return []models.Channel{models.ChannelEmail}
}

// IsAvailable reports whether the provider has a configured relay.
func (p *SMTPEmailProvider) IsAvailable() bool {
	return p.host != ""
}
