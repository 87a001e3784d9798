// Package whatsapp wraps the Whatsmeow client as a native WhatsApp channel
// provider, for tenants that deliver through a first-party WhatsApp account
// instead of Twilio's gateway.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/cartloop/notifier/internal/channels"
	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/notifier/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Opts holds configuration options for the WhatsApp provider.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp provider.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput instructs the provider to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode instructs the provider to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Compile-time check that Provider implements channels.Provider.
var _ channels.Provider = (*Provider)(nil)

// Provider wraps the Whatsmeow client behind the channel provider capability.
type Provider struct {
	waClient *whatsmeow.Client
}

// NewProvider creates a WhatsApp provider, running the interactive QR login
// flow on first use.
func NewProvider(opts ...Option) (*Provider, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewProvider: options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp.NewProvider: no database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	// Auto-detect database driver based on DSN
	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys on SQLite.
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; "+
				"consider adding '?_foreign_keys=on' to the connection string",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("whatsapp.NewProvider: failed to initialize DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("whatsapp.NewProvider: failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("whatsapp.NewProvider: login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("whatsapp.NewProvider: failed to connect during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("whatsapp.NewProvider: failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("whatsapp.NewProvider: login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("whatsapp.NewProvider: already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("whatsapp.NewProvider: failed to connect to server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("whatsapp.NewProvider: client connected")
	return &Provider{waClient: waClient}, nil
}

// Send delivers one WhatsApp message through the native client.
func (p *Provider) Send(ctx context.Context, req models.SendRequest) (*models.SendResponse, error) {
	if p.waClient == nil {
		return nil, fmt.Errorf("whatsapp client not initialized")
	}
	if req.To == "" {
		return nil, models.ErrEmptyRecipient
	}
	if req.Body == "" {
		return nil, models.ErrEmptyBody
	}

	slog.Debug("Provider.Send: sending WhatsApp message", "to", req.To, "body_length", len(req.Body))
	jid := types.NewJID(req.To, JIDSuffix)
	msg := &waE2E.Message{Conversation: &req.Body}

	resp, err := p.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Provider.Send: failed to send WhatsApp message", "error", err, "to", req.To)
		return nil, fmt.Errorf("failed to send message to %s: %w", req.To, err)
	}

	slog.Debug("Provider.Send: message sent", "to", req.To, "messageID", resp.ID)
	return &models.SendResponse{ProviderMessageID: string(resp.ID)}, nil
}

// SupportedChannels reports WhatsApp.
func (p *Provider) SupportedChannels() []models.Channel {
	return []models.Channel{models.ChannelWhatsApp}
}

// IsAvailable reports whether the client is connected.
func (p *Provider) IsAvailable() bool {
	return p.waClient != nil && p.waClient.IsConnected()
}

// Disconnect closes the connection to WhatsApp.
func (p *Provider) Disconnect() {
	if p.waClient != nil {
		p.waClient.Disconnect()
	}
}
