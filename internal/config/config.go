// Package config loads notifier settings from environment variables.
package config

import (
	"time"

	"github.com/cartloop/notifier/internal/outbox"
	"github.com/cartloop/notifier/internal/util"
)

// ProcessorConfig holds the sweep and retry knobs of the outbox processor.
type ProcessorConfig struct {
	Enabled         bool
	PollInterval    time.Duration
	RetryInterval   time.Duration
	StuckInterval   time.Duration
	StuckThreshold  time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	WorkerPoolSize  int
	RetentionDays   int

	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
}

// SMTPConfig holds the email provider settings. Email is enabled when Host is set.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// TwilioConfig holds Twilio credentials for SMS and the Twilio WhatsApp
// gateway. SMS is enabled when FromNumber is set, gateway WhatsApp when
// WhatsAppFrom is set.
type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string
	WhatsAppFrom string
}

// WhatsAppConfig holds native WhatsApp client settings. The native client is
// enabled when Enabled is true; it takes precedence over the Twilio gateway
// for the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled     bool
	DBDSN       string
	QRPath      string
	NumericCode bool
}

// Config is the full notifier configuration.
type Config struct {
	DatabaseDSN   string
	DefaultLocale string
	APIAddr       string
	Processor     ProcessorConfig
	SMTP          SMTPConfig
	Twilio        TwilioConfig
	WhatsApp      WhatsAppConfig
}

// Load reads the configuration from environment variables, applying defaults
// for everything unset. It never fails; invalid values fall back to defaults
// with a warning.
func Load() Config {
	return Config{
		DatabaseDSN:   util.GetEnv("NOTIFY_DATABASE_DSN", ""),
		DefaultLocale: util.GetEnv("NOTIFY_DEFAULT_LOCALE", "en"),
		APIAddr:       util.GetEnv("NOTIFY_API_ADDR", ""),
		Processor: ProcessorConfig{
			Enabled:         util.ParseBoolEnv("NOTIFY_PROCESSOR_ENABLED", true),
			PollInterval:    util.ParseDurationEnv("NOTIFY_POLL_INTERVAL", outbox.DefaultPollInterval),
			RetryInterval:   util.ParseDurationEnv("NOTIFY_RETRY_INTERVAL", outbox.DefaultRetryInterval),
			StuckInterval:   util.ParseDurationEnv("NOTIFY_STUCK_INTERVAL", outbox.DefaultStuckInterval),
			StuckThreshold:  util.ParseDurationEnv("NOTIFY_STUCK_THRESHOLD", outbox.DefaultStuckThreshold),
			CleanupInterval: util.ParseDurationEnv("NOTIFY_CLEANUP_INTERVAL", outbox.DefaultCleanupInterval),
			BatchSize:       util.ParseIntEnv("NOTIFY_BATCH_SIZE", outbox.DefaultBatchSize),
			WorkerPoolSize:  util.ParseIntEnv("NOTIFY_WORKER_POOL_SIZE", outbox.DefaultWorkerPoolSize),
			RetentionDays:   util.ParseIntEnv("NOTIFY_RETENTION_DAYS", outbox.DefaultRetentionDays),

			MaxRetries:        util.ParseIntEnv("NOTIFY_MAX_RETRIES", 3),
			BackoffBase:       util.ParseDurationEnv("NOTIFY_BACKOFF_BASE", outbox.DefaultBackoffBase),
			BackoffMultiplier: util.ParseFloatEnv("NOTIFY_BACKOFF_MULTIPLIER", outbox.DefaultBackoffMultiplier),
			BackoffCap:        util.ParseDurationEnv("NOTIFY_BACKOFF_CAP", outbox.DefaultBackoffCap),
		},
		SMTP: SMTPConfig{
			Host:     util.GetEnv("SMTP_HOST", ""),
			Port:     util.ParseIntEnv("SMTP_PORT", 587),
			Username: util.GetEnv("SMTP_USERNAME", ""),
			Password: util.GetEnv("SMTP_PASSWORD", ""),
			From:     util.GetEnv("SMTP_FROM", ""),
		},
		Twilio: TwilioConfig{
			AccountSID:   util.GetEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:    util.GetEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber:   util.GetEnv("TWILIO_FROM_NUMBER", ""),
			WhatsAppFrom: util.GetEnv("TWILIO_WHATSAPP_FROM", ""),
		},
		WhatsApp: WhatsAppConfig{
			Enabled:     util.ParseBoolEnv("WHATSAPP_ENABLED", false),
			DBDSN:       util.GetEnv("WHATSAPP_DB_DSN", ""),
			QRPath:      util.GetEnv("WHATSAPP_QR_PATH", ""),
			NumericCode: util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		},
	}
}
