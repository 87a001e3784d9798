package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cartloop/notifier/internal/api"
	"github.com/cartloop/notifier/internal/channels"
	"github.com/cartloop/notifier/internal/config"
	"github.com/cartloop/notifier/internal/lockfile"
	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/notify"
	"github.com/cartloop/notifier/internal/outbox"
	"github.com/cartloop/notifier/internal/scheduler"
	"github.com/cartloop/notifier/internal/store"
	"github.com/cartloop/notifier/internal/template"
	"github.com/cartloop/notifier/internal/whatsapp"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	cfg := loadEnvironmentConfig()

	// Open the backing store
	st, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// The native WhatsApp session store tolerates exactly one client, so
	// guard it with a lock file before connecting.
	if cfg.WhatsApp.Enabled {
		lock, err := acquireWhatsAppLock(cfg)
		if err != nil {
			slog.Error("Failed to acquire WhatsApp session lock", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	// Wire channel providers
	registry, closeProviders, err := buildRegistry(cfg)
	if err != nil {
		slog.Error("Failed to build provider registry", "error", err)
		os.Exit(1)
	}
	defer closeProviders()
	if len(registry.Names()) == 0 {
		slog.Warn("No channel providers configured; events will dead-letter on delivery")
	}

	// Assemble the pipeline
	resolver := template.NewResolver(st, template.WithDefaultLocale(cfg.DefaultLocale))
	orchestrator := notify.NewOrchestrator(resolver, st, registry)
	service := outbox.NewService(st,
		outbox.WithMaxRetries(cfg.Processor.MaxRetries),
		outbox.WithBackoff(cfg.Processor.BackoffBase, cfg.Processor.BackoffMultiplier, cfg.Processor.BackoffCap),
	)
	processor := outbox.NewProcessor(service, orchestrator, buildProcessorOptions(cfg)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.APIAddr != "" {
		apiSrv := api.NewServer(service, st, registry, api.WithAddr(cfg.APIAddr))
		go func() {
			if err := apiSrv.Run(ctx); err != nil {
				slog.Error("API server stopped", "error", err)
			}
		}()
	}

	sched := scheduler.NewScheduler()
	if cfg.Processor.Enabled {
		processor.Start(ctx, sched)
		slog.Info("Notifier started", "providers", registry.Names())
	} else {
		slog.Info("Notifier started with processor disabled", "providers", registry.Names())
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	cancel()
	sched.Stop()
	processor.Drain()
	slog.Info("Notifier exited successfully")
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() config.Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := config.Load()
	slog.Debug("environment configuration loaded",
		"database_dsn_set", cfg.DatabaseDSN != "",
		"default_locale", cfg.DefaultLocale,
		"api_addr", cfg.APIAddr,
		"processor_enabled", cfg.Processor.Enabled,
		"smtp_configured", cfg.SMTP.Host != "",
		"twilio_sms_configured", cfg.Twilio.FromNumber != "",
		"twilio_whatsapp_configured", cfg.Twilio.WhatsAppFrom != "",
		"native_whatsapp_enabled", cfg.WhatsApp.Enabled)
	return cfg
}

// openStore opens the store matching the configured DSN, falling back to the
// in-memory store when no DSN is set.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DatabaseDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(cfg.DatabaseDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", cfg.DatabaseDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(cfg.DatabaseDSN))
}

// buildRegistry registers one provider per configured channel. The native
// WhatsApp client takes precedence over the Twilio gateway. The returned
// cleanup function disconnects providers that hold live connections.
func buildRegistry(cfg config.Config) (*channels.Registry, func(), error) {
	registry := channels.NewRegistry()
	cleanup := func() {}

	if cfg.SMTP.Host != "" {
		email, err := channels.NewSMTPEmailProvider(
			channels.WithSMTPServer(cfg.SMTP.Host, cfg.SMTP.Port),
			channels.WithSMTPAuth(cfg.SMTP.Username, cfg.SMTP.Password),
			channels.WithSMTPFrom(cfg.SMTP.From),
		)
		if err != nil {
			return nil, cleanup, err
		}
		registry.Register(string(models.ChannelEmail), email)
		slog.Debug("Registered SMTP email provider", "host", cfg.SMTP.Host)
	}

	if cfg.Twilio.FromNumber != "" {
		sms, err := channels.NewTwilioSMSProvider(
			channels.WithAccountSID(cfg.Twilio.AccountSID),
			channels.WithAuthToken(cfg.Twilio.AuthToken),
			channels.WithFrom(cfg.Twilio.FromNumber),
		)
		if err != nil {
			return nil, cleanup, err
		}
		registry.Register(string(models.ChannelSMS), sms)
		slog.Debug("Registered Twilio SMS provider")
	}

	switch {
	case cfg.WhatsApp.Enabled:
		waOpts := buildWhatsAppOptions(cfg)
		wa, err := whatsapp.NewProvider(waOpts...)
		if err != nil {
			return nil, cleanup, err
		}
		registry.Register(string(models.ChannelWhatsApp), wa)
		cleanup = wa.Disconnect
		slog.Debug("Registered native WhatsApp provider")
	case cfg.Twilio.WhatsAppFrom != "":
		wa, err := channels.NewTwilioWhatsAppProvider(
			channels.WithAccountSID(cfg.Twilio.AccountSID),
			channels.WithAuthToken(cfg.Twilio.AuthToken),
			channels.WithFrom(cfg.Twilio.WhatsAppFrom),
		)
		if err != nil {
			return nil, cleanup, err
		}
		registry.Register(string(models.ChannelWhatsApp), wa)
		slog.Debug("Registered Twilio WhatsApp provider")
	}

	return registry, cleanup, nil
}

// acquireWhatsAppLock locks the directory holding the whatsmeow session
// database so a second notifier process cannot corrupt the session.
func acquireWhatsAppLock(cfg config.Config) (*lockfile.Lock, error) {
	dsn := cfg.WhatsApp.DBDSN
	if dsn == "" {
		dsn = whatsapp.DefaultSQLitePath
	}
	stateDir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if store.DetectDSNType(dsn) == "postgres" {
		stateDir = filepath.Dir(whatsapp.DefaultSQLitePath)
	}
	return lockfile.AcquireLock(stateDir)
}

// buildWhatsAppOptions constructs native WhatsApp configuration options
func buildWhatsAppOptions(cfg config.Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if cfg.WhatsApp.DBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsApp.DBDSN))
	}
	if cfg.WhatsApp.QRPath != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QRPath))
	}
	if cfg.WhatsApp.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildProcessorOptions constructs processor configuration options
func buildProcessorOptions(cfg config.Config) []outbox.ProcessorOption {
	return []outbox.ProcessorOption{
		outbox.WithSweepIntervals(cfg.Processor.PollInterval, cfg.Processor.RetryInterval, cfg.Processor.StuckInterval),
		outbox.WithStuckThreshold(cfg.Processor.StuckThreshold),
		outbox.WithBatchSize(cfg.Processor.BatchSize),
		outbox.WithWorkerPoolSize(cfg.Processor.WorkerPoolSize),
		outbox.WithRetention(cfg.Processor.CleanupInterval, cfg.Processor.RetentionDays),
	}
}
