package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/citabot/citabot/internal/api"
	"github.com/citabot/citabot/internal/audit"
	"github.com/citabot/citabot/internal/facade"
	"github.com/citabot/citabot/internal/lockfile"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/orchestrator"
	"github.com/citabot/citabot/internal/scheduler"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/util"
	"github.com/citabot/citabot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Citabot state data
	DefaultStateDir = "/var/lib/citabot"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "citabot.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultRetentionDays is the conversation data retention window
	DefaultRetentionDays = 365
)

// Messaging channel selectors.
const (
	ChannelTwilio    = "twilio"
	ChannelWhatsmeow = "whatsmeow"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own a state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(config, flags); err != nil {
		slog.Error("Citabot failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("Citabot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	OpenAIKey        string
	OpenAIModel      string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	CalendlyToken    string
	APIAddr          string
	Channel          string
	RetentionDays    int
	AuditRetention   int
	MaxRetries       int
	PurgeCron        string
	ScanCron         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	appDBDSN      *string
	whatsappDBDSN *string
	openaiKey     *string
	apiAddr       *string
	channel       *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("CITABOT_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		CalendlyToken:    os.Getenv("CALENDLY_TOKEN"),
		APIAddr:          os.Getenv("API_ADDR"),
		Channel:          os.Getenv("MESSAGING_CHANNEL"),
		RetentionDays:    util.ParseIntEnv("RETENTION_DAYS", DefaultRetentionDays),
		AuditRetention:   util.ParseIntEnv("AUDIT_RETENTION_DAYS", audit.DefaultAuditRetentionDays),
		MaxRetries:       util.ParseIntEnv("MAX_RETRY_ATTEMPTS", orchestrator.DefaultMaxRetryAttempts),
		PurgeCron:        os.Getenv("PURGE_CRON"),
		ScanCron:         os.Getenv("SCAN_CRON"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CITABOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Legacy DATABASE_URL still works for the application store
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}

	if config.Channel == "" {
		config.Channel = ChannelTwilio
	}

	slog.Debug("environment variables loaded",
		"CITABOT_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "",
		"CALENDLY_TOKEN_SET", config.CalendlyToken != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_CHANNEL", config.Channel,
		"RETENTION_DAYS", config.RetentionDays,
		"AUDIT_RETENTION_DAYS", config.AuditRetention)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for Citabot data (overrides $CITABOT_STATE_DIR)"),
		appDBDSN:      flag.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:       flag.String("channel", config.Channel, "messaging channel: twilio or whatsmeow (overrides $MESSAGING_CHANNEL)"),
	}

	flag.Parse()

	// Re-derive default DSNs when the state directory is overridden
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.whatsappDBDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.whatsappDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	if store.DetectDSNType(*flags.appDBDSN) == "sqlite" {
		dbDir := filepath.Dir(strings.TrimPrefix(*flags.appDBDSN, "file:"))
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// newApplicationStore selects the store backend from the DSN shape.
func newApplicationStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No application DSN configured, using in-memory store; data will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildFacadeOptions constructs facade capability options from configuration.
func buildFacadeOptions(config Config, flags Flags) []facade.Option {
	var opts []facade.Option
	if config.TwilioSID != "" && config.TwilioToken != "" && config.TwilioFrom != "" {
		opts = append(opts, facade.WithTwilioCredentials(config.TwilioSID, config.TwilioToken, config.TwilioFrom))
	}
	if *flags.openaiKey != "" {
		opts = append(opts, facade.WithOpenAI(*flags.openaiKey, config.OpenAIModel, 0))
	}
	if config.CalendlyToken != "" {
		opts = append(opts, facade.WithCalendlyToken(config.CalendlyToken))
	}
	return opts
}

// buildWhatsAppOptions constructs whatsmeow client configuration options.
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// run wires the store, facade, orchestrator, scheduler and API server and
// blocks until shutdown.
func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appStore, err := newApplicationStore(*flags.appDBDSN)
	if err != nil {
		return err
	}
	defer appStore.Close()

	facadeOpts := buildFacadeOptions(config, flags)

	// The whatsmeow channel replaces the Twilio delivery path and feeds
	// inbound events directly instead of through the webhook. The Twilio
	// channel is built lazily by the facade from its credentials.
	var msgService messaging.Service
	if *flags.channel == ChannelWhatsmeow {
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return err
		}
		msgService = messaging.NewWhatsAppService(waClient)
		facadeOpts = append(facadeOpts, facade.WithMessagingService(msgService))
	}

	f := facade.New(appStore, facadeOpts...)
	ledger := audit.NewLedger(appStore, audit.WithAuditRetentionDays(config.AuditRetention))
	orch := orchestrator.New(f, ledger, orchestrator.WithMaxRetryAttempts(config.MaxRetries))

	if msgService != nil {
		if err := msgService.Start(ctx); err != nil {
			return err
		}
		defer msgService.Stop()
		go consumeInbound(ctx, msgService, orch)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleRetentionPurge(ledger, config.RetentionDays, config.PurgeCron); err != nil {
		return err
	}
	if err := sched.ScheduleSuspiciousScan(ledger, config.ScanCron); err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithRetentionDays(config.RetentionDays)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(f, ledger, orch, apiOpts...)

	slog.Info("Citabot started", "channel", *flags.channel, "retention_days", config.RetentionDays)
	return server.Start(ctx)
}

// consumeInbound feeds channel-delivered messages into the orchestrator.
func consumeInbound(ctx context.Context, svc messaging.Service, orch *orchestrator.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-svc.Inbound():
			if !ok {
				return
			}
			if err := orch.HandleInboundMessage(ctx, msg); err != nil {
				slog.Error("Failed to handle inbound message", "error", err, "from", msg.From)
			}
		}
	}
}
