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
	"time"

	"github.com/MapleDental/RelayCore/internal/api"
	"github.com/MapleDental/RelayCore/internal/breaker"
	"github.com/MapleDental/RelayCore/internal/delivery"
	"github.com/MapleDental/RelayCore/internal/events"
	"github.com/MapleDental/RelayCore/internal/lockfile"
	"github.com/MapleDental/RelayCore/internal/messaging"
	"github.com/MapleDental/RelayCore/internal/scheduler"
	"github.com/MapleDental/RelayCore/internal/store"
	"github.com/MapleDental/RelayCore/internal/twiliosms"
	"github.com/MapleDental/RelayCore/internal/util"
	"github.com/MapleDental/RelayCore/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RelayCore state data
	DefaultStateDir = "/var/lib/relaycore"
	// DefaultDBFileName is the default SQLite database filename (single-file deployments)
	DefaultDBFileName = "relaycore.db"
	// DefaultPortalDBFileName is the default portal replica SQLite filename
	DefaultPortalDBFileName = "portal.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One RelayCore per state directory: the sync queue assumes a single drainer.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping RelayCore with configured modules")
	if err := run(flags); err != nil {
		slog.Error("RelayCore failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("RelayCore exited successfully")
}

// run assembles the modules and serves until interrupted.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// System of record: Postgres when a DSN is configured, SQLite otherwise.
	var (
		statusRepo store.MessageStatusRepo
		syncQueue  store.SyncQueueRepo
	)
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer pg.Close()
		statusRepo = pg
		syncQueue = pg
	} else {
		sq, err := store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer sq.Close()
		statusRepo = sq
		syncQueue = sq
	}

	// Portal read store is always SQLite.
	portal, err := store.NewSQLiteStore(store.WithSQLiteDSN(*flags.portalDSN))
	if err != nil {
		return err
	}
	defer portal.Close()

	hub := events.NewHub()
	dbBreaker := breaker.New("database",
		breaker.WithFailureThreshold(util.ParseIntEnv("BREAKER_FAILURE_THRESHOLD", breaker.DefaultFailureThreshold)),
		breaker.WithCooldown(util.ParseDurationEnv("BREAKER_COOLDOWN", breaker.DefaultCooldown)),
	)
	updater := delivery.NewUpdater(statusRepo, dbBreaker, hub)

	// Messaging channel: WhatsApp by default, Twilio SMS as fallback carrier.
	msgService, twilioSvc, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()
	go delivery.StatusPump(ctx, msgService.StatusUpdates(), updater)

	// Sync queue drain into the portal replica.
	processor := store.NewSyncProcessor(syncQueue,
		store.WithSyncBatchSize(util.ParseIntEnv("SYNC_BATCH_SIZE", store.DefaultSyncBatchSize)),
		store.WithSyncMaxAttempts(util.ParseIntEnv("SYNC_MAX_ATTEMPTS", store.DefaultSyncMaxAttempts)),
		store.WithSyncIntervals(
			util.ParseDurationEnv("SYNC_BUSY_INTERVAL", store.DefaultBusyInterval),
			util.ParseDurationEnv("SYNC_IDLE_INTERVAL", store.DefaultIdleInterval),
		),
	)
	for _, table := range store.ReplicatedTables() {
		processor.RegisterHandler(table, store.PortalSyncHandler(portal, table))
	}
	go processor.Run(ctx)

	// End-of-day delivery summary pushed to connected consoles.
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	summaryHour := util.ParseIntEnv("SUMMARY_HOUR", 20)
	summaryMinute := util.ParseIntEnv("SUMMARY_MINUTE", 0)
	err = sched.AddDailyJob(summaryHour, summaryMinute, func() {
		date := time.Now().Format("2006-01-02")
		summary, _, err := updater.SummaryForDate(context.Background(), date)
		if err != nil {
			slog.Error("Daily summary job failed", "error", err, "date", date)
			return
		}
		hub.BroadcastEvent(events.EventDataUpdated, map[string]interface{}{
			"table": "message_status",
			"date":  date,
			"summary": map[string]interface{}{
				"total":   summary.Total,
				"pending": summary.Pending,
				"read":    summary.Read,
				"failed":  summary.Failed,
			},
		})
		slog.Info("Daily delivery summary broadcast", "date", date, "total", summary.Total)
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(
		api.WithAddr(*flags.apiAddr),
		api.WithUpdater(updater),
		api.WithBreaker(dbBreaker),
		api.WithSyncQueue(syncQueue),
		api.WithMessagingService(msgService),
		api.WithTwilioService(twilioSvc),
		api.WithHub(hub),
	)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}

// buildMessagingService constructs the configured carrier. The Twilio service
// is returned separately so the API can resolve status callbacks against it.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	if *flags.channel == "twilio" {
		client, err := twiliosms.NewClient(
			twiliosms.WithCallbackURL(os.Getenv("TWILIO_STATUS_CALLBACK_URL")),
		)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	}

	waOpts := buildWhatsAppOptions(flags)
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	return messaging.NewWhatsAppService(client), nil, nil
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	WhatsAppDSN string
	PortalDSN   string
	StateDir    string
	APIAddr     string
	Channel     string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	portalDSN *string
	apiAddr   *string
	channel   *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		PortalDSN:   os.Getenv("PORTAL_DB_PATH"),
		StateDir:    util.GetEnvOrDefault("RELAYCORE_STATE_DIR", DefaultStateDir),
		APIAddr:     util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		Channel:     util.GetEnvOrDefault("MESSAGING_CHANNEL", "whatsapp"),
	}

	// Single-file dev deployments run the system of record on SQLite.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "path", config.DatabaseURL)
	}
	if config.PortalDSN == "" {
		config.PortalDSN = filepath.Join(config.StateDir, DefaultPortalDBFileName)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"PORTAL_DB_PATH", config.PortalDSN,
		"RELAYCORE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"MESSAGING_CHANNEL", config.Channel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for RelayCore data (overrides $RELAYCORE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "system-of-record DSN (overrides $DATABASE_URL)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session DSN (overrides $WHATSAPP_DB_DSN)"),
		portalDSN: flag.String("portal-db", config.PortalDSN, "portal replica SQLite path (overrides $PORTAL_DB_PATH)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:   flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $MESSAGING_CHANNEL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"portalDSN", *flags.portalDSN,
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	dirs = append(dirs, filepath.Dir(*flags.portalDSN))

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	} else {
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
	}
	return waOpts
}
