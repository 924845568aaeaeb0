// Command server starts the VidGate bot and its HTTP surface: the ad page,
// the Telegram webhook, and the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vidgate/internal/ads"
	"vidgate/internal/api"
	"vidgate/internal/auth"
	"vidgate/internal/bot"
	"vidgate/internal/lifecycle"
	"vidgate/internal/observability/logging"
	"vidgate/internal/server"
	"vidgate/internal/session"
	"vidgate/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to the JSON datastore file")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "admin session store driver (memory, postgres, or redis)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the admin session store")
	sessionRedisURL := flag.String("session-redis-url", "", "Redis URL for the admin session store")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute lifetime of an admin session")
	sessionIdleTimeout := flag.Duration("session-idle-timeout", 0, "idle timeout for admin sessions")
	sessionPurgeInterval := flag.Duration("session-purge-interval", 0, "how often expired admin sessions are purged")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	adminOrigins := flag.String("admin-origins", "", "comma separated origins allowed to call the admin API")
	viewerOrigins := flag.String("viewer-origins", "", "comma separated origins allowed to load the ad page assets")
	botToken := flag.String("bot-token", "", "Telegram bot token")
	webhookBase := flag.String("webhook-base-url", "", "public base URL Telegram delivers updates to")
	webhookSecret := flag.String("webhook-secret", "", "secret path segment guarding the webhook endpoint")
	adPageBase := flag.String("ad-page-base-url", "", "public base URL the ad page is served from (defaults to the webhook base)")
	pollInterval := flag.Duration("poll-interval", 0, "gap between ad-completion checks")
	pollAttempts := flag.Int("poll-attempts", 0, "ad-completion checks before the flow gives up")
	sourceChannelID := flag.Int64("source-channel-id", 0, "channel whose posts register videos (0 accepts any)")
	announceChannelID := flag.Int64("announce-channel-id", 0, "channel new videos are announced to (0 disables)")
	adminIDs := flag.String("bot-admin-ids", "", "comma separated Telegram user IDs allowed to run /broadcast")
	broadcastConcurrency := flag.Int("broadcast-concurrency", 0, "parallel sends during a broadcast")
	messageRetention := flag.Duration("message-retention", 0, "how long tracked bot messages live before the sweeper deletes them")
	sweepInterval := flag.Duration("sweep-interval", 0, "how often the message sweeper runs")
	adminUser := flag.String("admin-user", "", "admin account username")
	adminPasswordHash := flag.String("admin-password-hash", "", "pbkdf2 hash of the admin password (see hash-admin-password)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VIDGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VIDGATE_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")

	serverMode := modeValue(*mode, os.Getenv("VIDGATE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("VIDGATE_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("VIDGATE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	acquireTimeout := resolveDuration(*postgresAcquireTimeout, "VIDGATE_POSTGRES_ACQUIRE_TIMEOUT", 0)

	var store storage.Repository
	switch driver {
	case "json":
		store, err = storage.NewJSONRepository(resolveDataPath(*dataPath, os.Getenv("VIDGATE_DATA")))
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "VIDGATE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "VIDGATE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPool(int32(maxConns), int32(minConns)))
		}
		if acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresTimeouts(acquireTimeout, 0))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("VIDGATE_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("VIDGATE_SESSION_STORE"),
		driver,
		postgresDefaultDSN,
		firstNonEmpty(*sessionPostgresDSN, os.Getenv("VIDGATE_SESSION_POSTGRES_DSN")),
		firstNonEmpty(*sessionRedisURL, os.Getenv("VIDGATE_SESSION_REDIS_URL")),
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var sessionStore auth.SessionStore
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
	case "redis":
		redisStore, err := auth.NewRedisSessionStore(sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = redisStore
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	sessionOptions := []auth.SessionOption{auth.WithStore(sessionStore)}
	if idle := resolveDuration(*sessionIdleTimeout, "VIDGATE_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOptions = append(sessionOptions, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewSessionManager(resolveDuration(*sessionTTL, "VIDGATE_SESSION_TTL", 24*time.Hour), sessionOptions...)

	broker := session.NewBroker(store)
	rotator := ads.NewRotator(store)
	if seeded, created, err := rotator.EnsureSeed(); err != nil {
		logger.Warn("failed to seed default ad", "error", err)
	} else if created {
		logger.Info("seeded default ad", "ad_id", seeded.ID)
	}

	token := firstNonEmpty(*botToken, os.Getenv("VIDGATE_BOT_TOKEN"), os.Getenv("BOT_TOKEN"))
	webhookBaseURL := strings.TrimRight(firstNonEmpty(*webhookBase, os.Getenv("VIDGATE_WEBHOOK_BASE_URL")), "/")
	secret := firstNonEmpty(*webhookSecret, os.Getenv("VIDGATE_WEBHOOK_SECRET"))
	adBaseURL := strings.TrimRight(firstNonEmpty(*adPageBase, os.Getenv("VIDGATE_AD_PAGE_BASE_URL"), webhookBaseURL), "/")

	var (
		transport   bot.Transport
		manager     *lifecycle.Manager
		coordinator *bot.Coordinator
		dispatcher  *bot.Dispatcher
	)
	if token == "" {
		logger.Warn("no bot token configured: running web surface only")
	} else if telegram, err := bot.NewTelegramTransport(token); err != nil {
		// Telegram being down must not take the admin surface with it.
		// The webhook handler answers 503 until the bot side comes back.
		logger.Error("failed to connect to Telegram: running web surface only", "error", err)
	} else {
		transport = telegram

		var lifecycleOptions []lifecycle.Option
		if retention := resolveDuration(*messageRetention, "VIDGATE_MESSAGE_RETENTION", 0); retention > 0 {
			lifecycleOptions = append(lifecycleOptions, lifecycle.WithRetention(retention))
		}
		lifecycleOptions = append(lifecycleOptions, lifecycle.WithLogger(logging.WithComponent(logger, "lifecycle")))
		manager = lifecycle.NewManager(store, telegram, lifecycleOptions...)

		coordinator = bot.NewCoordinator(store, broker, rotator, manager, telegram, logging.WithComponent(logger, "bot"), bot.Config{
			AdPageBaseURL:        adBaseURL,
			PollInterval:         resolveDuration(*pollInterval, "VIDGATE_POLL_INTERVAL", 0),
			PollAttempts:         resolveInt(*pollAttempts, "VIDGATE_POLL_ATTEMPTS"),
			SourceChannelID:      resolveInt64(*sourceChannelID, "VIDGATE_SOURCE_CHANNEL_ID"),
			AnnounceChannelID:    resolveInt64(*announceChannelID, "VIDGATE_ANNOUNCE_CHANNEL_ID"),
			AdminIDs:             parseAdminIDs(firstNonEmpty(*adminIDs, os.Getenv("VIDGATE_BOT_ADMIN_IDS"))),
			BroadcastConcurrency: resolveInt(*broadcastConcurrency, "VIDGATE_BROADCAST_CONCURRENCY"),
		})

		dispatcher = bot.NewDispatcher(coordinator, bot.WithDispatchLogger(logging.WithComponent(logger, "dispatch")))
		dispatcher.Start()

		if webhookBaseURL != "" && secret != "" {
			if err := telegram.RegisterWebhook(fmt.Sprintf("%s/webhook/%s", webhookBaseURL, secret)); err != nil {
				// A previously registered webhook keeps feeding updates,
				// so the bot side stays up and registration is retried on
				// the next restart.
				logger.Error("failed to register webhook", "error", err)
			} else {
				logger.Info("webhook registered", "base_url", webhookBaseURL)
			}
		} else {
			logger.Warn("webhook not registered: base URL or secret missing")
		}
	}

	handler := &api.Handler{
		Store:                store,
		Sessions:             sessions,
		Broker:               broker,
		Dispatcher:           dispatcher,
		Logger:               logging.WithComponent(logger, "api"),
		WebhookSecret:        secret,
		AdminUser:            firstNonEmpty(*adminUser, os.Getenv("VIDGATE_ADMIN_USER")),
		AdminPasswordHash:    firstNonEmpty(*adminPasswordHash, os.Getenv("VIDGATE_ADMIN_PASSWORD_HASH")),
		BroadcastConcurrency: resolveInt(*broadcastConcurrency, "VIDGATE_BROADCAST_CONCURRENCY"),
	}
	if transport != nil {
		handler.Sender = transport
	}
	if serverMode == "production" {
		handler.SessionCookiePolicy = api.SessionCookiePolicy{SecureMode: api.SessionCookieSecureAlways}
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	purgeStop := startSessionPurgeWorker(workerCtx, logging.WithComponent(logger, "session-purger"), sessions,
		resolveDuration(*sessionPurgeInterval, "VIDGATE_SESSION_PURGE_INTERVAL", 15*time.Minute))
	defer purgeStop()
	sweepStop := startMessageSweepWorker(workerCtx, logging.WithComponent(logger, "sweeper"), manager,
		resolveDuration(*sweepInterval, "VIDGATE_SWEEP_INTERVAL", time.Hour))
	defer sweepStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VIDGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VIDGATE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "VIDGATE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "VIDGATE_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "VIDGATE_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "VIDGATE_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("VIDGATE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("VIDGATE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*redisTimeout, "VIDGATE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AdminOrigins:  splitAndTrim(firstNonEmpty(*adminOrigins, os.Getenv("VIDGATE_ADMIN_ORIGINS"))),
			ViewerOrigins: splitAndTrim(firstNonEmpty(*viewerOrigins, os.Getenv("VIDGATE_VIEWER_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("VidGate listening", "addr", listenAddr, "mode", serverMode)
	if err := srv.Run(runCtx); err != nil {
		logger.Error("server error", "error", err)
	}

	workerCancel()
	purgeStop()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dispatcher != nil {
		dispatcher.Close()
	}
	if coordinator != nil {
		coordinator.Close()
	}

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	if closer, ok := sessionStore.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, postgresDSN, redisURL string) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagDriver, envDriver)))
	if driver == "" {
		switch {
		case redisURL != "":
			driver = "redis"
		case postgresDSN != "" || storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		dsn := firstNonEmpty(postgresDSN, storageDSN)
		if dsn == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: dsn}, nil
	case "redis":
		if redisURL == "" {
			return sessionStoreConfig{}, fmt.Errorf("redis session store selected without URL")
		}
		return sessionStoreConfig{Driver: "redis", DSN: redisURL}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := firstNonEmpty(flagValue, envAddr)
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagMode, envMode)))
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagValue, envValue))); driver != "" {
		return driver, nil
	}
	if postgresDSN != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if path := firstNonEmpty(flagValue, envValue); path != "" {
		return path
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("VIDGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func parseAdminIDs(raw string) []int64 {
	parts := splitAndTrim(raw)
	if len(parts) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
