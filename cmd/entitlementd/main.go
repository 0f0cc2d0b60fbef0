package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/entitlement/internal/balancecache"
	"github.com/MarkoPoloResearchLab/entitlement/internal/httpserver"
	"github.com/MarkoPoloResearchLab/entitlement/internal/oplog"
	"github.com/MarkoPoloResearchLab/entitlement/internal/purchase"
	"github.com/MarkoPoloResearchLab/entitlement/internal/purchase/stripecheckout"
	"github.com/MarkoPoloResearchLab/entitlement/internal/session"
	"github.com/MarkoPoloResearchLab/entitlement/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/entitlement/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	flagDatabaseURL           = "database-url"
	flagListenAddr            = "listen-addr"
	flagAllowedOrigins        = "allowed-origins"
	flagSessionSigningKey     = "session-signing-key"
	flagSessionCookieName     = "session-cookie-name"
	flagStripeSecretKey       = "stripe-secret-key"
	flagStripeWebhookSecret   = "stripe-webhook-secret"
	flagCheckoutSuccessURL    = "checkout-success-url"
	flagCheckoutCancelURL     = "checkout-cancel-url"
	flagRedisURL              = "redis-url"
	flagAllowUnsignedWebhooks = "allow-unsigned-webhooks"
	flagSweepInterval         = "sweep-interval"
	flagPGNativeStore         = "pg-native-store"

	defaultDatabaseURL        = "sqlite:///tmp/entitlement.db"
	defaultListenAddr         = ":9090"
	defaultCheckoutSuccessURL = "http://localhost:8000/?purchase=success"
	defaultCheckoutCancelURL  = "http://localhost:8000/?purchase=cancelled"
	defaultSweepInterval      = time.Hour

	sweepTimeout = 30 * time.Second
)

type runtimeConfig struct {
	DatabaseURL           string
	ListenAddr            string
	AllowedOrigins        string
	SessionSigningKey     string
	SessionCookieName     string
	StripeSecretKey       string
	StripeWebhookSecret   string
	CheckoutSuccessURL    string
	CheckoutCancelURL     string
	RedisURL              string
	AllowUnsignedWebhooks bool
	SweepInterval         time.Duration
	PGNativeStore         bool
}

// dataStore is the combined persistence surface the wiring needs.
type dataStore interface {
	entitlement.Store
	purchase.Store
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "entitlementd",
		Short:         "Entitlement and credit ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HS256 signing key for session tokens")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret key")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagCheckoutSuccessURL, defaultCheckoutSuccessURL, "redirect after successful checkout")
	cmd.Flags().String(flagCheckoutCancelURL, defaultCheckoutCancelURL, "redirect after cancelled checkout")
	cmd.Flags().String(flagRedisURL, "", "optional Redis URL for the balance cache")
	cmd.Flags().Bool(flagAllowUnsignedWebhooks, false, "accept unsigned payment callbacks (development only)")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "how often stale purchase intents are expired")
	cmd.Flags().Bool(flagPGNativeStore, false, "use the pgx-native store for PostgreSQL instead of GORM")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:           "DATABASE_URL",
		flagListenAddr:            "LISTEN_ADDR",
		flagAllowedOrigins:        "ALLOWED_ORIGINS",
		flagSessionSigningKey:     "SESSION_SIGNING_KEY",
		flagSessionCookieName:     "SESSION_COOKIE_NAME",
		flagStripeSecretKey:       "STRIPE_SECRET_KEY",
		flagStripeWebhookSecret:   "STRIPE_WEBHOOK_SECRET",
		flagCheckoutSuccessURL:    "CHECKOUT_SUCCESS_URL",
		flagCheckoutCancelURL:     "CHECKOUT_CANCEL_URL",
		flagRedisURL:              "REDIS_URL",
		flagAllowUnsignedWebhooks: "ALLOW_UNSIGNED_WEBHOOKS",
		flagSweepInterval:         "SWEEP_INTERVAL",
		flagPGNativeStore:         "PG_NATIVE_STORE",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.SessionCookieName = viper.GetString("session_cookie_name")
	cfg.StripeSecretKey = viper.GetString("stripe_secret_key")
	cfg.StripeWebhookSecret = viper.GetString("stripe_webhook_secret")
	cfg.CheckoutSuccessURL = viper.GetString("checkout_success_url")
	cfg.CheckoutCancelURL = viper.GetString("checkout_cancel_url")
	cfg.RedisURL = viper.GetString("redis_url")
	cfg.AllowUnsignedWebhooks = viper.GetBool("allow_unsigned_webhooks")
	cfg.SweepInterval = viper.GetDuration("sweep_interval")
	cfg.PGNativeStore = viper.GetBool("pg_native_store")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.StripeSecretKey == "" && !cfg.AllowUnsignedWebhooks {
		return fmt.Errorf("stripe secret key is required unless unsigned webhooks are allowed")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := oplog.New(logger)

	ledgerService, err := entitlement.NewService(store, clock, entitlement.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	bootstrapper, err := entitlement.NewBootstrapper(store, clock, entitlement.WithBootstrapLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("bootstrapper init: %w", err)
	}

	stripeClient := stripecheckout.NewClient(stripecheckout.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.CheckoutSuccessURL,
		CancelURL:     cfg.CheckoutCancelURL,
	})
	orchestrator, err := purchase.NewOrchestrator(store, ledgerService, stripeClient, clock, purchase.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	sessionManager, err := session.NewManager(session.Config{SigningKey: []byte(cfg.SessionSigningKey)})
	if err != nil {
		return fmt.Errorf("session manager init: %w", err)
	}

	var cache *balancecache.Cache
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		cache = balancecache.New(redis.NewClient(redisOptions), 0)
	}

	server, err := httpserver.New(httpserver.Config{
		ListenAddr:            cfg.ListenAddr,
		AllowedOrigins:        httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionCookieName:     cfg.SessionCookieName,
		AllowUnsignedWebhooks: cfg.AllowUnsignedWebhooks,
	}, httpserver.Deps{
		Logger:       logger,
		Bootstrapper: bootstrapper,
		Ledger:       ledgerService,
		Orchestrator: orchestrator,
		Sessions:     sessionManager,
		Webhooks:     stripeClient,
		Cache:        cache,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	go runIntentSweeper(ctx, logger, orchestrator, cfg.SweepInterval)

	return server.Run(ctx)
}

// runIntentSweeper periodically expires purchase intents whose webhook
// never arrived.
func runIntentSweeper(ctx context.Context, logger *zap.Logger, orchestrator *purchase.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			if _, err := orchestrator.SweepExpired(sweepCtx); err != nil {
				logger.Warn("intent sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// openStore resolves the DSN to a concrete store. PostgreSQL deployments can
// opt into the pgx-native store; SQLite always goes through GORM and gets its
// schema migrated in place.
func openStore(ctx context.Context, cfg *runtimeConfig) (dataStore, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if driver == "postgres" && cfg.PGNativeStore {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := prepareSchema(db); err != nil {
			return nil, nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "entitlement.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&gormstore.Account{},
		&gormstore.EntitlementLedger{},
		&gormstore.LedgerEvent{},
		&gormstore.PurchaseIntent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
