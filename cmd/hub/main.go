package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/api"
	"github.com/agentim/agentim/internal/auth"
	"github.com/agentim/agentim/internal/broker"
	"github.com/agentim/agentim/internal/connregistry"
	"github.com/agentim/agentim/internal/permission"
	"github.com/agentim/agentim/internal/revocation"
	"github.com/agentim/agentim/internal/scheduler"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/internal/types"
	"github.com/agentim/agentim/internal/wsserver"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr            string
	jwtSecret           string
	jwtPrevSecret       string
	logLevel            string
	redisAddr           string
	redisPassword       string
	maxGlobalConns      int
	maxPerUserConn      int
	revocationAccessTTL time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}
	var configFile string

	root := &cobra.Command{
		Use:   "agentim-hub",
		Short: "AgentIM hub — central WebSocket relay for clients and gateways",
		Long: `The hub authenticates client and gateway WebSocket connections, routes
chat messages and streaming agent replies between them, and enforces the
permission and connection-cap invariants of the AgentIM protocol. It holds
no REST CRUD surface of its own; message and room persistence are delegated
to an external store.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindViperConfig(cmd, configFile, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configFile, "config", envOrDefault("AGENTIM_HUB_CONFIG", ""), "Optional YAML/JSON/TOML file layering the flags below (file < env < explicit flag)")
	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("AGENTIM_HTTP_ADDR", ":8080"), "HTTP/WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.jwtSecret, "jwt-secret", envOrDefault("AGENTIM_JWT_SECRET", ""), "HMAC secret for verifying bearer tokens (required)")
	root.PersistentFlags().StringVar(&cfg.jwtPrevSecret, "jwt-previous-secret", envOrDefault("AGENTIM_JWT_PREVIOUS_SECRET", ""), "Previous HMAC secret, consulted during a rotation window (optional)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AGENTIM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("AGENTIM_REDIS_ADDR", ""), "Redis address for cross-process token revocation (empty = single-process only)")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "redis-password", envOrDefault("AGENTIM_REDIS_PASSWORD", ""), "Redis password")
	root.PersistentFlags().IntVar(&cfg.maxGlobalConns, "max-global-clients", connregistry.DefaultLimits.MaxGlobalClients, "Maximum concurrently bound client sockets")
	root.PersistentFlags().IntVar(&cfg.maxPerUserConn, "max-per-user-clients", connregistry.DefaultLimits.MaxPerUserClients, "Maximum concurrently bound client sockets per user")
	root.PersistentFlags().DurationVar(&cfg.revocationAccessTTL, "revocation-access-ttl", 15*time.Minute, "Access token lifetime the cross-process revocation store retains watermarks for")

	return root
}

// bindViperConfig layers an optional config file under the cobra flags
// already parsed into cmd: viper.BindPFlags makes each flag's current value
// (its explicit setting if changed, its default otherwise) the baseline,
// AutomaticEnv lets AGENTIM_-prefixed env vars override that baseline, and
// ReadInConfig merges the file underneath both — giving the file < env <
// explicit-flag precedence the hub's multi-knob subsystems (revocation,
// connection caps) need without losing arkeep's flag-only simplicity for
// everything else.
func bindViperConfig(cmd *cobra.Command, configFile string, cfg *config) error {
	v := viper.New()
	v.SetEnvPrefix("AGENTIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg.httpAddr = v.GetString("http-addr")
	cfg.jwtSecret = v.GetString("jwt-secret")
	cfg.jwtPrevSecret = v.GetString("jwt-previous-secret")
	cfg.logLevel = v.GetString("log-level")
	cfg.redisAddr = v.GetString("redis-addr")
	cfg.redisPassword = v.GetString("redis-password")
	cfg.maxGlobalConns = v.GetInt("max-global-clients")
	cfg.maxPerUserConn = v.GetInt("max-per-user-clients")
	cfg.revocationAccessTTL = v.GetDuration("revocation-access-ttl")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentim-hub %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.jwtSecret == "" {
		return fmt.Errorf("jwt secret is required — set --jwt-secret or AGENTIM_JWT_SECRET")
	}

	logger.Info("starting agentim hub",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("log_level", cfg.logLevel),
		zap.Bool("cross_process_revocation", cfg.redisAddr != ""),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Revocation Registry ---
	var revOpts []revocation.Option
	if cfg.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
		})
		defer rdb.Close()
		revOpts = append(revOpts, revocation.WithSharedStore(rdb, []byte(cfg.jwtSecret), cfg.revocationAccessTTL))
	}
	revRegistry := revocation.New(logger, revOpts...)
	go revRegistry.Run(ctx)

	// --- Token Verifier ---
	var prevSecret []byte
	if cfg.jwtPrevSecret != "" {
		prevSecret = []byte(cfg.jwtPrevSecret)
	}
	verifier := auth.NewVerifier([]byte(cfg.jwtSecret), prevSecret, revRegistry)

	// --- Connection Registry ---
	limits := connregistry.DefaultLimits
	limits.MaxGlobalClients = cfg.maxGlobalConns
	limits.MaxPerUserClients = cfg.maxPerUserConn
	connRegistry := connregistry.New(limits)

	// --- Persistence stand-in ---
	messageStore := store.New()

	// --- Broker / WS server ---
	// permission.Store's expiry callback needs the Broker, and the Broker
	// needs the Permission Store, so the Permission Store is built first with
	// a closure over b, and b is assigned right after, before any permission
	// can be added and its timer fire.
	var b *broker.Broker
	permStore := permission.New(func(id string, p *types.PendingPermission) {
		b.HandlePermissionExpired(id, p)
	})

	wsSrv := wsserver.New(nil, logger)
	b = broker.New(verifier, connRegistry, permStore, messageStore, wsSrv, logger)
	wsSrv.SetDispatcher(b)

	// --- Scheduler (permission + streaming-turn sweeps) ---
	sched, err := scheduler.New(permStore, b, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		WSServer: wsSrv,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down agentim hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	wsSrv.Shutdown()

	logger.Info("agentim hub stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
