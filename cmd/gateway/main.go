// Package main is the entry point for the agentim-gateway binary.
// It wires all internal packages together and starts the gateway session.
//
// Subcommands (§6):
//
//	login  --server <ws-url> --server-base-url <http-url> --username <u> --password <p>
//	start  [--agent name:type[:workdir]]...
//	status
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/agentmanager"
	"github.com/agentim/agentim/internal/gatewayrt"
	"github.com/agentim/agentim/internal/gatewaysession"
	"github.com/agentim/agentim/internal/gatewaystore"
	"github.com/agentim/agentim/internal/idgen"
	"github.com/agentim/agentim/internal/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL     string
	serverBaseURL string
	username      string
	password      string
	configDir     string
	dockerSocket  string
	dockerImage   string
	logLevel      string
	logFile       string
	deviceInfo    string
	ephemeral     bool
	agentSpecs    []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "agentim-gateway",
		Short: "AgentIM gateway — runs local coding agents and relays them to the hub",
		Long: `The gateway runs on a developer's machine. It spawns and supervises one or
more local coding-agent processes, maintains a single authenticated
WebSocket session to the hub, and streams agent replies back to whichever
chat room invoked them.`,
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&cfg.configDir, "config-dir", envOrDefault("AGENTIM_CONFIG_DIR", defaultConfigDir()), "Directory for persisted gateway state")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AGENTIM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.AddCommand(newLoginCmd(cfg))
	root.AddCommand(newStartCmd(cfg))
	root.AddCommand(newStatusCmd(cfg))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentim-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newLoginCmd(cfg *config) *cobra.Command {
	c := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and persist hub credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), cfg)
		},
	}
	c.Flags().StringVar(&cfg.serverURL, "server", envOrDefault("AGENTIM_SERVER", ""), "Hub WebSocket URL, e.g. wss://hub.example.com/ws/gateway (required)")
	c.Flags().StringVar(&cfg.serverBaseURL, "server-base-url", envOrDefault("AGENTIM_SERVER_BASE_URL", ""), "Hub HTTP base URL used for the login/refresh exchange (required)")
	c.Flags().StringVar(&cfg.username, "username", "", "Account username (required)")
	c.Flags().StringVar(&cfg.password, "password", "", "Account password (required)")
	return c
}

func newStartCmd(cfg *config) *cobra.Command {
	c := &cobra.Command{
		Use:   "start",
		Short: "Connect to the hub and run the configured local agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), cfg)
		},
	}
	c.Flags().StringArrayVar(&cfg.agentSpecs, "agent", nil, "Agent to run, as name:type[:workdir] (repeatable)")
	c.Flags().StringVar(&cfg.deviceInfo, "device-info", deviceInfoDefault(), "Free-form identifier shown to the hub for this gateway instance")
	c.Flags().BoolVar(&cfg.ephemeral, "ephemeral", false, "Report this gateway as ephemeral in gateway:auth; the gateway does not exit on its own when its last local agent is removed")
	c.Flags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("AGENTIM_DOCKER_SOCKET", ""), "Docker socket path for sandboxed agents (empty = platform default)")
	c.Flags().StringVar(&cfg.dockerImage, "docker-image", envOrDefault("AGENTIM_DOCKER_IMAGE", ""), "Run every agent turn in this Docker image instead of directly on the host (empty = no sandbox)")
	c.Flags().StringVar(&cfg.logFile, "log-file", envOrDefault("AGENTIM_LOG_FILE", ""), "Rotate logs to this path instead of stderr (empty = stderr only)")
	return c
}

func newStatusCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print configuration location and known daemons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cfg)
		},
	}
}

func runLogin(ctx context.Context, cfg *config) error {
	if cfg.serverURL == "" || cfg.serverBaseURL == "" || cfg.username == "" || cfg.password == "" {
		return fmt.Errorf("login requires --server, --server-base-url, --username and --password")
	}

	reqBody, err := json.Marshal(map[string]string{"username": cfg.username, "password": cfg.password})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.serverBaseURL, "/")+"/auth/login", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login rejected: status %d", resp.StatusCode)
	}

	var result struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		GatewayID    string `json:"gatewayId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}

	s, err := buildStore(cfg.configDir)
	if err != nil {
		return err
	}
	if err := s.Save(gatewaystore.Config{
		ServerURL:     cfg.serverURL,
		ServerBaseURL: cfg.serverBaseURL,
		Token:         result.Token,
		RefreshToken:  result.RefreshToken,
		GatewayID:     result.GatewayID,
	}); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	fmt.Printf("logged in as %s, gatewayId=%s\n", cfg.username, result.GatewayID)
	return nil
}

func runStart(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel, cfg.logFile)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	s, err := buildStore(cfg.configDir)
	if err != nil {
		return err
	}
	stored, err := s.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if stored.Token == "" {
		return fmt.Errorf("no credentials found — run 'agentim-gateway login' first")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()
	ignoreSIGPIPE()

	var sandbox adapter.Sandbox
	if cfg.dockerImage != "" {
		ds, err := adapter.NewDockerSandbox(cfg.dockerSocket, cfg.dockerImage, logger)
		if err != nil {
			logger.Warn("docker sandbox unavailable, agents will run directly on the host", zap.Error(err))
		} else {
			sandbox = ds
		}
	}

	agents := agentmanager.New(logger)
	gen := idgen.New()
	rt := gatewayrt.New(agents, logger)

	tokens := &refreshingTokenSource{store: s, cfg: stored, serverBaseURL: stored.ServerBaseURL}
	sess := gatewaysession.New(
		gatewaysession.Config{
			HubURL:     stored.ServerURL,
			GatewayID:  stored.GatewayID,
			DeviceInfo: cfg.deviceInfo,
			Ephemeral:  cfg.ephemeral,
		},
		tokens,
		agents,
		rt.OnAuthenticated,
		rt.OnFrame,
		logger,
	)
	rt.BindSession(sess)

	specs, err := parseAgentSpecs(cfg.agentSpecs)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		agentID := gen.New("agent")
		a := adapter.NewSpawnAdapter(adapter.SpawnConfig{
			Label:   spec.name,
			Command: string(spec.adapterType),
			WorkDir: spec.workDir,
			Sandbox: sandbox,
		}, logger)
		rt.RegisterAgent(types.AgentDescriptor{
			AgentID:    agentID,
			Name:       spec.name,
			Type:       spec.adapterType,
			WorkDir:    spec.workDir,
			Permission: types.PermissionBypass,
		}, a)
		if err := s.SaveDaemon(gatewaystore.DaemonRecord{
			PID:       int32(os.Getpid()),
			Name:      spec.name,
			Type:      string(spec.adapterType),
			WorkDir:   spec.workDir,
			StartedAt: time.Now().UTC(),
			GatewayID: stored.GatewayID,
		}); err != nil {
			logger.Warn("failed to persist daemon record", zap.String("name", spec.name), zap.Error(err))
		}
	}

	logger.Info("gateway starting", zap.String("gateway_id", stored.GatewayID), zap.Int("agents", len(specs)))
	sess.Run(ctx)

	disposed := make(chan struct{})
	go func() {
		agents.DisposeAll()
		close(disposed)
	}()
	select {
	case <-disposed:
	case <-time.After(15 * time.Second):
		logger.Warn("agent disposal did not finish within the shutdown deadline")
	}
	sess.Shutdown()
	for _, spec := range specs {
		_ = s.RemoveDaemon(spec.name)
	}

	if ctx.Err() == nil {
		// Run returned for a reason other than our own signal-driven
		// cancellation: a fatal auth failure or protocol mismatch (§6).
		logger.Error("gateway session ended without a shutdown signal")
		os.Exit(1)
	}

	logger.Info("agentim gateway stopped")
	return nil
}

func runStatus(ctx context.Context, cfg *config) error {
	s, err := buildStore(cfg.configDir)
	if err != nil {
		return err
	}
	stored, err := s.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Printf("config dir:  %s\n", cfg.configDir)
	fmt.Printf("server url:  %s\n", stored.ServerURL)
	fmt.Printf("gateway id:  %s\n", stored.GatewayID)
	if stored.Token == "" {
		fmt.Println("authenticated: no (run 'agentim-gateway login')")
		return nil
	}
	fmt.Println("authenticated: yes")

	if err := s.ReapStale(ctx); err != nil {
		fmt.Printf("warning: failed to reap stale daemons: %v\n", err)
	}
	daemons, err := s.ListDaemons()
	if err != nil {
		return fmt.Errorf("failed to list daemons: %w", err)
	}
	if len(daemons) == 0 {
		fmt.Println("daemons: none")
		return nil
	}
	fmt.Println("daemons:")
	for _, d := range daemons {
		fmt.Printf("  %-20s pid=%-8d type=%-14s workdir=%s\n", d.Name, d.PID, d.Type, d.WorkDir)
	}
	return nil
}

type agentSpec struct {
	name        string
	adapterType types.AdapterType
	workDir     string
}

func parseAgentSpecs(raw []string) ([]agentSpec, error) {
	specs := make([]agentSpec, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid --agent spec %q, expected name:type[:workdir]", r)
		}
		spec := agentSpec{name: parts[0], adapterType: types.AdapterType(parts[1])}
		if len(parts) == 3 {
			spec.workDir = parts[2]
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// refreshingTokenSource implements gatewaysession.TokenSource against the
// persisted gateway config, re-saving the rotated tokens on every refresh
// so a later restart picks up the latest pair.
type refreshingTokenSource struct {
	store         *gatewaystore.Store
	cfg           gatewaystore.Config
	serverBaseURL string
}

func (t *refreshingTokenSource) AccessToken() string {
	return t.cfg.Token
}

func (t *refreshingTokenSource) Refresh(ctx context.Context) (string, error) {
	reqBody, err := json.Marshal(map[string]string{"refreshToken": t.cfg.RefreshToken})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.serverBaseURL, "/")+"/auth/refresh", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh rejected: status %d", resp.StatusCode)
	}

	var result struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	t.cfg.Token = result.Token
	t.cfg.RefreshToken = result.RefreshToken
	if err := t.store.Save(t.cfg); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	return result.Token, nil
}

// ignoreSIGPIPE stops a half-closed stdout/stderr pipe from an adapter's
// child process from killing the gateway itself (§6).
func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}

func buildStore(dir string) (*gatewaystore.Store, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	username := "unknown-user"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = dir
	}
	cipher := gatewaystore.NewCipher(hostname, username, home)
	return gatewaystore.NewStore(dir, cipher), nil
}

func defaultConfigDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.agentim"
	}
	return ".agentim"
}

func deviceInfoDefault() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "agentim-gateway"
	}
	return hostname
}

// buildLogger mirrors cmd/hub's level switch. When logFile is set, it
// writes through a lumberjack.Logger instead of stderr so a long-running
// gateway daemon's logs rotate by size rather than growing unbounded (§10).
func buildLogger(level, logFile string) (*zap.Logger, error) {
	var atomicLevel zap.AtomicLevel
	switch level {
	case "debug":
		atomicLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		atomicLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		atomicLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if logFile == "" {
		var cfg zap.Config
		if level == "debug" {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = atomicLevel
		return cfg.Build()
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), atomicLevel)
	return zap.New(core), nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
