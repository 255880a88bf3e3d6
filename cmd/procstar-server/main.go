package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arkeep-io/procstar/internal/audit"
	"github.com/arkeep-io/procstar/internal/dispatcher"
	"github.com/arkeep-io/procstar/internal/httpapi"
	"github.com/arkeep-io/procstar/internal/metrics"
	"github.com/arkeep-io/procstar/internal/protocol"
	"github.com/arkeep-io/procstar/internal/registry"
	"github.com/arkeep-io/procstar/internal/tracker"
	"github.com/arkeep-io/procstar/internal/wsserver"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	host             string
	port             int
	accessToken      string
	tlsCertFile      string
	tlsKeyFile       string
	loginTimeoutS    int
	dispatchRetryMax int

	adminAddr string

	auditDriver string
	auditDSN    string

	logLevel string
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
		Use:   "procstar-server",
		Short: "procstar-server — control plane for a fleet of procstar agents",
		Long: `procstar-server accepts WebSocket connections from procstar agent
instances, tracks the processes they run, and exposes an admin HTTP API
for starting, signalling, and inspecting those processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.host, "host", envOrDefault("PROCSTAR_HOST", ""), "interface to bind the agent WebSocket listener on (empty = all interfaces)")
	root.PersistentFlags().IntVar(&cfg.port, "port", envOrDefaultInt("PROCSTAR_PORT", protocol.DefaultPort), "port for the agent WebSocket listener")
	root.PersistentFlags().StringVar(&cfg.accessToken, "access-token", envOrDefault("PROCSTAR_ACCESS_TOKEN", ""), "shared bearer token agents and the admin API must present (empty = disabled, dev only)")
	root.PersistentFlags().StringVar(&cfg.tlsCertFile, "tls-cert", envOrDefault("PROCSTAR_TLS_CERT", ""), "TLS certificate file for the agent WebSocket listener (required)")
	root.PersistentFlags().StringVar(&cfg.tlsKeyFile, "tls-key", envOrDefault("PROCSTAR_TLS_KEY", ""), "TLS private key file for the agent WebSocket listener (required)")
	root.PersistentFlags().IntVar(&cfg.loginTimeoutS, "login-timeout-s", envOrDefaultInt("PROCSTAR_LOGIN_TIMEOUT_S", 60), "seconds to wait for Register after an agent connects")
	root.PersistentFlags().IntVar(&cfg.dispatchRetryMax, "dispatch-retry-max", envOrDefaultInt("PROCSTAR_DISPATCH_RETRY_MAX", dispatcher.DefaultRetryMax), "times Start re-selects a connection after a send failure")
	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("PROCSTAR_ADMIN_ADDR", ":19936"), "listen address for the admin HTTP API and /metrics")
	root.PersistentFlags().StringVar(&cfg.auditDriver, "audit-driver", envOrDefault("PROCSTAR_AUDIT_DRIVER", "sqlite"), "audit log database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.auditDSN, "audit-dsn", envOrDefault("PROCSTAR_AUDIT_DSN", "./procstar_audit.db"), "audit log database DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PROCSTAR_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("procstar-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.tlsCertFile == "" || cfg.tlsKeyFile == "" {
		return fmt.Errorf("tls-cert and tls-key are required — the agent transport is WebSocket over TLS only")
	}

	agentAddr := net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))

	logger.Info("starting procstar server",
		zap.String("version", version),
		zap.String("listen_addr", agentAddr),
		zap.String("admin_addr", cfg.adminAddr),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Audit log ---
	// Opened first: both the dispatcher and the agent WebSocket listener
	// record into it, so it must exist before either is constructed.
	auditStore, err := audit.Open(audit.Config{
		Driver:   cfg.auditDriver,
		DSN:      cfg.auditDSN,
		Logger:   logger,
		LogLevel: auditLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			logger.Warn("audit store close error", zap.Error(err))
		}
	}()

	pruner, err := audit.NewPruner(audit.PrunerConfig{}, auditStore, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit pruner: %w", err)
	}
	if err := pruner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit pruner: %w", err)
	}
	defer func() {
		if err := pruner.Stop(); err != nil {
			logger.Warn("audit pruner shutdown error", zap.Error(err))
		}
	}()

	// --- 2. Core in-memory components ---
	reg := registry.New()
	trk := tracker.New(logger)
	m := metrics.New()
	disp := dispatcher.New(dispatcher.Config{
		RetryMax:   cfg.dispatchRetryMax,
		Metrics:    m,
		AuditStore: auditStore,
	}, reg, trk, logger)

	// --- 3. Agent WebSocket listener ---
	wsSrv := wsserver.New(wsserver.Config{
		ListenAddr:   agentAddr,
		TLSCertFile:  cfg.tlsCertFile,
		TLSKeyFile:   cfg.tlsKeyFile,
		AccessToken:  cfg.accessToken,
		LoginTimeout: time.Duration(cfg.loginTimeoutS) * time.Second,
		AuditStore:   auditStore,
	}, reg, trk, logger)

	go func() {
		logger.Info("agent websocket listener starting", zap.String("addr", agentAddr))
		if err := wsSrv.ListenAndServeTLS(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("agent websocket listener error", zap.Error(err))
			cancel()
		}
	}()

	// --- 4. Admin HTTP API ---
	router := httpapi.NewRouter(ctx, httpapi.Config{
		Registry:    reg,
		Tracker:     trk,
		Dispatcher:  disp,
		Metrics:     m,
		AuditStore:  auditStore,
		Logger:      logger,
		AccessToken: cfg.accessToken,
	})

	adminSrv := &http.Server{
		Addr:         cfg.adminAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin http api listening", zap.String("addr", cfg.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin http api error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down procstar server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin http api graceful shutdown error", zap.Error(err))
	}
	if err := wsSrv.Shutdown(); err != nil {
		logger.Warn("agent websocket listener shutdown error", zap.Error(err))
	}

	logger.Info("procstar server stopped")
	return nil
}

// auditLogLevel maps the application log level string to a GORM logger
// level, the same mapping the teacher's server applies to its own
// database logger.
func auditLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
