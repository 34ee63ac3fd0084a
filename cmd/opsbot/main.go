package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/audit"
	"github.com/codelaboratoryltd/opsbot/pkg/auth"
	"github.com/codelaboratoryltd/opsbot/pkg/backend"
	"github.com/codelaboratoryltd/opsbot/pkg/billing"
	"github.com/codelaboratoryltd/opsbot/pkg/command"
	"github.com/codelaboratoryltd/opsbot/pkg/config"
	"github.com/codelaboratoryltd/opsbot/pkg/cpe"
	"github.com/codelaboratoryltd/opsbot/pkg/metrics"
	"github.com/codelaboratoryltd/opsbot/pkg/natdev"
	"github.com/codelaboratoryltd/opsbot/pkg/ratelimit"
	"github.com/codelaboratoryltd/opsbot/pkg/telegram"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "opsbot",
	Short: "Chat-driven ISP operator console",
	Long: `opsbot - command-driven operator console for ISP support staff.

Bridges a chat webhook to the billing system, the NAT gateway and the
CPE manager, with authorization, rate limiting and an immutable audit
trail in front of every state change.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the operator console",
	RunE:  runConsole,
}

var botName string

func init() {
	runCmd.Flags().StringVar(&botName, "bot-name", "",
		"Bot username for group-chat command addressing (e.g. 'ops_bot')")
	rootCmd.AddCommand(runCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting opsbot",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Bool("cpe_enabled", cfg.CPEEnabled()),
		zap.Bool("nat_enabled", cfg.NATEnabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Audit trail
	store, err := audit.OpenSQLite(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit storage: %w", err)
	}
	defer store.Close()
	trail := audit.NewLogger(store, logger)

	// Metrics
	metricsCollector := metrics.New()
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	retry := backend.Policy{
		MaxAttempts:    cfg.RetryAttempts,
		InitialBackoff: cfg.RetryBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		AttemptTimeout: cfg.BackendTimeout,
		Observe: func(op string, err error, elapsed time.Duration) {
			name, route, _ := strings.Cut(op, "/")
			result := "ok"
			if err != nil {
				result = backend.KindOf(err).String()
			}
			metricsCollector.RecordBackendCall(name, route, result, elapsed)
		},
	}

	// Billing backend
	billingClient, err := billing.NewClient(billing.ClientConfig{
		APIURL:   cfg.BillingURL,
		Username: cfg.BillingUsername,
		Password: cfg.BillingPassword,
		Retry:    retry,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create billing client: %w", err)
	}
	billingService := billing.NewService(billingClient, logger)

	// Optional CPE manager backend
	var cpeService command.CPEService
	if cfg.CPEEnabled() {
		cpeClient, err := cpe.NewClient(cpe.ClientConfig{
			BaseURL:  cfg.CPEBaseURL,
			Username: cfg.CPEUsername,
			Password: cfg.CPEPassword,
			Retry:    retry,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create CPE client: %w", err)
		}
		cpeService = cpe.NewService(cpeClient, cpe.ServiceConfig{}, logger)
		logger.Info("CPE manager enabled", zap.String("url", cfg.CPEBaseURL))
	}

	// Optional NAT device backend
	var natClient command.NATClient
	if cfg.NATEnabled() {
		nc, err := natdev.NewClient(natdev.Config{
			Host:     cfg.NATHost,
			Port:     cfg.NATPort,
			Username: cfg.NATUsername,
			Password: cfg.NATPassword,
			Timeout:  cfg.BackendTimeout,
			Retry:    retry,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create NAT client: %w", err)
		}
		natClient = nc
		logger.Info("NAT device enabled", zap.String("host", cfg.NATHost))
	}

	dispatcher := command.NewDispatcher(command.Config{
		RechargeUsing:   cfg.RechargeUsing,
		ActivateUsing:   cfg.ActivateUsing,
		CustomerTTL:     cfg.CustomerCacheTTL,
		ListTTL:         cfg.ListCacheTTL,
		DeviceTTL:       cfg.DeviceCacheTTL,
		Deadline:        cfg.CommandDeadline,
		CacheMaxEntries: cfg.CacheMaxEntries,
		AuditReads:      cfg.AuditReads,
		NAT: command.NATConfig{
			PublicIP:   cfg.NATPublicIP,
			PublicPort: cfg.NATPublicPort,
			DevicePort: cfg.NATDevicePort,
			Comment:    cfg.NATRuleComment,
		},
	}, command.Deps{
		Logger:  logger,
		Gate:    auth.NewGate(cfg.AllowedCallers),
		Limiter: ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		Trail:   trail,
		Billing: billingService,
		CPE:     cpeService,
		NAT:     natClient,
		Metrics: metricsCollector,
	})

	sender, err := telegram.NewClient(telegram.ClientConfig{
		Token:   cfg.TelegramToken,
		APIBase: cfg.TelegramAPIBase,
		Retry:   retry,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create telegram client: %w", err)
	}

	webhook := telegram.NewWebhookHandler(cfg.TelegramWebhookSecret, botName, dispatcher, sender, logger, metricsCollector)

	// Webhook HTTP server
	mux := http.NewServeMux()
	mux.Handle("/webhook", webhook)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	webhookServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting webhook server", zap.String("addr", cfg.ListenAddr))
		if err := webhookServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Webhook server error", zap.Error(err))
			cancel()
		}
	}()

	// Metrics HTTP server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsCollector.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop webhook server", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}

	// Let in-flight commands finish so their audit entries land.
	webhook.Wait()

	logger.Info("Shutdown complete")
	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}
