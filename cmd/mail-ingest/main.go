// Package main is the entry point for the mail ingestion server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-ingest/internal/blob"
	"github.com/shineum/mail-ingest/internal/config"
	"github.com/shineum/mail-ingest/internal/forward"
	"github.com/shineum/mail-ingest/internal/forward/graph"
	"github.com/shineum/mail-ingest/internal/forward/relay"
	"github.com/shineum/mail-ingest/internal/forward/ses"
	"github.com/shineum/mail-ingest/internal/forward/stdout"
	"github.com/shineum/mail-ingest/internal/notify/telegram"
	"github.com/shineum/mail-ingest/internal/pipeline"
	"github.com/shineum/mail-ingest/internal/smtp"
	"github.com/shineum/mail-ingest/internal/store"
	smtptls "github.com/shineum/mail-ingest/internal/tls"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:           "mail-ingest",
	Short:         "Inbound mail ingestion server",
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept mail over SMTP and run it through the ingestion pipeline",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mail-ingest %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before reading the environment (default .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("mail-ingest failed", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}

	// Without a Store attachments are not stored; inline parts keep their
	// cid: references.
	var blobs blob.Store
	if cfg.StorageConfigured() {
		s, err := blob.New(blob.Config{
			Endpoint:     cfg.Storage.Endpoint,
			Secure:       cfg.Storage.Secure,
			AccessKey:    cfg.Storage.AccessKey,
			SecretKey:    cfg.Storage.SecretKey,
			Creds:        cfg.Storage.Creds,
			Region:       cfg.Storage.Region,
			Bucket:       cfg.Storage.Bucket,
			ObjectPrefix: cfg.Storage.ObjectPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to set up object storage: %w", err)
		}
		blobs = s
	}

	fwd, err := selectForwarder(ctx, cfg)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tlsConfig, err = smtptls.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
	}

	handler := pipeline.New(pipeline.Config{
		Settings:          store.NewSettingStore(db),
		Accounts:          store.NewAccountStore(db),
		Roles:             store.NewRoleStore(db),
		Emails:            store.NewEmailStore(db, blobs),
		Attachments:       store.NewAttachmentStore(db, blobs),
		Chat:              telegram.New(cfg.Telegram.APIURL, &http.Client{Timeout: cfg.Telegram.Timeout}),
		AdminEmail:        cfg.AdminEmail,
		StorageConfigured: cfg.StorageConfigured(),
		Location:          cfg.Location(),
		FanoutLimit:       cfg.Notify.FanoutLimit,
	})

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:        cfg.SMTP.Listen,
		Hostname:          cfg.SMTP.Hostname,
		Handler:           handler,
		Forwarder:         fwd,
		TLSConfig:         tlsConfig,
		AuthUsername:      cfg.SMTP.Username,
		AuthPassword:      cfg.SMTP.Password,
		AllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
		MaxMessageBytes:   cfg.SMTP.MaxMessageSize,
		MaxRecipients:     cfg.SMTP.MaxRecipients,
		ReadTimeout:       cfg.SMTP.ReadTimeout,
		WriteTimeout:      cfg.SMTP.WriteTimeout,
	})

	forwarderName := "none"
	if fwd != nil {
		forwarderName = fwd.Name()
	}
	slog.Info("starting mail-ingest",
		"version", version,
		"listen", cfg.SMTP.Listen,
		"database", cfg.Database.Driver,
		"storage", cfg.StorageConfigured(),
		"forwarder", forwarderName,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_enabled", cfg.TLS.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Listen)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("mail-ingest stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging.Level)

	db, err := store.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(cmd.Context(), db); err != nil {
		return err
	}
	slog.Info("schema is up to date", "database", cfg.Database.Driver)
	return nil
}

// loadConfig loads the env files, then the configuration from the YAML file
// (with env override) or from environment variables only if no path is given.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectForwarder builds the forward primitive's backend. A nil Forwarder
// disables forwarding.
func selectForwarder(ctx context.Context, cfg *config.Config) (forward.Forwarder, error) {
	switch cfg.Forward.Provider {
	case config.ProviderSES:
		slog.Info("forwarding via AWS SES",
			"region", cfg.Forward.SES.Region,
			"sender", cfg.Forward.SES.Sender,
		)
		f, err := ses.New(ctx, ses.Config{
			Region:          cfg.Forward.SES.Region,
			AccessKeyID:     cfg.Forward.SES.AccessKeyID,
			SecretAccessKey: cfg.Forward.SES.SecretAccessKey,
			Sender:          cfg.Forward.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES forwarder: %w", err)
		}
		return f, nil

	case config.ProviderGraph:
		slog.Info("forwarding via Microsoft Graph", "sender", cfg.Forward.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Forward.Graph.TenantID,
			ClientID:     cfg.Forward.Graph.ClientID,
			ClientSecret: cfg.Forward.Graph.ClientSecret,
			Sender:       cfg.Forward.Graph.Sender,
		}), nil

	case config.ProviderRelay:
		slog.Info("forwarding via SMTP relay", "addr", cfg.Forward.Relay.Addr, "tls", cfg.Forward.Relay.TLS)
		f, err := relay.New(relay.Config{
			Addr:               cfg.Forward.Relay.Addr,
			Username:           cfg.Forward.Relay.Username,
			Password:           cfg.Forward.Relay.Password,
			From:               cfg.Forward.Relay.From,
			TLS:                cfg.Forward.Relay.TLS,
			InsecureSkipVerify: cfg.Forward.Relay.InsecureSkipVerify,
			Timeout:            cfg.Forward.Relay.Timeout,
			LocalName:          cfg.SMTP.Hostname,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create relay forwarder: %w", err)
		}
		return f, nil

	case config.ProviderStdout:
		slog.Info("forwarding to stdout")
		return stdout.New(), nil

	default:
		slog.Info("no forward provider configured, forwarding disabled")
		return nil, nil
	}
}

// serveMetrics exposes the Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics endpoint listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
