package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tank-monitor/etl/internal/config"
	"tank-monitor/etl/internal/etl"
	"tank-monitor/etl/internal/metrics"
	"tank-monitor/etl/internal/provider"
	"tank-monitor/etl/internal/store"
)

var (
	envFile string
	debug   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tanketl",
		Short: "Ingests fleet telemetry and infers tank fill/drain sessions",
		Long: `tanketl pulls position and telemetry history from a fleet-tracking
provider, persists new observations, and runs a trend-based state machine
that turns noisy tank level readings into discrete fill/drain sessions.`,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to .env file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Verbose development logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(initDBCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(log *zap.Logger) *config.Config {
	if err := godotenv.Load(envFile); err != nil {
		log.Info("no .env file, using system environment variables")
	}
	return config.Load()
}

// runCmd starts the daemon: a polling loop plus the metrics endpoint.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ETL daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg := loadConfig(log)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := buildRunner(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			mux := http.NewServeMux()
			mux.HandleFunc("/metrics", metrics.HandleMetrics)
			srv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer srv.Shutdown(context.Background())

			log.Info("daemon started",
				zap.Duration("poll_interval", cfg.PollInterval),
				zap.String("metrics_port", cfg.MetricsPort))
			runner.RunForever(ctx)
			log.Info("daemon stopped")
			return nil
		},
	}
}

// cycleCmd runs exactly one ingestion cycle and exits. Useful for backfills
// and debugging.
func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run a single ingestion cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg := loadConfig(log)
			runner, cleanup, err := buildRunner(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			return runner.RunCycle(cmd.Context())
		},
	}
}

func buildRunner(ctx context.Context, cfg *config.Config, log *zap.Logger) (*etl.Runner, func(), error) {
	db, err := store.NewDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	var (
		live      etl.LivePublisher
		liveStore *store.LiveStore
	)
	if cfg.RedisAddr != "" {
		liveStore, err = store.NewLiveStore(ctx, cfg)
		if err != nil {
			// Live state is best effort; the ETL works without it.
			log.Warn("redis unavailable, live state disabled", zap.Error(err))
		} else {
			live = liveStore
		}
	}

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	tokens := provider.NewLoginTokenSource(httpClient,
		cfg.ProviderBaseURL, cfg.ProviderLoginPath,
		cfg.ProviderUser, cfg.ProviderPass, cfg.ProviderHash)
	client := provider.NewClient(httpClient,
		cfg.ProviderBaseURL, cfg.ProviderHistoryPath, cfg.ProviderClientCode,
		cfg.ProviderPageMax, cfg.ProviderRetryMax, cfg.ProviderRetryDelay,
		tokens, log)

	withTx := func(ctx context.Context, fn func(etl.Store) error) error {
		return db.WithTx(ctx, func(s *store.Store) error { return fn(s) })
	}

	runner := etl.NewRunner(cfg, client, db.Store(), withTx, live, log)
	cleanup := func() {
		db.Close()
		if liveStore != nil {
			liveStore.Close()
		}
	}
	return runner, cleanup, nil
}
