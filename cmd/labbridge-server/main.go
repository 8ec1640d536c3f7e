package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labbridge/labbridge/internal/config"
	"github.com/labbridge/labbridge/internal/domain/dispatch"
	"github.com/labbridge/labbridge/internal/domain/mapping"
	"github.com/labbridge/labbridge/internal/domain/orders"
	"github.com/labbridge/labbridge/internal/domain/results"
	"github.com/labbridge/labbridge/internal/ops"
	"github.com/labbridge/labbridge/internal/platform/db"
	"github.com/labbridge/labbridge/internal/platform/hl7v2"
	"github.com/labbridge/labbridge/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labbridge-server",
		Short: "Laboratory analyzer to LIS integration bridge",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(fetchOrdersCmd())
	rootCmd.AddCommand(dispatchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener, background workers and ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			_, pool, err := loadAndConnect()
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, logger)
			if err := migrator.Up(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			_, pool, err := loadAndConnect()
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, logger)
			statuses, err := migrator.Status(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// ingestCmd drains the file inbox once and exits, for manual reprocessing
// and cron-style setups.
func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Process HL7 files waiting in the inbox directory once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, pool, err := loadAndConnect()
			if err != nil {
				return err
			}
			defer pool.Close()

			profiles, err := hl7v2.LoadProfileSet(cfg.ProfilePath)
			if err != nil {
				return fmt.Errorf("load analyzer profiles: %w", err)
			}

			ingestor := results.NewIngestor(profiles, results.NewRepoPG(pool), logger)
			poller := results.NewInboxPoller(cfg.InboxDir, ingestor, logger)

			processed, failed, err := poller.RunOnce(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("processed=%d failed=%d\n", processed, failed)
			return nil
		},
	}
}

func fetchOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch-orders",
		Short: "Download the work orders of a date from the remote system",
		RunE: func(cmd *cobra.Command, args []string) error {
			fecha, _ := cmd.Flags().GetString("fecha")
			if fecha == "" {
				fecha = time.Now().Format("2006-01-02")
			}

			logger := newLogger()
			cfg, pool, err := loadAndConnect()
			if err != nil {
				return err
			}
			defer pool.Close()

			resolver, err := mapping.NewJSONRepo(cfg.MappingPath)
			if err != nil {
				return fmt.Errorf("load mapping document: %w", err)
			}

			client := orders.NewClient(cfg.APIBaseURL, cfg.APIKey, cfg.APISecret, cfg.APITimeoutDuration(), logger)
			svc := orders.NewSyncService(client, orders.NewRepoPG(pool), resolver, logger)

			stats, err := svc.Sync(context.Background(), fecha)
			if err != nil {
				return err
			}
			fmt.Printf("fecha=%s patients=%d exams=%d\n", fecha, stats.Patients, stats.Exams)
			return nil
		},
	}
	cmd.Flags().String("fecha", "", "Exploration date to fetch (YYYY-MM-DD, default today)")
	return cmd
}

// dispatchCmd runs a single export cycle and exits.
func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Send pending analyte results to the remote system once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, pool, err := loadAndConnect()
			if err != nil {
				return err
			}
			defer pool.Close()

			cycle, _, err := buildDispatch(cfg, pool, logger)
			if err != nil {
				return err
			}

			stats, err := cycle.Run(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("picked=%d sent=%d errors=%d\n", stats.Picked, stats.Sent, stats.Errors)
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func loadAndConnect() (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, pool, nil
}

// buildDispatch wires the mapping resolver, exam lookup, remote client and
// trace writer into a ready dispatch cycle. The resolver is returned so the
// caller can expose mapping reload.
func buildDispatch(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*dispatch.Cycle, mapping.Resolver, error) {
	resolver, err := mapping.NewJSONRepo(cfg.MappingPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load mapping document: %w", err)
	}

	ordersRepo := orders.NewRepoPG(pool)
	resultsRepo := results.NewRepoPG(pool)

	apiClient := dispatch.NewClient(cfg.APIBaseURL, cfg.APIKey, cfg.APISecret, cfg.APITimeoutDuration(),
		cfg.CloseResultadoGlobal, cfg.CloseResponsable, cfg.CloseNotas, logger)
	tracer := dispatch.NewTraceWriter(cfg.TraceEnabled, cfg.TraceDir, logger)
	sender := dispatch.NewResultSender(resolver, ordersRepo, apiClient, tracer, logger)
	cycle := dispatch.NewCycle(resultsRepo, sender, ordersRepo, cfg.ExportBatchSize, cfg.CloseOnFirstSuccess, logger)
	return cycle, resolver, nil
}

func runServer() error {
	logger := newLogger()

	cfg, pool, err := loadAndConnect()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	profiles, err := hl7v2.LoadProfileSet(cfg.ProfilePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ProfilePath).Msg("failed to load analyzer profiles")
	}
	logger.Info().Int("profiles", len(profiles.Profiles)).Msg("analyzer profiles loaded")

	cycle, resolver, err := buildDispatch(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire dispatch pipeline")
	}

	resultsRepo := results.NewRepoPG(pool)
	ingestor := results.NewIngestor(profiles, resultsRepo, logger)
	poller := results.NewInboxPoller(cfg.InboxDir, ingestor, logger)

	ordersClient := orders.NewClient(cfg.APIBaseURL, cfg.APIKey, cfg.APISecret, cfg.APITimeoutDuration(), logger)
	syncSvc := orders.NewSyncService(ordersClient, orders.NewRepoPG(pool), resolver, logger)

	// Background workers run against a context cancelled on shutdown.
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	mllp := hl7v2.NewServer(cfg.TCPHost, cfg.TCPPort, cfg.MessageDir, func(payload []byte, savedPath string) {
		if _, err := ingestor.IngestBytes(bg, payload, savedPath); err != nil {
			logger.Error().Err(err).Str("file", savedPath).Msg("failed to ingest MLLP message")
		}
	}, logger)
	if err := mllp.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start MLLP listener")
	}
	defer mllp.Stop()

	go poller.Loop(bg, cfg.InboxPollInterval())
	if cfg.ExportEnabled {
		go cycle.Loop(bg, cfg.ExportInterval())
		logger.Info().Dur("interval", cfg.ExportInterval()).Msg("dispatch loop enabled")
	}

	// Ops API
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	handler := ops.NewHandler(db.HealthHandler(pool), cycle, resolver, resultsRepo, syncSvc, poller, mllp, logger)
	handler.RegisterRoutes(e)

	go func() {
		logger.Info().Str("addr", cfg.OpsAddr).Msg("starting ops server")
		if err := e.Start(cfg.OpsAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("ops server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancelBG()
	mllp.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ops server shutdown failed")
	}
	logger.Info().Msg("stopped")
	return nil
}
