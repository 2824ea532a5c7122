package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ilyasseyounes1/patient-management-system-enterprise/internal/billing"
	"github.com/ilyasseyounes1/patient-management-system-enterprise/internal/config"
	"github.com/ilyasseyounes1/patient-management-system-enterprise/internal/domain/patient"
	"github.com/ilyasseyounes1/patient-management-system-enterprise/internal/events"
	"github.com/ilyasseyounes1/patient-management-system-enterprise/internal/platform/db"
	"github.com/ilyasseyounes1/patient-management-system-enterprise/internal/platform/middleware"
)

// managerPublisher adapts an events.Manager to the patient.EventPublisher
// interface, avoiding a dependency from the events package on the patient
// domain.
type managerPublisher struct {
	manager *events.Manager
}

// PublishPatientEvent implements patient.EventPublisher.
func (p *managerPublisher) PublishPatientEvent(ctx context.Context, e patient.Event) error {
	var payload json.RawMessage
	if e.Patient != nil {
		b, err := json.Marshal(e.Patient)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := p.manager.Publish(ctx, events.Event{
		ID:         uuid.New().String(),
		Type:       string(e.Kind),
		ResourceID: e.PatientID.String(),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})
	return err
}

// noopBilling stands in for the billing client when no billing endpoint is
// configured. Development only; production config requires BILLING_URL.
type noopBilling struct{}

func (noopBilling) CreateAccount(context.Context, string, string, string) error { return nil }

func main() {
	rootCmd := &cobra.Command{
		Use:   "patient-server",
		Short: "Patient management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the patient API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Patient store: PostgreSQL when configured, otherwise the in-memory
	// store for local development.
	var repo patient.Repository
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		repo = patient.NewRepoPG(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set; using in-memory patient store")
		repo = patient.NewMemRepo()
	}

	return serve(cfg, logger, repo, pool)
}

func serve(cfg *config.Config, logger zerolog.Logger, repo patient.Repository, pool *pgxpool.Pool) error {
	// Billing client
	var provisioner patient.BillingProvisioner
	if cfg.BillingURL != "" {
		provisioner = billing.NewClient(cfg.BillingURL, cfg.BillingAPIKey, cfg.BillingTimeout(), logger)
	} else {
		logger.Warn().Msg("BILLING_URL not set; billing provisioning disabled")
		provisioner = noopBilling{}
	}

	// Event delivery
	endpointStore := events.NewInMemoryEndpointStore()
	manager := events.NewManager(endpointStore, logger,
		events.WithHTTPClient(&http.Client{Timeout: cfg.EventTimeout()}),
		events.WithDefaultSecret(cfg.EventSigningSecret),
	)
	publisher := &managerPublisher{manager: manager}

	// Patient domain
	service := patient.NewService(repo, provisioner, publisher, logger,
		patient.WithBillingTimeout(cfg.BillingTimeout()),
		patient.WithEventTimeout(cfg.EventTimeout()),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	patient.NewHandler(service).RegisterRoutes(apiV1)
	events.NewHandler(manager).RegisterRoutes(apiV1.Group("/event-endpoints"))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
