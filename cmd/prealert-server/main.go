package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prealert/prealert/internal/config"
	"github.com/prealert/prealert/internal/domain/alert"
	"github.com/prealert/prealert/internal/domain/ambulance"
	"github.com/prealert/prealert/internal/domain/hospital"
	"github.com/prealert/prealert/internal/domain/vitals"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/internal/platform/db"
	"github.com/prealert/prealert/internal/platform/metrics"
	"github.com/prealert/prealert/internal/platform/middleware"
	"github.com/prealert/prealert/internal/platform/realtime"
	"github.com/prealert/prealert/internal/platform/recommend"
	"github.com/prealert/prealert/internal/platform/routing"
	"github.com/prealert/prealert/internal/platform/websocket"
)

const (
	requestTimeout   = 30 * time.Second
	recommendTimeout = 15 * time.Second
	bodyLimit        = "1M"
	websocketPath    = "/api/v1/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prealert-server",
		Short: "Ambulance pre-alert coordination server",
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
		Short: "Start the pre-alert API server",
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
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// resolveSigningKey accepts a hex-encoded or raw session key. An empty key
// is only tolerated in development, where a random one is generated and
// every restart invalidates the issued sessions.
func resolveSigningKey(raw string, dev bool, logger zerolog.Logger) ([]byte, error) {
	if raw == "" {
		if !dev {
			return nil, fmt.Errorf("SESSION_SIGNING_KEY is required")
		}
		key := make([]byte, 32)
		if _, err := crypto_rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn().Msg("SESSION_SIGNING_KEY not set, using an ephemeral key")
		return key, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	return []byte(raw), nil
}

// newBroker picks the change-event transport. The returned stop function
// releases the broker's connections.
func newBroker(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (realtime.Broker, func(), error) {
	switch cfg.RealtimeBackend {
	case "local":
		return realtime.NewLocal(), func() {}, nil
	case "redis":
		b, err := realtime.NewRedisBroker(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		b, err := realtime.NewPGBroker(ctx, pool, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Realtime
	broker, stopBroker, err := newBroker(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.RealtimeBackend).Msg("failed to start realtime broker")
	}
	defer stopBroker()
	logger.Info().Str("backend", cfg.RealtimeBackend).Msg("realtime broker started")

	// Upstreams
	routes := routing.NewClient(routing.Config{
		BaseURL:  cfg.RoutingURL,
		Profile:  "driving",
		Timeout:  cfg.RoutingTimeout,
		CacheTTL: cfg.RouteCacheTTL,
	}, logger, m)
	oracle := recommend.NewClient(recommend.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: recommendTimeout,
	}, logger)

	// Domain services
	hospitalSvc := hospital.NewService(hospital.NewRepoPG(pool), logger)
	hospitalSvc.SetOracle(oracle, cfg.RecommendTopN)
	hospitalSvc.SetMetrics(m)

	alertSvc := alert.NewService(alert.NewRepoPG(pool), hospitalSvc, logger)
	alertSvc.SetBroker(broker)
	alertSvc.SetMetrics(m)
	hospitalSvc.SetExclusionSource(alertSvc)

	relay := vitals.NewRelay(vitals.NewRepoPG(pool), broker, logger)
	relay.SetMetrics(m)

	ambulanceSvc := ambulance.NewService(ambulance.NewRepoPG(pool), alertSvc, hospitalSvc, routes, logger)
	ambulanceSvc.SetBroker(broker)
	ambulanceSvc.SetMetrics(m)
	ambulanceSvc.SetRecalcInterval(cfg.RouteRecalcInterval)
	defer ambulanceSvc.Stop()

	// Sessions and live channels
	signingKey, err := resolveSigningKey(cfg.SessionSigningKey, cfg.IsDev(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session signing key")
	}
	gate := auth.NewGate(auth.GateConfig{
		SigningKey:  signingKey,
		TTL:         cfg.SessionTTL,
		EmailDomain: cfg.IdentityEmailDomain,
		Issuer:      "prealert",
	}, auth.NewIdentityProviderPG(pool), auth.NewAppUserRepoPG(pool), auth.NewRevocationStore(), logger)

	hub := websocket.NewHub(broker, logger, m)
	hub.SetSnapshotter(realtime.TableLiveVitals, relay)
	hub.SetTopicAuthorizer(websocket.NewTopicPolicy(alertSvc.HasOpenAlertTo))
	gate.SetSubscriptionCloser(hub)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(m.Middleware())
	e.Use(middleware.RequestTimeout(requestTimeout, websocketPath))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled, unauthenticated requests act as admin")
		e.Use(auth.DevAuthMiddleware(gate))
	} else {
		e.Use(auth.SessionMiddleware(gate))
	}

	// API group
	apiV1 := e.Group("/api/v1")
	rateLimit, err := middleware.RateLimit(middleware.RateLimitConfig{
		Rate:      cfg.RateLimit,
		RoleRates: map[auth.Role]string{auth.RoleAmbulance: cfg.RateLimitAmbulance},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate limit")
	}
	apiV1.Use(rateLimit)

	auth.NewHandler(gate).RegisterRoutes(apiV1, nil)
	hospital.NewHandler(hospitalSvc).RegisterRoutes(apiV1, nil)
	alert.NewHandler(alertSvc).RegisterRoutes(apiV1, nil)
	ambulance.NewHandler(ambulanceSvc).RegisterRoutes(apiV1, nil)
	vitals.NewHandler(relay).RegisterRoutes(apiV1, nil)
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1, nil)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "0.1.0"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	// Start server
	addr := ":" + cfg.Port
	go func() {
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
