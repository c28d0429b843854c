package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Cyvadra/tv-compliance/internal/compliance"
	"github.com/Cyvadra/tv-compliance/internal/config"
	"github.com/Cyvadra/tv-compliance/internal/database"
	"github.com/Cyvadra/tv-compliance/internal/handlers"
	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/middleware"
	"github.com/Cyvadra/tv-compliance/internal/repository"
	"github.com/Cyvadra/tv-compliance/internal/routes"
	"github.com/Cyvadra/tv-compliance/internal/services"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	userConfigFile := flag.String("users", "users.yaml", "Path to user configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	if err := run(cfg, *userConfigFile, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited")
	}
}

func run(cfg *config.Config, userConfigFile string, logger zerolog.Logger) error {
	// Initialize database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)
	repo := repository.New(db)

	users := services.NewUserService(repo, logger)
	if err := seedUsers(users, userConfigFile, logger); err != nil {
		return err
	}

	loc, err := time.LoadLocation(cfg.Compliance.Timezone)
	if err != nil {
		return fmt.Errorf("invalid compliance timezone: %w", err)
	}
	engine := compliance.NewEngine(compliance.Options{
		Location:      loc,
		WarningRatio:  cfg.Compliance.WarningRatio,
		CriticalRatio: cfg.Compliance.CriticalRatio,
	}, logger)

	notifier := services.NewNotificationService(repo, cfg.Notification, logger)
	webhooks := services.NewWebhookService(repo, users, engine, notifier, logger)
	health := services.NewHealthService(repo, notifier, logger)
	summary := services.NewSummaryService(repo, loc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var monitor *services.Monitor
	if cfg.Monitor.Enabled {
		monitor = services.NewMonitor(repo, health, cfg.Monitor, logger)
		monitor.Start(ctx)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	if buckets, ok := limiter.(*middleware.TokenBucketLimiter); ok {
		go evictIdleBuckets(ctx, buckets)
	}

	// Set up Gin
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	routes.SetupRoutes(r, routes.Handlers{
		Webhook: handlers.NewWebhookHandler(webhooks, users, cfg.Server.MaxBodyBytes, logger),
		Health:  handlers.NewHealthHandler(health, users, logger),
		User:    handlers.NewUserHandler(users, summary, notifier, logger),
		Limiter: limiter,
		Logger:  logger,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", addr).
			Str("webhook", fmt.Sprintf("http://%s/api/v1/webhook/<token>", addr)).
			Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	if monitor != nil {
		monitor.Stop()
	}
	webhooks.Wait()
	logger.Info().Msg("Server stopped")
	return nil
}

// seedUsers loads the user file and stores its users, writing generated tokens back
func seedUsers(users *services.UserService, filename string, logger zerolog.Logger) error {
	userConfig, err := config.LoadUserConfig(filename)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Str("file", filename).Msg("User config not found, no users seeded")
		return nil
	}
	if err != nil {
		return err
	}

	seeded, err := users.SeedUsers(context.Background(), userConfig)
	if err != nil {
		return err
	}
	if err := config.SaveUserConfig(userConfig, filename); err != nil {
		return err
	}

	logger.Info().Int("users", seeded).Str("file", filename).Msg("Users seeded")
	return nil
}

func evictIdleBuckets(ctx context.Context, limiter *middleware.TokenBucketLimiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Evict(30 * time.Minute)
		}
	}
}
