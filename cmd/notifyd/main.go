package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"notify-relay/config"
	"notify-relay/internal/api"
	"notify-relay/internal/logging"
	"notify-relay/internal/mw"
	"notify-relay/internal/notification"
	"notify-relay/internal/registry"
	"notify-relay/internal/store"
	"notify-relay/internal/vapid"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	name    = "notify-relay"
	version = "dev"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	gin.SetMode(gin.ReleaseMode)
	log.Info().Str("path", configPath).Str("storage", cfg.Storage.Driver).Msg("configuration loaded")

	keys, err := vapid.Resolve(&cfg.Push)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load VAPID keys")
	}

	// Open the registry store
	appStore, err := store.Open(&cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open subscription store")
	}
	defer func() {
		if err := appStore.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close subscription store")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := registry.New(ctx, appStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load subscription registry")
	}

	pushClient := &http.Client{Timeout: cfg.Push.Timeout}
	webpushOptions := notification.Options(keys.PublicKey, keys.PrivateKey, cfg.Push.Subject, cfg.Push.TTL, cfg.Push.Urgency, pushClient)
	dispatcher := notification.NewDispatcher(reg, webpushOptions, notification.Defaults{
		Icon: cfg.Push.DefaultIcon,
		URL:  cfg.Push.DefaultURL,
		Tag:  cfg.Push.DefaultTag,
	})

	var limiter *mw.IPRateLimiter
	if cfg.Server.RateLimitPerSec > 0 {
		limiter = mw.NewIPRateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)
		go limiter.Run(ctx, time.Minute)
	}

	handler := api.NewHandler(reg, dispatcher, keys.PublicKey, cfg.Server.AssetsDir, api.Info{Name: name, Version: version})
	router := api.NewRouter(&cfg.Server, handler, limiter)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		log.Info().Str("version", version).Str("addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)).Msgf("%s running", name)
		log.Info().Msgf("Health check: http://localhost:%d/health", cfg.Server.Port)
		log.Info().Int("subscriptions", reg.Len()).Msg("registry loaded")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server ListenAndServe")
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	log.Info().Msg("shutdown signal received, stopping server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server Shutdown")
	}

	log.Info().Msg("server gracefully stopped")
}
