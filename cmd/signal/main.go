package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"castroom/internal/core/services"
	"castroom/internal/infrastructure/monitoring"
	"castroom/internal/infrastructure/repositories"
	signalinfra "castroom/internal/infrastructure/signal"
	"castroom/pkg/config"
	"castroom/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := os.Getenv("CASTROOM_CONFIG")
	if path == "" {
		path = "configs/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", path, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	// the relay only validates tokens; it never signs anyone in
	auth := services.NewAuthService(repoFactory.CreateUserStore(), services.AuthConfig{
		JWTSecret:      cfg.Auth.JWTSecret,
		AccessTokenTTL: cfg.Auth.AccessTokenTTL,
		BcryptCost:     cfg.Auth.BcryptCost,
	}, log)

	collector := monitoring.NewPrometheusCollector()
	relay := signalinfra.NewRelay(signalinfra.RelayConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
	}, auth, collector, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWebSocket)
	mux.HandleFunc("/health", relay.HealthCheck)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", collector.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting castroom signaling relay", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down signaling relay", "connections", relay.Connections())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("signaling relay stopped with error", "error", err)
	}
	log.Info("signaling relay stopped")
}
