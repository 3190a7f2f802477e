package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/services"
	httphandlers "castroom/internal/handlers/http"
	"castroom/internal/infrastructure/capture"
	"castroom/internal/infrastructure/middleware"
	"castroom/internal/infrastructure/monitoring"
	"castroom/internal/infrastructure/reliability"
	"castroom/internal/infrastructure/repositories"
	signalinfra "castroom/internal/infrastructure/signal"
	webrtcinfra "castroom/internal/infrastructure/webrtc"
	"castroom/pkg/circuitbreaker"
	"castroom/pkg/config"
	"castroom/pkg/logger"
	"castroom/pkg/retry"
	"castroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/castroom/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("CASTROOM_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	// defaults plus environment overrides
	cfg, err := config.Load("")
	return cfg, "", err
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func main() {
	cfg, path, err := loadConfig()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", path, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	collector := monitoring.NewPrometheusCollector()

	rooms := reliability.NewRoomStoreWrapper(
		repoFactory.CreateRoomStore(), retry.DefaultConfig(), circuitbreaker.DefaultConfig(), log)
	messages := reliability.NewMessageStoreWrapper(
		repoFactory.CreateMessageStore(), retry.DefaultConfig(), circuitbreaker.DefaultConfig(), log)

	presence := services.NewPresenceController(
		rooms,
		repoFactory.CreateLocker(),
		repoFactory.CreateRoomFeed(),
		services.PresenceConfig{
			CodeLength:           cfg.Rooms.CodeLength,
			CodeAttempts:         cfg.Rooms.CodeAttempts,
			MaxParticipantsLimit: cfg.Rooms.MaxParticipantsLimit,
		},
		log,
		collector,
	)
	chat := services.NewChatStream(
		messages,
		repoFactory.CreateChatFeed(),
		services.ChatConfig{
			MaxMessageLength: cfg.Chat.MaxMessageLength,
			SubscriberBuffer: cfg.Chat.SubscriberBuffer,
		},
		log,
		collector,
	)
	auth := services.NewAuthService(repoFactory.CreateUserStore(), services.AuthConfig{
		JWTSecret:      cfg.Auth.JWTSecret,
		AccessTokenTTL: cfg.Auth.AccessTokenTTL,
		BcryptCost:     cfg.Auth.BcryptCost,
	}, log)

	quality, err := domain.ParseQuality(cfg.Session.DefaultQuality)
	if err != nil {
		log.Fatalw("invalid default quality", "error", err)
	}

	webrtcConfig := webrtcinfra.WebRTCConfig{ICEServers: iceServers(cfg)}
	webrtcConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	webrtcConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	negotiationRetry := retry.DefaultConfig()
	negotiationRetry.MaxAttempts = cfg.Session.Negotiation.MaxAttempts
	negotiationRetry.InitialDelay = cfg.Session.Negotiation.InitialDelay
	negotiationRetry.MaxDelay = cfg.Session.Negotiation.MaxDelay

	// Each signed-in user gets a relay connection, a negotiator and a
	// capture device of their own.
	factory := func(ctx context.Context, user domain.User) (*services.Coordinator, func(context.Context) error, error) {
		userLog := log.With("user_id", user.ID)

		token, err := auth.GenerateToken(user)
		if err != nil {
			return nil, nil, err
		}
		client, err := signalinfra.Dial(ctx, cfg.Signal.URL, token, userLog)
		if err != nil {
			return nil, nil, err
		}
		negotiator, err := webrtcinfra.NewPionNegotiator(webrtcConfig, client, collector, userLog)
		if err != nil {
			client.Close()
			return nil, nil, err
		}

		peers := webrtcinfra.NewPeerManager(negotiator, webrtcinfra.PeerManagerConfig{
			Retry:              negotiationRetry,
			NegotiationTimeout: cfg.Session.Negotiation.Timeout,
		}, userLog, collector)

		device := capture.NewFileDevice(capture.FileDeviceConfig{
			VideoFile: cfg.Capture.VideoFile,
			AudioFile: cfg.Capture.AudioFile,
			Loop:      cfg.Capture.Loop,
		}, userLog)
		media := services.NewMediaSession(device, services.MediaSessionConfig{
			Defaults: domain.MediaSettings{
				Quality:      quality,
				AudioEnabled: cfg.Session.AudioEnabled,
			},
			CaptureAudio: cfg.Capture.AudioFile != "",
		}, userLog, collector)

		coordinator := services.NewCoordinator(
			services.SessionConfig{User: user},
			media, peers, presence, chat, userLog,
		)
		release := func(ctx context.Context) error {
			return errors.Join(negotiator.Close(), client.Close())
		}
		return coordinator, release, nil
	}
	sessions := services.NewSessionManager(auth, factory, cfg.Server.ShutdownTimeout, log)

	health := monitoring.NewHealthChecker()
	health.AddRoomStoreCheck(rooms, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	requireAuth := middleware.AuthMiddleware(auth)
	source := httphandlers.ManagedSessions(sessions)

	httphandlers.NewAuthHandler(auth, requireAuth, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
	httphandlers.NewRoomHandler(source, presence, requireAuth, httphandlers.RoomHandlerConfig{
		PublicURL:              cfg.Server.PublicURL,
		DefaultMaxParticipants: cfg.Rooms.DefaultMaxParticipants,
	}).SetupRoutes(router)
	httphandlers.NewSessionHandler(source, chat, requireAuth, httphandlers.SessionHandlerConfig{
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		PingInterval:   cfg.Signal.PingInterval,
	}, log).SetupRoutes(router)

	startTime := time.Now()
	router.GET("/health", func(c *gin.Context) {
		status := health.LastStatus()
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"checks":    status.Checks,
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if !health.IsReady(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "timestamp": time.Now()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting castroom server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return repoFactory.Run(gctx)
	})
	g.Go(func() error {
		health.StartBackgroundChecks(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down castroom server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := sessions.Close(shutdownCtx); err != nil {
			log.Warnw("failed to close session", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			srv.Close()
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("castroom server stopped with error", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("castroom server stopped")
}
