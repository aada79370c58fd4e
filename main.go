package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"flextasker/realtime-gateway/config"
	"flextasker/realtime-gateway/db"
	"flextasker/realtime-gateway/handlers"
	"flextasker/realtime-gateway/middleware"
	"flextasker/realtime-gateway/services"
	"flextasker/realtime-gateway/utils"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		utils.NewLogger("info").Fatal("Invalid configuration", "error", err)
	}

	// Initialize logger
	logger := utils.NewLogger(cfg.LogLevel)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With("service", "realtime-gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics are exported over OTLP when an endpoint is configured and
	// logged otherwise.
	metrics, shutdownMetrics, err := services.NewMetricsSink(ctx, services.MetricsExport{
		ServiceName: "realtime-gateway",
		InstanceID:  instanceID,
		Endpoint:    cfg.MetricsEndpoint,
		Interval:    cfg.MetricsInterval,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to set up metrics export", "error", err)
	}

	deps := services.ServerDeps{
		Verifier:  services.NewJWTVerifier(cfg.JWTSecret),
		Formatter: services.DefaultNotificationFormatter(),
		Metrics:   metrics,
		Logger:    logger,
	}

	// Redis backs the backplane, shared presence and shared rate limits.
	// Without it the instance runs standalone.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = services.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisDB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", "error", err)
		}
		defer redisClient.Close()
		logger.Info("Connected to Redis")

		deps.Backplane = services.NewRedisBackplane(redisClient, logger)
		deps.PresenceStore = services.NewRedisPresenceStore(redisClient, cfg.PresenceTTL, services.SystemClock{}, logger)
		if cfg.RateLimitStoreShared {
			deps.Buckets = services.NewRedisBucketStore(redisClient)
		}
	} else {
		logger.Warn("REDIS_URL not set, running without cross-instance delivery")
	}

	// Connect to database
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		deps.LastSeen = services.NewGormLastSeenWriter(database)
	}

	server := services.NewServer(deps, services.ServerOptions{
		InstanceID:            instanceID,
		SendBuffer:            cfg.SendBufferSize,
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		AbuseThreshold:        cfg.AbuseThreshold,
		HandshakePolicy: services.RateLimitPolicy{
			Name: "handshake", Points: cfg.HandshakePoints, Window: cfg.HandshakeWindow, Block: cfg.HandshakeBlock,
		},
		EventPolicy: services.RateLimitPolicy{
			Name: "event", Points: cfg.EventPoints, Window: cfg.EventWindow, Block: cfg.EventBlock,
		},
		TypingPolicy: services.RateLimitPolicy{
			Name: "typing", Points: cfg.TypingPoints, Window: cfg.TypingWindow, Block: cfg.TypingBlock,
		},
		RoomIdleTTL:       cfg.RoomIdleTTL,
		DeliveryRetention: cfg.DeliveryRetention,
		TypingTTL:         cfg.TypingTTL,
	})
	err = server.RegisterJobs(services.ScheduleSpecs{
		DeliveryPurge:   cfg.DeliveryPurgeSpec,
		RoomSweep:       cfg.RoomSweepSpec,
		TypingFlush:     cfg.TypingFlushSpec,
		Metrics:         cfg.MetricsSpec,
		BackplanePing:   cfg.BackplanePingSpec,
		BucketSweep:     cfg.BucketSweepSpec,
		PresenceRefresh: cfg.PresenceSyncSpec,
	})
	if err != nil {
		logger.Fatal("Invalid schedule", "error", err)
	}
	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start realtime services", "error", err)
	}

	// Initialize handlers
	wsHandler := handlers.NewWebSocketHandler(server.Gateway, server.Dispatcher, handlers.WebSocketOptions{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		PingInterval:    cfg.PingInterval,
		PongWait:        cfg.PongWait,
		WriteWait:       cfg.WriteWait,
	}, logger)
	presenceHandler := handlers.NewPresenceHandler(server, logger)
	roomHandler := handlers.NewRoomHandler(server.Rooms)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	router.GET("/health", handlers.HealthCheck(server))
	router.GET("/ws", wsHandler.Handle)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(deps.Verifier))
	{
		v1.GET("/presence/online", presenceHandler.GetOnlineUsers)
		v1.GET("/presence/:userId", presenceHandler.GetStatus)
		v1.GET("/rooms/:roomId", roomHandler.GetRoom)
		v1.GET("/stats", handlers.Stats(server))
	}

	// WebSocket connections outlive any fixed write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting realtime gateway", "port", cfg.Port, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Close(shutdownCtx); err != nil {
		logger.Error("Failed to stop realtime services", "error", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Error("Failed to flush metrics", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
