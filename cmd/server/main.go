package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"listing-chat/internal/auth"
	"listing-chat/internal/bus"
	"listing-chat/internal/config"
	"listing-chat/internal/database"
	"listing-chat/internal/handlers"
	"listing-chat/internal/presence"
	"listing-chat/internal/push"
	"listing-chat/internal/websocket"
	"listing-chat/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	if len(cfg.JWT.Secret) == 0 {
		logger.Fatal("JWT_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.Database.EnsureSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to apply schema: %v", err)
		}
	}

	// Presence and cross-instance fan-out live in Redis when configured
	instanceID := uuid.NewString()
	var (
		presenceStore presence.Store = presence.NewMemoryStore(cfg.Realtime.PresenceTTL)
		roomBus       bus.Bus        = bus.Local{}
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()

		presenceStore = presence.NewRedisStore(rdb, cfg.Realtime.PresenceTTL)
		roomBus = bus.NewRedisBus(rdb, instanceID)
		logger.Info("Using redis presence and bus (instance %s)", instanceID)
	}

	// Initialize services
	authService := auth.NewService(cfg)
	hubManager := websocket.NewManager(presenceStore, roomBus, websocket.Options{
		HeartbeatInterval: cfg.Realtime.PresenceTTL / 3,
		IdleTimeout:       cfg.Realtime.HubIdleTimeout,
	})
	pushJob := push.NewJob(db, db, push.NewExpoGateway(cfg.Push.GatewayURL, cfg.Push.AccessToken, cfg.Push.Timeout), push.Config{
		Title:          cfg.Push.Title,
		FallbackBody:   cfg.Push.FallbackBody,
		BodyLimit:      cfg.Push.BodyLimit,
		DeepLinkPrefix: cfg.Push.DeepLinkPrefix,
	})

	// Initialize handlers
	pushHandlers := handlers.NewPushHandlers(pushJob, authService, cfg.Push.RequireAuth)
	roomHandlers := handlers.NewRoomHandlers(hubManager, db)
	wsHandlers := handlers.NewWebSocketHandlers(authService, hubManager, cfg.Server.AllowedOrigins)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	setupRoutes(router, pushHandlers, roomHandlers, wsHandlers)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
		logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
		printAPIEndpoints()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return ignoreCanceled(db.ListenMessageInserts(gctx, hubManager.DispatchChange))
	})

	g.Go(func() error {
		return ignoreCanceled(hubManager.Run(gctx))
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error: %v", err)
	}
}

func setupRoutes(router *gin.Engine, pushHandlers *handlers.PushHandlers, roomHandlers *handlers.RoomHandlers, wsHandlers *handlers.WebSocketHandlers) {
	// Push fan-out, invoked by the database webhook; the handler answers
	// 405 itself for other methods
	router.Any("/push", pushHandlers.SendPush)

	// Room routes
	rooms := router.Group("/rooms/:room")
	rooms.GET("/presence", roomHandlers.GetPresence)
	rooms.GET("/messages", roomHandlers.GetMessages)

	// WebSocket route
	router.GET("/ws", wsHandlers.HandleWebSocket)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "apikey", "x-client-info"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /push")
	logger.Info("   GET  /rooms/{room}/presence")
	logger.Info("   GET  /rooms/{room}/messages?limit=&order=")
	logger.Info("   GET  /ws?room={room}&token={jwt}")
	logger.Info("   GET  /healthz")
}
