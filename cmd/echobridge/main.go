// Package main is the EchoBridge server entry point. One binary serves
// the HTTP API, the WebSocket stream and the meeting orchestrators with
// shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/ai"
	"github.com/echobridge/echobridge/internal/auth"
	"github.com/echobridge/echobridge/internal/common/config"
	"github.com/echobridge/echobridge/internal/common/httpmw"
	"github.com/echobridge/echobridge/internal/common/logger"
	"github.com/echobridge/echobridge/internal/db"
	"github.com/echobridge/echobridge/internal/events/bus"
	"github.com/echobridge/echobridge/internal/interpret"
	"github.com/echobridge/echobridge/internal/meeting"
	"github.com/echobridge/echobridge/internal/stream"
	"github.com/echobridge/echobridge/internal/wall"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting EchoBridge...")

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	database, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer database.Close()
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	provider, err := ai.New(cfg.AI)
	if err != nil {
		log.Fatal("Failed to initialize AI provider", zap.Error(err), zap.String("provider", cfg.AI.Provider))
	}
	log.Info("AI provider initialized", zap.String("provider", provider.Name()))

	// WebSocket layer. Broadcasts always travel over the bus so that with
	// NATS configured, subscribers on any instance see every meeting.
	streamManager := stream.NewManager(log)
	publisher := stream.NewPublisher(eventBus, log)
	fanout, err := stream.NewFanout(eventBus, streamManager)
	if err != nil {
		log.Fatal("Failed to wire stream fanout", zap.Error(err))
	}
	defer fanout.Close()

	credentials := auth.NewStore(database, cfg.Auth.TokenPrefix)

	wallStore := wall.NewStore(database)
	wallHandler := wall.NewHandler(wallStore, cfg.Wall.PageSizeMax, log)
	registrar := wall.NewRegistrar(credentials, wallStore, cfg.Server.BaseURL, log)

	interpreter := interpret.NewService(database, provider, log)

	meetingStore := meeting.NewStore(database)
	meetingRegistry := meeting.NewRegistry()
	meetingService := meeting.NewService(
		meetingStore, meetingRegistry, provider, publisher, interpreter, wallStore,
		cfg.Meeting, cfg.Server.BaseURL, log,
	)
	meetingHandler := meeting.NewHandler(meetingService, cfg.Meeting.MaxAgents, log)

	streamHandler := stream.NewHandler(streamManager, meetingService, credentials, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "echobridge",
		})
	})

	streamHandler.RegisterRoutes(router)
	wallHandler.RegisterPublicRoutes(router)

	v1 := router.Group("/api/v1", auth.RequireAuth(credentials))
	wallHandler.RegisterAgentRoutes(v1)
	registrar.RegisterRoutes(router, v1)
	meetingHandler.RegisterRoutes(v1)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("base_url", cfg.Server.BaseURL))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down EchoBridge...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop live meetings so their sessions still finalize.
	meetingService.Shutdown()

	log.Info("EchoBridge stopped")
}

// corsMiddleware allows browser clients and WebSocket upgrades from any
// origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
