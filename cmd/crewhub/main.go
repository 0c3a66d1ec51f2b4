// Package main is the CrewHub entry point. The single binary runs the full
// stack: Postgres-backed channel, agent, workflow, and memory services, the
// LLM gateway, and the WebSocket frontend, all wired over a shared event bus.
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

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/database"
	"github.com/kandev/crewhub/internal/common/logger"

	"github.com/kandev/crewhub/internal/cache"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/hub"
	"github.com/kandev/crewhub/internal/llm"
	"github.com/kandev/crewhub/internal/memory"
	"github.com/kandev/crewhub/internal/tools"

	"github.com/kandev/crewhub/internal/agent/runtime"
	agentservice "github.com/kandev/crewhub/internal/agent/service"
	agentstore "github.com/kandev/crewhub/internal/agent/store"
	chservice "github.com/kandev/crewhub/internal/channel/service"
	chstore "github.com/kandev/crewhub/internal/channel/store"
	"github.com/kandev/crewhub/internal/workflow/orchestrator"
	wfstore "github.com/kandev/crewhub/internal/workflow/store"

	gateways "github.com/kandev/crewhub/internal/gateway/websocket"
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

	log.Info("Starting CrewHub...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-process otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// Database + schema.
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx, cfg.Memory.EmbeddingDimensions); err != nil {
		log.Fatal("Failed to migrate schema", zap.Error(err))
	}
	log.Info("Database ready")

	// Redis-backed read cache. An empty addr disables it.
	cacheClient := cache.New(cfg.Redis, cfg.Cache, log)
	defer cacheClient.Close()

	// LLM gateway and tool executor.
	llmGateway := llm.NewGateway(cfg, log)
	toolExecutor, err := tools.NewExecutor(cfg.Tools, log)
	if err != nil {
		log.Fatal("Failed to initialize tool executor", zap.Error(err))
	}

	// Core services.
	channelSvc := chservice.NewService(chstore.New(db), eventBus, cacheClient, log)
	agentSvc := agentservice.NewService(agentstore.New(db), eventBus, cacheClient, log)

	// Semantic memory is optional: without an embedder the runtime simply
	// skips recall and write-back.
	var memStore *memory.Store
	var memWriter *memory.Writer
	if cfg.Memory.Enabled {
		embedder, err := memory.NewEmbedder(cfg.Memory, cfg.LLM)
		if err != nil {
			log.Warn("Memory disabled: no embedder available", zap.Error(err))
		} else {
			memStore = memory.NewStore(db, embedder, llmGateway, cfg.Memory, log)
			memWriter = memory.NewWriter(memStore, 256, log)
			memWriter.Start(ctx)
			defer memWriter.Close()
			log.Info("Semantic memory enabled",
				zap.String("embedding_provider", cfg.Memory.EmbeddingProvider),
				zap.Int("dimensions", cfg.Memory.EmbeddingDimensions))
		}
	}

	// Agent runtime.
	deps := runtime.Deps{
		LLM:          llmGateway,
		Channels:     channelSvc,
		Tools:        toolExecutor,
		Status:       agentSvc,
		EventBus:     eventBus,
		MemoryConfig: cfg.Memory,
		Logger:       log,
	}
	if memStore != nil {
		deps.Recall = memStore
		deps.Memory = memWriter
	}
	agentRuntime := runtime.New(deps)

	// Workflow orchestrator.
	var orchMemory orchestrator.MemoryWriter
	if memWriter != nil {
		orchMemory = memWriter
	}
	orchestratorSvc := orchestrator.NewService(
		wfstore.New(db), agentSvc, agentRuntime, llmGateway, orchMemory, eventBus, cacheClient, log)
	defer orchestratorSvc.Close()

	// WebSocket frontend.
	eventHub := hub.New(cfg.Hub, log)
	commands := gateways.NewCommands(channelSvc, agentSvc, agentRuntime, orchestratorSvc,
		map[string]gateways.StatsSource{
			"hub":   func() any { return eventHub.Stats() },
			"cache": func() any { return cacheClient.Stats() },
			"llm":   func() any { return llmGateway.Stats() },
		}, log)
	gateway := gateways.NewGateway(eventHub, commands, log)
	if err := gateway.Start(eventBus); err != nil {
		log.Fatal("Failed to start event bridge", zap.Error(err))
	}
	defer gateway.Close()

	// HTTP server: WebSocket endpoint plus health check.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	gateway.SetupRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "crewhub",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down CrewHub...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("CrewHub stopped")
}

// corsMiddleware permits cross-origin WebSocket upgrades and health checks.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
