// main.go - The entry point and router setup.

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
	"github.com/bosocmputer/pharma_ocr_router/internal/api"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/fallback"
	"github.com/bosocmputer/pharma_ocr_router/internal/processor"
	"github.com/bosocmputer/pharma_ocr_router/internal/ratelimit"
	"github.com/bosocmputer/pharma_ocr_router/internal/routing"
	"github.com/bosocmputer/pharma_ocr_router/internal/storage"
	"github.com/bosocmputer/pharma_ocr_router/internal/usage"
)

func main() {
	// Step 0: Load configuration and logger
	configs.LoadConfig()
	if err := common.InitLogger(configs.LOG_LEVEL, configs.LOG_FORMAT); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zap.L().Sync() //nolint:errcheck

	if ginMode := os.Getenv("GIN_MODE"); ginMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Step 1: MongoDB. Routing and recording degrade gracefully without it.
	var (
		assignments routing.AssignmentStore
		usageStore  usage.Store
		escalators  []usage.Escalator
	)
	client, db, err := storage.InitMongoDB(context.Background())
	if err != nil {
		zap.L().Warn("MongoDB unavailable, using tier defaults and skipping the usage ledger", zap.Error(err))
	} else {
		defer storage.CloseMongoDB(client)
		assignments = storage.NewAssignmentStore(db)
		usageStore = storage.NewUsageStore(db)
		escalators = append(escalators, storage.NewEscalationStore(db))
	}
	if notifier := usage.NewWebhookNotifier(configs.ALERT_WEBHOOK_URL); notifier != nil {
		escalators = append(escalators, notifier)
	}

	// Step 2: Routing policy, providers and the fallback engine
	policy, err := routing.LoadPolicy(configs.TIER_POLICY_FILE)
	if err != nil {
		zap.L().Fatal("Failed to load tier policy", zap.Error(err))
	}
	resolver := routing.NewResolver(assignments, routing.EnvCredentials(policy.LocalEngine), policy)
	registry := ai.CreateProviders()
	invoker := fallback.NewInvoker(registry, ratelimit.FromConfig(), processor.NewValidator(), configs.PROVIDER_CALL_TIMEOUT)
	recorder := usage.NewRecorder(usageStore, escalators)
	orchestrator := fallback.NewOrchestrator(resolver, invoker, recorder, fallback.DefaultConfig())

	// Step 3: Initialize the Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	// Add CORS middleware - configure allowed origins for production
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", configs.ALLOWED_ORIGINS)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	api.NewHandler(orchestrator, registry.Names()).WithRouting(resolver).Register(router)

	// Step 4: Setup HTTP server with timeouts
	srv := &http.Server{
		Addr:           ":" + configs.PORT,
		Handler:        router,
		ReadTimeout:    30 * time.Second, // base64 images arrive in the body
		WriteTimeout:   3 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		zap.L().Info("starting server",
			zap.String("port", configs.PORT),
			zap.Strings("routes", []string{
			"GET /health",
			"POST /api/v1/extract",
			"GET /api/v1/routing/policy",
			"POST /api/v1/routing/invalidate",
		}))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zap.L().Error("server forced to shutdown", zap.Error(err))
	}
	if err := recorder.Close(ctx); err != nil {
		zap.L().Warn("usage queue not fully drained", zap.Error(err))
	}

	zap.L().Info("server exited")
}
