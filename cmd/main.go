package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/cache"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/governor"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/ratelimit"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/upstream"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  Bulwark - Open Cloud Ops AI Resilience Core")
	fmt.Println("==============================================")

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Starting server on port %s...\n", cfg.Port)

	// Structured event logger.
	var zlog *zap.Logger
	if cfg.LogLevel == "debug" {
		zlog, err = zap.NewDevelopment()
	} else {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()
	sink := events.NewZapSink(zlog)

	// Initialize database connection.
	db, err := store.New(cfg.DSN())
	if err != nil {
		log.Printf("WARNING: Database unavailable (%v). Call records will not be persisted.", err)
		db = nil
	} else {
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		if err := db.SeedPricing(ctx); err != nil {
			log.Printf("WARNING: Failed to seed pricing data: %v", err)
		}
		log.Println("Database connected and migrations applied.")
	}

	// Initialize Redis. When reachable it becomes the shared response cache
	// and the budget spend mirror; otherwise everything stays in-memory.
	clk := clock.New()
	var responseCache cache.Store
	var spendMirror governor.SpendMirror

	redisCtx, redisCancel := context.WithTimeout(context.Background(), 5*time.Second)
	redisStore, err := cache.NewRedis(redisCtx, cfg.RedisAddr(), cfg.RedisPassword)
	redisCancel()
	if err != nil {
		log.Printf("WARNING: Redis unavailable (%v). Using in-memory response cache.", err)
		responseCache = cache.NewMemory(clk)
	} else {
		defer redisStore.Close()
		responseCache = redisStore
		spendMirror = redisStore
		log.Println("Redis connected.")
	}

	// Resilience components.
	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: uint(cfg.BreakerFailureThreshold),
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		Clock:            clk,
		Sink:             sink,
	})
	tiers := ratelimit.DefaultTiers()
	for class, t := range cfg.RateTierOverrides {
		tiers[models.OperationClass(class)] = ratelimit.Tier{
			Limit:      t.Limit,
			Window:     t.Window,
			Concurrent: t.Concurrent,
		}
	}
	limiter := ratelimit.New(ratelimit.Options{
		Tiers: tiers,
		Clock: clk,
		Sink:  sink,
	})
	var snapshots governor.SnapshotReader
	if db != nil {
		snapshots = db
	}
	gov := governor.New(governor.Options{
		DefaultCaps: governor.Caps{
			SoftUSD: cfg.BudgetSoftCapUSD,
			HardUSD: cfg.BudgetHardCapUSD,
		},
		DriftThreshold: cfg.CostDriftThreshold,
		Clock:          clk,
		Sink:           sink,
		Mirror:         spendMirror,
		Snapshots:      snapshots,
	})
	invoker := upstream.NewClient(upstream.Keys{
		OpenAI:    cfg.OpenAIKey,
		Anthropic: cfg.AnthropicKey,
		Gemini:    cfg.GeminiKey,
	})

	// Provider priority table: stock descriptors, repriced from the pricing
	// table when the database is up, with per-tenant orders from config.
	descriptors := router.DefaultDescriptors()
	if db != nil {
		pricingCtx, pricingCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pricing, err := db.ListModelPricing(pricingCtx)
		pricingCancel()
		if err != nil {
			log.Printf("WARNING: Failed to load model pricing, using compiled-in defaults: %v", err)
		} else {
			descriptors = router.ApplyPricing(descriptors, pricing)
		}
	}
	providers := router.NewProviderTable(descriptors)
	for tenant, order := range cfg.TenantProviderOrder {
		providers.SetTenant(tenant, router.SelectByProvider(descriptors, order))
	}

	var recorder router.Recorder
	if db != nil {
		asyncRec := store.NewAsyncRecorder(db, 256)
		defer asyncRec.Close()
		recorder = asyncRec
	}

	core, err := router.New(router.Options{
		Cache:       responseCache,
		Limiter:     limiter,
		Breakers:    breakers,
		Governor:    gov,
		Invoker:     invoker,
		Providers:   providers,
		SuccessTTL:  cfg.CacheSuccessTTL,
		FallbackTTL: cfg.CacheFallbackTTL,
		Clock:       clk,
		Sink:        sink,
		Recorder:    recorder,
	})
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	var insightsEngine *analytics.InsightsEngine
	if db != nil {
		insightsEngine = analytics.NewInsightsEngine(db.Pool)
	}

	handlers := api.NewHandlers(core, breakers, gov, limiter, responseCache, db, insightsEngine)

	// Set up Gin router.
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())

	// CORS for dashboard.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", "X-Tenant-ID", "X-Subject-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check.
	r.GET("/health", handlers.HealthCheck)

	// Generation endpoint — the core gateway surface.
	gen := r.Group("/v1")
	gen.Use(middleware.IdentityMiddleware())
	{
		gen.POST("/generate", handlers.Generate)
	}

	// Management API (protected by admin API key).
	// Fail-secure: if no key is configured, block all management requests.
	if cfg.AdminAPIKey == "" {
		log.Println("WARNING: BULWARK_ADMIN_API_KEY not set. Management API is disabled (fail-secure).")
	} else {
		log.Println("Management API authentication enabled.")
	}
	v1 := r.Group("/api/v1")
	v1.Use(middleware.AdminAuthMiddleware(cfg.AdminAPIKey))
	{
		// Resilience state.
		v1.GET("/breakers", handlers.GetBreakers)
		v1.GET("/ratelimit/tiers", handlers.GetRateLimitTiers)
		v1.GET("/cache/stats", handlers.GetCacheStats)

		// Budget management.
		v1.GET("/budgets", handlers.GetBudgets)
		v1.GET("/budgets/:tenant_id", handlers.GetBudget)
		v1.PUT("/budgets/:tenant_id", handlers.SetBudget)

		// Call data.
		v1.GET("/calls/summary", handlers.GetCallSummary)
		v1.GET("/calls/recent", handlers.GetRecentCalls)

		// Analytics / insights.
		v1.GET("/insights", handlers.GetInsights)
		v1.GET("/report", handlers.GetReport)
	}

	// Periodic eviction of idle rate-limit buckets, plus ledger snapshots so
	// spend history survives restarts.
	sweepDone := make(chan struct{})
	go func() {
		sweepTicker := time.NewTicker(10 * time.Minute)
		defer sweepTicker.Stop()
		snapshotTicker := time.NewTicker(5 * time.Minute)
		defer snapshotTicker.Stop()
		for {
			select {
			case <-sweepTicker.C:
				limiter.Sweep(time.Hour)
			case <-snapshotTicker.C:
				if db == nil {
					continue
				}
				snapCtx, snapCancel := context.WithTimeout(context.Background(), 10*time.Second)
				for _, status := range gov.Statuses() {
					s := status
					if err := db.UpsertBudgetSnapshot(snapCtx, &s); err != nil {
						log.Printf("WARNING: Failed to snapshot budget for tenant %s: %v", s.TenantID, err)
					}
				}
				snapCancel()
			case <-sweepDone:
				return
			}
		}
	}()
	defer close(sweepDone)

	// Start HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Bulwark AI Resilience Core is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited.")
}
