package main

import (
	"context"
	"daybreak/internal/config"
	"daybreak/internal/crypto"
	"daybreak/internal/database"
	"daybreak/internal/handlers"
	"daybreak/internal/lockservice"
	"daybreak/internal/logging"
	"daybreak/internal/middleware"
	"daybreak/internal/services"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Daybreak Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	// Initialize MongoDB (required - entries, users and the job queue live here)
	if cfg.MongoURI == "" {
		log.Fatal("❌ MONGODB_URI environment variable is required")
	}
	log.Println("🔗 Connecting to MongoDB...")
	mongoDB, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	defer mongoDB.Close(context.Background())
	log.Println("✅ MongoDB connected successfully")

	if err := mongoDB.EnsureIndexes(context.Background()); err != nil {
		log.Fatalf("❌ Failed to ensure MongoDB indexes: %v", err)
	}

	// Initialize Redis service (optional - rate limiting + cross-instance events)
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		log.Println("🔗 Connecting to Redis...")
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (per-user rate limits and cross-instance events disabled)", err)
			redisService = nil
		} else {
			log.Println("✅ Redis connected successfully")
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - per-user rate limits and cross-instance events disabled")
	}

	// Initialize pub/sub for cross-instance cache invalidation
	var pubsubService *services.PubSubService
	if redisService != nil {
		instanceID := uuid.New().String()
		pubsubService = services.NewPubSubService(redisService, instanceID)
		if err := pubsubService.Start(); err != nil {
			log.Printf("⚠️ Failed to start PubSub: %v (cross-instance events disabled)", err)
			pubsubService = nil
		} else {
			log.Printf("✅ PubSub service started (instance: %s)", instanceID[:8])
		}
	}

	// Initialize Prometheus metric counters
	services.InitMetrics()

	// Lock service client. Without LOCK_SERVICE_URL the client runs
	// fail-open: every acquire succeeds locally.
	lockClient := lockservice.NewClient(cfg.LockServiceURL)
	if lockClient.Enabled() {
		log.Printf("🔒 Lock service: %s (TTL %s)", cfg.LockServiceURL, cfg.LockTTL)
	} else {
		log.Println("⚠️ LOCK_SERVICE_URL not set - running fail-open (single-instance mode)")
	}

	// Safety identifier hashing for oracle calls
	safetyService := crypto.NewSafetyService(cfg.SafetyHashKey)
	if cfg.SafetyHashKey == "" {
		log.Println("⚠️ SAFETY_HASH_KEY not set - safety identifiers use unkeyed hashing (development mode only)")
	}

	// Text-completion oracle (optional - drafts fall back to the
	// deterministic composer when unset)
	var completionService *services.CompletionService
	if cfg.CompletionBaseURL != "" {
		completionService = services.NewCompletionService(cfg.CompletionBaseURL, cfg.CompletionAPIKey, cfg.CompletionModel, cfg.CompletionTimeout)
		log.Printf("✅ Completion service initialized (model: %s, timeout: %s)", cfg.CompletionModel, cfg.CompletionTimeout)
	} else {
		log.Println("⚠️ COMPLETION_BASE_URL not set - model drafts disabled, using deterministic composer")
	}

	// Vector search oracle (optional)
	var vectorService *services.VectorService
	if cfg.VectorServiceURL != "" {
		vectorService = services.NewVectorService(cfg.VectorServiceURL, cfg.VectorAPIKey, cfg.VectorTopK)
		log.Printf("✅ Vector service initialized (topK: %d)", cfg.VectorTopK)
	} else {
		log.Println("⚠️ VECTOR_SERVICE_URL not set - retrieval uses recency only")
	}

	// Style template store with hot reload
	styleStore := config.NewStyleStore(cfg.StyleConfigPath)
	styleWatcher, err := styleStore.Watch()
	if err != nil {
		log.Printf("⚠️ Style config watch disabled: %v", err)
	} else {
		defer styleWatcher.Close()
	}

	// Core services
	userService := services.NewUserService(mongoDB)
	entryStore := services.NewMongoEntryStore(mongoDB)
	draftGenerator := services.NewDraftGenerator(completionService, vectorService, entryStore, safetyService)

	// Job queue + worker (optional - without it drafts generate inline on
	// the request path)
	var queueService *services.QueueService
	var diaryQueue services.Queue
	if cfg.QueueEnabled {
		queueService = services.NewQueueService(mongoDB, cfg.QueuePollInterval)
		diaryQueue = queueService
		log.Printf("✅ Queue service initialized (poll: %s, max attempts: %d)", cfg.QueuePollInterval, cfg.QueueMaxAttempts)
	} else {
		log.Println("⚠️ QUEUE_ENABLED=false - drafts generate inline on the request path")
	}

	diaryService := services.NewDiaryService(
		userService,
		entryStore,
		diaryQueue,
		lockClient,
		draftGenerator,
		styleStore,
		pubsubService,
		cfg.LockTTL,
	)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	if queueService != nil {
		worker := services.NewGenerationWorker(
			userService,
			entryStore,
			lockClient,
			draftGenerator,
			queueService,
			vectorService,
			pubsubService,
			styleStore,
			cfg.LockTTL,
			cfg.QueueMaxAttempts,
		)
		go queueService.Run(workerCtx, worker.HandleDelivery)
		log.Println("✅ Generation worker started")
	}

	// Nightly pre-generation scheduler (requires the queue)
	var schedulerService *services.SchedulerService
	if queueService != nil && cfg.PregenCron != "" {
		schedulerService, err = services.NewSchedulerService(userService, entryStore, queueService, cfg.PregenCron)
		if err != nil {
			log.Fatalf("❌ Invalid pre-generation schedule: %v", err)
		}
		if err := schedulerService.Start(); err != nil {
			log.Fatalf("❌ Failed to start scheduler: %v", err)
		}
	} else if cfg.PregenCron == "" {
		log.Println("⚠️ PREGEN_CRON not set - nightly pre-generation disabled")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Daybreak v1.0",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024, // diary edits are text, 1MB is generous
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("daybreak")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Draft=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.DraftMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Global API rate limiter - first line of DDoS defense
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(mongoDB, redisService, cfg.QueueEnabled, lockClient.Enabled())
	diaryHandler := handlers.NewDiaryHandler(diaryService, redisService)

	// Routes
	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api/v1")
	diary := api.Group("/diary")
	diary.Post("/draft", middleware.DraftRateLimiter(rateLimitConfig), diaryHandler.RequestDraft)
	diary.Get("/entries", diaryHandler.ListEntries)
	diary.Get("/entries/:date", diaryHandler.GetEntry)
	diary.Put("/entries/:date", diaryHandler.EditEntry)
	diary.Get("/entries/:date/revisions", diaryHandler.ListRevisions)

	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("📓 Draft endpoint: http://localhost:%s/api/v1/diary/draft", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop the scheduler first so nothing new is enqueued
		if schedulerService != nil {
			schedulerService.Stop()
		}

		// Stop the worker poll loop; in-flight jobs have Mongo leases and
		// will be redelivered after restart if interrupted
		stopWorker()

		// Stop PubSub service
		if pubsubService != nil {
			pubsubService.Stop()
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
