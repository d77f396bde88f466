package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"streamrelay/internal/bridge"
	"streamrelay/internal/config"
	"streamrelay/internal/database"
	"streamrelay/internal/handlers"
	"streamrelay/internal/jobs"
	"streamrelay/internal/listeners"
	"streamrelay/internal/logging"
	"streamrelay/internal/middleware"
	"streamrelay/internal/preflight"
	"streamrelay/internal/producer"
	"streamrelay/internal/questions"
	"streamrelay/internal/relay"
	"streamrelay/internal/services"
	"streamrelay/internal/streamlog"
	"streamrelay/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting stream relay server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, log: %s, store: %s, strategy: %s, mode: %s)",
		cfg.Port, cfg.LogBackend, cfg.QuestionStore, cfg.RelayStrategy, cfg.StreamMode)

	// Redis is needed when either the log or the question store lives there
	var redisService *services.RedisService
	if cfg.LogBackend == "redis" || cfg.QuestionStore == "redis" {
		var err error
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisService.Close()
	}

	// Durable log
	var streamLog streamlog.Log
	if cfg.LogBackend == "redis" {
		streamLog = streamlog.NewRedisLog(redisService.Client(), streamlog.RedisOptions{
			AppendTimeout: cfg.AppendTimeout,
			MaxLen:        cfg.StreamMaxLen,
		})
		log.Printf("✅ Stream log on Redis (MAXLEN ~%d)", cfg.StreamMaxLen)
	} else {
		streamLog = streamlog.NewMemoryLog()
		log.Println("⚠️  Stream log is in-process; answers are lost on restart")
	}
	defer streamLog.Close()

	// Question records
	var store questions.Store
	var db *database.DB
	switch cfg.QuestionStore {
	case "redis":
		store = questions.NewRedisStore(redisService.Client(), cfg.QuestionTTL)
	case "sql":
		var err error
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Initialize(); err != nil {
			log.Fatalf("❌ Failed to initialize database: %v", err)
		}
		store = questions.NewSQLStore(db)
	default:
		store = questions.NewMemoryStore(cfg.QuestionTTL)
	}
	log.Printf("✅ Question store: %s", cfg.QuestionStore)

	// Producer
	var prod producer.Producer
	if cfg.Producer == "openai" {
		openAI, err := producer.NewOpenAIProducer(producer.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
		if err != nil {
			log.Fatalf("❌ Failed to create producer: %v", err)
		}
		prod = openAI
		log.Printf("🤖 Producer: OpenAI (%s)", cfg.OpenAIModel)
	} else {
		prod = &producer.EchoProducer{Delay: 50 * time.Millisecond}
		log.Println("🤖 Producer: echo")
	}

	checks := preflight.NewChecker(cfg, streamLog, store, db).RunAll(context.Background())
	if preflight.HasFailures(checks) {
		log.Fatal("❌ Pre-flight checks failed")
	}

	connManager := services.NewConnectionManager()
	registry := listeners.NewRegistry(cfg.ListenerTTL)
	metrics := services.InitMetrics(connManager, registry)

	relayOpts := relay.Options{
		Block:      cfg.RelayBlock,
		Count:      int64(cfg.RelayReadCount),
		MaxIdle:    cfg.RelayMaxIdle,
		RetryDelay: cfg.RelayRetryDelay,
		ClaimIdle:  cfg.GroupClaimIdle,
	}
	var strategy relay.Strategy
	if cfg.RelayStrategy == "group" {
		strategy = relay.NewGroup(streamLog, registry, cfg.StreamName, relayOpts)
	} else {
		strategy = relay.NewTailing(streamLog, registry, relayOpts)
	}
	log.Printf("🔁 Relay strategy: %s (block %v, max idle %v)", strategy.Name(), cfg.RelayBlock, cfg.RelayMaxIdle)

	br := bridge.New(streamLog, prod, strategy, registry, store, connManager, bridge.Options{
		StreamBase: cfg.StreamName,
		Mode:       cfg.StreamMode,
		Metrics:    metrics,
	})

	// Token identity is optional; without a secret every socket is anonymous
	var jwtAuth *auth.JWTAuth
	if cfg.JWTSecret != "" {
		var err error
		jwtAuth, err = auth.NewJWTAuth(cfg.JWTSecret, 0)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
		log.Println("🔐 JWT identity enabled")
	} else if cfg.IsProduction() {
		log.Println("⚠️  JWT_SECRET not set in production: streams are keyed by connection")
	}

	// Retention
	jobScheduler, err := jobs.NewJobScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	retention := jobs.NewStreamRetentionJob(streamLog, cfg.StreamName, cfg.StreamRetention, br, metrics)
	if cfg.RetentionCron != "" {
		err = jobScheduler.RegisterCron("stream-retention", cfg.RetentionCron, retention)
	} else {
		err = jobScheduler.Register("stream-retention", cfg.RetentionInterval, retention)
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	jobScheduler.Start()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "streamrelay",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // non-streaming asks wait for the whole answer
		IdleTimeout:  2 * time.Minute,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("streamrelay")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: cfg.AllowedOrigins != "*",
	}))

	rateLimitConfig := middleware.LoadRateLimitConfig(cfg.Environment)
	log.Printf("🛡️  [RATE-LIMIT] Ask=%d/min, WS=%d/min, per-socket ask rate %.2f/s (burst %d)",
		rateLimitConfig.AskMax, rateLimitConfig.WebSocketMax, cfg.AskRate, cfg.AskBurst)

	var ping func(ctx context.Context) error
	if redisService != nil {
		ping = redisService.Ping
	}
	healthHandler := handlers.NewHealthHandler(connManager, br, ping)
	askHandler := handlers.NewAskHandler(br)
	wsHandler := handlers.NewWebSocketHandler(connManager, br, metrics, cfg.AskRate, cfg.AskBurst)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api", middleware.OptionalAuth(jwtAuth))
	askLimiter := middleware.AskRateLimiter(rateLimitConfig)
	api.Post("/ask", askLimiter, askHandler.Ask)
	api.Get("/questions/:id", askHandler.GetQuestion)
	api.Get("/questions/:id/replay", askHandler.Replay)

	// Legacy non-streaming route
	app.Post("/askQuestionWithoutStream", middleware.OptionalAuth(jwtAuth), askLimiter, askHandler.Ask)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("client_ip", c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws/ask", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Use("/ws/ask", middleware.OptionalAuth(jwtAuth))
	app.Get("/ws/ask", websocket.New(wsHandler.Handle, websocket.Config{
		Origins: strings.Split(cfg.AllowedOrigins, ","),
	}))

	log.Printf("🔌 WebSocket endpoint: ws://localhost:%s/ws/ask", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := jobScheduler.Stop(); err != nil {
			log.Printf("⚠️ Error stopping job scheduler: %v", err)
		}

		// Let running answers reach END so their records are saved
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := br.Shutdown(ctx); err != nil {
			log.Printf("⚠️ Answers still running at shutdown were cancelled: %v", err)
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
