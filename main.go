package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ahoum/outreach-backend/database"
	"github.com/ahoum/outreach-backend/internal/contacts"
	"github.com/ahoum/outreach-backend/internal/jobs"
	"github.com/ahoum/outreach-backend/internal/models"
	"github.com/ahoum/outreach-backend/internal/orchestrator"
	"github.com/ahoum/outreach-backend/internal/routes"
	"github.com/ahoum/outreach-backend/internal/services"
	"github.com/ahoum/outreach-backend/internal/sink"
	"github.com/ahoum/outreach-backend/internal/storage"
)

func main() {
	// Load .env file for local development
	if err := godotenv.Load(".env"); err != nil {
		log.Println("⚠️  No .env file found - checking environment variables")
	}

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "call":
		runCall(args)
	case "stats":
		runStats()
	case "add":
		runAdd(args)
	default:
		fmt.Println("Usage: outreach-backend [serve|call|stats|add]")
		fmt.Println("  serve             run the webhook + dashboard server")
		fmt.Println("  call [flags]      run an outbound calling session")
		fmt.Println("  stats             show contact list statistics")
		fmt.Println("  add <name> <phone> add a contact to the calling list")
		os.Exit(2)
	}
}

func contactsPath() string {
	if p := os.Getenv("CONTACTS_FILE"); p != "" {
		return p
	}
	return "facilitators.csv"
}

func buildStore() storage.Store {
	if os.Getenv("USE_MEMORY_STORE") == "true" {
		log.Println("⚠️  Using in-memory storage (not for production!)")
		return storage.NewMemoryStore()
	}

	log.Println("📦 Connecting to PostgreSQL database...")
	database.Connect()

	log.Println("🔄 Running database migrations...")
	err := database.DB.AutoMigrate(
		&models.Contact{},
		&models.CallSession{},
		&models.ConversationTurn{},
	)
	if err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
	log.Println("✅ Database migrations completed!")

	return storage.NewDatabaseStore(database.DB)
}

func buildRedis() *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		log.Println("⚠️  REDIS_URL not set - live transcript streaming disabled")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("⚠️  Invalid REDIS_URL: %v - live transcript streaming disabled", err)
		return nil
	}
	return redis.NewClient(opts)
}

func loadBook() *contacts.Book {
	book, err := contacts.Load(contactsPath())
	if err != nil {
		log.Fatal("Failed to load contact list:", err)
	}
	return book
}

func buildApp(store storage.Store, bridge *services.CallBridge) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "Outreach Backend v1.0.0",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "Outreach Backend API",
			"version": "1.0.0",
			"status":  "healthy",
			"endpoints": fiber.Map{
				"health":    "/health",
				"api":       "/api",
				"webhooks":  "/webhook/voice",
				"dashboard": "/api/sessions",
			},
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		status := "healthy"
		statusCode := 200

		if os.Getenv("USE_MEMORY_STORE") != "true" && database.DB != nil {
			sqlDB, err := database.DB.DB()
			if err != nil || sqlDB.Ping() != nil {
				status = "unhealthy"
				statusCode = 503
			}
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"services": fiber.Map{
				"database": status == "healthy",
				"twilio":   os.Getenv("TWILIO_ACCOUNT_SID") != "",
			},
		})
	})

	routes.SetupRoutes(app, store, bridge)
	return app
}

func runServe() {
	store := buildStore()
	book := loadBook()

	// the serve process only absorbs webhooks and serves the dashboard;
	// calls are placed by the call subcommand
	bridge := services.NewCallBridge(nil, nil)

	maintenance := jobs.NewMaintenanceJob(book)
	maintenance.Start()

	app := buildApp(store, bridge)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("\n🛑 Gracefully shutting down...")
		maintenance.Stop()
		if err := book.SaveAll(); err != nil {
			log.Printf("❌ Final contact save failed: %v", err)
		}
		_ = app.Shutdown()
	}()

	log.Println("========================================")
	log.Printf("🚀 Outreach Backend starting on port %s", port)
	log.Printf("📇 Contacts: %d loaded", book.Len())
	log.Println("========================================")

	log.Fatal(app.Listen(":" + port))
}

func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	batch := fs.Int("batch", 0, "maximum calls this session (default from MAX_CALLS_PER_SESSION)")
	concurrency := fs.Int("concurrency", 0, "concurrent calls in flight (default 1)")
	delay := fs.Int("delay", -1, "seconds between call placements (default from CALL_INTERVAL_SECONDS)")
	phone := fs.String("phone", "", "call only this contact")
	dryRun := fs.Bool("dry-run", false, "simulate the session without dialing")
	contactsFile := fs.String("contacts", "", "contact list CSV path (default from CONTACTS_FILE)")
	_ = fs.Parse(args)

	if *contactsFile != "" {
		os.Setenv("CONTACTS_FILE", *contactsFile)
	}

	cfg := orchestrator.ConfigFromEnv()
	if *batch > 0 {
		cfg.MaxCalls = *batch
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *delay >= 0 {
		cfg.CallInterval = time.Duration(*delay) * time.Second
	}
	cfg.TargetPhone = models.NormalizePhone(*phone)
	if *phone == "" {
		cfg.TargetPhone = ""
	}
	cfg.DryRun = *dryRun

	store := buildStore()
	book := loadBook()
	rdb := buildRedis()

	var stream sink.Sink
	if rdb != nil {
		stream = sink.NewStreamSink(rdb)
	}
	records := sink.NewDualSink(stream, sink.NewStoreSink(store))

	var bridge *services.CallBridge
	var driver orchestrator.Driver

	if !cfg.DryRun {
		telephony, err := services.NewTelephonyService()
		if err != nil {
			log.Fatal("Failed to initialize telephony service:", err)
		}
		rooms, err := services.NewRoomService()
		if err != nil {
			log.Fatal("Failed to initialize room service:", err)
		}
		model, err := services.NewModelClient()
		if err != nil {
			log.Fatal("Failed to initialize model client:", err)
		}
		if rdb == nil {
			log.Fatal("REDIS_URL is required for live calls (transcript exchange)")
		}

		bridge = services.NewCallBridge(telephony, rooms)
		transcript := services.NewRedisTranscript(rdb)

		orch := orchestrator.New(book, bridge, nil, records, cfg)
		driver = services.NewConversationDriver(model, records, orch, transcript, transcript)
		orch.SetDriver(driver)

		runSession(orch, store, bridge)
		return
	}

	bridge = services.NewCallBridge(nil, nil)
	orch := orchestrator.New(book, bridge, nil, records, cfg)
	runSession(orch, store, bridge)
}

func runSession(orch *orchestrator.Orchestrator, store storage.Store, bridge *services.CallBridge) {
	// the status webhook listener must be up while calls are in flight
	app := buildApp(store, bridge)
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("⚠️  Webhook listener stopped: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("\n🛑 Interrupt received - draining in-flight calls...")
		orch.Stop()
		<-c
		log.Println("Forced exit")
		os.Exit(1)
	}()

	summary, err := orch.Run(context.Background())

	_ = app.Shutdown()

	fmt.Println("\n==================================================")
	fmt.Println("CALLING SESSION SUMMARY")
	fmt.Println("==================================================")
	fmt.Printf("Total calls attempted: %d\n", summary.Placed)
	fmt.Printf("Successful calls: %d\n", summary.Completed)
	fmt.Printf("Failed calls: %d\n", summary.Failed)
	fmt.Printf("Remaining pending: %d\n", summary.Stats.Pending)
	fmt.Println("==================================================")

	if err != nil {
		log.Fatal("Session aborted: ", err)
	}
}

func runStats() {
	book := loadBook()
	stats := book.Stats()

	fmt.Println("Current Contact Statistics:")
	fmt.Printf("Total contacts: %d\n", stats.Total)
	fmt.Printf("Pending calls: %d\n", stats.Pending)
	fmt.Printf("Completed onboardings: %d\n", stats.Completed)
	fmt.Printf("Failed calls: %d\n", stats.Failed)
	fmt.Printf("Callbacks scheduled: %d\n", stats.CallbackScheduled)
	fmt.Printf("Not interested: %d\n", stats.NotInterested)
	if stats.Skipped > 0 {
		fmt.Printf("Malformed rows skipped at load: %d\n", stats.Skipped)
	}
}

func runAdd(args []string) {
	if len(args) < 2 {
		fmt.Println(`Usage: outreach-backend add "Full Name" "+15551234567"`)
		os.Exit(2)
	}

	book := loadBook()
	if err := book.Add(args[0], args[1]); err != nil {
		log.Fatal("Failed to add contact: ", err)
	}
	log.Printf("✅ Added new contact: %s - %s", args[0], args[1])
}
