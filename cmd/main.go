package main

import (
	"fmt"
	"os"
	"time"

	"github.com/certforge/certforge-backend/internal/clients/redis"
	"github.com/certforge/certforge-backend/internal/clients/sendgrid"
	"github.com/certforge/certforge-backend/internal/db"
	"github.com/certforge/certforge-backend/internal/handlers"
	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/middleware"
	"github.com/certforge/certforge-backend/internal/render"
	"github.com/certforge/certforge-backend/internal/repos"
	"github.com/certforge/certforge-backend/internal/server"
	"github.com/certforge/certforge-backend/internal/services"
	"github.com/certforge/certforge-backend/internal/sse"
	"github.com/certforge/certforge-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecret := utils.GetEnv("JWT_SECRET", "", log)
	baseURL := utils.GetEnv("BASE_URL", "http://localhost:8080", log)
	fontPath := utils.GetEnv("CERT_FONT", "", log)
	renderTimeout := utils.GetEnvAsInt("RENDER_TIMEOUT_SECONDS", 30, log)
	freeGenerationLimit := utils.GetEnvAsInt("FREE_GENERATION_LIMIT", 5, log)
	dailyEmailLimit := utils.GetEnvAsInt("DAILY_EMAIL_LIMIT", 300, log)
	freeBulkEmailLimit := utils.GetEnvAsInt("FREE_BULK_EMAIL_LIMIT", 5, log)
	corsOrigins := server.ParseOrigins(utils.GetEnv("CORS_ALLOW_ORIGINS", "", log))

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(thePG, log)
	templateRepo := repos.NewTemplateRepo(thePG, log)
	certificateRepo := repos.NewCertificateRepo(thePG, log)
	generationRunRepo := repos.NewGenerationRunRepo(thePG, log)
	emailLogRepo := repos.NewEmailLogRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)

	// Counters: redis when configured, in-process otherwise.
	var counters redis.CounterStore
	counters, err = redis.NewCounterStore(log)
	if err != nil {
		log.Warn("Redis unavailable, using in-memory quota counters", "error", err)
		counters = services.NewMemoryCounterStore()
	}

	// Mail
	mailClient, err := sendgrid.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init SendGrid client", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	surface, err := render.NewRaster(log, fontPath)
	if err != nil {
		log.Error("Could not init renderer", "error", err)
		os.Exit(1)
	}
	issuer, err := services.NewVerificationIssuer(log, baseURL)
	if err != nil {
		log.Error("Could not init verification issuer", "error", err)
		os.Exit(1)
	}
	quotaService := services.NewQuotaService(log, services.QuotaConfig{
		FreeGenerationLimit: freeGenerationLimit,
		DailyEmailLimit:     dailyEmailLimit,
		FreeBulkEmailLimit:  freeBulkEmailLimit,
	}, userRepo, counters)
	deliveryService := services.NewDeliveryService(log, mailClient, quotaService, certificateRepo, emailLogRepo)
	templateService := services.NewTemplateService(log, templateRepo)
	generationService := services.NewGenerationService(
		thePG,
		log,
		services.GenerationConfig{RenderTimeout: time.Duration(renderTimeout) * time.Second},
		generationRunRepo,
		certificateRepo,
		quotaService,
		issuer,
		surface,
		deliveryService,
		sseHub,
	)

	// Handlers
	log.Info("Setting up handlers from main...")
	generationHandler := handlers.NewGenerationHandler(generationService)
	templateHandler := handlers.NewTemplateHandler(templateService)
	datasourceHandler := handlers.NewDatasourceHandler()
	verifyHandler := handlers.NewVerifyHandler(certificateRepo)
	sseHandler := handlers.NewSSEHandler(sseHub)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware, err := middleware.NewAuthMiddleware(log, jwtSecret)
	if err != nil {
		log.Error("Could not init auth middleware", "error", err)
		os.Exit(1)
	}

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AllowOrigins:      corsOrigins,
		AuthMiddleware:    authMiddleware,
		GenerationHandler: generationHandler,
		TemplateHandler:   templateHandler,
		DatasourceHandler: datasourceHandler,
		VerifyHandler:     verifyHandler,
		SSEHandler:        sseHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Warn("Server failed", "error", err)
	}
}
