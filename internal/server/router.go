package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/certforge/certforge-backend/internal/handlers"
	"github.com/certforge/certforge-backend/internal/middleware"
)

type RouterConfig struct {
	AllowOrigins      []string
	AuthMiddleware    *middleware.AuthMiddleware
	GenerationHandler *handlers.GenerationHandler
	TemplateHandler   *handlers.TemplateHandler
	DatasourceHandler *handlers.DatasourceHandler
	VerifyHandler     *handlers.VerifyHandler
	SSEHandler        *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.GET("/verify/:id", cfg.VerifyHandler.Verify)

	// ===============
	// || Protected ||
	// ===============
	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	// Generation pipeline
	api.POST("/generate", cfg.GenerationHandler.Start)
	api.GET("/generation/:id", cfg.GenerationHandler.Status)
	api.GET("/generation/:id/archive", cfg.GenerationHandler.Archive)
	api.POST("/generation/:id/cancel", cfg.GenerationHandler.Cancel)
	api.POST("/generation/:id/close", cfg.GenerationHandler.Close)
	api.POST("/preview", cfg.GenerationHandler.Preview)
	// Data sources
	api.POST("/datasources/parse", cfg.DatasourceHandler.Parse)
	// Templates
	api.POST("/templates", cfg.TemplateHandler.Create)
	api.GET("/templates", cfg.TemplateHandler.List)
	api.GET("/templates/:id", cfg.TemplateHandler.Get)
	api.PUT("/templates/:id", cfg.TemplateHandler.Update)
	api.DELETE("/templates/:id", cfg.TemplateHandler.Delete)
	// SSE
	api.GET("/sse/stream", cfg.SSEHandler.Stream)

	return router
}

// ParseOrigins splits a comma-separated origin list from the environment.
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
