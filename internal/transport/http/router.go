package httptransport

import (
	"log/slog"

	"github.com/ErlanBelekov/stockorder/internal/transport/http/handler"
	"github.com/ErlanBelekov/stockorder/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

// NewRouter mounts the API under /api. An empty jwtKey leaves the API open
// and every job visible to every caller.
func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, searchHandler *handler.SearchHandler, jwtKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	// RequestID above owns X-Request-ID; the log line picks it up from the context.
	r.Use(sloggin.NewWithConfig(logger, sloggin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
	}))
	r.Use(middleware.Metrics())

	api := r.Group("/api")
	if len(jwtKey) > 0 {
		api.Use(middleware.Auth(jwtKey))
	}

	api.POST("/parse", jobHandler.Parse)
	api.POST("/orders", jobHandler.SubmitOrder)
	api.POST("/orders/batch", jobHandler.SubmitBatch)
	api.POST("/ai/jobs", jobHandler.SubmitAI)

	jobs := api.Group("/jobs")
	jobs.GET("", jobHandler.List)
	jobs.GET("/:handle", jobHandler.GetByHandle)
	jobs.DELETE("/:handle", jobHandler.Cancel)
	jobs.POST("/:handle/refresh", jobHandler.Refresh)
	jobs.GET("/:handle/events", jobHandler.Events)
	jobs.GET("/:handle/download", jobHandler.Download)

	api.GET("/search", searchHandler.Search)
	api.GET("/credits", searchHandler.Credits)

	return r
}
