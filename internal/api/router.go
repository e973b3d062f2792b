package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/archivejobs/internal/api/handler"
	"github.com/timmy/archivejobs/internal/api/middleware"
	"github.com/timmy/archivejobs/internal/config"
	"github.com/timmy/archivejobs/internal/logger"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Downloads handler.Downloader
	Queries   handler.JobQueries
	DB        handler.Pinger // optional, checked by /health

	// Metrics serves /metrics when set.
	Metrics     http.Handler
	MetricsPath string

	Log *logger.Logger
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Log))
	r.Use(middleware.CORS(cfg.Server.CORS))

	healthHandler := handler.NewHealthHandler(deps.DB)
	downloadHandler := handler.NewDownloadHandler(deps.Downloads, deps.Queries)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.Auth.Tokens, cfg.Auth.TrustUserHeader))
	{
		downloads := v1.Group("/downloads")
		downloads.POST("/start", downloadHandler.Start)
		downloads.GET("/status/:id", downloadHandler.Status)
		downloads.GET("/history", downloadHandler.History)
		downloads.GET("/file/:id", downloadHandler.File)
		downloads.POST("/:id/cancel", downloadHandler.Cancel)
	}

	return r
}
