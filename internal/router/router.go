package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/handler"
	"github.com/stemsi/proctord/internal/metrics"
	"github.com/stemsi/proctord/internal/middleware"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Assignment *handler.AssignmentHandler
	Proctor    *handler.ProctorHandler
	Monitor    *handler.MonitorHandler
	System     *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(response.AccessLogMiddleware(log))
	router.Use(metrics.Middleware())

	router.GET("/healthz", handlers.System.Health)
	router.GET("/metrics", metrics.Handler())

	const assignmentPath = "/workspaces/:workspaceID/assignments/:assignmentID"

	// ─── 1. Proctoring API (learner or reviewer) ───────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.Compress(middleware.DefaultCompressMinLength))
	{
		anyRole := api.Group(assignmentPath)
		anyRole.Use(middleware.RequireJWT(authService))
		{
			anyRole.GET("/state", handlers.Assignment.State)
		}

		// ─── 2. Reviewer API ───────────────────────────────────────────
		reviewer := api.Group(assignmentPath)
		reviewer.Use(middleware.RequireReviewerJWT(authService))
		{
			reviewer.GET("/submissions", handlers.Assignment.ListSubmissions)
			reviewer.GET("/monitor", handlers.Monitor.MonitorAssignmentSSE)
			reviewer.GET("/learners/:learnerID/events", handlers.Monitor.LearnerEvents)
		}

		system := api.Group("/system")
		system.Use(middleware.RequireReviewerJWT(authService))
		{
			system.GET("/stats", handlers.System.Stats)
		}
	}

	// ─── 3. Proctoring Stream ──────────────────────────────────────────
	connectLimiter := middleware.NewRateLimiter(cfg.ConnectLimit)
	ws := router.Group("/ws/v1")
	ws.Use(connectLimiter.Middleware(), middleware.RequireJWT(authService))
	{
		ws.GET(assignmentPath+"/proctor", handlers.Proctor.Stream)
	}

	return router
}
