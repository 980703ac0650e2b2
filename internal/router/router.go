package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/handler"
	"github.com/stemsi/exam-relay/internal/middleware"
	"github.com/stemsi/exam-relay/internal/response"
	"github.com/stemsi/exam-relay/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth  *handler.AuthHandler
	Exam  *handler.ExamHandler
	Queue *handler.QueueHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

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

	// ─── Health ────────────────────────────────────────────────────────
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")

	// ─── Auth ──────────────────────────────────────────────────────────
	auth := api.Group("/auth")
	{
		auth.POST("/login", handlers.Auth.Login)
	}

	// ─── Exams ─────────────────────────────────────────────────────────
	exams := api.Group("/exams")
	{
		// Operator peek at cached attempt state; no session required,
		// mirroring the original deployment's monitoring use.
		exams.GET("/state/:studentId/:examId", handlers.Exam.State)

		authed := exams.Group("")
		authed.Use(middleware.RequireSession(authService))
		{
			authed.GET("", handlers.Exam.ListExams)
			authed.POST("/:examId/start", handlers.Exam.Start)
			authed.POST("/:examId/questions/:questionId/mark-as-seen", handlers.Exam.MarkAsSeen)
			authed.POST("/:examId/questions/:questionId/answer", handlers.Exam.Answer)
			authed.POST("/:examId/time-up", handlers.Exam.TimeUp)
			authed.POST("/:examId/finish", handlers.Exam.Finish)
		}
	}

	// ─── Queues / preload ──────────────────────────────────────────────
	api.GET("/queues/:name", handlers.Queue.Inspect)
	api.POST("/preload", handlers.Queue.TriggerPreload)

	// ─── Fallback ──────────────────────────────────────────────────────
	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	return router
}
