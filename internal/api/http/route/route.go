package route

import (
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nexora-dispatch/internal/api/http/handler"
	"nexora-dispatch/internal/api/http/middleware"
	"nexora-dispatch/internal/config"
)

func SetupRouter(
	log *zap.Logger,
	cfg config.HTTPServer,
	healthHdl HealthHandler,
	mailHdl MailHandler,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard

	router := gin.New()
	router.Use(gin.Recovery())

	// middleware
	router.Use(middleware.Logger(log))
	router.Use(middleware.RequestTimeout(cfg.Timeout.Request))
	router.Use(middleware.CORS(cfg.CORS))

	router.HandleMethodNotAllowed = true
	router.NoMethod(handler.NoMethod)
	router.NoRoute(handler.NoRoute)

	basePath := router.Group(cfg.BasePath)

	healthPath := basePath.Group("/health")
	RegisterHealth(healthPath, healthHdl)

	// mail routes, only when a mail handler is wired (the worker serves health only)
	if mailHdl != nil {
		mailPath := basePath.Group("/mail")
		RegisterMailRoutes(mailPath, mailHdl)
	}

	return router
}
