package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/forgepipe/enginecore/internal/httpauth"
)

// RouterConfig is the dependency bundle NewRouter needs; mirrors the
// teacher's server.RouterConfig shape.
type RouterConfig struct {
	ExecutionHandler *ExecutionHandler
	Auth             *httpauth.Middleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	group := r.Group("/executions")
	group.Use(cfg.Auth.RequireAuth())
	group.POST("", cfg.ExecutionHandler.Submit)
	group.GET("/:id", cfg.ExecutionHandler.Get)
	group.POST("/:id/cancel", cfg.ExecutionHandler.Cancel)

	return r
}
