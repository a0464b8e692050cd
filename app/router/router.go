package router

import (
	"actionworker/app/handler"
	"actionworker/app/middleware"
	"actionworker/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	opsHandler *handler.OpsHandler
	apiKey     string
}

// NewRouter creates a new Router
func NewRouter(opsHandler *handler.OpsHandler, apiKey string) *Router {
	return &Router{
		opsHandler: opsHandler,
		apiKey:     apiKey,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/healthz", r.opsHandler.Healthz)
	engine.GET("/readyz", r.opsHandler.Readyz)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/v1")
	v1.Use(middleware.Auth(r.apiKey))
	{
		v1.GET("/worker", r.opsHandler.Worker)
	}
}
