package app

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"goldclear.io/clearing/internal/api/handlers"
	"goldclear.io/clearing/internal/api/middleware"
	"goldclear.io/clearing/internal/config"
)

const apiBasePath = "/api/v1"

// defaultAllowedOrigins is used when no origin is configured.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// newRouter mounts public health checks and metrics, then the authenticated API.
func newRouter(cfg *config.Config, server *handlers.Server, jwtCfg middleware.JWTConfig, capability middleware.CapabilityChecker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), cors.New(buildCORSConfig(cfg)), middleware.ErrorHandler())

	router.GET("/health/live", server.GetLiveness)
	router.GET("/health/ready", server.GetReadiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group(apiBasePath, middleware.JWTAuth(jwtCfg))
	if cfg.Server.ValidateOpenAPI {
		api.Use(middleware.MustOpenAPIValidator(apiBasePath, middleware.ValidatorOptions{
			ValidateResponses: cfg.Server.ValidateResponses,
		}))
	}
	handlers.RegisterRoutes(api, server, handlers.RouteOptions{Capability: capability})
	return router
}

// buildCORSConfig turns the server origin allowlist into a cors.Config. A
// wildcard origin is honored only with UnsafeAllowAllOrigins, and then
// credentials are never allowed.
func buildCORSConfig(cfg *config.Config) cors.Config {
	out := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}

	if cfg.Server.UnsafeAllowAllOrigins {
		out.AllowAllOrigins = true
		return out
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}
	out.AllowOrigins = origins
	out.AllowCredentials = cfg.Server.AllowCredentials
	return out
}
