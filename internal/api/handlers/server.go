// Package handlers implements the HTTP handlers of the clearing API.
//
// RegisterRoutes mounts the handlers with their role and capability guards;
// internal/app adds authentication and the OpenAPI validator in front.
//
// Import Path: goldclear.io/clearing/internal/api/handlers
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"goldclear.io/clearing/internal/api/middleware"
	"goldclear.io/clearing/internal/capital"
	"goldclear.io/clearing/internal/certificate"
	"goldclear.io/clearing/internal/compliance"
	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/governance/audit"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/refdata"
	"goldclear.io/clearing/internal/settlement"
)

// Pinger reports database reachability for the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the collaborators every handler needs.
type Server struct {
	engine       *settlement.Engine
	compliance   *compliance.Service
	corridors    *refdata.CorridorAdmin
	certificates *certificate.Issuer
	audit        *audit.Logger
	capital      capital.Provider
	db           Pinger
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI: internal/app/modules fills this in.
type ServerDeps struct {
	Engine       *settlement.Engine
	Compliance   *compliance.Service
	Corridors    *refdata.CorridorAdmin
	Certificates *certificate.Issuer
	Audit        *audit.Logger
	Capital      capital.Provider
	DB           Pinger // nil in memory mode
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		engine:       deps.Engine,
		compliance:   deps.Compliance,
		corridors:    deps.Corridors,
		certificates: deps.Certificates,
		audit:        deps.Audit,
		capital:      deps.Capital,
		db:           deps.DB,
	}
}

// actorFrom returns the authenticated principal or aborts with 401.
func actorFrom(c *gin.Context) (domain.Actor, bool) {
	actor, ok := middleware.GetActor(c.Request.Context())
	if !ok || actor.UserID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, middleware.ErrorResponse{
			Code:      apperrors.CodeAuthFailed,
			Message:   "not authenticated",
			RequestID: middleware.GetRequestID(c.Request.Context()),
		})
		return domain.Actor{}, false
	}
	return actor, true
}

// fail hands err to middleware.ErrorHandler.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// bindJSON decodes the request body into dst. An empty body is accepted when
// optional is true.
func bindJSON(c *gin.Context, dst interface{}, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, apperrors.Wrap(err, apperrors.CodeValidationFailed, "request body is not valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

// list wraps collection responses in an object envelope.
func list[T any](items []T) gin.H {
	if items == nil {
		items = []T{}
	}
	return gin.H{"items": items, "total": len(items)}
}
