package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
)

// RequireRole returns middleware that admits principals holding any of roles.
func RequireRole(action string, roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c.Request.Context())
		if !ok {
			abortAuth(c, apperrors.CodeAuthFailed, "not authenticated")
			return
		}
		if _, ok := actor.FirstOf(roles...); ok {
			c.Next()
			return
		}
		held := make([]string, 0, len(actor.Roles))
		for _, r := range actor.Roles {
			held = append(held, string(r))
		}
		_ = c.Error(apperrors.ErrRoleNotPermittedf(action, strings.Join(held, ",")))
		c.Abort()
	}
}

// CapabilityChecker reports whether a user's compliance status grants a
// trading capability.
type CapabilityChecker interface {
	RequireCapability(ctx context.Context, userID string, required domain.Capability) error
}

// RequireCapability returns middleware that gates a route on the caller's
// compliance capability.
func RequireCapability(checker CapabilityChecker, required domain.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := GetUserID(c.Request.Context())
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Code: apperrors.CodeAuthFailed, Message: "not authenticated",
			})
			return
		}
		if err := checker.RequireCapability(c.Request.Context(), userID, required); err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}
