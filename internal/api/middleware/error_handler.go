// Package middleware provides HTTP middleware for the clearing API.
//
// Import Path: goldclear.io/clearing/internal/api/middleware
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Params      map[string]interface{} `json:"params,omitempty"`
	FieldErrors []apperrors.FieldError `json:"field_errors,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
}

// ErrorHandler is a Gin middleware that provides centralized error handling.
// It captures errors added via c.Error() and returns a consistent JSON response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		status, body := Render(c.Errors.Last().Err)
		body.RequestID = GetRequestID(c.Request.Context())
		c.JSON(status, body)
	}
}

// Render maps an error to its HTTP status and envelope.
func Render(err error) (int, ErrorResponse) {
	if te, ok := apperrors.AsTransitionError(err); ok {
		if _, isApp := apperrors.IsAppError(err); !isApp {
			err = te.AppError()
		}
	}

	if appErr, ok := apperrors.Classify(err); ok {
		logger.Warn("Request error",
			zap.String("code", appErr.Code),
			zap.String("message", appErr.Message),
			zap.Int("status", appErr.HTTPStatus),
			zap.Error(appErr.Err),
		)
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, ErrorResponse{
			Code:        appErr.Code,
			Message:     appErr.Message,
			Params:      appErr.Params,
			FieldErrors: appErr.FieldErrors,
		}
	}

	logger.Error("Unhandled request error", zap.Error(err))
	return http.StatusInternalServerError, ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}
}
