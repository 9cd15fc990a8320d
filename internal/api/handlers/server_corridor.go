package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"goldclear.io/clearing/internal/capital"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/policy"
)

type setCorridorStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ListCorridors handles GET /corridors.
func (s *Server) ListCorridors(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}
	corridors, err := s.corridors.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(corridors))
}

// SetCorridorStatus handles PUT /corridors/{id}/status.
func (s *Server) SetCorridorStatus(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req setCorridorStatusRequest
	if !bindJSON(c, &req, false) {
		return
	}
	corridor, err := s.corridors.SetStatus(c.Request.Context(), actor, c.Param("id"),
		policy.CorridorStatus(req.Status), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, corridor)
}

// GetCapitalSnapshot handles GET /capital/snapshot.
func (s *Server) GetCapitalSnapshot(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}
	snap, err := s.capital.Snapshot(c.Request.Context())
	if err != nil {
		code := apperrors.CodeCapitalUnavailable
		if errors.Is(err, capital.ErrStale) {
			code = apperrors.CodeCapitalStale
		}
		fail(c, apperrors.Wrap(err, code, "capital snapshot not available", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, snap)
}
