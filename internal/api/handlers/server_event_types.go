package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ledgermill.io/ledgermill/internal/eventstore"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// RegisterEventType handles POST /event-types.
func (s *Server) RegisterEventType(c *gin.Context) {
	var info eventstore.EventTypeInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid event type body: "+err.Error()))
		return
	}
	if info.SchemaVersion < 1 {
		info.SchemaVersion = 1
	}

	if err := s.registry.Register(c.Request.Context(), info); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// ListEventTypes handles GET /event-types.
func (s *Server) ListEventTypes(c *gin.Context) {
	types, err := s.registry.ListTypes(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_types": types})
}

// ListEventTypeVersions handles GET /event-types/:type.
func (s *Server) ListEventTypeVersions(c *gin.Context) {
	versions, err := s.registry.ListVersions(c.Request.Context(), c.Param("type"))
	if err != nil {
		c.Error(err)
		return
	}
	if len(versions) == 0 {
		c.Error(apperrors.NotFound(apperrors.CodeEventTypeNotFound,
			"event type "+c.Param("type")+" not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}
