package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ledgermill.io/ledgermill/internal/api/middleware"
	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/eventstore"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// GetEvent handles GET /audit/events/:id.
func (s *Server) GetEvent(c *gin.Context) {
	ev, err := s.events.GetByID(c.Request.Context(), nil, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// ListEvents handles GET /audit/events with after_sequence/limit/type
// paging. An authenticated legal entity scopes the stream to its partition.
func (s *Server) ListEvents(c *gin.Context) {
	params := eventstore.ReadParams{}

	if raw := c.Query("after_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "after_sequence must be an integer"))
			return
		}
		params.AfterSequence = domain.Sequence(n)
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "limit must be a positive integer"))
			return
		}
		params.Limit = n
	}
	if types := c.QueryArray("type"); len(types) > 0 {
		params.EventTypes = types
	}

	ctx := c.Request.Context()
	var page *domain.EventPage
	var err error
	if le := middleware.GetLegalEntity(ctx); le != "" {
		page, err = s.events.ReadByPartition(ctx, nil, le, params)
	} else {
		page, err = s.events.ReadStream(ctx, nil, params)
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetIntentEvents handles GET /audit/intents/:id/events.
func (s *Server) GetIntentEvents(c *gin.Context) {
	events, err := s.events.GetByIntentID(c.Request.Context(), nil, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
