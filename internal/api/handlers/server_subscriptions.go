package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/subscription"
)

// ListSubscriptions handles GET /subscriptions.
func (s *Server) ListSubscriptions(c *gin.Context) {
	subs, err := s.subs.List(c.Request.Context(), nil)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

type createSubscriptionRequest struct {
	ProjectionType string   `json:"projection_type" binding:"required"`
	SubscriberType string   `json:"subscriber_type"`
	SubscriberID   string   `json:"subscriber_id"`
	EventTypes     []string `json:"event_types"`
	BatchSize      int      `json:"batch_size"`
}

// CreateSubscription handles POST /subscriptions.
func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid subscription body: "+err.Error()))
		return
	}
	sub, err := s.subs.Create(c.Request.Context(), nil, subscription.CreateParams{
		ProjectionType: req.ProjectionType,
		SubscriberType: req.SubscriberType,
		SubscriberID:   req.SubscriberID,
		EventTypes:     req.EventTypes,
		BatchSize:      req.BatchSize,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) subscriptionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "subscription id must be an integer"))
		return 0, false
	}
	return id, true
}

// PauseSubscription handles POST /subscriptions/:id/pause.
func (s *Server) PauseSubscription(c *gin.Context) {
	id, ok := s.subscriptionID(c)
	if !ok {
		return
	}
	sub, err := s.subs.Pause(c.Request.Context(), nil, id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// ResumeSubscription handles POST /subscriptions/:id/resume.
func (s *Server) ResumeSubscription(c *gin.Context) {
	id, ok := s.subscriptionID(c)
	if !ok {
		return
	}
	sub, err := s.subs.Resume(c.Request.Context(), nil, id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /subscriptions/:id.
func (s *Server) DeleteSubscription(c *gin.Context) {
	id, ok := s.subscriptionID(c)
	if !ok {
		return
	}
	if err := s.subs.Delete(c.Request.Context(), nil, id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
