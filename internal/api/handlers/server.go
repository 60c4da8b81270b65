// Package handlers implements the REST surface: intent submission and
// approval, audit reads, projection queries, subscription lifecycle, event
// type registration, rebuilds and snapshots.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"ledgermill.io/ledgermill/internal/api/middleware"
	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/eventstore"
	"ledgermill.io/ledgermill/internal/intentstore"
	"ledgermill.io/ledgermill/internal/pipeline"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/worker"
	"ledgermill.io/ledgermill/internal/projection"
	"ledgermill.io/ledgermill/internal/snapshot"
	"ledgermill.io/ledgermill/internal/subscription"
)

// Server holds handler dependencies.
type Server struct {
	pool        *pgxpool.Pool
	pipeline    *pipeline.Pipeline
	intents     *intentstore.Store
	events      *eventstore.Store
	registry    *eventstore.Registry
	engine      *projection.Engine
	subs        *subscription.Service
	snapshots   *snapshot.Service
	riverClient *river.Client[pgx.Tx]
	pools       *worker.Pools
}

// NewServer wires the REST handlers.
func NewServer(
	pool *pgxpool.Pool,
	pl *pipeline.Pipeline,
	intents *intentstore.Store,
	events *eventstore.Store,
	registry *eventstore.Registry,
	engine *projection.Engine,
	subs *subscription.Service,
	snapshots *snapshot.Service,
	riverClient *river.Client[pgx.Tx],
	pools *worker.Pools,
) *Server {
	return &Server{
		pool:        pool,
		pipeline:    pl,
		intents:     intents,
		events:      events,
		registry:    registry,
		engine:      engine,
		subs:        subs,
		snapshots:   snapshots,
		riverClient: riverClient,
		pools:       pools,
	}
}

// SubmitIntent handles POST /intents.
func (s *Server) SubmitIntent(c *gin.Context) {
	var intent domain.Intent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid intent body: "+err.Error()))
		return
	}

	// An authenticated identity overrides whatever the body claims.
	ctx := c.Request.Context()
	if actor, ok := middleware.GetActor(ctx); ok {
		intent.Actor = actor
	}
	if le := middleware.GetLegalEntity(ctx); le != "" {
		intent.Scope.LegalEntity = le
	}

	result, err := s.pipeline.Execute(ctx, &intent, middleware.GetCapabilities(ctx))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(intentStatusCode(result), result)
}

// GetIntent handles GET /intents/:id.
func (s *Server) GetIntent(c *gin.Context) {
	stored, err := s.intents.GetByID(c.Request.Context(), nil, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// ListPendingIntents handles GET /intents?status=pending_approval.
func (s *Server) ListPendingIntents(c *gin.Context) {
	legalEntity := middleware.GetLegalEntity(c.Request.Context())
	if legalEntity == "" {
		legalEntity = c.Query("legal_entity")
	}
	pending, err := s.intents.ListPending(c.Request.Context(), nil, legalEntity)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": pending})
}

type decisionRequest struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Reason    string `json:"reason"`
}

func (s *Server) decisionActor(c *gin.Context, req decisionRequest) (string, string) {
	if actor, ok := middleware.GetActor(c.Request.Context()); ok {
		return actor.ID, actor.Name
	}
	return req.ActorID, req.ActorName
}

// ApproveIntent handles POST /intents/:id/approve. Approval immediately
// executes the intent under its original actor.
func (s *Server) ApproveIntent(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid approval body"))
		return
	}
	actorID, actorName := s.decisionActor(c, req)

	ctx := c.Request.Context()
	stored, err := s.intents.Approve(ctx, nil, c.Param("id"), actorID, actorName, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	result, err := s.pipeline.ExecuteApproved(ctx, stored.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intent": stored,
		"result": result,
		"status": domain.IntentStatusApproved,
	})
}

// RejectIntent handles POST /intents/:id/reject.
func (s *Server) RejectIntent(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid rejection body"))
		return
	}
	actorID, actorName := s.decisionActor(c, req)

	stored, err := s.intents.Reject(c.Request.Context(), nil, c.Param("id"), actorID, actorName, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// ExecuteIntent handles POST /intents/:id/execute for intents approved
// earlier but not yet executed.
func (s *Server) ExecuteIntent(c *gin.Context) {
	result, err := s.pipeline.ExecuteApproved(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func intentStatusCode(result *domain.IntentResult) int {
	switch {
	case result.Success:
		return http.StatusCreated
	case result.PendingApproval():
		return http.StatusAccepted
	default:
		return http.StatusBadRequest
	}
}
