package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"ledgermill.io/ledgermill/internal/api/middleware"
	"ledgermill.io/ledgermill/internal/jobs"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// QueryProjection handles GET /projections/:type. Rows come straight from
// the projection table, scoped to the caller's legal entity when known.
func (s *Server) QueryProjection(c *gin.Context) {
	projectionType := c.Param("type")
	info, ok := s.snapshots.Table(projectionType)
	if !ok {
		c.Error(apperrors.NotFound(apperrors.CodeProjectionNotFound,
			fmt.Sprintf("projection %s not found", projectionType)))
		return
	}

	query := fmt.Sprintf(`
		SELECT coalesce(jsonb_agg(row_to_json(t) ORDER BY t.%s), '[]'::jsonb)
		FROM %s t`, info.KeyColumn, info.Table)
	args := []any{}
	if le := middleware.GetLegalEntity(c.Request.Context()); le != "" {
		query += ` WHERE t.legal_entity = $1`
		args = append(args, le)
	}

	var raw []byte
	if err := s.pool.QueryRow(c.Request.Context(), query, args...).Scan(&raw); err != nil {
		c.Error(fmt.Errorf("query projection %s: %w", projectionType, err))
		return
	}
	// The body is the bare array of rows, already JSON from jsonb_agg.
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

type rebuildRequest struct {
	BatchSize int  `json:"batch_size"`
	Async     bool `json:"async"`
}

// RebuildProjection handles POST /projections/:type/rebuild. The default is
// a synchronous rebuild; async enqueues a background job instead.
func (s *Server) RebuildProjection(c *gin.Context) {
	var req rebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid rebuild body"))
		return
	}
	projectionType := c.Param("type")

	if req.Async {
		if _, err := s.riverClient.Insert(c.Request.Context(), jobs.ProjectionRebuildArgs{
			ProjectionType: projectionType,
			BatchSize:      req.BatchSize,
		}, nil); err != nil {
			c.Error(fmt.Errorf("enqueue rebuild for %s: %w", projectionType, err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"projection_type": projectionType, "enqueued": true})
		return
	}

	result, err := s.engine.Rebuild(c.Request.Context(), projectionType, req.BatchSize)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateSnapshot handles POST /projections/:type/snapshot.
func (s *Server) CreateSnapshot(c *gin.Context) {
	snap, err := s.snapshots.Create(c.Request.Context(), c.Param("type"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// ListSnapshots handles GET /projections/:type/snapshots.
func (s *Server) ListSnapshots(c *gin.Context) {
	snaps, err := s.snapshots.List(c.Request.Context(), nil, c.Param("type"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

// RestoreSnapshot handles POST /projections/:type/snapshots/:id/restore.
func (s *Server) RestoreSnapshot(c *gin.Context) {
	snap, err := s.snapshots.Restore(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
