package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermill.io/ledgermill/internal/api/handlers"
	"ledgermill.io/ledgermill/internal/pipeline"
	"ledgermill.io/ledgermill/internal/pkg/worker"
	"ledgermill.io/ledgermill/internal/testutil"
)

func TestGetReadiness_ReportsWorkerPools(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "handlers-readiness")

	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{
		GeneralPoolSize:    4,
		ProjectionPoolSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	server := handlers.NewServer(pool, pipeline.New(nil), nil, nil, nil, nil, nil, nil, nil, pools)
	router := gin.New()
	router.GET("/health/ready", server.GetReadiness)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status      string                    `json:"status"`
		Checks      map[string]string         `json:"checks"`
		WorkerPools map[string]map[string]int `json:"worker_pools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	require.Contains(t, body.WorkerPools, "general")
	require.Contains(t, body.WorkerPools, "projection")
	assert.Equal(t, 4, body.WorkerPools["general"]["cap"])
	assert.Equal(t, 2, body.WorkerPools["projection"]["cap"])
}
