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
	"ledgermill.io/ledgermill/internal/api/middleware"
	"ledgermill.io/ledgermill/internal/pipeline"
	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/snapshot"
	"ledgermill.io/ledgermill/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

func TestQueryProjection_ReturnsBareRowArray(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "handlers-query-projection")
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO vendor_list (vendor_id, legal_entity, name, credit_limit)
		VALUES ('vendor-1', 'le-acme', 'Acme Supplies', 5000),
		       ('vendor-2', 'le-acme', 'Globex', 2500)`)
	require.NoError(t, err)

	snapshots := snapshot.New(pool)
	snapshots.RegisterTable("vendor_list", snapshot.TableInfo{Table: "vendor_list", KeyColumn: "vendor_id"})
	server := handlers.NewServer(pool, pipeline.New(nil), nil, nil, nil, nil, nil, snapshots, nil, nil)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.GET("/projections/:type", server.QueryProjection)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projections/vendor_list", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows),
		"body must be a bare JSON array of rows")
	require.Len(t, rows, 2)
	assert.Equal(t, "vendor-1", rows[0]["vendor_id"])
	assert.Equal(t, "Acme Supplies", rows[0]["name"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projections/no_such", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryProjection_EmptyTableIsEmptyArray(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "handlers-query-empty")

	snapshots := snapshot.New(pool)
	snapshots.RegisterTable("vendor_list", snapshot.TableInfo{Table: "vendor_list", KeyColumn: "vendor_id"})
	server := handlers.NewServer(pool, pipeline.New(nil), nil, nil, nil, nil, nil, snapshots, nil, nil)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.GET("/projections/:type", server.QueryProjection)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projections/vendor_list", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
