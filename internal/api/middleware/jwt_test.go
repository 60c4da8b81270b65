package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermill.io/ledgermill/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testJWTCfg = JWTConfig{
	SigningKey: []byte("test-signing-key"),
	Issuer:     "ledgermill-test",
	ExpiresIn:  time.Hour,
}

func authRouter(signingKey []byte, capture *struct {
	actor        domain.Actor
	actorOK      bool
	capabilities []string
	legalEntity  string
}) *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(signingKey))
	router.GET("/probe", func(c *gin.Context) {
		ctx := c.Request.Context()
		capture.actor, capture.actorOK = GetActor(ctx)
		capture.capabilities = GetCapabilities(ctx)
		capture.legalEntity = GetLegalEntity(ctx)
		c.Status(http.StatusOK)
	})
	return router
}

func TestJWTAuth_ValidToken(t *testing.T) {
	actor := domain.Actor{Type: domain.ActorHuman, ID: "user-1", Name: "Pat"}
	token, _, err := GenerateToken(testJWTCfg, actor, []string{"ap:submit"}, "le-acme")
	require.NoError(t, err)

	var capture struct {
		actor        domain.Actor
		actorOK      bool
		capabilities []string
		legalEntity  string
	}
	router := authRouter(testJWTCfg.SigningKey, &capture)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, capture.actorOK)
	assert.Equal(t, actor, capture.actor)
	assert.Equal(t, []string{"ap:submit"}, capture.capabilities)
	assert.Equal(t, "le-acme", capture.legalEntity)
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	var capture struct {
		actor        domain.Actor
		actorOK      bool
		capabilities []string
		legalEntity  string
	}
	router := authRouter(testJWTCfg.SigningKey, &capture)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_FAILED")
}

func TestJWTAuth_MalformedHeader(t *testing.T) {
	var capture struct {
		actor        domain.Actor
		actorOK      bool
		capabilities []string
		legalEntity  string
	}
	router := authRouter(testJWTCfg.SigningKey, &capture)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuth_WrongKey(t *testing.T) {
	token, _, err := GenerateToken(JWTConfig{
		SigningKey: []byte("other-key"),
		ExpiresIn:  time.Hour,
	}, domain.Actor{ID: "user-1"}, nil, "")
	require.NoError(t, err)

	var capture struct {
		actor        domain.Actor
		actorOK      bool
		capabilities []string
		legalEntity  string
	}
	router := authRouter(testJWTCfg.SigningKey, &capture)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "TOKEN_INVALID")
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	token, _, err := GenerateToken(JWTConfig{
		SigningKey: testJWTCfg.SigningKey,
		ExpiresIn:  -time.Minute,
	}, domain.Actor{ID: "user-1"}, nil, "")
	require.NoError(t, err)

	var capture struct {
		actor        domain.Actor
		actorOK      bool
		capabilities []string
		legalEntity  string
	}
	router := authRouter(testJWTCfg.SigningKey, &capture)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "TOKEN_EXPIRED")
}

func TestJWTAuth_NoKeyIsNoOp(t *testing.T) {
	var capture struct {
		actor        domain.Actor
		actorOK      bool
		capabilities []string
		legalEntity  string
	}
	router := authRouter(nil, &capture)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, capture.actorOK)
}
