package app

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ledgermill.io/ledgermill/internal/api/handlers"
	"ledgermill.io/ledgermill/internal/api/middleware"
	"ledgermill.io/ledgermill/internal/config"
)

// Public routes that do NOT require JWT authentication.
var publicPrefixes = []string{
	"/api/v1/health/",
}

func newRouter(cfg *config.Config, server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	if len(cfg.Server.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.Server.CORSOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		router.Use(cors.New(corsCfg))
	}
	router.Use(jwtSkipPublic([]byte(cfg.Security.JWTSecret)))

	v1 := router.Group("/api/v1")

	v1.GET("/health/live", server.GetLiveness)
	v1.GET("/health/ready", server.GetReadiness)

	v1.POST("/intents", server.SubmitIntent)
	v1.GET("/intents/pending", server.ListPendingIntents)
	v1.GET("/intents/:id", server.GetIntent)
	v1.POST("/intents/:id/approve", server.ApproveIntent)
	v1.POST("/intents/:id/reject", server.RejectIntent)
	v1.POST("/intents/:id/execute", server.ExecuteIntent)

	v1.GET("/audit/events", server.ListEvents)
	v1.GET("/audit/events/:id", server.GetEvent)
	v1.GET("/audit/intents/:id/events", server.GetIntentEvents)

	v1.GET("/projections/:type", server.QueryProjection)
	v1.POST("/projections/:type/rebuild", server.RebuildProjection)
	v1.POST("/projections/:type/snapshot", server.CreateSnapshot)
	v1.GET("/projections/:type/snapshots", server.ListSnapshots)
	v1.POST("/projections/:type/snapshots/:id/restore", server.RestoreSnapshot)

	v1.GET("/subscriptions", server.ListSubscriptions)
	v1.POST("/subscriptions", server.CreateSubscription)
	v1.POST("/subscriptions/:id/pause", server.PauseSubscription)
	v1.POST("/subscriptions/:id/resume", server.ResumeSubscription)
	v1.DELETE("/subscriptions/:id", server.DeleteSubscription)

	v1.POST("/event-types", server.RegisterEventType)
	v1.GET("/event-types", server.ListEventTypes)
	v1.GET("/event-types/:type", server.ListEventTypeVersions)

	v1.GET("/system/intent-types", server.ListIntentTypes)

	return router
}

// jwtSkipPublic returns middleware that applies JWT auth only on non-public routes.
func jwtSkipPublic(signingKey []byte) gin.HandlerFunc {
	jwtMw := middleware.JWTAuth(signingKey)
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		jwtMw(c)
	}
}
