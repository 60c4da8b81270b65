package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// ListIntentTypes handles GET /system/intent-types.
func (s *Server) ListIntentTypes(c *gin.Context) {
	types := s.pipeline.IntentTypes()
	sort.Strings(types)
	c.JSON(http.StatusOK, gin.H{"intent_types": types})
}
