package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/learner"
	"github.com/use-agent/harvest/models"
)

// LearnerDomainReport returns a handler for GET /api/v1/admin/learner/:domain.
func LearnerDomainReport(lrn *learner.Learner) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, ok := lrn.ReportDomain(c.Param("domain"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error": models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: "no history for domain",
				},
			})
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

// LearnerGlobalReport returns a handler for GET /api/v1/admin/learner.
func LearnerGlobalReport(lrn *learner.Learner) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, lrn.ReportGlobal())
	}
}

// CacheStats returns a handler for GET /api/v1/admin/cache.
func CacheStats(cc *cache.HybridCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := cc.Stats(c.Request.Context())
		c.JSON(http.StatusOK, models.CacheStatsResponse{
			MemoryItems:      s.MemoryItems,
			MemoryMax:        s.MemoryMax,
			MemoryStale:      s.MemoryStale,
			DurableConnected: s.DurableConnected,
			DurableItems:     s.DurableItems,
		})
	}
}

// CacheClear returns a handler for DELETE /api/v1/admin/cache/:namespace.
// Clearing an unknown namespace succeeds; the operation is idempotent.
func CacheClear(cc *cache.HybridCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ns := c.Param("namespace")
		cc.ClearNamespace(c.Request.Context(), ns)
		c.JSON(http.StatusOK, gin.H{"cleared": ns})
	}
}
