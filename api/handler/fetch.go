package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/harvest/engine"
	"github.com/use-agent/harvest/models"
)

// Fetch returns a handler for POST /api/v1/fetch.
func Fetch(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.FetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.FetchResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}
		req.Defaults()

		res := eng.Fetch(c.Request.Context(), req.URL, engine.Options{
			Timeout:     time.Duration(req.Timeout) * time.Second,
			ForceRender: req.ForceRender,
			NoCache:     req.NoCache,
		})
		c.JSON(httpStatusFor(res), toFetchResponse(res))
	}
}

// FetchBatch returns a handler for POST /api/v1/fetch/batch.
func FetchBatch(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BatchFetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.FetchResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}
		req.Defaults()

		results := eng.FetchMany(c.Request.Context(), req.URLs, req.MaxConcurrent, engine.Options{
			Timeout: time.Duration(req.Timeout) * time.Second,
		})
		out := make([]*models.FetchResponse, len(results))
		for i, r := range results {
			out[i] = toFetchResponse(r)
		}
		c.JSON(http.StatusOK, models.BatchFetchResponse{Results: out})
	}
}

func httpStatusFor(res *engine.Result) int {
	switch res.Status {
	case engine.OutcomeOK:
		return http.StatusOK
	case engine.OutcomeBlocked:
		return http.StatusForbidden
	}
	return http.StatusBadGateway
}

func toFetchResponse(res *engine.Result) *models.FetchResponse {
	out := &models.FetchResponse{
		Success:     res.Status == engine.OutcomeOK,
		Status:      models.FetchStatus(res.Status.String()),
		HTML:        res.HTML,
		FinalURL:    res.FinalURL,
		StatusCode:  res.StatusCode,
		Engine:      res.Engine,
		CacheStatus: res.CacheStatus,
		ElapsedMs:   res.Elapsed.Milliseconds(),
	}
	if res.Protection != nil {
		out.Protection = &models.ProtectionInfo{
			Kind:       res.Protection.Kind.String(),
			Confidence: res.Protection.Confidence,
			Evidence:   res.Protection.Evidence,
			Solved:     res.Solved,
		}
	}
	if res.Err != nil {
		out.Error = res.Err.ToDetail()
	}
	return out
}
