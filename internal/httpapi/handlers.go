package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"callengine/internal/launch"
	"callengine/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Launcher BatchLauncher
}

// BatchLauncher is satisfied by *launch.Launcher.
type BatchLauncher interface {
	Launch(ctx context.Context, userID, campaignID, batchName string) (launch.Result, error)
}

type launchRequest struct {
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	BatchName  string `json:"batch_name"`
}

// LaunchBatch dispatches a named contact batch immediately.
func (h Handlers) LaunchBatch(c *gin.Context) {
	if h.Launcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "launcher not configured"})
		return
	}
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.CampaignID == "" || req.BatchName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, campaign_id, batch_name required"})
		return
	}

	res, err := h.Launcher.Launch(c.Request.Context(), req.UserID, req.CampaignID, req.BatchName)
	if err != nil {
		switch {
		case errors.Is(err, launch.ErrBatchNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		case errors.Is(err, launch.ErrNoIntegration):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no telephony integration for user"})
		case errors.Is(err, launch.ErrBatchAlreadyLaunched):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "batch already launched"})
		default:
			logger.FromGin(c).Error("batch launch failed", "batch", req.BatchName, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "launch failed"})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

// Healthz reports liveness.
func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
