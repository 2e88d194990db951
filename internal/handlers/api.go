package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
)

// PoolStats reports browser pool occupancy.
type PoolStats interface {
	Stats() (available, capacity int)
}

// APIHandler serves the service-level endpoints
type APIHandler struct {
	logger    arbor.ILogger
	pool      PoolStats
	startTime time.Time
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(pool PoolStats, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		logger:    logger,
		pool:      pool,
		startTime: time.Now(),
	}
}

// HandleHealth handles GET /api/health
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.pool != nil {
		available, capacity := h.pool.Stats()
		resp["pool"] = map[string]int{
			"available": available,
			"capacity":  capacity,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleVersion handles GET /api/version
func (h *APIHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}
