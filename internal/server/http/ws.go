package http

import (
	"github.com/gin-gonic/gin"

	"maestro/internal/hub"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

type wsHandler struct {
	hub     *hub.Hub
	metrics *metrics.Metrics
	logger  logging.Logger
}

func newWSHandler(h *hub.Hub, m *metrics.Metrics, logger logging.Logger) *wsHandler {
	return &wsHandler{hub: h, metrics: m, logger: logger}
}

// subscribe upgrades the connection and parks it in the hub until the client
// disconnects.
func (h *wsHandler) subscribe(c *gin.Context) {
	projectID := c.Param("project_id")
	if projectID == "" {
		badRequest(c, "project_id is required")
		return
	}
	if h.metrics != nil {
		h.metrics.WSConnected()
		defer h.metrics.WSDisconnected()
	}
	if err := h.hub.Serve(c.Writer, c.Request, projectID); err != nil {
		// Upgrade failures already wrote a response.
		h.logger.Debug("ws upgrade for project %s failed: %v", projectID, err)
	}
}
