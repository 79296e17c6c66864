package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"maestro/internal/domain/task"
	"maestro/internal/domain/tenant"
	"maestro/internal/logging"
	"maestro/internal/storage/sqlite"
	"maestro/internal/webhook"
	"maestro/internal/workspace"
)

type webhookHandler struct {
	store      *sqlite.Store
	workspaces *workspace.Manager
	notifier   *webhook.Notifier
	logger     logging.Logger
}

func newWebhookHandler(store *sqlite.Store, ws *workspace.Manager, n *webhook.Notifier, logger logging.Logger) *webhookHandler {
	return &webhookHandler{store: store, workspaces: ws, notifier: n, logger: logger}
}

type createWebhookRequest struct {
	Service string   `json:"service" binding:"required"`
	URL     string   `json:"url" binding:"required,url"`
	Events  []string `json:"events" binding:"required,min=1"`
}

func (h *webhookHandler) create(c *gin.Context) {
	workspaceID := c.Param("id")
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	service := tenant.WebhookService(req.Service)
	if !service.Valid() {
		badRequest(c, "unsupported service "+req.Service)
		return
	}
	events := make([]task.EventType, 0, len(req.Events))
	for _, raw := range req.Events {
		et := task.EventType(raw)
		if !et.Valid() {
			badRequest(c, "unknown event type "+raw)
			return
		}
		events = append(events, et)
	}

	if _, err := h.workspaces.GetWorkspace(c.Request.Context(), principalFrom(c), workspaceID); err != nil {
		fail(c, h.logger, err)
		return
	}

	w := &tenant.Webhook{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Service:     service,
		URL:         req.URL,
		Events:      events,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.CreateWebhook(c.Request.Context(), w); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *webhookHandler) list(c *gin.Context) {
	workspaceID := c.Param("id")
	if _, err := h.workspaces.GetWorkspace(c.Request.Context(), principalFrom(c), workspaceID); err != nil {
		fail(c, h.logger, err)
		return
	}
	hooks, err := h.store.ListWebhooks(c.Request.Context(), workspaceID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks, "count": len(hooks)})
}

// test sends a synthetic event to the webhook so the URL can be verified.
func (h *webhookHandler) test(c *gin.Context) {
	w, err := h.store.GetWebhook(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if err := h.notifier.Test(c.Request.Context(), w); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"delivered": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *webhookHandler) setActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.store.SetWebhookActive(c.Request.Context(), c.Param("id"), *req.Active); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": *req.Active})
}

func (h *webhookHandler) remove(c *gin.Context) {
	if err := h.store.DeleteWebhook(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
