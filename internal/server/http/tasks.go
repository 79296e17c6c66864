package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"maestro/internal/domain/task"
	"maestro/internal/domain/tenant"
	"maestro/internal/logging"
	"maestro/internal/queue"
	"maestro/internal/storage/sqlite"
	"maestro/internal/workspace"
)

type taskHandler struct {
	queue      *queue.Queue
	store      *sqlite.Store
	workspaces *workspace.Manager
	logger     logging.Logger
}

func newTaskHandler(q *queue.Queue, store *sqlite.Store, ws *workspace.Manager, logger logging.Logger) *taskHandler {
	return &taskHandler{queue: q, store: store, workspaces: ws, logger: logger}
}

type registerTaskRequest struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	Name         string            `json:"name" binding:"required"`
	Description  string            `json:"description"`
	Service      string            `json:"service" binding:"required"`
	Payload      map[string]any    `json:"payload"`
	Priority     int               `json:"priority"`
	Dependencies []string          `json:"dependencies"`
	Metadata     map[string]string `json:"metadata"`
}

type registerRequest struct {
	Tasks []registerTaskRequest `json:"tasks" binding:"required,min=1,dive"`
}

func (r registerTaskRequest) toTask(createdBy string) *task.Task {
	projectID := r.ProjectID
	if projectID == "" {
		projectID = tenant.DefaultProjectID
	}
	return &task.Task{
		ID:           r.ID,
		ProjectID:    projectID,
		Name:         r.Name,
		Description:  r.Description,
		Service:      r.Service,
		Payload:      r.Payload,
		Priority:     r.Priority,
		Dependencies: r.Dependencies,
		Metadata:     r.Metadata,
		CreatedBy:    createdBy,
	}
}

// register admits a batch of tasks atomically.
func (h *taskHandler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	p := principalFrom(c)
	if !p.Role.CanWrite() {
		fail(c, h.logger, workspace.ErrAccessDenied)
		return
	}

	tasks := make([]*task.Task, 0, len(req.Tasks))
	for _, r := range req.Tasks {
		tasks = append(tasks, r.toTask(p.UserID))
	}
	if err := h.queue.Register(c.Request.Context(), tasks...); err != nil {
		fail(c, h.logger, err)
		return
	}

	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, gin.H{"id": t.ID})
	}
	c.JSON(http.StatusCreated, gin.H{"tasks": out})
}

func (h *taskHandler) list(c *gin.Context) {
	var (
		tasks []*task.Task
		err   error
	)
	if raw := c.Query("status"); raw != "" {
		status := task.Status(raw)
		if !status.Valid() {
			badRequest(c, "unknown status "+raw)
			return
		}
		tasks, err = h.store.TasksByStatus(c.Request.Context(), status)
	} else {
		tasks, err = h.store.ListTasks(c.Request.Context())
	}
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *taskHandler) get(c *gin.Context) {
	t, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *taskHandler) byProject(c *gin.Context) {
	projectID := c.Param("id")
	p := principalFrom(c)
	if err := h.workspaces.CanAccessProject(c.Request.Context(), p, projectID); err != nil {
		fail(c, h.logger, err)
		return
	}
	tasks, err := h.store.TasksByProject(c.Request.Context(), projectID, queryLimit(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// next pops the highest-priority ready task and marks it running. 204 when
// nothing is ready.
func (h *taskHandler) next(c *gin.Context) {
	t, err := h.queue.GetNext(c.Request.Context())
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if t == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, t)
}

type completeRequest struct {
	Result map[string]any `json:"result"`
}

func (h *taskHandler) complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.queue.Complete(c.Request.Context(), c.Param("id"), req.Result); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(task.StatusCompleted)})
}

type failRequest struct {
	Error string `json:"error" binding:"required"`
}

func (h *taskHandler) fail(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.queue.Fail(c.Request.Context(), c.Param("id"), req.Error); err != nil {
		fail(c, h.logger, err)
		return
	}
	t, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(t.Status), "retry_count": t.RetryCount})
}

func (h *taskHandler) cancel(c *gin.Context) {
	p := principalFrom(c)
	if err := h.queue.Cancel(c.Request.Context(), c.Param("id"), p.UserID); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(task.StatusCancelled)})
}

func (h *taskHandler) events(c *gin.Context) {
	events, err := h.store.TaskEvents(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *taskHandler) recentEvents(c *gin.Context) {
	events, err := h.store.RecentEvents(c.Request.Context(), queryLimit(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *taskHandler) executionOrder(c *gin.Context) {
	order, err := h.queue.ExecutionOrder(c.Request.Context())
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *taskHandler) stats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func queryLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
