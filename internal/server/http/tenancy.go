package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"maestro/internal/domain/tenant"
	"maestro/internal/logging"
	"maestro/internal/storage/sqlite"
	"maestro/internal/workspace"
)

type tenancyHandler struct {
	workspaces *workspace.Manager
	store      *sqlite.Store
	logger     logging.Logger
}

func newTenancyHandler(ws *workspace.Manager, store *sqlite.Store, logger logging.Logger) *tenancyHandler {
	return &tenancyHandler{workspaces: ws, store: store, logger: logger}
}

type registerUserRequest struct {
	Email        string `json:"email" binding:"required,email"`
	DisplayName  string `json:"display_name" binding:"required"`
	PasswordHash string `json:"password_hash"`
}

func (h *tenancyHandler) registerUser(c *gin.Context) {
	var req registerUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	u, err := h.workspaces.RegisterUser(c.Request.Context(), req.Email, req.DisplayName, req.PasswordHash)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

type createWorkspaceRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *tenancyHandler) createWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	w, err := h.workspaces.CreateWorkspace(c.Request.Context(), principalFrom(c), req.Name)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *tenancyHandler) listWorkspaces(c *gin.Context) {
	out, err := h.workspaces.ListWorkspaces(c.Request.Context(), principalFrom(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": out, "count": len(out)})
}

func (h *tenancyHandler) getWorkspace(c *gin.Context) {
	w, err := h.workspaces.GetWorkspace(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type settingsRequest struct {
	Settings map[string]any `json:"settings" binding:"required"`
}

func (h *tenancyHandler) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	w, err := h.workspaces.UpdateSettings(c.Request.Context(), principalFrom(c), c.Param("id"), req.Settings)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *tenancyHandler) deleteWorkspace(c *gin.Context) {
	if err := h.workspaces.DeleteWorkspace(c.Request.Context(), principalFrom(c), c.Param("id")); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *tenancyHandler) listMembers(c *gin.Context) {
	members, err := h.workspaces.ListMembers(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
}

type addMemberRequest struct {
	UserID string      `json:"user_id" binding:"required"`
	Role   tenant.Role `json:"role" binding:"required"`
}

func (h *tenancyHandler) addMember(c *gin.Context) {
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	m, err := h.workspaces.AddMember(c.Request.Context(), principalFrom(c), c.Param("id"), req.UserID, req.Role)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *tenancyHandler) removeMember(c *gin.Context) {
	err := h.workspaces.RemoveMember(c.Request.Context(), principalFrom(c), c.Param("id"), c.Param("user_id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (h *tenancyHandler) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.workspaces.CreateProject(c.Request.Context(), principalFrom(c), c.Param("id"), req.Name, req.Description)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *tenancyHandler) listProjects(c *gin.Context) {
	projects, err := h.workspaces.ListProjects(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

func (h *tenancyHandler) getProject(c *gin.Context) {
	p, err := h.workspaces.GetProject(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type updateProjectRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	Settings    map[string]any `json:"settings"`
}

func (h *tenancyHandler) updateProject(c *gin.Context) {
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.workspaces.UpdateProject(c.Request.Context(), principalFrom(c), &tenant.Project{
		ID:          c.Param("id"),
		Name:        req.Name,
		Description: req.Description,
		Settings:    req.Settings,
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *tenancyHandler) archiveProject(c *gin.Context) {
	p, err := h.workspaces.ArchiveProject(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *tenancyHandler) deleteProject(c *gin.Context) {
	if _, err := h.workspaces.DeleteProject(c.Request.Context(), principalFrom(c), c.Param("id")); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
