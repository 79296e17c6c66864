package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"maestro/internal/lock"
	"maestro/internal/logging"
)

type lockHandler struct {
	locks  *lock.Manager
	logger logging.Logger
}

func newLockHandler(locks *lock.Manager, logger logging.Logger) *lockHandler {
	return &lockHandler{locks: locks, logger: logger}
}

type acquireRequest struct {
	ResourceType string `json:"resource_type" binding:"required"`
	ResourceID   string `json:"resource_id" binding:"required"`
	HolderID     string `json:"holder_id" binding:"required"`
	TTLSeconds   *int   `json:"ttl_seconds"`
	Wait         bool   `json:"wait"`
	WaitSeconds  int    `json:"wait_seconds"`
}

func (h *lockHandler) acquire(c *gin.Context) {
	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	var opts []lock.AcquireOption
	if req.TTLSeconds != nil {
		opts = append(opts, lock.WithTTL(time.Duration(*req.TTLSeconds)*time.Second))
	}
	if req.Wait {
		opts = append(opts, lock.WithWait(time.Duration(req.WaitSeconds)*time.Second))
	}
	l, err := h.locks.Acquire(c.Request.Context(), req.ResourceType, req.ResourceID, req.HolderID, opts...)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

type releaseRequest struct {
	HolderID string `json:"holder_id" binding:"required"`
}

func (h *lockHandler) release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.locks.Release(c.Request.Context(), c.Param("id"), req.HolderID); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type extendRequest struct {
	HolderID   string `json:"holder_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"required,min=1"`
}

func (h *lockHandler) extend(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	l, err := h.locks.Extend(c.Request.Context(), c.Param("id"), req.HolderID,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// list returns all live locks, or the caller's via ?holder=.
func (h *lockHandler) list(c *gin.Context) {
	var (
		out []*lock.Lock
		err error
	)
	if holder := c.Query("holder"); holder != "" {
		out, err = h.locks.LocksByHolder(c.Request.Context(), holder)
	} else {
		out, err = h.locks.AllLocks(c.Request.Context())
	}
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": out, "count": len(out)})
}

func (h *lockHandler) byResource(c *gin.Context) {
	l, err := h.locks.Get(c.Request.Context(), c.Param("type"), c.Param("resource"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if l == nil {
		c.JSON(http.StatusOK, gin.H{"locked": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true, "lock": l})
}
