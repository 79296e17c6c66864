package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"maestro/internal/domain/task"
	"maestro/internal/graph"
	"maestro/internal/lock"
	"maestro/internal/logging"
	"maestro/internal/storage/sqlite"
	"maestro/internal/workspace"
)

// statusFor maps domain sentinels onto HTTP statuses. Anything unrecognized
// is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, sqlite.ErrUserNotFound),
		errors.Is(err, sqlite.ErrWorkspaceNotFound),
		errors.Is(err, sqlite.ErrProjectNotFound),
		errors.Is(err, sqlite.ErrMemberNotFound),
		errors.Is(err, sqlite.ErrWebhookNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrCycle):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, lock.ErrAcquisitionFailed),
		errors.Is(err, lock.ErrNotHeld),
		errors.Is(err, sqlite.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrAccessDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error envelope. Internal errors hide their detail from the
// client but keep it in the log.
func fail(c *gin.Context, logger logging.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		msg = "internal server error"
	} else {
		logger.Debug("request %s %s rejected (%d): %v", c.Request.Method, c.Request.URL.Path, status, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
