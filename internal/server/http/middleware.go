package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"maestro/internal/domain/tenant"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/workspace"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"

	principalKey = "maestro.principal"
)

// principal resolves the caller identity from trusted headers set by the
// fronting proxy. Absent headers yield an anonymous viewer.
func principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := workspace.Principal{
			UserID: c.GetHeader(headerUserID),
			Role:   tenant.Role(c.GetHeader(headerUserRole)),
		}
		if p.UserID == "" {
			p.UserID = "anonymous"
		}
		if !p.Role.Valid() {
			p.Role = tenant.RoleViewer
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principalFrom(c *gin.Context) workspace.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(workspace.Principal); ok {
			return p
		}
	}
	return workspace.Principal{UserID: "anonymous", Role: tenant.RoleViewer}
}

// recovery converts handler panics into 500s with a logged stack summary.
func recovery(logger logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

// requestLog emits one line per request and feeds the latency histogram.
func requestLog(logger logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if m != nil {
			m.ObserveHTTP(route, fmt.Sprintf("%dxx", status/100), elapsed)
		}
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, elapsed)
	}
}
