// Package http is the gin transport over the schedulers and managers: REST
// for tasks, tenancy, locks, and webhooks, plus the WebSocket subscription
// endpoint.
package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maestro/internal/hub"
	"maestro/internal/lock"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/queue"
	"maestro/internal/storage/sqlite"
	"maestro/internal/webhook"
	"maestro/internal/workspace"
)

// Deps carries everything the router wires together.
type Deps struct {
	Queue      *queue.Queue
	Store      *sqlite.Store
	Locks      *lock.Manager
	Workspaces *workspace.Manager
	Notifier   *webhook.Notifier
	Hub        *hub.Hub
	Metrics    *metrics.Metrics
	Logger     logging.Logger

	AllowedOrigins []string
	Debug          bool
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(d Deps) *gin.Engine {
	if !d.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.OrNop(d.Logger)

	engine := gin.New()
	engine.Use(recovery(logger))
	engine.Use(requestLog(logger, d.Metrics))

	corsConfig := cors.DefaultConfig()
	if len(d.AllowedOrigins) == 1 && d.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = d.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", headerUserID, headerUserRole}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tasks := newTaskHandler(d.Queue, d.Store, d.Workspaces, logger)
	tenancy := newTenancyHandler(d.Workspaces, d.Store, logger)
	locks := newLockHandler(d.Locks, logger)
	hooks := newWebhookHandler(d.Store, d.Workspaces, d.Notifier, logger)

	api := engine.Group("/api/v1")
	api.Use(principal())
	{
		api.POST("/tasks", tasks.register)
		api.GET("/tasks", tasks.list)
		api.GET("/tasks/order", tasks.executionOrder)
		api.POST("/tasks/next", tasks.next)
		api.GET("/tasks/:id", tasks.get)
		api.GET("/tasks/:id/events", tasks.events)
		api.POST("/tasks/:id/complete", tasks.complete)
		api.POST("/tasks/:id/fail", tasks.fail)
		api.POST("/tasks/:id/cancel", tasks.cancel)
		api.GET("/stats", tasks.stats)
		api.GET("/events", tasks.recentEvents)

		api.POST("/users", tenancy.registerUser)
		api.POST("/workspaces", tenancy.createWorkspace)
		api.GET("/workspaces", tenancy.listWorkspaces)
		api.GET("/workspaces/:id", tenancy.getWorkspace)
		api.PUT("/workspaces/:id/settings", tenancy.updateSettings)
		api.DELETE("/workspaces/:id", tenancy.deleteWorkspace)
		api.GET("/workspaces/:id/members", tenancy.listMembers)
		api.POST("/workspaces/:id/members", tenancy.addMember)
		api.DELETE("/workspaces/:id/members/:user_id", tenancy.removeMember)
		api.POST("/workspaces/:id/projects", tenancy.createProject)
		api.GET("/workspaces/:id/projects", tenancy.listProjects)
		api.GET("/projects/:id", tenancy.getProject)
		api.PUT("/projects/:id", tenancy.updateProject)
		api.POST("/projects/:id/archive", tenancy.archiveProject)
		api.DELETE("/projects/:id", tenancy.deleteProject)
		api.GET("/projects/:id/tasks", tasks.byProject)

		api.POST("/locks", locks.acquire)
		api.GET("/locks", locks.list)
		api.GET("/locks/resource/:type/:resource", locks.byResource)
		api.POST("/locks/:id/extend", locks.extend)
		api.DELETE("/locks/:id", locks.release)

		api.POST("/workspaces/:id/webhooks", hooks.create)
		api.GET("/workspaces/:id/webhooks", hooks.list)
		api.POST("/webhooks/:id/test", hooks.test)
		api.PUT("/webhooks/:id/active", hooks.setActive)
		api.DELETE("/webhooks/:id", hooks.remove)
	}

	ws := newWSHandler(d.Hub, d.Metrics, logger)
	engine.GET("/ws/:project_id", ws.subscribe)

	return engine
}
