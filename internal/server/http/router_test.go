package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/events"
	"maestro/internal/hub"
	"maestro/internal/lock"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/queue"
	"maestro/internal/storage/sqlite"
	"maestro/internal/webhook"
	"maestro/internal/workspace"
)

type testServer struct {
	engine *gin.Engine
	store  *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.Open(":memory:", sqlite.WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	pub := events.NewPublisher(store, store, logging.Nop())
	t.Cleanup(pub.Close)

	q := queue.New(queue.Config{MaxConcurrent: 2}, store, pub, logging.Nop())
	require.NoError(t, q.Initialize(context.Background()))

	wsHub := hub.New(logging.Nop(), nil)
	t.Cleanup(wsHub.CloseAll)

	notifier := webhook.NewNotifier(store, logging.Nop())
	t.Cleanup(notifier.Close)

	engine := NewRouter(Deps{
		Queue:          q,
		Store:          store,
		Locks:          lock.NewManager(store, logging.Nop()),
		Workspaces:     workspace.NewManager(store, logging.Nop()),
		Notifier:       notifier,
		Hub:            wsHub,
		Metrics:        metrics.MustNew(prometheus.NewRegistry()),
		Logger:         logging.Nop(),
		AllowedOrigins: []string{"*"},
	})
	return &testServer{engine: engine, store: store}
}

type reqOption func(*http.Request)

func asMember(userID string) reqOption {
	return func(r *http.Request) {
		r.Header.Set("X-User-ID", userID)
		r.Header.Set("X-User-Role", "member")
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, opts ...reqOption) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestRegisterRequiresWriter(t *testing.T) {
	s := newTestServer(t)
	body := gin.H{"tasks": []gin.H{{"id": "t-1", "name": "build", "service": "ci"}}}

	// Anonymous callers are viewers and may not register.
	rec := s.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/tasks", body, asMember("u-1"))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/tasks",
		gin.H{"tasks": []gin.H{{"id": "t-1", "service": "ci"}}}, asMember("u-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"tasks": []gin.H{}}, asMember("u-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterCycleRejected(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"tasks": []gin.H{
		{"id": "a", "name": "a", "service": "ci", "dependencies": []string{"b"}},
		{"id": "b", "name": "b", "service": "ci", "dependencies": []string{"a"}},
	}}, asMember("u-1"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "cycle")
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"tasks": []gin.H{
		{"id": "child", "name": "deploy", "service": "cd", "dependencies": []string{"parent"}},
		{"id": "parent", "name": "build", "service": "ci"},
	}}, asMember("u-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Only the parent is ready.
	rec = s.do(t, http.MethodPost, "/api/v1/tasks/next", nil, asMember("w-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "parent", decode(t, rec)["id"])

	rec = s.do(t, http.MethodPost, "/api/v1/tasks/parent/complete",
		gin.H{"result": gin.H{"ok": true}}, asMember("w-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/tasks/next", nil, asMember("w-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "child", decode(t, rec)["id"])

	rec = s.do(t, http.MethodPost, "/api/v1/tasks/child/complete", nil, asMember("w-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Nothing left.
	rec = s.do(t, http.MethodPost, "/api/v1/tasks/next", nil, asMember("w-1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/child", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/child/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, decode(t, rec)["count"].(float64), float64(2))
}

func TestCompleteErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/tasks/missing/complete", nil, asMember("u-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A task that was never started cannot complete.
	s.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"tasks": []gin.H{
		{"id": "t-1", "name": "build", "service": "ci"},
	}}, asMember("u-1"))
	rec = s.do(t, http.MethodPost, "/api/v1/tasks/t-1/complete", nil, asMember("u-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFailRequeuesWithBudget(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"tasks": []gin.H{
		{"id": "t-1", "name": "build", "service": "ci"},
	}}, asMember("u-1"))
	s.do(t, http.MethodPost, "/api/v1/tasks/next", nil, asMember("w-1"))

	rec := s.do(t, http.MethodPost, "/api/v1/tasks/t-1/fail",
		gin.H{"error": "exit 1"}, asMember("w-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, float64(1), out["retry_count"])

	// Missing error detail is a validation failure.
	rec = s.do(t, http.MethodPost, "/api/v1/tasks/t-1/fail", gin.H{}, asMember("w-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndOrder(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"tasks": []gin.H{
		{"id": "b", "name": "b", "service": "ci", "dependencies": []string{"a"}},
		{"id": "a", "name": "a", "service": "ci"},
	}}, asMember("u-1"))

	rec := s.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["in_graph"])

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/order", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	order, ok := decode(t, rec)["order"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, order)
}

func TestLockEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/locks", gin.H{
		"resource_type": "task", "resource_id": "t-1", "holder_id": "worker-a",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	lockID := decode(t, rec)["id"].(string)
	require.NotEmpty(t, lockID)

	// Contended acquisition without wait conflicts.
	rec = s.do(t, http.MethodPost, "/api/v1/locks", gin.H{
		"resource_type": "task", "resource_id": "t-1", "holder_id": "worker-b",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/locks/resource/task/t-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["locked"])

	rec = s.do(t, http.MethodPost, "/api/v1/locks/"+lockID+"/extend", gin.H{
		"holder_id": "worker-a", "ttl_seconds": 60,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/locks/"+lockID, gin.H{"holder_id": "worker-a"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/locks/resource/task/t-1", nil)
	assert.Equal(t, false, decode(t, rec)["locked"])
}

func TestWorkspaceEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/users", gin.H{
		"email": "a@example.com", "display_name": "Alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	userID := decode(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/api/v1/workspaces", gin.H{"name": "Team"}, asMember(userID))
	require.Equal(t, http.StatusCreated, rec.Code)
	wsID := decode(t, rec)["id"].(string)

	// Strangers cannot read it.
	rec = s.do(t, http.MethodGet, "/api/v1/workspaces/"+wsID, nil, asMember("stranger"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/workspaces/"+wsID, nil, asMember(userID))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/workspaces/"+wsID+"/projects",
		gin.H{"name": "proj"}, asMember(userID))
	require.Equal(t, http.StatusCreated, rec.Code)
	projectID := decode(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/api/v1/projects/"+projectID+"/archive", nil, asMember(userID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "archived", decode(t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/api/v1/projects/missing", nil, asMember(userID))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/users", gin.H{
		"email": "a@example.com", "display_name": "Alice",
	})
	userID := decode(t, rec)["id"].(string)
	rec = s.do(t, http.MethodPost, "/api/v1/workspaces", gin.H{"name": "Team"}, asMember(userID))
	wsID := decode(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/api/v1/workspaces/"+wsID+"/webhooks", gin.H{
		"service": "slack",
		"url":     "https://hooks.slack.test/x",
		"events":  []string{"completed", "failed"},
	}, asMember(userID))
	require.Equal(t, http.StatusCreated, rec.Code)
	hookID := decode(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/api/v1/workspaces/"+wsID+"/webhooks", gin.H{
		"service": "pager", "url": "https://x.test", "events": []string{"completed"},
	}, asMember(userID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/webhooks/"+hookID+"/active",
		gin.H{"active": false}, asMember(userID))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/workspaces/"+wsID+"/webhooks", nil, asMember(userID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.do(t, http.MethodDelete, "/api/v1/webhooks/"+hookID, nil, asMember(userID))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
