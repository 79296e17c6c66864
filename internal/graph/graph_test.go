package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain/task"
)

func newTask(id string, priority int, deps ...string) *task.Task {
	return &task.Task{
		ID:           id,
		Name:         id,
		Service:      "test",
		Priority:     priority,
		Status:       task.StatusPending,
		Dependencies: deps,
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAddRejectsSelfDependency(t *testing.T) {
	g := New()
	err := g.Add(newTask("a", 1, "a"))
	require.ErrorIs(t, err, ErrCycle)
	assert.False(t, g.Contains("a"))
}

func TestAddRejectsCycleAndRollsBack(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1, "b")))
	require.NoError(t, g.Add(newTask("b", 1, "c")))

	err := g.Add(newTask("c", 1, "a"))
	require.ErrorIs(t, err, ErrCycle)

	assert.False(t, g.Contains("c"))
	assert.Equal(t, 2, g.Len())

	// The graph still admits a non-cyclic version of the same id.
	require.NoError(t, g.Add(newTask("c", 1)))
}

func TestReAddKeepsPreviousOnCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1)))
	require.NoError(t, g.Add(newTask("b", 1, "a")))

	// Re-adding "a" with a dependency on "b" would close a cycle; the old
	// node must survive.
	err := g.Add(newTask("a", 1, "b"))
	require.ErrorIs(t, err, ErrCycle)
	require.True(t, g.Contains("a"))

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
}

func TestReadyOrderingAndBlocking(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("low", 9)))
	require.NoError(t, g.Add(newTask("high", 1)))
	require.NoError(t, g.Add(newTask("blocked", 0, "low")))

	ready := g.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, "high", ready[0].ID)
	assert.Equal(t, "low", ready[1].ID)
}

func TestUnknownDependencyIsSatisfied(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1, "external-thing")))

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
}

func TestCompletionUnblocksDependents(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1)))
	require.NoError(t, g.Add(newTask("b", 1, "a")))

	require.Len(t, g.Ready(), 1)

	g.MarkComplete("a")
	g.Remove("a")

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestFailedNodeBlocksDependents(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1)))
	require.NoError(t, g.Add(newTask("b", 1, "a")))

	// A terminally failed task stays in the graph; its dependents must not
	// become ready.
	g.SetStatus("a", task.StatusFailed)

	ready := g.Ready()
	require.Len(t, ready, 0)
}

func TestRemoveUnblocksDependents(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1)))
	require.NoError(t, g.Add(newTask("b", 1, "a")))

	// Cancellation removes the node without completing it; the dependency
	// becomes externally satisfied.
	g.Remove("a")

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestDependents(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1)))
	require.NoError(t, g.Add(newTask("b", 1, "a")))
	require.NoError(t, g.Add(newTask("c", 1, "a")))

	assert.Equal(t, []string{"b", "c"}, g.Dependents("a"))
}

func TestTopoSortRespectsEdgesAndPriority(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 5)))
	require.NoError(t, g.Add(newTask("b", 1, "a")))
	require.NoError(t, g.Add(newTask("c", 9)))
	require.NoError(t, g.Add(newTask("d", 2, "b", "c")))

	order, err := g.TopoSort()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
	// Within the first layer, priority 5 beats priority 9.
	assert.Less(t, pos["a"], pos["c"])
}

func TestTransitiveDeps(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", 1)))
	require.NoError(t, g.Add(newTask("b", 1, "a")))
	require.NoError(t, g.Add(newTask("c", 1, "b")))

	deps := g.TransitiveDeps("c")
	assert.Contains(t, deps, "a")
	assert.Contains(t, deps, "b")
	assert.NotContains(t, deps, "c")
}
