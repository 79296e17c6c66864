// Package graph maintains the in-memory dependency DAG over non-terminal
// tasks: cycle-free admission, ready-set computation, and topological
// ordering.
//
// The graph holds snapshots of tasks currently in flight plus the set of
// completed task ids, retained so dependents can observe satisfaction.
// Dependency ids that refer to tasks not present in the graph and not in the
// completed set are treated as externally satisfied: they contribute neither
// to the ready check nor to cycle detection.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"maestro/internal/domain/task"
)

// ErrCycle indicates that admitting a task would introduce a dependency
// cycle, or that a sort found the graph inconsistent.
var ErrCycle = errors.New("dependency cycle detected")

// Graph is safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	deps      map[string]map[string]struct{} // id -> direct dependencies
	rev       map[string]map[string]struct{} // id -> direct dependents
	tasks     map[string]*task.Task
	completed map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		deps:      make(map[string]map[string]struct{}),
		rev:       make(map[string]map[string]struct{}),
		tasks:     make(map[string]*task.Task),
		completed: make(map[string]struct{}),
	}
}

// Add admits a task. It fails with ErrCycle when the task depends on itself
// or when the insertion would close a cycle; on failure the graph is left
// unchanged.
func (g *Graph) Add(t *task.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("graph: task without id")
	}
	if t.DependsOn(t.ID) {
		return fmt.Errorf("task %s depends on itself: %w", t.ID, ErrCycle)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev, existed := g.tasks[t.ID]
	g.insertLocked(t)

	if g.hasCycleLocked() {
		g.removeLocked(t.ID)
		if existed {
			g.insertLocked(prev)
		}
		return fmt.Errorf("task %s: %w", t.ID, ErrCycle)
	}
	return nil
}

func (g *Graph) insertLocked(t *task.Task) {
	g.removeLocked(t.ID)
	g.tasks[t.ID] = t.Clone()
	edges := make(map[string]struct{}, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		edges[dep] = struct{}{}
		if g.rev[dep] == nil {
			g.rev[dep] = make(map[string]struct{})
		}
		g.rev[dep][t.ID] = struct{}{}
	}
	g.deps[t.ID] = edges
}

// Remove erases the node and all incident edges. The completed set is not
// touched.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
}

func (g *Graph) removeLocked(id string) {
	for dep := range g.deps[id] {
		delete(g.rev[dep], id)
		if len(g.rev[dep]) == 0 {
			delete(g.rev, dep)
		}
	}
	delete(g.deps, id)
	delete(g.tasks, id)
}

// MarkComplete records id as completed so dependents can become ready.
func (g *Graph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = struct{}{}
}

// SetStatus updates the status of a contained task snapshot. Unknown ids are
// ignored.
func (g *Graph) SetStatus(id string, status task.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok {
		t.Status = status
	}
}

// Snapshot returns a copy of the contained task, or nil when id is not a
// node. Callers use it to restore a node after a failed batch admission.
func (g *Graph) Snapshot(id string) *task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tasks[id].Clone()
}

// Contains reports whether id is currently a node in the graph.
func (g *Graph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.tasks[id]
	return ok
}

// IsCompleted reports whether id is in the completed set.
func (g *Graph) IsCompleted(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.completed[id]
	return ok
}

// Len returns the number of nodes currently in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Ready returns snapshots of every pending or queued task whose declared
// dependencies are all satisfied, sorted by (priority, created_at, id).
func (g *Graph) Ready() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*task.Task
	for id, t := range g.tasks {
		if t.Status != task.StatusPending && t.Status != task.StatusQueued {
			continue
		}
		if g.depsSatisfiedLocked(id) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out
}

// depsSatisfiedLocked applies the edge policy: a dependency is satisfied when
// it is in the completed set, or when it is unknown to the graph entirely
// (externally satisfied). A dependency on a contained, uncompleted node
// blocks.
func (g *Graph) depsSatisfiedLocked(id string) bool {
	for dep := range g.deps[id] {
		if _, done := g.completed[dep]; done {
			continue
		}
		if _, present := g.tasks[dep]; present {
			return false
		}
	}
	return true
}

// Dependents returns the ids of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.rev[id]))
	for dep := range g.rev[id] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// TransitiveDeps returns every dependency reachable from id through nodes
// known to the graph, for explain/diagnostic purposes.
func (g *Graph) TransitiveDeps(id string) map[string]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range g.deps[cur] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			if _, present := g.deps[dep]; present {
				stack = append(stack, dep)
			}
		}
	}
	return seen
}

// TopoSort returns a topological order of all contained tasks using Kahn's
// algorithm; within a layer, tasks order by (priority, created_at, id).
// Returns ErrCycle if the graph is inconsistent, which is unreachable after
// admission checks and serves as an audit.
func (g *Graph) TopoSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// In-degree counts only edges between contained nodes.
	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		n := 0
		for dep := range g.deps[id] {
			if _, present := g.tasks[dep]; present {
				n++
			}
		}
		indegree[id] = n
	}

	var layer []*task.Task
	for id, n := range indegree {
		if n == 0 {
			layer = append(layer, g.tasks[id])
		}
	}

	order := make([]string, 0, len(g.tasks))
	for len(layer) > 0 {
		sortTasks(layer)
		var next []*task.Task
		for _, t := range layer {
			order = append(order, t.ID)
			for dependent := range g.rev[t.ID] {
				if _, present := g.tasks[dependent]; !present {
					continue
				}
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, g.tasks[dependent])
				}
			}
		}
		layer = next
	}

	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort incomplete (%d of %d): %w", len(order), len(g.tasks), ErrCycle)
	}
	return order, nil
}

// hasCycleLocked runs a three-color DFS over contained nodes. Edges to ids
// not present in the graph are skipped.
func (g *Graph) hasCycleLocked() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for dep := range g.deps[id] {
			if _, present := g.tasks[dep]; !present {
				continue
			}
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range g.tasks {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

func sortTasks(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
