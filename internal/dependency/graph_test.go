package dependency

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(s ...string) []NodeID {
	out := make([]NodeID, len(s))
	for i, v := range s {
		out[i] = NodeID(v)
	}
	return out
}

func TestTopologicalOrder_Chain(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "A"})
	g.AddNode(Node{ID: "B", DependsOn: ids("A")})
	g.AddNode(Node{ID: "C", DependsOn: ids("B")})

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, ids("A", "B", "C"), order)
}

func TestTopologicalOrder_DependenciesFirst(t *testing.T) {
	g := New()
	// Registered out of order on purpose.
	g.AddNode(Node{ID: "api", DependsOn: ids("db", "cache")})
	g.AddNode(Node{ID: "worker", DependsOn: ids("db")})
	g.AddNode(Node{ID: "db"})
	g.AddNode(Node{ID: "cache", DependsOn: ids("db")})
	g.AddNode(Node{ID: "web", DependsOn: ids("api")})

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 5)

	pos := make(map[NodeID]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range g.Nodes() {
		for _, dep := range g.Get(id).DependsOn {
			assert.Less(t, pos[dep], pos[id], "%s must come after %s", id, dep)
		}
	}
}

func TestTopologicalOrder_TiesFollowInsertionOrder(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "z"})
	g.AddNode(Node{ID: "a"})
	g.AddNode(Node{ID: "m"})

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, ids("z", "a", "m"), order)
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "root"})
	g.AddNode(Node{ID: "a", DependsOn: ids("root", "c")})
	g.AddNode(Node{ID: "b", DependsOn: ids("a")})
	g.AddNode(Node{ID: "c", DependsOn: ids("b")})

	_, err := g.TopologicalOrder()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.ElementsMatch(t, ids("a", "b", "c"), cycleErr.Members)
	assert.NotContains(t, cycleErr.Members, NodeID("root"))
}

func TestTopologicalOrder_SelfLoop(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "loop", DependsOn: ids("loop")})

	_, err := g.TopologicalOrder()
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, ids("loop"), cycleErr.Members)
}

func TestDependents(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "A"})
	g.AddNode(Node{ID: "B", DependsOn: ids("A")})
	g.AddNode(Node{ID: "C", DependsOn: ids("B")})
	g.AddNode(Node{ID: "D", DependsOn: ids("A")})
	g.AddNode(Node{ID: "E"})

	assert.Equal(t, ids("B", "D"), g.Dependents("A"))
	assert.Equal(t, ids("B", "C", "D"), g.TransitiveDependents("A"))
	assert.Empty(t, g.TransitiveDependents("E"))
}

func TestAddNode_ReplaceUpdatesReverseEdges(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "A"})
	g.AddNode(Node{ID: "X"})
	g.AddNode(Node{ID: "B", DependsOn: ids("A")})
	g.AddNode(Node{ID: "B", DependsOn: ids("X")})

	assert.Empty(t, g.Dependents("A"))
	assert.Equal(t, ids("B"), g.Dependents("X"))
	assert.Equal(t, 3, g.Len())
}

func TestMissingDependencies(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "svc", DependsOn: ids("ghost", "real")})
	g.AddNode(Node{ID: "real"})

	assert.Equal(t, ids("ghost"), g.MissingDependencies("svc"))

	g.RemoveNode("real")
	assert.Equal(t, ids("ghost", "real"), g.MissingDependencies("svc"))
}
