// Package compiler turns a graph snapshot into an immutable Program: a
// topologically ordered opcode stream over a fixed buffer Layout. Compile is
// a pure function of its inputs so recompiling an unchanged snapshot always
// yields a byte-for-byte-equal opcode stream (spec.md §4.C, §8).
package compiler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wavegraph/engine/internal/arena"
	"github.com/wavegraph/engine/internal/graph"
)

// Caller/fatal errors, per spec.md §7.
var (
	ErrGraphInvalid = errors.New("graph invalid")
	ErrTypeConflict = errors.New("conflicting port types")
)

// HostParams are the host-supplied parameters a compilation is performed
// against.
type HostParams struct {
	BlockSize  int
	SampleRate int
}

// Snapshot is the read-only view of a graph a compilation runs against. Use
// FromGraph to build one under a reader lock.
type Snapshot struct {
	Nodes       []graph.Node
	Connections []graph.Connection
	SinkID      uint64
}

// FromGraph takes a defensive-copy snapshot of g, suitable for compiling
// outside of any lock once captured.
func FromGraph(g *graph.Graph) Snapshot {
	return Snapshot{
		Nodes:       g.IterNodes(),
		Connections: g.IterConnections(),
		SinkID:      g.SinkID(),
	}
}

// Program is an immutable, compiled representation of a graph: an ordered
// opcode list, the buffer layout it runs against, a symbol table mapping
// (node, port) to buffer slot, and a monotonically increasing generation.
type Program struct {
	Generation uint64
	Opcodes    []Op
	Layout     *arena.Layout
	Symbols    map[graph.PortRef]int
	SinkID     uint64
}

const eventQueueCapacity = 256

// Compile validates snap, orders its nodes topologically, resolves port
// bindings to buffer slots, and emits the opcode stream that implements it.
// prevGeneration is the generation of the program being replaced (0 if
// none); the result's Generation is prevGeneration+1.
func Compile(snap Snapshot, host HostParams, prevGeneration uint64) (*Program, error) {
	if snap.SinkID == 0 {
		return nil, fmt.Errorf("%w: no sink node", ErrGraphInvalid)
	}
	nodeByID := make(map[uint64]*graph.Node, len(snap.Nodes))
	for i := range snap.Nodes {
		nodeByID[snap.Nodes[i].ID] = &snap.Nodes[i]
	}
	if _, ok := nodeByID[snap.SinkID]; !ok {
		return nil, fmt.Errorf("%w: sink node %d not present", ErrGraphInvalid, snap.SinkID)
	}

	order, err := topoSort(snap)
	if err != nil {
		return nil, err
	}

	incoming := incomingByDst(snap.Connections)
	if err := checkTypeConflicts(incoming); err != nil {
		return nil, err
	}

	b := &builder{
		host:     host,
		nodeByID: nodeByID,
		incoming: incoming,
		symbols:  make(map[graph.PortRef]int),
	}

	// Allocate one output buffer per producer port, in topological order so
	// buffer indices are a deterministic function of the snapshot.
	for _, id := range order {
		n := nodeByID[id]
		for _, out := range n.Outputs {
			b.allocateOutput(n.ID, out)
		}
	}

	// Resolve every input binding (alias / zeroed-private / fan-in) now that
	// every producer has a slot.
	for _, id := range order {
		n := nodeByID[id]
		for _, in := range n.Inputs {
			if err := b.resolveInput(n.ID, in); err != nil {
				return nil, err
			}
		}
	}

	for _, id := range order {
		n := nodeByID[id]
		b.emitNode(n)
	}

	b.emitSinkOutputs(nodeByID[snap.SinkID])

	return &Program{
		Generation: prevGeneration + 1,
		Opcodes:    b.ops,
		Layout:     arena.NewLayout(b.slots),
		Symbols:    b.symbols,
		SinkID:     snap.SinkID,
	}, nil
}

// topoSort computes a Kahn ordering of snap's nodes, breaking ties by node
// id so compilation is deterministic. Leftover unordered nodes indicate a
// cycle, which ConnectPorts should already prevent — Compile re-checks
// independently since its Snapshot input is decoupled from the live graph.
func topoSort(snap Snapshot) ([]uint64, error) {
	indegree := make(map[uint64]int, len(snap.Nodes))
	adj := make(map[uint64][]uint64)
	for _, n := range snap.Nodes {
		indegree[n.ID] = 0
	}
	for _, c := range snap.Connections {
		indegree[c.Dst.NodeID]++
		adj[c.Src.NodeID] = append(adj[c.Src.NodeID], c.Dst.NodeID)
	}

	var ready []uint64
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var order []uint64
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := append([]uint64(nil), adj[id]...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, to := range next {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	if len(order) != len(snap.Nodes) {
		return nil, fmt.Errorf("%w: cycle detected among %d unresolved node(s)", ErrGraphInvalid, len(snap.Nodes)-len(order))
	}
	return order, nil
}

func incomingByDst(conns []graph.Connection) map[graph.PortRef][]graph.Connection {
	m := make(map[graph.PortRef][]graph.Connection)
	for _, c := range conns {
		m[c.Dst] = append(m[c.Dst], c)
	}
	for k := range m {
		sort.Slice(m[k], func(i, j int) bool { return m[k][i].CreatedSeq < m[k][j].CreatedSeq })
	}
	return m
}

func checkTypeConflicts(incoming map[graph.PortRef][]graph.Connection) error {
	for dst, conns := range incoming {
		if len(conns) < 2 {
			continue
		}
		want := conns[0].Type
		for _, c := range conns[1:] {
			if c.Type != want {
				return fmt.Errorf("%w: %s receives both %s and %s", ErrTypeConflict, dst, want, c.Type)
			}
		}
	}
	return nil
}
