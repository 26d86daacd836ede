package graph

import "fmt"

// Graph holds a set of nodes and a set of connections between their ports,
// plus at most one distinguished sink node. It is not safe for concurrent
// use; callers serialize mutations under a writer lock (internal/control)
// and take snapshots under a reader lock.
type Graph struct {
	nodes  map[uint64]*Node
	order  []uint64 // insertion order, gives deterministic topological tie-break
	conns  []*Connection
	nextNd uint64
	nextCn uint64
	nextSq uint64
	sinkID uint64 // 0 means no sink yet
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[uint64]*Node)}
}

// AddNode inserts a node built from desc with the given initial float
// parameter overrides (missing entries fall back to the descriptor's
// declared defaults) and returns its assigned id. params can only seed
// ParamFloat-kind parameters; a ParamBytes parameter always starts out nil
// and must be set afterward through SetParameter.
func (g *Graph) AddNode(desc Descriptor, params map[string]float64) (uint64, error) {
	if desc.Classification == Sink && g.sinkID != 0 {
		return 0, fmt.Errorf("%w: node %d", ErrSinkExists, g.sinkID)
	}

	g.nextNd++
	id := g.nextNd

	merged := make(map[string]ParamValue, len(desc.Parameters))
	for _, p := range desc.Parameters {
		if p.Kind == ParamBytes {
			merged[p.Name] = ParamValue{Kind: ParamBytes}
			continue
		}
		v := p.Default
		if override, ok := params[p.Name]; ok {
			v = override
		}
		merged[p.Name] = ParamValue{Kind: ParamFloat, Float: v}
	}

	n := &Node{
		ID:             id,
		DescURI:        desc.URI,
		Classification: desc.Classification,
		Inputs:         append([]PortDecl(nil), desc.Inputs...),
		Outputs:        append([]PortDecl(nil), desc.Outputs...),
		LatencyFrames:  desc.LatencyFrames,
		ExternalQueue:  desc.ExternalQueue,
		Parameters:     merged,
		PortProperties: make(map[string]map[string]any),
	}

	g.nodes[id] = n
	g.order = append(g.order, id)
	if desc.Classification == Sink {
		g.sinkID = id
	}
	return id, nil
}

// RemoveNode deletes a node and every connection touching it. The sink node
// cannot be removed while it is the graph's only sink.
func (g *Graph) RemoveNode(id uint64) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if n.Classification == Sink {
		return fmt.Errorf("%w: node %d is the sink", ErrNodeBusy, id)
	}

	kept := g.conns[:0]
	for _, c := range g.conns {
		if c.Src.NodeID == id || c.Dst.NodeID == id {
			continue
		}
		kept = append(kept, c)
	}
	g.conns = kept

	delete(g.nodes, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return nil
}

// FindNode returns the node with the given id, or false if it does not exist.
func (g *Graph) FindNode(id uint64) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// resolveType picks the preferred shared type between a source port's single
// type and a destination port's accepted types, per the priority order
// audio > arate-control > krate-control > events.
func resolveType(src PortDecl, dst PortDecl) (PortType, bool) {
	if !dst.Accepts(src.Type) {
		return 0, false
	}
	best := src.Type
	bestTier := src.Type.Tier()
	for _, t := range dst.AcceptedTypes {
		if t == src.Type && t.Tier() < bestTier {
			best = t
			bestTier = t.Tier()
		}
	}
	return best, true
}

// wouldCreateCycle reports whether adding an edge src->dst would make dst
// reachable from src through existing connections (i.e. create a cycle).
func (g *Graph) wouldCreateCycle(srcNode, dstNode uint64) bool {
	if srcNode == dstNode {
		return true
	}
	visited := make(map[uint64]bool)
	var stack []uint64
	stack = append(stack, dstNode)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == srcNode {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, c := range g.conns {
			if c.Src.NodeID == cur {
				stack = append(stack, c.Dst.NodeID)
			}
		}
	}
	return false
}

// ConnectPorts creates a connection from an output port to an input port.
// It fails with ErrInvalidConnection when directions mismatch, types are
// incompatible, fan-in is attempted on a type that forbids it, or the
// connection would create a cycle; with ErrUnknownNode/ErrUnknownPort when
// either endpoint does not exist.
func (g *Graph) ConnectPorts(srcID uint64, srcPort string, dstID uint64, dstPort string) (*Connection, error) {
	src, ok := g.nodes[srcID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, srcID)
	}
	dst, ok := g.nodes[dstID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, dstID)
	}

	srcDecl, ok := src.findPort(srcPort, Out)
	if !ok {
		return nil, fmt.Errorf("%w: %d:%s", ErrUnknownPort, srcID, srcPort)
	}
	dstDecl, ok := dst.findPort(dstPort, In)
	if !ok {
		return nil, fmt.Errorf("%w: %d:%s", ErrUnknownPort, dstID, dstPort)
	}

	resolved, ok := resolveType(srcDecl, dstDecl)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot feed %s", ErrInvalidConnection, srcDecl.Type, dstDecl.Type)
	}

	existing := g.incomingTo(dstID, dstPort)
	if len(existing) > 0 {
		if !resolved.AllowsFanIn() {
			return nil, fmt.Errorf("%w: %s:%s does not allow fan-in", ErrInvalidConnection, dst.DescURI, dstPort)
		}
		for _, c := range existing {
			if c.Type != resolved {
				return nil, fmt.Errorf("%w: conflicting types %s and %s on %d:%s", ErrInvalidConnection, c.Type, resolved, dstID, dstPort)
			}
		}
	}

	if g.wouldCreateCycle(srcID, dstID) {
		return nil, fmt.Errorf("%w: would create a cycle", ErrInvalidConnection)
	}

	g.nextCn++
	g.nextSq++
	c := &Connection{
		ID:         g.nextCn,
		Src:        PortRef{NodeID: srcID, Port: srcPort},
		Dst:        PortRef{NodeID: dstID, Port: dstPort},
		Type:       resolved,
		CreatedSeq: g.nextSq,
	}
	g.conns = append(g.conns, c)
	return c, nil
}

// DisconnectPorts removes the connection matching the given endpoints.
func (g *Graph) DisconnectPorts(srcID uint64, srcPort string, dstID uint64, dstPort string) error {
	for i, c := range g.conns {
		if c.Src.NodeID == srcID && c.Src.Port == srcPort && c.Dst.NodeID == dstID && c.Dst.Port == dstPort {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d:%s -> %d:%s", ErrUnknownConnection, srcID, srcPort, dstID, dstPort)
}

// SetParameter sets a node's parameter to value under graph bookkeeping.
// It fails with ErrUnknownNode or ErrUnknownParameter, or ErrTypeMismatch if
// value.Kind disagrees with the parameter's declared kind. The realtime
// parameter-change path that the audio thread actually observes runs
// through the per-node queue in internal/vm (see internal/control); this
// method keeps the graph snapshot (and dump()) consistent with the last
// value.
func (g *Graph) SetParameter(nodeID uint64, name string, value ParamValue) error {
	n, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	current, declared := n.Parameters[name]
	if !declared {
		return fmt.Errorf("%w: %s on node %d", ErrUnknownParameter, name, nodeID)
	}
	if current.Kind != value.Kind {
		return fmt.Errorf("%w: %s on node %d", ErrTypeMismatch, name, nodeID)
	}
	n.Parameters[name] = value
	return nil
}

// SetPortProperty sets an instance-level property on a port (e.g. channel
// routing hints) distinct from its static descriptor.
func (g *Graph) SetPortProperty(nodeID uint64, portName string, key string, value any) error {
	n, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	if _, ok := n.findPort(portName, In); !ok {
		if _, ok := n.findPort(portName, Out); !ok {
			return fmt.Errorf("%w: %d:%s", ErrUnknownPort, nodeID, portName)
		}
	}
	props := n.PortProperties[portName]
	if props == nil {
		props = make(map[string]any)
		n.PortProperties[portName] = props
	}
	props[key] = value
	return nil
}

// IterNodes returns a defensive copy of every node, in insertion order, so a
// caller holding only a reader-lock snapshot cannot observe a subsequent
// writer mutation.
func (g *Graph) IterNodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		cp := *n
		cp.Inputs = append([]PortDecl(nil), n.Inputs...)
		cp.Outputs = append([]PortDecl(nil), n.Outputs...)
		cp.Parameters = make(map[string]ParamValue, len(n.Parameters))
		for k, v := range n.Parameters {
			cp.Parameters[k] = v
		}
		cp.PortProperties = make(map[string]map[string]any, len(n.PortProperties))
		for port, props := range n.PortProperties {
			pp := make(map[string]any, len(props))
			for k, v := range props {
				pp[k] = v
			}
			cp.PortProperties[port] = pp
		}
		out = append(out, cp)
	}
	return out
}

// IterConnections returns a defensive copy of every connection, ordered by
// creation sequence.
func (g *Graph) IterConnections() []Connection {
	out := make([]Connection, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, *c)
	}
	return out
}

// SinkID returns the id of the graph's sink node, or 0 if none has been added.
func (g *Graph) SinkID() uint64 {
	return g.sinkID
}

func (g *Graph) incomingTo(nodeID uint64, port string) []*Connection {
	var out []*Connection
	for _, c := range g.conns {
		if c.Dst.NodeID == nodeID && c.Dst.Port == port {
			out = append(out, c)
		}
	}
	return out
}
