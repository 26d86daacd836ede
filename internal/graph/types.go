// Package graph implements the node graph data model: nodes, ports,
// connections, and the mutations that keep the induced directed graph
// acyclic. Every exported mutator assumes the caller already holds the
// control surface's writer lock (see internal/control); Graph itself
// performs no locking of its own.
package graph

import "fmt"

// PortType classifies the kind of signal a port carries.
type PortType int

const (
	AudioMono PortType = iota
	AudioStereo
	ControlKRate
	ControlARate
	Event
)

func (t PortType) String() string {
	switch t {
	case AudioMono:
		return "audio-mono"
	case AudioStereo:
		return "audio-stereo"
	case ControlKRate:
		return "control-krate"
	case ControlARate:
		return "control-arate"
	case Event:
		return "event"
	default:
		return fmt.Sprintf("porttype(%d)", int(t))
	}
}

// Tier ranks port types for preferred-type resolution: audio ports rank
// above arate-control, which ranks above krate-control, which ranks above
// events. Lower tier wins.
func (t PortType) Tier() int {
	switch t {
	case AudioMono, AudioStereo:
		return 0
	case ControlARate:
		return 1
	case ControlKRate:
		return 2
	case Event:
		return 3
	default:
		return 99
	}
}

// AllowsFanIn reports whether an input port of this type may accept more
// than one incoming connection. Control ports reject fan-in; audio sums and
// events merge by sample offset.
func (t PortType) AllowsFanIn() bool {
	switch t {
	case AudioMono, AudioStereo, Event:
		return true
	default:
		return false
	}
}

// Direction is the flow direction of a port.
type Direction int

const (
	In Direction = iota
	Out
)

// Classification is the role a node plays in the graph.
type Classification int

const (
	Source Classification = iota
	Sink
	Filter
	EventSource
	PluginHost
)

func (c Classification) String() string {
	switch c {
	case Source:
		return "source"
	case Sink:
		return "sink"
	case Filter:
		return "filter"
	case EventSource:
		return "event-source"
	case PluginHost:
		return "plugin-host"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// PortDecl is a statically declared port on a node descriptor. AcceptedTypes
// lists every port type the port can carry; connect_ports resolves the
// connection's concrete type as the highest-priority type shared between a
// source port's single Type and a destination port's AcceptedTypes.
type PortDecl struct {
	Name          string
	Direction     Direction
	Type          PortType   // concrete type for an output port, or the producer type a source carries
	AcceptedTypes []PortType // for an input port: every type it can bind to
}

// Accepts reports whether the input port declaration accepts the given type.
func (p PortDecl) Accepts(t PortType) bool {
	if p.Direction == Out {
		return p.Type == t
	}
	for _, at := range p.AcceptedTypes {
		if at == t {
			return true
		}
	}
	return false
}

// ParameterKind is the value kind of a node parameter.
type ParameterKind int

const (
	ParamFloat ParameterKind = iota
	ParamBytes
)

// ParameterDecl declares one parameter a node descriptor exposes. Default
// only applies to ParamFloat parameters; a ParamBytes parameter's initial
// value is always nil bytes.
type ParameterDecl struct {
	Name    string
	Kind    ParameterKind
	Default float64
}

// ParamValue is the value half of a (name, value) parameter write: either a
// float or a byte string, tagged by Kind (spec.md §6 set_parameter). Setting
// a parameter with a Kind that disagrees with its descriptor's declared Kind
// is rejected with ErrTypeMismatch.
type ParamValue struct {
	Kind  ParameterKind
	Float float64
	Bytes []byte
}

// Descriptor is the static, factory-registered definition of a node kind:
// its URI, ports, parameters, latency hint, and classification.
type Descriptor struct {
	URI            string
	Classification Classification
	Inputs         []PortDecl
	Outputs        []PortDecl
	Parameters     []ParameterDecl
	LatencyFrames  int

	// ExternalQueue, if non-empty, names the block-context event queue the
	// compiler should FETCH_BUFFER from before calling this node (e.g. a
	// MIDI source node reading the backend's "midi-in" queue).
	ExternalQueue string
}

// PortRef addresses a single port on a node.
type PortRef struct {
	NodeID uint64
	Port   string
}

func (r PortRef) String() string {
	return fmt.Sprintf("%d:%s", r.NodeID, r.Port)
}

// Connection is a (source port, destination port, resolved type) tuple.
type Connection struct {
	ID  uint64
	Src PortRef
	Dst PortRef
	// CreatedSeq records insertion order so replay to observers (spec.md §4.F,
	// scenario 6) can reproduce the order connections were made.
	CreatedSeq uint64
	Type       PortType
}

// Node is a graph-resident instance of a descriptor: its identity, static
// shape (copied from the descriptor at add_node time), and mutable
// parameter map.
type Node struct {
	ID             uint64
	DescURI        string
	Classification Classification
	Inputs         []PortDecl
	Outputs        []PortDecl
	LatencyFrames  int
	ExternalQueue  string
	Parameters     map[string]ParamValue

	// PortProperties holds instance-level overrides keyed by port name, e.g.
	// a mixer's declared channel routing. Distinct from the static
	// descriptor.
	PortProperties map[string]map[string]any
}

func (n *Node) findPort(name string, dir Direction) (PortDecl, bool) {
	ports := n.Inputs
	if dir == Out {
		ports = n.Outputs
	}
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortDecl{}, false
}
