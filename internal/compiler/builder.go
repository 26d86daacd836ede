package compiler

import (
	"github.com/wavegraph/engine/internal/arena"
	"github.com/wavegraph/engine/internal/graph"
)

type inputOp int

const (
	bindAlias inputOp = iota
	bindZero
	bindMix
	bindMerge
	bindNone
)

type inputBinding struct {
	slot int
	op   inputOp
	srcs []int
}

// builder accumulates a Program's slots, symbol table, and opcode stream
// while Compile walks a Snapshot in topological order.
type builder struct {
	host     HostParams
	nodeByID map[uint64]*graph.Node
	incoming map[graph.PortRef][]graph.Connection

	slots    []arena.SlotDesc
	symbols  map[graph.PortRef]int
	bindings map[graph.PortRef]inputBinding
	ops      []Op
}

func (b *builder) allocateSlotForType(t graph.PortType) int {
	channels := 1
	if t == graph.AudioStereo {
		channels = 2
	}
	length := b.host.BlockSize
	switch t {
	case graph.ControlKRate:
		length = 1
	case graph.Event:
		length = eventQueueCapacity
	}
	b.slots = append(b.slots, arena.SlotDesc{Type: t, Channels: channels, Length: length})
	return len(b.slots) - 1
}

func (b *builder) allocateOutput(nodeID uint64, port graph.PortDecl) {
	ref := graph.PortRef{NodeID: nodeID, Port: port.Name}
	slot := b.allocateSlotForType(port.Type)
	b.symbols[ref] = slot
}

func bestAcceptedType(port graph.PortDecl) graph.PortType {
	if len(port.AcceptedTypes) == 0 {
		return graph.AudioMono
	}
	best := port.AcceptedTypes[0]
	for _, t := range port.AcceptedTypes[1:] {
		if t.Tier() < best.Tier() {
			best = t
		}
	}
	return best
}

func (b *builder) resolveInput(nodeID uint64, port graph.PortDecl) error {
	if b.bindings == nil {
		b.bindings = make(map[graph.PortRef]inputBinding)
	}
	ref := graph.PortRef{NodeID: nodeID, Port: port.Name}
	conns := b.incoming[ref]

	switch len(conns) {
	case 0:
		t := bestAcceptedType(port)
		slot := b.allocateSlotForType(t)
		b.symbols[ref] = slot
		op := bindZero
		if t == graph.Event {
			op = bindNone
		}
		b.bindings[ref] = inputBinding{slot: slot, op: op}

	case 1:
		srcSlot := b.symbols[conns[0].Src]
		b.symbols[ref] = srcSlot
		b.bindings[ref] = inputBinding{slot: srcSlot, op: bindAlias}

	default:
		srcs := make([]int, 0, len(conns))
		for _, c := range conns {
			srcs = append(srcs, b.symbols[c.Src])
		}
		t := conns[0].Type
		slot := b.allocateSlotForType(t)
		b.symbols[ref] = slot
		op := bindMix
		if t == graph.Event {
			op = bindMerge
		}
		b.bindings[ref] = inputBinding{slot: slot, op: op, srcs: srcs}
	}
	return nil
}

// emitNode emits the FETCH_BUFFER/FETCH_CONTROL/CLEAR/MIX opcodes a node's
// inputs need, followed by its CALL_NODE.
func (b *builder) emitNode(n *graph.Node) {
	if n.ExternalQueue != "" {
		for _, out := range n.Outputs {
			slot := b.symbols[graph.PortRef{NodeID: n.ID, Port: out.Name}]
			switch out.Type {
			case graph.Event:
				b.ops = append(b.ops, FetchBufferOp{Queue: n.ExternalQueue, Slot: slot})
			case graph.ControlKRate, graph.ControlARate:
				b.ops = append(b.ops, FetchControlOp{Queue: n.ExternalQueue, Slot: slot})
			default:
				continue
			}
			break
		}
	}

	inputs := make(map[string]int, len(n.Inputs))
	for _, in := range n.Inputs {
		ref := graph.PortRef{NodeID: n.ID, Port: in.Name}
		bind := b.bindings[ref]
		inputs[in.Name] = bind.slot
		switch bind.op {
		case bindZero:
			b.ops = append(b.ops, ClearOp{Slot: bind.slot})
		case bindMix:
			b.ops = append(b.ops, MixOp{Dst: bind.slot, Srcs: bind.srcs})
		case bindMerge:
			b.ops = append(b.ops, MergeEventsOp{Dst: bind.slot, Srcs: bind.srcs})
		}
	}

	outputs := make(map[string]int, len(n.Outputs))
	for _, out := range n.Outputs {
		outputs[out.Name] = b.symbols[graph.PortRef{NodeID: n.ID, Port: out.Name}]
	}

	b.ops = append(b.ops, CallNodeOp{NodeID: n.ID, Inputs: inputs, Outputs: outputs})
}

// emitSinkOutputs emits one OUTPUT opcode per sink input port, in the
// order the sink descriptor declares them (channel 0 = first declared port).
func (b *builder) emitSinkOutputs(sink *graph.Node) {
	for i, in := range sink.Inputs {
		ref := graph.PortRef{NodeID: sink.ID, Port: in.Name}
		b.ops = append(b.ops, OutputOp{Channel: i, Slot: b.symbols[ref]})
	}
}
