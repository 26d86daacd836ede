package compiler

import (
	"errors"
	"reflect"
	"testing"

	"github.com/wavegraph/engine/internal/graph"
)

func audioSourceNode(id uint64, out string) graph.Node {
	return graph.Node{
		ID:             id,
		DescURI:        "test:source",
		Classification: graph.Source,
		Outputs:        []graph.PortDecl{{Name: out, Direction: graph.Out, Type: graph.AudioMono}},
	}
}

func audioSinkNode(id uint64, in string) graph.Node {
	return graph.Node{
		ID:             id,
		DescURI:        "test:sink",
		Classification: graph.Sink,
		Inputs:         []graph.PortDecl{{Name: in, Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono}}},
	}
}

func audioGainNode(id uint64) graph.Node {
	return graph.Node{
		ID:             id,
		DescURI:        "test:gain",
		Classification: graph.Filter,
		Inputs:         []graph.PortDecl{{Name: "in", Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono}}},
		Outputs:        []graph.PortDecl{{Name: "out", Direction: graph.Out, Type: graph.AudioMono}},
	}
}

func controlSourceNode(id uint64, out string) graph.Node {
	return graph.Node{
		ID:             id,
		DescURI:        "test:control-source",
		Classification: graph.Source,
		Outputs:        []graph.PortDecl{{Name: out, Direction: graph.Out, Type: graph.ControlKRate}},
		ExternalQueue:  "control-in",
	}
}

func controlSinkNode(id uint64, in string) graph.Node {
	return graph.Node{
		ID:             id,
		DescURI:        "test:control-sink",
		Classification: graph.Sink,
		Inputs:         []graph.PortDecl{{Name: in, Direction: graph.In, AcceptedTypes: []graph.PortType{graph.ControlKRate}}},
	}
}

func conn(id uint64, srcNode uint64, srcPort string, dstNode uint64, dstPort string, t graph.PortType, seq uint64) graph.Connection {
	return graph.Connection{
		ID:         id,
		Src:        graph.PortRef{NodeID: srcNode, Port: srcPort},
		Dst:        graph.PortRef{NodeID: dstNode, Port: dstPort},
		Type:       t,
		CreatedSeq: seq,
	}
}

func defaultHost() HostParams {
	return HostParams{BlockSize: 128, SampleRate: 48000}
}

// TestCompilePassthroughIsDeterministic models spec.md §8's passthrough
// scenario: one source feeding the sink directly through.
func TestCompilePassthroughIsDeterministic(t *testing.T) {
	snap := Snapshot{
		Nodes:       []graph.Node{audioSourceNode(1, "out"), audioSinkNode(2, "in")},
		Connections: []graph.Connection{conn(1, 1, "out", 2, "in", graph.AudioMono, 1)},
		SinkID:      2,
	}

	p1, err := Compile(snap, defaultHost(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := Compile(snap, defaultHost(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(p1.Opcodes, p2.Opcodes) {
		t.Errorf("Compile is not deterministic: %+v != %+v", p1.Opcodes, p2.Opcodes)
	}
	if !reflect.DeepEqual(p1.Layout.Slots, p2.Layout.Slots) {
		t.Errorf("layouts differ between identical compilations")
	}

	lastOp := p1.Opcodes[len(p1.Opcodes)-1]
	out, ok := lastOp.(OutputOp)
	if !ok {
		t.Fatalf("last opcode = %T, want OutputOp", lastOp)
	}
	if out.Channel != 0 {
		t.Errorf("Channel = %d, want 0", out.Channel)
	}
}

// TestCompileExternalControlQueueEmitsFetchControlOp checks that a node
// declaring a ControlKRate output and an ExternalQueue gets a FETCH_CONTROL
// opcode (not FETCH_BUFFER, which is reserved for Event outputs).
func TestCompileExternalControlQueueEmitsFetchControlOp(t *testing.T) {
	snap := Snapshot{
		Nodes:       []graph.Node{controlSourceNode(1, "out"), controlSinkNode(2, "in")},
		Connections: []graph.Connection{conn(1, 1, "out", 2, "in", graph.ControlKRate, 1)},
		SinkID:      2,
	}

	p, err := Compile(snap, defaultHost(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var found bool
	for _, op := range p.Opcodes {
		fc, ok := op.(FetchControlOp)
		if !ok {
			continue
		}
		found = true
		if fc.Queue != "control-in" {
			t.Errorf("Queue = %q, want %q", fc.Queue, "control-in")
		}
	}
	if !found {
		t.Error("no FetchControlOp emitted for a ControlKRate ExternalQueue node")
	}
}

func TestCompileGenerationIncrementsFromPrevious(t *testing.T) {
	snap := Snapshot{
		Nodes:       []graph.Node{audioSourceNode(1, "out"), audioSinkNode(2, "in")},
		Connections: []graph.Connection{conn(1, 1, "out", 2, "in", graph.AudioMono, 1)},
		SinkID:      2,
	}
	p, err := Compile(snap, defaultHost(), 41)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Generation != 42 {
		t.Errorf("Generation = %d, want 42", p.Generation)
	}
}

// TestCompileFanInMixSumsSources models spec.md §8's fan-in mix scenario:
// two sources feeding one sink input, resolved with a MixOp.
func TestCompileFanInMixSumsSources(t *testing.T) {
	snap := Snapshot{
		Nodes: []graph.Node{audioSourceNode(1, "out"), audioSourceNode(2, "out"), audioSinkNode(3, "in")},
		Connections: []graph.Connection{
			conn(1, 1, "out", 3, "in", graph.AudioMono, 1),
			conn(2, 2, "out", 3, "in", graph.AudioMono, 2),
		},
		SinkID: 3,
	}

	p, err := Compile(snap, defaultHost(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mix *MixOp
	for i := range p.Opcodes {
		if m, ok := p.Opcodes[i].(MixOp); ok {
			mix = &m
		}
	}
	if mix == nil {
		t.Fatalf("no MixOp emitted for fan-in input: %+v", p.Opcodes)
	}
	if len(mix.Srcs) != 2 {
		t.Errorf("Srcs = %v, want 2 sources", mix.Srcs)
	}
}

// TestCompileCycleRejected models spec.md §8's cycle rejection scenario at
// the compile boundary (ConnectPorts already forbids this on the live
// graph; Compile re-validates independently since Snapshot is decoupled).
func TestCompileCycleRejected(t *testing.T) {
	snap := Snapshot{
		Nodes: []graph.Node{audioGainNode(1), audioGainNode(2), audioSinkNode(3, "in")},
		Connections: []graph.Connection{
			conn(1, 1, "out", 2, "in", graph.AudioMono, 1),
			conn(2, 2, "out", 1, "in", graph.AudioMono, 2),
			conn(3, 2, "out", 3, "in", graph.AudioMono, 3),
		},
		SinkID: 3,
	}

	_, err := Compile(snap, defaultHost(), 0)
	if !errors.Is(err, ErrGraphInvalid) {
		t.Errorf("err = %v, want ErrGraphInvalid", err)
	}
}

func TestCompileMissingSinkRejected(t *testing.T) {
	snap := Snapshot{
		Nodes:  []graph.Node{audioSourceNode(1, "out")},
		SinkID: 0,
	}
	_, err := Compile(snap, defaultHost(), 0)
	if !errors.Is(err, ErrGraphInvalid) {
		t.Errorf("err = %v, want ErrGraphInvalid", err)
	}
}

func TestCompileSinkNotInSnapshotRejected(t *testing.T) {
	snap := Snapshot{
		Nodes:  []graph.Node{audioSourceNode(1, "out")},
		SinkID: 99,
	}
	_, err := Compile(snap, defaultHost(), 0)
	if !errors.Is(err, ErrGraphInvalid) {
		t.Errorf("err = %v, want ErrGraphInvalid", err)
	}
}

// TestCompileRejectsTypeConflict exercises a snapshot whose fan-in
// connections disagree on resolved type: constructible only by hand-built
// Connection structs (Graph.ConnectPorts itself would have refused it).
func TestCompileRejectsTypeConflict(t *testing.T) {
	mixer := graph.Node{
		ID:             3,
		DescURI:        "test:mixer",
		Classification: graph.Filter,
		Inputs:         []graph.PortDecl{{Name: "in", Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono, graph.ControlKRate}}},
		Outputs:        []graph.PortDecl{{Name: "out", Direction: graph.Out, Type: graph.AudioMono}},
	}
	snap := Snapshot{
		Nodes: []graph.Node{audioSourceNode(1, "out"), audioSourceNode(2, "out"), mixer, audioSinkNode(4, "in")},
		Connections: []graph.Connection{
			conn(1, 1, "out", 3, "in", graph.AudioMono, 1),
			conn(2, 2, "out", 3, "in", graph.ControlKRate, 2),
			conn(3, 3, "out", 4, "in", graph.AudioMono, 3),
		},
		SinkID: 4,
	}

	_, err := Compile(snap, defaultHost(), 0)
	if !errors.Is(err, ErrTypeConflict) {
		t.Errorf("err = %v, want ErrTypeConflict", err)
	}
}

// TestCompileEveryInputProvablyInitialized checks the testable property that
// every CALL_NODE's inputs are bound to a slot that was either aliased from
// a producer or explicitly cleared/mixed/merged beforehand — never left
// uninitialised.
func TestCompileEveryInputProvablyInitialized(t *testing.T) {
	unconnectedGain := audioGainNode(2)
	snap := Snapshot{
		Nodes:       []graph.Node{audioSourceNode(1, "out"), unconnectedGain, audioSinkNode(3, "in")},
		Connections: []graph.Connection{conn(1, 2, "out", 3, "in", graph.AudioMono, 1)},
		SinkID:      3,
	}

	p, err := Compile(snap, defaultHost(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	initialized := make(map[int]bool)
	for _, op := range p.Opcodes {
		switch o := op.(type) {
		case ClearOp:
			initialized[o.Slot] = true
		case MixOp:
			initialized[o.Dst] = true
		case MergeEventsOp:
			initialized[o.Dst] = true
		case FetchBufferOp:
			initialized[o.Slot] = true
		case FetchControlOp:
			initialized[o.Slot] = true
		case CallNodeOp:
			for _, out := range o.Outputs {
				initialized[out] = true
			}
		}
	}

	for _, op := range p.Opcodes {
		call, ok := op.(CallNodeOp)
		if !ok {
			continue
		}
		for portName, slot := range call.Inputs {
			if !initialized[slot] {
				t.Errorf("node %d input %q (slot %d) used before any producing opcode", call.NodeID, portName, slot)
			}
		}
	}
}

func TestCompileAliasesSingleProducerWithoutOpcode(t *testing.T) {
	snap := Snapshot{
		Nodes:       []graph.Node{audioSourceNode(1, "out"), audioSinkNode(2, "in")},
		Connections: []graph.Connection{conn(1, 1, "out", 2, "in", graph.AudioMono, 1)},
		SinkID:      2,
	}
	p, err := Compile(snap, defaultHost(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srcSlot := p.Symbols[graph.PortRef{NodeID: 1, Port: "out"}]
	dstSlot := p.Symbols[graph.PortRef{NodeID: 2, Port: "in"}]
	if srcSlot != dstSlot {
		t.Errorf("aliased input slot %d != producer slot %d", dstSlot, srcSlot)
	}

	for _, op := range p.Opcodes {
		if c, ok := op.(ClearOp); ok && c.Slot == dstSlot {
			t.Errorf("unexpected ClearOp on an aliased single-producer input")
		}
	}
}
