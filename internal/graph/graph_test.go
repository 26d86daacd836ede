package graph

import (
	"errors"
	"testing"
)

func sourceDesc() Descriptor {
	return Descriptor{
		URI:            "test:source",
		Classification: Source,
		Outputs: []PortDecl{
			{Name: "out", Direction: Out, Type: AudioMono},
		},
	}
}

func sinkDesc() Descriptor {
	return Descriptor{
		URI:            "test:sink",
		Classification: Sink,
		Inputs: []PortDecl{
			{Name: "in", Direction: In, AcceptedTypes: []PortType{AudioMono}},
		},
	}
}

func gainDesc() Descriptor {
	return Descriptor{
		URI:            "test:gain",
		Classification: Filter,
		Inputs: []PortDecl{
			{Name: "in", Direction: In, AcceptedTypes: []PortType{AudioMono}},
		},
		Outputs: []PortDecl{
			{Name: "out", Direction: Out, Type: AudioMono},
		},
		Parameters: []ParameterDecl{
			{Name: "gain", Kind: ParamFloat, Default: 1.0},
		},
	}
}

func TestAddNodeAssignsMonotonicIDs(t *testing.T) {
	g := New()
	id1, err := g.AddNode(sourceDesc(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := g.AddNode(sourceDesc(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 == 0 || id2 == 0 || id1 == id2 {
		t.Errorf("ids not distinct/monotonic: %d, %d", id1, id2)
	}
}

func TestAddNodeRejectsSecondSink(t *testing.T) {
	g := New()
	if _, err := g.AddNode(sinkDesc(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.AddNode(sinkDesc(), nil); !errors.Is(err, ErrSinkExists) {
		t.Errorf("err = %v, want ErrSinkExists", err)
	}
}

func TestConnectPortsPassthrough(t *testing.T) {
	g := New()
	s, _ := g.AddNode(sourceDesc(), nil)
	k, _ := g.AddNode(sinkDesc(), nil)

	c, err := g.ConnectPorts(s, "out", k, "in")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Type != AudioMono {
		t.Errorf("Type = %v, want AudioMono", c.Type)
	}
}

func TestConnectPortsRejectsCycle(t *testing.T) {
	g := New()
	a, _ := g.AddNode(gainDesc(), nil)
	b, _ := g.AddNode(gainDesc(), nil)

	if _, err := g.ConnectPorts(a, "out", b, "in"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := g.ConnectPorts(b, "out", a, "in")
	if !errors.Is(err, ErrInvalidConnection) {
		t.Fatalf("err = %v, want ErrInvalidConnection", err)
	}
	if len(g.IterConnections()) != 1 {
		t.Errorf("graph mutated after rejected connection: %d connections", len(g.IterConnections()))
	}
}

func TestConnectPortsRejectsUnknownPort(t *testing.T) {
	g := New()
	s, _ := g.AddNode(sourceDesc(), nil)
	k, _ := g.AddNode(sinkDesc(), nil)

	if _, err := g.ConnectPorts(s, "nope", k, "in"); !errors.Is(err, ErrUnknownPort) {
		t.Errorf("err = %v, want ErrUnknownPort", err)
	}
}

func TestConnectPortsAllowsFanInOnAudio(t *testing.T) {
	g := New()
	s1, _ := g.AddNode(sourceDesc(), nil)
	s2, _ := g.AddNode(sourceDesc(), nil)
	k, _ := g.AddNode(sinkDesc(), nil)

	if _, err := g.ConnectPorts(s1, "out", k, "in"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.ConnectPorts(s2, "out", k, "in"); err != nil {
		t.Fatalf("unexpected error on fan-in: %v", err)
	}
	if len(g.IterConnections()) != 2 {
		t.Errorf("len(connections) = %d, want 2", len(g.IterConnections()))
	}
}

func TestConnectPortsRejectsFanInOnControl(t *testing.T) {
	ctrlSrcDesc := Descriptor{
		URI:            "test:ctrl-source",
		Classification: Source,
		Outputs:        []PortDecl{{Name: "out", Direction: Out, Type: ControlKRate}},
	}
	filt := Descriptor{
		URI:            "test:ctrl-sink",
		Classification: Filter,
		Inputs:         []PortDecl{{Name: "in", Direction: In, AcceptedTypes: []PortType{ControlKRate}}},
	}

	g2 := New()
	c1, _ := g2.AddNode(ctrlSrcDesc, nil)
	c2, _ := g2.AddNode(ctrlSrcDesc, nil)
	f, _ := g2.AddNode(filt, nil)

	if _, err := g2.ConnectPorts(c1, "out", f, "in"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g2.ConnectPorts(c2, "out", f, "in"); !errors.Is(err, ErrInvalidConnection) {
		t.Errorf("err = %v, want ErrInvalidConnection for control fan-in", err)
	}
}

func TestDisconnectPortsRemovesConnection(t *testing.T) {
	g := New()
	s, _ := g.AddNode(sourceDesc(), nil)
	k, _ := g.AddNode(sinkDesc(), nil)
	g.ConnectPorts(s, "out", k, "in")

	if err := g.DisconnectPorts(s, "out", k, "in"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.IterConnections()) != 0 {
		t.Errorf("connection not removed")
	}
	if err := g.DisconnectPorts(s, "out", k, "in"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("err = %v, want ErrUnknownConnection on second disconnect", err)
	}
}

func TestRemoveNodeProtectsSink(t *testing.T) {
	g := New()
	k, _ := g.AddNode(sinkDesc(), nil)
	if err := g.RemoveNode(k); !errors.Is(err, ErrNodeBusy) {
		t.Errorf("err = %v, want ErrNodeBusy", err)
	}
}

func TestRemoveNodeDropsConnections(t *testing.T) {
	g := New()
	s, _ := g.AddNode(sourceDesc(), nil)
	k, _ := g.AddNode(sinkDesc(), nil)
	g.ConnectPorts(s, "out", k, "in")

	if err := g.RemoveNode(s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.IterConnections()) != 0 {
		t.Errorf("dangling connection survived node removal")
	}
	if _, ok := g.FindNode(s); ok {
		t.Errorf("removed node still findable")
	}
}

func floatParam(v float64) ParamValue { return ParamValue{Kind: ParamFloat, Float: v} }

func TestSetParameterCoalescesLatestValue(t *testing.T) {
	g := New()
	n, _ := g.AddNode(gainDesc(), nil)

	if err := g.SetParameter(n, "gain", floatParam(0.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.SetParameter(n, "gain", floatParam(0.0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	node, _ := g.FindNode(n)
	if node.Parameters["gain"].Float != 0.0 {
		t.Errorf("gain = %v, want 0.0 (latest write wins)", node.Parameters["gain"].Float)
	}
}

func TestSetParameterRejectsUnknownParameter(t *testing.T) {
	g := New()
	n, _ := g.AddNode(gainDesc(), nil)
	if err := g.SetParameter(n, "frobnicate", floatParam(1.0)); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("err = %v, want ErrUnknownParameter", err)
	}
}

func TestSetParameterRejectsKindMismatch(t *testing.T) {
	g := New()
	n, _ := g.AddNode(gainDesc(), nil)
	if err := g.SetParameter(n, "gain", ParamValue{Kind: ParamBytes, Bytes: []byte("x")}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("err = %v, want ErrTypeMismatch", err)
	}
}

func TestIterNodesReturnsDefensiveCopies(t *testing.T) {
	g := New()
	n, _ := g.AddNode(gainDesc(), nil)

	snapshot := g.IterNodes()
	g.SetParameter(n, "gain", floatParam(0.0))

	if snapshot[0].Parameters["gain"].Float != 1.0 {
		t.Errorf("snapshot observed later mutation: gain = %v", snapshot[0].Parameters["gain"].Float)
	}
}

func TestReplayOrderMatchesCreationOrder(t *testing.T) {
	// Builds the 5-node/6-connection graph from the observer-replay scenario
	// (spec.md §8 scenario 6) and checks that nodes and connections iterate
	// in the order they were created.
	g := New()
	var nodeIDs []uint64
	for i := 0; i < 5; i++ {
		id, _ := g.AddNode(gainDesc(), nil)
		nodeIDs = append(nodeIDs, id)
	}

	type pair struct{ from, to int }
	wiring := []pair{{0, 1}, {0, 2}, {1, 3}, {2, 3}, {1, 4}, {3, 4}}
	for _, w := range wiring {
		if _, err := g.ConnectPorts(nodeIDs[w.from], "out", nodeIDs[w.to], "in"); err != nil {
			t.Fatalf("unexpected error wiring %v: %v", w, err)
		}
	}

	nodes := g.IterNodes()
	if len(nodes) != 5 {
		t.Fatalf("len(nodes) = %d, want 5", len(nodes))
	}
	for i, n := range nodes {
		if n.ID != nodeIDs[i] {
			t.Errorf("nodes[%d].ID = %d, want %d (creation order)", i, n.ID, nodeIDs[i])
		}
	}

	conns := g.IterConnections()
	if len(conns) != 6 {
		t.Fatalf("len(conns) = %d, want 6", len(conns))
	}
	for i, c := range conns {
		if c.CreatedSeq != uint64(i+1) {
			t.Errorf("conns[%d].CreatedSeq = %d, want %d", i, c.CreatedSeq, i+1)
		}
	}
}
