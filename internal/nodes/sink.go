package nodes

import "github.com/wavegraph/engine/internal/graph"

// sink is the graph's single mandatory terminal node: builtin:sink. It does
// no processing of its own — the compiler emits OUTPUT opcodes directly from
// each of its input slots (see internal/compiler's emitSinkOutputs) — but it
// still needs an Instance so add_node's factory lookup and CALL_NODE dispatch
// have something to call.
type sink struct{}

// SinkDescriptor describes builtin:sink's static shape: two input channels,
// left and right, both mono audio so a mono patch can also feed it directly.
func SinkDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:sink",
		Classification: graph.Sink,
		Inputs: []graph.PortDecl{
			{Name: "left", Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono}},
			{Name: "right", Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono}},
		},
	}
}

// NewSink constructs a sink instance.
func NewSink(params map[string]float64) Instance { return &sink{} }

func (sink) Setup(sampleRate, blockSize int) error       { return nil }
func (sink) ProcessBlock(ctx *BlockContext) error        { return nil }
func (sink) SetParameter(name string, value graph.ParamValue) {}
func (sink) Cleanup()                                    {}
