package nodes

import "github.com/wavegraph/engine/internal/graph"

// controlSource relays an externally pushed control value into the graph:
// builtin:control-source. Its compiler-emitted FETCH_CONTROL opcode
// (spec.md §6 Event format) writes the most recent accepted
// (name, value, generation) triple for its queue into the "out" slot before
// ProcessBlock runs, so ProcessBlock has nothing left to do: the value is
// already sample-and-held in the arena.
type controlSource struct{}

// ControlSourceDescriptor describes builtin:control-source's static shape.
func ControlSourceDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:control-source",
		Classification: graph.Source,
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.ControlKRate},
		},
		ExternalQueue: "control-in",
	}
}

// NewControlSource constructs a control-source instance.
func NewControlSource(params map[string]float64) Instance {
	return &controlSource{}
}

func (c *controlSource) Setup(sampleRate, blockSize int) error { return nil }

func (c *controlSource) ProcessBlock(ctx *BlockContext) error { return nil }

func (c *controlSource) SetParameter(name string, value graph.ParamValue) {}

func (c *controlSource) Cleanup() {}
