package nodes

import "github.com/wavegraph/engine/internal/graph"

// gain is a simple linear amplitude scaler: builtin:gain.
type gain struct {
	gain float64
}

// GainDescriptor describes builtin:gain's static shape. The input accepts
// both mono and stereo audio; the compiler binds whichever type the
// upstream producer carries. The node scales channel 0 of its input only
// and writes a mono output, so a stereo input's second channel is dropped.
func GainDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:gain",
		Classification: graph.Filter,
		Inputs: []graph.PortDecl{
			{Name: "in", Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono, graph.AudioStereo}},
		},
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.AudioMono},
		},
		Parameters: []graph.ParameterDecl{
			{Name: "gain", Kind: graph.ParamFloat, Default: 1.0},
		},
	}
}

// NewGain constructs a gain instance.
func NewGain(params map[string]float64) Instance {
	return &gain{gain: paramOr(params, "gain", 1.0)}
}

func (g *gain) Setup(sampleRate, blockSize int) error { return nil }

func (g *gain) ProcessBlock(ctx *BlockContext) error {
	in := ctx.InputChannel("in", 0)
	out := ctx.OutputChannel("out", 0)
	for i := range out {
		out[i] = in[i] * float32(g.gain)
	}
	return nil
}

func (g *gain) SetParameter(name string, value graph.ParamValue) {
	if name == "gain" {
		g.gain = value.Float
	}
}

func (g *gain) Cleanup() {}
