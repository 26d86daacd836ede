package nodes

import (
	"math"

	"github.com/wavegraph/engine/internal/graph"
)

// delay is a simple feedback delay line, standing in for a hosted plugin
// processor: builtin:plugin-host.delay.
type delay struct {
	buf      []float32
	pos      int
	feedback float64
	mix      float64
	rate     int
	seconds  float64
}

// DelayDescriptor describes builtin:plugin-host.delay's static shape.
func DelayDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:plugin-host.delay",
		Classification: graph.PluginHost,
		Inputs: []graph.PortDecl{
			{Name: "in", Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono}},
		},
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.AudioMono},
		},
		Parameters: []graph.ParameterDecl{
			{Name: "time_seconds", Kind: graph.ParamFloat, Default: 0.25},
			{Name: "feedback", Kind: graph.ParamFloat, Default: 0.3},
			{Name: "mix", Kind: graph.ParamFloat, Default: 0.5},
		},
		LatencyFrames: 0,
	}
}

// NewDelay constructs a delay instance.
func NewDelay(params map[string]float64) Instance {
	return &delay{
		feedback: paramOr(params, "feedback", 0.3),
		mix:      paramOr(params, "mix", 0.5),
		seconds:  paramOr(params, "time_seconds", 0.25),
	}
}

func (d *delay) Setup(sampleRate, blockSize int) error {
	d.rate = sampleRate
	d.buf = make([]float32, int(d.seconds*float64(sampleRate))+1)
	return nil
}

func (d *delay) ProcessBlock(ctx *BlockContext) error {
	in := ctx.InputChannel("in", 0)
	out := ctx.OutputChannel("out", 0)
	if len(d.buf) == 0 {
		copy(out, in)
		return nil
	}
	for i := range out {
		tapped := d.buf[d.pos]
		wet := in[i] + tapped*float32(d.feedback)
		d.buf[d.pos] = wet
		d.pos = (d.pos + 1) % len(d.buf)
		out[i] = in[i]*float32(1-d.mix) + tapped*float32(d.mix)
	}
	return nil
}

func (d *delay) SetParameter(name string, value graph.ParamValue) {
	switch name {
	case "feedback":
		d.feedback = value.Float
	case "mix":
		d.mix = value.Float
	}
}

func (d *delay) Cleanup() {}

// softClip is a tanh-based saturation stage, the other plugin-host stand-in.
type softClip struct {
	drive float64
}

// SoftClipDescriptor describes builtin:plugin-host.soft-clip's static shape.
func SoftClipDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:plugin-host.soft-clip",
		Classification: graph.PluginHost,
		Inputs: []graph.PortDecl{
			{Name: "in", Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono}},
		},
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.AudioMono},
		},
		Parameters: []graph.ParameterDecl{
			{Name: "drive", Kind: graph.ParamFloat, Default: 1.0},
		},
	}
}

// NewSoftClip constructs a soft-clip instance.
func NewSoftClip(params map[string]float64) Instance {
	return &softClip{drive: paramOr(params, "drive", 1.0)}
}

func (s *softClip) Setup(sampleRate, blockSize int) error { return nil }

func (s *softClip) ProcessBlock(ctx *BlockContext) error {
	in := ctx.InputChannel("in", 0)
	out := ctx.OutputChannel("out", 0)
	for i := range out {
		out[i] = float32(math.Tanh(float64(in[i]) * s.drive))
	}
	return nil
}

func (s *softClip) SetParameter(name string, value graph.ParamValue) {
	if name == "drive" {
		s.drive = value.Float
	}
}

func (s *softClip) Cleanup() {}
