package nodes

import (
	"math"

	"github.com/wavegraph/engine/internal/graph"
)

// oscillator is a free-running sine source: builtin:oscillator.
type oscillator struct {
	freq  float64
	amp   float64
	phase float64
	rate  float64
}

// OscillatorDescriptor describes builtin:oscillator's static shape.
func OscillatorDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:oscillator",
		Classification: graph.Source,
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.AudioMono},
		},
		Parameters: []graph.ParameterDecl{
			{Name: "frequency", Kind: graph.ParamFloat, Default: 440},
			{Name: "amplitude", Kind: graph.ParamFloat, Default: 1.0},
		},
	}
}

// NewOscillator constructs an oscillator instance.
func NewOscillator(params map[string]float64) Instance {
	return &oscillator{
		freq: paramOr(params, "frequency", 440),
		amp:  paramOr(params, "amplitude", 1.0),
	}
}

func (o *oscillator) Setup(sampleRate, blockSize int) error {
	o.rate = float64(sampleRate)
	return nil
}

func (o *oscillator) ProcessBlock(ctx *BlockContext) error {
	out := ctx.OutputChannel("out", 0)
	step := 2 * math.Pi * o.freq / o.rate
	for i := range out {
		out[i] = float32(o.amp * math.Sin(o.phase))
		o.phase += step
		if o.phase > 2*math.Pi {
			o.phase -= 2 * math.Pi
		}
	}
	return nil
}

func (o *oscillator) SetParameter(name string, value graph.ParamValue) {
	switch name {
	case "frequency":
		o.freq = value.Float
	case "amplitude":
		o.amp = value.Float
	}
}

func (o *oscillator) Cleanup() {}
