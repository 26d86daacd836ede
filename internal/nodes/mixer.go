package nodes

import (
	"fmt"

	"github.com/wavegraph/engine/internal/graph"
)

// mixerInputCount is the fixed fan-in width of builtin:mixer. The compiler's
// own MIX opcode already handles unlimited fan-in on a single port (spec.md
// §4.C); this node exists for the case a patch wants independent per-input
// gain instead of an equal-weight sum.
const mixerInputCount = 4

// mixer sums up to mixerInputCount independently gained inputs: builtin:mixer.
type mixer struct {
	gains [mixerInputCount]float64
	// muted is a bitmask, bit i set means input i+1 is excluded from the
	// sum. Driven by the "mute_mask" ParamBytes parameter (spec.md §6
	// set_parameter bytes form): byte 0, bit i.
	muted byte
}

// MixerDescriptor describes builtin:mixer's static shape.
func MixerDescriptor() graph.Descriptor {
	inputs := make([]graph.PortDecl, mixerInputCount)
	params := make([]graph.ParameterDecl, mixerInputCount, mixerInputCount+1)
	for i := 0; i < mixerInputCount; i++ {
		name := fmt.Sprintf("in%d", i+1)
		inputs[i] = graph.PortDecl{Name: name, Direction: graph.In, AcceptedTypes: []graph.PortType{graph.AudioMono}}
		params[i] = graph.ParameterDecl{Name: fmt.Sprintf("gain%d", i+1), Kind: graph.ParamFloat, Default: 1.0}
	}
	params = append(params, graph.ParameterDecl{Name: "mute_mask", Kind: graph.ParamBytes})
	return graph.Descriptor{
		URI:            "builtin:mixer",
		Classification: graph.Filter,
		Inputs:         inputs,
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.AudioMono},
		},
		Parameters: params,
	}
}

// NewMixer constructs a mixer instance.
func NewMixer(params map[string]float64) Instance {
	m := &mixer{}
	for i := range m.gains {
		m.gains[i] = paramOr(params, fmt.Sprintf("gain%d", i+1), 1.0)
	}
	return m
}

func (m *mixer) Setup(sampleRate, blockSize int) error { return nil }

func (m *mixer) ProcessBlock(ctx *BlockContext) error {
	out := ctx.OutputChannel("out", 0)
	for i := range out {
		out[i] = 0
	}
	for i := 0; i < mixerInputCount; i++ {
		if m.muted&(1<<uint(i)) != 0 {
			continue
		}
		in := ctx.InputChannel(fmt.Sprintf("in%d", i+1), 0)
		if in == nil {
			continue
		}
		g := float32(m.gains[i])
		for j := range out {
			out[j] += in[j] * g
		}
	}
	return nil
}

func (m *mixer) SetParameter(name string, value graph.ParamValue) {
	if name == "mute_mask" {
		if len(value.Bytes) > 0 {
			m.muted = value.Bytes[0]
		} else {
			m.muted = 0
		}
		return
	}
	for i := 0; i < mixerInputCount; i++ {
		if name == fmt.Sprintf("gain%d", i+1) {
			m.gains[i] = value.Float
			return
		}
	}
}

func (m *mixer) Cleanup() {}
