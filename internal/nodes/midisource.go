package nodes

import "github.com/wavegraph/engine/internal/graph"

// midiSource relays externally queued MIDI bytes into the graph:
// builtin:midi-source. Its compiler-emitted FETCH_BUFFER opcode (spec.md
// §4.C) populates the "out" event slot from a named backend queue before
// ProcessBlock runs, so ProcessBlock itself has nothing left to do.
type midiSource struct{}

// MIDISourceDescriptor describes builtin:midi-source's static shape.
func MIDISourceDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:midi-source",
		Classification: graph.EventSource,
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.Event},
		},
		ExternalQueue: "midi-in",
	}
}

// NewMIDISource constructs a midi-source instance.
func NewMIDISource(params map[string]float64) Instance {
	return &midiSource{}
}

func (m *midiSource) Setup(sampleRate, blockSize int) error { return nil }

func (m *midiSource) ProcessBlock(ctx *BlockContext) error { return nil }

func (m *midiSource) SetParameter(name string, value graph.ParamValue) {}

func (m *midiSource) Cleanup() {}
