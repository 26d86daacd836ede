package nodes

import (
	"testing"

	"github.com/wavegraph/engine/internal/arena"
	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/graph"
)

func newBlockContext(t *testing.T, slots []arena.SlotDesc, inputs, outputs map[string]int) *BlockContext {
	t.Helper()
	layout := arena.NewLayout(slots)
	a := arena.New(layout, 1)
	return &BlockContext{Arena: a, SampleRate: 48000, BlockSize: slots[0].Length, Inputs: inputs, Outputs: outputs}
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	for _, uri := range []string{"builtin:oscillator", "builtin:gain", "builtin:mixer", "builtin:control-source", "builtin:sink"} {
		if _, ok := r.Descriptor(uri); !ok {
			t.Errorf("missing descriptor for %s", uri)
		}
		inst, err := r.New(uri, nil)
		if err != nil {
			t.Errorf("New(%s): unexpected error: %v", uri, err)
		}
		if inst == nil {
			t.Errorf("New(%s) returned nil instance", uri)
		}
	}
}

func TestRegistryNewUnknownKind(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("builtin:does-not-exist", nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

// TestControlSourceIsPassthrough confirms builtin:control-source's
// ProcessBlock leaves the value a FETCH_CONTROL opcode would already have
// sample-and-held into its output slot untouched.
func TestControlSourceIsPassthrough(t *testing.T) {
	slots := []arena.SlotDesc{{Type: graph.ControlKRate, Channels: 1, Length: 1}}
	ctx := newBlockContext(t, slots, nil, map[string]int{"out": 0})
	ctx.Arena.Channel(0, 0)[0] = 0.75

	src := NewControlSource(nil)
	if err := src.Setup(48000, 1); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := src.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	if got := ctx.Arena.Channel(0, 0)[0]; got != 0.75 {
		t.Errorf("out = %v, want 0.75 (value left untouched)", got)
	}
}

func TestOscillatorProducesNonZeroSignal(t *testing.T) {
	slots := []arena.SlotDesc{{Type: graph.AudioMono, Channels: 1, Length: 64}}
	ctx := newBlockContext(t, slots, nil, map[string]int{"out": 0})

	osc := NewOscillator(map[string]float64{"frequency": 440, "amplitude": 1.0})
	if err := osc.Setup(48000, 64); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := osc.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	out := ctx.Arena.Channel(0, 0)
	allZero := true
	for _, v := range out {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("oscillator output is all zero")
	}
}

func TestGainScalesInput(t *testing.T) {
	slots := []arena.SlotDesc{
		{Type: graph.AudioMono, Channels: 1, Length: 4},
		{Type: graph.AudioMono, Channels: 1, Length: 4},
	}
	ctx := newBlockContext(t, slots, map[string]int{"in": 0}, map[string]int{"out": 1})
	in := ctx.Arena.Channel(0, 0)
	for i := range in {
		in[i] = 1.0
	}

	g := NewGain(map[string]float64{"gain": 2.0})
	if err := g.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	out := ctx.Arena.Channel(1, 0)
	for i, v := range out {
		if v != 2.0 {
			t.Errorf("out[%d] = %v, want 2.0", i, v)
		}
	}
}

func TestMixerSumsWeightedInputs(t *testing.T) {
	slots := []arena.SlotDesc{
		{Type: graph.AudioMono, Channels: 1, Length: 4}, // in1
		{Type: graph.AudioMono, Channels: 1, Length: 4}, // in2
		{Type: graph.AudioMono, Channels: 1, Length: 4}, // out
	}
	inputs := map[string]int{"in1": 0, "in2": 1}
	ctx := newBlockContext(t, slots, inputs, map[string]int{"out": 2})

	in1 := ctx.Arena.Channel(0, 0)
	in2 := ctx.Arena.Channel(1, 0)
	for i := range in1 {
		in1[i] = 0.25
		in2[i] = -0.25
	}

	m := NewMixer(map[string]float64{"gain1": 1.0, "gain2": 1.0})
	if err := m.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	out := ctx.Arena.Channel(2, 0)
	for i, v := range out {
		if v != 0 {
			t.Errorf("out[%d] = %v, want 0 (0.25 + -0.25)", i, v)
		}
	}
}

func TestMixerSkipsUnconnectedInputs(t *testing.T) {
	slots := []arena.SlotDesc{
		{Type: graph.AudioMono, Channels: 1, Length: 4}, // in1
		{Type: graph.AudioMono, Channels: 1, Length: 4}, // out
	}
	ctx := newBlockContext(t, slots, map[string]int{"in1": 0}, map[string]int{"out": 1})
	in1 := ctx.Arena.Channel(0, 0)
	for i := range in1 {
		in1[i] = 0.5
	}

	m := NewMixer(map[string]float64{"gain1": 1.0})
	if err := m.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	out := ctx.Arena.Channel(1, 0)
	for i, v := range out {
		if v != 0.5 {
			t.Errorf("out[%d] = %v, want 0.5", i, v)
		}
	}
}

func TestDelayFeedsBackPastSamples(t *testing.T) {
	slots := []arena.SlotDesc{
		{Type: graph.AudioMono, Channels: 1, Length: 8},
		{Type: graph.AudioMono, Channels: 1, Length: 8},
	}
	ctx := newBlockContext(t, slots, map[string]int{"in": 0}, map[string]int{"out": 1})
	in := ctx.Arena.Channel(0, 0)
	in[0] = 1.0

	d := NewDelay(map[string]float64{"time_seconds": 0, "feedback": 0, "mix": 1.0})
	if err := d.Setup(8, 8); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	// A zero-length delay line (rounded to length 1) should emit a
	// single-sample-delayed dry signal at the given mix.
	if err := d.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	out := ctx.Arena.Channel(1, 0)
	if out[1] != 1.0 {
		t.Errorf("out[1] = %v, want 1.0 (tap delayed by buffer length)", out[1])
	}
}

func TestSoftClipBoundsOutput(t *testing.T) {
	slots := []arena.SlotDesc{
		{Type: graph.AudioMono, Channels: 1, Length: 2},
		{Type: graph.AudioMono, Channels: 1, Length: 2},
	}
	ctx := newBlockContext(t, slots, map[string]int{"in": 0}, map[string]int{"out": 1})
	in := ctx.Arena.Channel(0, 0)
	in[0] = 100.0
	in[1] = -100.0

	s := NewSoftClip(map[string]float64{"drive": 1.0})
	if err := s.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	out := ctx.Arena.Channel(1, 0)
	if out[0] <= 0.99 || out[0] > 1.0 {
		t.Errorf("out[0] = %v, want close to 1.0", out[0])
	}
	if out[1] >= -0.99 || out[1] < -1.0 {
		t.Errorf("out[1] = %v, want close to -1.0", out[1])
	}
}

// TestMIDISourceIsPassthrough confirms builtin:midi-source's ProcessBlock
// leaves the events a FETCH_BUFFER opcode would already have copied into its
// output slot untouched.
func TestMIDISourceIsPassthrough(t *testing.T) {
	slots := []arena.SlotDesc{{Type: graph.Event, Channels: 1, Length: 16}}
	ctx := newBlockContext(t, slots, nil, map[string]int{"out": 0})
	ctx.Arena.Events(0).Push(events.MIDI{Bytes: [3]byte{0x90, 60, 127}, Offset: 0})

	src := NewMIDISource(nil)
	if err := src.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	got := ctx.Arena.Events(0).Drain()
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].Bytes[0] != 0x90 {
		t.Errorf("Bytes[0] = %x, want 0x90", got[0].Bytes[0])
	}
}

func TestFileSourceReportsEndOfStreamOnceDrained(t *testing.T) {
	slots := []arena.SlotDesc{{Type: graph.AudioMono, Channels: 1, Length: 4}}
	ctx := newBlockContext(t, slots, nil, map[string]int{"out": 0})

	src := NewFileSource(nil).(*fileSource)
	src.mu.Lock()
	src.samples = []float32{0.1, 0.2}
	src.mu.Unlock()

	if src.AtEnd() {
		t.Fatal("AtEnd() = true before playback started")
	}
	if err := src.ProcessBlock(ctx); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if !src.AtEnd() {
		t.Error("AtEnd() = false after samples exhausted mid-block")
	}
}
