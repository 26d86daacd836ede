// Package nodes implements the built-in node kinds the executor dispatches
// against, and the factory registry that maps a descriptor URI (as stored on
// a graph.Node) to a fresh Instance. ProcessBlock runs on the realtime audio
// thread inside internal/vm's Dispatch step and SetParameter at BeginFrame:
// no allocation, no blocking I/O, no locking beyond what the instance
// privately owns. Setup and Cleanup run on the control thread.
package nodes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wavegraph/engine/internal/arena"
	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/graph"
)

// ErrUnknownKind is returned by Registry.New for an unregistered descriptor URI.
var ErrUnknownKind = errors.New("nodes: unknown node kind")

// BlockContext is the view into the current block's arena an Instance's
// ProcessBlock receives: its bound input/output slots, resolved by the
// compiler's CALL_NODE opcode, plus the frame's transport parameters.
type BlockContext struct {
	Arena      *arena.Arena
	SampleRate int
	BlockSize  int
	Inputs     map[string]int
	Outputs    map[string]int
}

// InputChannel returns the backing slice for channel ch of an input port.
// Missing ports (not connected, not bound) return a nil slice.
func (c *BlockContext) InputChannel(port string, ch int) []float32 {
	slot, ok := c.Inputs[port]
	if !ok {
		return nil
	}
	return c.Arena.Channel(slot, ch)
}

// OutputChannel returns the backing slice for channel ch of an output port.
func (c *BlockContext) OutputChannel(port string, ch int) []float32 {
	slot, ok := c.Outputs[port]
	if !ok {
		return nil
	}
	return c.Arena.Channel(slot, ch)
}

// InputEvents drains the MIDI event queue bound to an input port.
func (c *BlockContext) InputEvents(port string) []events.MIDI {
	slot, ok := c.Inputs[port]
	if !ok {
		return nil
	}
	q := c.Arena.Events(slot)
	if q == nil {
		return nil
	}
	return q.Drain()
}

// OutputEvents returns the MIDI event queue bound to an output port, for a
// node to push synthesized events into (e.g. a sequencer-style source).
func (c *BlockContext) OutputEvents(port string) *events.Queue[events.MIDI] {
	slot, ok := c.Outputs[port]
	if !ok {
		return nil
	}
	return c.Arena.Events(slot)
}

// Instance is a graph-resident, stateful node implementation. One Instance
// exists per graph.Node for the lifetime of that node; ProcessBlock runs
// once per block on the audio thread while the node's program generation is
// active.
type Instance interface {
	// Setup prepares the instance for the given host parameters. Called once
	// from the control thread before the instance's program generation can
	// become active.
	Setup(sampleRate, blockSize int) error

	// ProcessBlock executes one block's worth of work. Returning an error, or
	// panicking, causes the executor to quarantine the node for the
	// remainder of the current program generation (spec.md §8 node-crash
	// scenario).
	ProcessBlock(ctx *BlockContext) error

	// SetParameter applies a hot parameter change. Called from the audio
	// thread at a block boundary once the control surface has queued the
	// change (internal/control), never mid-block. value.Kind matches
	// whatever the node's descriptor declared for name; internal/graph
	// rejects a mismatched kind before it ever reaches here.
	SetParameter(name string, value graph.ParamValue)

	// Cleanup releases any instance-private resources (open files, etc.)
	// when the owning node is removed from the graph.
	Cleanup()
}

// EndOfStreamReporter is implemented by node kinds that can run out of
// material (builtin:file-source). The executor polls AtEnd once per block
// after ProcessBlock and emits a node-state "end-of-stream" notification the
// first time it reports true (see internal/vm).
type EndOfStreamReporter interface {
	AtEnd() bool
}

// Opener is implemented by node kinds that load external material after
// construction (builtin:file-source). play_file calls Open from the control
// thread before the node's generation is published.
type Opener interface {
	Open(path string) error
}

// Factory constructs a fresh Instance for one graph.Node, seeded with its
// current parameter values.
type Factory func(params map[string]float64) Instance

// Registry maps descriptor URIs to their static shape and instance factory.
// Populated once at startup (see cmd/engined) and read-mostly thereafter, so
// a simple RWMutex is sufficient — lookups never happen on the audio thread
// itself (instances are constructed from the control thread in add_node).
type Registry struct {
	mu       sync.RWMutex
	descs    map[string]graph.Descriptor
	factorys map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descs:    make(map[string]graph.Descriptor),
		factorys: make(map[string]Factory),
	}
}

// Register adds a node kind under desc.URI. Registering the same URI twice
// overwrites the previous registration.
func (r *Registry) Register(desc graph.Descriptor, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[desc.URI] = desc
	r.factorys[desc.URI] = factory
}

// Descriptor returns the registered descriptor for uri.
func (r *Registry) Descriptor(uri string) (graph.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[uri]
	return d, ok
}

// New constructs a fresh Instance for uri, seeded with params.
func (r *Registry) New(uri string, params map[string]float64) (Instance, error) {
	r.mu.RLock()
	factory, ok := r.factorys[uri]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, uri)
	}
	return factory(params), nil
}

// URIs returns every registered descriptor URI.
func (r *Registry) URIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descs))
	for uri := range r.descs {
		out = append(out, uri)
	}
	return out
}

// RegisterBuiltins populates r with every node kind this package implements.
func RegisterBuiltins(r *Registry) {
	r.Register(OscillatorDescriptor(), NewOscillator)
	r.Register(GainDescriptor(), NewGain)
	r.Register(MixerDescriptor(), NewMixer)
	r.Register(FileSourceDescriptor(), NewFileSource)
	r.Register(MIDISourceDescriptor(), NewMIDISource)
	r.Register(ControlSourceDescriptor(), NewControlSource)
	r.Register(DelayDescriptor(), NewDelay)
	r.Register(SoftClipDescriptor(), NewSoftClip)
	r.Register(SinkDescriptor(), NewSink)
}

func paramOr(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}
