// Package arena owns the block-local typed buffers opcodes read and write.
// The compiler (internal/compiler) decides a Layout; the executor
// (internal/vm) allocates or reuses an Arena against that layout once per
// program generation and never reallocates mid-block.
package arena

import (
	"fmt"

	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/graph"
)

// SlotDesc describes one typed buffer slot the compiler has allocated.
type SlotDesc struct {
	Type     graph.PortType
	Channels int // 1 for mono/control/event, 2 for audio-stereo
	Length   int // samples per channel: block size for audio/arate, 1 for krate, event capacity for event
}

func (s SlotDesc) floatsNeeded() int {
	if s.Type == graph.Event {
		return 0
	}
	ch := s.Channels
	if ch < 1 {
		ch = 1
	}
	return ch * s.Length
}

// Layout is the compiler's fixed description of every buffer slot a program
// needs, with precomputed offsets into the arena's backing storage.
type Layout struct {
	Slots   []SlotDesc
	offsets []int
	total   int
}

// NewLayout computes slot offsets for the given slot descriptors, in order.
func NewLayout(slots []SlotDesc) *Layout {
	l := &Layout{Slots: slots, offsets: make([]int, len(slots))}
	off := 0
	for i, s := range slots {
		l.offsets[i] = off
		off += s.floatsNeeded()
	}
	l.total = off
	return l
}

// Arena is the block-local memory backing every buffer slot in a Layout.
// Audio and control slots live in a single contiguous []float32; event
// slots live in separate per-slot queues since they are variable-length.
type Arena struct {
	layout     *Layout
	backing    []float32
	eventSlots map[int]*events.Queue[events.MIDI]
	generation uint64
}

// New allocates a process-private arena sized for layout.
func New(layout *Layout, generation uint64) *Arena {
	return &Arena{
		layout:     layout,
		backing:    make([]float32, layout.total),
		eventSlots: allocateEventSlots(layout),
		generation: generation,
	}
}

// allocateEventSlots builds the per-slot event queues an arena needs,
// shared by the process-private and shared-memory constructors.
func allocateEventSlots(layout *Layout) map[int]*events.Queue[events.MIDI] {
	slots := make(map[int]*events.Queue[events.MIDI])
	for i, s := range layout.Slots {
		if s.Type == graph.Event {
			cap := s.Length
			if cap <= 0 {
				cap = 256
			}
			slots[i] = events.NewQueue[events.MIDI](cap)
		}
	}
	return slots
}

// Generation returns the program generation this arena was allocated for.
func (a *Arena) Generation() uint64 { return a.generation }

// Layout returns the layout this arena was allocated against.
func (a *Arena) Layout() *Layout { return a.layout }

// Channel returns the backing slice for one channel of an audio or control
// slot. For krate control slots, ch must be 0 and the returned slice has
// length 1.
func (a *Arena) Channel(slot int, ch int) []float32 {
	s := a.layout.Slots[slot]
	off := a.layout.offsets[slot]
	start := off + ch*s.Length
	return a.backing[start : start+s.Length]
}

// Clear zeroes every channel of an audio or control slot.
func (a *Arena) Clear(slot int) {
	s := a.layout.Slots[slot]
	for ch := 0; ch < max(1, s.Channels); ch++ {
		buf := a.Channel(slot, ch)
		for i := range buf {
			buf[i] = 0
		}
	}
}

// Mix sums the given source slots into dst, channel by channel. Sources and
// dst must share the same channel count and length; the compiler guarantees
// this when it emits a MIX opcode.
func (a *Arena) Mix(dst int, srcs []int) error {
	s := a.layout.Slots[dst]
	for ch := 0; ch < max(1, s.Channels); ch++ {
		out := a.Channel(dst, ch)
		for i := range out {
			out[i] = 0
		}
		for _, src := range srcs {
			srcDesc := a.layout.Slots[src]
			if srcDesc.Length != s.Length {
				return fmt.Errorf("arena: mix length mismatch: slot %d has %d, slot %d has %d", dst, s.Length, src, srcDesc.Length)
			}
			in := a.Channel(src, ch)
			for i := range out {
				out[i] += in[i]
			}
		}
	}
	return nil
}

// Events returns the event queue backing an event slot.
func (a *Arena) Events(slot int) *events.Queue[events.MIDI] {
	return a.eventSlots[slot]
}
