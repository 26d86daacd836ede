package compiler

// Op is one instruction in a compiled Program's opcode stream.
type Op interface{ isOp() }

// FetchBufferOp populates a buffer slot from a named external queue in the
// block context (e.g. a backend-supplied MIDI input queue) before any node
// that depends on it runs.
type FetchBufferOp struct {
	Queue string
	Slot  int
}

// FetchControlOp populates a control-rate slot from a named external
// control-event queue (spec.md §6 Event format: (name, value, generation)
// triples), sample-and-holding the most recent accepted value for the
// block. Emitted in place of FetchBufferOp for a node whose ExternalQueue
// feeds a ControlKRate/ControlARate output rather than an Event output.
type FetchControlOp struct {
	Queue string
	Slot  int
}

// ClearOp zeroes a buffer slot. Emitted for audio and control input slots
// with no incoming connection; an unconnected event input gets no opcode.
type ClearOp struct {
	Slot int
}

// MixOp sums Srcs into Dst, channel by channel. Emitted for fan-in audio and
// arate-control inputs.
type MixOp struct {
	Dst  int
	Srcs []int
}

// MergeEventsOp merges Srcs' event queues into Dst, ordered by sample
// offset. Emitted for fan-in event inputs.
type MergeEventsOp struct {
	Dst  int
	Srcs []int
}

// CallNodeOp invokes a node's process_block with its bound port slots.
type CallNodeOp struct {
	NodeID  uint64
	Inputs  map[string]int
	Outputs map[string]int
}

// OutputOp copies a sink input slot to a numbered backend output channel.
type OutputOp struct {
	Channel int
	Slot    int
}

func (FetchBufferOp) isOp()  {}
func (FetchControlOp) isOp() {}
func (ClearOp) isOp()        {}
func (MixOp) isOp()          {}
func (MergeEventsOp) isOp()  {}
func (CallNodeOp) isOp()     {}
func (OutputOp) isOp()       {}
