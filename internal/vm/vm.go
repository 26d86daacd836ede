// Package vm implements the block-rate executor: the BeginFrame/Dispatch/
// EndFrame state machine that runs a compiled compiler.Program against an
// arena.Arena once per audio block (spec.md §4.D). The active program
// pointer is swapped via sync/atomic and inspected only at BeginFrame, so a
// control-thread recompile never blocks or partially-applies mid-block
// (spec.md §5's reader/writer discipline).
package vm

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wavegraph/engine/internal/arena"
	"github.com/wavegraph/engine/internal/compiler"
	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/graph"
	"github.com/wavegraph/engine/internal/nodes"
)

// ActiveProgram bundles a compiled Program with the live node instances and
// descriptor-kind labels the executor dispatches CALL_NODE opcodes against.
// The control surface builds one after every successful compile and
// publishes it to the Executor with Publish.
type ActiveProgram struct {
	Program   *compiler.Program
	Instances map[uint64]nodes.Instance
	Kinds     map[uint64]string
}

// BlockIO is the per-block host interface: named external event queues the
// backend delivered (e.g. "midi-in") and the output channel buffers the
// sink's OUTPUT opcodes write into.
type BlockIO struct {
	ExternalQueues        map[string]*events.Queue[events.MIDI]
	ExternalControlQueues map[string]*events.ControlQueue
	Outputs               [][]float32 // indexed by OutputOp.Channel, each len == BlockSize
}

// Listener receives node lifecycle notifications emitted by the executor:
// currently "end-of-stream" (a file-source instance drained) and
// "quarantined" (a node panicked or returned an error and was isolated for
// the remainder of its program generation).
type Listener interface {
	NotifyNodeState(nodeID uint64, state string)
}

const perfRingSize = 64

type perfRing struct {
	durations [perfRingSize]time.Duration
	idx       int
	count     int
}

func (r *perfRing) push(d time.Duration) {
	r.durations[r.idx] = d
	r.idx = (r.idx + 1) % perfRingSize
	if r.count < perfRingSize {
		r.count++
	}
}

func (r *perfRing) last() time.Duration {
	if r.count == 0 {
		return 0
	}
	i := (r.idx - 1 + perfRingSize) % perfRingSize
	return r.durations[i]
}

// Executor runs one compiled program at a time against one arena, advancing
// one block per Dispatch call. It is driven entirely from the realtime
// audio thread. Dispatch takes no lock; BeginFrame briefly takes the
// parameter-queue mutex. Neither is allocation-free: BeginFrame allocates a
// fresh parameter-queue map on every call (and a new arena on a program
// swap), and Dispatch allocates for each CALL_NODE and MERGE_EVENTS opcode.
type Executor struct {
	host       compiler.HostParams
	logger     *slog.Logger
	listeners  []Listener
	pending    atomic.Pointer[ActiveProgram]
	current    *ActiveProgram
	arena      *arena.Arena
	quarantine map[uint64]struct{}
	perf       map[uint64]*perfRing
	eosSeen    map[uint64]bool

	xruns        atomic.Uint64
	nodeFailures atomic.Uint64

	paramMu     sync.Mutex
	paramQueues map[uint64][]paramUpdate
}

// paramUpdate is one queued hot-parameter write, named per spec.md §5's
// per-node single-producer/single-consumer parameter queue.
type paramUpdate struct {
	name  string
	value graph.ParamValue
}

// QueueParameter enqueues a hot-parameter change for nodeID, applied to its
// live instance at the start of the next BeginFrame. Safe to call from the
// control thread at any time; the queue is only drained at BeginFrame, never
// during Dispatch, so Dispatch itself never takes this lock.
func (e *Executor) QueueParameter(nodeID uint64, name string, value graph.ParamValue) {
	e.paramMu.Lock()
	e.paramQueues[nodeID] = append(e.paramQueues[nodeID], paramUpdate{name: name, value: value})
	e.paramMu.Unlock()
}

// New returns an executor for the given host parameters. No program is
// active until the control surface calls Publish at least once; Dispatch is
// a no-op until then.
func New(host compiler.HostParams, logger *slog.Logger) *Executor {
	return &Executor{
		host:        host,
		logger:      logger.With("subsystem", "executor"),
		paramQueues: make(map[uint64][]paramUpdate),
	}
}

// AddListener registers a node-state listener. Not safe to call once
// Dispatch is running on another goroutine; call during setup only.
func (e *Executor) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Publish makes ap the program BeginFrame will swap to at the start of its
// next call. Safe to call from the control thread at any time.
func (e *Executor) Publish(ap *ActiveProgram) {
	e.pending.Store(ap)
}

// BeginFrame adopts a newly published program, if one is pending and newer
// than the currently running one. This is the ONLY point at which the
// executor observes a program swap; Dispatch always runs against whatever
// BeginFrame most recently adopted.
func (e *Executor) BeginFrame() {
	if ap := e.pending.Load(); ap != nil && (e.current == nil || ap.Program.Generation != e.current.Program.Generation) {
		e.current = ap
		e.arena = arena.New(ap.Program.Layout, ap.Program.Generation)
		e.quarantine = make(map[uint64]struct{})
		e.eosSeen = make(map[uint64]bool)
		e.perf = make(map[uint64]*perfRing, len(ap.Instances))
		for id := range ap.Instances {
			e.perf[id] = &perfRing{}
		}

		e.logger.Info("program generation adopted",
			"generation", ap.Program.Generation,
			"node_count", len(ap.Instances),
		)
	}

	e.drainParams()
}

// drainParams applies every queued hot-parameter write to its node's live
// instance. Called once per BeginFrame (spec.md §5) so a change takes
// effect no later than the next block regardless of whether this frame also
// adopted a new program generation.
func (e *Executor) drainParams() {
	if e.current == nil {
		return
	}

	e.paramMu.Lock()
	pending := e.paramQueues
	e.paramQueues = make(map[uint64][]paramUpdate, len(pending))
	e.paramMu.Unlock()

	for nodeID, updates := range pending {
		inst := e.current.Instances[nodeID]
		if inst == nil {
			continue
		}
		for _, u := range updates {
			inst.SetParameter(u.name, u.value)
		}
	}
}

// Dispatch runs the active program's opcode stream once against io. It is a
// no-op (and increments the xrun counter) if no program has been adopted yet
// — a backend callback firing before the first compile completes.
func (e *Executor) Dispatch(io *BlockIO) {
	if e.current == nil {
		e.xruns.Add(1)
		return
	}

	for _, op := range e.current.Program.Opcodes {
		switch o := op.(type) {
		case compiler.FetchBufferOp:
			e.fetchBuffer(io, o)
		case compiler.FetchControlOp:
			e.fetchControl(io, o)
		case compiler.ClearOp:
			e.arena.Clear(o.Slot)
		case compiler.MixOp:
			if err := e.arena.Mix(o.Dst, o.Srcs); err != nil {
				e.logger.Error("mix opcode failed", "error", err)
			}
		case compiler.MergeEventsOp:
			e.mergeEvents(o)
		case compiler.CallNodeOp:
			e.callNode(o)
		case compiler.OutputOp:
			e.output(io, o)
		}
	}
}

// EndFrame performs per-block bookkeeping that must happen after every
// opcode has run: currently nothing beyond what Dispatch itself already
// does, but it exists as its own step so backends can rely on a symmetric
// BeginFrame/Dispatch/EndFrame cycle per spec.md §4.D regardless of future
// additions (e.g. end-of-block diagnostic sampling).
func (e *Executor) EndFrame() {}

func (e *Executor) fetchBuffer(io *BlockIO, op compiler.FetchBufferOp) {
	src := io.ExternalQueues[op.Queue]
	if src == nil {
		return
	}
	dst := e.arena.Events(op.Slot)
	if dst == nil {
		return
	}
	for _, ev := range src.Drain() {
		dst.Push(ev)
	}
}

// fetchControl drains op.Queue's pending control events and sample-and-holds
// the most recent one into the control-rate slot — a block only ever sees
// the latest accepted value for a given name, matching the rest of the
// engine's last-write-wins treatment of off-audio-thread writes.
func (e *Executor) fetchControl(io *BlockIO, op compiler.FetchControlOp) {
	src := io.ExternalControlQueues[op.Queue]
	if src == nil {
		return
	}
	pending := src.Drain()
	if len(pending) == 0 {
		return
	}
	ch := e.arena.Channel(op.Slot, 0)
	if len(ch) == 0 {
		return
	}
	ch[0] = float32(pending[len(pending)-1].Value)
}

func (e *Executor) mergeEvents(op compiler.MergeEventsOp) {
	dst := e.arena.Events(op.Dst)
	if dst == nil {
		return
	}
	var merged []events.MIDI
	for _, src := range op.Srcs {
		q := e.arena.Events(src)
		if q == nil {
			continue
		}
		merged = append(merged, q.Drain()...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Offset < merged[j].Offset })
	for _, ev := range merged {
		dst.Push(ev)
	}
}

func (e *Executor) output(io *BlockIO, op compiler.OutputOp) {
	if op.Channel >= len(io.Outputs) {
		return
	}
	copy(io.Outputs[op.Channel], e.arena.Channel(op.Slot, 0))
}

// callNode dispatches one CALL_NODE opcode, timing it, recovering from a
// panic, and quarantining the node on either a panic or a returned error —
// spec.md §8's node-crash scenario. A quarantined node's declared output
// slots are zeroed every subsequent block so downstream nodes never read a
// stale or partially written buffer.
func (e *Executor) callNode(op compiler.CallNodeOp) {
	if _, down := e.quarantine[op.NodeID]; down {
		for _, slot := range op.Outputs {
			e.arena.Clear(slot)
		}
		return
	}

	inst := e.current.Instances[op.NodeID]
	if inst == nil {
		return
	}

	start := time.Now()
	err := e.runNode(inst, op)
	if ring := e.perf[op.NodeID]; ring != nil {
		ring.push(time.Since(start))
	}

	if err != nil {
		e.quarantineNode(op, err)
		return
	}

	if reporter, ok := inst.(nodes.EndOfStreamReporter); ok && reporter.AtEnd() && !e.eosSeen[op.NodeID] {
		e.eosSeen[op.NodeID] = true
		e.notify(op.NodeID, "end-of-stream")
	}
}

// runNode invokes the instance's ProcessBlock, converting a panic into an
// error so the caller has one uniform failure path to quarantine from.
func (e *Executor) runNode(inst nodes.Instance, op compiler.CallNodeOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %d panicked: %v\n%s", op.NodeID, r, debug.Stack())
		}
	}()

	ctx := &nodes.BlockContext{
		Arena:      e.arena,
		SampleRate: e.host.SampleRate,
		BlockSize:  e.host.BlockSize,
		Inputs:     op.Inputs,
		Outputs:    op.Outputs,
	}
	return inst.ProcessBlock(ctx)
}

func (e *Executor) quarantineNode(op compiler.CallNodeOp, cause error) {
	e.quarantine[op.NodeID] = struct{}{}
	e.nodeFailures.Add(1)
	for _, slot := range op.Outputs {
		e.arena.Clear(slot)
	}

	kind := e.current.Kinds[op.NodeID]
	e.logger.Error("node quarantined",
		"node_id", op.NodeID,
		"node_kind", kind,
		"error", cause,
	)
	e.notify(op.NodeID, "quarantined")
}

func (e *Executor) notify(nodeID uint64, state string) {
	for _, l := range e.listeners {
		l.NotifyNodeState(nodeID, state)
	}
}

// IsQuarantined reports whether nodeID is currently isolated from dispatch.
func (e *Executor) IsQuarantined(nodeID uint64) bool {
	if e.quarantine == nil {
		return false
	}
	_, down := e.quarantine[nodeID]
	return down
}

// ActiveNodeCount implements metrics.GraphStateProvider.
func (e *Executor) ActiveNodeCount() int {
	if e.current == nil {
		return 0
	}
	return len(e.current.Instances)
}

// ProgramGeneration implements metrics.GraphStateProvider.
func (e *Executor) ProgramGeneration() uint64 {
	if e.current == nil {
		return 0
	}
	return e.current.Program.Generation
}

// PerfEntry mirrors metrics.PerfEntry so this package need not import
// internal/metrics (which would invert the dependency direction).
type PerfEntry struct {
	NodeID   uint64
	NodeKind string
	Last     time.Duration
}

// LastPerfSpans implements metrics.PerfProvider (structurally; cmd/engined
// adapts the two identical shapes at the wiring boundary).
func (e *Executor) LastPerfSpans() []PerfEntry {
	if e.current == nil {
		return nil
	}
	out := make([]PerfEntry, 0, len(e.perf))
	for id, ring := range e.perf {
		out = append(out, PerfEntry{NodeID: id, NodeKind: e.current.Kinds[id], Last: ring.last()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// XRunCount implements metrics.XRunCounter.
func (e *Executor) XRunCount() uint64 { return e.xruns.Load() }

// NodeFailureCount implements metrics.NodeFailureCounter.
func (e *Executor) NodeFailureCount() uint64 { return e.nodeFailures.Load() }
