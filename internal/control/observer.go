package control

import (
	"sync"
	"sync/atomic"

	"github.com/wavegraph/engine/internal/graph"
)

// ObserverState is a connected client's position in the replay state
// machine spec.md §4.F describes: a freshly registered observer starts
// Connecting while it drains the full replay log, then moves to Live once
// caught up; a client that drops and reconnects starts over at Connecting.
type ObserverState int32

const (
	Disconnected ObserverState = iota
	Connecting
	Live
)

func (s ObserverState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	default:
		return "disconnected"
	}
}

// event is one entry in the replay log: a graph mutation or node-state
// change, in the order the control surface applied it. Only the fields
// relevant to Kind are populated.
type event struct {
	Seq uint64
	Kind string // node_added, node_removed, ports_connected, ports_disconnected, parameter_set, port_property_set, block_size_changed, node_state

	NodeID  uint64
	DescURI string
	Params  map[string]float64

	SrcNode, DstNode uint64
	SrcPort, DstPort string
	ConnID           uint64

	ParamName  string
	ParamValue graph.ParamValue

	PortName string
	PropKey  string

	BlockSize int

	State string
}

// replayLogCapacity bounds the retained replay log: old enough history is
// trimmed so a long-running engine doesn't grow this unboundedly. A newly
// connecting observer is replayed only what is left, a suffix of graph
// history: once trimming has happened, the earliest records (such as the
// node_added of a long-lived node) are missing from its replay.
const replayLogCapacity = 4096

// Observer is one connected client's mailbox. Events are delivered in
// order; a slow consumer's channel fills and further publishes block until
// it drains, matching spec.md §5's preference for backpressure over silent
// drops on the control-event path (unlike the best-effort MIDI queues).
type Observer struct {
	ID    string
	state atomic.Int32
	ch    chan event
	done  chan struct{}
}

// State reports the observer's current position in the connection state
// machine.
func (o *Observer) State() ObserverState { return ObserverState(o.state.Load()) }

// Events returns the channel events are delivered on.
func (o *Observer) Events() <-chan event { return o.ch }

// observerHub tracks every connected observer and the replay log new
// observers are caught up from.
type observerHub struct {
	mu        sync.Mutex
	log       []event
	baseSeq   uint64 // Seq of log[0], after trimming
	nextSeq   uint64
	observers map[string]*Observer
}

func newObserverHub() *observerHub {
	return &observerHub{observers: make(map[string]*Observer)}
}

// publish appends ev to the replay log (assigning it the next sequence
// number) and fans it out to every live observer.
func (h *observerHub) publish(ev event) {
	h.mu.Lock()
	h.nextSeq++
	ev.Seq = h.nextSeq
	h.log = append(h.log, ev)
	if len(h.log) > replayLogCapacity {
		trim := len(h.log) - replayLogCapacity
		h.log = h.log[trim:]
		h.baseSeq += uint64(trim)
	}
	observers := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	for _, o := range observers {
		if o.State() == Disconnected {
			continue
		}
		select {
		case o.ch <- ev:
		case <-o.done:
		}
	}
}

// Connect registers a new observer, moves it to Connecting, and replays
// every retained log entry before moving it to Live. The replay runs
// synchronously against the returned Observer's channel from a background
// goroutine so Connect itself never blocks on a slow consumer.
func (h *observerHub) Connect(id string) *Observer {
	o := &Observer{ID: id, ch: make(chan event, 256), done: make(chan struct{})}
	o.state.Store(int32(Connecting))

	h.mu.Lock()
	h.observers[id] = o
	backlog := append([]event(nil), h.log...)
	h.mu.Unlock()

	go func() {
		for _, ev := range backlog {
			select {
			case o.ch <- ev:
			case <-o.done:
				return
			}
		}
		o.state.Store(int32(Live))
	}()

	return o
}

// Disconnect removes an observer. A later Connect with the same id starts
// a fresh Connecting replay from scratch, per spec.md §4.F.
func (h *observerHub) Disconnect(id string) {
	h.mu.Lock()
	o, ok := h.observers[id]
	delete(h.observers, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	o.state.Store(int32(Disconnected))
	close(o.done)
}

func (h *observerHub) closeAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.observers))
	for id := range h.observers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
}
