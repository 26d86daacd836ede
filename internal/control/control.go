// Package control implements the reader/writer control surface spec.md §4.F
// and §5 describe: the graph mutation API a UI thread calls, the compile-
// and-publish cycle that turns a mutation into a running program, and the
// observer fan-out that keeps connected clients in sync with graph state.
//
// Every mutating method acquires the writer lock (grounded on the teacher's
// coarse-grained *sync.RWMutex protecting shared session state in
// internal/media/session.go), recompiles the graph, instantiates any new
// nodes, and publishes the result to the executor before releasing the
// lock — so a failed compile never leaves a half-applied mutation visible
// to a concurrent reader.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/wavegraph/engine/internal/backend"
	"github.com/wavegraph/engine/internal/compiler"
	"github.com/wavegraph/engine/internal/diagstore"
	"github.com/wavegraph/engine/internal/graph"
	"github.com/wavegraph/engine/internal/nodes"
	"github.com/wavegraph/engine/internal/vm"
)

// Sentinel errors surfaced through the HTTP layer (internal/api).
var (
	ErrWriterLockTimeout = errors.New("control: writer lock not acquired before timeout")
	ErrRateLimited       = errors.New("control: mutation rate limit exceeded")
	ErrShuttingDown      = errors.New("control: surface is shutting down")
)

// Config configures a Surface.
type Config struct {
	Host              compiler.HostParams
	WriterLockTimeout time.Duration // spec.md §5 default 100ms
	MutationRate      rate.Limit
	MutationBurst     int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig(host compiler.HostParams) Config {
	return Config{
		Host:              host,
		WriterLockTimeout: 100 * time.Millisecond,
		MutationRate:      rate.Limit(50),
		MutationBurst:     100,
	}
}

// Surface is the control-thread-facing API wrapping a graph.Graph, the
// compiler, the node instance registry, and the live executor. One Surface
// exists per running engine process.
type Surface struct {
	cfg      Config
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu             sync.RWMutex // the writer lock: guards g, instances, prevGeneration
	g              *graph.Graph
	registry       *nodes.Registry
	instances      map[uint64]nodes.Instance
	prevGeneration uint64

	exec *vm.Executor
	beMu sync.Mutex
	be   backend.Backend
	beCtx    context.Context
	beCancel context.CancelFunc

	observers *observerHub
	diag      *diagstore.Store // optional; nil disables diagnostic persistence
	diagStop  chan struct{}

	shuttingDown atomic.Bool
}

// SetDiagStore attaches a diagnostics store and starts a background poller
// that records an xrun event for each new overrun the executor counts.
// XRunCount is a lock-free atomic bumped from the audio thread (vm.go); the
// executor has no listener hook for it, so polling is the only way to
// persist xruns without adding I/O to Dispatch's hot path. Not safe to call
// concurrently with mutating methods; call during setup only.
func (s *Surface) SetDiagStore(store *diagstore.Store) {
	s.diag = store
	go s.pollXRuns()
}

const xrunPollInterval = 500 * time.Millisecond

func (s *Surface) pollXRuns() {
	var lastSeen uint64
	ticker := time.NewTicker(xrunPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.shuttingDown.Load() {
				return
			}
			count := s.exec.XRunCount()
			for ; lastSeen < count; lastSeen++ {
				s.recordDiag(diagstore.Event{Kind: diagstore.EventXRun})
			}
		case <-s.diagStop:
			return
		}
	}
}

// recordDiag persists a diagnostic event in the background so neither the
// writer lock nor (for quarantine events, raised from Dispatch) the audio
// thread ever blocks on disk I/O.
func (s *Surface) recordDiag(ev diagstore.Event) {
	if s.diag == nil {
		return
	}
	go func() {
		if err := s.diag.Record(context.Background(), ev); err != nil {
			s.logger.Warn("recording diagnostic event", "kind", ev.Kind, "error", err)
		}
	}()
}

// New returns a Surface with an empty graph, driven by exec and be.
func New(cfg Config, registry *nodes.Registry, exec *vm.Executor, be backend.Backend, logger *slog.Logger) *Surface {
	s := &Surface{
		cfg:       cfg,
		logger:    logger.With("subsystem", "control"),
		limiter:   rate.NewLimiter(cfg.MutationRate, cfg.MutationBurst),
		g:         graph.New(),
		registry:  registry,
		instances: make(map[uint64]nodes.Instance),
		exec:      exec,
		be:        be,
		observers: newObserverHub(),
		diagStop:  make(chan struct{}),
	}
	exec.AddListener(s)
	return s
}

// acquireWriter enforces the mutation rate limit then the writer-lock
// timeout (spec.md §5), in that order: a caller that can't even get a
// token never occupies the lock queue.
func (s *Surface) acquireWriter(ctx context.Context) (func(), error) {
	if s.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return s.mu.Unlock, nil
	case <-time.After(s.cfg.WriterLockTimeout):
		go func() { <-done; s.mu.Unlock() }() // lock still arrives eventually; release it when it does
		return nil, ErrWriterLockTimeout
	case <-ctx.Done():
		go func() { <-done; s.mu.Unlock() }()
		return nil, ctx.Err()
	}
}

// AddNode instantiates a new node of the given descriptor kind and recompiles.
func (s *Surface) AddNode(ctx context.Context, descURI string, params map[string]float64) (uint64, error) {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	desc, ok := s.registry.Descriptor(descURI)
	if !ok {
		return 0, fmt.Errorf("%w: %s", nodes.ErrUnknownKind, descURI)
	}

	id, err := s.g.AddNode(desc, params)
	if err != nil {
		return 0, err
	}

	inst, err := s.registry.New(descURI, params)
	if err != nil {
		s.g.RemoveNode(id)
		return 0, err
	}
	if err := inst.Setup(s.cfg.Host.SampleRate, s.cfg.Host.BlockSize); err != nil {
		s.g.RemoveNode(id)
		return 0, fmt.Errorf("control: setting up node %d (%s): %w", id, descURI, err)
	}
	s.instances[id] = inst

	if err := s.recompileLocked(); err != nil {
		delete(s.instances, id)
		s.g.RemoveNode(id)
		return 0, err
	}

	s.observers.publish(event{Kind: "node_added", NodeID: id, DescURI: descURI, Params: params})
	return id, nil
}

// RemoveNode deletes a node, cleans up its instance, and recompiles.
func (s *Surface) RemoveNode(ctx context.Context, id uint64) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	inst := s.instances[id]
	if err := s.g.RemoveNode(id); err != nil {
		return err
	}
	delete(s.instances, id)

	if err := s.recompileLocked(); err != nil {
		return err
	}
	if inst != nil {
		inst.Cleanup()
	}

	s.observers.publish(event{Kind: "node_removed", NodeID: id})
	return nil
}

// ConnectPorts wires srcPort on srcID to dstPort on dstID and recompiles.
func (s *Surface) ConnectPorts(ctx context.Context, srcID uint64, srcPort string, dstID uint64, dstPort string) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	conn, err := s.g.ConnectPorts(srcID, srcPort, dstID, dstPort)
	if err != nil {
		return err
	}
	if err := s.recompileLocked(); err != nil {
		s.g.DisconnectPorts(srcID, srcPort, dstID, dstPort)
		return err
	}

	s.observers.publish(event{Kind: "ports_connected", SrcNode: srcID, SrcPort: srcPort, DstNode: dstID, DstPort: dstPort, ConnID: conn.ID})
	return nil
}

// DisconnectPorts removes a connection and recompiles.
func (s *Surface) DisconnectPorts(ctx context.Context, srcID uint64, srcPort string, dstID uint64, dstPort string) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.g.DisconnectPorts(srcID, srcPort, dstID, dstPort); err != nil {
		return err
	}
	if err := s.recompileLocked(); err != nil {
		return err
	}

	s.observers.publish(event{Kind: "ports_disconnected", SrcNode: srcID, SrcPort: srcPort, DstNode: dstID, DstPort: dstPort})
	return nil
}

// SetParameter applies a hot parameter change. No recompile is needed: the
// graph's snapshot copy is updated synchronously for dump() and the next
// compile, while the live instance is updated through the executor's
// per-node parameter queue and takes effect at the audio thread's next
// BeginFrame (spec.md §5, §8's hot-parameter-change scenario) — never by
// writing to the instance directly from this (control) thread.
func (s *Surface) SetParameter(ctx context.Context, nodeID uint64, name string, value graph.ParamValue) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.g.SetParameter(nodeID, name, value); err != nil {
		return err
	}
	if _, ok := s.instances[nodeID]; !ok {
		return fmt.Errorf("control: node %d has no live instance", nodeID)
	}
	s.exec.QueueParameter(nodeID, name, value)

	s.observers.publish(event{Kind: "parameter_set", NodeID: nodeID, ParamName: name, ParamValue: value})
	return nil
}

// SetPortProperty stores an instance-level port property on the graph node
// and recompiles. Neither the compiler nor any built-in node kind reads port
// properties, so the recompiled program has the same buffer layout.
func (s *Surface) SetPortProperty(ctx context.Context, nodeID uint64, portName, key string, value any) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.g.SetPortProperty(nodeID, portName, key, value); err != nil {
		return err
	}
	if err := s.recompileLocked(); err != nil {
		return err
	}

	s.observers.publish(event{Kind: "port_property_set", NodeID: nodeID, PortName: portName, PropKey: key})
	return nil
}

// recompileLocked compiles the current graph and publishes the result to
// the executor. Caller must hold s.mu.
func (s *Surface) recompileLocked() error {
	snap := compiler.FromGraph(s.g)
	if snap.SinkID == 0 {
		// No sink yet: nothing runnable, but not an error — a graph under
		// construction legitimately has no sink for its first few mutations.
		return nil
	}

	prog, err := compiler.Compile(snap, s.cfg.Host, s.prevGeneration)
	if err != nil {
		return err
	}
	s.prevGeneration = prog.Generation

	kinds := make(map[uint64]string, len(snap.Nodes))
	for _, n := range snap.Nodes {
		kinds[n.ID] = n.DescURI
	}
	instances := make(map[uint64]nodes.Instance, len(s.instances))
	for id, inst := range s.instances {
		instances[id] = inst
	}

	s.exec.Publish(&vm.ActiveProgram{Program: prog, Instances: instances, Kinds: kinds})
	s.recordDiag(diagstore.Event{Kind: diagstore.EventProgramSwap, Generation: int64(prog.Generation)})
	return nil
}

// SetBlockSize changes the host block size, recompiles, and re-runs Setup on
// every live instance since a block-size change invalidates any
// size-dependent internal buffers (e.g. builtin:plugin-host.delay).
func (s *Surface) SetBlockSize(ctx context.Context, blockSize int) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.cfg.Host.BlockSize = blockSize
	for id, inst := range s.instances {
		if err := inst.Setup(s.cfg.Host.SampleRate, blockSize); err != nil {
			return fmt.Errorf("control: re-setup of node %d after block size change: %w", id, err)
		}
	}
	if err := s.recompileLocked(); err != nil {
		return err
	}

	s.observers.publish(event{Kind: "block_size_changed", BlockSize: blockSize})
	return nil
}

// Dump returns a diagnostic snapshot of the current graph and executor
// state for the dump() operation (spec.md §4.F).
func (s *Surface) Dump() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Nodes:            s.g.IterNodes(),
		Connections:      s.g.IterConnections(),
		SinkID:           s.g.SinkID(),
		Generation:       s.exec.ProgramGeneration(),
		ActiveNodeCount:  s.exec.ActiveNodeCount(),
		XRunCount:        s.exec.XRunCount(),
		NodeFailureCount: s.exec.NodeFailureCount(),
		BackendKind:      s.BackendKind(),
		BackendConnected: s.BackendConnected(),
	}
}

// BackendConnected reports whether the active backend is currently
// connected to its device/region/transport. Satisfies metrics.BackendStatusProvider.
func (s *Surface) BackendConnected() bool {
	s.beMu.Lock()
	defer s.beMu.Unlock()
	return s.be.BackendConnected()
}

// Snapshot is the dump() response payload.
type Snapshot struct {
	Nodes            []graph.Node
	Connections      []graph.Connection
	SinkID           uint64
	Generation       uint64
	ActiveNodeCount  int
	XRunCount        uint64
	NodeFailureCount uint64
	BackendKind      string
	BackendConnected bool
}

// BackendKind reports the active backend's kind label.
func (s *Surface) BackendKind() string {
	s.beMu.Lock()
	defer s.beMu.Unlock()
	return s.be.BackendKind()
}

// NotifyNodeState implements vm.Listener, forwarding node lifecycle events
// (quarantine, end-of-stream) to every connected observer.
func (s *Surface) NotifyNodeState(nodeID uint64, state string) {
	s.observers.publish(event{Kind: "node_state", NodeID: nodeID, State: state})
	if state == "quarantined" {
		s.logger.Warn("node quarantined, notifying observers", "node_id", nodeID)
		s.recordDiag(diagstore.Event{Kind: diagstore.EventNodeFailure, NodeID: int64(nodeID), Detail: state})
	}
}

// Shutdown stops accepting mutations, tears down the backend, and releases
// every node instance's resources.
func (s *Surface) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(s.diagStop)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.beMu.Lock()
	if err := s.be.Stop(); err != nil {
		s.logger.Error("backend stop failed during shutdown", "error", err)
	}
	s.beMu.Unlock()
	for _, inst := range s.instances {
		inst.Cleanup()
	}
	s.observers.closeAll()
	return nil
}
