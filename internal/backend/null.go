package backend

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/vm"
)

// blockQueueCapacity bounds how many events AddEvent will buffer per named
// queue between block boundaries before it starts dropping the oldest,
// matching the rest of the engine's drop-oldest policy for off-audio-thread
// producers (spec.md §5).
const blockQueueCapacity = 256

// Null drives block cadence from a wall-clock ticker rather than a real
// audio device, for headless tests and offline performance runs.
// BackendConnected reports true only while Start's loop is running.
type Null struct {
	blockSize  int
	sampleRate int
	channels   int
	interval   time.Duration
	logger     *slog.Logger

	mu            sync.Mutex
	queues        map[string]*events.Queue[events.MIDI]
	controlQueues map[string]*events.ControlQueue

	running atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewNull returns a Null backend that renders one block every
// blockSize/sampleRate seconds of wall-clock time, with channelCount output
// channels per block.
func NewNull(blockSize, sampleRate, channelCount int, logger *slog.Logger) *Null {
	return &Null{
		blockSize:     blockSize,
		sampleRate:    sampleRate,
		channels:      channelCount,
		interval:      time.Duration(float64(blockSize) / float64(sampleRate) * float64(time.Second)),
		logger:        logger.With("subsystem", "backend", "kind", "null"),
		queues:        make(map[string]*events.Queue[events.MIDI]),
		controlQueues: make(map[string]*events.ControlQueue),
	}
}

func (n *Null) Start(ctx context.Context, r BlockRenderer) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer n.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.done = make(chan struct{})
	defer close(n.done)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	outputs := make([][]float32, n.channels)
	for i := range outputs {
		outputs[i] = make([]float32, n.blockSize)
	}

	n.logger.Info("null backend started", "block_size", n.blockSize, "sample_rate", n.sampleRate, "interval", n.interval)

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			n.renderOne(r, outputs)
		}
	}
}

// RenderOne drives exactly one block synchronously, for tests and offline
// render tools that don't want to wait on the wall clock.
func (n *Null) RenderOne(r BlockRenderer) [][]float32 {
	outputs := make([][]float32, n.channels)
	for i := range outputs {
		outputs[i] = make([]float32, n.blockSize)
	}
	n.renderOne(r, outputs)
	return outputs
}

func (n *Null) renderOne(r BlockRenderer, outputs [][]float32) {
	for _, ch := range outputs {
		for i := range ch {
			ch[i] = 0
		}
	}

	r.BeginFrame()
	r.Dispatch(&vm.BlockIO{
		ExternalQueues:        n.drainQueues(),
		ExternalControlQueues: n.snapshotControlQueues(),
		Outputs:               outputs,
	})
	r.EndFrame()
}

func (n *Null) drainQueues() map[string]*events.Queue[events.MIDI] {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queues) == 0 {
		return nil
	}
	out := n.queues
	n.queues = make(map[string]*events.Queue[events.MIDI])
	return out
}

func (n *Null) AddEvent(queueName string, ev events.MIDI) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[queueName]
	if !ok {
		q = events.NewQueue[events.MIDI](blockQueueCapacity)
		n.queues[queueName] = q
	}
	q.Push(ev)
	return nil
}

// snapshotControlQueues returns a copy of the named-queue map under n.mu.
// Each *events.ControlQueue is itself safe for concurrent Push/Drain, so
// the caller may Drain it outside n.mu without racing AddControlEvent.
func (n *Null) snapshotControlQueues() map[string]*events.ControlQueue {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.controlQueues) == 0 {
		return nil
	}
	out := make(map[string]*events.ControlQueue, len(n.controlQueues))
	for name, q := range n.controlQueues {
		out[name] = q
	}
	return out
}

func (n *Null) AddControlEvent(queueName string, ev events.Control) error {
	n.mu.Lock()
	q, ok := n.controlQueues[queueName]
	if !ok {
		q = events.NewControlQueue()
		n.controlQueues[queueName] = q
	}
	n.mu.Unlock()
	q.Push(ev)
	return nil
}

func (n *Null) Stop() error {
	if !n.running.Load() {
		return nil
	}
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-n.done
	n.logger.Info("null backend stopped")
	return nil
}

func (n *Null) BackendConnected() bool { return n.running.Load() }
func (n *Null) BackendKind() string    { return "null" }
