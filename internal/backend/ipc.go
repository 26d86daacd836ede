//go:build linux || darwin

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wavegraph/engine/internal/arena"
	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/graph"
	"github.com/wavegraph/engine/internal/vm"
)

// IPC drives block cadence internally (a wall-clock ticker, same as Null)
// and republishes every rendered block into a named POSIX shared-memory
// region for a cooperating external process to consume — spec.md §4.E's
// "exchanges blocks over a shared memory region with another process"
// variant. Event input travels the other direction through AddEvent, fed
// by whatever IPC transport the external process uses to signal the
// control surface (out of scope here: AddEvent just needs a caller).
type IPC struct {
	name       string
	blockSize  int
	sampleRate int
	channels   int
	interval   time.Duration
	logger     *slog.Logger

	region *arena.ShmRegion

	mu            sync.Mutex
	queues        map[string]*events.Queue[events.MIDI]
	controlQueues map[string]*events.ControlQueue

	connected atomic.Bool
	running   atomic.Bool
	done      chan struct{}
	cancel    context.CancelFunc
	blockSeq  uint64
}

// NewIPC returns an IPC backend that will publish blockSize-frame,
// channelCount-channel blocks into /dev/shm/<name>.
func NewIPC(name string, blockSize, sampleRate, channelCount int, logger *slog.Logger) *IPC {
	return &IPC{
		name:       name,
		blockSize:  blockSize,
		sampleRate: sampleRate,
		channels:   channelCount,
		interval:   time.Duration(float64(blockSize) / float64(sampleRate) * float64(time.Second)),
		logger:        logger.With("subsystem", "backend", "kind", "ipc", "region", name),
		queues:        make(map[string]*events.Queue[events.MIDI]),
		controlQueues: make(map[string]*events.ControlQueue),
	}
}

func (i *IPC) Start(ctx context.Context, r BlockRenderer) error {
	if !i.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer i.running.Store(false)

	slots := make([]arena.SlotDesc, i.channels)
	for c := range slots {
		slots[c] = arena.SlotDesc{Type: graph.AudioMono, Channels: 1, Length: i.blockSize}
	}
	layout := arena.NewLayout(slots)

	region, err := arena.OpenShmRegion(i.name, layout, 0)
	if err != nil {
		return fmt.Errorf("backend: opening ipc region: %w", err)
	}
	i.region = region
	i.connected.Store(true)
	defer func() {
		i.connected.Store(false)
		region.Close()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()

	i.done = make(chan struct{})
	defer close(i.done)

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	outputs := make([][]float32, i.channels)
	for c := range outputs {
		outputs[c] = make([]float32, i.blockSize)
	}

	i.logger.Info("ipc backend started", "block_size", i.blockSize, "channels", i.channels)

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			i.renderOne(r, outputs)
		}
	}
}

func (i *IPC) renderOne(r BlockRenderer, outputs [][]float32) {
	r.BeginFrame()
	r.Dispatch(&vm.BlockIO{
		ExternalQueues:        i.drainQueues(),
		ExternalControlQueues: i.snapshotControlQueues(),
		Outputs:               outputs,
	})
	r.EndFrame()

	for c, ch := range outputs {
		copy(i.region.Channel(c, 0), ch)
	}
	i.blockSeq++
	i.region.Touch(i.blockSeq)
}

func (i *IPC) drainQueues() map[string]*events.Queue[events.MIDI] {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queues) == 0 {
		return nil
	}
	out := i.queues
	i.queues = make(map[string]*events.Queue[events.MIDI])
	return out
}

func (i *IPC) AddEvent(queueName string, ev events.MIDI) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	q, ok := i.queues[queueName]
	if !ok {
		q = events.NewQueue[events.MIDI](blockQueueCapacity)
		i.queues[queueName] = q
	}
	q.Push(ev)
	return nil
}

func (i *IPC) snapshotControlQueues() map[string]*events.ControlQueue {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.controlQueues) == 0 {
		return nil
	}
	out := make(map[string]*events.ControlQueue, len(i.controlQueues))
	for name, q := range i.controlQueues {
		out[name] = q
	}
	return out
}

func (i *IPC) AddControlEvent(queueName string, ev events.Control) error {
	i.mu.Lock()
	q, ok := i.controlQueues[queueName]
	if !ok {
		q = events.NewControlQueue()
		i.controlQueues[queueName] = q
	}
	i.mu.Unlock()
	q.Push(ev)
	return nil
}

func (i *IPC) Stop() error {
	if !i.running.Load() {
		return nil
	}
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-i.done
	if err := arena.RemoveShmRegion(i.name); err != nil {
		i.logger.Warn("removing shm region", "error", err)
	}
	i.logger.Info("ipc backend stopped")
	return nil
}

func (i *IPC) BackendConnected() bool { return i.connected.Load() }
func (i *IPC) BackendKind() string    { return "ipc" }
