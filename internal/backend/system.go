package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/vm"
)

// System drives block cadence from a host audio device via PortAudio,
// rendering directly inside the device's realtime callback. AddEvent and
// AddControlEvent run from the control thread; the callback takes the same
// mutex only long enough to swap out the pending MIDI queues (allocating a
// fresh map when any are pending) and copy the control-queue map, then
// renders the block without holding it.
type System struct {
	outputChannels int
	sampleRate     float64
	blockSize      int
	logger         *slog.Logger

	stream    *portaudio.Stream
	connected atomic.Bool

	mu            sync.Mutex
	queues        map[string]*events.Queue[events.MIDI]
	controlQueues map[string]*events.ControlQueue
	r             BlockRenderer
}

// NewSystem returns a System backend that opens the default output device
// with outputChannels channels at sampleRate, rendering blockSize frames per
// callback.
func NewSystem(outputChannels, blockSize int, sampleRate float64, logger *slog.Logger) *System {
	return &System{
		outputChannels: outputChannels,
		sampleRate:     sampleRate,
		blockSize:      blockSize,
		logger:         logger.With("subsystem", "backend", "kind", "system"),
		queues:         make(map[string]*events.Queue[events.MIDI]),
		controlQueues:  make(map[string]*events.ControlQueue),
	}
}

func (s *System) Start(ctx context.Context, r BlockRenderer) error {
	if s.stream != nil {
		return ErrAlreadyRunning
	}
	s.r = r

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("backend: portaudio initialize: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(0, s.outputChannels, s.sampleRate, s.blockSize, s.callback)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("backend: open default stream: %w", err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		s.stream = nil
		return fmt.Errorf("backend: start stream: %w", err)
	}
	s.connected.Store(true)
	s.logger.Info("system backend started", "output_channels", s.outputChannels, "sample_rate", s.sampleRate, "block_size", s.blockSize)

	<-ctx.Done()
	return s.Stop()
}

// callback runs on PortAudio's realtime thread. out is laid out one slice
// per output channel, each blockSize samples long.
func (s *System) callback(out [][]float32) {
	s.mu.Lock()
	var queues map[string]*events.Queue[events.MIDI]
	if len(s.queues) > 0 {
		queues = s.queues
		s.queues = make(map[string]*events.Queue[events.MIDI])
	}
	var controlQueues map[string]*events.ControlQueue
	if len(s.controlQueues) > 0 {
		controlQueues = make(map[string]*events.ControlQueue, len(s.controlQueues))
		for name, q := range s.controlQueues {
			controlQueues[name] = q
		}
	}
	s.mu.Unlock()

	s.r.BeginFrame()
	s.r.Dispatch(&vm.BlockIO{ExternalQueues: queues, ExternalControlQueues: controlQueues, Outputs: out})
	s.r.EndFrame()
}

func (s *System) AddEvent(queueName string, ev events.MIDI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		q = events.NewQueue[events.MIDI](blockQueueCapacity)
		s.queues[queueName] = q
	}
	q.Push(ev)
	return nil
}

func (s *System) AddControlEvent(queueName string, ev events.Control) error {
	s.mu.Lock()
	q, ok := s.controlQueues[queueName]
	if !ok {
		q = events.NewControlQueue()
		s.controlQueues[queueName] = q
	}
	s.mu.Unlock()
	q.Push(ev)
	return nil
}

func (s *System) Stop() error {
	if s.stream == nil {
		return nil
	}
	s.connected.Store(false)
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	s.stream = nil
	s.logger.Info("system backend stopped")
	if err != nil {
		return fmt.Errorf("backend: stop stream: %w", err)
	}
	return nil
}

func (s *System) BackendConnected() bool { return s.connected.Load() }
func (s *System) BackendKind() string    { return "system" }
