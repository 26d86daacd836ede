// Package backend implements the block-cadence drivers that call into a
// vm.Executor once per audio block (spec.md §4.E). The driver owns the
// cadence; the executor is reactive — a backend's only job is to decide
// when a block happens, hand it the event queues it collected since the
// last one, and carry the rendered output wherever it needs to go.
package backend

import (
	"context"
	"errors"

	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/vm"
)

// ErrAlreadyRunning is returned by Start if the backend is already driving
// a cadence.
var ErrAlreadyRunning = errors.New("backend: already running")

// BlockRenderer is the subset of *vm.Executor a backend drives. Backends
// depend on this narrow interface, not the concrete type, so a test can
// substitute a fake executor without building a compiled program.
type BlockRenderer interface {
	BeginFrame()
	Dispatch(io *vm.BlockIO)
	EndFrame()
}

// Backend is a running block-cadence driver. All three variants — Null,
// System, IPC — satisfy this interface identically; callers (the control
// surface) never branch on which one is active except to report
// BackendKind() for diagnostics.
type Backend interface {
	// Start begins driving blocks against r until the context is canceled
	// or Stop is called. Start returns once the driver loop has exited.
	Start(ctx context.Context, r BlockRenderer) error

	// AddEvent enqueues an event on queueName for delivery on the next
	// block boundary. Safe to call concurrently with Start's loop.
	AddEvent(queueName string, ev events.MIDI) error

	// AddControlEvent enqueues a generation-tagged control value on
	// queueName for delivery on the next block boundary, subject to the
	// queue's own stale-generation discard (spec.md §6 Event format). Safe
	// to call concurrently with Start's loop.
	AddControlEvent(queueName string, ev events.Control) error

	// Stop requests the driver loop exit and waits for it to do so.
	Stop() error

	// BackendConnected reports whether the underlying device or peer is
	// currently reachable (metrics.BackendStatusProvider).
	BackendConnected() bool

	// BackendKind reports a short label ("null", "system", "ipc") for
	// diagnostics and metrics (metrics.BackendStatusProvider).
	BackendKind() string
}
