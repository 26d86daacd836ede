package control

import (
	"context"
	"fmt"

	"github.com/wavegraph/engine/internal/backend"
	"github.com/wavegraph/engine/internal/events"
)

// SetBackend stops the currently running backend and starts next in its
// place, driving the same executor. The old backend's Stop is synchronous
// (spec.md §4.E backends own their own shutdown drain), so by the time this
// returns no block is in flight against the old driver.
func (s *Surface) SetBackend(ctx context.Context, next backend.Backend) error {
	s.beMu.Lock()
	defer s.beMu.Unlock()

	if s.beCancel != nil {
		s.beCancel()
	}
	if err := s.be.Stop(); err != nil {
		s.logger.Warn("stopping previous backend", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.be = next
	s.beCancel = cancel

	go func() {
		if err := next.Start(runCtx, s.exec); err != nil {
			s.logger.Error("backend exited with error", "kind", next.BackendKind(), "error", err)
		}
	}()

	s.observers.publish(event{Kind: "backend_changed", DescURI: next.BackendKind()})
	return nil
}

// AddEvent forwards an externally sourced event (e.g. an incoming MIDI
// message from a UI control) to the active backend's named queue, for
// delivery on its next block boundary.
func (s *Surface) AddEvent(queueName string, ev events.MIDI) error {
	s.beMu.Lock()
	be := s.be
	s.beMu.Unlock()

	if err := be.AddEvent(queueName, ev); err != nil {
		return fmt.Errorf("control: add_event: %w", err)
	}
	return nil
}

// AddControlEvent forwards a generation-tagged control value (spec.md §6
// Event format) to the active backend's named queue, for delivery on its
// next block boundary subject to the queue's stale-generation discard.
func (s *Surface) AddControlEvent(queueName string, ev events.Control) error {
	s.beMu.Lock()
	be := s.be
	s.beMu.Unlock()

	if err := be.AddControlEvent(queueName, ev); err != nil {
		return fmt.Errorf("control: add_control_event: %w", err)
	}
	return nil
}
