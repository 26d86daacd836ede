package control

import (
	"context"
	"fmt"
)

// PlayFile creates a builtin:file-source node, opens path on it, wires its
// output to the sink's given input port, and publishes the resulting
// program. The node removes itself automatically once the file drains: the
// Surface's NotifyNodeState hook (vm.Listener) publishes this node's
// "end-of-stream" notification to the observer hub, and the private
// observer registerAutoCleanup starts calls RemoveNode from a background
// goroutine, since the notification itself arrives from the audio thread
// and must never block there (spec.md §6 "play_file").
func (s *Surface) PlayFile(ctx context.Context, path string, sinkPort string) (uint64, error) {
	id, err := s.AddNode(ctx, "builtin:file-source", nil)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	inst := s.instances[id]
	s.mu.Unlock()

	opener, ok := inst.(interface{ Open(string) error })
	if !ok {
		s.RemoveNode(ctx, id)
		return 0, fmt.Errorf("control: node kind builtin:file-source does not implement Opener")
	}
	if err := opener.Open(path); err != nil {
		s.RemoveNode(ctx, id)
		return 0, fmt.Errorf("control: opening %s: %w", path, err)
	}

	sinkID := s.g.SinkID()
	if sinkID == 0 {
		s.RemoveNode(ctx, id)
		return 0, fmt.Errorf("control: no sink to play into")
	}
	if err := s.ConnectPorts(ctx, id, "out", sinkID, sinkPort); err != nil {
		s.RemoveNode(ctx, id)
		return 0, err
	}

	s.registerAutoCleanup(id)
	return id, nil
}

// registerAutoCleanup watches for id's first "end-of-stream" notification
// and removes the node once it arrives. Each play_file node gets its own
// short-lived watcher rather than one global dispatcher, since play_file
// nodes are created and torn down far less often than blocks are rendered.
func (s *Surface) registerAutoCleanup(id uint64) {
	obs := s.observers.Connect(fmt.Sprintf("internal:autocleanup:%d", id))
	go func() {
		defer s.observers.Disconnect(obs.ID)
		for {
			select {
			case ev := <-obs.Events():
				if ev.Kind == "node_state" && ev.NodeID == id && ev.State == "end-of-stream" {
					s.RemoveNode(context.Background(), id)
					return
				}
			case <-obs.done:
				return
			}
		}
	}()
}
