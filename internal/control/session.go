package control

import (
	"time"

	"github.com/google/uuid"

	"github.com/wavegraph/engine/internal/api/middleware"
)

// StartSession begins a new observer session for observerAddr (typically a
// UI client's connection identifier), returning a signed bearer token and
// its expiry. The session id doubles as the observer hub registration key.
// The hub connects the session's observer once, here; a later event-stream
// request for the same session reads that observer's channel and continues
// where the previous reader stopped, without a new replay.
func (s *Surface) StartSession(secret []byte, observerAddr string) (token string, expiresAt time.Time, sessionID string, err error) {
	sessionID = uuid.NewString()

	token, expiresAt, err = middleware.GenerateSessionToken(secret, sessionID, observerAddr)
	if err != nil {
		return "", time.Time{}, "", err
	}

	s.observers.Connect(sessionID)
	s.logger.Info("session started", "session_id", sessionID, "observer_addr", observerAddr)
	return token, expiresAt, sessionID, nil
}

// EndSession tears down an observer's registration. The JWT itself is not
// revocable before expiry (stateless HS256 tokens per the teacher's
// session-token pattern); EndSession only stops fan-out and replay.
func (s *Surface) EndSession(sessionID string) {
	s.observers.Disconnect(sessionID)
	s.logger.Info("session ended", "session_id", sessionID)
}

// Observer returns the hub-tracked Observer for a session id, for the HTTP
// layer's event-stream handler to read from.
func (s *Surface) Observer(sessionID string) (*Observer, bool) {
	s.observers.mu.Lock()
	defer s.observers.mu.Unlock()
	o, ok := s.observers.observers[sessionID]
	return o, ok
}
