package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wavegraph/engine/internal/api/middleware"
	"github.com/wavegraph/engine/internal/backend"
	"github.com/wavegraph/engine/internal/config"
	"github.com/wavegraph/engine/internal/control"
	"github.com/wavegraph/engine/internal/events"
	"github.com/wavegraph/engine/internal/graph"
)

// Server holds HTTP handler dependencies and the chi router. It is a thin
// JSON/SSE binding over control.Surface — every handler validates its
// request body, calls exactly one Surface method, and writes the result
// through the shared envelope helpers.
type Server struct {
	router  *chi.Mux
	ctrl    *control.Surface
	cfg     *config.Config
	jwtKey  []byte
	logger  *slog.Logger
	limiter *middleware.IPRateLimiter
	authLim *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(ctrl *control.Surface, cfg *config.Config, jwtKey []byte, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		ctrl:    ctrl,
		cfg:     cfg,
		jwtKey:  jwtKey,
		logger:  logger.With("subsystem", "api"),
		limiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLim: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts every control-surface
// operation from spec.md §6 under /api/v1.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.authLim))
			r.Post("/sessions", s.handleStartSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			r.Use(middleware.RequireSession(s.jwtKey))

			r.Delete("/sessions/{id}", s.handleEndSession)
			r.Get("/sessions/{id}/events", s.handleSessionEvents)

			r.Get("/dump", s.handleDump)

			r.Post("/nodes", s.handleAddNode)
			r.Delete("/nodes/{id}", s.handleRemoveNode)
			r.Put("/nodes/{id}/parameters/{name}", s.handleSetParameter)
			r.Put("/nodes/{id}/ports/{port}/properties/{key}", s.handleSetPortProperty)

			r.Post("/connections", s.handleConnectPorts)
			r.Delete("/connections", s.handleDisconnectPorts)

			r.Put("/block-size", s.handleSetBlockSize)
			r.Post("/backend", s.handleSetBackend)
			r.Post("/events", s.handleAddEvent)
			r.Post("/play-file", s.handlePlayFile)

			r.Post("/shutdown", s.handleShutdown)
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth is unauthenticated so a client can probe liveness before it
// has a session token.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dump := s.ctrl.Dump()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"backend_kind":      dump.BackendKind,
		"backend_connected": dump.BackendConnected,
	})
}

// handleStartSession issues a bearer token and begins observer fan-out for
// the caller (spec.md §6 start_session).
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ObserverAddr string `json:"observer_addr"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.ObserverAddr == "" {
		req.ObserverAddr = r.RemoteAddr
	}

	token, expiresAt, sessionID, err := s.ctrl.StartSession(s.jwtKey, req.ObserverAddr)
	if err != nil {
		s.logger.Error("start_session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
		"session_id": sessionID,
	})
}

// handleEndSession tears down observer fan-out for a session (spec.md §6
// end_session). A session may only end itself; there is no admin override.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != middleware.SessionIDFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "cannot end another session")
		return
	}
	s.ctrl.EndSession(id)
	writeJSON(w, http.StatusOK, nil)
}

// handleSessionEvents streams the observer's replay-then-live event log as
// server-sent events. The Connecting->Live transition (spec.md §4.F) is
// invisible to the client: both replayed and live events arrive on the same
// channel in the same order.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != middleware.SessionIDFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "cannot read another session's events")
		return
	}
	obs, ok := s.ctrl.Observer(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			fmt.Fprint(w, "data: ")
			if err := enc.Encode(ev); err != nil {
				return
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleDump returns the graph/executor/backend snapshot (spec.md §6 dump).
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Dump())
}

// handleAddNode adds a new node (spec.md §6 add_node).
func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DescURI string             `json:"desc_uri"`
		Params  map[string]float64 `json:"params"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	id, err := s.ctrl.AddNode(r.Context(), req.DescURI, req.Params)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"node_id": id})
}

// handleRemoveNode removes a node by id (spec.md §6 remove_node).
func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseNodeID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.ctrl.RemoveNode(r.Context(), id); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleConnectPorts wires two ports together (spec.md §6 connect_ports).
func (s *Server) handleConnectPorts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SrcNode uint64 `json:"src_node"`
		SrcPort string `json:"src_port"`
		DstNode uint64 `json:"dst_node"`
		DstPort string `json:"dst_port"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.ctrl.ConnectPorts(r.Context(), req.SrcNode, req.SrcPort, req.DstNode, req.DstPort); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nil)
}

// handleDisconnectPorts removes a connection (spec.md §6 disconnect_ports).
func (s *Server) handleDisconnectPorts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SrcNode uint64 `json:"src_node"`
		SrcPort string `json:"src_port"`
		DstNode uint64 `json:"dst_node"`
		DstPort string `json:"dst_port"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.ctrl.DisconnectPorts(r.Context(), req.SrcNode, req.SrcPort, req.DstNode, req.DstPort); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleSetParameter applies a hot parameter change (spec.md §6
// set_parameter / §8 hot-parameter-change scenario).
func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseNodeID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	name := chi.URLParam(r, "name")

	var req struct {
		Value float64 `json:"value"`
		Bytes []byte  `json:"bytes"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	value := graph.ParamValue{Kind: graph.ParamFloat, Float: req.Value}
	if req.Bytes != nil {
		value = graph.ParamValue{Kind: graph.ParamBytes, Bytes: req.Bytes}
	}

	if err := s.ctrl.SetParameter(r.Context(), id, name, value); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleSetPortProperty sets an instance-level port property, e.g. mixer
// channel routing (spec.md §6 set_port_property).
func (s *Server) handleSetPortProperty(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseNodeID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	port := chi.URLParam(r, "port")
	key := chi.URLParam(r, "key")

	var req struct {
		Value any `json:"value"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.ctrl.SetPortProperty(r.Context(), id, port, key, req.Value); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleSetBlockSize changes the host block size and re-prepares every live
// instance (spec.md §6 set_block_size).
func (s *Server) handleSetBlockSize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockSize int `json:"block_size"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.BlockSize < 1 {
		writeError(w, http.StatusBadRequest, "block_size must be positive")
		return
	}

	if err := s.ctrl.SetBlockSize(r.Context(), req.BlockSize); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleSetBackend swaps the running output backend (spec.md §6
// set_backend). Backend construction lives here rather than in
// internal/control so control never imports concrete driver packages
// beyond the Backend interface itself.
func (s *Server) handleSetBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      string `json:"kind"`
		Channels  int    `json:"channels"`
		ShmRegion string `json:"shm_region"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Channels < 1 {
		req.Channels = 2
	}

	var be backend.Backend
	switch req.Kind {
	case "null":
		be = backend.NewNull(s.cfg.BlockSize, s.cfg.SampleRate, req.Channels, s.logger)
	case "system":
		be = backend.NewSystem(req.Channels, s.cfg.BlockSize, float64(s.cfg.SampleRate), s.logger)
	case "ipc":
		region := req.ShmRegion
		if region == "" {
			region = s.cfg.ShmRegion
		}
		if region == "" {
			writeError(w, http.StatusBadRequest, "shm_region is required for the ipc backend")
			return
		}
		be = backend.NewIPC(region, s.cfg.BlockSize, s.cfg.SampleRate, req.Channels, s.logger)
	default:
		writeError(w, http.StatusBadRequest, "kind must be one of null, system, ipc")
		return
	}

	if err := s.ctrl.SetBackend(r.Context(), be); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backend_kind": be.BackendKind()})
}

// handleAddEvent forwards a MIDI or control event to a named backend queue
// (spec.md §6 add_event). The payload shape distinguishes the two: a
// control event carries "name" and has no "bytes".
func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QueueName  string  `json:"queue_name"`
		Bytes      []byte  `json:"bytes"`
		Offset     uint32  `json:"offset"`
		Name       string  `json:"name"`
		Value      float64 `json:"value"`
		Generation uint64  `json:"generation"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if req.Name != "" {
		ev := events.Control{Name: req.Name, Value: req.Value, Generation: req.Generation}
		if err := s.ctrl.AddControlEvent(req.QueueName, ev); err != nil {
			s.writeControlError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nil)
		return
	}

	if len(req.Bytes) != 3 {
		writeError(w, http.StatusBadRequest, "bytes must contain exactly 3 elements")
		return
	}

	ev := events.MIDI{Offset: req.Offset}
	copy(ev.Bytes[:], req.Bytes)

	if err := s.ctrl.AddEvent(req.QueueName, ev); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handlePlayFile auto-wires a builtin:file-source node into the graph and
// arranges for its own teardown at end of stream (spec.md §6 play_file).
func (s *Server) handlePlayFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string `json:"path"`
		SinkPort string `json:"sink_port"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Path == "" || req.SinkPort == "" {
		writeError(w, http.StatusBadRequest, "path and sink_port are required")
		return
	}

	id, err := s.ctrl.PlayFile(r.Context(), req.Path, req.SinkPort)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"node_id": id})
}

// handleShutdown stops accepting mutations and tears down the backend
// (spec.md §6 shutdown). The HTTP server itself keeps running so the
// response can be delivered; the caller's process supervisor is expected
// to stop the listener afterward.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.ctrl.Shutdown(ctx); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// writeControlError maps a control-surface sentinel error to an HTTP status.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, control.ErrWriterLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, control.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, control.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// parseNodeID extracts and validates a uint64 node id URL parameter.
func parseNodeID(r *http.Request, param string) (uint64, string) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil {
		return 0, "invalid node id"
	}
	return id, ""
}
