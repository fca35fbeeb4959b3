// Package server wires the HTTP surface: room CRUD endpoints, the
// WebSocket upgrade route, and the liveness monitor lifecycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/danielhooper/sketchroom/internal/kvstore"
	"github.com/danielhooper/sketchroom/internal/ratelimit"
	"github.com/danielhooper/sketchroom/internal/room"
	"github.com/danielhooper/sketchroom/internal/ws"
)

// Server is the main HTTP server.
type Server struct {
	addr      string
	mux       *http.ServeMux
	rooms     *room.Store
	reg       *ws.Registry
	coord     *ws.Coordinator
	monitor   *ws.Monitor
	limiter   *ratelimit.Limiter
	heartbeat time.Duration
	roomTTL   time.Duration

	httpSrv *http.Server
	cancel  context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithHeartbeatInterval sets the liveness monitor sweep interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithRoomTTL sets the backstop expiry on room records.
func WithRoomTTL(d time.Duration) Option {
	return func(s *Server) { s.roomTTL = d }
}

// WithRateLimit guards the create and join endpoints with a per-IP
// sliding-window limiter. A max of 0 disables limiting.
func WithRateLimit(max int, window time.Duration) Option {
	return func(s *Server) {
		if max > 0 {
			s.limiter = ratelimit.New(max, window)
		}
	}
}

// New creates a Server listening on addr, persisting rooms in kv.
func New(addr string, kv kvstore.Store, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		mux:       http.NewServeMux(),
		heartbeat: ws.DefaultHeartbeatInterval,
		roomTTL:   room.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.rooms = room.NewStore(kv, s.roomTTL)
	s.reg = ws.NewRegistry()
	s.coord = ws.NewCoordinator(s.rooms, s.reg)
	s.monitor = ws.NewMonitor(s.reg, s.coord, s.heartbeat)

	s.routes()
	return s
}

// Handler returns the root HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the liveness monitor and the HTTP server, blocking until
// the server stops.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.monitor.Run(ctx)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.mux}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the monitor, closes all realtime connections, and
// shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.reg.Shutdown()
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("POST /api/rooms", s.limited(s.handleCreateRoom))
	s.mux.HandleFunc("GET /api/rooms/{roomId}", s.handleGetRoom)
	s.mux.HandleFunc("POST /api/rooms/{roomId}/join", s.limited(s.handleJoinRoom))
	s.mux.HandleFunc("DELETE /api/rooms/{roomId}/users/{userId}", s.handleRemoveUser)
	s.mux.Handle("GET /ws", ws.NewHandler(s.coord, s.reg))
}

// limited wraps a handler with the per-IP rate limiter, when configured.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.rooms.List(r.Context())
	if err != nil {
		log.Printf("server: list rooms: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// createRoomRequest is the body of POST /api/rooms.
type createRoomRequest struct {
	RoomID string    `json:"roomId"`
	User   room.User `json:"user"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.coord.Create(r.Context(), req.RoomID, req.User)
	if err != nil {
		s.writeRoomError(w, err, "failed to create room")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	got, err := s.rooms.Get(r.Context(), r.PathValue("roomId"))
	if err != nil {
		s.writeRoomError(w, err, "failed to fetch room")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// joinRoomRequest is the body of POST /api/rooms/{roomId}/join.
type joinRoomRequest struct {
	User room.User `json:"user"`
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	joined, err := s.coord.Join(r.Context(), r.PathValue("roomId"), req.User)
	if err != nil {
		s.writeRoomError(w, err, "failed to join room")
		return
	}
	writeJSON(w, http.StatusOK, joined)
}

// removeUserResponse reports the outcome of a removal: the surviving
// room, or deleted=true when the departure emptied it.
type removeUserResponse struct {
	Deleted bool       `json:"deleted"`
	Room    *room.Room `json:"room,omitempty"`
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	userID := r.PathValue("userId")

	updated, deleted, err := s.coord.Leave(r.Context(), roomID, userID)
	if err != nil {
		s.writeRoomError(w, err, "failed to remove user")
		return
	}
	writeJSON(w, http.StatusOK, removeUserResponse{Deleted: deleted, Room: updated})
}

// writeRoomError maps store errors onto status codes: 400 invalid
// input, 404 not found, 409 duplicate name, 500 otherwise.
func (s *Server) writeRoomError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, room.ErrInvalidUser):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, room.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, room.ErrNameTaken):
		writeError(w, http.StatusConflict, "username already taken in this room")
	default:
		log.Printf("server: %s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}
