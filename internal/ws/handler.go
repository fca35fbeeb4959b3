package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/danielhooper/sketchroom/internal/room"
)

// leaveTimeout bounds the departure transition triggered by a closing
// connection. The transition must run to completion even though the
// transport is already gone, so it gets its own context.
const leaveTimeout = 5 * time.Second

// Handler upgrades HTTP requests to WebSocket connections and runs the
// per-connection read loop.
type Handler struct {
	coord *Coordinator
	reg   *Registry
}

// NewHandler creates a WebSocket handler.
func NewHandler(coord *Coordinator, reg *Registry) *Handler {
	return &Handler{coord: coord, reg: reg}
}

// ServeHTTP upgrades the connection. The client must identify itself
// with roomId and userId query parameters; a connection missing either
// is refused with a policy-violation close.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	roomID := r.URL.Query().Get("roomId")
	userID := r.URL.Query().Get("userId")
	if roomID == "" || userID == "" {
		conn.Close(websocket.StatusPolicyViolation, "missing roomId or userId")
		return
	}

	c := NewConn(conn, roomID, userID)
	connCtx := h.reg.Add(c)

	defer func() {
		// The socket may already be dead; the leave transition still
		// has to complete.
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if _, _, err := h.coord.Leave(ctx, roomID, userID); err != nil && !errors.Is(err, room.ErrNotFound) {
			log.Printf("ws: leave on disconnect for user %s in room %s: %v", userID, roomID, err)
		}
	}()

	h.readLoop(r.Context(), connCtx, c)
}

// readLoop reads messages until the connection closes or the registry
// cancels connCtx.
func (h *Handler) readLoop(ctx, connCtx context.Context, c *Conn) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Inbound traffic is proof of life too.
		c.MarkAlive()

		h.coord.HandleMessage(ctx, c, data)
	}
}
