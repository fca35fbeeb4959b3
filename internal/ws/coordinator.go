package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"nhooyr.io/websocket"

	"github.com/danielhooper/sketchroom/internal/room"
)

// Coordinator owns the membership state machine and the event fan-out
// protocol. It is the only caller of the room store's mutating
// operations; every form of departure (explicit leave message, socket
// close, failed liveness probe, HTTP removal) converges on Leave.
type Coordinator struct {
	rooms *room.Store
	reg   *Registry
}

// NewCoordinator creates a coordinator over the given store and registry.
func NewCoordinator(rooms *room.Store, reg *Registry) *Coordinator {
	return &Coordinator{rooms: rooms, reg: reg}
}

// Join adds user to the room, creating it lazily with user as sole
// member and host when absent. Peers already in the room are notified
// with a userJoined broadcast only when the membership actually changed:
// the creator of a fresh room has no peers to notify, and a retried join
// for an existing member must not show peers a phantom join.
func (co *Coordinator) Join(ctx context.Context, roomID string, user room.User) (*room.Room, error) {
	r, created, added, err := co.rooms.Join(ctx, roomID, user)
	if err != nil {
		return nil, err
	}

	if added {
		if !created {
			joined := r.Member(user.ID)
			if joined == nil {
				// Cannot happen after a successful join; guard for the broadcast.
				joined = &user
			}
			co.broadcast(roomID, co.reg.Find(roomID, user.ID), encode(UserJoinedMessage{
				Type: TypeUserJoined,
				User: *joined,
			}))
		}
		log.Printf("room: user %s joined room %s", user.ID, roomID)
	}
	return r, nil
}

// Leave removes the user from the room and tears down their live
// connection if one exists. It returns the room as it stands after the
// removal, nil with deleted=true when the departure emptied the room.
// Leave is idempotent: once the user is gone from the persisted record,
// subsequent calls are no-ops with no broadcast. An absent room reports
// room.ErrNotFound so the HTTP layer can answer 404; connection-driven
// callers treat it as a benign race with an earlier departure.
func (co *Coordinator) Leave(ctx context.Context, roomID, userID string) (*room.Room, bool, error) {
	r, removed, deleted, err := co.rooms.RemoveUser(ctx, roomID, userID)
	if errors.Is(err, room.ErrNotFound) {
		// Room already gone; nothing to undo but the connection.
		co.dropConn(roomID, userID)
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}

	co.dropConn(roomID, userID)

	if removed == nil {
		return r, false, nil
	}
	if deleted {
		log.Printf("room: room %s deleted (empty)", roomID)
		return nil, true, nil
	}

	co.broadcast(roomID, nil, encode(UserLeftMessage{
		Type: TypeUserLeft,
		User: UserRef{ID: removed.ID, Name: removed.Name},
	}))
	log.Printf("room: user %s left room %s", userID, roomID)
	return r, false, nil
}

// Create persists a new room with host as its sole member. Exposed for
// the explicit room-creation endpoint; the coordinator stays the sole
// caller of the store's mutating operations.
func (co *Coordinator) Create(ctx context.Context, roomID string, host room.User) (*room.Room, error) {
	return co.rooms.Create(ctx, roomID, host)
}

// dropConn unregisters and closes the live connection for (roomID,
// userID), if any. The registry removal is idempotent, so racing
// departure paths are harmless.
func (co *Coordinator) dropConn(roomID, userID string) {
	c := co.reg.Find(roomID, userID)
	if c == nil {
		return
	}
	co.reg.Remove(c)
	// The close handshake can stall on a dead peer; it must not delay
	// the departure broadcast.
	go c.Close(websocket.StatusNormalClosure, "left room")
}

// HandleMessage dispatches one inbound wire message from sender.
// Malformed or unrecognized messages are logged and discarded; the
// connection stays open.
func (co *Coordinator) HandleMessage(ctx context.Context, sender *Conn, data []byte) {
	msgType, err := DecodeType(data)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			log.Printf("ws: discarding message with unknown type %q from user %s", msgType, sender.userID)
		} else {
			log.Printf("ws: discarding malformed message from user %s: %v", sender.userID, err)
		}
		return
	}

	switch msgType {
	case TypeLeaveRoom:
		var msg LeaveRoomMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("ws: discarding malformed leaveRoom from user %s: %v", sender.userID, err)
			return
		}
		userID := msg.UserID
		if userID == "" {
			userID = sender.userID
		}
		if _, _, err := co.Leave(ctx, sender.roomID, userID); err != nil && !errors.Is(err, room.ErrNotFound) {
			log.Printf("ws: leave failed for user %s in room %s: %v", userID, sender.roomID, err)
		}

	case TypeStartRound:
		co.relayStartRound(sender, data)

	case TypeChat, TypeDraw, TypeClearCanvas, TypeEndRound, TypeCorrectGuess:
		co.broadcast(sender.roomID, sender, data)

	default:
		// userJoined/userLeft originate server-side only.
		log.Printf("ws: discarding server-only message type %q from user %s", msgType, sender.userID)
	}
}

// relayStartRound forwards a round announcement, delivering the word
// only to the drawer. Everyone else gets a redacted copy.
func (co *Coordinator) relayStartRound(sender *Conn, data []byte) {
	var msg StartRoundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("ws: discarding malformed startRound from user %s: %v", sender.userID, err)
		return
	}

	redacted := encode(StartRoundMessage{Type: TypeStartRound, DrawerID: msg.DrawerID})
	for _, c := range co.reg.InRoom(sender.roomID, sender) {
		if c.userID == msg.DrawerID {
			co.reg.Send(c, data)
			continue
		}
		co.reg.Send(c, redacted)
	}
}

// broadcast fans out data to all live connections in the room except the
// excluded one. Delivery is best effort per recipient; a dead or slow
// peer never blocks the rest.
func (co *Coordinator) broadcast(roomID string, excluding *Conn, data []byte) {
	if data == nil {
		return
	}
	for _, c := range co.reg.InRoom(roomID, excluding) {
		co.reg.Send(c, data)
	}
}
