package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// Wire message types. Messages are flat JSON objects discriminated by a
// "type" field.
const (
	TypeChat         = "chat"
	TypeDraw         = "draw"
	TypeClearCanvas  = "clearCanvas"
	TypeStartRound   = "startRound"
	TypeEndRound     = "endRound"
	TypeCorrectGuess = "correctGuess"
	TypeUserJoined   = "userJoined"
	TypeUserLeft     = "userLeft"
	TypeLeaveRoom    = "leaveRoom"
)

var knownTypes = map[string]bool{
	TypeChat:         true,
	TypeDraw:         true,
	TypeClearCanvas:  true,
	TypeStartRound:   true,
	TypeEndRound:     true,
	TypeCorrectGuess: true,
	TypeUserJoined:   true,
	TypeUserLeft:     true,
	TypeLeaveRoom:    true,
}

// Decode errors. Neither is fatal to a connection: the coordinator logs
// and discards the offending message.
var (
	ErrUnknownType = errors.New("ws: unknown message type")
	ErrMissingType = errors.New("ws: message has no type field")
)

// DecodeType extracts and validates the discriminator of a wire message.
// The raw type value is returned even alongside ErrUnknownType so it can
// be logged.
func DecodeType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("ws: decode message: %w", err)
	}
	if probe.Type == "" {
		return "", ErrMissingType
	}
	if !knownTypes[probe.Type] {
		return probe.Type, ErrUnknownType
	}
	return probe.Type, nil
}

// ChatMessage carries a chat line in either direction.
type ChatMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// DrawMessage carries one stroke event of an in-progress drawing.
type DrawMessage struct {
	Type      string  `json:"type"`
	Action    string  `json:"action"` // start, move or end
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
	LineWidth float64 `json:"lineWidth"`
}

// StartRoundMessage announces a new round. Word is delivered only to
// the drawer; every other recipient gets a redacted copy.
type StartRoundMessage struct {
	Type     string `json:"type"`
	DrawerID string `json:"drawerId"`
	Word     string `json:"word,omitempty"`
}

// EndRoundMessage announces the end of a round.
type EndRoundMessage struct {
	Type     string `json:"type"`
	Word     string `json:"word"`
	WinnerID string `json:"winnerId,omitempty"`
}

// CorrectGuessMessage announces that a player guessed the word.
type CorrectGuessMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserRef identifies a user in membership notifications.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserJoinedMessage notifies peers that a user joined the room.
type UserJoinedMessage struct {
	Type string `json:"type"`
	User any    `json:"user"`
}

// UserLeftMessage notifies peers that a user left the room, carrying the
// departed user's id and last-known name.
type UserLeftMessage struct {
	Type string  `json:"type"`
	User UserRef `json:"user"`
}

// LeaveRoomMessage is sent by a client to leave its room explicitly.
type LeaveRoomMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// encode marshals an outbound message, logging on failure. A nil return
// means the message should not be sent.
func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("ws: failed to marshal message: %v", err)
		return nil
	}
	return data
}
