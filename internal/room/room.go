// Package room owns the canonical room records: membership, host
// assignment, and the create/join/leave lifecycle, persisted in a
// key-value store with a TTL backstop.
package room

import (
	"errors"
	"time"
)

// User is a room participant. Identity is client-supplied and trusted;
// display names are unique per room, not globally.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
}

// Room is the canonical record for one game room. Users is ordered by
// join time; exactly one user is host while the room is non-empty. An
// empty room is never persisted; it is deleted instead.
type Room struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Users     []User    `json:"users"`
	Active    bool      `json:"active"`
}

// Member returns the user with the given ID, or nil.
func (r *Room) Member(userID string) *User {
	for i := range r.Users {
		if r.Users[i].ID == userID {
			return &r.Users[i]
		}
	}
	return nil
}

// HasName reports whether any member uses the given display name.
func (r *Room) HasName(name string) bool {
	for _, u := range r.Users {
		if u.Name == name {
			return true
		}
	}
	return false
}

// Errors returned by the store. The HTTP layer maps these to status codes.
var (
	ErrNotFound    = errors.New("room: not found")
	ErrNameTaken   = errors.New("room: username already taken in this room")
	ErrInvalidUser = errors.New("room: user id and name are required")
)
