package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/danielhooper/sketchroom/internal/kvstore"
)

// DefaultTTL is the backstop expiry for room records. Deletion on empty
// is the primary cleanup mechanism; the TTL only reclaims rooms orphaned
// by a crashed process.
const DefaultTTL = 24 * time.Hour

// roomKey returns the storage key for a room record.
func roomKey(roomID string) string {
	return "room:" + roomID
}

// gameKey returns the storage key for a room's auxiliary game record.
func gameKey(roomID string) string {
	return "game:" + roomID
}

// Store is the single writer of authoritative room records. Every
// mutation is a read-modify-write against the current persisted value,
// serialized per room so near-simultaneous joins and leaves on the same
// room cannot lose updates.
type Store struct {
	kv  kvstore.Store
	ttl time.Duration

	mu    sync.Mutex
	locks map[string]*roomLock
}

// roomLock is a refcounted mutex serializing one room's mutations.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a room store over the given key-value backend.
func NewStore(kv kvstore.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		kv:    kv,
		ttl:   ttl,
		locks: make(map[string]*roomLock),
	}
}

// lockRoom acquires the mutex serializing mutations for one room. The
// matching unlockRoom call drops the table entry once no other mutation
// holds or waits on it, so the table only tracks rooms with mutations in
// flight.
func (s *Store) lockRoom(roomID string) *roomLock {
	s.mu.Lock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &roomLock{}
		s.locks[roomID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

// unlockRoom releases the room mutex acquired by lockRoom.
func (s *Store) unlockRoom(roomID string, l *roomLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, roomID)
	}
	s.mu.Unlock()
}

// Create persists a new room with hostUser as its sole member and host.
// An existing record under the same ID is overwritten; the lazy-create
// join path relies on create being a plain overwrite.
func (s *Store) Create(ctx context.Context, roomID string, hostUser User) (*Room, error) {
	if roomID == "" || hostUser.ID == "" || hostUser.Name == "" {
		return nil, ErrInvalidUser
	}

	l := s.lockRoom(roomID)
	defer s.unlockRoom(roomID, l)

	return s.create(ctx, roomID, hostUser)
}

// create persists a fresh room record. Must be called while holding the
// room lock.
func (s *Store) create(ctx context.Context, roomID string, hostUser User) (*Room, error) {
	hostUser.IsHost = true
	r := &Room{
		ID:        roomID,
		CreatedAt: time.Now().UTC(),
		Users:     []User{hostUser},
		Active:    true,
	}
	if err := s.persist(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the room with the given ID, or ErrNotFound. A record that
// fails to deserialize is logged and treated as absent rather than
// failing the caller.
func (s *Store) Get(ctx context.Context, roomID string) (*Room, error) {
	data, err := s.kv.Get(ctx, roomKey(roomID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("room: get %s: %w", roomID, err)
	}

	var r Room
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		log.Printf("room: corrupt record for %s, treating as absent: %v", roomID, err)
		return nil, ErrNotFound
	}
	return &r, nil
}

// AddUser appends user to the room, preserving join order. Adding a user
// whose ID is already a member is a no-op, reported via added=false.
// Adding a user whose display name is already taken by a different
// member fails with ErrNameTaken.
func (s *Store) AddUser(ctx context.Context, roomID string, user User) (*Room, bool, error) {
	if user.ID == "" || user.Name == "" {
		return nil, false, ErrInvalidUser
	}

	l := s.lockRoom(roomID)
	defer s.unlockRoom(roomID, l)

	return s.addUser(ctx, roomID, user)
}

// addUser performs the read-modify-write for AddUser. Must be called
// while holding the room lock.
func (s *Store) addUser(ctx context.Context, roomID string, user User) (*Room, bool, error) {
	r, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, false, err
	}

	if r.Member(user.ID) != nil {
		return r, false, nil
	}
	if r.HasName(user.Name) {
		return nil, false, ErrNameTaken
	}

	user.IsHost = false
	r.Users = append(r.Users, user)
	if err := s.persist(ctx, r); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Join adds user to the room, creating the room lazily with user as host
// when no record exists. The returned bools report whether the room was
// created by this call and whether the user was actually appended; a
// retried join for an existing member reports added=false. The
// absent-check and creation happen under one lock so two racing
// first-joins cannot overwrite each other.
func (s *Store) Join(ctx context.Context, roomID string, user User) (*Room, bool, bool, error) {
	if roomID == "" || user.ID == "" || user.Name == "" {
		return nil, false, false, ErrInvalidUser
	}

	l := s.lockRoom(roomID)
	defer s.unlockRoom(roomID, l)

	r, added, err := s.addUser(ctx, roomID, user)
	if errors.Is(err, ErrNotFound) {
		r, err = s.create(ctx, roomID, user)
		return r, err == nil, err == nil, err
	}
	return r, false, added, err
}

// RemoveUser removes the user from the room. The removed user is
// returned so callers can broadcast the departure; it is nil when the
// user was not a member (second leave for the same departure is a
// no-op). Removing the host promotes the earliest-joined remaining
// member; removing the last member deletes the room and its auxiliary
// game record, reported via deleted.
func (s *Store) RemoveUser(ctx context.Context, roomID, userID string) (r *Room, removed *User, deleted bool, err error) {
	l := s.lockRoom(roomID)
	defer s.unlockRoom(roomID, l)

	r, err = s.Get(ctx, roomID)
	if err != nil {
		return nil, nil, false, err
	}

	var leaving *User
	users := r.Users[:0]
	for _, u := range r.Users {
		if u.ID == userID {
			u := u
			leaving = &u
			continue
		}
		users = append(users, u)
	}
	if leaving == nil {
		return r, nil, false, nil
	}
	r.Users = users

	if len(r.Users) == 0 {
		if err := s.delete(ctx, roomID); err != nil {
			return nil, nil, false, err
		}
		return nil, leaving, true, nil
	}

	if leaving.IsHost {
		r.Users[0].IsHost = true
	}
	if err := s.persist(ctx, r); err != nil {
		return nil, nil, false, err
	}
	return r, leaving, false, nil
}

// Delete unconditionally removes the room record and its auxiliary game
// record.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	l := s.lockRoom(roomID)
	defer s.unlockRoom(roomID, l)
	return s.delete(ctx, roomID)
}

// List returns all persisted rooms. Corrupt records are skipped.
func (s *Store) List(ctx context.Context) ([]*Room, error) {
	keys, err := s.kv.Keys(ctx, roomKey("*"))
	if err != nil {
		return nil, fmt.Errorf("room: list: %w", err)
	}

	rooms := make([]*Room, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			// Expired or deleted between Keys and Get.
			continue
		}
		var r Room
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			log.Printf("room: skipping corrupt record %s: %v", key, err)
			continue
		}
		rooms = append(rooms, &r)
	}
	return rooms, nil
}

// persist writes the room record, refreshing the TTL backstop.
func (s *Store) persist(ctx context.Context, r *Room) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("room: marshal %s: %w", r.ID, err)
	}
	if err := s.kv.Set(ctx, roomKey(r.ID), string(data), s.ttl); err != nil {
		return fmt.Errorf("room: persist %s: %w", r.ID, err)
	}
	return nil
}

// delete removes the room and game records. Must be called while
// holding the room lock.
func (s *Store) delete(ctx context.Context, roomID string) error {
	if err := s.kv.Del(ctx, roomKey(roomID), gameKey(roomID)); err != nil {
		return fmt.Errorf("room: delete %s: %w", roomID, err)
	}
	return nil
}
