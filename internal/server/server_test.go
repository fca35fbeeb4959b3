package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/danielhooper/sketchroom/internal/kvstore"
	"github.com/danielhooper/sketchroom/internal/room"
)

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(":0", kvstore.NewRedis(client), opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeRoom(t *testing.T, resp *http.Response) room.Room {
	t.Helper()
	defer resp.Body.Close()
	var r room.Room
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	return r
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateRoom(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"id": "h1", "name": "Alice"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	r := decodeRoom(t, resp)
	if r.ID != "r1" || len(r.Users) != 1 || !r.Users[0].IsHost {
		t.Fatalf("unexpected room: %+v", r)
	}
}

func TestCreateRoomInvalidInput(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"name": "Alice"}, // no id
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetRoom(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"id": "h1", "name": "Alice"},
	}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/rooms/r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	r := decodeRoom(t, resp)
	if r.ID != "r1" {
		t.Fatalf("unexpected room: %+v", r)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/rooms/nope")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestJoinRoom(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"id": "h1", "name": "Alice"},
	}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/rooms/r1/join", map[string]any{
		"user": map[string]any{"id": "u2", "name": "Bob"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	r := decodeRoom(t, resp)
	if len(r.Users) != 2 || r.Users[1].ID != "u2" || r.Users[1].IsHost {
		t.Fatalf("unexpected room after join: %+v", r)
	}
}

func TestJoinRoomLazyCreate(t *testing.T) {
	ts := newTestServer(t)

	// Joining an unknown room creates it with the joiner as host.
	resp := postJSON(t, ts.URL+"/api/rooms/fresh/join", map[string]any{
		"user": map[string]any{"id": "u1", "name": "Alice"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	r := decodeRoom(t, resp)
	if len(r.Users) != 1 || !r.Users[0].IsHost {
		t.Fatalf("expected joiner as host of fresh room, got %+v", r)
	}
}

func TestJoinRoomDuplicateName(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"id": "h1", "name": "Alice"},
	}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/rooms/r1/join", map[string]any{
		"user": map[string]any{"id": "u2", "name": "Alice"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	// Membership unchanged after the rejected join.
	get, _ := http.Get(ts.URL + "/api/rooms/r1")
	r := decodeRoom(t, get)
	if len(r.Users) != 1 {
		t.Fatalf("expected 1 user after conflict, got %+v", r.Users)
	}
}

func TestListRooms(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	var rooms []room.Room
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(rooms) != 0 {
		t.Fatalf("expected empty list, got %d rooms", len(rooms))
	}

	for i := 1; i <= 2; i++ {
		postJSON(t, ts.URL+"/api/rooms", map[string]any{
			"roomId": fmt.Sprintf("r%d", i),
			"user":   map[string]any{"id": fmt.Sprintf("h%d", i), "name": fmt.Sprintf("host-%d", i)},
		}).Body.Close()
	}

	resp, _ = http.Get(ts.URL + "/api/rooms")
	rooms = nil
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
}

func TestRemoveUser(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"id": "h1", "name": "Alice"},
	}).Body.Close()
	postJSON(t, ts.URL+"/api/rooms/r1/join", map[string]any{
		"user": map[string]any{"id": "u2", "name": "Bob"},
	}).Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/r1/users/h1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Deleted bool       `json:"deleted"`
		Room    *room.Room `json:"room"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Deleted || out.Room == nil {
		t.Fatalf("expected surviving room, got %+v", out)
	}
	if len(out.Room.Users) != 1 || !out.Room.Users[0].IsHost || out.Room.Users[0].ID != "u2" {
		t.Fatalf("expected Bob promoted to host, got %+v", out.Room.Users)
	}
}

func TestRemoveLastUserDeletesRoom(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"id": "h1", "name": "Alice"},
	}).Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/r1/users/h1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Deleted bool `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Deleted {
		t.Fatal("expected room deletion")
	}

	get, err := http.Get(ts.URL + "/api/rooms/r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after deletion, got %d", get.StatusCode)
	}
}

func TestRemoveUserMissingRoom(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/nope/users/u1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing room, got %d", resp.StatusCode)
	}
}

func TestRateLimitOnCreate(t *testing.T) {
	ts := newTestServer(t, WithRateLimit(2, time.Minute))

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/api/rooms", map[string]any{
			"roomId": fmt.Sprintf("r%d", i),
			"user":   map[string]any{"id": fmt.Sprintf("h%d", i), "name": fmt.Sprintf("host-%d", i)},
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, resp.StatusCode)
		}
	}

	resp := postJSON(t, ts.URL+"/api/rooms", map[string]any{
		"roomId": "r3",
		"user":   map[string]any{"id": "h3", "name": "host-3"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}
