package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitytrack/tracking"
)

func newTestServer(t *testing.T) (*Server, *sink) {
	t.Helper()
	sk := &sink{}
	rm := NewRoomManager(RoomConfig{TickInterval: 5 * time.Millisecond}, func(string) []tracking.Hooks {
		return []tracking.Hooks{sk}
	})
	t.Cleanup(rm.StopAll)
	return NewServer(rm, ""), sk
}

func call(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAdminConfigGetAndUpdate(t *testing.T) {
	s, _ := newTestServer(t)
	s.Rooms().GetOrCreateRoom("r1")

	code, cur := call(t, s, http.MethodGet, "/admin/config?room=r1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, cur["viewDistance"])
	assert.Equal(t, 16.0, cur["tileSize"])
	cats := cur["categories"].(map[string]any)
	assert.Equal(t, 80.0, cats["hostile"].(map[string]any)["threshold"])
	assert.Equal(t, 160.0, cats["decorative"].(map[string]any)["threshold"])

	code, _ = call(t, s, http.MethodPost, "/admin/config?room=r1",
		`{"viewDistance":4,"categories":{"hostile":{"threshold":120,"follow_view":false}}}`)
	require.Equal(t, http.StatusOK, code)

	_, cur = call(t, s, http.MethodGet, "/admin/config?room=r1", "")
	assert.Equal(t, 4.0, cur["viewDistance"])
	hostile := cur["categories"].(map[string]any)["hostile"].(map[string]any)
	assert.Equal(t, 120.0, hostile["threshold"])
	assert.Equal(t, false, hostile["follow_view"])

	room, ok := s.Rooms().Room("r1")
	require.True(t, ok)
	assert.Equal(t, 120.0, room.Rule().EffectiveRange(tracking.CategoryHostile, 0, 10))
}

func TestAdminConfigGetDoesNotCreateRoom(t *testing.T) {
	s, _ := newTestServer(t)

	code, _ := call(t, s, http.MethodGet, "/admin/config?room=ghost", "")
	assert.Equal(t, http.StatusNotFound, code)
	_, ok := s.Rooms().Room("ghost")
	assert.False(t, ok)
	assert.Empty(t, s.Rooms().RoomIDs())

	// POST 可以预先配置一个新房间
	code, _ = call(t, s, http.MethodPost, "/admin/config?room=ghost", `{"viewDistance":3}`)
	require.Equal(t, http.StatusOK, code)
	code, cur := call(t, s, http.MethodGet, "/admin/config?room=ghost", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3.0, cur["viewDistance"])
}

func TestAdminConfigRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)
	s.Rooms().GetOrCreateRoom(DefaultRoom)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"negative threshold", `{"categories":{"hostile":{"threshold":-1}}}`, http.StatusBadRequest},
		{"unknown category", `{"categories":{"dragon":{"threshold":10}}}`, http.StatusBadRequest},
		{"zero tile", `{"tileSize":0}`, http.StatusBadRequest},
		{"view too far", `{"viewDistance":65}`, http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := call(t, s, http.MethodPost, "/admin/config", tt.body)
			assert.Equal(t, tt.want, code)
		})
	}

	// 失败的更新不应改变规则
	_, cur := call(t, s, http.MethodGet, "/admin/config", "")
	assert.Equal(t, 80.0, cur["categories"].(map[string]any)["hostile"].(map[string]any)["threshold"])
}

func TestAdminConfigApplyToPlayers(t *testing.T) {
	s, _ := newTestServer(t)
	room := s.Rooms().GetOrCreateRoom("r1")
	ctx := context.Background()
	require.NoError(t, room.Do(ctx, func(rm *Room) error { return rm.JoinPlayer(&Player{ID: "alice", View: 2}) }))

	code, _ := call(t, s, http.MethodPost, "/admin/config?room=r1", `{"viewDistance":7,"applyToPlayers":true}`)
	require.Equal(t, http.StatusOK, code)

	code, obs := call(t, s, http.MethodGet, "/rooms/r1/observers/alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 7.0, obs["view_distance"])
}

func TestEntityOpsAndObserverTrackedSet(t *testing.T) {
	s, sk := newTestServer(t)
	room := s.Rooms().GetOrCreateRoom("r1")
	require.NoError(t, room.Do(context.Background(), func(rm *Room) error {
		return rm.JoinPlayer(&Player{ID: "alice", View: -1})
	}))

	code, out := call(t, s, http.MethodPost, "/rooms/r1/entities", `{"op":"spawn","category":"hostile","x":10}`)
	require.Equal(t, http.StatusCreated, code)
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)

	code, _ = call(t, s, http.MethodPost, "/rooms/r1/entities", fmt.Sprintf(`{"op":"spawn","id":%q,"category":"hostile"}`, id))
	assert.Equal(t, http.StatusConflict, code)
	code, _ = call(t, s, http.MethodPost, "/rooms/r1/entities", `{"op":"spawn","category":"dragon"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, s, http.MethodPost, "/rooms/r1/entities", `{"op":"move","id":"nobody","x":1}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, s, http.MethodPost, "/rooms/r1/entities", `{"op":"fly"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	require.Eventually(t, func() bool {
		_, obs := call(t, s, http.MethodGet, "/rooms/r1/observers/alice", "")
		tracked, _ := obs["tracked"].([]any)
		return len(tracked) == 1 && tracked[0] == id
	}, 2*time.Second, 5*time.Millisecond)

	code, list := call(t, s, http.MethodGet, "/rooms/r1/entities", "")
	require.Equal(t, http.StatusOK, code)
	ents := list["entities"].([]any)
	require.Len(t, ents, 1)
	assert.Equal(t, "hostile", ents[0].(map[string]any)["category"])

	code, _ = call(t, s, http.MethodPost, "/rooms/r1/entities", fmt.Sprintf(`{"op":"remove","id":%q}`, id))
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, s, http.MethodPost, "/rooms/r1/entities", fmt.Sprintf(`{"op":"remove","id":%q}`, id))
	assert.Equal(t, http.StatusGone, code)

	require.Eventually(t, func() bool {
		_, untracks := sk.snapshot()
		return len(untracks) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, untracks := sk.snapshot()
	assert.Equal(t, tracking.ReasonRemoved, untracks[0].Reason)
	assert.True(t, untracks[0].Saved)
}

func TestAdminNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	s.Rooms().GetOrCreateRoom("r1")

	code, _ := call(t, s, http.MethodGet, "/rooms/r1/observers/ghost", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, s, http.MethodGet, "/rooms/nope/observers/ghost", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, s, http.MethodGet, "/rooms/nope/entities", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, s, http.MethodGet, "/metrics?room=nope", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsAndRooms(t *testing.T) {
	s, _ := newTestServer(t)
	s.Rooms().GetOrCreateRoom("b")
	s.Rooms().GetOrCreateRoom("a")

	code, out := call(t, s, http.MethodGet, "/metrics?room=a", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "a", out["room"])
	assert.Contains(t, out["metrics"].(map[string]any), "saves")

	_, out = call(t, s, http.MethodGet, "/rooms", "")
	assert.Equal(t, []any{"a", "b"}, out["rooms"])
}

func TestStatusFor(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("op: %w", err) }
	assert.Equal(t, http.StatusNotFound, statusFor(wrap(tracking.ErrUnknownEntity)))
	assert.Equal(t, http.StatusNotFound, statusFor(wrap(tracking.ErrUnknownObserver)))
	assert.Equal(t, http.StatusConflict, statusFor(wrap(tracking.ErrDuplicateEntity)))
	assert.Equal(t, http.StatusGone, statusFor(wrap(tracking.ErrEntityRemoved)))
	assert.Equal(t, http.StatusBadRequest, statusFor(wrap(tracking.ErrInvalidConfig)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(ErrRoomStopped))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestHandleWSRequiresPlayer(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ws?room=r1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ws?player=a&view=-2", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketTrackFlow(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?room=ws&player=bob&view=0"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	code, _ := call(t, s, http.MethodPost, "/rooms/ws/entities", `{"op":"spawn","id":"zombie","category":"hostile","x":5}`)
	require.Equal(t, http.StatusCreated, code)

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var tm TrackMessage
	require.NoError(t, ws.ReadJSON(&tm))
	assert.Equal(t, "track", tm.Type)
	assert.Equal(t, "zombie", tm.Entity.ID)
	assert.Equal(t, "hostile", tm.Entity.Category)

	require.NoError(t, ws.WriteJSON(InputMessage{Type: "move", X: 1000, Seq: 1}))
	var um UntrackMessage
	require.NoError(t, ws.ReadJSON(&um))
	assert.Equal(t, "untrack", um.Type)
	assert.Equal(t, "zombie", um.EntityID)
	assert.Equal(t, "distance", um.Reason)
	assert.False(t, um.Saved)
}
