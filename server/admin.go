package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"entitytrack/tracking"
)

// adminTimeout 管理命令在 Tick 协程排队执行的最长等待
const adminTimeout = 3 * time.Second

type categoryPatch struct {
	Threshold  *float64 `json:"threshold,omitempty"`
	FollowView *bool    `json:"follow_view,omitempty"`
}

type adminConfig struct {
	ViewDistance   *int                                `json:"viewDistance,omitempty"`
	TileSize       *float64                            `json:"tileSize,omitempty"`
	Categories     map[tracking.Category]categoryPatch `json:"categories,omitempty"`
	ApplyToPlayers bool                                `json:"applyToPlayers,omitempty"`
}

type configView struct {
	ViewDistance int                  `json:"viewDistance"`
	TileSize     float64              `json:"tileSize"`
	Categories   tracking.PolicyTable `json:"categories"`
}

// HandleAdminConfig 提供房间配置的读取与更新（热更新距离规则）
// GET /admin/config?room=room-1  返回当前配置（房间不存在时 404）
// POST /admin/config?room=room-1 以 JSON 载荷更新部分字段
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	roomID := roomQuery(r)

	switch r.Method {
	case http.MethodGet:
		// 只读请求不创建房间
		room, ok := s.rooms.Room(roomID)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		var cur configView
		err := s.do(r, room, func(rm *Room) error {
			rule := rm.Rule()
			cur = configView{ViewDistance: rm.DefaultView(), TileSize: rule.TileSize, Categories: rule.Policies.Clone()}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cur)
	case http.MethodPost:
		var body adminConfig
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		// 允许在玩家加入前预先配置房间
		room := s.rooms.GetOrCreateRoom(roomID)
		if err := s.do(r, room, body.apply); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		Log.Infof("config updated: room=%s view=%v tile=%v categories=%d apply=%v",
			roomID, deref(body.ViewDistance), deref(body.TileSize), len(body.Categories), body.ApplyToPlayers)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// apply 在 Tick 协程中执行：先校验全部字段，再一次性替换规则
func (c adminConfig) apply(rm *Room) error {
	rule := rm.Rule()
	tile := rule.TileSize
	if c.TileSize != nil {
		if *c.TileSize <= 0 {
			return fmt.Errorf("%w: tile size must be > 0", tracking.ErrInvalidConfig)
		}
		tile = *c.TileSize
	}
	if c.ViewDistance != nil && (*c.ViewDistance < 0 || *c.ViewDistance > MaxViewDistance) {
		return fmt.Errorf("%w: view distance must be within [0, %d]", tracking.ErrInvalidConfig, MaxViewDistance)
	}
	pols := rule.Policies.Clone()
	for cat, patch := range c.Categories {
		pol := pols[cat]
		if patch.Threshold != nil {
			pol.Threshold = *patch.Threshold
		}
		if patch.FollowView != nil {
			pol.FollowView = *patch.FollowView
		}
		pols[cat] = pol
	}
	if err := pols.Validate(); err != nil {
		return err
	}

	rm.SetRule(tracking.NewDistanceRule(tile, pols))
	if c.ViewDistance == nil {
		return nil
	}
	rm.SetDefaultView(*c.ViewDistance)
	if !c.ApplyToPlayers {
		return nil
	}
	for id, p := range rm.Players {
		if err := rm.Simulator().SetViewDistance(id, rm.DefaultView()); err != nil {
			return err
		}
		p.View = rm.DefaultView()
	}
	return nil
}

// HandleMetrics 输出指定房间的运行指标
// GET /metrics?room=room-1
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	roomID := roomQuery(r)
	room, ok := s.rooms.Room(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":    roomID,
		"tick":    room.TickSeq(),
		"metrics": room.Metrics().Snapshot(),
	})
}

// HandleRooms GET /rooms
func (s *Server) HandleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.rooms.RoomIDs()})
}

// HandleListEntities GET /rooms/{room}/entities
func (s *Server) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	room, ok := s.rooms.Room(mux.Vars(r)["room"])
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	var out []tracking.EntitySnapshot
	if err := s.do(r, room, func(rm *Room) error {
		out = rm.Simulator().Entities()
		return nil
	}); err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []tracking.EntitySnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tick": room.TickSeq(), "entities": out})
}

// EntityOp 管理接口对实体的操作（宿主世界的替身）
type EntityOp struct {
	Op        string  `json:"op"` // spawn | move | remove
	ID        string  `json:"id,omitempty"`
	Category  string  `json:"category,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Threshold float64 `json:"threshold,omitempty"`
}

// HandleEntityOp POST /rooms/{room}/entities
// spawn 未给 ID 时自动生成；move/remove 在下一个 Tick 生效
func (s *Server) HandleEntityOp(w http.ResponseWriter, r *http.Request) {
	room := s.rooms.GetOrCreateRoom(mux.Vars(r)["room"])
	var op EntityOp
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pos := tracking.Vec3{X: op.X, Y: op.Y, Z: op.Z}

	var fn func(*Room) error
	status := http.StatusOK
	switch op.Op {
	case "spawn":
		cat, err := tracking.ParseCategory(op.Category)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", tracking.ErrInvalidConfig, err))
			return
		}
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		e := tracking.Entity{ID: tracking.EntityID(op.ID), Category: cat, Pos: pos, Threshold: op.Threshold}
		fn = func(rm *Room) error { return rm.Simulator().AddEntity(e) }
		status = http.StatusCreated
	case "move":
		fn = func(rm *Room) error { return rm.Simulator().ReportEntityPosition(tracking.EntityID(op.ID), pos) }
	case "remove":
		fn = func(rm *Room) error { return rm.Simulator().ReportRemoved(tracking.EntityID(op.ID)) }
	default:
		http.Error(w, "unknown op", http.StatusBadRequest)
		return
	}
	if err := s.do(r, room, fn); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, map[string]any{"ok": true, "id": op.ID})
}

type observerView struct {
	tracking.ObserverSnapshot
	Tracked []tracking.EntityID `json:"tracked"`
}

// HandleObserver GET /rooms/{room}/observers/{player}  观察者当前追踪集合
func (s *Server) HandleObserver(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	room, ok := s.rooms.Room(vars["room"])
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	id := tracking.ObserverID(vars["player"])
	var out observerView
	err := s.do(r, room, func(rm *Room) error {
		snap, ok := rm.Simulator().Observer(id)
		if !ok {
			return fmt.Errorf("observer %s: %w", id, tracking.ErrUnknownObserver)
		}
		tracked, err := rm.Simulator().TrackedBy(id)
		if err != nil {
			return err
		}
		out = observerView{ObserverSnapshot: snap, Tracked: tracked}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if out.Tracked == nil {
		out.Tracked = []tracking.EntityID{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) do(r *http.Request, room *Room, fn func(*Room) error) error {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	return room.Do(ctx, fn)
}

func roomQuery(r *http.Request) string {
	if id := r.URL.Query().Get("room"); id != "" {
		return id
	}
	return DefaultRoom
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
