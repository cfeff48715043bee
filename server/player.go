package server

import "entitytrack/tracking"

// Player 房间内的玩家：作为观察者参与实体追踪
type Player struct {
	ID      tracking.ObserverID
	Session string // 每次连接生成的会话 ID
	View    int    // 视距（区块）

	Conn Sender // 网络连接的发送端（写协程）
}

// Sender 可以向客户端推送消息
type Sender interface {
	Enqueue(b []byte)
	Close()
}

// EntityState 推送给客户端的实体状态
type EntityState struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
}

func entityState(e tracking.EntitySnapshot) EntityState {
	return EntityState{ID: string(e.ID), Category: e.Category.String(), X: e.Pos.X, Y: e.Pos.Y, Z: e.Pos.Z}
}

// TrackMessage 下行：实体进入视野
type TrackMessage struct {
	Type     string      `json:"type"` // "track"
	Tick     uint64      `json:"tick"`
	Entity   EntityState `json:"entity"`
	Distance float64     `json:"distance"`
}

// UntrackMessage 下行：实体离开视野，Saved 为保存判定
type UntrackMessage struct {
	Type     string  `json:"type"` // "untrack"
	Tick     uint64  `json:"tick"`
	EntityID string  `json:"entity_id"`
	Reason   string  `json:"reason"`
	Saved    bool    `json:"saved"`
	Distance float64 `json:"distance"`
}
