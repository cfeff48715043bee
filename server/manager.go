package server

import (
	"sort"
	"sync"

	"entitytrack/tracking"
)

// RoomManager 管理多个房间的生命周期
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	cfg   RoomConfig
	sinks SinkFactory
}

// NewRoomManager 所有房间共享同一份配置与事件接收方工厂
func NewRoomManager(cfg RoomConfig, sinks SinkFactory) *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room), cfg: cfg, sinks: sinks}
}

// GetOrCreateRoom 获取或创建房间，并确保开始 Tick
func (m *RoomManager) GetOrCreateRoom(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		var extra []tracking.Hooks
		if m.sinks != nil {
			extra = m.sinks(id)
		}
		r = NewRoom(id, m.cfg, extra...)
		m.rooms[id] = r
		r.StartTicker()
	}
	return r
}

// Room 查找已存在的房间
func (m *RoomManager) Room(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// RoomIDs 按名称排序
func (m *RoomManager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll 停止所有房间，玩家全部断开后返回
func (m *RoomManager) StopAll() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.Stop()
	}
}
