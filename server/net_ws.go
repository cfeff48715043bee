package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"entitytrack/tracking"
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, 256),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		// 为了实时性，丢弃消息（防止阻塞 Tick）
	}
}

// Close 关闭发送队列；写协程退出时关闭底层连接
func (c *ClientConn) Close() {
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// writePump 独立协程，负责从 send 队列写出到 WS
func (c *ClientConn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// readPump 读取客户端输入，转换为 Input 注入房间
func (c *ClientConn) readPump(room *Room, playerID tracking.ObserverID) {
	defer c.ws.Close()
	// 读泵退出时，通知房间在 Tick 线程中移除该玩家
	defer room.RequestLeave(playerID)
	c.ws.SetReadLimit(1 << 20) // 1MB
	_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		in, ok := parseInput(payload, playerID)
		if !ok {
			continue
		}
		room.OnInput(in)
	}
}

// parseInput 解析一条上行消息，未知类型忽略
func parseInput(payload []byte, playerID tracking.ObserverID) (Input, bool) {
	var im InputMessage
	if err := json.Unmarshal(payload, &im); err != nil {
		return Input{}, false
	}
	in := Input{PlayerID: playerID, Seq: im.Seq}
	switch strings.ToLower(im.Type) {
	case "move":
		in.Kind = InputMove
		in.Pos = tracking.Vec3{X: im.X, Y: im.Y, Z: im.Z}
	case "view":
		in.Kind = InputView
		in.View = im.View
	default:
		return Input{}, false
	}
	return in, true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 演示环境：允许所有来源（生产环境需严格限制）
		return true
	},
}

// HandleWS WebSocket 接入：/ws?room=room-1&player=alice&view=8
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := q.Get("room")
	if roomID == "" {
		roomID = DefaultRoom
	}
	playerID := q.Get("player")
	if playerID == "" {
		http.Error(w, "missing player query", http.StatusBadRequest)
		return
	}
	view := -1
	if v := q.Get("view"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid view", http.StatusBadRequest)
			return
		}
		view = n
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("upgrade error: %v", err)
		return
	}

	room := s.rooms.GetOrCreateRoom(roomID)
	client := NewClientConn(ws)
	p := &Player{ID: tracking.ObserverID(playerID), Session: uuid.New().String(), View: view, Conn: client}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := room.Join(ctx, p); err != nil {
		Log.Warnf("join rejected: room=%s player=%s err=%v", roomID, playerID, err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(err)), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	go client.writePump()
	go client.readPump(room, p.ID)
}

// closeReason 关闭帧的原因最长 123 字节
func closeReason(err error) string {
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}
