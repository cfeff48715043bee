package server

import "entitytrack/tracking"

// InputKind 客户端上行意图
type InputKind int

const (
	InputMove InputKind = iota + 1 // 位置报告
	InputView                      // 修改视距
)

// Input 客户端输入，由服务端在 Tick 中解释
type Input struct {
	PlayerID tracking.ObserverID
	Kind     InputKind
	Pos      tracking.Vec3
	View     int
	Seq      int64 // 客户端本地序列号，用于丢弃乱序的旧输入
}

// 入站输入的简单 JSON 结构（WebSocket 文本消息）
// 示例：{"type":"move","x":1,"y":64,"z":-3,"seq":12}
//
//	{"type":"view","view":8}
type InputMessage struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	View int     `json:"view,omitempty"`
	Seq  int64   `json:"seq,omitempty"`
}
