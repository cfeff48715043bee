package tracking

import "fmt"

// UntrackReason 取消追踪的原因
type UntrackReason int

const (
	ReasonDistance     UntrackReason = iota + 1 // 超出有效距离
	ReasonRemoved                               // 宿主报告实体被移除
	ReasonDisconnected                          // 观察者断开
)

func (r UntrackReason) String() string {
	switch r {
	case ReasonDistance:
		return "distance"
	case ReasonRemoved:
		return "removed"
	case ReasonDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

func (r UntrackReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *UntrackReason) UnmarshalText(b []byte) error {
	for _, v := range []UntrackReason{ReasonDistance, ReasonRemoved, ReasonDisconnected} {
		if v.String() == string(b) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown untrack reason %q", b)
}

// TrackEvent 新进入追踪集合
type TrackEvent struct {
	Tick     uint64           `json:"tick"`
	Observer ObserverSnapshot `json:"observer"`
	Entity   EntitySnapshot   `json:"entity"`
	Distance float64          `json:"distance"`
	Range    float64          `json:"range"`
}

// UntrackEvent 离开追踪集合，Saved 是此刻做出的保存判定
type UntrackEvent struct {
	Tick         uint64           `json:"tick"`
	Observer     ObserverSnapshot `json:"observer"`
	Entity       EntitySnapshot   `json:"entity"`
	Reason       UntrackReason    `json:"reason"`
	Saved        bool             `json:"saved"`
	Distance     float64          `json:"distance"`
	Range        float64          `json:"range"`
	TrackedAt    uint64           `json:"tracked_at"`
	RangeAtTrack float64          `json:"range_at_track"`
}

// Hooks 核心对宿主的唯一出口，在产生事件的 Tick 内同步调用
type Hooks interface {
	OnTrack(ev TrackEvent)
	OnUntrack(ev UntrackEvent)
}

// HookFuncs 用普通函数实现 Hooks，nil 字段忽略
type HookFuncs struct {
	Track   func(TrackEvent)
	Untrack func(UntrackEvent)
}

func (h HookFuncs) OnTrack(ev TrackEvent) {
	if h.Track != nil {
		h.Track(ev)
	}
}

func (h HookFuncs) OnUntrack(ev UntrackEvent) {
	if h.Untrack != nil {
		h.Untrack(ev)
	}
}

// Fanout 按顺序转发给多个接收方（宿主侧组合日志、存储、网络等）
type Fanout []Hooks

func (f Fanout) OnTrack(ev TrackEvent) {
	for _, h := range f {
		if h != nil {
			h.OnTrack(ev)
		}
	}
}

func (f Fanout) OnUntrack(ev UntrackEvent) {
	for _, h := range f {
		if h != nil {
			h.OnUntrack(ev)
		}
	}
}

// Dispatch 会话级的单监听者句柄，由宿主显式传给 Simulator
type Dispatch struct {
	listener Hooks
}

func NewDispatch(h Hooks) *Dispatch { return &Dispatch{listener: h} }

// SetListener 替换监听者并返回旧的（测试中可临时换成记录器）
func (d *Dispatch) SetListener(h Hooks) Hooks {
	prev := d.listener
	d.listener = h
	return prev
}

func (d *Dispatch) Listener() Hooks { return d.listener }

func (d *Dispatch) emitTrack(ev TrackEvent) {
	if d == nil || d.listener == nil {
		return
	}
	d.listener.OnTrack(ev)
}

func (d *Dispatch) emitUntrack(ev UntrackEvent) {
	if d == nil || d.listener == nil {
		return
	}
	d.listener.OnUntrack(ev)
}
