package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"entitytrack/tracking"
)

// MaxViewDistance 客户端可请求的最大视距（区块）
const MaxViewDistance = 64

// ErrRoomStopped 房间已停止，命令无法执行
var ErrRoomStopped = errors.New("room stopped")

// errLeavePending 同 ID 的旧会话已离开，但断开要到下一个 Tick 才处理
var errLeavePending = errors.New("previous session still leaving")

// RoomConfig 房间级配置
type RoomConfig struct {
	TickInterval time.Duration
	ViewDistance int // 新加入玩家的默认视距
	Rule         tracking.DistanceRule
}

// SinkFactory 为房间创建额外的事件接收方（存储、日志文件等）
type SinkFactory func(roomID string) []tracking.Hooks

type command struct {
	fn    func(*Room) error
	reply chan error
}

// Room 房间世界：追踪状态维护在内存，单线程 Tick 推进
type Room struct {
	ID string

	Players map[tracking.ObserverID]*Player
	lastSeq map[tracking.ObserverID]int64

	sim         *tracking.Simulator
	rule        tracking.DistanceRule
	defaultView int

	inputChan chan Input
	leaveChan chan tracking.ObserverID
	cmdChan   chan command

	tickInterval time.Duration
	tickSeq      atomic.Uint64
	metrics      *RoomMetrics
	log          *zap.Logger

	mu            sync.Mutex
	stopOnce      sync.Once
	tickerStarted bool
	stop          chan struct{}
	done          chan struct{}
}

// NewRoom 创建房间，初始化数据结构
func NewRoom(id string, cfg RoomConfig, sinks ...tracking.Hooks) *Room {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = tickInterval
	}
	if cfg.Rule.Policies == nil {
		cfg.Rule = tracking.NewDistanceRule(tracking.DefaultTileSize, nil)
	}
	r := &Room{
		ID:           id,
		Players:      make(map[tracking.ObserverID]*Player),
		lastSeq:      make(map[tracking.ObserverID]int64),
		rule:         cfg.Rule,
		defaultView:  clampView(cfg.ViewDistance),
		inputChan:    make(chan Input, 256), // 足够缓冲，避免网络读阻塞影响 Tick
		leaveChan:    make(chan tracking.ObserverID, 64),
		cmdChan:      make(chan command, 64),
		tickInterval: cfg.TickInterval,
		metrics:      &RoomMetrics{},
		log:          Log.Desugar().With(zap.String("room", id)),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	hooks := tracking.Fanout{r.metrics, logHooks{log: r.log}, netHooks{room: r}}
	hooks = append(hooks, sinks...)
	r.sim = tracking.NewSimulator(
		tracking.WithRule(cfg.Rule),
		tracking.WithHooks(hooks),
		tracking.WithLogger(r.log),
	)
	return r
}

func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// TickSeq 已完成的 Tick 数
func (r *Room) TickSeq() uint64 { return r.tickSeq.Load() }

// Simulator 仅允许在 Tick 协程（Do 回调）中使用
func (r *Room) Simulator() *tracking.Simulator { return r.sim }

func (r *Room) Rule() tracking.DistanceRule { return r.rule }

func (r *Room) DefaultView() int { return r.defaultView }

// SetRule 热更新距离规则，追踪与保存判定同时切换
func (r *Room) SetRule(rule tracking.DistanceRule) {
	r.rule = rule
	r.sim.SetRule(rule)
}

func (r *Room) SetDefaultView(v int) { r.defaultView = clampView(v) }

// Do 把 fn 投递到 Tick 协程执行并等待结果；所有非 Tick 协程对房间状态的访问都走这里
func (r *Room) Do(ctx context.Context, fn func(*Room) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case r.cmdChan <- cmd:
	case <-r.done:
		return ErrRoomStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		return ErrRoomStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinPlayer 将玩家加入房间（Tick 协程内调用）
func (r *Room) JoinPlayer(p *Player) error {
	if p.View < 0 {
		p.View = r.defaultView
	}
	p.View = clampView(p.View)
	if err := r.sim.AddObserver(p.ID, tracking.Vec3{}, p.View); err != nil {
		if _, live := r.Players[p.ID]; !live && errors.Is(err, tracking.ErrDuplicateObserver) {
			return fmt.Errorf("%w: %w", errLeavePending, err)
		}
		return err
	}
	r.Players[p.ID] = p
	r.log.Info("player joined", zap.String("player", string(p.ID)), zap.String("session", p.Session), zap.Int("view", p.View))
	return nil
}

// Join 从非 Tick 协程加入玩家。同 ID 重连时旧会话的断开可能还在排队，
// 此时等一个 Tick 再试，直到 ctx 超时
func (r *Room) Join(ctx context.Context, p *Player) error {
	for {
		err := r.Do(ctx, func(rm *Room) error { return rm.JoinPlayer(p) })
		if !errors.Is(err, errLeavePending) {
			return err
		}
		t := time.NewTimer(r.tickInterval)
		select {
		case <-t.C:
		case <-r.done:
			t.Stop()
			return ErrRoomStopped
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}

// LeavePlayer 将玩家移出房间；其追踪的实体在下一个 Tick 统一取消追踪
func (r *Room) LeavePlayer(id tracking.ObserverID) {
	p, ok := r.Players[id]
	if !ok {
		return
	}
	if p.Conn != nil {
		p.Conn.Close()
	}
	delete(r.Players, id)
	delete(r.lastSeq, id)
	if err := r.sim.ReportObserverDisconnected(id); err != nil {
		r.contractError("disconnect", err)
		return
	}
	r.log.Info("player left", zap.String("player", string(id)), zap.String("session", p.Session))
}

// OnInput 入站输入（不立即改变位置），仅记录意图，等下一次 Tick 处理
func (r *Room) OnInput(in Input) {
	// 不阻塞：输入拥塞时丢弃，保证 Tick 准时
	select {
	case r.inputChan <- in:
	default:
		r.metrics.IncChanFullDiscarded()
	}
}

// RequestLeave 请求在 Tick 线程中移除玩家，避免并发改动房间状态
func (r *Room) RequestLeave(pid tracking.ObserverID) {
	// 为保证移除一定生效，这里采用阻塞式写入；房间已停止则无需移除
	select {
	case r.leaveChan <- pid:
	case <-r.done:
	}
}

// Step 推进一个完整 Tick：处理输入 → 推进追踪
func (r *Room) Step() {
	start := time.Now()
	r.ProcessInputs()
	r.UpdateWorld()
	r.metrics.AddTick(time.Since(start).Nanoseconds())
}

// ProcessInputs 处理当前帧的所有输入（非阻塞 drain）
func (r *Room) ProcessInputs() {
	for {
		select {
		case pid := <-r.leaveChan:
			r.LeavePlayer(pid)
		case cmd := <-r.cmdChan:
			cmd.reply <- cmd.fn(r)
		case in := <-r.inputChan:
			r.applyInput(in)
		default:
			return
		}
	}
}

// UpdateWorld 推进追踪；违反约定时重建追踪状态
func (r *Room) UpdateWorld() {
	stats, err := r.sim.AdvanceTick()
	if err != nil {
		r.contractError("advance tick", err)
		r.sim.Resync()
		r.metrics.IncResyncs()
		return
	}
	r.tickSeq.Store(r.sim.Tick())
	if stats.Tracked+stats.Untracked > 0 {
		r.log.Debug("tick",
			zap.Uint64("tick", stats.Tick),
			zap.Int("tracked", stats.Tracked),
			zap.Int("untracked", stats.Untracked),
			zap.Int("saved", stats.Saved))
	}
}

func (r *Room) applyInput(in Input) {
	if _, ok := r.Players[in.PlayerID]; !ok {
		return
	}
	if in.Seq > 0 {
		if in.Seq <= r.lastSeq[in.PlayerID] {
			r.metrics.IncOldSeqIgnored()
			return
		}
		r.lastSeq[in.PlayerID] = in.Seq
	}
	var err error
	switch in.Kind {
	case InputMove:
		err = r.sim.ReportObserverPosition(in.PlayerID, in.Pos)
	case InputView:
		v := clampView(in.View)
		if err = r.sim.SetViewDistance(in.PlayerID, v); err == nil {
			r.Players[in.PlayerID].View = v
		}
	default:
		return
	}
	if err != nil {
		r.contractError("input", err)
		return
	}
	r.metrics.IncAccepted()
}

// shutdown 停止前断开所有玩家并补跑一个 Tick，确保取消追踪与保存判定都已发出
func (r *Room) shutdown() {
	r.ProcessInputs()
	for id := range r.Players {
		r.LeavePlayer(id)
	}
	r.UpdateWorld()
}

func (r *Room) contractError(op string, err error) {
	r.metrics.IncContractErrors()
	r.log.Error("tracking contract violated", zap.String("op", op), zap.Error(err))
}

func clampView(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxViewDistance {
		return MaxViewDistance
	}
	return v
}

// logHooks 把追踪变化写入日志
type logHooks struct{ log *zap.Logger }

func (h logHooks) OnTrack(ev tracking.TrackEvent) {
	h.log.Debug("track",
		zap.String("observer", string(ev.Observer.ID)),
		zap.String("entity", string(ev.Entity.ID)),
		zap.Float64("distance", ev.Distance),
		zap.Float64("range", ev.Range))
}

func (h logHooks) OnUntrack(ev tracking.UntrackEvent) {
	h.log.Debug("untrack",
		zap.String("observer", string(ev.Observer.ID)),
		zap.String("entity", string(ev.Entity.ID)),
		zap.Stringer("reason", ev.Reason),
		zap.Bool("saved", ev.Saved),
		zap.Float64("distance", ev.Distance),
		zap.Float64("range", ev.Range))
}

// netHooks 把追踪变化推送给对应玩家的连接
type netHooks struct{ room *Room }

func (h netHooks) OnTrack(ev tracking.TrackEvent) {
	h.send(ev.Observer.ID, TrackMessage{
		Type:     "track",
		Tick:     ev.Tick,
		Entity:   entityState(ev.Entity),
		Distance: ev.Distance,
	})
}

func (h netHooks) OnUntrack(ev tracking.UntrackEvent) {
	h.send(ev.Observer.ID, UntrackMessage{
		Type:     "untrack",
		Tick:     ev.Tick,
		EntityID: string(ev.Entity.ID),
		Reason:   ev.Reason.String(),
		Saved:    ev.Saved,
		Distance: ev.Distance,
	})
}

func (h netHooks) send(id tracking.ObserverID, msg any) {
	p, ok := h.room.Players[id]
	if !ok || p.Conn == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.Conn.Enqueue(b)
}
