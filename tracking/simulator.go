package tracking

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// TickStats 单个 Tick 的统计
type TickStats struct {
	Tick      uint64 `json:"tick"`
	Tracked   int    `json:"tracked"`
	Untracked int    `json:"untracked"`
	Saved     int    `json:"saved"`
	Evaluated int    `json:"evaluated"`
}

type observerSlot struct {
	obs          *Observer
	state        Membership
	disconnected bool
}

type positionReport struct {
	observer ObserverID
	entity   EntityID
	pos      Vec3
}

// Option 配置 Simulator
type Option func(*Simulator)

// WithRule 注入距离规则，追踪判定与保存判定共用
func WithRule(r Rule) Option {
	return func(s *Simulator) {
		if r != nil {
			s.decide.setRule(r)
		}
	}
}

// WithHooks 设置初始监听者
func WithHooks(h Hooks) Option {
	return func(s *Simulator) { s.dispatch = NewDispatch(h) }
}

// WithDispatch 使用外部持有的分发句柄
func WithDispatch(d *Dispatch) Option {
	return func(s *Simulator) {
		if d != nil {
			s.dispatch = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMembership 替换观察者追踪集合的实现
func WithMembership(f MembershipFactory) Option {
	return func(s *Simulator) {
		if f != nil {
			s.newMembership = f
		}
	}
}

// Simulator 单线程推进追踪状态：非并发安全，宿主必须在同一个 goroutine 上调用
type Simulator struct {
	decide        *SaveDecision
	dispatch      *Dispatch
	log           *zap.Logger
	newMembership MembershipFactory

	tick      uint64
	observers map[ObserverID]*observerSlot
	entities  map[EntityID]*Entity
	removed   map[EntityID]struct{}

	pendingMoves       []positionReport
	pendingRemovals    []EntityID
	pendingDisconnects []ObserverID
}

func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		decide:        NewSaveDecision(nil),
		dispatch:      NewDispatch(nil),
		log:           zap.NewNop(),
		newMembership: newTrackerMembership,
		observers:     make(map[ObserverID]*observerSlot),
		entities:      make(map[EntityID]*Entity),
		removed:       make(map[EntityID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick 当前（下一次 AdvanceTick 将处理的）Tick 序号
func (s *Simulator) Tick() uint64 { return s.tick }

func (s *Simulator) Rule() Rule { return s.decide.Rule() }

// SetRule 热更新规则；立即对之后的追踪和保存判定同时生效
func (s *Simulator) SetRule(r Rule) {
	if r == nil {
		return
	}
	s.decide.setRule(r)
}

func (s *Simulator) Dispatch() *Dispatch { return s.dispatch }

func (s *Simulator) SaveDecision() *SaveDecision { return s.decide }

// AddObserver 注册观察者，下一个 Tick 开始参与判定
func (s *Simulator) AddObserver(id ObserverID, pos Vec3, viewDistance int) error {
	if _, ok := s.observers[id]; ok {
		return contractErr("add observer", id, "", ErrDuplicateObserver)
	}
	if viewDistance < 0 {
		return contractErr("add observer", id, "", fmt.Errorf("%w: negative view distance %d", ErrInvalidConfig, viewDistance))
	}
	o := &Observer{ID: id, Pos: pos, ViewDistance: viewDistance}
	s.observers[id] = &observerSlot{obs: o, state: s.newMembership(o, s.decide, s.Tick)}
	return nil
}

// AddEntity 注册实体；已移除过的 ID 不允许复用
func (s *Simulator) AddEntity(e Entity) error {
	if _, ok := s.removed[e.ID]; ok {
		return contractErr("add entity", "", e.ID, ErrEntityRemoved)
	}
	if _, ok := s.entities[e.ID]; ok {
		return contractErr("add entity", "", e.ID, ErrDuplicateEntity)
	}
	if !e.Category.Valid() {
		return contractErr("add entity", "", e.ID, fmt.Errorf("%w: %s", ErrInvalidConfig, e.Category))
	}
	if e.Threshold < 0 {
		return contractErr("add entity", "", e.ID, fmt.Errorf("%w: negative threshold %v", ErrInvalidConfig, e.Threshold))
	}
	ent := e
	ent.Removed = false
	s.entities[e.ID] = &ent
	return nil
}

// SetViewDistance 修改观察者视距，立即生效
func (s *Simulator) SetViewDistance(id ObserverID, tiles int) error {
	slot, err := s.liveObserver("set view distance", id)
	if err != nil {
		return err
	}
	if tiles < 0 {
		return contractErr("set view distance", id, "", fmt.Errorf("%w: negative view distance %d", ErrInvalidConfig, tiles))
	}
	slot.obs.ViewDistance = tiles
	return nil
}

// ReportObserverPosition 位置更新排队，在下一个 Tick 开头按报告顺序应用
func (s *Simulator) ReportObserverPosition(id ObserverID, pos Vec3) error {
	if _, err := s.liveObserver("report position", id); err != nil {
		return err
	}
	s.pendingMoves = append(s.pendingMoves, positionReport{observer: id, pos: pos})
	return nil
}

func (s *Simulator) ReportEntityPosition(id EntityID, pos Vec3) error {
	if _, err := s.liveEntity("report position", id); err != nil {
		return err
	}
	s.pendingMoves = append(s.pendingMoves, positionReport{entity: id, pos: pos})
	return nil
}

// ReportRemoved 标记实体移除；从此刻起它不会再被追踪
func (s *Simulator) ReportRemoved(id EntityID) error {
	e, err := s.liveEntity("report removed", id)
	if err != nil {
		return err
	}
	e.Removed = true
	s.pendingRemovals = append(s.pendingRemovals, id)
	return nil
}

// ReportObserverDisconnected 断开后其追踪的实体在下一个 Tick 全部取消追踪
func (s *Simulator) ReportObserverDisconnected(id ObserverID) error {
	slot, err := s.liveObserver("report disconnected", id)
	if err != nil {
		return err
	}
	slot.disconnected = true
	s.pendingDisconnects = append(s.pendingDisconnects, id)
	return nil
}

// IsTracked 查询某一对是否处于追踪状态
func (s *Simulator) IsTracked(o ObserverID, e EntityID) (bool, error) {
	slot, ok := s.observers[o]
	if !ok {
		return false, contractErr("is tracked", o, e, ErrUnknownObserver)
	}
	if _, ok := s.entities[e]; !ok {
		if _, gone := s.removed[e]; !gone {
			return false, contractErr("is tracked", o, e, ErrUnknownEntity)
		}
	}
	return slot.state.IsTracked(e), nil
}

// TrackedBy 观察者当前追踪的实体（排序）
func (s *Simulator) TrackedBy(o ObserverID) ([]EntityID, error) {
	slot, ok := s.observers[o]
	if !ok {
		return nil, contractErr("tracked by", o, "", ErrUnknownObserver)
	}
	return slot.state.Tracked(), nil
}

func (s *Simulator) Observer(id ObserverID) (ObserverSnapshot, bool) {
	slot, ok := s.observers[id]
	if !ok {
		return ObserverSnapshot{}, false
	}
	return slot.obs.snapshot(), true
}

func (s *Simulator) Entity(id EntityID) (EntitySnapshot, bool) {
	e, ok := s.entities[id]
	if !ok {
		return EntitySnapshot{}, false
	}
	return e.snapshot(), true
}

func (s *Simulator) ObserverCount() int { return len(s.observers) }
func (s *Simulator) EntityCount() int   { return len(s.entities) }

// Entities 按 ID 排序的实体快照
func (s *Simulator) Entities() []EntitySnapshot {
	ids := s.sortedEntityIDs()
	out := make([]EntitySnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entities[id].snapshot())
	}
	return out
}

// AdvanceTick 推进一个 Tick：位置 → 断开 → 移除 → 逐对判定。
// 任何约定错误都会中止本 Tick 并返回，宿主应随后调用 Resync。
func (s *Simulator) AdvanceTick() (TickStats, error) {
	stats := TickStats{Tick: s.tick}

	disconnects := s.pendingDisconnects
	moves := s.pendingMoves
	removals := s.pendingRemovals
	s.pendingDisconnects, s.pendingMoves, s.pendingRemovals = nil, nil, nil

	for _, m := range moves {
		if m.observer != "" {
			if slot, ok := s.observers[m.observer]; ok {
				slot.obs.Pos = m.pos
			}
			continue
		}
		if e, ok := s.entities[m.entity]; ok {
			e.Pos = m.pos
		}
	}

	// 断开与移除都在位置更新之后处理，保存判定用的是本 Tick 最后报告的位置
	for _, id := range disconnects {
		if err := s.disconnect(id, &stats); err != nil {
			return stats, s.fail(err)
		}
	}

	for _, id := range removals {
		if err := s.remove(id, &stats); err != nil {
			return stats, s.fail(err)
		}
	}

	oids := s.sortedObserverIDs()
	eids := s.sortedEntityIDs()
	for _, oid := range oids {
		slot := s.observers[oid]
		for _, eid := range eids {
			if err := s.evaluate(slot, s.entities[eid], &stats); err != nil {
				return stats, s.fail(err)
			}
		}
	}

	s.tick++
	return stats, nil
}

// evaluate 单对判定：距离检查与 track/untrack 之间不会插入位置更新
func (s *Simulator) evaluate(slot *observerSlot, e *Entity, stats *TickStats) error {
	if e.Removed {
		return nil
	}
	stats.Evaluated++
	v := s.decide.Verdict(e, slot.obs)
	tracked := slot.state.IsTracked(e.ID)
	switch {
	case v.InRange && !tracked:
		ev, err := slot.state.Track(e)
		if err != nil {
			return err
		}
		stats.Tracked++
		s.dispatch.emitTrack(ev)
	case !v.InRange && tracked:
		return s.untrack(slot, e, ReasonDistance, stats)
	}
	return nil
}

func (s *Simulator) untrack(slot *observerSlot, e *Entity, reason UntrackReason, stats *TickStats) error {
	ev, err := slot.state.Untrack(e, reason)
	if err != nil {
		return err
	}
	stats.Untracked++
	if ev.Saved {
		stats.Saved++
	}
	s.dispatch.emitUntrack(ev)
	return nil
}

func (s *Simulator) disconnect(id ObserverID, stats *TickStats) error {
	slot, ok := s.observers[id]
	if !ok {
		return contractErr("disconnect", id, "", ErrUnknownObserver)
	}
	for _, eid := range slot.state.Tracked() {
		e, ok := s.entities[eid]
		if !ok {
			return contractErr("disconnect", id, eid, ErrUnknownEntity)
		}
		if err := s.untrack(slot, e, ReasonDisconnected, stats); err != nil {
			return err
		}
	}
	delete(s.observers, id)
	return nil
}

// remove 先让所有追踪它的观察者取消追踪（使用最后报告的位置），再从世界删除
func (s *Simulator) remove(id EntityID, stats *TickStats) error {
	e, ok := s.entities[id]
	if !ok {
		return contractErr("remove", "", id, ErrUnknownEntity)
	}
	for _, oid := range s.sortedObserverIDs() {
		slot := s.observers[oid]
		if !slot.state.IsTracked(id) {
			continue
		}
		if err := s.untrack(slot, e, ReasonRemoved, stats); err != nil {
			return err
		}
	}
	delete(s.entities, id)
	s.removed[id] = struct{}{}
	return nil
}

// Resync 清空全部追踪集合但不产生事件；下一个 Tick 按当前位置重新追踪。
// 未处理完的断开和移除在这里直接生效。
func (s *Simulator) Resync() {
	for id, slot := range s.observers {
		if slot.disconnected {
			delete(s.observers, id)
			continue
		}
		slot.state.Reset()
	}
	for id, e := range s.entities {
		if e.Removed {
			delete(s.entities, id)
			s.removed[id] = struct{}{}
		}
	}
	s.pendingDisconnects, s.pendingRemovals = nil, nil
	s.log.Warn("tracking state reset", zap.Uint64("tick", s.tick), zap.Int("observers", len(s.observers)))
}

func (s *Simulator) fail(err error) error {
	s.log.Error("tracking contract violated", zap.Uint64("tick", s.tick), zap.Error(err))
	return err
}

func (s *Simulator) liveObserver(op string, id ObserverID) (*observerSlot, error) {
	slot, ok := s.observers[id]
	if !ok || slot.disconnected {
		return nil, contractErr(op, id, "", ErrUnknownObserver)
	}
	return slot, nil
}

func (s *Simulator) liveEntity(op string, id EntityID) (*Entity, error) {
	if _, ok := s.removed[id]; ok {
		return nil, contractErr(op, "", id, ErrEntityRemoved)
	}
	e, ok := s.entities[id]
	if !ok {
		return nil, contractErr(op, "", id, ErrUnknownEntity)
	}
	if e.Removed {
		return nil, contractErr(op, "", id, ErrEntityRemoved)
	}
	return e, nil
}

func (s *Simulator) sortedObserverIDs() []ObserverID {
	ids := make([]ObserverID, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Simulator) sortedEntityIDs() []EntityID {
	ids := make([]EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
