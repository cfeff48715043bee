package tracking

import "sort"

// Membership 单个观察者的追踪集合。Simulator 通过工厂函数创建，测试可替换。
type Membership interface {
	Track(e *Entity) (TrackEvent, error)
	Untrack(e *Entity, reason UntrackReason) (UntrackEvent, error)
	IsTracked(id EntityID) bool
	Tracked() []EntityID
	Len() int
	Reset()
}

// MembershipFactory 为新观察者创建追踪集合
type MembershipFactory func(o *Observer, decide *SaveDecision, clock func() uint64) Membership

type relation struct {
	trackedAt    uint64
	rangeAtTrack float64
}

// TrackerState 默认实现：每个观察者独立持有，不与其他观察者共享
type TrackerState struct {
	observer *Observer
	decide   *SaveDecision
	clock    func() uint64
	tracked  map[EntityID]relation
}

var _ Membership = (*TrackerState)(nil)

func NewTrackerState(o *Observer, decide *SaveDecision, clock func() uint64) *TrackerState {
	if decide == nil {
		decide = NewSaveDecision(nil)
	}
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	return &TrackerState{
		observer: o,
		decide:   decide,
		clock:    clock,
		tracked:  make(map[EntityID]relation),
	}
}

func newTrackerMembership(o *Observer, decide *SaveDecision, clock func() uint64) Membership {
	return NewTrackerState(o, decide, clock)
}

// Track 重复追踪是调用方错误，直接返回 ErrDuplicateTrack
func (t *TrackerState) Track(e *Entity) (TrackEvent, error) {
	if e.Removed {
		return TrackEvent{}, contractErr("track", t.observer.ID, e.ID, ErrEntityRemoved)
	}
	if _, ok := t.tracked[e.ID]; ok {
		return TrackEvent{}, contractErr("track", t.observer.ID, e.ID, ErrDuplicateTrack)
	}
	v := t.decide.Verdict(e, t.observer)
	now := t.clock()
	t.tracked[e.ID] = relation{trackedAt: now, rangeAtTrack: v.Range}
	return TrackEvent{
		Tick:     now,
		Observer: t.observer.snapshot(),
		Entity:   e.snapshot(),
		Distance: v.Distance,
		Range:    v.Range,
	}, nil
}

// Untrack 移出集合，并在返回前用实体此刻的位置做保存判定
func (t *TrackerState) Untrack(e *Entity, reason UntrackReason) (UntrackEvent, error) {
	rel, ok := t.tracked[e.ID]
	if !ok {
		return UntrackEvent{}, contractErr("untrack", t.observer.ID, e.ID, ErrNotTracked)
	}
	delete(t.tracked, e.ID)
	v := t.decide.Verdict(e, t.observer)
	return UntrackEvent{
		Tick:         t.clock(),
		Observer:     t.observer.snapshot(),
		Entity:       e.snapshot(),
		Reason:       reason,
		Saved:        v.InRange,
		Distance:     v.Distance,
		Range:        v.Range,
		TrackedAt:    rel.trackedAt,
		RangeAtTrack: rel.rangeAtTrack,
	}, nil
}

func (t *TrackerState) IsTracked(id EntityID) bool {
	_, ok := t.tracked[id]
	return ok
}

// Tracked 按 ID 排序返回
func (t *TrackerState) Tracked() []EntityID {
	out := make([]EntityID, 0, len(t.tracked))
	for id := range t.tracked {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *TrackerState) Len() int { return len(t.tracked) }

// Reset 静默清空，不产生事件；只用于整体重建
func (t *TrackerState) Reset() {
	t.tracked = make(map[EntityID]relation)
}
