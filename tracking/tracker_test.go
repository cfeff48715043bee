package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(view int) (*TrackerState, *Observer) {
	o := &Observer{ID: "alice", ViewDistance: view}
	tick := uint64(7)
	return NewTrackerState(o, NewSaveDecision(NewDistanceRule(16, nil)), func() uint64 { return tick }), o
}

func TestTrackerStateTrackUntrackToggle(t *testing.T) {
	ts, _ := newTestTracker(0)
	e := &Entity{ID: "pig", Category: CategoryPassive, Pos: Vec3{X: 10}, Threshold: 80}

	ev, err := ts.Track(e)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ev.Tick)
	assert.Equal(t, 10.0, ev.Distance)
	assert.Equal(t, 80.0, ev.Range)
	assert.True(t, ts.IsTracked("pig"))
	assert.Equal(t, 1, ts.Len())

	uev, err := ts.Untrack(e, ReasonDistance)
	require.NoError(t, err)
	assert.False(t, ts.IsTracked("pig"))
	assert.True(t, uev.Saved)
	assert.Equal(t, ReasonDistance, uev.Reason)
	assert.Equal(t, uint64(7), uev.TrackedAt)
	assert.Equal(t, 80.0, uev.RangeAtTrack)
}

func TestTrackerStateRejectsDuplicateTrack(t *testing.T) {
	ts, _ := newTestTracker(0)
	e := &Entity{ID: "pig", Category: CategoryPassive}

	_, err := ts.Track(e)
	require.NoError(t, err)
	_, err = ts.Track(e)
	require.ErrorIs(t, err, ErrDuplicateTrack)

	var ce *ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "track", ce.Op)
	assert.Equal(t, ObserverID("alice"), ce.Observer)
	assert.Equal(t, EntityID("pig"), ce.Entity)
	assert.Equal(t, 1, ts.Len())
}

func TestTrackerStateRejectsUntrackOfUntracked(t *testing.T) {
	ts, _ := newTestTracker(0)
	e := &Entity{ID: "pig", Category: CategoryPassive}

	_, err := ts.Untrack(e, ReasonDistance)
	require.ErrorIs(t, err, ErrNotTracked)

	_, err = ts.Track(e)
	require.NoError(t, err)
	_, err = ts.Untrack(e, ReasonDistance)
	require.NoError(t, err)
	_, err = ts.Untrack(e, ReasonDistance)
	require.ErrorIs(t, err, ErrNotTracked)
}

func TestTrackerStateRefusesRemovedEntity(t *testing.T) {
	ts, _ := newTestTracker(0)
	_, err := ts.Track(&Entity{ID: "zombie", Category: CategoryHostile, Removed: true})
	require.ErrorIs(t, err, ErrEntityRemoved)
	assert.Equal(t, 0, ts.Len())
}

func TestTrackerStateUntrackUsesPositionAtUntrackTime(t *testing.T) {
	ts, o := newTestTracker(0)
	e := &Entity{ID: "pig", Category: CategoryPassive, Pos: Vec3{X: 79}, Threshold: 80}
	_, err := ts.Track(e)
	require.NoError(t, err)

	e.Pos = Vec3{X: 81}
	ev, err := ts.Untrack(e, ReasonDistance)
	require.NoError(t, err)
	assert.False(t, ev.Saved)
	assert.Equal(t, 81.0, ev.Distance)

	// 观察者移动同样计入
	e.Pos = Vec3{X: 81}
	_, err = ts.Track(e)
	require.NoError(t, err)
	o.Pos = Vec3{X: 5}
	ev, err = ts.Untrack(e, ReasonRemoved)
	require.NoError(t, err)
	assert.True(t, ev.Saved)
	assert.Equal(t, 76.0, ev.Distance)
}

func TestTrackerStateTrackedSortedAndReset(t *testing.T) {
	ts, _ := newTestTracker(0)
	for _, id := range []EntityID{"c", "a", "b"} {
		_, err := ts.Track(&Entity{ID: id, Category: CategoryItem})
		require.NoError(t, err)
	}
	assert.Equal(t, []EntityID{"a", "b", "c"}, ts.Tracked())

	ts.Reset()
	assert.Equal(t, 0, ts.Len())
	assert.Empty(t, ts.Tracked())
}
