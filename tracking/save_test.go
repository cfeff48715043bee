package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldSaveBoundaryInclusive(t *testing.T) {
	d := NewSaveDecision(NewDistanceRule(16, nil))
	o := &Observer{ID: "o"}

	assert.True(t, d.ShouldSave(&Entity{ID: "e", Category: CategoryHostile, Pos: Vec3{X: 80}, Threshold: 80}, o))
	assert.False(t, d.ShouldSave(&Entity{ID: "e", Category: CategoryHostile, Pos: Vec3{X: 81}, Threshold: 80}, o))
}

func TestShouldSaveRemovedWhileInRange(t *testing.T) {
	d := NewSaveDecision(NewDistanceRule(16, nil))
	o := &Observer{ID: "o", ViewDistance: 0}
	e := &Entity{ID: "e", Category: CategoryHostile, Pos: Vec3{X: 30, Z: 40}, Threshold: 80, Removed: true}

	v := d.Verdict(e, o)
	assert.Equal(t, 50.0, v.Distance)
	assert.Equal(t, 80.0, v.Range)
	assert.True(t, v.InRange)
	assert.True(t, d.ShouldSave(e, o))
}

func TestShouldSaveUsesCurrentViewDistance(t *testing.T) {
	d := NewSaveDecision(NewDistanceRule(16, nil))
	o := &Observer{ID: "o", ViewDistance: 10}
	e := &Entity{ID: "e", Category: CategoryHostile, Pos: Vec3{X: 120}, Threshold: 80}

	assert.True(t, d.ShouldSave(e, o))
	o.ViewDistance = 2
	assert.False(t, d.ShouldSave(e, o))
}

func TestNewSaveDecisionDefaultsRule(t *testing.T) {
	d := NewSaveDecision(nil)
	_, ok := d.Rule().(DistanceRule)
	assert.True(t, ok)
}
