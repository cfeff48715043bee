package tracking

// Verdict 一次距离判定的完整结果
type Verdict struct {
	Distance float64
	Range    float64
	InRange  bool
}

// SaveDecision 在取消追踪的瞬间重新推导是否保存实体状态。
// 使用当前的位置、阈值和视距，不使用追踪开始时缓存的结果。
type SaveDecision struct {
	rule Rule
}

func NewSaveDecision(rule Rule) *SaveDecision {
	if rule == nil {
		rule = NewDistanceRule(DefaultTileSize, nil)
	}
	return &SaveDecision{rule: rule}
}

func (d *SaveDecision) Rule() Rule { return d.rule }

// Verdict 与追踪判定共用同一条规则
func (d *SaveDecision) Verdict(e *Entity, o *Observer) Verdict {
	dist := o.Pos.DistanceTo(e.Pos)
	r := d.rule.EffectiveRange(e.Category, e.Threshold, o.ViewDistance)
	return Verdict{Distance: dist, Range: r, InRange: InRange(dist, r)}
}

// ShouldSave 在范围内（含边界）即保存；移除时仍在范围内同样返回 true
func (d *SaveDecision) ShouldSave(e *Entity, o *Observer) bool {
	return d.Verdict(e, o).InRange
}

func (d *SaveDecision) setRule(r Rule) { d.rule = r }
