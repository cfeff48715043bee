package tracking

import "fmt"

// DefaultTileSize 一个区块在世界坐标中的边长
const DefaultTileSize = 16.0

// Rule 计算有效追踪距离。实现必须是纯函数：同样的输入总是得到同样的结果，
// 因为追踪判定和保存判定会分别调用它，两边必须一致。
type Rule interface {
	EffectiveRange(c Category, baseThreshold float64, viewDistanceTiles int) float64
}

// CategoryPolicy 单个类别的追踪策略
type CategoryPolicy struct {
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	FollowView bool    `json:"follow_view" yaml:"follow_view"` // false: 只看阈值，忽略视距
}

// PolicyTable 类别 -> 策略
type PolicyTable map[Category]CategoryPolicy

// DefaultPolicies 默认策略表
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		CategoryAmbient:    {Threshold: 80, FollowView: true},
		CategoryPassive:    {Threshold: 80, FollowView: true},
		CategoryHostile:    {Threshold: 80, FollowView: true},
		CategoryDecorative: {Threshold: 160, FollowView: true},
		CategoryProjectile: {Threshold: 64, FollowView: true},
		CategoryItem:       {Threshold: 64, FollowView: true},
		CategoryVehicle:    {Threshold: 80, FollowView: true},
	}
}

// Clone 深拷贝，避免调用方共享可变 map
func (p PolicyTable) Clone() PolicyTable {
	out := make(PolicyTable, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Validate 检查所有阈值为正且类别合法
func (p PolicyTable) Validate() error {
	for c, pol := range p {
		if !c.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, c)
		}
		if pol.Threshold <= 0 {
			return fmt.Errorf("%w: threshold for %s must be > 0, got %v", ErrInvalidConfig, c, pol.Threshold)
		}
	}
	return nil
}

// DistanceRule 默认规则：max(类别阈值, 视距 * 区块边长)
type DistanceRule struct {
	TileSize float64
	Policies PolicyTable
}

// NewDistanceRule 用给定策略表构建规则；缺失的类别用默认值补齐
func NewDistanceRule(tileSize float64, policies PolicyTable) DistanceRule {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	merged := DefaultPolicies()
	for c, pol := range policies {
		merged[c] = pol
	}
	return DistanceRule{TileSize: tileSize, Policies: merged}
}

// EffectiveRange 视距为 0 时退化为纯阈值判定
func (r DistanceRule) EffectiveRange(c Category, baseThreshold float64, viewDistanceTiles int) float64 {
	pol, ok := r.Policies[c]
	if !ok {
		pol = DefaultPolicies()[c]
	}
	threshold := r.Threshold(c, baseThreshold)
	if !pol.FollowView || viewDistanceTiles <= 0 {
		return threshold
	}
	tile := r.TileSize
	if tile <= 0 {
		tile = DefaultTileSize
	}
	view := float64(viewDistanceTiles) * tile
	if view > threshold {
		return view
	}
	return threshold
}

// Threshold 返回实体实际使用的基础阈值
func (r DistanceRule) Threshold(c Category, baseThreshold float64) float64 {
	if baseThreshold > 0 {
		return baseThreshold
	}
	if pol, ok := r.Policies[c]; ok {
		return pol.Threshold
	}
	return DefaultPolicies()[c].Threshold
}

// InRange 边界包含：距离恰好等于有效距离视为在范围内
func InRange(distance, effectiveRange float64) bool {
	return distance <= effectiveRange
}
