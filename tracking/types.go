package tracking

import (
	"fmt"
	"math"
	"strings"
)

// ObserverID 观察者唯一标识（通常是玩家会话）
type ObserverID string

// EntityID 世界实体唯一标识
type EntityID string

// Vec3 世界坐标
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo 欧氏距离
func (v Vec3) DistanceTo(o Vec3) float64 {
	dx := v.X - o.X
	dy := v.Y - o.Y
	dz := v.Z - o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Category 实体类别（封闭枚举，每个类别在策略表中有一项）
type Category int

const (
	CategoryAmbient Category = iota
	CategoryPassive
	CategoryHostile
	CategoryDecorative
	CategoryProjectile
	CategoryItem
	CategoryVehicle
	categoryCount
)

var categoryNames = [categoryCount]string{
	CategoryAmbient:    "ambient",
	CategoryPassive:    "passive",
	CategoryHostile:    "hostile",
	CategoryDecorative: "decorative",
	CategoryProjectile: "projectile",
	CategoryItem:       "item",
	CategoryVehicle:    "vehicle",
}

// Categories 返回全部类别，按枚举顺序
func Categories() []Category {
	out := make([]Category, 0, categoryCount)
	for c := Category(0); c < categoryCount; c++ {
		out = append(out, c)
	}
	return out
}

func (c Category) Valid() bool { return c >= 0 && c < categoryCount }

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseCategory 按名称解析类别（大小写不敏感）
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for c := Category(0); c < categoryCount; c++ {
		if categoryNames[c] == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown entity category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid category %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Observer 观察者：位置 + 视距（以格/区块为单位）
type Observer struct {
	ID           ObserverID
	Pos          Vec3
	ViewDistance int
}

// Entity 被追踪的世界实体
type Entity struct {
	ID        EntityID
	Category  Category
	Pos       Vec3
	Threshold float64 // 基础追踪阈值，0 表示使用类别默认值
	Removed   bool
}

// EntitySnapshot 事件中携带的实体只读副本
type EntitySnapshot struct {
	ID        EntityID `json:"id"`
	Category  Category `json:"category"`
	Pos       Vec3     `json:"pos"`
	Threshold float64  `json:"threshold"`
}

func (e *Entity) snapshot() EntitySnapshot {
	return EntitySnapshot{ID: e.ID, Category: e.Category, Pos: e.Pos, Threshold: e.Threshold}
}

// ObserverSnapshot 事件中携带的观察者只读副本
type ObserverSnapshot struct {
	ID           ObserverID `json:"id"`
	Pos          Vec3       `json:"pos"`
	ViewDistance int        `json:"view_distance"`
}

func (o *Observer) snapshot() ObserverSnapshot {
	return ObserverSnapshot{ID: o.ID, Pos: o.Pos, ViewDistance: o.ViewDistance}
}
