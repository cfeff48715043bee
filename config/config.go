package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"entitytrack/tracking"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// Config 服务配置（config.yaml）
type Config struct {
	Addr         string                    `yaml:"addr" json:"addr"`
	TickRateHz   int                       `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	ViewDistance int                       `yaml:"view_distance" json:"view_distance"`
	TileSize     float64                   `yaml:"tile_size" json:"tile_size"`
	Categories   map[string]CategoryConfig `yaml:"categories" json:"categories,omitempty"`
	Log          LogConfig                 `yaml:"log" json:"log"`
	Store        StoreConfig               `yaml:"store" json:"store"`
}

type CategoryConfig struct {
	Threshold  float64 `yaml:"threshold" json:"threshold"`
	FollowView *bool   `yaml:"follow_view" json:"follow_view,omitempty"` // 缺省为 true
}

type LogConfig struct {
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Level      string `yaml:"level" json:"level"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
	JournalDir string `yaml:"journal_dir" json:"journal_dir"`
}

// Default 不提供配置文件时的默认值
func Default() Config {
	return Config{
		Addr:         ":8080",
		TickRateHz:   20,
		ViewDistance: 10,
		TileSize:     tracking.DefaultTileSize,
		Log: LogConfig{
			File:       "app.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Level:      "debug",
		},
		Store: StoreConfig{
			SQLitePath: "data/saves.db",
			JournalDir: "data/journal",
		},
	}
}

// Load 读取 YAML 配置；path 为空时返回默认值
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse 先按 JSON Schema 校验，再覆盖到默认值上
func Parse(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}
	if doc != nil {
		if err := validate(doc); err != nil {
			return Config{}, err
		}
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}
	if _, err := cfg.Policies(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate yaml 解码结果经 JSON 往返后交给 jsonschema，保证数值类型一致
func validate(doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", tracking.ErrInvalidConfig, err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%w: %v", tracking.ErrInvalidConfig, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", tracking.ErrInvalidConfig, err)
	}
	return nil
}

// Policies 转换为核心的策略表，未配置的类别使用默认值
func (c Config) Policies() (tracking.PolicyTable, error) {
	out := tracking.DefaultPolicies()
	names := make([]string, 0, len(c.Categories))
	for name := range c.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cc := c.Categories[name]
		cat, err := tracking.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tracking.ErrInvalidConfig, err)
		}
		follow := true
		if cc.FollowView != nil {
			follow = *cc.FollowView
		}
		out[cat] = tracking.CategoryPolicy{Threshold: cc.Threshold, FollowView: follow}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Rule 构建距离规则
func (c Config) Rule() (tracking.DistanceRule, error) {
	pols, err := c.Policies()
	if err != nil {
		return tracking.DistanceRule{}, err
	}
	return tracking.NewDistanceRule(c.TileSize, pols), nil
}
